package nl2sql

import (
	"context"
	"fmt"
)

// Model completes a prompt. Implementations return *ModelError for transport
// and API failures and the context error when ctx ends first.
type Model interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// ModelError is a failed model call.
type ModelError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *ModelError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("model request failed (status %d): %s", e.StatusCode, e.Message)
	}
	if e.Err != nil {
		return "model request failed: " + e.Err.Error()
	}
	return "model request failed: " + e.Message
}

func (e *ModelError) Unwrap() error {
	return e.Err
}

// ModelFunc adapts a function to Model.
type ModelFunc func(ctx context.Context, prompt string) (string, error)

func (f ModelFunc) Complete(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

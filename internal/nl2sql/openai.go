package nl2sql

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/duckask/duckask/internal/observability"
)

const systemPrompt = "You are a careful data analyst. You answer questions about tabular data by writing DuckDB SQL and by explaining query results."

type OpenAIConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	Timeout     time.Duration
	Logger      *slog.Logger
}

// OpenAIClient talks to any OpenAI-compatible chat completions endpoint.
type OpenAIClient struct {
	baseURL     string
	apiKey      string
	model       string
	temperature float64
	client      *http.Client
	logger      *slog.Logger
}

func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("api key is required")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "gpt-4o"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &OpenAIClient{
		baseURL:     chatBaseURL(cfg.BaseURL),
		apiKey:      strings.TrimSpace(cfg.APIKey),
		model:       model,
		temperature: cfg.Temperature,
		client:      &http.Client{Timeout: timeout},
		logger:      logger,
	}, nil
}

// chatBaseURL accepts both https://host and https://host/v1 forms.
func chatBaseURL(raw string) string {
	base := strings.TrimRight(strings.TrimSpace(raw), "/")
	return strings.TrimSuffix(base, "/v1")
}

func (c *OpenAIClient) Complete(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(map[string]any{
		"model": c.model,
		"messages": []map[string]string{
			{"role": "system", "content": systemPrompt},
			{"role": "user", "content": prompt},
		},
		"temperature": c.temperature,
	})
	if err != nil {
		return "", &ModelError{Message: "marshal chat payload", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", &ModelError{Message: "build chat request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	attrs := append(observability.RoundAttrs(ctx), slog.String("model", c.model))
	c.logger.Debug("model request", append(attrs, slog.String("prompt", observability.Mask(prompt)))...)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", &ModelError{Message: "request chat completion", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	rawRespBody, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", &ModelError{Message: "read chat response body", Err: err}
	}
	if resp.StatusCode >= 400 {
		return "", &ModelError{StatusCode: resp.StatusCode, Message: apiErrorMessage(rawRespBody)}
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(rawRespBody, &parsed); err != nil {
		return "", &ModelError{Message: "decode chat completion response", Err: err}
	}
	if len(parsed.Choices) == 0 {
		return "", &ModelError{Message: "empty chat completion choices"}
	}

	content := parsed.Choices[0].Message.Content
	c.logger.Debug("model response", append(attrs, slog.String("response", observability.Mask(content)))...)
	return content, nil
}

// apiErrorMessage prefers the OpenAI error envelope and falls back to the raw body.
func apiErrorMessage(body []byte) string {
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && strings.TrimSpace(envelope.Error.Message) != "" {
		return observability.Mask(envelope.Error.Message)
	}
	text := strings.TrimSpace(string(body))
	if len(text) > 500 {
		text = text[:500]
	}
	return observability.Mask(text)
}

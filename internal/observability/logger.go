package observability

import (
	"context"
	"io"
	"log/slog"
	"regexp"

	"github.com/duckask/duckask/internal/config"
)

type ctxKey string

const (
	roundIDKey   ctxKey = "round_id"
	sessionIDKey ctxKey = "session_id"
)

func NewLogger(cfg config.Config, writer io.Writer) *slog.Logger {
	if writer == nil {
		writer = io.Discard
	}
	var handler slog.Handler
	if cfg.Observability.LogJSON {
		handler = slog.NewJSONHandler(writer, &slog.HandlerOptions{Level: cfg.Observability.LogLevel})
	} else {
		handler = slog.NewTextHandler(writer, &slog.HandlerOptions{Level: cfg.Observability.LogLevel})
	}
	return slog.New(handler).With(
		slog.String("service", cfg.Service.Name),
		slog.String("profile", string(cfg.Profile)),
	)
}

func ContextWithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey, sessionID)
}

func SessionIDFromContext(ctx context.Context) string {
	value, ok := ctx.Value(sessionIDKey).(string)
	if !ok {
		return ""
	}
	return value
}

func ContextWithRoundID(ctx context.Context, roundID string) context.Context {
	return context.WithValue(ctx, roundIDKey, roundID)
}

func RoundIDFromContext(ctx context.Context) string {
	value, ok := ctx.Value(roundIDKey).(string)
	if !ok {
		return ""
	}
	return value
}

// RoundAttrs returns the session and round ids carried by ctx as log attributes.
func RoundAttrs(ctx context.Context) []any {
	attrs := make([]any, 0, 2)
	if id := SessionIDFromContext(ctx); id != "" {
		attrs = append(attrs, slog.String("session_id", id))
	}
	if id := RoundIDFromContext(ctx); id != "" {
		attrs = append(attrs, slog.String("round_id", id))
	}
	return attrs
}

var (
	reBearer = regexp.MustCompile(`(?i)(bearer\s+)([A-Za-z0-9._\-]+)`)
	reSKKey  = regexp.MustCompile(`\bsk-[A-Za-z0-9_\-]{8,}`)
	reDSN    = regexp.MustCompile(`(?i)(://)([^:/@\s]+):([^@\s]+)(@)`)
	reAPIKey = regexp.MustCompile(`(?i)(api[_-]?key["'=:\s]+)([^\s"',;]+)`)
)

// Mask hides credentials that may leak into log lines: bearer tokens,
// OpenAI style keys, DSN passwords and api_key assignments.
func Mask(s string) string {
	out := reBearer.ReplaceAllString(s, "${1}***")
	out = reSKKey.ReplaceAllString(out, "sk-***")
	out = reDSN.ReplaceAllString(out, "${1}${2}:***${4}")
	out = reAPIKey.ReplaceAllString(out, "${1}***")
	return out
}

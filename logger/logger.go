// Package logger configures the process-wide slog logger and derives
// request-scoped loggers from a context.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
)

type contextKey string

const (
	BeneficiaryKey contextKey = "beneficiary_id"
	ServiceKey     contextKey = "service"
)

var defaultLogger = New(os.Stdout, os.Getenv("LOG_LEVEL"))

// New builds a JSON logger. level is one of debug, info, warn, error;
// anything else means info.
func New(w io.Writer, level string) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)}))
}

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func Default() *slog.Logger {
	return defaultLogger
}

// SetDefault replaces the package logger and slog's default.
func SetDefault(l *slog.Logger) {
	defaultLogger = l
	slog.SetDefault(l)
}

// WithContext returns base (or the default logger) enriched with the request
// id set by chi's RequestID middleware and any values stored under the keys
// above.
func WithContext(ctx context.Context, base *slog.Logger) *slog.Logger {
	l := base
	if l == nil {
		l = defaultLogger
	}
	if ctx == nil {
		return l
	}
	if id := middleware.GetReqID(ctx); id != "" {
		l = l.With("request_id", id)
	}
	if id := ctx.Value(BeneficiaryKey); id != nil {
		l = l.With("beneficiary_id", id)
	}
	if svc := ctx.Value(ServiceKey); svc != nil {
		l = l.With("service", svc)
	}
	return l
}

// Service returns a logger tagged with the service and operation names.
func Service(ctx context.Context, base *slog.Logger, service, operation string, attrs ...any) *slog.Logger {
	pairs := []any{"service", service}
	if operation != "" {
		pairs = append(pairs, "operation", operation)
	}
	pairs = append(pairs, attrs...)
	return WithContext(ctx, base).With(pairs...)
}

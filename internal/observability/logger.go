// Package observability provides structured logging and OpenTelemetry tracing
// for the extraction layer.
package observability

import (
	"io"
	"log/slog"
)

// LoggerConfig contains configuration for the logger.
type LoggerConfig struct {
	Level      slog.Level
	Output     io.Writer
	AddSource  bool
	JSONFormat bool
}

// NewLogger creates a slog logger in the layer's standard shape. Extraction
// requests arrive already redacted upstream, so no scrubbing happens here;
// excerpt content is still never logged, only counts and identifiers.
func NewLogger(cfg LoggerConfig) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     cfg.Level,
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	if cfg.JSONFormat {
		handler = slog.NewJSONHandler(cfg.Output, opts)
	} else {
		handler = slog.NewTextHandler(cfg.Output, opts)
	}
	return slog.New(handler)
}

// WithRequest returns a logger scoped to one extraction request.
func WithRequest(l *slog.Logger, requestID string) *slog.Logger {
	if requestID == "" {
		return l
	}
	return l.With("request_id", requestID)
}

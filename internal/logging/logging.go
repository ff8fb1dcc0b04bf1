// Package logging builds the agent's structured logger and owns the
// request-id convention the command listener (internal/listener) threads
// through its middleware and handlers.
package logging

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/alexlavriv/ota-agent/internal/config"
	"gopkg.in/natefinch/lumberjack.v2"
)

// ContextKey is the type for context keys this package defines.
type ContextKey string

// RequestIDKey is the context key carrying a per-request correlation id,
// threaded through the command listener. The cloud client does not read it;
// it sets a fresh X-Request-ID on each outbound call.
const RequestIDKey ContextKey = "request_id"

// New builds a structured logger from LogConfig: JSON or text, rotated
// through lumberjack when a filename is set, stdout otherwise.
func New(cfg config.LogConfig) *slog.Logger {
	level := ParseLevel(cfg.Level)
	writer := setupWriter(cfg)

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "json" {
		handler = slog.NewJSONHandler(writer, opts)
	} else {
		handler = slog.NewTextHandler(writer, opts)
	}
	return slog.New(handler)
}

// ParseLevel parses a string log level into a slog.Level, defaulting to
// info on anything unrecognized.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "info", "":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func setupWriter(cfg config.LogConfig) io.Writer {
	if cfg.Filename == "" {
		return os.Stdout
	}
	return &lumberjack.Logger{
		Filename:   cfg.Filename,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
	}
}

// GenerateRequestID returns a short random hex id, falling back to a
// timestamp-derived one if the CSPRNG is unavailable.
func GenerateRequestID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("req_%d", time.Now().UnixNano())
	}
	return "req_" + hex.EncodeToString(b)
}

// WithRequestID attaches requestID to ctx.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// RequestIDFromContext extracts a request id previously attached with
// WithRequestID, returning "" if none is present.
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok {
		return id
	}
	return ""
}

// FromContext returns logger with the context's request id attached as a
// field, or logger unchanged if there is none. internal/listener uses this
// to scope every handler's log lines to the request that's in flight,
// rather than rolling its own request-scoped logger.
func FromContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if id := RequestIDFromContext(ctx); id != "" {
		return logger.With("request_id", id)
	}
	return logger
}

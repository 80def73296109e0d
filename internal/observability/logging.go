package observability

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// level is shared by every logger NewLogger hands out, so SetLevel applies
// process-wide after configuration is loaded.
var level = new(slog.LevelVar)

// NewLogger returns a JSON logger with a component field attached.
func NewLogger(component string) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})
	logger := slog.New(handler)
	if component != "" {
		logger = logger.With("component", component)
	}
	return logger
}

// SetLevel parses debug, info, warn or error.
func SetLevel(name string) error {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "info":
		level.Set(slog.LevelInfo)
	case "debug":
		level.Set(slog.LevelDebug)
	case "warn", "warning":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	default:
		return fmt.Errorf("unknown log level %q", name)
	}
	return nil
}

func WithRequest(logger *slog.Logger, requestID int64) *slog.Logger {
	if logger == nil || requestID == 0 {
		return logger
	}
	return logger.With("request_id", requestID)
}

func WithTarget(logger *slog.Logger, targetID string) *slog.Logger {
	if logger == nil || targetID == "" {
		return logger
	}
	return logger.With("target_id", targetID)
}

func WithAction(logger *slog.Logger, action string) *slog.Logger {
	if logger == nil || action == "" {
		return logger
	}
	return logger.With("action", action)
}

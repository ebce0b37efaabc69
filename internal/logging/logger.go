package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/example/order-tracking/internal/models"
)

// NewLogger builds the JSON logger used by the client process.
func NewLogger(level string) *slog.Logger {
	return NewLoggerTo(os.Stdout, level)
}

func NewLoggerTo(w io.Writer, level string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     levelFromString(level),
		AddSource: true,
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// Discard returns a logger that drops everything; tests use it.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ForSession tags every record with the session role and component name.
func ForSession(l *slog.Logger, role models.Role, component string) *slog.Logger {
	if l == nil {
		l = Discard()
	}
	return l.With("role", string(role), "component", component)
}

func levelFromString(level string) slog.Leveler {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

package logger

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
)

// Config is read from LOG_LEVEL, LOG_FORMAT and LOG_FILE.
type Config struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info"`
	Format string `env:"LOG_FORMAT" envDefault:"text"`
	File   string `env:"LOG_FILE"`
}

// Init builds the process logger from the environment and installs it as the
// slog default. Logs go to stderr unless LOG_FILE is set, so CLI output on
// stdout stays clean.
func Init() *slog.Logger {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		slog.Error("invalid logger environment, using defaults", "error", err)
		cfg = Config{Level: "info", Format: "text"}
	}
	l := New(cfg, os.Stderr)
	slog.SetDefault(l)
	return l
}

// New builds a logger writing to w, or to cfg.File when set.
func New(cfg Config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			slog.Error("failed to create log directory, using stderr only", "file", cfg.File, "error", err)
		} else {
			f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				slog.Error("failed to open log file, using stderr only", "file", cfg.File, "error", err)
			} else {
				w = f
			}
		}
	}
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// Discard is used by tests and by callers that pass no logger.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithRequestID tags l with a fresh request id.
func WithRequestID(l *slog.Logger) *slog.Logger {
	return l.With("request_id", uuid.Must(uuid.NewV7()).String())
}

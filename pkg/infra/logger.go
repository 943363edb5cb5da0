package infra

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/Guizzs26/go-scan-sync/internal/config"
)

var logFile *os.File

// SetupLogger builds the process logger: stdout plus an append-only log file when one is configured
func SetupLogger(cfg config.Logging) *slog.Logger {
	var level slog.Level
	switch strings.ToUpper(cfg.Level) {
	case "DEBUG":
		level = slog.LevelDebug
	case "WARN":
		level = slog.LevelWarn
	case "ERROR":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var out io.Writer = os.Stdout
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err == nil {
			logFile = f
			out = io.MultiWriter(os.Stdout, f)
		}
	}

	return NewLogger(out, level, cfg.Format)
}

// NewLogger builds a TEXT or JSON slog logger on w
func NewLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if strings.ToUpper(format) == "JSON" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

// CloseLogger releases the log file opened by SetupLogger
func CloseLogger() {
	if logFile != nil {
		_ = logFile.Close()
		logFile = nil
	}
}

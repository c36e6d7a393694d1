package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Level reads LOG_LEVEL (DEBUG, INFO, WARN, ERROR). Defaults to INFO.
func Level() slog.Level {
	switch strings.ToUpper(os.Getenv("LOG_LEVEL")) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds a logger writing to w. LOG_FORMAT=text selects the text
// handler, anything else JSON.
func New(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: Level()}

	var handler slog.Handler
	if strings.EqualFold(os.Getenv("LOG_FORMAT"), "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler)
}

// Setup installs a stdout logger as the slog default and returns it.
func Setup() *slog.Logger {
	logger := New(os.Stdout)
	slog.SetDefault(logger)
	return logger
}

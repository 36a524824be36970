package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

var Log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

// ParseLevel maps DEBUG, INFO, WARN and ERROR to slog levels. Anything else
// is INFO.
func ParseLevel(levelStr string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(levelStr)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Init replaces the global logger with one writing to stderr at levelStr.
func Init(levelStr string) {
	InitWriter(os.Stderr, levelStr)
}

func InitWriter(w io.Writer, levelStr string) {
	Log = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: ParseLevel(levelStr)}))
	slog.SetDefault(Log)
}

package main

import (
	"io"
	"log/slog"
	"strings"

	"github.com/lmittmann/tint"
)

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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

// newLogger writes JSON lines for collectors, or colored text for a
// terminal.
func newLogger(output io.Writer, level string, asJSON, noColor bool) *slog.Logger {
	if asJSON {
		return slog.New(slog.NewJSONHandler(output, &slog.HandlerOptions{Level: parseLevel(level)}))
	}
	handler := tint.NewHandler(output, &tint.Options{
		Level:      parseLevel(level),
		TimeFormat: "2006-01-02 15:04:05.000Z07:00",
		NoColor:    noColor,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Value.Kind() == slog.KindAny {
				if _, ok := a.Value.Any().(error); ok {
					return tint.Attr(9, a)
				}
			}
			return a
		},
	})
	return slog.New(handler)
}

package app

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/rancher/branchflow/internal/git"
)

// NewLogger constructs a *slog.Logger writing to w using the provided level and optional format.
// Supported levels: debug, info, warn, error.
// Supported formats: text (default), json.
func NewLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	lvl, err := parseLevel(level)
	if err != nil {
		return nil, err
	}

	var handler slog.Handler
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})
	case "json":
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})
	default:
		return nil, fmt.Errorf("unsupported log format %q", format)
	}

	logger := slog.New(handler)
	return logger.With("component", "branchflow"), nil
}

func parseLevel(level string) (*slog.LevelVar, error) {
	var lvl slog.LevelVar

	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl.Set(slog.LevelDebug)
	case "info", "":
		lvl.Set(slog.LevelInfo)
	case "warn", "warning":
		lvl.Set(slog.LevelWarn)
	case "error":
		lvl.Set(slog.LevelError)
	default:
		return nil, fmt.Errorf("unsupported log level %q", level)
	}

	return &lvl, nil
}

// commandLogger logs every finished git invocation at debug level.
func commandLogger(log *slog.Logger) git.Observer {
	return func(ev git.CommandEvent) {
		if log == nil || ev.Phase != git.CommandFinished {
			return
		}
		args := []any{"args", strings.Join(ev.Args, " "), "duration", ev.Duration, "success", ev.Success}
		if ev.Err != nil {
			args = append(args, "error", ev.Err)
		}
		log.Debug("git command", args...)
	}
}

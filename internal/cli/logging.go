package cli

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/ChuLiYu/delegate-agent/internal/logctx"
)

// newLogger builds the root logger. Records logged with a context carry its diagnostic
// fields.
func newLogger(level, format string, w io.Writer) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "", "text":
		handler = slog.NewTextHandler(w, opts)
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
	return slog.New(logctx.NewHandler(handler)), nil
}

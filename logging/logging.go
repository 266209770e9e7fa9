// Package logging builds the slog loggers used across the pipeline: a
// console logger, a fan-out handler that duplicates records into per-package
// log files, and nested step loggers.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattn/go-isatty"
)

// ParseLevel maps a level name to a slog.Level.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", name)
	}
}

// NewConsole logs to f as text when f is a terminal and as JSON otherwise.
func NewConsole(f *os.File, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()) {
		return slog.New(slog.NewTextHandler(f, opts))
	}
	return slog.New(slog.NewJSONHandler(f, opts))
}

// Fanout returns a handler that passes each record to every handler
// enabled for its level.
func Fanout(handlers ...slog.Handler) slog.Handler {
	return &fanout{handlers: handlers}
}

type fanout struct {
	handlers []slog.Handler
}

func (h *fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *fanout) Handle(ctx context.Context, r slog.Record) error {
	var firstErr error
	for _, handler := range h.handlers {
		if !handler.Enabled(ctx, r.Level) {
			continue
		}
		if err := handler.Handle(ctx, r.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (h *fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return &fanout{handlers: handlers}
}

func (h *fanout) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return &fanout{handlers: handlers}
}

// StepKey is the attribute carrying the nested step path.
const StepKey = "step"

// Step returns a logger whose records carry step=<parent>/<name>, where
// parent is the step path of logger, if any.
func Step(logger *slog.Logger, name string) *slog.Logger {
	if sh, ok := logger.Handler().(*stepHandler); ok {
		return slog.New(&stepHandler{next: sh.next, path: sh.path + "/" + name})
	}
	return slog.New(&stepHandler{next: logger.Handler(), path: name})
}

type stepHandler struct {
	next slog.Handler
	path string
}

func (h *stepHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *stepHandler) Handle(ctx context.Context, r slog.Record) error {
	r = r.Clone()
	r.AddAttrs(slog.String(StepKey, h.path))
	return h.next.Handle(ctx, r)
}

func (h *stepHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &stepHandler{next: h.next.WithAttrs(attrs), path: h.path}
}

func (h *stepHandler) WithGroup(name string) slog.Handler {
	return &stepHandler{next: h.next.WithGroup(name), path: h.path}
}

// File is an append-only log file.
type File struct {
	*os.File
}

// OpenFile opens path for appending, creating parent directories.
func OpenFile(path string) (*File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log %s: %w", path, err)
	}
	return &File{File: f}, nil
}

// Handler returns a text handler writing into the file.
func (f *File) Handler(level slog.Level) slog.Handler {
	return slog.NewTextHandler(f, &slog.HandlerOptions{Level: level})
}

// Closers closes every closer and returns the first error.
type Closers []io.Closer

func (c Closers) Close() error {
	var firstErr error
	for _, closer := range c {
		if err := closer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

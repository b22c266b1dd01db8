package logger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/lmittmann/tint"
)

// Log discards everything until Init is called.
var Log = slog.New(slog.DiscardHandler)

var logFile *os.File

// Init sends structured logs to logFilePath. With verbose set, a colored
// copy also goes to stderr.
func Init(logFilePath string, verbose bool) error {
	if err := os.MkdirAll(filepath.Dir(logFilePath), 0o755); err != nil {
		return err
	}
	file, err := os.OpenFile(logFilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o666)
	if err != nil {
		return err
	}
	logFile = file

	var h slog.Handler = slog.NewTextHandler(file, &slog.HandlerOptions{Level: slog.LevelDebug})
	if verbose {
		h = tee{h, newConsoleHandler(os.Stderr)}
	}
	Log = slog.New(h)
	Log.Info("logger initialized", "path", logFilePath)
	return nil
}

// Close flushes and closes the log file opened by Init.
func Close() error {
	Log = slog.New(slog.DiscardHandler)
	if logFile == nil {
		return nil
	}
	err := logFile.Close()
	logFile = nil
	return err
}

func newConsoleHandler(w io.Writer) slog.Handler {
	return tint.NewHandler(w, &tint.Options{
		Level:      slog.LevelInfo,
		TimeFormat: "15:04:05.000",
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Value.Kind() == slog.KindAny {
				if _, ok := a.Value.Any().(error); ok {
					return tint.Attr(9, a)
				}
			}
			return a
		},
	})
}

// tee fans records out to several handlers.
type tee []slog.Handler

func (t tee) Enabled(ctx context.Context, l slog.Level) bool {
	for _, h := range t {
		if h.Enabled(ctx, l) {
			return true
		}
	}
	return false
}

func (t tee) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range t {
		if h.Enabled(ctx, r.Level) {
			errs = append(errs, h.Handle(ctx, r.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (t tee) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(tee, len(t))
	for i, h := range t {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (t tee) WithGroup(name string) slog.Handler {
	out := make(tee, len(t))
	for i, h := range t {
		out[i] = h.WithGroup(name)
	}
	return out
}

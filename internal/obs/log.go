package obs

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime/debug"
	"sort"
	"sync"
)

var (
	mu    sync.RWMutex
	level = new(slog.LevelVar)
	base  = newLogger(os.Stdout)
)

// Fields are attached to a log line as top level JSON keys.
type Fields map[string]any

func newLogger(w io.Writer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

// EnableDebug globally enables debug logs.
func EnableDebug(v bool) {
	if v {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}
}

// SetOutput redirects all log lines to w (tests pass io.Discard).
func SetOutput(w io.Writer) {
	mu.Lock()
	base = newLogger(w)
	mu.Unlock()
}

func logWith(lvl slog.Level, msg string, f Fields) {
	mu.RLock()
	l := base
	mu.RUnlock()
	if !l.Enabled(context.Background(), lvl) {
		return
	}
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	attrs := make([]slog.Attr, 0, len(keys))
	for _, k := range keys {
		v := f[k]
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		attrs = append(attrs, slog.Any(k, v))
	}
	l.LogAttrs(context.Background(), lvl, msg, attrs...)
}

func Info(msg string, f Fields)  { logWith(slog.LevelInfo, msg, f) }
func Warn(msg string, f Fields)  { logWith(slog.LevelWarn, msg, f) }
func Error(msg string, f Fields) { logWith(slog.LevelError, msg, f) }
func Debug(msg string, f Fields) { logWith(slog.LevelDebug, msg, f) }

// Recover logs a panic raised in the calling goroutine instead of crashing the process.
// Use as the first defer of every per-connection goroutine.
func Recover(name string) {
	if r := recover(); r != nil {
		Error("panic.recovered", Fields{"goroutine": name, "panic": fmt.Sprintf("%v", r), "stack": string(debug.Stack())})
	}
}

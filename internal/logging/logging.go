package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"runtime/debug"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

type Options struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

type ctxKey string

const ctxKeyRequestID ctxKey = "request_id"

// Setup installs a JSON slog logger as the process default. Output goes to
// stdout unless a file is configured, in which case it is rotated.
func Setup(opts Options) *slog.Logger {
	var writer io.Writer = os.Stdout
	if opts.File != "" {
		writer = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   true,
		}
	}

	l := slog.New(slog.NewJSONHandler(writer, &slog.HandlerOptions{
		Level: ParseLevel(opts.Level),
	}))
	slog.SetDefault(l)
	return l
}

func ParseLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
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

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, requestID)
}

func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}

// FromContext returns the default logger with request_id attached when present.
func FromContext(ctx context.Context) *slog.Logger {
	l := slog.Default()
	if id := RequestIDFrom(ctx); id != "" {
		return l.With(slog.String("request_id", id))
	}
	return l
}

// SafeGo runs fn on a new goroutine and logs instead of crashing on panic.
func SafeGo(component string, fn func()) {
	go func() {
		defer Recover(component)
		fn()
	}()
}

func Recover(component string) {
	if r := recover(); r != nil {
		slog.Error("panic recovered",
			slog.Any("recover", r),
			slog.String("component", component),
			slog.String("stack", string(debug.Stack())),
		)
	}
}

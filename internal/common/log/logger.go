package log

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"livetrack/internal/common/contextx"
)

// New builds a JSON slog logger writing to stdout, tagged with the service
// name on every line.
func New(service string) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Key = "timestamp"
			}
			return a
		},
	}).WithAttrs([]slog.Attr{
		slog.String("service", service),
	})
	slog.SetDefault(slog.New(handler))

	return slog.New(handler)
}

// Info writes an INFO line with the standard correlation attributes.
func Info(ctx context.Context, log *slog.Logger, action, message string) {
	log.Info(message,
		"action", action,
		"hostname", hostname(),
		"request_id", contextx.GetRequestID(ctx),
		"session_id", contextx.GetSessionID(ctx),
	)
}

// Error writes an ERROR line with a short stack trace when err is non-nil.
func Error(ctx context.Context, log *slog.Logger, action, message string, err error) {
	if err == nil {
		log.Error(message,
			"action", action,
			"hostname", hostname(),
			"request_id", contextx.GetRequestID(ctx),
			"session_id", contextx.GetSessionID(ctx),
		)
		return
	}

	log.Error(message,
		"action", action,
		"hostname", hostname(),
		"request_id", contextx.GetRequestID(ctx),
		"session_id", contextx.GetSessionID(ctx),
		slog.Group("error",
			"msg", err.Error(),
			"stack", shortStack(3, 8),
		),
	)
}

func shortStack(skip, max int) string {
	pcs := make([]uintptr, 64)
	n := runtime.Callers(skip, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	var b strings.Builder
	count := 0
	for {
		f, more := frames.Next()
		fn := f.Function
		if strings.HasPrefix(fn, "runtime.") || strings.Contains(fn, "/log.") {
			if !more {
				break
			}
			continue
		}
		file := filepath.Base(f.File)
		if i := strings.LastIndex(fn, "."); i >= 0 && i+1 < len(fn) {
			fn = fn[i+1:]
		}
		fmt.Fprintf(&b, "%s %s:%d\n", fn, file, f.Line)
		count++
		if count >= max || !more {
			break
		}
	}
	return strings.TrimSpace(b.String())
}

func hostname() string {
	name, _ := os.Hostname()
	return name
}

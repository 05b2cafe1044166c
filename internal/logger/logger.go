// Package logger wraps log/slog with a runtime-adjustable level and the
// handful of structured-field helpers the camera gateway attaches to its
// log lines. Because the Foscam CGI client embeds the camera's username and
// password directly in request URLs (see internal/foscam/cgi), any error
// that surfaces one of those URLs risks leaking credentials into a log
// line; Redact exists so callers can scrub that before it's logged.
package logger

import (
	"errors"
	"flag"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Environment variable name for log level configuration.
const envLogLevel = "FOSCAM_LOG_LEVEL"

// redactedParams are the CGIProxy.fcgi query parameters that carry camera
// credentials verbatim. See internal/foscam/cgi.get.
var redactedParams = []string{"pwd=", "usr="}

var (
	// atomicLevel implements slog.Leveler and can be changed at runtime.
	atomicLevel = &dynamicLevel{v: int64(slog.LevelInfo)}
	// global logger instance
	global     *slog.Logger
	initOnce   sync.Once
	writerOnce sync.Once

	// Optional flag (users may pass -log.level=debug). If flags.Parse() hasn't
	// yet been called when Init is invoked, we still read the raw os.Args.
	flagLevel = flag.String("log.level", "", "log level (debug, info, warn, error)")
)

// dynamicLevel is an atomic Leveler.
type dynamicLevel struct{ v int64 }

func (d *dynamicLevel) Level() slog.Level { return slog.Level(atomic.LoadInt64(&d.v)) }
func (d *dynamicLevel) set(l slog.Level)  { atomic.StoreInt64(&d.v, int64(l)) }

// Init initializes the global logger. It is safe to call multiple times; the
// first call wins except SetLevel / UseWriter which mutate state intentionally.
func Init() {
	initOnce.Do(func() {
		lvl := detectLevel()
		atomicLevel.set(lvl)
		global = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: atomicLevel}))
	})
}

// detectLevel resolves the initial log level from (precedence high→low):
//  1. command-line flag -log.level
//  2. environment variable FOSCAM_LOG_LEVEL
//  3. default (info)
func detectLevel() slog.Level {
	// Attempt to parse flag value (handles both parsed & unparsed states).
	if *flagLevel == "" {
		for _, arg := range os.Args[1:] {
			if strings.HasPrefix(arg, "-log.level=") {
				parts := strings.SplitN(arg, "=", 2)
				if len(parts) == 2 {
					*flagLevel = parts[1]
				}
			}
		}
	}
	if lvl, ok := parseLevel(strings.TrimSpace(*flagLevel)); ok {
		return lvl
	}
	if env := os.Getenv(envLogLevel); env != "" {
		if lvl, ok := parseLevel(env); ok {
			return lvl
		}
	}
	return slog.LevelInfo
}

// parseLevel converts string to slog.Level.
func parseLevel(s string) (slog.Level, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "debug":
		return slog.LevelDebug, true
	case "info", "":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error", "err":
		return slog.LevelError, true
	}
	return 0, false
}

// SetLevel changes the runtime log level.
func SetLevel(level string) error {
	Init()
	lvl, ok := parseLevel(level)
	if !ok {
		return errors.New("invalid log level: " + level)
	}
	atomicLevel.set(lvl)
	return nil
}

// Level returns the current runtime level as string.
func Level() string {
	Init()
	return atomicLevel.Level().String()
}

// UseWriter swaps the output writer (intended for tests). Retains current level.
func UseWriter(w io.Writer) {
	Init()
	global = slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: atomicLevel}))
}

// Logger returns the global logger (ensures Init was called).
func Logger() *slog.Logger { Init(); return global }

// Convenience top-level logging functions.
func Debug(msg string, args ...any) { Logger().Debug(msg, args...) }
func Info(msg string, args ...any)  { Logger().Info(msg, args...) }
func Warn(msg string, args ...any)  { Logger().Warn(msg, args...) }
func Error(msg string, args ...any) { Logger().Error(msg, args...) }

// Redact scrubs credential-bearing query parameters from s, replacing each
// value up to the next '&', '"', or space with "***". It is meant for error
// strings and URLs that may carry a camera username/password, not for
// general-purpose logging of arbitrary text.
func Redact(s string) string {
	for _, param := range redactedParams {
		searchFrom := 0
		for {
			idx := strings.Index(s[searchFrom:], param)
			if idx < 0 {
				break
			}
			valueStart := searchFrom + idx + len(param)
			valueEnd := valueStart
			for valueEnd < len(s) && s[valueEnd] != '&' && s[valueEnd] != '"' && s[valueEnd] != ' ' {
				valueEnd++
			}
			s = s[:valueStart] + "***" + s[valueEnd:]
			searchFrom = valueStart + len("***")
		}
	}
	return s
}

// WithSession attaches camera session identity fields. host/port are never
// credential-bearing, so no redaction is needed here.
func WithSession(l *slog.Logger, host string, port uint16) *slog.Logger {
	return l.With("camera_host", host, "camera_port", port)
}

// WithSubscriber attaches subscriber identity fields.
func WithSubscriber(l *slog.Logger, subscriberID string) *slog.Logger {
	return l.With("subscriber_id", subscriberID)
}

// WithRecord attaches protocol record metadata fields for a decoded header.
func WithRecord(l *slog.Logger, recordType string, size uint32) *slog.Logger {
	return l.With("record_type", recordType, "size", size, "received_at", time.Now().UnixMilli())
}

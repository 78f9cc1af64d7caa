// Package logger provides leveled, structured logging for the filesystem
// core. It wraps log/slog with a custom severity handler (TRACE/DEBUG/INFO/
// WARNING/ERROR, gcsfuse-style rather than slog's default level names) and
// rotates its output file through lumberjack.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Severity is the set of levels this package recognizes, ordered low to
// high.
type Severity string

const (
	SeverityTrace   Severity = "TRACE"
	SeverityDebug   Severity = "DEBUG"
	SeverityInfo    Severity = "INFO"
	SeverityWarning Severity = "WARNING"
	SeverityError   Severity = "ERROR"
)

// slog level values for our custom severities; TRACE sits below slog's
// built-in Debug so -4 is already taken, push it further down.
const (
	levelTrace = slog.Level(-8)
	levelWarn  = slog.Level(2)
)

// Config controls where and how logs are written.
type Config struct {
	Format     string // "text" or "json"
	Severity   Severity
	FilePath   string // empty means stderr
	MaxSizeMB  int
	MaxBackups int
	Compress   bool
}

type factory struct{}

var defaultLoggerFactory = factory{}

var (
	defaultLogger *slog.Logger
	programLevel  = new(slog.LevelVar)
)

func init() {
	defaultLogger = slog.New(defaultLoggerFactory.createJsonOrTextHandler(os.Stderr, programLevel, ""))
}

// Init installs the process-wide logger per cfg. It is safe to call once at
// startup; concurrent use of the package-level logging functions before
// Init uses a stderr text logger at INFO.
func Init(cfg Config) error {
	var w io.Writer = os.Stderr
	if cfg.FilePath != "" {
		w = &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    orDefault(cfg.MaxSizeMB, 100),
			MaxBackups: cfg.MaxBackups,
			Compress:   cfg.Compress,
		}
	}

	prefix := ""
	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = defaultLoggerFactory.createJsonHandler(w, programLevel, prefix)
	default:
		handler = defaultLoggerFactory.createJsonOrTextHandler(w, programLevel, prefix)
	}

	setLoggingLevel(string(cfg.Severity), programLevel)
	defaultLogger = slog.New(handler)
	return nil
}

func orDefault(v, d int) int {
	if v <= 0 {
		return d
	}
	return v
}

func setLoggingLevel(level string, v *slog.LevelVar) {
	switch Severity(level) {
	case SeverityTrace:
		v.Set(levelTrace)
	case SeverityDebug:
		v.Set(slog.LevelDebug)
	case SeverityWarning:
		v.Set(levelWarn)
	case SeverityError:
		v.Set(slog.LevelError)
	default:
		v.Set(slog.LevelInfo)
	}
}

func severityForLevel(l slog.Level) string {
	switch {
	case l < slog.LevelDebug:
		return string(SeverityTrace)
	case l < slog.LevelInfo:
		return string(SeverityDebug)
	case l < levelWarn:
		return string(SeverityInfo)
	case l < slog.LevelError:
		return string(SeverityWarning)
	default:
		return string(SeverityError)
	}
}

// createJsonOrTextHandler returns a text handler that prints
// time="..." severity=X message="prefix: msg".
func (factory) createJsonOrTextHandler(w io.Writer, level *slog.LevelVar, prefix string) slog.Handler {
	return &textHandler{w: w, level: level, prefix: prefix}
}

func (factory) createJsonHandler(w io.Writer, level *slog.LevelVar, prefix string) slog.Handler {
	return slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				lv := a.Value.Any().(slog.Level)
				return slog.String("severity", severityForLevel(lv))
			}
			return a
		},
	})
}

// textHandler renders `time="..." severity=X message="..."` lines, matching
// the format the core's tests assert against.
type textHandler struct {
	w      io.Writer
	level  *slog.LevelVar
	prefix string
}

func (h *textHandler) Enabled(_ context.Context, l slog.Level) bool { return l >= h.level.Level() }

func (h *textHandler) Handle(_ context.Context, r slog.Record) error {
	_, err := fmt.Fprintf(h.w, "time=%q severity=%s message=%q\n",
		r.Time.Format("2006/01/02 15:04:05.000000"), severityForLevel(r.Level), h.prefix+r.Message)
	return err
}

func (h *textHandler) WithAttrs(attrs []slog.Attr) slog.Handler { return h }
func (h *textHandler) WithGroup(name string) slog.Handler       { return h }

func Tracef(format string, args ...any) { defaultLogger.Log(context.Background(), levelTrace, fmt.Sprintf(format, args...)) }
func Debugf(format string, args ...any) { defaultLogger.Debug(fmt.Sprintf(format, args...)) }
func Infof(format string, args ...any)  { defaultLogger.Info(fmt.Sprintf(format, args...)) }
func Warnf(format string, args ...any)  { defaultLogger.Log(context.Background(), levelWarn, fmt.Sprintf(format, args...)) }
func Errorf(format string, args ...any) { defaultLogger.Error(fmt.Sprintf(format, args...)) }

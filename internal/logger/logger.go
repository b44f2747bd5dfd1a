package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

var (
	level         = new(slog.LevelVar)
	defaultLogger = newLogger(os.Stdout, FormatJSON)
)

// Init configures the package logger. Unknown levels fall back to INFO.
func Init(levelName string, format Format) {
	SetLevel(ParseLevel(levelName))
	defaultLogger = newLogger(os.Stdout, format)
	slog.SetDefault(defaultLogger)
}

// SetOutput redirects JSON log lines to w.
func SetOutput(w io.Writer) {
	defaultLogger = newLogger(w, FormatJSON)
}

func SetLevel(l slog.Level) {
	level.Set(l)
}

func ParseLevel(name string) slog.Level {
	switch strings.ToUpper(name) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Slog exposes the underlying logger for libraries that take a *slog.Logger.
func Slog() *slog.Logger {
	return defaultLogger
}

func newLogger(w io.Writer, format Format) *slog.Logger {
	if format == FormatText {
		return slog.New(tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: time.DateTime,
			NoColor:    !isTerminal(w),
		}))
	}

	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) > 0 {
				return a
			}
			switch a.Key {
			case slog.TimeKey:
				a.Key = "timestamp"
				a.Value = slog.StringValue(a.Value.Time().UTC().Format(time.RFC3339))
			case slog.MessageKey:
				a.Key = "message"
			}
			return a
		},
	}))
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

func log(l slog.Level, message string, fields map[string]interface{}) {
	sanitized := sanitizeFields(fields)
	if len(sanitized) == 0 {
		defaultLogger.Log(context.Background(), l, message)
		return
	}

	keys := make([]string, 0, len(sanitized))
	for k := range sanitized {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	attrs := make([]any, 0, len(keys))
	for _, k := range keys {
		attrs = append(attrs, slog.Any(k, sanitized[k]))
	}
	defaultLogger.Log(context.Background(), l, message, slog.Group("fields", attrs...))
}

func Debug(message string, fields ...map[string]interface{}) {
	log(slog.LevelDebug, message, mergeFields(fields...))
}

func Info(message string, fields ...map[string]interface{}) {
	log(slog.LevelInfo, message, mergeFields(fields...))
}

func Warn(message string, fields ...map[string]interface{}) {
	log(slog.LevelWarn, message, mergeFields(fields...))
}

func Error(message string, fields ...map[string]interface{}) {
	log(slog.LevelError, message, mergeFields(fields...))
}

// Helper functions
func mergeFields(fieldMaps ...map[string]interface{}) map[string]interface{} {
	result := make(map[string]interface{})
	for _, fields := range fieldMaps {
		for k, v := range fields {
			result[k] = v
		}
	}
	return result
}

func sanitizeFields(fields map[string]interface{}) map[string]interface{} {
	if fields == nil {
		return nil
	}

	sanitized := make(map[string]interface{})
	sensitiveKeys := []string{
		"key", "token", "secret", "password", "signature", "authorization", "auth",
	}

	for k, v := range fields {
		keyLower := strings.ToLower(k)

		isSensitive := false
		for _, sensitive := range sensitiveKeys {
			if strings.Contains(keyLower, sensitive) {
				isSensitive = true
				break
			}
		}

		if isSensitive {
			// Show first 3 and last 3 characters of long values
			if str, ok := v.(string); ok && len(str) > 8 {
				sanitized[k] = str[:3] + "..." + str[len(str)-3:]
			} else {
				sanitized[k] = "[REDACTED]"
			}
		} else {
			sanitized[k] = v
		}
	}

	return sanitized
}

func init() {
	// During tests, reduce log noise
	if os.Getenv("GO_ENV") == "test" || strings.HasSuffix(os.Args[0], ".test") {
		SetLevel(slog.LevelWarn)
		return
	}
	SetLevel(ParseLevel(os.Getenv("LOG_LEVEL")))
}

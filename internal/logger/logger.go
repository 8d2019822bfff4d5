package logger

import (
	"os"
	"strings"
	"sync"

	"github.com/hashicorp/go-hclog"
)

var (
	root hclog.Logger
	once sync.Once
)

// Setup configures the process-wide logger. Safe to call once from main;
// callers before Setup get a logger built from environment defaults.
func Setup(level, format string) {
	root = hclog.New(&hclog.LoggerOptions{
		Name:       "radiowatch",
		Level:      hclog.LevelFromString(level),
		JSONFormat: strings.EqualFold(format, "json"),
		Output:     os.Stdout,
	})
}

func get() hclog.Logger {
	once.Do(func() {
		if root == nil {
			Setup(envOr("RADIOWATCH_LOG_LEVEL", "info"), os.Getenv("RADIOWATCH_LOG_FORMAT"))
		}
	})
	return root
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Named returns a component-scoped sub-logger.
func Named(name string) hclog.Logger {
	return get().Named(name)
}

// Info logs at info level with key/value pairs.
func Info(msg string, kv ...interface{}) {
	get().Info(msg, kv...)
}

// Warn logs at warn level with key/value pairs.
func Warn(msg string, kv ...interface{}) {
	get().Warn(msg, kv...)
}

// Error logs at error level with key/value pairs.
func Error(msg string, kv ...interface{}) {
	get().Error(msg, kv...)
}

// Debug logs at debug level with key/value pairs.
func Debug(msg string, kv ...interface{}) {
	get().Debug(msg, kv...)
}

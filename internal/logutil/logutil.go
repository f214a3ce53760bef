// Package logutil emits structured JSON log lines for the bot manager binaries.
package logutil

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	mu     sync.RWMutex
	logger = newLogger(os.Stdout)
)

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.TimestampFunc = func() time.Time { return time.Now().UTC() }
}

func newLogger(w io.Writer) zerolog.Logger {
	return zerolog.New(w).With().Timestamp().Logger()
}

// SetOutput redirects log output (tests use a buffer).
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	logger = newLogger(w).Level(logger.GetLevel())
}

// SetLevel sets the minimum level by name (debug, info, warn, error).
// Unknown names fall back to info.
func SetLevel(level string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	mu.Lock()
	defer mu.Unlock()
	logger = logger.Level(lvl)
}

func current() *zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	l := logger
	return &l
}

// Debug logs a structured debug message.
func Debug(msg string, fields map[string]interface{}) {
	current().Debug().Fields(fields).Msg(msg)
}

// Info logs a structured info message.
func Info(msg string, fields map[string]interface{}) {
	current().Info().Fields(fields).Msg(msg)
}

// Warn logs a structured warning.
func Warn(msg string, fields map[string]interface{}) {
	current().Warn().Fields(fields).Msg(msg)
}

// Error logs a structured error message including the error string.
func Error(msg string, err error, fields map[string]interface{}) {
	evt := current().Error().Fields(fields)
	if err != nil {
		evt = evt.Str("error", err.Error())
	}
	evt.Msg(msg)
}

// Fatal logs the error and exits the process.
func Fatal(msg string, err error, fields map[string]interface{}) {
	Error(msg, err, fields)
	os.Exit(1)
}

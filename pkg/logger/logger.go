package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Options controls where and how log lines are written.
type Options struct {
	Level string
	File  string
	JSON  bool
}

var (
	mu     sync.RWMutex
	log    = newLogger(os.Stderr, false, zerolog.InfoLevel)
	closer io.Closer
)

func newLogger(w io.Writer, asJSON bool, level zerolog.Level) zerolog.Logger {
	if !asJSON {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly, NoColor: true}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// Configure replaces the global logger. An empty File keeps stderr.
func Configure(opts Options) error {
	level := zerolog.InfoLevel
	if opts.Level != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(opts.Level))
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", opts.Level, err)
		}
		level = parsed
	}

	var w io.Writer = os.Stderr
	var c io.Closer
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0755); err != nil {
			return fmt.Errorf("creating log directory: %w", err)
		}
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("opening log file: %w", err)
		}
		w, c = f, f
	}

	mu.Lock()
	defer mu.Unlock()
	if closer != nil {
		closer.Close()
	}
	log = newLogger(w, opts.JSON, level)
	closer = c
	return nil
}

// SetOutput sends log lines to w, keeping the current level. Mostly for tests.
func SetOutput(w io.Writer, asJSON bool) {
	mu.Lock()
	defer mu.Unlock()
	log = newLogger(w, asJSON, log.GetLevel())
}

// Close releases the log file opened by Configure, if any, and restores the
// stderr logger at info level.
func Close() {
	mu.Lock()
	defer mu.Unlock()
	if closer != nil {
		closer.Close()
		closer = nil
	}
	log = newLogger(os.Stderr, false, zerolog.InfoLevel)
}

func emit(level zerolog.Level, component, message string, fields map[string]interface{}) {
	mu.RLock()
	l := log
	mu.RUnlock()

	ev := l.WithLevel(level)
	if ev == nil {
		return
	}
	if component != "" {
		ev = ev.Str("component", component)
	}
	if len(fields) > 0 {
		ev = ev.Fields(fields)
	}
	ev.Msg(message)
}

func DebugCF(component, message string, fields map[string]interface{}) {
	emit(zerolog.DebugLevel, component, message, fields)
}

func InfoCF(component, message string, fields map[string]interface{}) {
	emit(zerolog.InfoLevel, component, message, fields)
}

func WarnCF(component, message string, fields map[string]interface{}) {
	emit(zerolog.WarnLevel, component, message, fields)
}

func ErrorCF(component, message string, fields map[string]interface{}) {
	emit(zerolog.ErrorLevel, component, message, fields)
}

func DebugC(component, message string) { DebugCF(component, message, nil) }

func InfoC(component, message string) { InfoCF(component, message, nil) }

func WarnC(component, message string) { WarnCF(component, message, nil) }

func ErrorC(component, message string) { ErrorCF(component, message, nil) }

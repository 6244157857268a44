package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"
)

// Level represents the severity of a log message.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Logger defines a minimal, printf-style logging contract.
//
// Components depend on this interface so tests can swap in Nop() and the
// server can share one sink across components.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Nop returns a logger that discards all output.
func Nop() Logger {
	return nopLogger{}
}

// OrNop returns logger when non-nil, otherwise a no-op logger.
func OrNop(logger Logger) Logger {
	if logger == nil {
		return Nop()
	}
	return logger
}

type sink struct {
	mu    sync.Mutex
	out   io.Writer
	level Level
}

var (
	defaultSink     *sink
	defaultSinkOnce sync.Once
)

func getDefaultSink() *sink {
	defaultSinkOnce.Do(func() {
		defaultSink = &sink{out: os.Stderr, level: LevelInfo}
	})
	return defaultSink
}

// SetLevel sets the minimum level for the shared default sink.
func SetLevel(level Level) {
	s := getDefaultSink()
	s.mu.Lock()
	s.level = level
	s.mu.Unlock()
}

// SetOutput redirects the shared default sink, e.g. to a log file.
func SetOutput(w io.Writer) {
	s := getDefaultSink()
	s.mu.Lock()
	s.out = w
	s.mu.Unlock()
}

// OpenLogFile opens (appending) the given path and routes the default sink
// to both stderr and the file.
func OpenLogFile(path string) (*os.File, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	SetOutput(io.MultiWriter(os.Stderr, file))
	return file, nil
}

type componentLogger struct {
	sink      *sink
	component string
}

// NewComponentLogger returns the shared application logger scoped to a component.
func NewComponentLogger(component string) Logger {
	return &componentLogger{sink: getDefaultSink(), component: component}
}

func (l *componentLogger) log(level Level, format string, args ...any) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()

	if level < l.sink.level {
		return
	}

	_, file, line, ok := runtime.Caller(2)
	if ok {
		file = filepath.Base(file)
	} else {
		file = "???"
		line = 0
	}

	msg := fmt.Sprintf(format, args...)
	ts := time.Now().Format("2006-01-02 15:04:05.000")
	if _, err := fmt.Fprintf(l.sink.out, "[%s] [%s] [%s] %s:%d %s\n",
		ts, level, l.component, file, line, msg); err != nil {
		log.Printf("logging: write failed: %v", err)
	}
}

func (l *componentLogger) Debug(format string, args ...any) {
	l.log(LevelDebug, format, args...)
}

func (l *componentLogger) Info(format string, args ...any) {
	l.log(LevelInfo, format, args...)
}

func (l *componentLogger) Warn(format string, args ...any) {
	l.log(LevelWarn, format, args...)
}

func (l *componentLogger) Error(format string, args ...any) {
	l.log(LevelError, format, args...)
}

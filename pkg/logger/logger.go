// Package logger provides the process-wide structured logger for Log Sentinel.
// Every component logs through entries created here so that source ids,
// cycle ids and component names appear as fields rather than in the message.
package logger

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// Field names shared across components.
const (
	FieldComponent = "component"
	FieldSource    = "source"
	FieldCycle     = "cycle"
	FieldChannel   = "channel"
	FieldCategory  = "category"
	FieldSink      = "sink"
)

var (
	log            *logrus.Logger
	mu             sync.RWMutex
	currentLogFile io.Closer
)

func init() {
	log = logrus.New()
	log.SetLevel(logrus.InfoLevel)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	log.SetOutput(os.Stdout)
}

// Options selects level, format and destination.
type Options struct {
	Level  string // debug, info, warn, error, fatal
	Format string // json, text
	Output string // stdout, stderr, file
	File   string // required when Output is "file"
}

// Initialize replaces the global logger. It may be called more than once;
// a previously opened log file is flushed and closed.
func Initialize(opts Options) error {
	lvl, err := logrus.ParseLevel(opts.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", opts.Level, err)
	}

	var formatter logrus.Formatter
	switch opts.Format {
	case "json":
		formatter = &logrus.JSONFormatter{
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		}
	case "text":
		formatter = &logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		}
	default:
		return fmt.Errorf("invalid log format %q: must be json or text", opts.Format)
	}

	var (
		writer io.Writer
		closer io.Closer
	)
	switch opts.Output {
	case "stdout":
		writer = os.Stdout
	case "stderr":
		writer = os.Stderr
	case "file":
		if opts.File == "" {
			return fmt.Errorf("logFile must be specified when logOutput is 'file'")
		}
		file, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file %q: %w", opts.File, err)
		}
		bw := &bufferedFileWriter{Writer: bufio.NewWriterSize(file, 64*1024), file: file}
		writer, closer = bw, bw
	default:
		return fmt.Errorf("invalid log output %q: must be stdout, stderr, or file", opts.Output)
	}

	mu.Lock()
	defer mu.Unlock()

	if currentLogFile != nil {
		if err := currentLogFile.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close previous log file: %v\n", err)
		}
	}
	currentLogFile = closer

	l := logrus.New()
	l.SetLevel(lvl)
	l.SetFormatter(formatter)
	l.SetOutput(writer)
	log = l

	return nil
}

// bufferedFileWriter flushes its buffer before closing the file.
type bufferedFileWriter struct {
	*bufio.Writer
	file *os.File
}

func (w *bufferedFileWriter) Close() error {
	if err := w.Flush(); err != nil {
		w.file.Close()
		return fmt.Errorf("failed to flush log buffer: %w", err)
	}
	return w.file.Close()
}

// Get returns the global logger instance.
func Get() *logrus.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return log
}

// SetOutput redirects the global logger, mainly for tests.
func SetOutput(w io.Writer) {
	Get().SetOutput(w)
}

// ForComponent returns an entry tagged with the component name.
func ForComponent(name string) *logrus.Entry {
	return Get().WithField(FieldComponent, name)
}

// WithFields returns a logger entry with structured fields.
func WithFields(fields logrus.Fields) *logrus.Entry {
	return Get().WithFields(fields)
}

// WithField returns a logger entry with a single structured field.
func WithField(key string, value interface{}) *logrus.Entry {
	return Get().WithField(key, value)
}

// WithError returns a logger entry with an error field.
func WithError(err error) *logrus.Entry {
	return Get().WithError(err)
}

func Debugf(format string, args ...interface{}) { Get().Debugf(format, args...) }
func Infof(format string, args ...interface{})  { Get().Infof(format, args...) }
func Warnf(format string, args ...interface{})  { Get().Warnf(format, args...) }
func Errorf(format string, args ...interface{}) { Get().Errorf(format, args...) }

// Fatalf logs at level Fatal then calls os.Exit(1).
func Fatalf(format string, args ...interface{}) { Get().Fatalf(format, args...) }

// SetLevel sets the log level programmatically.
func SetLevel(level logrus.Level) {
	Get().SetLevel(level)
}

// GetLevel returns the current log level.
func GetLevel() logrus.Level {
	return Get().GetLevel()
}

// Close flushes and closes the log file if one is open. It is safe to call
// more than once.
func Close() error {
	mu.Lock()
	defer mu.Unlock()

	if currentLogFile != nil {
		err := currentLogFile.Close()
		currentLogFile = nil
		return err
	}
	return nil
}

// Flush writes any buffered log data to the output.
func Flush() error {
	l := Get()
	if flusher, ok := l.Out.(interface{ Flush() error }); ok {
		return flusher.Flush()
	}
	return nil
}

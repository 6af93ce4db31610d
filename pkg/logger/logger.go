// Package logger provides the structured logger shared by dmesg-check packages.
// It wraps a single logrus instance configured from GlobalSettings.
package logger

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
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
	// stdout may be captured as the plugin's output; keep diagnostics on stderr
	log.SetOutput(os.Stderr)
}

// Initialize sets up the global logger.
//   - level: debug, info, warn, error, fatal
//   - format: json or text
//   - output: stdout, stderr or file (outputFile is then required)
func Initialize(level, format, output, outputFile string) error {
	mu.Lock()
	defer mu.Unlock()

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var formatter logrus.Formatter
	switch format {
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
		return fmt.Errorf("invalid log format %q: must be json or text", format)
	}

	var writer io.Writer
	var closer io.Closer
	switch output {
	case "stdout":
		writer = os.Stdout
	case "stderr":
		writer = os.Stderr
	case "file":
		if outputFile == "" {
			return fmt.Errorf("logFile must be specified when logOutput is 'file'")
		}
		file, err := os.OpenFile(outputFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file %q: %w", outputFile, err)
		}
		buffered := &bufferedFileWriter{Writer: bufio.NewWriterSize(file, 64*1024), file: file}
		writer = buffered
		closer = buffered
	default:
		return fmt.Errorf("invalid log output %q: must be stdout, stderr, or file", output)
	}

	if currentLogFile != nil {
		if err := currentLogFile.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close previous log file: %v\n", err)
		}
	}
	currentLogFile = closer

	log = logrus.New()
	log.SetLevel(lvl)
	log.SetFormatter(formatter)
	log.SetOutput(writer)

	return nil
}

// bufferedFileWriter wraps a buffered writer and file for proper cleanup
type bufferedFileWriter struct {
	*bufio.Writer
	file *os.File
}

// Close flushes the buffer and closes the file
func (w *bufferedFileWriter) Close() error {
	if err := w.Flush(); err != nil {
		w.file.Close()
		return fmt.Errorf("failed to flush log buffer: %w", err)
	}
	return w.file.Close()
}

// Get returns the global logger instance
func Get() *logrus.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return log
}

// SetOutput redirects the global logger, mostly for tests.
func SetOutput(w io.Writer) {
	Get().SetOutput(w)
}

// WithFields returns a logger entry with structured fields:
//
//	logger.WithFields(logrus.Fields{
//	    "component": "collector",
//	    "artifact":  "dmesg.log",
//	}).Info("Upload complete")
func WithFields(fields logrus.Fields) *logrus.Entry {
	return Get().WithFields(fields)
}

// WithField returns a logger entry with a single structured field
func WithField(key string, value interface{}) *logrus.Entry {
	return Get().WithField(key, value)
}

// WithError returns a logger entry with an error field
func WithError(err error) *logrus.Entry {
	return Get().WithError(err)
}

// Component returns an entry tagged with the emitting component.
func Component(name string) *logrus.Entry {
	return WithField("component", name)
}

// Close flushes any buffered log data and closes the log file if one is open.
// It's safe to call Close() multiple times.
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

// Package logging provides the operator log file and the component-filtered
// debug log used across alarmsync.
package logging

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// FileLogger writes timestamped operator messages to a file and, optionally,
// mirrors them to a second writer (stderr in headless mode).
// It is safe for concurrent use from multiple goroutines.
type FileLogger struct {
	file   *os.File
	mirror io.Writer
	mu     sync.Mutex
	closed bool
}

// NewFileLogger creates a new file logger that appends to the specified path.
func NewFileLogger(path string) (*FileLogger, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	return &FileLogger{
		file: file,
	}, nil
}

// SetMirror sets a writer that receives a copy of every line. nil disables it.
func (l *FileLogger) SetMirror(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.mirror = w
}

// Log writes a formatted message with a timestamp.
func (l *FileLogger) Log(format string, args ...interface{}) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}

	line := fmt.Sprintf("%s %s\n", time.Now().Format("2006-01-02 15:04:05.000"), fmt.Sprintf(format, args...))
	io.WriteString(l.file, line)
	if l.mirror != nil {
		io.WriteString(l.mirror, line)
	}
}

// Close closes the log file. Calling Close twice is safe.
func (l *FileLogger) Close() error {
	if l == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}

	l.closed = true
	return l.file.Close()
}

// StderrLog is a LogFunc-compatible logger used when no log file is configured.
func StderrLog(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "%s %s\n", time.Now().Format("2006-01-02 15:04:05.000"), fmt.Sprintf(format, args...))
}

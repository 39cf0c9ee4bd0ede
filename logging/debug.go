package logging

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// DebugLogger provides verbose, per-component debug logging to a dedicated
// debug.log file. It is intended for troubleshooting extraction and
// reconciliation runs.
type DebugLogger struct {
	file    *os.File
	mu      sync.Mutex
	closed  bool
	filters map[string]bool // Component filters (empty = log all)
}

var globalDebugLogger *DebugLogger
var globalDebugMu sync.RWMutex

// KnownComponents lists the component names accepted by SetFilter.
var KnownComponents = []string{
	"engine",
	"reconcile",
	"classify",
	"simaticml",
	"selection",
	"project",
	"hmistore",
	"mqtt",
	"kafka",
	"valkey",
	"push",
	"ssh",
	"stream",
	"api",
	"watch",
	"debug",
}

// NewDebugLogger creates a new debug logger that writes to the specified path.
// The file is truncated for each session.
func NewDebugLogger(path string) (*DebugLogger, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open debug log file: %w", err)
	}

	logger := &DebugLogger{
		file:    file,
		filters: make(map[string]bool),
	}

	logger.Log("DEBUG", "Debug logging started - %s", time.Now().Format(time.RFC3339))
	return logger, nil
}

// SetFilter sets the component filter. The filter is a comma-separated list
// matched case-insensitively; "" or "all" logs everything. Selecting
// "reconcile" also enables "classify" since classification runs inside it.
func (l *DebugLogger) SetFilter(filter string) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.filters = make(map[string]bool)

	filter = strings.TrimSpace(strings.ToLower(filter))
	if filter == "" || filter == "all" {
		return
	}

	for _, c := range strings.Split(filter, ",") {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		l.filters[c] = true
		switch c {
		case "reconcile":
			l.filters["classify"] = true
		case "engine":
			l.filters["selection"] = true
			l.filters["project"] = true
		}
	}

	if len(l.filters) > 0 {
		list := make([]string, 0, len(l.filters))
		for c := range l.filters {
			list = append(list, c)
		}
		fmt.Fprintf(l.file, "%s [DEBUG] Filtering enabled for components: %s\n",
			time.Now().Format("2006-01-02 15:04:05.000"), strings.Join(list, ", "))
	}
}

// shouldLog must be called with l.mu held.
func (l *DebugLogger) shouldLog(component string) bool {
	if len(l.filters) == 0 {
		return true
	}
	c := strings.ToLower(component)
	return l.filters[c] || c == "debug"
}

// Log writes a formatted message with timestamp and component prefix.
func (l *DebugLogger) Log(component, format string, args ...interface{}) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed || !l.shouldLog(component) {
		return
	}

	fmt.Fprintf(l.file, "%s [%s] %s\n", time.Now().Format("2006-01-02 15:04:05.000"), component, fmt.Sprintf(format, args...))
}

// Close closes the debug log file.
func (l *DebugLogger) Close() error {
	if l == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	fmt.Fprintf(l.file, "%s [DEBUG] Debug logging ended\n", time.Now().Format("2006-01-02 15:04:05.000"))
	return l.file.Close()
}

// SetGlobalDebugLogger sets the global debug logger instance.
func SetGlobalDebugLogger(logger *DebugLogger) {
	globalDebugMu.Lock()
	defer globalDebugMu.Unlock()
	globalDebugLogger = logger
}

// GetGlobalDebugLogger returns the global debug logger instance.
func GetGlobalDebugLogger() *DebugLogger {
	globalDebugMu.RLock()
	defer globalDebugMu.RUnlock()
	return globalDebugLogger
}

// DebugLog logs a message if debug logging is enabled.
func DebugLog(component, format string, args ...interface{}) {
	if logger := GetGlobalDebugLogger(); logger != nil {
		logger.Log(component, format, args...)
	}
}

// DebugError logs an error with context if debug logging is enabled.
func DebugError(component, context string, err error) {
	DebugLog(component, "ERROR in %s: %v", context, err)
}

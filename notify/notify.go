// Package notify carries operator notifications (informational, success
// and error messages) from a run to the log, the event stream and the
// message brokers.
package notify

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"alarmsync/logging"
)

// Level is the severity of a notification.
type Level int

const (
	Info Level = iota
	Success
	Error
)

func (l Level) String() string {
	switch l {
	case Success:
		return "success"
	case Error:
		return "error"
	default:
		return "info"
	}
}

func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func (l *Level) UnmarshalText(b []byte) error {
	switch string(b) {
	case "info":
		*l = Info
	case "success":
		*l = Success
	case "error":
		*l = Error
	default:
		return fmt.Errorf("unknown level %q", b)
	}
	return nil
}

// Notification is one operator message.
type Notification struct {
	Level     Level     `json:"level"`
	Message   string    `json:"message"`
	HMI       string    `json:"hmi,omitempty"`
	Block     string    `json:"block,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Sink receives notifications.
type Sink interface {
	Notify(n Notification)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(n Notification)

func (f SinkFunc) Notify(n Notification) { f(n) }

// Fanout delivers to every sink in order.
type Fanout []Sink

func (f Fanout) Notify(n Notification) {
	for _, s := range f {
		if s != nil {
			s.Notify(n)
		}
	}
}

// LogSink writes notifications through a printf-style log function.
type LogSink struct {
	Log func(format string, args ...interface{})
}

func (s LogSink) Notify(n Notification) {
	if s.Log == nil {
		return
	}
	switch n.Level {
	case Error:
		s.Log("ERROR: %s", n.Message)
	case Success:
		s.Log("OK: %s", n.Message)
	default:
		s.Log("%s", n.Message)
	}
}

// Recorder keeps every notification in memory.
type Recorder struct {
	mu    sync.Mutex
	items []Notification
}

func (r *Recorder) Notify(n Notification) {
	r.mu.Lock()
	r.items = append(r.items, n)
	r.mu.Unlock()
}

// All returns a copy of the recorded notifications.
func (r *Recorder) All() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.items...)
}

// Count returns the number of recorded notifications at level.
func (r *Recorder) Count(level Level) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, it := range r.items {
		if it.Level == level {
			n++
		}
	}
	return n
}

// Reset discards recorded notifications.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.items = nil
	r.mu.Unlock()
}

// Publisher forwards encoded notifications to a message broker.
type Publisher interface {
	PublishNotification(data []byte)
}

// BrokerSink encodes notifications as JSON and hands them to publishers.
type BrokerSink struct {
	Publishers []Publisher
}

func (s BrokerSink) Notify(n Notification) {
	if len(s.Publishers) == 0 {
		return
	}
	data, err := json.Marshal(n)
	if err != nil {
		logging.DebugLog("engine", "notification marshal error: %v", err)
		return
	}
	for _, p := range s.Publishers {
		if p != nil {
			p.PublishNotification(data)
		}
	}
}

// Notifier stamps and sends notifications to a sink.
type Notifier struct {
	Sink Sink
	Now  func() time.Time
}

func (n *Notifier) send(level Level, hmi, block, format string, args []interface{}) {
	if n == nil || n.Sink == nil {
		return
	}
	now := time.Now
	if n.Now != nil {
		now = n.Now
	}
	n.Sink.Notify(Notification{
		Level:     level,
		Message:   fmt.Sprintf(format, args...),
		HMI:       hmi,
		Block:     block,
		Timestamp: now(),
	})
}

// Infof sends an informational notification.
func (n *Notifier) Infof(format string, args ...interface{}) {
	n.send(Info, "", "", format, args)
}

// Successf sends a success notification.
func (n *Notifier) Successf(format string, args ...interface{}) {
	n.send(Success, "", "", format, args)
}

// Errorf sends an error notification.
func (n *Notifier) Errorf(format string, args ...interface{}) {
	n.send(Error, "", "", format, args)
}

// For sends a notification about one block on one HMI.
func (n *Notifier) For(level Level, hmi, block, format string, args ...interface{}) {
	n.send(level, hmi, block, format, args)
}

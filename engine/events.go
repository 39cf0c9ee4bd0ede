package engine

import (
	"time"

	"alarmsync/notify"
)

// EventType identifies the kind of event emitted by the Engine.
type EventType int

const (
	// Run events
	EventRunStarted EventType = iota + 1
	EventRunFinished
	EventTripleStarted
	EventTripleFinished
	EventProgress

	// Operator notifications
	EventNotification

	// Configuration events
	EventSettingsChanged
	EventProjectReloaded
)

// Event is the envelope emitted by the Engine's EventBus.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Payload   interface{}
}

// RunEvent is the payload for run start and finish.
type RunEvent struct {
	ID         string
	Selections []string
	Report     *Report // nil on start
}

// TripleEvent is the payload for per-triple events.
type TripleEvent struct {
	RunID  string
	Result TripleResult
}

// ProgressEvent carries the host-facing progress text.
type ProgressEvent struct {
	RunID string
	Text  string
}

// NotificationEvent wraps an operator notification.
type NotificationEvent struct {
	Notification notify.Notification
}

// SystemEvent is the payload for configuration events.
type SystemEvent struct {
	Detail string
}

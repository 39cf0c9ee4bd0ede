package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"alarmsync/engine"
	"alarmsync/logging"
)

// SSE event type constants.
const (
	eventRunStarted   = "run-started"
	eventRunFinished  = "run-finished"
	eventTriple       = "triple"
	eventProgress     = "progress"
	eventNotification = "notification"
	eventSettings     = "settings"
)

// sseEvent is an internal event for the SSE hub.
type sseEvent struct {
	Type string
	HMI  string // set when the event concerns one HMI (for filtering)
	Data interface{}
}

type apiRunUpdate struct {
	ID         string         `json:"id"`
	Selections []string       `json:"selections"`
	Report     *engine.Report `json:"report,omitempty"`
}

type apiProgressUpdate struct {
	RunID string `json:"run_id"`
	Text  string `json:"text"`
}

type apiTripleUpdate struct {
	RunID  string              `json:"run_id"`
	Result engine.TripleResult `json:"result"`
}

type sseClient struct {
	id     string
	events chan sseEvent
}

// eventHub fans engine events out to connected SSE clients.
type eventHub struct {
	clients    map[string]*sseClient
	register   chan *sseClient
	unregister chan *sseClient
	broadcast  chan sseEvent
	mu         sync.RWMutex
	done       chan struct{}
}

func newEventHub() *eventHub {
	hub := &eventHub{
		clients:    make(map[string]*sseClient),
		register:   make(chan *sseClient),
		unregister: make(chan *sseClient),
		broadcast:  make(chan sseEvent, 256),
		done:       make(chan struct{}),
	}
	go hub.run()
	return hub
}

func (h *eventHub) run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.events)
			}
			h.mu.Unlock()

		case event := <-h.broadcast:
			h.mu.RLock()
			for _, client := range h.clients {
				select {
				case client.events <- event:
				default:
					logging.DebugLog("api-sse", "client %s buffer full, dropping %s event", client.id, event.Type)
				}
			}
			h.mu.RUnlock()

		case <-h.done:
			h.mu.Lock()
			for id, client := range h.clients {
				close(client.events)
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return
		}
	}
}

func (h *eventHub) Broadcast(event sseEvent) {
	select {
	case h.broadcast <- event:
	default:
		logging.DebugLog("api-sse", "broadcast channel full, dropping %s event", event.Type)
	}
}

func (h *eventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *eventHub) Stop() {
	close(h.done)
}

// handleSSE serves the /events stream. Query params: types (comma
// separated event names) and hmi.
func (h *handlers) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	var typeFilter map[string]bool
	if types := r.URL.Query().Get("types"); types != "" {
		typeFilter = make(map[string]bool)
		for _, t := range strings.Split(types, ",") {
			typeFilter[strings.TrimSpace(t)] = true
		}
	}
	hmiFilter := r.URL.Query().Get("hmi")

	client := &sseClient{
		id:     fmt.Sprintf("api-%d", time.Now().UnixNano()),
		events: make(chan sseEvent, 64),
	}
	select {
	case h.hub.register <- client:
	case <-h.hub.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	fmt.Fprintf(w, "event: connected\ndata: {\"id\":%q}\n\n", client.id)
	flusher.Flush()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			select {
			case h.hub.unregister <- client:
			case <-h.hub.done:
			}
			return

		case event, ok := <-client.events:
			if !ok {
				return
			}
			if typeFilter != nil && !typeFilter[event.Type] {
				continue
			}
			if hmiFilter != "" && event.HMI != "" && event.HMI != hmiFilter {
				continue
			}
			data, err := json.Marshal(event.Data)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()

		case <-ticker.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

// setupSSE subscribes the hub to the engine's event bus. The returned
// cleanup unsubscribes and stops the hub.
func (h *handlers) setupSSE() func() {
	bus := h.engine.Events
	h.subID = bus.Subscribe(func(e engine.Event) {
		if ev, ok := toSSE(e); ok {
			h.hub.Broadcast(ev)
		}
	})
	return func() {
		bus.Unsubscribe(h.subID)
		h.hub.Stop()
	}
}

func toSSE(e engine.Event) (sseEvent, bool) {
	switch p := e.Payload.(type) {
	case engine.RunEvent:
		typ := eventRunStarted
		if e.Type == engine.EventRunFinished {
			typ = eventRunFinished
		}
		return sseEvent{Type: typ, Data: apiRunUpdate{ID: p.ID, Selections: p.Selections, Report: p.Report}}, true
	case engine.TripleEvent:
		if e.Type != engine.EventTripleFinished {
			return sseEvent{}, false
		}
		return sseEvent{Type: eventTriple, HMI: p.Result.HMI, Data: apiTripleUpdate{RunID: p.RunID, Result: p.Result}}, true
	case engine.ProgressEvent:
		return sseEvent{Type: eventProgress, Data: apiProgressUpdate{RunID: p.RunID, Text: p.Text}}, true
	case engine.NotificationEvent:
		return sseEvent{Type: eventNotification, HMI: p.Notification.HMI, Data: p.Notification}, true
	case engine.SystemEvent:
		if e.Type != engine.EventSettingsChanged {
			return sseEvent{}, false
		}
		return sseEvent{Type: eventSettings, Data: map[string]string{"detail": p.Detail}}, true
	}
	return sseEvent{}, false
}

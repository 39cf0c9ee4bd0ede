// Package stream serves engine events to TCP clients as newline-delimited
// JSON. Clients get a welcome with the current settings and the last run,
// can replay buffered events, and can query the last report on demand.
package stream

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"alarmsync/config"
	"alarmsync/engine"
	"alarmsync/logging"
)

// Source answers client queries.
type Source interface {
	Settings() config.Settings
	LastReport() *engine.Report
}

// Server streams events to connected clients.
type Server struct {
	mu         sync.RWMutex
	listener   net.Listener
	clients    map[uint64]*client
	nextID     uint64
	ringBuffer *RingBuffer
	running    bool
	stopChan   chan struct{}
	wg         sync.WaitGroup
	logFn      func(string, ...interface{})

	source    Source
	namespace string

	bus   *engine.EventBus
	subID int

	clientCount atomic.Int64
}

type client struct {
	id   uint64
	conn net.Conn
	send chan []byte
}

// NewServer creates a server that is not yet listening.
func NewServer(source Source, namespace string) *Server {
	return &Server{
		clients:   make(map[uint64]*client),
		logFn:     func(string, ...interface{}) {},
		source:    source,
		namespace: namespace,
	}
}

// SetLogFunc sets the logging callback.
func (s *Server) SetLogFunc(fn func(string, ...interface{})) {
	s.logFn = fn
}

// HasClients is a cheap check so callers can skip serialization.
func (s *Server) HasClients() bool {
	return s.clientCount.Load() > 0
}

// Attach forwards bus events to clients until Stop.
func (s *Server) Attach(bus *engine.EventBus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bus != nil {
		s.bus.Unsubscribe(s.subID)
	}
	s.bus = bus
	s.subID = bus.Subscribe(s.handleEvent)
}

// Start begins accepting connections on listenAddr.
func (s *Server) Start(listenAddr string, bufferSize int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("stream already running")
	}

	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("stream listen: %w", err)
	}
	s.listener = ln
	s.running = true
	s.stopChan = make(chan struct{})
	if s.ringBuffer == nil {
		s.ringBuffer = NewRingBuffer(bufferSize)
	}

	s.logFn("Event stream listening on %s", ln.Addr())
	logging.DebugLog("stream", "listening on %s, buffer %d", ln.Addr(), bufferSize)

	s.wg.Add(1)
	go s.acceptLoop(ln, s.stopChan)
	return nil
}

// Addr returns the listening address, or nil when stopped.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop disconnects all clients and detaches from the event bus.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.bus != nil {
		s.bus.Unsubscribe(s.subID)
		s.bus = nil
	}
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopChan)
	s.listener.Close()
	s.listener = nil

	for _, c := range s.clients {
		close(c.send)
		c.conn.Close()
	}
	s.clients = make(map[uint64]*client)
	s.clientCount.Store(0)
	s.mu.Unlock()

	s.wg.Wait()
	s.logFn("Event stream stopped")
}

func stamp(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// handleEvent maps engine events to stream messages.
func (s *Server) handleEvent(e engine.Event) {
	var msg map[string]interface{}
	switch p := e.Payload.(type) {
	case engine.RunEvent:
		if e.Type == engine.EventRunStarted {
			msg = map[string]interface{}{
				"type":       "run_started",
				"id":         p.ID,
				"selections": p.Selections,
			}
		} else {
			msg = runSummary("run_finished", p.Report)
			if msg == nil {
				return
			}
		}
	case engine.TripleEvent:
		if e.Type != engine.EventTripleFinished {
			return
		}
		msg = map[string]interface{}{
			"type":   "triple",
			"run_id": p.RunID,
			"hmi":    p.Result.HMI,
			"plc":    p.Result.PLC,
			"block":  p.Result.Block,
			"counts": p.Result.Counts,
		}
		if p.Result.Error != "" {
			msg["error"] = p.Result.Error
		}
		if p.Result.Skipped {
			msg["skipped"] = true
		}
	case engine.ProgressEvent:
		msg = map[string]interface{}{
			"type":   "progress",
			"run_id": p.RunID,
			"text":   p.Text,
		}
	case engine.NotificationEvent:
		n := p.Notification
		msg = map[string]interface{}{
			"type":    "notification",
			"level":   n.Level.String(),
			"message": n.Message,
		}
		if n.HMI != "" {
			msg["hmi"] = n.HMI
		}
		if n.Block != "" {
			msg["block"] = n.Block
		}
	case engine.SystemEvent:
		if e.Type != engine.EventSettingsChanged {
			return
		}
		msg = map[string]interface{}{
			"type":   "settings",
			"detail": p.Detail,
		}
	default:
		return
	}
	msg["ts"] = stamp(e.Timestamp)
	s.broadcast(msg)
}

func runSummary(typ string, r *engine.Report) map[string]interface{} {
	if r == nil {
		return nil
	}
	msg := map[string]interface{}{
		"type":       typ,
		"id":         r.ID,
		"selections": r.Selections,
		"triples":    len(r.Triples),
		"failed":     r.Failed,
		"totals":     r.Totals,
	}
	if r.DryRun {
		msg["dry_run"] = true
	}
	if r.Cancelled {
		msg["cancelled"] = true
	}
	if r.Error != "" {
		msg["error"] = r.Error
	}
	return msg
}

// broadcast buffers a message for replay and fans it out without blocking.
func (s *Server) broadcast(msg map[string]interface{}) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	data = append(data, '\n')

	s.mu.RLock()
	if s.ringBuffer != nil {
		s.ringBuffer.Add(data, time.Now().UTC())
	}
	for _, c := range s.clients {
		select {
		case c.send <- data:
		default:
			// Slow client, drop event.
		}
	}
	s.mu.RUnlock()
}

func (s *Server) acceptLoop(ln net.Listener, stop chan struct{}) {
	defer s.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-stop:
				return
			default:
				s.logFn("Event stream accept error: %v", err)
				continue
			}
		}

		s.mu.Lock()
		if !s.running {
			s.mu.Unlock()
			conn.Close()
			return
		}
		id := s.nextID
		s.nextID++
		c := &client{
			id:   id,
			conn: conn,
			send: make(chan []byte, 256),
		}
		s.clients[id] = c
		s.clientCount.Add(1)
		s.wg.Add(2)
		s.mu.Unlock()

		logging.DebugLog("stream", "client connected: %s (id=%d)", conn.RemoteAddr(), id)

		// Welcome goes first so it precedes any queued broadcast.
		s.sendWelcome(c)
		go s.clientWriter(c)
		go s.clientReader(c)
	}
}

func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	if _, ok := s.clients[c.id]; ok {
		delete(s.clients, c.id)
		s.clientCount.Add(-1)
		close(c.send)
		c.conn.Close()
		logging.DebugLog("stream", "client disconnected: %s (id=%d)", c.conn.RemoteAddr(), c.id)
	}
	s.mu.Unlock()
}

func (s *Server) clientWriter(c *client) {
	defer s.wg.Done()

	for data := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if _, err := c.conn.Write(data); err != nil {
			s.removeClient(c)
			return
		}
	}
}

// clientReader dispatches requests of the form {"type": "..."}.
func (s *Server) clientReader(c *client) {
	defer s.wg.Done()
	defer s.removeClient(c)

	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 64*1024), 64*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req map[string]interface{}
		if err := json.Unmarshal(line, &req); err != nil {
			s.sendToClient(c, map[string]interface{}{"type": "error", "error": "invalid json"})
			continue
		}

		msgType, _ := req["type"].(string)
		switch msgType {
		case "get_config":
			s.sendConfig(c)
		case "last_run":
			s.sendLastRun(c)
		case "replay":
			sinceStr, _ := req["since"].(string)
			s.handleReplay(c, sinceStr)
		case "ping":
			s.sendToClient(c, map[string]interface{}{"type": "pong", "ts": stamp(time.Time{})})
		default:
			s.sendToClient(c, map[string]interface{}{"type": "error", "error": "unknown request " + msgType})
		}
	}
}

func (s *Server) sendWelcome(c *client) {
	s.sendConfig(c)
	s.sendLastRun(c)
}

func (s *Server) sendConfig(c *client) {
	msg := map[string]interface{}{
		"type":      "config",
		"namespace": s.namespace,
	}
	if s.source != nil {
		msg["settings"] = s.source.Settings()
	}
	s.sendToClient(c, msg)
}

func (s *Server) sendLastRun(c *client) {
	if s.source == nil {
		return
	}
	if msg := runSummary("last_run", s.source.LastReport()); msg != nil {
		s.sendToClient(c, msg)
	}
}

// handleReplay sends buffered events after since (RFC 3339).
// Recovers from sending on a closed channel if the client left meanwhile.
func (s *Server) handleReplay(c *client, sinceStr string) {
	defer func() { recover() }()

	ts, err := time.Parse(time.RFC3339Nano, sinceStr)
	if err != nil {
		s.sendToClient(c, map[string]interface{}{"type": "error", "error": "replay: invalid since"})
		return
	}

	s.mu.RLock()
	rb := s.ringBuffer
	s.mu.RUnlock()
	if rb == nil {
		return
	}

	for _, data := range rb.Since(ts) {
		select {
		case c.send <- data:
		default:
			return
		}
	}
}

// sendToClient queues a message for one client.
// Recovers from sending on a closed channel if the client left meanwhile.
func (s *Server) sendToClient(c *client, msg map[string]interface{}) {
	defer func() { recover() }()

	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	data = append(data, '\n')

	select {
	case c.send <- data:
	default:
	}
}

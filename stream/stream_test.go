package stream

import (
	"bufio"
	"encoding/json"
	"net"
	"testing"
	"time"

	"alarmsync/config"
	"alarmsync/engine"
	"alarmsync/notify"
	"alarmsync/reconcile"
)

func TestRingBuffer(t *testing.T) {
	rb := NewRingBuffer(3)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		rb.Add([]byte{byte('a' + i)}, base.Add(time.Duration(i)*time.Second))
	}
	if rb.Len() != 3 {
		t.Fatalf("Len = %d", rb.Len())
	}

	got := rb.Since(time.Time{})
	if len(got) != 3 || string(got[0]) != "c" || string(got[2]) != "e" {
		t.Errorf("Since(zero) = %q", got)
	}
	got = rb.Since(base.Add(3 * time.Second))
	if len(got) != 1 || string(got[0]) != "e" {
		t.Errorf("Since(3s) = %q", got)
	}

	data := []byte("x")
	rb.Add(data, base.Add(time.Hour))
	data[0] = 'y'
	if last := rb.Since(base.Add(30 * time.Minute)); string(last[0]) != "x" {
		t.Error("buffer kept caller's slice")
	}

	if NewRingBuffer(0).size != DefaultBufferSize {
		t.Error("zero size should use default")
	}
}

type fakeSource struct {
	last *engine.Report
}

func (f *fakeSource) Settings() config.Settings    { return config.DefaultSettings() }
func (f *fakeSource) LastReport() *engine.Report { return f.last }

type conn struct {
	t    *testing.T
	c    net.Conn
	scan *bufio.Scanner
}

func dial(t *testing.T, s *Server) *conn {
	t.Helper()
	c, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return &conn{t: t, c: c, scan: bufio.NewScanner(c)}
}

func (c *conn) next() map[string]interface{} {
	c.t.Helper()
	c.c.SetReadDeadline(time.Now().Add(5 * time.Second))
	if !c.scan.Scan() {
		c.t.Fatalf("read: %v", c.scan.Err())
	}
	var msg map[string]interface{}
	if err := json.Unmarshal(c.scan.Bytes(), &msg); err != nil {
		c.t.Fatalf("bad line %q: %v", c.scan.Text(), err)
	}
	return msg
}

func (c *conn) send(line string) {
	c.t.Helper()
	if _, err := c.c.Write([]byte(line + "\n")); err != nil {
		c.t.Fatal(err)
	}
}

func waitClients(t *testing.T, s *Server) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !s.HasClients() {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func startServer(t *testing.T, src Source) (*Server, *engine.EventBus) {
	t.Helper()
	bus := engine.NewEventBus()
	s := NewServer(src, "plant")
	if err := s.Start("127.0.0.1:0", 16); err != nil {
		t.Fatal(err)
	}
	s.Attach(bus)
	t.Cleanup(s.Stop)
	return s, bus
}

func TestWelcome(t *testing.T) {
	src := &fakeSource{last: &engine.Report{
		ID:         "r1",
		Selections: []string{"block:PLC_1/Line_Defauts"},
		Failed:     1,
		Totals:     reconcile.Counts{TagsCreated: 2},
	}}
	s, _ := startServer(t, src)
	c := dial(t, s)

	cfg := c.next()
	if cfg["type"] != "config" || cfg["namespace"] != "plant" {
		t.Errorf("config = %v", cfg)
	}
	settings, _ := cfg["settings"].(map[string]interface{})
	if settings["block_extension"] != config.DefaultBlockExtension {
		t.Errorf("settings = %v", settings)
	}

	last := c.next()
	if last["type"] != "last_run" || last["id"] != "r1" || last["failed"] != float64(1) {
		t.Errorf("last_run = %v", last)
	}
}

func TestBroadcastEvents(t *testing.T) {
	s, bus := startServer(t, &fakeSource{})
	c := dial(t, s)
	if msg := c.next(); msg["type"] != "config" {
		t.Fatalf("first message = %v", msg)
	}
	waitClients(t, s)

	bus.Emit(engine.Event{Type: engine.EventRunStarted, Payload: engine.RunEvent{ID: "r2", Selections: []string{"hmi:HMI_1"}}})
	bus.Emit(engine.Event{Type: engine.EventTripleStarted, Payload: engine.TripleEvent{RunID: "r2"}})
	bus.Emit(engine.Event{Type: engine.EventTripleFinished, Payload: engine.TripleEvent{
		RunID:  "r2",
		Result: engine.TripleResult{HMI: "HMI_1", PLC: "PLC_1", Block: "Line_Defauts", Error: "boom"},
	}})
	bus.Emit(engine.Event{Type: engine.EventNotification, Payload: engine.NotificationEvent{
		Notification: notify.Notification{Level: notify.Error, Message: "failed", HMI: "HMI_1"},
	}})
	bus.Emit(engine.Event{Type: engine.EventProjectReloaded, Payload: engine.SystemEvent{Detail: "reload"}})
	bus.Emit(engine.Event{Type: engine.EventRunFinished, Payload: engine.RunEvent{ID: "r2", Report: &engine.Report{ID: "r2", Cancelled: true}}})

	want := []string{"run_started", "triple", "notification", "run_finished"}
	for _, typ := range want {
		msg := c.next()
		if msg["type"] != typ {
			t.Fatalf("got %v, want type %s", msg, typ)
		}
		if msg["ts"] == nil {
			t.Errorf("%s: missing ts", typ)
		}
		switch typ {
		case "triple":
			if msg["error"] != "boom" || msg["block"] != "Line_Defauts" {
				t.Errorf("triple = %v", msg)
			}
		case "notification":
			if msg["level"] != "error" || msg["hmi"] != "HMI_1" {
				t.Errorf("notification = %v", msg)
			}
		case "run_finished":
			if msg["cancelled"] != true {
				t.Errorf("run_finished = %v", msg)
			}
		}
	}
}

func TestQueries(t *testing.T) {
	s, bus := startServer(t, &fakeSource{})
	before := time.Now().UTC().Add(-time.Second)
	bus.Emit(engine.Event{Type: engine.EventProgress, Payload: engine.ProgressEvent{RunID: "r", Text: "one"}})
	bus.Emit(engine.Event{Type: engine.EventProgress, Payload: engine.ProgressEvent{RunID: "r", Text: "two"}})

	c := dial(t, s)
	c.next() // config

	c.send(`{"type":"replay","since":"` + before.Format(time.RFC3339Nano) + `"}`)
	for _, text := range []string{"one", "two"} {
		msg := c.next()
		if msg["type"] != "progress" || msg["text"] != text {
			t.Errorf("replay = %v, want %s", msg, text)
		}
	}

	c.send(`{"type":"ping"}`)
	if msg := c.next(); msg["type"] != "pong" {
		t.Errorf("ping = %v", msg)
	}
	c.send(`not json`)
	if msg := c.next(); msg["type"] != "error" {
		t.Errorf("bad json = %v", msg)
	}
	c.send(`{"type":"replay","since":"yesterday"}`)
	if msg := c.next(); msg["type"] != "error" {
		t.Errorf("bad since = %v", msg)
	}
	c.send(`{"type":"list_tags"}`)
	if msg := c.next(); msg["type"] != "error" {
		t.Errorf("unknown = %v", msg)
	}
	c.send(`{"type":"get_config"}`)
	if msg := c.next(); msg["type"] != "config" {
		t.Errorf("get_config = %v", msg)
	}
}

func TestStop(t *testing.T) {
	s, bus := startServer(t, &fakeSource{})
	if err := s.Start("127.0.0.1:0", 1); err == nil {
		t.Error("second Start succeeded")
	}
	c := dial(t, s)
	c.next()
	waitClients(t, s)

	s.Stop()
	if s.HasClients() || s.Addr() != nil {
		t.Error("server still has state after Stop")
	}
	// Detached: emitting must not panic.
	bus.Emit(engine.Event{Type: engine.EventProgress, Payload: engine.ProgressEvent{Text: "late"}})
	s.Stop()
}

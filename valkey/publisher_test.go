package valkey

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"alarmsync/config"
)

func TestEnvelope(t *testing.T) {
	cfg := config.DefaultValkeyConfig("local")
	cfg.Selector = "line1"
	pub := NewPublisher(&cfg, "plant")

	raw, err := pub.envelope("HMI_1", []byte(`{"tags_created":3}`))
	if err != nil {
		t.Fatalf("envelope error: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	for _, field := range []string{"factory", "hmi", "data", "timestamp"} {
		if _, ok := decoded[field]; !ok {
			t.Errorf("missing field: %s", field)
		}
	}
	if decoded["factory"] != "plant:line1" {
		t.Errorf("factory = %v", decoded["factory"])
	}
	data, ok := decoded["data"].(map[string]interface{})
	if !ok || data["tags_created"] != float64(3) {
		t.Errorf("data = %v", decoded["data"])
	}
}

func TestEnvelopeOmitsEmptyHMI(t *testing.T) {
	cfg := config.DefaultValkeyConfig("local")
	pub := NewPublisher(&cfg, "plant")

	raw, err := pub.envelope("", []byte(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]interface{}
	json.Unmarshal(raw, &decoded)
	if _, ok := decoded["hmi"]; ok {
		t.Error("hmi should be omitted")
	}
}

func TestAddress(t *testing.T) {
	cfg := config.DefaultValkeyConfig("local")
	pub := NewPublisher(&cfg, "plant")
	if got := pub.Address(); got != "redis://localhost:6379" {
		t.Errorf("Address = %q", got)
	}
	cfg.UseTLS = true
	if got := pub.Address(); got != "rediss://localhost:6379" {
		t.Errorf("Address = %q", got)
	}
}

func TestStoppedPublisherIsNoop(t *testing.T) {
	cfg := config.DefaultValkeyConfig("local")
	pub := NewPublisher(&cfg, "plant")

	if err := pub.PublishNotification([]byte(`{}`)); err != nil {
		t.Errorf("PublishNotification: %v", err)
	}
	if err := pub.PublishRun([]byte(`{}`)); err != nil {
		t.Errorf("PublishRun: %v", err)
	}
	if err := pub.PublishSync("HMI_1", []byte(`{}`)); err != nil {
		t.Errorf("PublishSync: %v", err)
	}
	if _, err := pub.LastRun(context.Background()); err == nil {
		t.Error("LastRun should fail when not connected")
	}
	if err := pub.Stop(); err != nil {
		t.Errorf("Stop: %v", err)
	}
}

func TestManager(t *testing.T) {
	m := NewManager()
	m.LoadFromConfig([]config.ValkeyConfig{config.DefaultValkeyConfig("a")}, "plant")
	cfg := config.DefaultValkeyConfig("b")
	m.Add(&cfg, "plant")

	if len(m.List()) != 2 {
		t.Fatalf("List = %d", len(m.List()))
	}
	if m.StartAll() != 0 {
		t.Error("disabled publishers should not start")
	}
	if m.AnyRunning() {
		t.Error("nothing should be running")
	}
	if _, err := m.LastRun(context.Background()); !errors.Is(err, ErrNoRun) {
		t.Errorf("LastRun err = %v", err)
	}
	if !m.Remove("a") || m.Remove("a") {
		t.Error("Remove mismatch")
	}
	if m.Get("b") == nil {
		t.Error("Get(b) = nil")
	}
	m.StopAll()
}

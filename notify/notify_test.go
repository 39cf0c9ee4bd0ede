package notify

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"
)

type capturePublisher struct {
	msgs [][]byte
}

func (c *capturePublisher) PublishNotification(data []byte) {
	c.msgs = append(c.msgs, data)
}

func TestNotifierFanout(t *testing.T) {
	rec := &Recorder{}
	var logged []string
	log := LogSink{Log: func(format string, args ...interface{}) {
		logged = append(logged, fmt.Sprintf(format, args...))
	}}
	fixed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	n := &Notifier{Sink: Fanout{rec, log, nil}, Now: func() time.Time { return fixed }}

	n.Infof("extracting alarms from %s", "Line_Defauts")
	n.Successf("alarms updated")
	n.For(Error, "HMI_1", "Line_Defauts", "boom: %d", 3)

	all := rec.All()
	if len(all) != 3 {
		t.Fatalf("recorded %d, want 3", len(all))
	}
	if all[2].HMI != "HMI_1" || all[2].Block != "Line_Defauts" || all[2].Message != "boom: 3" {
		t.Errorf("unexpected notification %+v", all[2])
	}
	if !all[0].Timestamp.Equal(fixed) {
		t.Errorf("timestamp = %v", all[0].Timestamp)
	}
	if rec.Count(Error) != 1 || rec.Count(Info) != 1 || rec.Count(Success) != 1 {
		t.Error("Count mismatch")
	}
	if len(logged) != 3 || !strings.HasPrefix(logged[2], "ERROR: ") || !strings.HasPrefix(logged[1], "OK: ") {
		t.Errorf("logged = %q", logged)
	}

	rec.Reset()
	if len(rec.All()) != 0 {
		t.Error("Reset did not clear")
	}
}

func TestNilNotifier(t *testing.T) {
	var n *Notifier
	n.Infof("no panic")
	(&Notifier{}).Errorf("no sink")
}

func TestBrokerSinkEncodesJSON(t *testing.T) {
	pub := &capturePublisher{}
	sink := BrokerSink{Publishers: []Publisher{pub, nil}}
	sink.Notify(Notification{Level: Error, Message: "failed", Timestamp: time.Unix(0, 0).UTC()})

	if len(pub.msgs) != 1 {
		t.Fatalf("published %d, want 1", len(pub.msgs))
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(pub.msgs[0], &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["level"] != "error" || decoded["message"] != "failed" {
		t.Errorf("decoded = %v", decoded)
	}
	if _, ok := decoded["hmi"]; ok {
		t.Error("empty hmi should be omitted")
	}
}

func TestLevelText(t *testing.T) {
	for _, l := range []Level{Info, Success, Error} {
		b, _ := l.MarshalText()
		var back Level
		if err := back.UnmarshalText(b); err != nil || back != l {
			t.Errorf("round trip %v: got %v, %v", l, back, err)
		}
	}
	var l Level
	if err := l.UnmarshalText([]byte("fatal")); err == nil {
		t.Error("expected error for unknown level")
	}
}

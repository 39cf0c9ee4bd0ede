package hmistore

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"

	"alarmsync/hmi"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "hmi.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenSetsSchemaVersion(t *testing.T) {
	s := openTest(t)
	var v int
	if err := s.db.QueryRow(`PRAGMA user_version;`).Scan(&v); err != nil {
		t.Fatalf("PRAGMA user_version: %v", err)
	}
	if v != 1 {
		t.Fatalf("user_version = %d, want 1", v)
	}
}

func TestOpenMissingPath(t *testing.T) {
	if _, err := Open("  "); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestSessionCommit(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)

	sess, err := s.Begin(ctx, "HMI_1")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := hmi.Seed(ctx, sess, []string{"Alarm", "Critical"}, []string{"Line"}); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	tag, err := sess.CreateTag(ctx, hmi.Tag{Name: "Line_Stop", PlcTag: "Line_Defauts.Stop", Connection: "HMI_Connection_1", Table: "Line"})
	if err != nil {
		t.Fatalf("CreateTag: %v", err)
	}
	alarm := hmi.Alarm{
		Name:           "Line_Stop",
		RaisedStateTag: "Line_Stop",
		Class:          "Critical",
		Origin:         "Line",
		Texts:          map[string]string{"en-US": "<body><p>Stop</p></body>", "fr-FR": "<body><p>Arrêt</p></body>"},
	}
	if err := sess.CreateAlarm(ctx, alarm); err != nil {
		t.Fatalf("CreateAlarm: %v", err)
	}
	if err := sess.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	c, err := hmi.Read(ctx, s, "HMI_1")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(c.Tags) != 1 || c.Tags[0] != tag {
		t.Errorf("Tags = %+v, want [%+v]", c.Tags, tag)
	}
	if len(c.Alarms) != 1 || !reflect.DeepEqual(c.Alarms[0], alarm) {
		t.Errorf("Alarms = %+v, want [%+v]", c.Alarms, alarm)
	}
	if !reflect.DeepEqual(c.AlarmClasses, []string{"Alarm", "Critical"}) {
		t.Errorf("AlarmClasses = %v", c.AlarmClasses)
	}

	hmis, err := s.HMIs(ctx)
	if err != nil {
		t.Fatalf("HMIs: %v", err)
	}
	if !reflect.DeepEqual(hmis, []string{"HMI_1"}) {
		t.Errorf("HMIs = %v", hmis)
	}
}

func TestSessionRollback(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)

	sess, _ := s.Begin(ctx, "HMI_1")
	if _, err := sess.CreateTag(ctx, hmi.Tag{Name: "A", PlcTag: "DB.a"}); err != nil {
		t.Fatalf("CreateTag: %v", err)
	}
	if err := sess.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if err := sess.Rollback(); err != nil {
		t.Fatalf("second Rollback: %v", err)
	}

	c, err := hmi.Read(ctx, s, "HMI_1")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(c.Tags) != 0 {
		t.Errorf("rolled back tag visible: %+v", c.Tags)
	}
}

func TestSessionUpdateAndDelete(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)

	sess, _ := s.Begin(ctx, "HMI_1")
	defer sess.Rollback()

	a, _ := sess.CreateTag(ctx, hmi.Tag{Name: "A", PlcTag: "DB.a"})
	b, _ := sess.CreateTag(ctx, hmi.Tag{Name: "B", PlcTag: "DB.b"})

	if _, err := sess.CreateTag(ctx, hmi.Tag{Name: "A"}); !errors.Is(err, hmi.ErrExists) {
		t.Errorf("duplicate name: got %v", err)
	}
	b.Name = "A"
	if err := sess.UpdateTag(ctx, b); !errors.Is(err, hmi.ErrExists) {
		t.Errorf("rename onto taken name: got %v", err)
	}
	a.Name = "A2"
	if err := sess.UpdateTag(ctx, a); err != nil {
		t.Fatalf("UpdateTag: %v", err)
	}
	if err := sess.DeleteTag(ctx, b.ID); err != nil {
		t.Fatalf("DeleteTag: %v", err)
	}
	if err := sess.DeleteTag(ctx, b.ID); !errors.Is(err, hmi.ErrNotFound) {
		t.Errorf("delete twice: got %v", err)
	}
	if _, err := sess.CreateTag(ctx, hmi.Tag{Name: "C", Table: "missing"}); !errors.Is(err, hmi.ErrNotFound) {
		t.Errorf("missing table: got %v", err)
	}

	tags, _ := sess.Tags(ctx)
	if len(tags) != 1 || tags[0].Name != "A2" {
		t.Errorf("Tags = %+v", tags)
	}

	al := hmi.Alarm{Name: "A2", RaisedStateTag: "A2", Class: "Alarm", Texts: map[string]string{"en-US": "one"}}
	sess.CreateAlarm(ctx, al)
	al.Texts = map[string]string{"de-DE": "zwei"}
	al.Class = "Warning"
	if err := sess.UpdateAlarm(ctx, al); err != nil {
		t.Fatalf("UpdateAlarm: %v", err)
	}
	alarms, _ := sess.Alarms(ctx)
	if len(alarms) != 1 || !reflect.DeepEqual(alarms[0], al) {
		t.Errorf("Alarms = %+v, want %+v", alarms, al)
	}
	if err := sess.DeleteAlarm(ctx, "A2"); err != nil {
		t.Fatalf("DeleteAlarm: %v", err)
	}
	if err := sess.UpdateAlarm(ctx, al); !errors.Is(err, hmi.ErrNotFound) {
		t.Errorf("update deleted alarm: got %v", err)
	}
}

func TestSessionClosed(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)
	sess, _ := s.Begin(ctx, "HMI_1")
	if err := sess.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if _, err := sess.Tags(ctx); !errors.Is(err, hmi.ErrClosed) {
		t.Errorf("Tags after commit: got %v", err)
	}
	if err := sess.Commit(); !errors.Is(err, hmi.ErrClosed) {
		t.Errorf("Commit twice: got %v", err)
	}
}

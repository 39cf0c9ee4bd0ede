// Package hmi models the visualization target that alarms are synchronized
// into: tags bound to PLC addresses, discrete alarms raised by those tags,
// tag tables and alarm classes.
package hmi

import (
	"context"
	"errors"
	"sort"
)

var (
	ErrNotFound = errors.New("not found")
	ErrExists   = errors.New("already exists")
	ErrClosed   = errors.New("session closed")
)

// Tag is an HMI tag bound to a PLC address through a connection.
type Tag struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	PlcTag     string `json:"plc_tag"`
	Connection string `json:"connection"`
	Table      string `json:"table"`
}

// Alarm is a discrete alarm raised by a tag. Name and RaisedStateTag both
// carry the raising tag's display name.
type Alarm struct {
	Name           string            `json:"name"`
	RaisedStateTag string            `json:"raised_state_tag"`
	Class          string            `json:"class"`
	Origin         string            `json:"origin"`
	Texts          map[string]string `json:"texts,omitempty"`
}

// Clone returns a copy of a with its own text map.
func (a Alarm) Clone() Alarm {
	if a.Texts != nil {
		texts := make(map[string]string, len(a.Texts))
		for k, v := range a.Texts {
			texts[k] = v
		}
		a.Texts = texts
	}
	return a
}

// Target is read and write access to one HMI's configuration.
// Tag and alarm names are unique within an HMI.
type Target interface {
	Tags(ctx context.Context) ([]Tag, error)
	Alarms(ctx context.Context) ([]Alarm, error)
	TagTables(ctx context.Context) ([]string, error)
	AlarmClasses(ctx context.Context) ([]string, error)

	CreateTagTable(ctx context.Context, name string) error
	CreateAlarmClass(ctx context.Context, name string) error

	// CreateTag stores t and returns it with its assigned ID.
	CreateTag(ctx context.Context, t Tag) (Tag, error)
	UpdateTag(ctx context.Context, t Tag) error
	DeleteTag(ctx context.Context, id int64) error

	CreateAlarm(ctx context.Context, a Alarm) error
	UpdateAlarm(ctx context.Context, a Alarm) error
	DeleteAlarm(ctx context.Context, name string) error
}

// Session is a Target whose writes become visible on Commit.
type Session interface {
	Target
	Commit() error
	Rollback() error
}

// Store opens sessions on named HMIs.
type Store interface {
	Begin(ctx context.Context, hmi string) (Session, error)
}

// Lister is implemented by stores that can enumerate the HMIs they hold.
type Lister interface {
	HMIs(ctx context.Context) ([]string, error)
}

// Contents is a point-in-time copy of an HMI's configuration.
type Contents struct {
	Tags         []Tag    `json:"tags"`
	Alarms       []Alarm  `json:"alarms"`
	TagTables    []string `json:"tag_tables"`
	AlarmClasses []string `json:"alarm_classes"`
}

// Read loads an HMI's configuration in a session that is always rolled back.
func Read(ctx context.Context, s Store, hmiName string) (*Contents, error) {
	sess, err := s.Begin(ctx, hmiName)
	if err != nil {
		return nil, err
	}
	defer sess.Rollback()

	var c Contents
	if c.Tags, err = sess.Tags(ctx); err != nil {
		return nil, err
	}
	if c.Alarms, err = sess.Alarms(ctx); err != nil {
		return nil, err
	}
	if c.TagTables, err = sess.TagTables(ctx); err != nil {
		return nil, err
	}
	if c.AlarmClasses, err = sess.AlarmClasses(ctx); err != nil {
		return nil, err
	}
	return &c, nil
}

// Seed creates the given alarm classes and tag tables where missing.
func Seed(ctx context.Context, t Target, classes, tables []string) error {
	have, err := t.AlarmClasses(ctx)
	if err != nil {
		return err
	}
	if err := createMissing(have, classes, func(name string) error { return t.CreateAlarmClass(ctx, name) }); err != nil {
		return err
	}
	have, err = t.TagTables(ctx)
	if err != nil {
		return err
	}
	return createMissing(have, tables, func(name string) error { return t.CreateTagTable(ctx, name) })
}

func createMissing(have, want []string, create func(string) error) error {
	set := make(map[string]bool, len(have))
	for _, h := range have {
		set[h] = true
	}
	for _, w := range want {
		if w == "" || set[w] {
			continue
		}
		if err := create(w); err != nil {
			return err
		}
		set[w] = true
	}
	return nil
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

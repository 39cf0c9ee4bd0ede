package hmi

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Memory is an in-process Store. Sessions work on a private copy of the HMI
// which replaces the shared state on Commit.
type Memory struct {
	mu     sync.Mutex
	hmis   map[string]*memState
	nextID int64
}

type memState struct {
	tags    []Tag
	alarms  []Alarm
	tables  map[string]bool
	classes map[string]bool
}

func newMemState() *memState {
	return &memState{tables: make(map[string]bool), classes: make(map[string]bool)}
}

func (s *memState) clone() *memState {
	c := &memState{
		tags:    append([]Tag(nil), s.tags...),
		alarms:  make([]Alarm, len(s.alarms)),
		tables:  make(map[string]bool, len(s.tables)),
		classes: make(map[string]bool, len(s.classes)),
	}
	for i, a := range s.alarms {
		c.alarms[i] = a.Clone()
	}
	for k := range s.tables {
		c.tables[k] = true
	}
	for k := range s.classes {
		c.classes[k] = true
	}
	return c
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{hmis: make(map[string]*memState)}
}

// AddAlarmClass defines an alarm class on an HMI outside any session.
func (m *Memory) AddAlarmClass(hmiName string, names ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.state(hmiName)
	for _, n := range names {
		st.classes[n] = true
	}
}

// AddTag inserts a tag outside any session and returns it with its ID.
func (m *Memory) AddTag(hmiName string, t Tag) Tag {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	t.ID = m.nextID
	st := m.state(hmiName)
	st.tags = append(st.tags, t)
	if t.Table != "" {
		st.tables[t.Table] = true
	}
	return t
}

// AddAlarm inserts an alarm outside any session.
func (m *Memory) AddAlarm(hmiName string, a Alarm) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.state(hmiName)
	st.alarms = append(st.alarms, a.Clone())
}

func (m *Memory) state(hmiName string) *memState {
	st, ok := m.hmis[hmiName]
	if !ok {
		st = newMemState()
		m.hmis[hmiName] = st
	}
	return st
}

// HMIs lists the HMIs holding any configuration, sorted by name.
func (m *Memory) HMIs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for name, st := range m.hmis {
		if len(st.tags)+len(st.alarms)+len(st.tables)+len(st.classes) > 0 {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Begin opens a session on a copy of the HMI's current state.
func (m *Memory) Begin(ctx context.Context, hmiName string) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return &memSession{store: m, hmi: hmiName, st: m.state(hmiName).clone()}, nil
}

type memSession struct {
	store  *Memory
	hmi    string
	st     *memState
	closed bool
}

func (s *memSession) check() error {
	if s.closed {
		return ErrClosed
	}
	return nil
}

func (s *memSession) Tags(ctx context.Context) ([]Tag, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return append([]Tag(nil), s.st.tags...), nil
}

func (s *memSession) Alarms(ctx context.Context) ([]Alarm, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	out := make([]Alarm, len(s.st.alarms))
	for i, a := range s.st.alarms {
		out[i] = a.Clone()
	}
	return out, nil
}

func (s *memSession) TagTables(ctx context.Context) ([]string, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return sortedKeys(s.st.tables), nil
}

func (s *memSession) AlarmClasses(ctx context.Context) ([]string, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return sortedKeys(s.st.classes), nil
}

func (s *memSession) CreateTagTable(ctx context.Context, name string) error {
	if err := s.check(); err != nil {
		return err
	}
	if s.st.tables[name] {
		return fmt.Errorf("tag table %q: %w", name, ErrExists)
	}
	s.st.tables[name] = true
	return nil
}

func (s *memSession) CreateAlarmClass(ctx context.Context, name string) error {
	if err := s.check(); err != nil {
		return err
	}
	if s.st.classes[name] {
		return fmt.Errorf("alarm class %q: %w", name, ErrExists)
	}
	s.st.classes[name] = true
	return nil
}

func (s *memSession) tagIndex(id int64) int {
	for i, t := range s.st.tags {
		if t.ID == id {
			return i
		}
	}
	return -1
}

func (s *memSession) nameTaken(name string, except int64) bool {
	for _, t := range s.st.tags {
		if t.Name == name && t.ID != except {
			return true
		}
	}
	return false
}

func (s *memSession) CreateTag(ctx context.Context, t Tag) (Tag, error) {
	if err := s.check(); err != nil {
		return Tag{}, err
	}
	if s.nameTaken(t.Name, 0) {
		return Tag{}, fmt.Errorf("tag %q: %w", t.Name, ErrExists)
	}
	if t.Table != "" && !s.st.tables[t.Table] {
		return Tag{}, fmt.Errorf("tag table %q: %w", t.Table, ErrNotFound)
	}
	s.store.mu.Lock()
	s.store.nextID++
	t.ID = s.store.nextID
	s.store.mu.Unlock()
	s.st.tags = append(s.st.tags, t)
	return t, nil
}

func (s *memSession) UpdateTag(ctx context.Context, t Tag) error {
	if err := s.check(); err != nil {
		return err
	}
	i := s.tagIndex(t.ID)
	if i < 0 {
		return fmt.Errorf("tag %d: %w", t.ID, ErrNotFound)
	}
	if s.nameTaken(t.Name, t.ID) {
		return fmt.Errorf("tag %q: %w", t.Name, ErrExists)
	}
	s.st.tags[i] = t
	return nil
}

func (s *memSession) DeleteTag(ctx context.Context, id int64) error {
	if err := s.check(); err != nil {
		return err
	}
	i := s.tagIndex(id)
	if i < 0 {
		return fmt.Errorf("tag %d: %w", id, ErrNotFound)
	}
	s.st.tags = append(s.st.tags[:i], s.st.tags[i+1:]...)
	return nil
}

func (s *memSession) alarmIndex(name string) int {
	for i, a := range s.st.alarms {
		if a.Name == name {
			return i
		}
	}
	return -1
}

func (s *memSession) CreateAlarm(ctx context.Context, a Alarm) error {
	if err := s.check(); err != nil {
		return err
	}
	if s.alarmIndex(a.Name) >= 0 {
		return fmt.Errorf("alarm %q: %w", a.Name, ErrExists)
	}
	s.st.alarms = append(s.st.alarms, a.Clone())
	return nil
}

func (s *memSession) UpdateAlarm(ctx context.Context, a Alarm) error {
	if err := s.check(); err != nil {
		return err
	}
	i := s.alarmIndex(a.Name)
	if i < 0 {
		return fmt.Errorf("alarm %q: %w", a.Name, ErrNotFound)
	}
	s.st.alarms[i] = a.Clone()
	return nil
}

func (s *memSession) DeleteAlarm(ctx context.Context, name string) error {
	if err := s.check(); err != nil {
		return err
	}
	i := s.alarmIndex(name)
	if i < 0 {
		return fmt.Errorf("alarm %q: %w", name, ErrNotFound)
	}
	s.st.alarms = append(s.st.alarms[:i], s.st.alarms[i+1:]...)
	return nil
}

func (s *memSession) Commit() error {
	if err := s.check(); err != nil {
		return err
	}
	s.closed = true
	s.store.mu.Lock()
	s.store.hmis[s.hmi] = s.st
	s.store.mu.Unlock()
	return nil
}

func (s *memSession) Rollback() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return nil
}

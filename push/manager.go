package push

import (
	"fmt"
	"sort"
	"sync"

	"alarmsync/config"
)

// Manager manages all configured webhooks.
type Manager struct {
	pushes map[string]*Push
	mu     sync.RWMutex

	logFn func(format string, args ...interface{})
}

// NewManager creates a new webhook manager.
func NewManager() *Manager {
	return &Manager{
		pushes: make(map[string]*Push),
	}
}

// SetLogFunc sets the logging callback for all webhooks.
func (m *Manager) SetLogFunc(fn func(format string, args ...interface{})) {
	m.mu.Lock()
	m.logFn = fn
	for _, p := range m.pushes {
		p.SetLogFunc(fn)
	}
	m.mu.Unlock()
}

// LoadFromConfig replaces the webhook set. Invalid entries are skipped and
// reported through the returned error.
func (m *Manager) LoadFromConfig(cfgs []config.PushConfig) error {
	m.StopAll()
	m.mu.Lock()
	m.pushes = make(map[string]*Push)
	m.mu.Unlock()

	var firstErr error
	for i := range cfgs {
		if err := m.AddPush(&cfgs[i]); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// AddPush adds a webhook.
func (m *Manager) AddPush(cfg *config.PushConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.pushes[cfg.Name]; exists {
		return fmt.Errorf("push already exists: %s", cfg.Name)
	}

	push, err := NewPush(cfg)
	if err != nil {
		return err
	}
	push.SetLogFunc(m.logFn)
	m.pushes[cfg.Name] = push
	return nil
}

// RemovePush removes and stops a webhook.
func (m *Manager) RemovePush(name string) {
	m.mu.Lock()
	push, exists := m.pushes[name]
	delete(m.pushes, name)
	m.mu.Unlock()

	if exists {
		push.Stop()
	}
}

// GetPush returns the webhook with the given name.
func (m *Manager) GetPush(name string) *Push {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pushes[name]
}

// ListPushes returns all webhook names, sorted.
func (m *Manager) ListPushes() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.pushes))
	for name := range m.pushes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Manager) snapshot() []*Push {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Push, 0, len(m.pushes))
	for _, p := range m.pushes {
		out = append(out, p)
	}
	return out
}

// StartAll starts every enabled webhook and returns how many are running.
func (m *Manager) StartAll() int {
	started := 0
	for _, p := range m.snapshot() {
		p.Start()
		if p.IsRunning() {
			started++
		}
	}
	return started
}

// StopAll stops every webhook.
func (m *Manager) StopAll() {
	for _, p := range m.snapshot() {
		p.Stop()
	}
}

// AnyRunning reports whether any webhook accepts events.
func (m *Manager) AnyRunning() bool {
	for _, p := range m.snapshot() {
		if p.IsRunning() {
			return true
		}
	}
	return false
}

// PublishNotification hands a notification to every webhook.
func (m *Manager) PublishNotification(data []byte) {
	for _, p := range m.snapshot() {
		p.PublishNotification(data)
	}
}

// PublishRun hands a run report to every webhook.
func (m *Manager) PublishRun(data []byte) {
	for _, p := range m.snapshot() {
		p.PublishRun(data)
	}
}

// PublishSync hands per-HMI results to every webhook.
func (m *Manager) PublishSync(hmi string, data []byte) {
	for _, p := range m.snapshot() {
		p.PublishSync(hmi, data)
	}
}

package valkey

import (
	"context"
	"errors"
	"sync"

	"github.com/redis/go-redis/v9"

	"alarmsync/config"
)

// ErrNoRun is returned by LastRun when no connected server holds a run.
var ErrNoRun = errors.New("no run stored")

// Manager manages multiple Valkey publishers.
type Manager struct {
	publishers []*Publisher
	mu         sync.RWMutex
}

// NewManager creates a new Valkey manager.
func NewManager() *Manager {
	return &Manager{
		publishers: make([]*Publisher, 0),
	}
}

// LoadFromConfig loads publishers from configuration.
func (m *Manager) LoadFromConfig(configs []config.ValkeyConfig, ns string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range configs {
		m.publishers = append(m.publishers, NewPublisher(&configs[i], ns))
	}
}

// Add adds a new publisher.
func (m *Manager) Add(cfg *config.ValkeyConfig, ns string) *Publisher {
	m.mu.Lock()
	defer m.mu.Unlock()

	pub := NewPublisher(cfg, ns)
	m.publishers = append(m.publishers, pub)
	return pub
}

// Remove removes a publisher by name.
func (m *Manager) Remove(name string) bool {
	m.mu.Lock()
	var pubToStop *Publisher
	for i, pub := range m.publishers {
		if pub.config.Name == name {
			pubToStop = pub
			m.publishers = append(m.publishers[:i], m.publishers[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	// Stop OUTSIDE the lock to prevent blocking
	if pubToStop != nil {
		pubToStop.Stop()
		return true
	}
	return false
}

// Get returns a publisher by name.
func (m *Manager) Get(name string) *Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, pub := range m.publishers {
		if pub.config.Name == name {
			return pub
		}
	}
	return nil
}

// List returns all publishers.
func (m *Manager) List() []*Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Publisher, len(m.publishers))
	copy(result, m.publishers)
	return result
}

// StartAll starts all enabled publishers.
func (m *Manager) StartAll() int {
	started := 0
	for _, pub := range m.List() {
		if pub.config.Enabled {
			if err := pub.Start(); err != nil {
				debugLog("Failed to start Valkey %s: %v", pub.config.Name, err)
			} else {
				debugLog("Started Valkey %s at %s", pub.config.Name, pub.Address())
				started++
			}
		}
	}
	return started
}

// StopAll stops all publishers.
func (m *Manager) StopAll() {
	for _, pub := range m.List() {
		pub.Stop()
	}
}

// AnyRunning returns true if any publisher is running.
func (m *Manager) AnyRunning() bool {
	for _, pub := range m.List() {
		if pub.IsRunning() {
			return true
		}
	}
	return false
}

// PublishNotification publishes a notification to all running publishers.
func (m *Manager) PublishNotification(data []byte) {
	for _, pub := range m.List() {
		if pub.IsRunning() {
			if err := pub.PublishNotification(data); err != nil {
				debugLog("Valkey notification error (%s): %v", pub.config.Name, err)
			}
		}
	}
}

// PublishRun stores a run report on all running publishers.
func (m *Manager) PublishRun(data []byte) {
	for _, pub := range m.List() {
		if pub.IsRunning() {
			if err := pub.PublishRun(data); err != nil {
				debugLog("Valkey run error (%s): %v", pub.config.Name, err)
			}
		}
	}
}

// PublishSync stores an HMI sync result on all running publishers.
func (m *Manager) PublishSync(hmi string, data []byte) {
	for _, pub := range m.List() {
		if pub.IsRunning() {
			if err := pub.PublishSync(hmi, data); err != nil {
				debugLog("Valkey sync error (%s): %v", pub.config.Name, err)
			}
		}
	}
}

// LastRun returns the last run stored on the first running server that
// holds one.
func (m *Manager) LastRun(ctx context.Context) (*Message, error) {
	for _, pub := range m.List() {
		if !pub.IsRunning() {
			continue
		}
		msg, err := pub.LastRun(ctx)
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			debugLog("Valkey last-run error (%s): %v", pub.config.Name, err)
			continue
		}
		return msg, nil
	}
	return nil, ErrNoRun
}

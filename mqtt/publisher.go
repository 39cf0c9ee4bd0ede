// Package mqtt publishes run reports and operator notifications to MQTT brokers.
package mqtt

import (
	"bytes"
	"crypto/tls"
	"fmt"
	"sort"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"alarmsync/config"
	"alarmsync/logging"
	"alarmsync/namespace"
)

func logMQTT(format string, args ...interface{}) {
	logging.DebugLog("mqtt", format, args...)
}

// Publisher handles the connection to a single broker.
type Publisher struct {
	config  *config.MQTTConfig
	builder *namespace.Builder
	client  pahomqtt.Client
	running bool
	mu      sync.RWMutex

	// Last retained payload per topic, to skip identical republishes
	lastPayloads map[string][]byte
	lastMu       sync.Mutex
}

// NewPublisher creates a new MQTT publisher for a single broker.
func NewPublisher(cfg *config.MQTTConfig, ns string) *Publisher {
	return &Publisher{
		config:       cfg,
		builder:      namespace.New(ns, cfg.Selector),
		lastPayloads: make(map[string][]byte),
	}
}

// Name returns the publisher's name.
func (p *Publisher) Name() string {
	return p.config.Name
}

// Config returns the publisher's configuration.
func (p *Publisher) Config() *config.MQTTConfig {
	return p.config
}

// Builder returns the topic builder.
func (p *Publisher) Builder() *namespace.Builder {
	return p.builder
}

// IsRunning returns whether the publisher is connected.
func (p *Publisher) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// Address returns the broker address string.
func (p *Publisher) Address() string {
	if p.config.UseTLS {
		return fmt.Sprintf("ssl://%s:%d", p.config.Broker, p.config.Port)
	}
	return fmt.Sprintf("tcp://%s:%d", p.config.Broker, p.config.Port)
}

// Start connects to the MQTT broker.
func (p *Publisher) Start() error {
	p.mu.RLock()
	if p.running {
		p.mu.RUnlock()
		return nil
	}
	p.mu.RUnlock()

	// Build options and connect without holding the lock
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(p.Address())
	if p.config.UseTLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	opts.SetClientID(p.config.ClientID)
	if p.config.Username != "" {
		opts.SetUsername(p.config.Username)
		opts.SetPassword(p.config.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetKeepAlive(30 * time.Second)

	client := pahomqtt.NewClient(opts)
	logMQTT("Attempting to connect to MQTT broker %s", p.Address())

	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		logMQTT("MQTT connection timeout")
		return fmt.Errorf("connection timeout")
	}
	if token.Error() != nil {
		logMQTT("MQTT connection error: %v", token.Error())
		return token.Error()
	}
	logMQTT("Successfully connected to MQTT broker %s", p.Address())

	p.mu.Lock()
	// Another Start may have won the race
	if p.running {
		p.mu.Unlock()
		client.Disconnect(100)
		return nil
	}
	p.client = client
	p.running = true
	p.mu.Unlock()

	p.lastMu.Lock()
	p.lastPayloads = make(map[string][]byte)
	p.lastMu.Unlock()
	return nil
}

// Stop disconnects from the MQTT broker.
func (p *Publisher) Stop() {
	p.mu.Lock()
	if !p.running || p.client == nil {
		p.mu.Unlock()
		return
	}
	p.running = false
	client := p.client
	p.client = nil
	p.mu.Unlock()

	// Disconnect outside the lock to prevent blocking
	client.Disconnect(500)
}

// publish sends payload to topic. Retained payloads identical to the last
// one sent on the topic are skipped unless force is set.
func (p *Publisher) publish(topic string, payload []byte, retained, force bool) bool {
	p.mu.RLock()
	running := p.running
	client := p.client
	p.mu.RUnlock()

	if !running || client == nil {
		return false
	}

	if retained && !force {
		p.lastMu.Lock()
		last, ok := p.lastPayloads[topic]
		p.lastMu.Unlock()
		if ok && bytes.Equal(last, payload) {
			return false
		}
	}

	token := client.Publish(topic, 1, retained, payload)
	if !token.WaitTimeout(2 * time.Second) {
		logMQTT("Publish to %s timed out", topic)
		return false
	}
	if token.Error() != nil {
		logMQTT("Publish to %s failed: %v", topic, token.Error())
		return false
	}

	if retained {
		p.lastMu.Lock()
		p.lastPayloads[topic] = append([]byte(nil), payload...)
		p.lastMu.Unlock()
	}
	return true
}

// PublishNotification sends an operator notification.
func (p *Publisher) PublishNotification(data []byte) bool {
	return p.publish(p.builder.MQTTNotificationTopic(), data, false, true)
}

// PublishRun sends a run report, retained as the latest run.
func (p *Publisher) PublishRun(data []byte) bool {
	return p.publish(p.builder.MQTTRunTopic(), data, true, true)
}

// PublishSync sends the latest sync result of an HMI, retained.
func (p *Publisher) PublishSync(hmi string, data []byte) bool {
	return p.publish(p.builder.MQTTSyncTopic(hmi), data, true, false)
}

// Manager manages multiple MQTT publishers.
type Manager struct {
	publishers map[string]*Publisher
	mu         sync.RWMutex
}

// NewManager creates a new MQTT manager.
func NewManager() *Manager {
	return &Manager{
		publishers: make(map[string]*Publisher),
	}
}

// Add adds a publisher to the manager.
func (m *Manager) Add(pub *Publisher) {
	m.mu.Lock()
	m.publishers[pub.Name()] = pub
	m.mu.Unlock()
}

// Remove removes a publisher by name.
func (m *Manager) Remove(name string) {
	m.mu.Lock()
	pub, exists := m.publishers[name]
	if exists {
		delete(m.publishers, name)
	}
	m.mu.Unlock()

	if exists {
		pub.Stop()
	}
}

// Get returns a publisher by name.
func (m *Manager) Get(name string) *Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.publishers[name]
}

// List returns all publishers sorted by name.
func (m *Manager) List() []*Publisher {
	m.mu.RLock()
	result := make([]*Publisher, 0, len(m.publishers))
	for _, pub := range m.publishers {
		result = append(result, pub)
	}
	m.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool { return result[i].Name() < result[j].Name() })
	return result
}

// StartAll starts all publishers that are configured as enabled.
// Returns the number of publishers successfully started.
func (m *Manager) StartAll() int {
	started := 0
	for _, pub := range m.List() {
		if pub.config.Enabled && !pub.IsRunning() {
			logMQTT("Auto-starting MQTT publisher: %s", pub.Name())
			if err := pub.Start(); err != nil {
				logMQTT("Failed to auto-start %s: %v", pub.Name(), err)
			} else {
				logMQTT("Successfully started %s (%s)", pub.Name(), pub.Address())
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

// LoadFromConfig creates publishers from configuration.
func (m *Manager) LoadFromConfig(cfgs []config.MQTTConfig, ns string) {
	for i := range cfgs {
		m.Add(NewPublisher(&cfgs[i], ns))
	}
}

// PublishNotification sends a notification through every running publisher.
func (m *Manager) PublishNotification(data []byte) {
	for _, pub := range m.List() {
		if pub.IsRunning() {
			pub.PublishNotification(data)
		}
	}
}

// PublishRun sends a run report through every running publisher.
func (m *Manager) PublishRun(data []byte) {
	for _, pub := range m.List() {
		if pub.IsRunning() {
			pub.PublishRun(data)
		}
	}
}

// PublishSync sends an HMI sync result through every running publisher.
func (m *Manager) PublishSync(hmi string, data []byte) {
	for _, pub := range m.List() {
		if pub.IsRunning() {
			pub.PublishSync(hmi, data)
		}
	}
}

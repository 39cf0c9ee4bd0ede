package kafka

import (
	"context"
	"sort"
	"sync"
	"time"

	"alarmsync/config"
	"alarmsync/logging"
	"alarmsync/namespace"
)

// publishJob represents a pending Kafka publish operation.
type publishJob struct {
	producer *Producer
	topic    string
	key      []byte
	payload  []byte
}

// Manager manages multiple Kafka producer connections. Publishing is
// asynchronous through a bounded worker pool.
type Manager struct {
	producers map[string]*Producer
	builders  map[string]*namespace.Builder
	mu        sync.RWMutex

	publishQueue chan publishJob
	wg           sync.WaitGroup
	stopChan     chan struct{}
	started      bool
}

// MaxPublishWorkers is the maximum number of concurrent publish goroutines.
const MaxPublishWorkers = 4

// MaxPublishQueueSize is the maximum number of pending publish jobs.
const MaxPublishQueueSize = 256

// NewManager creates a new Kafka manager.
func NewManager() *Manager {
	return &Manager{
		producers:    make(map[string]*Producer),
		builders:     make(map[string]*namespace.Builder),
		publishQueue: make(chan publishJob, MaxPublishQueueSize),
		stopChan:     make(chan struct{}),
	}
}

// startWorkers starts the publish worker goroutines.
func (m *Manager) startWorkers() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true

	queue, stop := m.publishQueue, m.stopChan
	for i := 0; i < MaxPublishWorkers; i++ {
		m.wg.Add(1)
		go m.publishWorker(queue, stop)
	}
}

// publishWorker processes publish jobs from the queue.
func (m *Manager) publishWorker(queue <-chan publishJob, stop <-chan struct{}) {
	defer m.wg.Done()

	for {
		select {
		case <-stop:
			return
		case job := <-queue:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := job.producer.ProduceWithRetry(ctx, job.topic, job.key, job.payload); err != nil {
				logKafka("Failed to publish to %s on %s: %v", job.topic, job.producer.Name(), err)
			}
			cancel()
		}
	}
}

// AddCluster adds a new Kafka cluster configuration.
func (m *Manager) AddCluster(cfg *config.KafkaConfig, ns string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.producers[cfg.Name]; exists {
		return
	}
	m.producers[cfg.Name] = NewProducer(cfg)
	m.builders[cfg.Name] = namespace.New(ns, cfg.Selector)
}

// RemoveCluster removes a Kafka cluster and disconnects.
func (m *Manager) RemoveCluster(name string) {
	m.mu.Lock()
	producer, exists := m.producers[name]
	if exists {
		delete(m.producers, name)
		delete(m.builders, name)
	}
	m.mu.Unlock()

	if exists {
		producer.Disconnect()
	}
}

// GetProducer returns the producer for a cluster.
func (m *Manager) GetProducer(name string) *Producer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.producers[name]
}

// ListClusters returns the names of all clusters, sorted.
func (m *Manager) ListClusters() []string {
	m.mu.RLock()
	names := make([]string, 0, len(m.producers))
	for name := range m.producers {
		names = append(names, name)
	}
	m.mu.RUnlock()

	sort.Strings(names)
	return names
}

// LoadFromConfig loads multiple cluster configurations.
func (m *Manager) LoadFromConfig(cfgs []config.KafkaConfig, ns string) {
	for i := range cfgs {
		m.AddCluster(&cfgs[i], ns)
	}
}

// StartAll connects every enabled cluster and starts the publish workers.
// Returns the number of clusters connected.
func (m *Manager) StartAll() int {
	m.startWorkers()

	started := 0
	for _, name := range m.ListClusters() {
		p := m.GetProducer(name)
		if p == nil || !p.config.Enabled {
			continue
		}
		if err := p.Connect(); err != nil {
			logKafka("Failed to connect %s: %v", name, err)
			continue
		}
		started++
	}
	return started
}

// StopAll disconnects from all Kafka clusters and stops workers.
func (m *Manager) StopAll() {
	m.mu.Lock()
	wasStarted := m.started
	oldStop := m.stopChan
	if wasStarted {
		m.stopChan = make(chan struct{})
		m.publishQueue = make(chan publishJob, MaxPublishQueueSize)
		m.started = false
	}
	producers := make([]*Producer, 0, len(m.producers))
	for _, p := range m.producers {
		producers = append(producers, p)
	}
	m.mu.Unlock()

	if wasStarted {
		close(oldStop)

		done := make(chan struct{})
		go func() {
			m.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			logKafka("Timeout waiting for publish workers to stop")
		}
	}

	for _, p := range producers {
		p.Disconnect()
	}
}

// AnyConnected returns true if any cluster is connected.
func (m *Manager) AnyConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.producers {
		if p.GetStatus() == StatusConnected {
			return true
		}
	}
	return false
}

// enqueue queues one job per connected cluster. Jobs are dropped when the
// queue is full or the workers are stopped.
func (m *Manager) enqueue(topic func(*namespace.Builder) string, key, payload []byte) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.started {
		return 0
	}

	queued := 0
	for name, p := range m.producers {
		if p.GetStatus() != StatusConnected {
			continue
		}
		job := publishJob{
			producer: p,
			topic:    topic(m.builders[name]),
			key:      key,
			payload:  payload,
		}
		select {
		case m.publishQueue <- job:
			queued++
		default:
			logKafka("Publish queue full, dropping message for %s", job.topic)
		}
	}
	return queued
}

// PublishNotification queues a notification on every connected cluster.
func (m *Manager) PublishNotification(data []byte) {
	m.enqueue((*namespace.Builder).KafkaNotificationTopic, nil, data)
}

// PublishRun queues a run report on every connected cluster.
func (m *Manager) PublishRun(data []byte) {
	m.enqueue((*namespace.Builder).KafkaRunTopic, nil, data)
}

// PublishSync queues an HMI sync result, keyed by the HMI name.
func (m *Manager) PublishSync(hmi string, data []byte) {
	m.enqueue((*namespace.Builder).KafkaSyncTopic, []byte(hmi), data)
}

func logKafka(format string, args ...interface{}) {
	logging.DebugLog("kafka", format, args...)
}

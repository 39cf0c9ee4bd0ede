// Package valkey publishes run reports and notifications to Valkey/Redis.
package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"alarmsync/config"
	"alarmsync/logging"
	"alarmsync/namespace"
)

// Message wraps a payload stored or published in Valkey.
type Message struct {
	Factory   string          `json:"factory"`
	HMI       string          `json:"hmi,omitempty"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// Publisher handles publishing to a single Valkey server.
type Publisher struct {
	config  *config.ValkeyConfig
	builder *namespace.Builder
	client  *redis.Client
	running bool
	mu      sync.RWMutex
}

// NewPublisher creates a new Valkey publisher.
func NewPublisher(cfg *config.ValkeyConfig, ns string) *Publisher {
	return &Publisher{
		config:  cfg,
		builder: namespace.New(ns, cfg.Selector),
	}
}

// Start connects to the Valkey server.
func (p *Publisher) Start() error {
	p.mu.RLock()
	if p.running {
		p.mu.RUnlock()
		return nil
	}
	p.mu.RUnlock()

	opts := &redis.Options{
		Addr:         p.config.Address,
		Password:     p.config.Password,
		DB:           p.config.Database,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	}
	if p.config.UseTLS {
		opts.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	// Create client and test connection WITHOUT holding the lock
	client := redis.NewClient(opts)

	debugLog("Attempting to connect to Valkey at %s (DB: %d, TLS: %v)",
		p.config.Address, p.config.Database, p.config.UseTLS)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		debugLog("Valkey connection failed: %v", err)
		client.Close()
		return fmt.Errorf("failed to connect to Valkey at %s: %w", p.config.Address, err)
	}

	debugLog("Successfully connected to Valkey at %s", p.config.Address)

	p.mu.Lock()
	defer p.mu.Unlock()

	// Double-check we're not already running (race condition check)
	if p.running {
		client.Close()
		return nil
	}
	p.client = client
	p.running = true
	return nil
}

// Stop disconnects from the Valkey server.
func (p *Publisher) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	client := p.client
	p.client = nil
	p.mu.Unlock()

	if client != nil {
		return client.Close()
	}
	return nil
}

// IsRunning returns whether the publisher is connected.
func (p *Publisher) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// Config returns the publisher's configuration.
func (p *Publisher) Config() *config.ValkeyConfig {
	return p.config
}

// Builder returns the key builder.
func (p *Publisher) Builder() *namespace.Builder {
	return p.builder
}

// Address returns the server address.
func (p *Publisher) Address() string {
	scheme := "redis"
	if p.config.UseTLS {
		scheme = "rediss"
	}
	return fmt.Sprintf("%s://%s", scheme, p.config.Address)
}

func (p *Publisher) activeClient() *redis.Client {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.running {
		return nil
	}
	return p.client
}

// envelope wraps data in a Message for this publisher's factory.
func (p *Publisher) envelope(hmi string, data []byte) ([]byte, error) {
	msg := Message{
		Factory:   p.builder.ValkeyFactory(),
		HMI:       hmi,
		Data:      json.RawMessage(data),
		Timestamp: time.Now().UTC(),
	}
	out, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return out, nil
}

// PublishNotification publishes an operator notification on the
// notification channel.
func (p *Publisher) PublishNotification(data []byte) error {
	client := p.activeClient()
	if client == nil {
		return nil
	}
	msg, err := p.envelope("", data)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return client.Publish(ctx, p.builder.ValkeyNotificationChannel(), msg).Err()
}

// PublishRun stores a run report under the last-run key and announces it
// on the run channel.
func (p *Publisher) PublishRun(data []byte) error {
	client := p.activeClient()
	if client == nil {
		return nil
	}
	msg, err := p.envelope("", data)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	pipe := client.TxPipeline()
	pipe.Set(ctx, p.builder.ValkeyLastRunKey(), msg, p.config.KeyTTL)
	pipe.Publish(ctx, p.builder.ValkeyRunChannel(), msg)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store run: %w", err)
	}
	return nil
}

// PublishSync stores the latest sync result of an HMI.
func (p *Publisher) PublishSync(hmi string, data []byte) error {
	client := p.activeClient()
	if client == nil {
		return nil
	}
	msg, err := p.envelope(hmi, data)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Set(ctx, p.builder.ValkeySyncKey(hmi), msg, p.config.KeyTTL).Err(); err != nil {
		return fmt.Errorf("failed to set key: %w", err)
	}
	return nil
}

// LastRun reads the stored last-run message. It returns redis.Nil when no
// run was stored yet.
func (p *Publisher) LastRun(ctx context.Context) (*Message, error) {
	client := p.activeClient()
	if client == nil {
		return nil, fmt.Errorf("valkey %s is not connected", p.config.Name)
	}
	raw, err := client.Get(ctx, p.builder.ValkeyLastRunKey()).Bytes()
	if err != nil {
		return nil, err
	}
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("invalid last-run message: %w", err)
	}
	return &msg, nil
}

func debugLog(format string, args ...interface{}) {
	logging.DebugLog("valkey", format, args...)
}

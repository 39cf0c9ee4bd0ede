// Package push delivers run reports and notifications to HTTP webhooks.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"alarmsync/config"
	"alarmsync/logging"
	"alarmsync/notify"
)

// Status represents the current state of a webhook.
type Status int

const (
	StatusDisabled Status = iota
	StatusIdle            // Waiting for events
	StatusSending         // Sending HTTP request
	StatusError           // Last delivery failed
)

func (s Status) String() string {
	switch s {
	case StatusDisabled:
		return "Disabled"
	case StatusIdle:
		return "Idle"
	case StatusSending:
		return "Sending"
	case StatusError:
		return "Error"
	default:
		return "Unknown"
	}
}

// QueueSize bounds the deliveries waiting per webhook.
const QueueSize = 64

type delivery struct {
	event string
	hmi   string
	body  []byte
}

// Push delivers events to one webhook. Deliveries run on a single worker
// goroutine in arrival order; a full queue drops the newest event.
type Push struct {
	config   *config.PushConfig
	minLevel notify.Level

	status       Status
	lastErr      error
	sendCount    int64
	dropCount    int64
	lastSend     time.Time
	lastNotify   time.Time
	lastHTTPCode int
	mu           sync.RWMutex

	queue  chan delivery
	cancel context.CancelFunc
	wg     sync.WaitGroup

	httpClient *http.Client
	logFn      func(format string, args ...interface{})
}

// NewPush creates a webhook from configuration.
func NewPush(cfg *config.PushConfig) (*Push, error) {
	var minLevel notify.Level
	if cfg.MinLevel != "" {
		if err := minLevel.UnmarshalText([]byte(cfg.MinLevel)); err != nil {
			return nil, fmt.Errorf("push %s: %w", cfg.Name, err)
		}
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &Push{
		config:     cfg,
		minLevel:   minLevel,
		status:     StatusDisabled,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Name returns the webhook name.
func (p *Push) Name() string {
	return p.config.Name
}

// SetLogFunc sets the logging callback.
func (p *Push) SetLogFunc(fn func(format string, args ...interface{})) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.logFn = fn
}

func (p *Push) log(format string, args ...interface{}) {
	logging.DebugLog("push", "[%s] "+format, append([]interface{}{p.config.Name}, args...)...)
	if !p.mu.TryRLock() {
		return
	}
	fn := p.logFn
	p.mu.RUnlock()
	if fn != nil {
		fn("[Push:%s] "+format, append([]interface{}{p.config.Name}, args...)...)
	}
}

// GetStatus returns the current webhook status.
func (p *Push) GetStatus() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// GetError returns the last delivery error.
func (p *Push) GetError() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastErr
}

// GetStats returns delivery statistics.
func (p *Push) GetStats() (sendCount, dropCount int64, lastSend time.Time, lastHTTPCode int) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sendCount, p.dropCount, p.lastSend, p.lastHTTPCode
}

// Start begins delivering events. Disabled webhooks stay stopped.
func (p *Push) Start() {
	p.mu.Lock()
	if p.queue != nil || !p.config.Enabled {
		p.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.queue = make(chan delivery, QueueSize)
	p.status = StatusIdle
	queue := p.queue
	p.mu.Unlock()

	p.wg.Add(1)
	go p.worker(ctx, queue)
	p.log("started")
}

// Stop halts delivery. Queued events are discarded.
func (p *Push) Stop() {
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
	}

	p.mu.Lock()
	wasRunning := p.queue != nil
	p.queue = nil
	p.cancel = nil
	p.status = StatusDisabled
	p.mu.Unlock()

	if wasRunning {
		p.log("stopped")
	}
}

// IsRunning reports whether the webhook accepts events.
func (p *Push) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.queue != nil
}

func (p *Push) worker(ctx context.Context, queue <-chan delivery) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-queue:
			if err := p.deliver(ctx, d); err != nil {
				p.handleError(err)
			}
		}
	}
}

// enqueue queues a delivery without blocking.
func (p *Push) enqueue(d delivery) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.queue == nil {
		return false
	}
	select {
	case p.queue <- d:
		return true
	default:
		p.dropCount++
		logging.DebugLog("push", "[%s] queue full, dropping %s event", p.config.Name, d.event)
		return false
	}
}

// PublishNotification delivers a notification when its level reaches the
// configured minimum and the cooldown since the last one has elapsed.
func (p *Push) PublishNotification(data []byte) {
	if !p.config.WantsEvent(config.PushEventNotification) {
		return
	}
	var n notify.Notification
	if err := json.Unmarshal(data, &n); err != nil {
		return
	}
	if n.Level < p.minLevel {
		return
	}

	p.mu.Lock()
	if p.config.CooldownMin > 0 && !p.lastNotify.IsZero() && time.Since(p.lastNotify) < p.config.CooldownMin {
		p.mu.Unlock()
		return
	}
	p.lastNotify = time.Now()
	p.mu.Unlock()

	p.enqueue(delivery{event: config.PushEventNotification, hmi: n.HMI, body: data})
}

// PublishRun delivers a finished run report.
func (p *Push) PublishRun(data []byte) {
	if p.config.WantsEvent(config.PushEventRun) {
		p.enqueue(delivery{event: config.PushEventRun, body: data})
	}
}

// PublishSync delivers the per-HMI results of a run.
func (p *Push) PublishSync(hmi string, data []byte) {
	if p.config.WantsEvent(config.PushEventSync) {
		p.enqueue(delivery{event: config.PushEventSync, hmi: hmi, body: data})
	}
}

// TestFire sends a test event immediately, bypassing the queue.
func (p *Push) TestFire(ctx context.Context) error {
	p.log("test fire triggered manually")
	body, _ := json.Marshal(map[string]interface{}{
		"event":     "test",
		"name":      p.config.Name,
		"timestamp": time.Now().UTC(),
	})
	return p.deliver(ctx, delivery{event: "test", body: body})
}

func (p *Push) deliver(ctx context.Context, d delivery) error {
	req, err := p.buildRequest(ctx, d)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	p.mu.Lock()
	if p.status != StatusDisabled {
		p.status = StatusSending
	}
	p.mu.Unlock()

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	p.mu.Lock()
	p.sendCount++
	p.lastSend = time.Now()
	p.lastHTTPCode = resp.StatusCode
	if resp.StatusCode < 400 {
		p.lastErr = nil
		if p.status != StatusDisabled {
			p.status = StatusIdle
		}
	}
	p.mu.Unlock()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	p.log("sent %s event to %s, status=%d", d.event, p.config.URL, resp.StatusCode)
	return nil
}

// buildRequest constructs the HTTP request with headers and auth.
func (p *Push) buildRequest(ctx context.Context, d delivery) (*http.Request, error) {
	method := p.config.Method
	if method == "" {
		method = http.MethodPost
	}

	req, err := http.NewRequestWithContext(ctx, method, p.config.URL, bytes.NewReader(d.body))
	if err != nil {
		return nil, err
	}

	ct := p.config.ContentType
	if ct == "" {
		ct = "application/json"
	}
	req.Header.Set("Content-Type", ct)
	req.Header.Set("X-Alarmsync-Event", d.event)
	if d.hmi != "" {
		req.Header.Set("X-Alarmsync-HMI", d.hmi)
	}

	for k, v := range p.config.Headers {
		req.Header.Set(k, v)
	}

	switch p.config.Auth.Type {
	case config.PushAuthBearer:
		req.Header.Set("Authorization", "Bearer "+p.config.Auth.Token)
	case config.PushAuthBasic:
		req.SetBasicAuth(p.config.Auth.Username, p.config.Auth.Password)
	case config.PushAuthCustomHeader:
		if p.config.Auth.HeaderName != "" {
			req.Header.Set(p.config.Auth.HeaderName, p.config.Auth.HeaderValue)
		}
	}

	return req, nil
}

func (p *Push) handleError(err error) {
	p.log("error: %v", err)

	p.mu.Lock()
	p.lastErr = err
	if p.status != StatusDisabled {
		p.status = StatusError
	}
	p.mu.Unlock()
}

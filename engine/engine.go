package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"alarmsync/config"
	"alarmsync/hmi"
	"alarmsync/kafka"
	"alarmsync/logging"
	"alarmsync/mqtt"
	"alarmsync/notify"
	"alarmsync/project"
	"alarmsync/push"
	"alarmsync/valkey"
)

// LogFunc is the logging callback signature. Engine never imports the tui package.
type LogFunc func(format string, args ...interface{})

// Config holds the parameters needed to create an Engine.
type Config struct {
	AppConfig  *config.Config
	ConfigPath string
	LogFunc    LogFunc
	Workspace  *project.Workspace
	Store      hmi.Store

	// Sink receives operator notifications in addition to the log and the
	// brokers.
	Sink notify.Sink

	// DryRun rolls back every triple instead of committing it.
	DryRun bool
}

// Engine runs alarm extraction and owns the broker managers. The CLI, the
// REST API, the watcher and the TUI are thin consumers.
type Engine struct {
	cfg        *config.Config
	configPath string
	logFn      LogFunc
	ws         *project.Workspace
	store      hmi.Store
	sink       notify.Sink
	dryRun     bool

	mqttMgr   *mqtt.Manager
	valkeyMgr *valkey.Manager
	kafkaMgr  *kafka.Manager
	pushMgr   *push.Manager

	Events *EventBus

	running atomic.Bool
	lastMu  sync.RWMutex
	last    *Report
}

// New creates a new Engine. Call Start() to bring up the brokers.
func New(c Config) *Engine {
	logFn := c.LogFunc
	if logFn == nil {
		logFn = func(string, ...interface{}) {}
	}
	return &Engine{
		cfg:        c.AppConfig,
		configPath: c.ConfigPath,
		logFn:      logFn,
		ws:         c.Workspace,
		store:      c.Store,
		sink:       c.Sink,
		dryRun:     c.DryRun,
		mqttMgr:    mqtt.NewManager(),
		valkeyMgr:  valkey.NewManager(),
		kafkaMgr:   kafka.NewManager(),
		pushMgr:    push.NewManager(),
		Events:     NewEventBus(),
	}
}

// Start loads the broker managers from config and auto-starts the enabled
// ones in the background.
func (e *Engine) Start() {
	cfg := e.cfg
	e.mqttMgr.LoadFromConfig(cfg.MQTT, cfg.Namespace)
	e.valkeyMgr.LoadFromConfig(cfg.Valkey, cfg.Namespace)
	e.kafkaMgr.LoadFromConfig(cfg.Kafka, cfg.Namespace)
	e.pushMgr.SetLogFunc(e.logFn)
	if err := e.pushMgr.LoadFromConfig(cfg.Push); err != nil {
		e.logFn("Webhook config: %v", err)
	}
	if started := e.pushMgr.StartAll(); started > 0 {
		e.logFn("Started %d webhook(s)", started)
	}

	go func() {
		if started := e.mqttMgr.StartAll(); started > 0 {
			e.logFn("Started %d MQTT publisher(s)", started)
		}
	}()
	go func() {
		if started := e.valkeyMgr.StartAll(); started > 0 {
			e.logFn("Started %d Valkey publisher(s)", started)
		}
	}()
	go func() {
		if started := e.kafkaMgr.StartAll(); started > 0 {
			e.logFn("Connected %d Kafka cluster(s)", started)
		}
	}()
}

// Stop shuts down the broker managers.
func (e *Engine) Stop() {
	e.mqttMgr.StopAll()
	e.valkeyMgr.StopAll()
	e.kafkaMgr.StopAll()
	e.pushMgr.StopAll()
}

func (e *Engine) GetConfig() *config.Config { return e.cfg }
func (e *Engine) GetConfigPath() string { return e.configPath }
func (e *Engine) GetWorkspace() *project.Workspace { return e.ws }
func (e *Engine) GetStore() hmi.Store { return e.store }
func (e *Engine) GetMQTTMgr() *mqtt.Manager { return e.mqttMgr }
func (e *Engine) GetValkeyMgr() *valkey.Manager { return e.valkeyMgr }
func (e *Engine) GetKafkaMgr() *kafka.Manager { return e.kafkaMgr }
func (e *Engine) GetPushMgr() *push.Manager { return e.pushMgr }
func (e *Engine) IsRunning() bool { return e.running.Load() }

// LastReport returns the report of the most recent run, or nil.
func (e *Engine) LastReport() *Report {
	e.lastMu.RLock()
	defer e.lastMu.RUnlock()
	return e.last
}

// Settings returns a copy of the extraction settings.
func (e *Engine) Settings() config.Settings {
	return e.cfg.GetSettings()
}

// UpdateSettings validates and persists new extraction settings. Runs
// already in progress keep the settings they started with.
func (e *Engine) UpdateSettings(s config.Settings) error {
	if err := s.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	e.cfg.Lock()
	e.cfg.Settings = s
	if err := e.saveConfig(); err != nil {
		return fmt.Errorf("%w: %v", ErrSaveFailed, err)
	}
	e.emit(EventSettingsChanged, SystemEvent{Detail: fmt.Sprintf("%+v", s)})
	return nil
}

// ReloadProject re-reads the workspace project description.
func (e *Engine) ReloadProject() error {
	if e.ws == nil {
		return ErrNoActiveProject
	}
	if err := e.ws.Reload(); err != nil {
		return err
	}
	e.emit(EventProjectReloaded, SystemEvent{Detail: e.ws.File()})
	return nil
}

// HMIContents reads the current configuration of an HMI from the store.
func (e *Engine) HMIContents(ctx context.Context, hmiName string) (*hmi.Contents, error) {
	if e.store == nil {
		return nil, ErrNoActiveProject
	}
	return hmi.Read(ctx, e.store, hmiName)
}

// StoredHMIs lists the HMIs the store holds configuration for. Stores that
// cannot enumerate report none.
func (e *Engine) StoredHMIs(ctx context.Context) ([]string, error) {
	if e.store == nil {
		return nil, ErrNoActiveProject
	}
	l, ok := e.store.(hmi.Lister)
	if !ok {
		return nil, nil
	}
	return l.HMIs(ctx)
}

// saveConfig saves and unlocks. The caller holds the config lock. Without
// a config path the change stays in memory.
func (e *Engine) saveConfig() error {
	if e.configPath == "" {
		e.cfg.Unlock()
		return nil
	}
	return e.cfg.UnlockAndSave(e.configPath)
}

func (e *Engine) emit(t EventType, payload interface{}) {
	e.Events.Emit(Event{Type: t, Payload: payload})
}

// notifier builds the sink chain for one run.
func (e *Engine) notifier() *notify.Notifier {
	return &notify.Notifier{Sink: notify.Fanout{
		notify.LogSink{Log: e.logFn},
		notify.BrokerSink{Publishers: []notify.Publisher{e.mqttMgr, e.valkeyMgr, e.kafkaMgr, e.pushMgr}},
		notify.SinkFunc(func(n notify.Notification) {
			e.emit(EventNotification, NotificationEvent{Notification: n})
		}),
		e.sink,
	}}
}

type reportPublisher interface {
	PublishRun(data []byte)
	PublishSync(hmi string, data []byte)
}

func (e *Engine) reportPublishers() []reportPublisher {
	return []reportPublisher{e.mqttMgr, e.valkeyMgr, e.kafkaMgr, e.pushMgr}
}

// publishReport sends the run report and per-HMI results to the brokers
// and webhooks.
func (e *Engine) publishReport(r *Report) {
	pubs := e.reportPublishers()
	data, err := json.Marshal(r)
	if err != nil {
		logging.DebugLog("engine", "report marshal error: %v", err)
		return
	}
	for _, p := range pubs {
		p.PublishRun(data)
	}

	for _, name := range r.HMIs() {
		var results []TripleResult
		for _, t := range r.Triples {
			if t.HMI == name {
				results = append(results, t)
			}
		}
		data, err := json.Marshal(struct {
			RunID   string         `json:"run_id"`
			HMI     string         `json:"hmi"`
			Triples []TripleResult `json:"triples"`
		}{r.ID, name, results})
		if err != nil {
			continue
		}
		for _, p := range pubs {
			p.PublishSync(name, data)
		}
	}
}

// Package config handles configuration persistence for alarmsync.
package config

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigListenerID is a unique identifier for a config change listener.
type ConfigListenerID string

// Default extraction settings.
const (
	DefaultBlockExtension    = "_Defauts"
	DefaultAlarmClass        = "Alarm"
	DefaultSimplifyTagname   = true
	defaultProjectFileName   = "project.yaml"
	defaultStoreFileName     = "hmi.db"
	defaultWorkDirectoryName = "UserFiles"
)

// Config holds the complete application configuration.
type Config struct {
	Namespace string         `yaml:"namespace"`
	Settings  Settings       `yaml:"settings"`
	Project   string         `yaml:"project"`           // Workspace directory holding project.yaml
	Store     string         `yaml:"store"`             // SQLite database with the HMI target configuration
	WorkDir   string         `yaml:"work_dir,omitempty"` // Scratch directory for exported interface documents
	Web       WebConfig      `yaml:"web"`
	SSH       SSHConfig      `yaml:"ssh,omitempty"`
	Stream    StreamConfig   `yaml:"stream,omitempty"`
	MQTT      []MQTTConfig   `yaml:"mqtt"`
	Valkey    []ValkeyConfig `yaml:"valkey,omitempty"`
	Kafka     []KafkaConfig  `yaml:"kafka,omitempty"`
	Push      []PushConfig   `yaml:"push,omitempty"`
	Watch     WatchConfig    `yaml:"watch,omitempty"`
	UI        UIConfig       `yaml:"ui,omitempty"`

	// Callers that modify config should Lock(), modify, then call UnlockAndSave().
	dataMu sync.Mutex `yaml:"-"`

	changeListeners map[ConfigListenerID]func() `yaml:"-"`
	listenersMu     sync.RWMutex                `yaml:"-"`
	listenerCounter uint64                      `yaml:"-"`
}

// Settings are the extraction settings consumed read-only by each run.
type Settings struct {
	BlockExtension    string `yaml:"block_extension" json:"block_extension"`         // Marker suffix of eligible blocks
	DefaultAlarmClass string `yaml:"default_alarm_class" json:"default_alarm_class"` // Fallback alarm class
	SimplifyTagname   bool   `yaml:"simplify_tagname" json:"simplify_tagname"`       // Strip the marker suffix from tag names
	PruneOrphans      bool   `yaml:"prune_orphans" json:"prune_orphans"`             // Delete synced alarms whose member no longer exists
}

// DefaultSettings returns the factory extraction settings.
func DefaultSettings() Settings {
	return Settings{
		BlockExtension:    DefaultBlockExtension,
		DefaultAlarmClass: DefaultAlarmClass,
		SimplifyTagname:   DefaultSimplifyTagname,
	}
}

// Validate checks the extraction settings.
func (s Settings) Validate() error {
	if strings.TrimSpace(s.BlockExtension) == "" {
		return fmt.Errorf("settings: block_extension must not be empty")
	}
	if strings.TrimSpace(s.DefaultAlarmClass) == "" {
		return fmt.Errorf("settings: default_alarm_class must not be empty")
	}
	return nil
}

// UIConfig stores user interface preferences.
type UIConfig struct {
	Theme     string `yaml:"theme,omitempty"`
	ASCIIMode bool   `yaml:"ascii_mode,omitempty"`
}

// WatchConfig configures the workspace watcher.
type WatchConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Debounce time.Duration `yaml:"debounce,omitempty"` // default 500ms
}

// WebConfig holds the HTTP API configuration.
type WebConfig struct {
	Enabled       bool      `yaml:"enabled"`
	Host          string    `yaml:"host"`
	Port          int       `yaml:"port"`
	SessionSecret string    `yaml:"session_secret,omitempty"`
	Users         []WebUser `yaml:"users,omitempty"`
}

// SSHConfig holds the remote console configuration. Password logins are
// checked against the admin web users.
type SSHConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Port           int    `yaml:"port"`
	AuthorizedKeys string `yaml:"authorized_keys,omitempty"` // File or directory of authorized_keys
	HostKey        string `yaml:"host_key,omitempty"`        // Default ~/.alarmsync/host_key
}

// StreamConfig configures the TCP event stream.
type StreamConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Listen     string `yaml:"listen"`
	BufferSize int    `yaml:"buffer_size,omitempty"` // Events kept for replay
}

// WebUser represents an API user.
type WebUser struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"` // bcrypt
	Role         string `yaml:"role"`          // "admin" or "viewer"
}

// Web user roles
const (
	RoleAdmin  = "admin"
	RoleViewer = "viewer"
)

// MQTTConfig holds MQTT publisher configuration.
type MQTTConfig struct {
	Name     string `yaml:"name"`
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	ClientID string `yaml:"client_id"`
	Selector string `yaml:"selector,omitempty"` // Optional sub-namespace
	UseTLS   bool   `yaml:"use_tls,omitempty"`
}

// ValkeyConfig holds Valkey/Redis publisher configuration.
type ValkeyConfig struct {
	Name     string        `yaml:"name"`
	Enabled  bool          `yaml:"enabled"`
	Address  string        `yaml:"address"` // host:port format
	Password string        `yaml:"password,omitempty"`
	Database int           `yaml:"database"`
	Selector string        `yaml:"selector,omitempty"`
	UseTLS   bool          `yaml:"use_tls,omitempty"`
	KeyTTL   time.Duration `yaml:"key_ttl,omitempty"` // TTL for the last-run key (0 = no expiry)
}

// KafkaConfig holds Kafka cluster configuration.
type KafkaConfig struct {
	Name          string        `yaml:"name"`
	Enabled       bool          `yaml:"enabled"`
	Brokers       []string      `yaml:"brokers"`
	UseTLS        bool          `yaml:"use_tls,omitempty"`
	TLSSkipVerify bool          `yaml:"tls_skip_verify,omitempty"`
	SASLMechanism string        `yaml:"sasl_mechanism,omitempty"` // PLAIN, SCRAM-SHA-256, SCRAM-SHA-512
	Username      string        `yaml:"username,omitempty"`
	Password      string        `yaml:"password,omitempty"`
	RequiredAcks  int           `yaml:"required_acks,omitempty"` // -1=all, 0=none, 1=leader
	MaxRetries    int           `yaml:"max_retries,omitempty"`
	RetryBackoff  time.Duration `yaml:"retry_backoff,omitempty"`
	Selector      string        `yaml:"selector,omitempty"`
}

// Push event kinds
const (
	PushEventRun          = "run"
	PushEventSync         = "sync"
	PushEventNotification = "notification"
)

// Push auth types
const (
	PushAuthNone         = ""
	PushAuthBearer       = "bearer"
	PushAuthBasic        = "basic"
	PushAuthCustomHeader = "header"
)

// PushAuthConfig holds webhook authentication.
type PushAuthConfig struct {
	Type        string `yaml:"type,omitempty"`
	Token       string `yaml:"token,omitempty"`
	Username    string `yaml:"username,omitempty"`
	Password    string `yaml:"password,omitempty"`
	HeaderName  string `yaml:"header_name,omitempty"`
	HeaderValue string `yaml:"header_value,omitempty"`
}

// PushConfig holds an HTTP webhook that receives run reports and
// notifications.
type PushConfig struct {
	Name        string            `yaml:"name"`
	Enabled     bool              `yaml:"enabled"`
	URL         string            `yaml:"url"`
	Method      string            `yaml:"method,omitempty"`       // default POST
	ContentType string            `yaml:"content_type,omitempty"` // default application/json
	Headers     map[string]string `yaml:"headers,omitempty"`
	Auth        PushAuthConfig    `yaml:"auth,omitempty"`
	Events      []string          `yaml:"events,omitempty"`    // run, sync, notification (empty = run)
	MinLevel    string            `yaml:"min_level,omitempty"` // lowest notification level sent
	CooldownMin time.Duration     `yaml:"cooldown_min,omitempty"`
	Timeout     time.Duration     `yaml:"timeout,omitempty"`
}

// WantsEvent reports whether the webhook subscribes to kind.
func (p *PushConfig) WantsEvent(kind string) bool {
	if len(p.Events) == 0 {
		return kind == PushEventRun
	}
	for _, e := range p.Events {
		if strings.EqualFold(e, kind) {
			return true
		}
	}
	return false
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Namespace: "alarmsync",
		Settings:  DefaultSettings(),
		Web: WebConfig{
			Enabled: false,
			Host:    "127.0.0.1",
			Port:    8090,
		},
		SSH: SSHConfig{
			Port: 2222,
		},
		Stream: StreamConfig{
			Listen:     "127.0.0.1:9190",
			BufferSize: 1000,
		},
		Watch: WatchConfig{
			Debounce: 500 * time.Millisecond,
		},
		MQTT:   []MQTTConfig{},
		Valkey: []ValkeyConfig{},
		Kafka:  []KafkaConfig{},
	}
}

// DefaultPushConfig returns a webhook configuration with defaults.
func DefaultPushConfig(name, url string) PushConfig {
	return PushConfig{
		Name:    name,
		URL:     url,
		Method:  "POST",
		Events:  []string{PushEventRun},
		Timeout: 30 * time.Second,
	}
}

// DefaultMQTTConfig returns an MQTT configuration with defaults.
func DefaultMQTTConfig(name string) MQTTConfig {
	return MQTTConfig{
		Name:     name,
		Broker:   "localhost",
		Port:     1883,
		ClientID: "alarmsync-" + name,
	}
}

// DefaultValkeyConfig returns a Valkey configuration with defaults.
func DefaultValkeyConfig(name string) ValkeyConfig {
	return ValkeyConfig{
		Name:    name,
		Address: "localhost:6379",
	}
}

// DefaultKafkaConfig returns a Kafka configuration with defaults.
func DefaultKafkaConfig(name string) KafkaConfig {
	return KafkaConfig{
		Name:         name,
		Brokers:      []string{"localhost:9092"},
		RequiredAcks: -1,
		MaxRetries:   3,
		RetryBackoff: 100 * time.Millisecond,
	}
}

// DefaultPath returns the default configuration file path (~/.alarmsync/config.yaml).
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".alarmsync", "config.yaml")
}

// HostKeyPath returns where the SSH host key lives.
func (c *Config) HostKeyPath() string {
	if c.SSH.HostKey != "" {
		return c.SSH.HostKey
	}
	return filepath.Join(filepath.Dir(DefaultPath()), "host_key")
}

// Load reads configuration from a YAML file. A missing file yields defaults
// and is written back best-effort.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	dirty := false

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		dirty = true
	} else {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	// Settings persisted by older versions may lack fields.
	if cfg.Settings.BlockExtension == "" {
		cfg.Settings.BlockExtension = DefaultBlockExtension
	}
	if cfg.Settings.DefaultAlarmClass == "" {
		cfg.Settings.DefaultAlarmClass = DefaultAlarmClass
	}

	if cfg.Web.SessionSecret == "" {
		secret := make([]byte, 32)
		rand.Read(secret)
		cfg.Web.SessionSecret = base64.StdEncoding.EncodeToString(secret)
		dirty = true
	}

	if dirty {
		cfg.Save(path) // Best-effort save
	}

	return cfg, nil
}

// ProjectFile returns the path of the project description inside the workspace.
func (c *Config) ProjectFile() string {
	if c.Project == "" {
		return ""
	}
	if strings.HasSuffix(c.Project, ".yaml") || strings.HasSuffix(c.Project, ".yml") {
		return c.Project
	}
	return filepath.Join(c.Project, defaultProjectFileName)
}

// StorePath returns the SQLite store path, defaulting next to the project.
func (c *Config) StorePath() string {
	if c.Store != "" {
		return c.Store
	}
	if c.Project != "" {
		return filepath.Join(filepath.Dir(c.ProjectFile()), defaultStoreFileName)
	}
	return defaultStoreFileName
}

// WorkDirectory returns the scratch directory for exported documents.
func (c *Config) WorkDirectory() string {
	if c.WorkDir != "" {
		return c.WorkDir
	}
	if c.Project != "" {
		return filepath.Join(filepath.Dir(c.ProjectFile()), defaultWorkDirectoryName)
	}
	return filepath.Join(os.TempDir(), "alarmsync")
}

// AddOnChangeListener registers a callback to be called when the config is saved.
func (c *Config) AddOnChangeListener(cb func()) ConfigListenerID {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()

	if c.changeListeners == nil {
		c.changeListeners = make(map[ConfigListenerID]func())
	}
	id := ConfigListenerID(fmt.Sprintf("listener-%d", atomic.AddUint64(&c.listenerCounter, 1)))
	c.changeListeners[id] = cb
	return id
}

// RemoveOnChangeListener removes a previously registered listener.
func (c *Config) RemoveOnChangeListener(id ConfigListenerID) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	delete(c.changeListeners, id)
}

func (c *Config) notifyChangeListeners() {
	c.listenersMu.RLock()
	listeners := make([]func(), 0, len(c.changeListeners))
	for _, cb := range c.changeListeners {
		listeners = append(listeners, cb)
	}
	c.listenersMu.RUnlock()

	for _, cb := range listeners {
		cb()
	}
}

// Lock acquires the config data mutex for exclusive access.
func (c *Config) Lock() { c.dataMu.Lock() }

// Unlock releases the config data mutex without saving.
func (c *Config) Unlock() { c.dataMu.Unlock() }

// Save acquires the lock, marshals, writes, and notifies.
func (c *Config) Save(path string) error {
	c.dataMu.Lock()
	return c.saveLocked(path)
}

// UnlockAndSave marshals, releases the lock, writes, and notifies.
// The caller must already hold the lock via Lock().
func (c *Config) UnlockAndSave(path string) error {
	return c.saveLocked(path)
}

func (c *Config) saveLocked(path string) error {
	data, err := yaml.Marshal(c)
	c.dataMu.Unlock() // Release lock after marshal, before I/O

	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return err
	}

	c.notifyChangeListeners()
	return nil
}

// GetSettings returns a copy of the extraction settings under the lock.
func (c *Config) GetSettings() Settings {
	c.dataMu.Lock()
	defer c.dataMu.Unlock()
	return c.Settings
}

// FindMQTT returns the MQTT config with the given name, or nil if not found.
func (c *Config) FindMQTT(name string) *MQTTConfig {
	for i := range c.MQTT {
		if c.MQTT[i].Name == name {
			return &c.MQTT[i]
		}
	}
	return nil
}

// FindValkey returns the Valkey config with the given name, or nil if not found.
func (c *Config) FindValkey(name string) *ValkeyConfig {
	for i := range c.Valkey {
		if c.Valkey[i].Name == name {
			return &c.Valkey[i]
		}
	}
	return nil
}

// FindKafka returns the Kafka config with the given name, or nil if not found.
func (c *Config) FindKafka(name string) *KafkaConfig {
	for i := range c.Kafka {
		if c.Kafka[i].Name == name {
			return &c.Kafka[i]
		}
	}
	return nil
}

// FindPush returns the webhook with the given name, or nil if not found.
func (c *Config) FindPush(name string) *PushConfig {
	for i := range c.Push {
		if c.Push[i].Name == name {
			return &c.Push[i]
		}
	}
	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Namespace != "" && !IsValidNamespace(c.Namespace) {
		return fmt.Errorf("invalid namespace: must contain only alphanumeric characters, hyphens, underscores, and dots")
	}
	if err := c.Settings.Validate(); err != nil {
		return err
	}
	for _, p := range c.Push {
		if p.Enabled && p.URL == "" {
			return fmt.Errorf("push %q: url is required", p.Name)
		}
		for _, e := range p.Events {
			switch strings.ToLower(e) {
			case PushEventRun, PushEventSync, PushEventNotification:
			default:
				return fmt.Errorf("push %q: unknown event %q", p.Name, e)
			}
		}
		switch p.Auth.Type {
		case PushAuthNone, PushAuthBearer, PushAuthBasic, PushAuthCustomHeader:
		default:
			return fmt.Errorf("push %q: unknown auth type %q", p.Name, p.Auth.Type)
		}
	}
	if c.Stream.Enabled && c.Stream.Listen == "" {
		return fmt.Errorf("stream: listen address is required")
	}
	if c.SSH.Enabled && (c.SSH.Port <= 0 || c.SSH.Port > 65535) {
		return fmt.Errorf("ssh: invalid port %d", c.SSH.Port)
	}
	for _, u := range c.Web.Users {
		if u.Role != RoleAdmin && u.Role != RoleViewer {
			return fmt.Errorf("web user %q: unknown role %q", u.Username, u.Role)
		}
	}
	return nil
}

// IsValidNamespace returns true if the namespace is valid.
func IsValidNamespace(ns string) bool {
	if ns == "" {
		return false
	}
	for _, r := range ns {
		if !((r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.') {
			return false
		}
	}
	return true
}

// FindWebUser returns the web user with the given username, or nil if not found.
func (c *Config) FindWebUser(username string) *WebUser {
	for i := range c.Web.Users {
		if c.Web.Users[i].Username == username {
			return &c.Web.Users[i]
		}
	}
	return nil
}

// AddWebUser adds a new web user.
func (c *Config) AddWebUser(user WebUser) {
	c.Web.Users = append(c.Web.Users, user)
}

// RemoveWebUser removes a web user by username.
func (c *Config) RemoveWebUser(username string) bool {
	for i, u := range c.Web.Users {
		if u.Username == username {
			c.Web.Users = append(c.Web.Users[:i], c.Web.Users[i+1:]...)
			return true
		}
	}
	return false
}

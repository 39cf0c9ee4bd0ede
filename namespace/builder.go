// Package namespace provides utilities for constructing topic and key paths
// with consistent namespace prefixing across all services (MQTT, Valkey, Kafka).
package namespace

// Builder constructs namespace-prefixed topics and keys.
type Builder struct {
	namespace string
	selector  string
}

// New creates a new namespace builder.
func New(namespace, selector string) *Builder {
	return &Builder{
		namespace: namespace,
		selector:  selector,
	}
}

// --- MQTT (delimiter: /) ---

// MQTTNotificationTopic returns the topic for operator notifications: {ns}[/{sel}]/notifications
func (b *Builder) MQTTNotificationTopic() string {
	return b.mqttBase() + "/notifications"
}

// MQTTRunTopic returns the topic for run reports: {ns}[/{sel}]/runs
func (b *Builder) MQTTRunTopic() string {
	return b.mqttBase() + "/runs"
}

// MQTTSyncTopic returns the topic for per-HMI sync results: {ns}[/{sel}]/hmis/{hmi}/sync
func (b *Builder) MQTTSyncTopic(hmi string) string {
	return b.mqttBase() + "/hmis/" + hmi + "/sync"
}

// MQTTBase returns the base topic: {ns}[/{sel}]
func (b *Builder) MQTTBase() string {
	return b.mqttBase()
}

func (b *Builder) mqttBase() string {
	if b.selector != "" {
		return b.namespace + "/" + b.selector
	}
	return b.namespace
}

// --- Valkey (delimiter: :) ---

// ValkeyNotificationChannel returns the channel for notifications: {ns}[:{sel}]:notifications
func (b *Builder) ValkeyNotificationChannel() string {
	return b.valkeyBase() + ":notifications"
}

// ValkeyRunChannel returns the channel for run reports: {ns}[:{sel}]:runs
func (b *Builder) ValkeyRunChannel() string {
	return b.valkeyBase() + ":runs"
}

// ValkeyLastRunKey returns the key holding the last run report: {ns}[:{sel}]:runs:last
func (b *Builder) ValkeyLastRunKey() string {
	return b.valkeyBase() + ":runs:last"
}

// ValkeySyncKey returns the key for an HMI's last sync result: {ns}[:{sel}]:hmis:{hmi}:sync
func (b *Builder) ValkeySyncKey(hmi string) string {
	return b.valkeyBase() + ":hmis:" + hmi + ":sync"
}

// ValkeyFactory returns the factory identifier for JSON messages: {ns}[:{sel}]
func (b *Builder) ValkeyFactory() string {
	return b.valkeyBase()
}

func (b *Builder) valkeyBase() string {
	if b.selector != "" {
		return b.namespace + ":" + b.selector
	}
	return b.namespace
}

// --- Kafka (delimiter: - for topics, . for sub-streams) ---

// KafkaNotificationTopic returns the topic for notifications: {ns}[-{sel}].notifications
func (b *Builder) KafkaNotificationTopic() string {
	return b.kafkaBase() + ".notifications"
}

// KafkaRunTopic returns the topic for run reports: {ns}[-{sel}].runs
func (b *Builder) KafkaRunTopic() string {
	return b.kafkaBase() + ".runs"
}

// KafkaSyncTopic returns the topic for sync results: {ns}[-{sel}]
// The HMI name is used as the message key for partitioning.
func (b *Builder) KafkaSyncTopic() string {
	return b.kafkaBase()
}

func (b *Builder) kafkaBase() string {
	if b.selector != "" {
		return b.namespace + "-" + b.selector
	}
	return b.namespace
}

package config

// Config is the full brokerd configuration, loadable from YAML or JSON.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging  LoggingConfig    `json:"logging"`
	Broker   BrokerConfig     `json:"broker"`
	Topics   []TopicConfig    `json:"topics"`
	Reminder []ReminderConfig `json:"reminders,omitempty"`
	Storage  *StorageConfig   `json:"storage,omitempty"`
	Health   *HealthConfig    `json:"health,omitempty"`
	HTTP     HTTPConfig       `json:"http"`
}

type LoggingConfig struct {
	Level   string `json:"level"`
	Console bool   `json:"console"`
	File    struct {
		Enabled bool   `json:"enabled"`
		Path    string `json:"path,omitempty"`
	} `json:"file"`
}

// BrokerConfig maps to broker.Options.
//
// Defaults (when fields are omitted/zero):
//   - base_retry_delay: "500ms"
//   - idle_backoff: "100ms"
//   - default_max_attempts: 3
//   - dead_letter_capacity: 100
//   - metrics_interval: "5s"
//   - throughput_window: "60s"
//   - shutdown_grace: "5s"
type BrokerConfig struct {
	BaseRetryDelay     string `json:"base_retry_delay,omitempty"`
	IdleBackoff        string `json:"idle_backoff,omitempty"`
	DefaultMaxAttempts int    `json:"default_max_attempts,omitempty"`
	DeadLetterCapacity int    `json:"dead_letter_capacity,omitempty"`
	MetricsInterval    string `json:"metrics_interval,omitempty"`
	ThroughputWindow   string `json:"throughput_window,omitempty"`
	ShutdownGrace      string `json:"shutdown_grace,omitempty"`
}

// TopicConfig declares one topic created at startup.
type TopicConfig struct {
	Name               string `json:"name"`
	Discipline         string `json:"discipline,omitempty"` // fifo | priority | rr
	Partitions         int    `json:"partitions,omitempty"`
	MaxSize            int    `json:"max_size,omitempty"`
	DeadLetterCapacity int    `json:"dead_letter_capacity,omitempty"`
	RatePerSec         int    `json:"rate_per_sec,omitempty"`
}

// ReminderConfig declares a cron-driven publisher: on each tick brokerd
// publishes Payload into Topic.
type ReminderConfig struct {
	Name    string `json:"name"`
	Topic   string `json:"topic"`
	Spec    string `json:"spec"` // cron spec ("0 9 * * *") or "@every 10m"
	Payload string `json:"payload,omitempty"`
}

// StorageConfig controls the optional dead-letter archive.
//
// Driver values:
//   - "" or "none": archiving disabled
//   - "file": append-only JSONL file
//   - "sqlite": SQLite database file (requires building with -tags sqlite)
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// HealthConfig tunes the per-topic health verdict thresholds.
type HealthConfig struct {
	ErrorRate      float64 `json:"error_rate,omitempty"`
	QueueFullRatio float64 `json:"queue_full_ratio,omitempty"`
	InactiveAfter  string  `json:"inactive_after,omitempty"`
}

// HTTPConfig controls the health endpoint.
type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:8085"
}

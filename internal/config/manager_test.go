package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const sampleYAML = `
logging:
  level: debug
  console: true

broker:
  base_retry_delay: 250ms
  default_max_attempts: 5

topics:
  - name: email
    discipline: fifo
    max_size: 500
  - name: system
    discipline: rr
    partitions: 4

reminders:
  - name: ping
    topic: email
    spec: "@every 10m"
    payload: '{"kind":"ping"}'

http:
  enabled: true
  addr: 127.0.0.1:9000
`

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", sampleYAML)
	m := NewManager(path)

	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("logging: %+v", cfg.Logging)
	}
	if cfg.Broker.BaseRetryDelay != "250ms" || cfg.Broker.DefaultMaxAttempts != 5 {
		t.Fatalf("broker: %+v", cfg.Broker)
	}
	if len(cfg.Topics) != 2 || cfg.Topics[1].Partitions != 4 {
		t.Fatalf("topics: %+v", cfg.Topics)
	}
	if len(cfg.Reminder) != 1 || cfg.Reminder[0].Spec != "@every 10m" {
		t.Fatalf("reminders: %+v", cfg.Reminder)
	}
	if !cfg.HTTP.Enabled || cfg.HTTP.Addr != "127.0.0.1:9000" {
		t.Fatalf("http: %+v", cfg.HTTP)
	}
	if m.Get() != cfg {
		t.Fatalf("Get should return the committed config")
	}
}

func TestLoadJSON(t *testing.T) {
	path := writeConfig(t, "config.json", `{
		"logging": {"level": "info", "console": true, "file": {"enabled": false}},
		"broker": {},
		"http": {"enabled": false}
	}`)
	cfg, err := NewManager(path).Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Logging.Level != "info" {
		t.Fatalf("logging: %+v", cfg.Logging)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "config.yaml", "logging:\n  level: info\nbroken_key: true\n")
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatalf("expected unknown-field error")
	}
}

func TestParseRejectsTrailingJSON(t *testing.T) {
	path := writeConfig(t, "config.json", `{"logging":{}}{"extra":true}`)
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatalf("expected trailing-data error")
	}
}

func TestParseRejectsBadYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", "logging: [unclosed\n")
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatalf("expected yaml error")
	}
}

func TestPublishDropsOldestForSlowSubscriber(t *testing.T) {
	m := NewManager("unused.yaml")
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	first := &Config{}
	second := &Config{}
	m.publish(first)
	m.publish(second)

	got := <-ch
	if got != second {
		t.Fatalf("expected newest config to win")
	}
	select {
	case extra := <-ch:
		t.Fatalf("unexpected second delivery: %v", extra)
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	m := NewManager("unused.yaml")
	ch := m.Subscribe(1)
	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatalf("expected closed channel")
	}
	// Unsubscribing twice or with nil is harmless.
	m.Unsubscribe(ch)
	m.Unsubscribe(nil)
}

func TestParseDurationField(t *testing.T) {
	if d, err := ParseDurationField("x", " 1s "); err != nil || d != time.Second {
		t.Fatalf("got %v, %v", d, err)
	}
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("empty should be zero: %v, %v", d, err)
	}
	if _, err := ParseDurationField("broker.idle_backoff", "fast"); err == nil || !strings.Contains(err.Error(), "broker.idle_backoff") {
		t.Fatalf("expected field-qualified error, got %v", err)
	}
	if _, err := ParseDurationField("x", "-1s"); err == nil {
		t.Fatalf("expected negative duration error")
	}
}

func TestCommitHashSkipsRedundantReload(t *testing.T) {
	m := NewManager("unused.yaml")
	cfg := &Config{}
	m.Commit(cfg)
	if m.lastHash == 0 {
		t.Fatalf("expected non-zero content hash")
	}
	if h := hashConfig(cfg); h != m.lastHash {
		t.Fatalf("hash unstable: %d vs %d", h, m.lastHash)
	}
	if hashConfig(nil) != 0 {
		t.Fatalf("nil config should hash to 0")
	}
}

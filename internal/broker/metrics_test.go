package broker

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	logx "topiq/pkg/logx"
)

var errBad = errors.New("unprocessable payload")

func TestTopicVerdictPrecedence(t *testing.T) {
	b := New(Options{}, logx.Nop(), nil)
	now := time.Now()
	active := now.Add(-time.Second)

	cases := []struct {
		name string
		m    TopicMetrics
		want string
	}{
		{"backlog without consumers", TopicMetrics{InQueue: 5, Consumers: 0, LastActivity: active}, HealthNoConsumers},
		{"error rate beats queue depth", TopicMetrics{InQueue: 90, MaxSize: 100, Consumers: 1, ErrorRate: 0.5, LastActivity: active}, HealthHighErrorRate},
		{"queue nearly full", TopicMetrics{InQueue: 90, MaxSize: 100, Consumers: 1, LastActivity: active}, HealthQueueFull},
		{"stale topic", TopicMetrics{Consumers: 1, MaxSize: 100, LastActivity: now.Add(-time.Hour)}, HealthInactive},
		{"healthy", TopicMetrics{InQueue: 1, MaxSize: 100, Consumers: 1, LastActivity: active}, HealthHealthy},
		{"empty without consumers is fine", TopicMetrics{InQueue: 0, Consumers: 0, MaxSize: 100, LastActivity: active}, HealthHealthy},
	}
	for _, tc := range cases {
		if got := b.topicVerdict(tc.m, now); got != tc.want {
			t.Fatalf("%s: got %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestHealthStatusRollUp(t *testing.T) {
	b := newTestBroker(t, Options{})
	if err := b.CreateTopic("email", TopicConfig{MaxSize: 10}); err != nil {
		t.Fatalf("create topic: %v", err)
	}

	// A queued message with no consumers degrades the whole broker.
	if _, err := b.Publish(context.Background(), "email", []byte("x")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	hs := b.HealthStatus()
	if hs.Status != HealthDegraded {
		t.Fatalf("expected degraded, got %q", hs.Status)
	}
	th, ok := hs.Topics["email"]
	if !ok {
		t.Fatalf("email topic missing from health report")
	}
	if th.Status != HealthNoConsumers {
		t.Fatalf("expected no_consumers, got %q", th.Status)
	}
	if hs.TotalQueues != 1 || hs.TotalMessages != 1 || hs.TotalConsumers != 0 {
		t.Fatalf("unexpected totals: %+v", hs)
	}

	// Draining the queue with a consumer restores the roll-up.
	if _, err := b.Subscribe("email", "workers", func(context.Context, *Message) error { return nil }, SubscribeOptions{}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	waitFor(t, 2*time.Second, "healthy roll-up", func() bool {
		return b.HealthStatus().Status == HealthHealthy
	})

	if s := b.HealthStatus().String(); !strings.Contains(s, "healthy") {
		t.Fatalf("unexpected String(): %q", s)
	}
}

func TestThroughputReflectsRecentConsumption(t *testing.T) {
	b := newTestBroker(t, Options{ThroughputWindow: 10 * time.Second})
	if err := b.CreateTopic("email", TopicConfig{}); err != nil {
		t.Fatalf("create topic: %v", err)
	}
	if _, err := b.Subscribe("email", "workers", func(context.Context, *Message) error { return nil }, SubscribeOptions{BatchSize: 10}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	for i := 0; i < 5; i++ {
		if _, err := b.Publish(context.Background(), "email", []byte("m")); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	waitFor(t, 2*time.Second, "5 consumed", func() bool {
		m, _ := b.Metrics("email")
		return m.Consumed == 5
	})

	m, _ := b.Metrics("email")
	want := 5.0 / 10.0
	if m.ThroughputPerSec != want {
		t.Fatalf("throughput: got %v, want %v", m.ThroughputPerSec, want)
	}
	if m.ErrorRate != 0 {
		t.Fatalf("unexpected error rate: %v", m.ErrorRate)
	}
}

func TestErrorRateFromDeadLetters(t *testing.T) {
	b := newTestBroker(t, Options{})
	if err := b.CreateTopic("email", TopicConfig{}); err != nil {
		t.Fatalf("create topic: %v", err)
	}
	if _, err := b.Subscribe("email", "workers", func(_ context.Context, m *Message) error {
		if string(m.Payload) == "bad" {
			return NoRetry(errBad)
		}
		return nil
	}, SubscribeOptions{}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	for _, p := range []string{"ok", "ok", "ok", "bad"} {
		if _, err := b.Publish(context.Background(), "email", []byte(p)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	waitFor(t, 2*time.Second, "all settled", func() bool {
		m, _ := b.Metrics("email")
		return m.InQueue == 0 && m.Produced == 4
	})

	m, _ := b.Metrics("email")
	if m.ErrorRate != 0.25 {
		t.Fatalf("error rate: got %v, want 0.25", m.ErrorRate)
	}

	all := b.AllMetrics()
	if len(all) != 1 || all["email"].Produced != 4 {
		t.Fatalf("AllMetrics mismatch: %+v", all)
	}
}

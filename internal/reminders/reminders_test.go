package reminders

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"topiq/internal/broker"
	logx "topiq/pkg/logx"
)

type stubPublisher struct {
	mu     sync.Mutex
	topics []string
	bodies []string
	err    error
}

func (s *stubPublisher) Publish(_ context.Context, topic string, payload []byte, opts ...broker.PublishOption) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.topics = append(s.topics, topic)
	s.bodies = append(s.bodies, string(payload))
	return "msg-1", nil
}

func TestRegisterValidatesSpecs(t *testing.T) {
	s := New(logx.Nop(), &stubPublisher{})

	good := []Job{
		{Name: "five-field", Topic: "email", Spec: "0 9 * * *"},
		{Name: "six-field", Topic: "email", Spec: "0 0 9 * * *"},
		{Name: "interval", Topic: "email", Spec: "@every 10m"},
	}
	if err := s.Register(good); err != nil {
		t.Fatalf("valid specs rejected: %v", err)
	}

	if err := s.Register([]Job{{Name: "bad", Topic: "email", Spec: "not a cron"}}); err == nil {
		t.Fatalf("expected spec error")
	}
	if err := s.Register([]Job{{Name: "no-topic", Spec: "@every 1m"}}); err == nil {
		t.Fatalf("expected missing-topic error")
	}
}

func TestFirePublishesWithCorrelation(t *testing.T) {
	pub := &stubPublisher{}
	s := New(logx.Nop(), pub)

	s.fire(Job{Name: "digest", Topic: "email", Payload: `{"kind":"digest"}`})

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.topics) != 1 || pub.topics[0] != "email" {
		t.Fatalf("unexpected publishes: %v", pub.topics)
	}
	if pub.bodies[0] != `{"kind":"digest"}` {
		t.Fatalf("unexpected payload: %q", pub.bodies[0])
	}
}

func TestFireToleratesPublishFailure(t *testing.T) {
	pub := &stubPublisher{err: errors.New("queue full")}
	s := New(logx.Nop(), pub)
	// Must not panic or retry; the next tick is the retry.
	s.fire(Job{Name: "digest", Topic: "email"})
}

func TestStartStopLifecycle(t *testing.T) {
	pub := &stubPublisher{}
	s := New(logx.Nop(), pub)
	if err := s.Register([]Job{{Name: "hourly", Topic: "email", Spec: "@every 1h"}}); err != nil {
		t.Fatalf("register: %v", err)
	}

	s.Start()
	s.Start() // idempotent

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
	s.Stop(ctx) // stopped twice is a no-op
}

// Package broker implements topiq's in-process publish/subscribe broker.
//
// A Broker owns a set of named topics, each with one scheduling discipline
// (FIFO, priority, or partitioned round-robin), a bounded live queue, and a
// bounded dead-letter store. Publishing is synchronous and fails fast on
// backpressure; consumption runs on per-subscription delivery loops with
// bounded retry and dead-lettering on repeated handler failure.
//
// The broker is constructed explicitly and passed to collaborators; there
// is no package-level shared instance.
package broker

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"topiq/internal/eventbus"
	sup "topiq/internal/runtime/supervisor"
	logx "topiq/pkg/logx"
)

// Options carries broker-wide defaults. Zero values fall back to the
// documented defaults in withDefaults.
type Options struct {
	// BaseRetryDelay scales the linear backoff before a failed message
	// re-enters its queue (delay = BaseRetryDelay x attempt count).
	BaseRetryDelay time.Duration
	// IdleBackoff bounds delivery latency when the wake-up signal is
	// missed: an idle delivery loop re-polls at this interval.
	IdleBackoff time.Duration
	// DefaultMaxAttempts is the delivery attempt budget for messages
	// published without WithMaxAttempts.
	DefaultMaxAttempts int
	// DeadLetterCapacity is the default per-topic dead-letter bound.
	DeadLetterCapacity int
	// MetricsInterval is the period of the background recompute loop that
	// prunes throughput windows.
	MetricsInterval time.Duration
	// ThroughputWindow is the rolling window for the consumed-per-second
	// rate.
	ThroughputWindow time.Duration
	// ShutdownGrace bounds how long Shutdown waits for in-flight handlers.
	ShutdownGrace time.Duration

	Health HealthThresholds
}

func (o Options) withDefaults() Options {
	if o.BaseRetryDelay <= 0 {
		o.BaseRetryDelay = 500 * time.Millisecond
	}
	if o.IdleBackoff <= 0 {
		o.IdleBackoff = 100 * time.Millisecond
	}
	if o.DefaultMaxAttempts <= 0 {
		o.DefaultMaxAttempts = 3
	}
	if o.DeadLetterCapacity <= 0 {
		o.DeadLetterCapacity = 100
	}
	if o.MetricsInterval <= 0 {
		o.MetricsInterval = 5 * time.Second
	}
	if o.ThroughputWindow <= 0 {
		o.ThroughputWindow = 60 * time.Second
	}
	if o.ShutdownGrace <= 0 {
		o.ShutdownGrace = 5 * time.Second
	}
	o.Health = o.Health.withDefaults()
	return o
}

// MessageEvent is the eventbus payload for message lifecycle events.
type MessageEvent struct {
	ID            string `json:"id"`
	Topic         string `json:"topic"`
	CorrelationID string `json:"correlation_id,omitempty"`
	Attempts      int    `json:"attempts,omitempty"`
	Error         string `json:"error,omitempty"`
}

// ConsumerEvent is the eventbus payload for subscription lifecycle events.
type ConsumerEvent struct {
	ID    string `json:"id"`
	Topic string `json:"topic"`
	Group string `json:"group"`
}

// DeadLetterSink receives dead letters as they are produced, e.g. for
// archiving. Calls happen off the hot path but sequentially per topic;
// implementations should return quickly.
type DeadLetterSink interface {
	ArchiveDeadLetter(ctx context.Context, dl DeadLetter) error
}

type Broker struct {
	opts Options
	log  logx.Logger
	bus  eventbus.Bus
	sink DeadLetterSink

	mu     sync.RWMutex
	topics map[string]*topic
	subs   map[string]map[string]*subscription // topic -> consumer id -> sub

	lcMu     sync.Mutex
	sup      *sup.Supervisor
	stopCh   chan struct{}
	started  bool
	shutdown bool
}

// New creates a broker. bus may be nil (no lifecycle events). Call Start
// before subscribing; Publish and CreateTopic work immediately.
func New(opts Options, log logx.Logger, bus eventbus.Bus) *Broker {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Broker{
		opts:   opts.withDefaults(),
		log:    log,
		bus:    bus,
		topics: map[string]*topic{},
		subs:   map[string]map[string]*subscription{},
		stopCh: make(chan struct{}),
	}
}

// SetDeadLetterSink installs an optional archive for dead letters. Must be
// called before Start.
func (b *Broker) SetDeadLetterSink(s DeadLetterSink) { b.sink = s }

// Start launches the supervisor and the metrics recompute loop.
// It is idempotent; starting an already-started broker is a no-op.
func (b *Broker) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	b.lcMu.Lock()
	defer b.lcMu.Unlock()
	if b.shutdown {
		return ErrShutdown
	}
	if b.started {
		return nil
	}
	b.sup = sup.New(ctx, sup.WithLogger(b.log.With(logx.String("comp", "broker"))))
	b.started = true
	b.sup.Go("metrics", b.metricsLoop)
	b.log.Info("broker started",
		logx.Duration("base_retry_delay", b.opts.BaseRetryDelay),
		logx.Int("default_max_attempts", b.opts.DefaultMaxAttempts))
	return nil
}

// CreateTopic registers a topic. It is idempotent-if-present: creating an
// existing topic logs and no-ops, so startup code can declare default
// topics without guarding against double creation.
func (b *Broker) CreateTopic(name string, cfg TopicConfig) error {
	if name == "" {
		return fmt.Errorf("topic name is required")
	}
	cfg = cfg.withDefaults(b.opts)

	b.mu.Lock()
	if _, ok := b.topics[name]; ok {
		b.mu.Unlock()
		b.log.Debug("topic already exists", logx.String("topic", name))
		return nil
	}
	b.topics[name] = newTopic(name, cfg)
	b.subs[name] = map[string]*subscription{}
	b.mu.Unlock()

	b.log.Info("topic created",
		logx.String("topic", name),
		logx.String("discipline", string(cfg.Discipline)),
		logx.Int("partitions", cfg.Partitions),
		logx.Int("max_size", cfg.MaxSize))
	return nil
}

// TopicExists reports whether name is registered.
func (b *Broker) TopicExists(name string) bool {
	b.mu.RLock()
	_, ok := b.topics[name]
	b.mu.RUnlock()
	return ok
}

// Topics returns the registered topic names (unordered).
func (b *Broker) Topics() []string {
	b.mu.RLock()
	out := make([]string, 0, len(b.topics))
	for name := range b.topics {
		out = append(out, name)
	}
	b.mu.RUnlock()
	return out
}

func (b *Broker) topic(name string) (*topic, error) {
	b.mu.RLock()
	t, ok := b.topics[name]
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrTopicNotFound, name)
	}
	return t, nil
}

// Publish stamps payload into an envelope, routes it into the topic's
// queue, and wakes subscribers. It returns the generated message id.
//
// Publish never blocks: at capacity it fails with ErrQueueFull, over the
// topic's publish rate with ErrRateLimited. Both are backpressure signals
// the caller must handle.
func (b *Broker) Publish(ctx context.Context, topicName string, payload []byte, opts ...PublishOption) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	b.lcMu.Lock()
	closed := b.shutdown
	b.lcMu.Unlock()
	if closed {
		return "", ErrShutdown
	}

	t, err := b.topic(topicName)
	if err != nil {
		return "", err
	}

	po := publishOptions{partition: -1, maxAttempts: b.opts.DefaultMaxAttempts}
	for _, o := range opts {
		o(&po)
	}

	if t.limiter != nil && !t.limiter.Allow() {
		return "", fmt.Errorf("%w: topic %q", ErrRateLimited, topicName)
	}

	now := time.Now()
	m := &Message{
		ID:            newMessageID(),
		Topic:         topicName,
		Payload:       payload,
		Priority:      po.priority,
		MaxAttempts:   po.maxAttempts,
		CorrelationID: po.correlationID,
		Headers:       po.headers,
		CreatedAt:     now,
	}
	m.Partition = t.assignPartition(m, po.partition)

	t.mu.Lock()
	if t.inQueue >= t.cfg.MaxSize {
		t.mu.Unlock()
		return "", fmt.Errorf("%w: topic %q at capacity %d", ErrQueueFull, topicName, t.cfg.MaxSize)
	}
	t.insertLocked(m)
	t.inQueue++
	t.produced++
	t.lastActivity = now
	t.mu.Unlock()

	t.signal()
	b.emit(eventbus.TypeMessagePublished, MessageEvent{ID: m.ID, Topic: topicName, CorrelationID: m.CorrelationID})
	b.log.Debug("message published",
		logx.String("topic", topicName),
		logx.String("id", m.ID),
		logx.Int("priority", m.Priority),
		logx.Int("partition", m.Partition))
	return m.ID, nil
}

// assignPartition picks the target partition: an explicit caller choice
// wins (modulo the partition count); otherwise a deterministic content
// hash spreads messages while keeping equal content on one partition.
func (t *topic) assignPartition(m *Message, explicit int) int {
	if t.cfg.Partitions <= 1 {
		return 0
	}
	if explicit >= 0 {
		return explicit % t.cfg.Partitions
	}
	h := fnv.New32a()
	_, _ = h.Write(m.Payload)
	_, _ = h.Write([]byte(m.CorrelationID))
	return int(h.Sum32() % uint32(t.cfg.Partitions))
}

func (b *Broker) emit(typ string, data any) {
	if b.bus == nil {
		return
	}
	b.bus.Publish(eventbus.Event{Type: typ, Data: data})
}

// Shutdown deactivates every subscription, waits up to ShutdownGrace (or
// ctx's deadline, whichever ends first) for in-flight handlers, cancels
// pending retries, and clears all topic state. Further operations fail
// with ErrShutdown.
func (b *Broker) Shutdown(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	b.lcMu.Lock()
	if b.shutdown {
		b.lcMu.Unlock()
		return
	}
	b.shutdown = true
	started := b.started
	supv := b.sup
	// Delivery loops and the metrics loop park on stopCh; closing it lets
	// them finish their current batch and exit within the grace period.
	close(b.stopCh)
	b.lcMu.Unlock()

	// Stop future pulls first so delivery loops wind down after their
	// current batch.
	b.mu.Lock()
	for _, subs := range b.subs {
		for _, s := range subs {
			s.deactivate()
		}
	}
	topics := make([]*topic, 0, len(b.topics))
	for _, t := range b.topics {
		topics = append(topics, t)
	}
	b.mu.Unlock()
	for _, t := range topics {
		t.signal()
	}

	if started && supv != nil {
		grace, cancel := context.WithTimeout(ctx, b.opts.ShutdownGrace)
		if err := supv.Wait(grace); errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			b.log.Warn("shutdown grace elapsed with handlers in flight")
		}
		cancel()
		// Hard-cancel whatever is left and collect the goroutines.
		supv.Cancel()
		_ = supv.Wait(context.Background())
	}

	b.mu.Lock()
	for _, t := range b.topics {
		t.mu.Lock()
		t.stopRetryTimersLocked()
		t.queues = make([][]*Message, t.cfg.Partitions)
		t.dead = nil
		t.inQueue = 0
		t.mu.Unlock()
	}
	b.topics = map[string]*topic{}
	b.subs = map[string]map[string]*subscription{}
	b.mu.Unlock()

	b.log.Info("broker shut down")
}

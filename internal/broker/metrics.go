package broker

import (
	"context"
	"fmt"
	"time"

	logx "topiq/pkg/logx"
)

// Topic health verdicts, in precedence order.
const (
	HealthNoConsumers   = "no_consumers"
	HealthHighErrorRate = "high_error_rate"
	HealthQueueFull     = "queue_full"
	HealthInactive      = "inactive"
	HealthHealthy       = "healthy"
	HealthDegraded      = "degraded"
)

// HealthThresholds tune the per-topic health verdict.
type HealthThresholds struct {
	// ErrorRate flags a topic whose dead-lettered/produced ratio exceeds
	// this fraction. Default 0.10.
	ErrorRate float64
	// QueueFullRatio flags a topic whose depth exceeds this fraction of
	// capacity. Default 0.80.
	QueueFullRatio float64
	// InactiveAfter flags a topic with no activity for this long.
	// Default 5m.
	InactiveAfter time.Duration
}

func (h HealthThresholds) withDefaults() HealthThresholds {
	if h.ErrorRate <= 0 {
		h.ErrorRate = 0.10
	}
	if h.QueueFullRatio <= 0 {
		h.QueueFullRatio = 0.80
	}
	if h.InactiveAfter <= 0 {
		h.InactiveAfter = 5 * time.Minute
	}
	return h
}

// TopicMetrics is a derived, point-in-time snapshot of one topic's
// counters. Throughput is the consumed rate over the broker's rolling
// window, not a lifetime average.
type TopicMetrics struct {
	Topic            string     `json:"topic"`
	Discipline       Discipline `json:"discipline"`
	Partitions       int        `json:"partitions"`
	MaxSize          int        `json:"max_size"`
	Produced         uint64     `json:"produced"`
	Consumed         uint64     `json:"consumed"`
	InQueue          int        `json:"in_queue"`
	DeadLettered     uint64     `json:"dead_lettered"`
	ErrorRate        float64    `json:"error_rate"`
	ThroughputPerSec float64    `json:"throughput_per_sec"`
	Consumers        int        `json:"consumers"`
	LastActivity     time.Time  `json:"last_activity"`
}

// TopicHealth is the health verdict for one topic plus the numbers it was
// derived from.
type TopicHealth struct {
	Status    string  `json:"status"`
	InQueue   int     `json:"in_queue"`
	Consumers int     `json:"consumers"`
	ErrorRate float64 `json:"error_rate"`
}

// HealthStatus is the broker-wide roll-up served to health endpoints.
type HealthStatus struct {
	Status           string                 `json:"status"`
	Topics           map[string]TopicHealth `json:"topics"`
	TotalQueues      int                    `json:"total_queues"`
	TotalConsumers   int                    `json:"total_consumers"`
	TotalMessages    int                    `json:"total_messages"`
	TotalDeadLetters int                    `json:"total_dead_letters"`
}

// Metrics returns the live counters for one topic.
func (b *Broker) Metrics(topicName string) (TopicMetrics, error) {
	t, err := b.topic(topicName)
	if err != nil {
		return TopicMetrics{}, err
	}
	return b.snapshotTopic(t, time.Now()), nil
}

// AllMetrics returns a snapshot for every registered topic.
func (b *Broker) AllMetrics() map[string]TopicMetrics {
	b.mu.RLock()
	topics := make([]*topic, 0, len(b.topics))
	for _, t := range b.topics {
		topics = append(topics, t)
	}
	b.mu.RUnlock()

	now := time.Now()
	out := make(map[string]TopicMetrics, len(topics))
	for _, t := range topics {
		out[t.name] = b.snapshotTopic(t, now)
	}
	return out
}

func (b *Broker) snapshotTopic(t *topic, now time.Time) TopicMetrics {
	consumers := b.consumerCount(t.name)

	t.mu.Lock()
	t.pruneWindowLocked(now, b.opts.ThroughputWindow)
	m := TopicMetrics{
		Topic:        t.name,
		Discipline:   t.cfg.Discipline,
		Partitions:   t.cfg.Partitions,
		MaxSize:      t.cfg.MaxSize,
		Produced:     t.produced,
		Consumed:     t.consumed,
		InQueue:      t.inQueue,
		DeadLettered: t.deadLettered,
		Consumers:    consumers,
		LastActivity: t.lastActivity,
	}
	window := len(t.consumedAt)
	t.mu.Unlock()

	if m.Produced > 0 {
		m.ErrorRate = float64(m.DeadLettered) / float64(m.Produced)
	}
	m.ThroughputPerSec = float64(window) / b.opts.ThroughputWindow.Seconds()
	return m
}

// HealthStatus derives a verdict per topic and an overall roll-up:
// degraded if any topic is unhealthy, healthy otherwise.
func (b *Broker) HealthStatus() HealthStatus {
	now := time.Now()
	all := b.AllMetrics()

	hs := HealthStatus{
		Status: HealthHealthy,
		Topics: make(map[string]TopicHealth, len(all)),
	}
	for name, m := range all {
		th := TopicHealth{
			Status:    b.topicVerdict(m, now),
			InQueue:   m.InQueue,
			Consumers: m.Consumers,
			ErrorRate: m.ErrorRate,
		}
		hs.Topics[name] = th
		hs.TotalQueues++
		hs.TotalConsumers += m.Consumers
		hs.TotalMessages += m.InQueue
		if th.Status != HealthHealthy {
			hs.Status = HealthDegraded
		}
	}

	b.mu.RLock()
	for _, t := range b.topics {
		t.mu.Lock()
		hs.TotalDeadLetters += len(t.dead)
		t.mu.Unlock()
	}
	b.mu.RUnlock()
	return hs
}

func (b *Broker) topicVerdict(m TopicMetrics, now time.Time) string {
	h := b.opts.Health
	switch {
	case m.InQueue > 0 && m.Consumers == 0:
		return HealthNoConsumers
	case m.ErrorRate > h.ErrorRate:
		return HealthHighErrorRate
	case float64(m.InQueue) > float64(m.MaxSize)*h.QueueFullRatio:
		return HealthQueueFull
	case now.Sub(m.LastActivity) > h.InactiveAfter:
		return HealthInactive
	default:
		return HealthHealthy
	}
}

// metricsLoop periodically prunes throughput windows and logs a compact
// activity line, so on-demand snapshots reflect recent activity instead of
// lifetime counters.
func (b *Broker) metricsLoop(ctx context.Context) error {
	tick := time.NewTicker(b.opts.MetricsInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.stopCh:
			return nil
		case <-tick.C:
		}

		now := time.Now()
		b.mu.RLock()
		topics := make([]*topic, 0, len(b.topics))
		for _, t := range b.topics {
			topics = append(topics, t)
		}
		b.mu.RUnlock()

		for _, t := range topics {
			t.mu.Lock()
			t.pruneWindowLocked(now, b.opts.ThroughputWindow)
			queued := t.queuedLocked()
			t.mu.Unlock()
			if queued > 0 && b.log.Enabled(logx.LevelTrace) {
				b.log.Trace("topic activity", logx.String("topic", t.name), logx.Int("queued", queued))
			}
		}
	}
}

// String implements fmt.Stringer for quick operator output.
func (h HealthStatus) String() string {
	return fmt.Sprintf("%s (topics=%d consumers=%d messages=%d dead=%d)",
		h.Status, h.TotalQueues, h.TotalConsumers, h.TotalMessages, h.TotalDeadLetters)
}

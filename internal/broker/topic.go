package broker

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Discipline is the scheduling/ordering rule for a topic's queue.
type Discipline string

const (
	// DisciplineFIFO delivers in publish order.
	DisciplineFIFO Discipline = "fifo"
	// DisciplinePriority delivers highest priority first, ties broken by
	// arrival order.
	DisciplinePriority Discipline = "priority"
	// DisciplineRoundRobin keeps one FIFO per partition and drains the
	// partitions in rotation. Ordering holds per partition, not globally.
	DisciplineRoundRobin Discipline = "rr"
)

// TopicConfig configures one topic at creation time.
type TopicConfig struct {
	Discipline Discipline
	// Partitions is meaningful for DisciplineRoundRobin only; min 1.
	Partitions int
	// MaxSize bounds the number of outstanding (queued or in retry)
	// messages; publishes beyond it fail with ErrQueueFull.
	MaxSize int
	// DeadLetterCapacity bounds the topic's dead-letter store.
	// 0 falls back to the broker default.
	DeadLetterCapacity int
	// RatePerSec caps accepted publishes per second. 0 means unlimited.
	RatePerSec int
}

func (c TopicConfig) withDefaults(opts Options) TopicConfig {
	if c.Discipline == "" {
		c.Discipline = DisciplineFIFO
	}
	if c.Discipline != DisciplineRoundRobin || c.Partitions < 1 {
		c.Partitions = 1
	}
	if c.MaxSize <= 0 {
		c.MaxSize = 1000
	}
	if c.DeadLetterCapacity <= 0 {
		c.DeadLetterCapacity = opts.DeadLetterCapacity
	}
	return c
}

// ParseDiscipline maps config strings to a Discipline. Unknown values fall
// back to FIFO.
func ParseDiscipline(s string) Discipline {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "priority":
		return DisciplinePriority
	case "rr", "round_robin", "round-robin", "partitioned":
		return DisciplineRoundRobin
	default:
		return DisciplineFIFO
	}
}

// topic owns all mutable per-topic state. Every field below mu is guarded
// by it; pull is a single locked removal, which is what guarantees a
// message is delivered to at most one racing consumer.
type topic struct {
	name string
	cfg  TopicConfig

	limiter *rate.Limiter

	// notify is the level-triggered wake-up for delivery loops: buffered(1),
	// non-blocking send. Racing consumers may all wake and compete to drain;
	// missed signals are absorbed by the idle-backoff poll.
	notify chan struct{}

	mu     sync.Mutex
	queues [][]*Message
	cursor int // round-robin drain position

	dead []DeadLetter

	retryTimers map[*time.Timer]struct{}

	// Counters (guarded by mu). inQueue counts outstanding messages:
	// queued, in delivery, or waiting out a retry delay. It is what the
	// capacity check reads.
	produced     uint64
	consumed     uint64
	deadLettered uint64
	inQueue      int
	lastActivity time.Time

	// consumedAt holds recent consumption timestamps for the sliding-window
	// throughput rate. Pruned by the metrics loop and on read.
	consumedAt []time.Time
}

func newTopic(name string, cfg TopicConfig) *topic {
	t := &topic{
		name:         name,
		cfg:          cfg,
		notify:       make(chan struct{}, 1),
		queues:       make([][]*Message, cfg.Partitions),
		retryTimers:  map[*time.Timer]struct{}{},
		lastActivity: time.Now(),
	}
	if cfg.RatePerSec > 0 {
		t.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	return t
}

// signal wakes at most one parked delivery loop without blocking.
func (t *topic) signal() {
	select {
	case t.notify <- struct{}{}:
	default:
	}
}

// insertLocked places m according to the topic's discipline.
func (t *topic) insertLocked(m *Message) {
	switch t.cfg.Discipline {
	case DisciplinePriority:
		q := t.queues[0]
		// Stable placement: after every message of greater-or-equal
		// priority, so retries and equal-priority publishes keep arrival
		// order.
		idx := len(q)
		for i, cur := range q {
			if cur.Priority < m.Priority {
				idx = i
				break
			}
		}
		q = append(q, nil)
		copy(q[idx+1:], q[idx:])
		q[idx] = m
		t.queues[0] = q
	case DisciplineRoundRobin:
		p := m.Partition
		if p < 0 || p >= len(t.queues) {
			p = 0
		}
		t.queues[p] = append(t.queues[p], m)
	default:
		t.queues[0] = append(t.queues[0], m)
	}
}

// pull removes up to max messages per the discipline's removal rule.
func (t *topic) pull(max int) []*Message {
	if max <= 0 {
		max = 1
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cfg.Discipline != DisciplineRoundRobin {
		q := t.queues[0]
		if len(q) == 0 {
			return nil
		}
		n := max
		if n > len(q) {
			n = len(q)
		}
		out := make([]*Message, n)
		copy(out, q[:n])
		t.queues[0] = q[n:]
		return out
	}

	// Round-robin: take one message per partition visit, skipping empty
	// partitions, until max messages or everything is drained.
	var out []*Message
	parts := len(t.queues)
	for len(out) < max {
		took := false
		for scanned := 0; scanned < parts; scanned++ {
			p := t.cursor
			t.cursor = (t.cursor + 1) % parts
			if len(t.queues[p]) > 0 {
				out = append(out, t.queues[p][0])
				t.queues[p] = t.queues[p][1:]
				took = true
				break
			}
		}
		if !took {
			break
		}
	}
	return out
}

// queuedLocked reports the number of messages sitting in the live queue(s).
func (t *topic) queuedLocked() int {
	n := 0
	for _, q := range t.queues {
		n += len(q)
	}
	return n
}

func (t *topic) markConsumed(now time.Time) {
	t.mu.Lock()
	t.consumed++
	if t.inQueue > 0 {
		t.inQueue--
	}
	t.lastActivity = now
	t.consumedAt = append(t.consumedAt, now)
	t.mu.Unlock()
}

// pruneWindowLocked drops throughput samples older than window.
func (t *topic) pruneWindowLocked(now time.Time, window time.Duration) {
	cut := now.Add(-window)
	i := 0
	for i < len(t.consumedAt) && t.consumedAt[i].Before(cut) {
		i++
	}
	if i > 0 {
		t.consumedAt = append(t.consumedAt[:0], t.consumedAt[i:]...)
	}
}

// stopRetryTimersLocked cancels every pending re-insertion.
func (t *topic) stopRetryTimersLocked() {
	for tm := range t.retryTimers {
		tm.Stop()
	}
	t.retryTimers = map[*time.Timer]struct{}{}
}

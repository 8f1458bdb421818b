package broker

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Message is the envelope carried through a topic's queue.
//
// The broker never inspects Payload; it only reads the scheduling metadata
// stamped at publish time. Attempts and LastError are updated by the retry
// coordinator while the message is between deliveries, never concurrently
// with a handler invocation.
type Message struct {
	ID            string
	Topic         string
	Payload       []byte
	Priority      int
	Partition     int
	Attempts      int
	MaxAttempts   int
	CorrelationID string
	Headers       map[string]string
	CreatedAt     time.Time
	LastError     string

	acked atomic.Bool
}

// Ack acknowledges the message. Only meaningful for manual-ack
// subscriptions; auto-ack subscriptions acknowledge on a nil handler return.
func (m *Message) Ack() { m.acked.Store(true) }

// Handler processes one delivered message. A nil return acknowledges the
// message (auto-ack mode); an error return hands it to the retry
// coordinator. ctx carries the per-message timeout and is canceled at
// broker shutdown, so long-running handlers should watch it.
type Handler func(ctx context.Context, msg *Message) error

type publishOptions struct {
	priority      int
	partition     int // -1 selects content-hash assignment
	maxAttempts   int
	correlationID string
	headers       map[string]string
}

// PublishOption customizes one published message.
type PublishOption func(*publishOptions)

// WithPriority sets the scheduling priority (higher delivers sooner on
// PRIORITY topics; ignored by the other disciplines).
func WithPriority(p int) PublishOption {
	return func(o *publishOptions) { o.priority = p }
}

// WithPartition pins the message to a partition (modulo the topic's
// partition count). Callers that need per-entity ordering on a round-robin
// topic route all of an entity's messages to the same partition.
func WithPartition(p int) PublishOption {
	return func(o *publishOptions) {
		if p >= 0 {
			o.partition = p
		}
	}
}

// WithMaxAttempts overrides the broker default delivery attempt budget.
func WithMaxAttempts(n int) PublishOption {
	return func(o *publishOptions) {
		if n > 0 {
			o.maxAttempts = n
		}
	}
}

// WithCorrelationID attaches a caller-supplied tracing id.
func WithCorrelationID(id string) PublishOption {
	return func(o *publishOptions) { o.correlationID = id }
}

// WithHeader attaches one header to the envelope.
func WithHeader(k, v string) PublishOption {
	return func(o *publishOptions) {
		if o.headers == nil {
			o.headers = map[string]string{}
		}
		o.headers[k] = v
	}
}

func newMessageID() string { return uuid.NewString() }

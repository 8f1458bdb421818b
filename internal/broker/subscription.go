package broker

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"topiq/internal/eventbus"
	logx "topiq/pkg/logx"
)

// SubscribeOptions tune a single subscription's delivery loop.
type SubscribeOptions struct {
	// BatchSize is the maximum number of messages pulled per iteration.
	// Default 1.
	BatchSize int
	// Timeout is the per-message handler budget; a handler that neither
	// returns nor fails within it counts as ErrHandlerTimeout. Default 30s.
	Timeout time.Duration
	// ManualAck inverts the default auto-ack mode: the handler must call
	// Message.Ack, and a nil return without it is treated as a failure.
	ManualAck bool
}

func (o SubscribeOptions) withDefaults() SubscribeOptions {
	if o.BatchSize <= 0 {
		o.BatchSize = 1
	}
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	return o
}

// subscription is one registered consumer. The group label is
// informational: every active subscription on a topic competes
// independently for messages, so two members of the same group may each
// receive (different) messages.
type subscription struct {
	id      string
	topic   string
	group   string
	handler Handler
	opts    SubscribeOptions

	active       atomic.Bool
	lastActivity atomic.Int64 // unix nanos
}

func (s *subscription) deactivate() { s.active.Store(false) }

func (s *subscription) touch(now time.Time) { s.lastActivity.Store(now.UnixNano()) }

// Subscribe registers handler on a topic and starts its delivery loop.
// It returns the generated consumer id used by Unsubscribe.
func (b *Broker) Subscribe(topicName, group string, handler Handler, opts SubscribeOptions) (string, error) {
	if handler == nil {
		return "", fmt.Errorf("handler is required")
	}
	b.lcMu.Lock()
	started, closed := b.started, b.shutdown
	supv := b.sup
	b.lcMu.Unlock()
	if closed {
		return "", ErrShutdown
	}
	if !started {
		return "", ErrNotStarted
	}

	t, err := b.topic(topicName)
	if err != nil {
		return "", err
	}

	s := &subscription{
		id:      uuid.NewString(),
		topic:   topicName,
		group:   group,
		handler: handler,
		opts:    opts.withDefaults(),
	}
	s.active.Store(true)
	s.touch(time.Now())

	b.mu.Lock()
	b.subs[topicName][s.id] = s
	b.mu.Unlock()

	supv.GoRestart("deliver."+topicName+"."+s.id[:8], func(ctx context.Context) error {
		return b.deliveryLoop(ctx, s, t)
	})

	b.emit(eventbus.TypeConsumerSubscribed, ConsumerEvent{ID: s.id, Topic: topicName, Group: group})
	b.log.Info("consumer subscribed",
		logx.String("topic", topicName),
		logx.String("consumer", s.id),
		logx.String("group", group),
		logx.Int("batch", s.opts.BatchSize),
		logx.Duration("timeout", s.opts.Timeout))
	return s.id, nil
}

// Unsubscribe deactivates a consumer. The delivery loop stops pulling new
// messages; an in-flight handler invocation is not interrupted and
// completes normally.
func (b *Broker) Unsubscribe(topicName, consumerID string) error {
	b.mu.Lock()
	subs, ok := b.subs[topicName]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrTopicNotFound, topicName)
	}
	s, ok := subs[consumerID]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("%w: %q on topic %q", ErrConsumerUnknown, consumerID, topicName)
	}
	s.deactivate()
	delete(subs, consumerID)
	t := b.topics[topicName]
	b.mu.Unlock()

	// Wake the parked loop so it notices deactivation promptly.
	if t != nil {
		t.signal()
	}

	b.emit(eventbus.TypeConsumerGone, ConsumerEvent{ID: s.id, Topic: topicName, Group: s.group})
	b.log.Info("consumer unsubscribed", logx.String("topic", topicName), logx.String("consumer", consumerID))
	return nil
}

// deliveryLoop runs until the subscription deactivates or the broker stops.
// Each iteration pulls up to BatchSize messages (an atomic removal under
// the topic lock, so racing consumers never see the same message) and
// invokes the handler once per message with the per-message timeout.
func (b *Broker) deliveryLoop(ctx context.Context, s *subscription, t *topic) error {
	idle := time.NewTimer(b.opts.IdleBackoff)
	if !idle.Stop() {
		<-idle.C
	}

	for {
		if !s.active.Load() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.stopCh:
			return nil
		default:
		}

		msgs := t.pull(s.opts.BatchSize)
		if len(msgs) == 0 {
			idle.Reset(b.opts.IdleBackoff)
			select {
			case <-ctx.Done():
				if !idle.Stop() {
					<-idle.C
				}
				return ctx.Err()
			case <-b.stopCh:
				if !idle.Stop() {
					<-idle.C
				}
				return nil
			case <-t.notify:
				if !idle.Stop() {
					<-idle.C
				}
			case <-idle.C:
			}
			continue
		}

		// More work may remain; pass the wake-up on so sibling consumers
		// also drain.
		t.signal()

		for _, m := range msgs {
			b.handleOne(ctx, s, t, m)
		}
	}
}

// handleOne races the handler against the subscription's per-message
// timeout. The handler runs in its own goroutine so a stuck handler cannot
// freeze the delivery loop; on timeout the loop moves on and the straggler
// goroutine is abandoned to finish against its canceled context.
func (b *Broker) handleOne(ctx context.Context, s *subscription, t *topic, m *Message) {
	hctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("handler panic: %v", r)
			}
		}()
		done <- s.handler(hctx, m)
	}()

	var err error
	select {
	case err = <-done:
	case <-hctx.Done():
		err = fmt.Errorf("%w after %s", ErrHandlerTimeout, s.opts.Timeout)
	}
	now := time.Now()
	s.touch(now)

	if err == nil && s.opts.ManualAck && !m.acked.Load() {
		err = ErrUnacknowledged
	}

	if err != nil {
		b.retryOrDeadLetter(t, m, err)
		return
	}

	t.markConsumed(now)
	b.emit(eventbus.TypeMessageConsumed, MessageEvent{ID: m.ID, Topic: t.name, CorrelationID: m.CorrelationID, Attempts: m.Attempts + 1})
	b.log.Debug("message consumed",
		logx.String("topic", t.name),
		logx.String("id", m.ID),
		logx.String("consumer", s.id),
		logx.Duration("age", now.Sub(m.CreatedAt)))
}

// consumerCount returns the number of active subscriptions on a topic.
func (b *Broker) consumerCount(topicName string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, s := range b.subs[topicName] {
		if s.active.Load() {
			n++
		}
	}
	return n
}

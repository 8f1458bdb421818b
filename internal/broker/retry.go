package broker

import (
	"context"
	"time"

	"topiq/internal/eventbus"
	logx "topiq/pkg/logx"
)

// retryOrDeadLetter is the single failure path for delivered messages.
//
// The attempt counter increments exactly once per failure. While attempts
// remain the message is re-inserted after a linear backoff
// (BaseRetryDelay x attempts) at the back of its discipline's ordering;
// retries are not prioritized. Once the budget is spent (or the error is
// marked NoRetry) the message moves to the bounded dead-letter store and
// is never delivered again.
func (b *Broker) retryOrDeadLetter(t *topic, m *Message, failure error) {
	now := time.Now()

	t.mu.Lock()
	m.Attempts++
	m.LastError = failure.Error()
	attempts := m.Attempts

	if !IsNoRetry(failure) && attempts < m.MaxAttempts {
		delay := b.opts.BaseRetryDelay * time.Duration(attempts)
		var tm *time.Timer
		tm = time.AfterFunc(delay, func() {
			select {
			case <-b.stopCh:
				return
			default:
			}
			t.mu.Lock()
			delete(t.retryTimers, tm)
			t.insertLocked(m)
			t.mu.Unlock()
			t.signal()
		})
		t.retryTimers[tm] = struct{}{}
		t.lastActivity = now
		t.mu.Unlock()

		b.emit(eventbus.TypeMessageRetry, MessageEvent{ID: m.ID, Topic: t.name, CorrelationID: m.CorrelationID, Attempts: attempts, Error: m.LastError})
		b.log.Debug("message retry scheduled",
			logx.String("topic", t.name),
			logx.String("id", m.ID),
			logx.Int("attempt", attempts),
			logx.Duration("delay", delay),
			logx.Err(failure))
		return
	}

	dl := t.deadLetterLocked(m, m.LastError, now)
	t.mu.Unlock()

	b.emit(eventbus.TypeMessageDeadLettered, MessageEvent{ID: m.ID, Topic: t.name, CorrelationID: m.CorrelationID, Attempts: attempts, Error: m.LastError})
	b.log.Warn("message dead-lettered",
		logx.String("topic", t.name),
		logx.String("id", m.ID),
		logx.Int("attempts", attempts),
		logx.Err(failure))

	if b.sink != nil {
		if err := b.sink.ArchiveDeadLetter(context.Background(), dl); err != nil {
			b.log.Warn("dead-letter archive failed", logx.String("id", m.ID), logx.Err(err))
		}
	}
}

package broker

import "time"

// DeadLetter is a message that exhausted its delivery attempts (or failed
// with a NoRetry error). Dead letters are diagnostic, not an audit log:
// the per-topic store is bounded and evicts oldest-first when full. They
// are never re-delivered automatically; an operator re-publishes if needed.
type DeadLetter struct {
	Message  *Message  `json:"message"`
	FailedAt time.Time `json:"failed_at"`
	Error    string    `json:"error"`
}

// deadLetterLocked appends to the bounded store, evicting the oldest entry
// when at capacity. Caller holds t.mu.
func (t *topic) deadLetterLocked(m *Message, errText string, now time.Time) DeadLetter {
	dl := DeadLetter{Message: m, FailedAt: now, Error: errText}
	capacity := t.cfg.DeadLetterCapacity
	if capacity > 0 && len(t.dead) >= capacity {
		drop := len(t.dead) - capacity + 1
		t.dead = append(t.dead[:0], t.dead[drop:]...)
	}
	t.dead = append(t.dead, dl)
	t.deadLettered++
	if t.inQueue > 0 {
		t.inQueue--
	}
	t.lastActivity = now
	return dl
}

// DeadLetters returns a copy of the topic's dead-letter store, oldest first.
func (b *Broker) DeadLetters(topicName string) ([]DeadLetter, error) {
	t, err := b.topic(topicName)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	out := make([]DeadLetter, len(t.dead))
	copy(out, t.dead)
	t.mu.Unlock()
	return out, nil
}

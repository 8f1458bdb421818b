package broker

import (
	"errors"
	"fmt"
)

var (
	// ErrTopicNotFound is returned by publish/subscribe against an
	// unregistered topic. Never retried internally.
	ErrTopicNotFound = errors.New("topic not found")

	// ErrQueueFull rejects a publish at capacity. The caller decides whether
	// to drop, retry later, or escalate.
	ErrQueueFull = errors.New("queue full")

	// ErrRateLimited rejects a publish that exceeds the topic's configured
	// publish rate. Like ErrQueueFull it is a backpressure signal; the
	// publish path never blocks.
	ErrRateLimited = errors.New("publish rate limited")

	// ErrHandlerTimeout marks a handler that neither returned nor failed
	// within its per-message timeout.
	ErrHandlerTimeout = errors.New("handler timed out")

	// ErrUnacknowledged marks a manual-ack handler that returned nil without
	// calling Ack. Treated as a failure and routed through retry.
	ErrUnacknowledged = errors.New("handler returned without ack")

	ErrNotStarted      = errors.New("broker not started")
	ErrShutdown        = errors.New("broker is shut down")
	ErrConsumerUnknown = errors.New("consumer not found")
)

// NoRetry marks a handler error as non-retryable.
//
// Handlers can wrap validation errors or other permanent failures with
// NoRetry so the message goes straight to the dead-letter store instead of
// burning its remaining attempts.
//
// Example:
//
//	return broker.NoRetry(fmt.Errorf("bad payload: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

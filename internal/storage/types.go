package storage

import (
	"context"
	"errors"
	"time"

	"topiq/internal/broker"
)

var (
	ErrDisabled    = errors.New("storage disabled")
	ErrUnsupported = errors.New("not supported by this driver")
)

// Config configures the archive.
//
// Driver values:
//   - "file": dependency-free append-only JSON Lines file
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", archiving is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store receives dead letters from the broker. It satisfies
// broker.DeadLetterSink.
type Store interface {
	ArchiveDeadLetter(ctx context.Context, dl broker.DeadLetter) error
	// RecentDeadLetters returns the newest archived entries for a topic
	// (all topics when topic is empty). Drivers without query support
	// return ErrUnsupported.
	RecentDeadLetters(ctx context.Context, topic string, limit int) ([]broker.DeadLetter, error)
	Close() error
}

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"topiq/internal/broker"
	logx "topiq/pkg/logx"
)

// fileStore appends dead letters to a JSON Lines file. It is a
// dependency-free fallback for deployments that can't carry the sqlite
// build tag; queries are not supported.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex
	f  *os.File
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &fileStore{log: log, f: f}, nil
}

func (s *fileStore) ArchiveDeadLetter(_ context.Context, dl broker.DeadLetter) error {
	if s == nil || s.f == nil {
		return ErrDisabled
	}
	b, err := json.Marshal(dl)
	if err != nil {
		return err
	}
	b = append(b, '\n')

	s.mu.Lock()
	_, err = s.f.Write(b)
	s.mu.Unlock()
	return err
}

func (s *fileStore) RecentDeadLetters(context.Context, string, int) ([]broker.DeadLetter, error) {
	return nil, ErrUnsupported
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

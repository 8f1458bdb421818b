//go:build sqlite
// +build sqlite

package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"topiq/internal/broker"
	logx "topiq/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) ArchiveDeadLetter(ctx context.Context, dl broker.DeadLetter) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	m := dl.Message
	if m == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dead_letters(message_id, topic, payload, attempts, correlation, failed_at, err)
		 VALUES(?,?,?,?,?,?,?)`,
		m.ID, m.Topic, m.Payload, m.Attempts, nullStr(m.CorrelationID),
		dl.FailedAt.Format(time.RFC3339Nano), nullStr(dl.Error),
	)
	return err
}

func (s *sqliteStore) RecentDeadLetters(ctx context.Context, topic string, limit int) ([]broker.DeadLetter, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 50
	}

	q := `SELECT message_id, topic, payload, attempts, correlation, failed_at, err
	      FROM dead_letters`
	args := []any{}
	if topic != "" {
		q += ` WHERE topic = ?`
		args = append(args, topic)
	}
	q += ` ORDER BY failed_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []broker.DeadLetter
	for rows.Next() {
		var (
			m           broker.Message
			correlation sql.NullString
			failedAt    string
			errText     sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.Topic, &m.Payload, &m.Attempts, &correlation, &failedAt, &errText); err != nil {
			return nil, err
		}
		m.CorrelationID = correlation.String
		dl := broker.DeadLetter{Message: &m, Error: errText.String}
		if ts, err := time.Parse(time.RFC3339Nano, failedAt); err == nil {
			dl.FailedAt = ts
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

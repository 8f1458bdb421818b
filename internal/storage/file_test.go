package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"topiq/internal/broker"
	logx "topiq/pkg/logx"
)

func TestOpenDisabledDrivers(t *testing.T) {
	for _, driver := range []string{"", "none", "  NONE  "} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		if err != nil || st != nil {
			t.Fatalf("driver %q: expected (nil, nil), got (%v, %v)", driver, st, err)
		}
	}
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatalf("expected unknown-driver error")
	}
}

func TestFileStoreAppendsJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dead", "letters.jsonl")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	now := time.Now()
	for _, id := range []string{"m1", "m2"} {
		dl := broker.DeadLetter{
			Message:  &broker.Message{ID: id, Topic: "email", Payload: []byte("x"), Attempts: 3},
			FailedAt: now,
			Error:    "smtp unavailable",
		}
		if err := st.ArchiveDeadLetter(context.Background(), dl); err != nil {
			t.Fatalf("archive %s: %v", id, err)
		}
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("double close: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer f.Close()

	var lines int
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var dl broker.DeadLetter
		if err := json.Unmarshal(sc.Bytes(), &dl); err != nil {
			t.Fatalf("bad line %d: %v", lines, err)
		}
		if dl.Message == nil || dl.Message.Topic != "email" {
			t.Fatalf("unexpected record: %+v", dl)
		}
		lines++
	}
	if lines != 2 {
		t.Fatalf("expected 2 records, got %d", lines)
	}
}

func TestFileStoreQueriesUnsupported(t *testing.T) {
	path := filepath.Join(t.TempDir(), "letters.jsonl")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer st.Close()

	if _, err := st.RecentDeadLetters(context.Background(), "email", 10); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}

func TestFileStoreRequiresPath(t *testing.T) {
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatalf("expected path error")
	}
}

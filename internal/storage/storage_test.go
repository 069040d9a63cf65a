package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"daowatch/internal/chainevent"
)

func TestNewEventRecord(t *testing.T) {
	observed := time.Date(2024, 5, 1, 12, 0, 30, 0, time.UTC)
	ev := chainevent.New("org-1", chainevent.VoteCast{
		ProposalID: "42",
		Voter:      "0xabc",
		Choice:     chainevent.VoteFor,
		Weight:     decimal.NewFromInt(3),
	}, observed, 1234, time.Minute)

	rec, err := NewEventRecord(ev)
	if err != nil {
		t.Fatal(err)
	}
	if rec.DedupeKey != ev.DedupeKey || rec.Kind != "VoteCast" || rec.OrganizationID != "org-1" {
		t.Fatalf("unexpected record %+v", rec)
	}
	if rec.BlockNumber == nil || *rec.BlockNumber != 1234 {
		t.Fatalf("block number not carried over: %v", rec.BlockNumber)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Payload, &body); err != nil {
		t.Fatalf("payload 应为 JSON: %v", err)
	}
	if body["proposal_id"] != "42" {
		t.Fatalf("unexpected payload %s", rec.Payload)
	}

	ev.BlockNumber = 0
	rec, err = NewEventRecord(ev)
	if err != nil {
		t.Fatal(err)
	}
	if rec.BlockNumber != nil {
		t.Fatal("missing block number should stay nil")
	}
}

func TestUnconfiguredStore(t *testing.T) {
	var s *Store
	ctx := context.Background()
	if _, err := s.InsertEvent(ctx, EventRecord{}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if _, _, err := s.TryAdvisoryLock(ctx, 1); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if _, err := NewStore(nil).ListRecentSuggestions(ctx, "", 10); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	s.Close()
}

func TestLockKeyIsStablePerOrganization(t *testing.T) {
	a1 := LockKey(100, "uniswap")
	a2 := LockKey(100, "uniswap")
	b := LockKey(100, "aave")
	if a1 != a2 {
		t.Fatal("lock key must be deterministic")
	}
	if a1 == b {
		t.Fatal("different organizations should get different keys")
	}
}

func TestMigrationFilesOrdered(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"002_more.sql", "001_init.sql", "README.md"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("SELECT 1;"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "003_dir.sql"), 0o755); err != nil {
		t.Fatal(err)
	}

	files, err := MigrationFiles(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 2 || files[0].Version != "001_init" || files[1].Version != "002_more" {
		t.Fatalf("unexpected migrations %+v", files)
	}
}

func TestRepositoryMigrationsParse(t *testing.T) {
	files, err := MigrationFiles(filepath.Join("..", "..", "migrations"))
	if err != nil {
		t.Fatal(err)
	}
	if len(files) == 0 || files[0].Version != "001_init" {
		t.Fatalf("expected the initial migration, got %+v", files)
	}
}

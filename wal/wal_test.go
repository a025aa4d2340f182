package wal

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	_ "github.com/mattn/go-sqlite3"

	"github.com/chrysalis-ai/memsync/migrations"
)

// setupTestLog creates an in-memory database and runs migrations.
func setupTestLog(t *testing.T) *Log {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	cwd, err := os.Getwd()
	if err != nil {
		t.Fatalf("failed to get working directory: %v", err)
	}
	migrationsPath := filepath.Join(cwd, "..", "migrations")
	if err := migrations.Run(db, migrationsPath, zerolog.Nop()); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}
	return NewLog(db, zerolog.Nop())
}

func TestAppendAssignsIncreasingOffsets(t *testing.T) {
	ctx := context.Background()
	log := setupTestLog(t)

	var last uint64
	for i := 0; i < 5; i++ {
		payload, _ := json.Marshal(map[string]int{"n": i})
		offset, err := log.Append(ctx, KindDelta, "r1", "agent-7", payload)
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if offset <= last {
			t.Fatalf("offset %d not greater than previous %d", offset, last)
		}
		last = offset
	}

	got, err := log.LastOffset(ctx)
	if err != nil {
		t.Fatalf("last offset: %v", err)
	}
	if got != last {
		t.Fatalf("last offset = %d, want %d", got, last)
	}
}

func TestAppendRejectsMalformedRecords(t *testing.T) {
	ctx := context.Background()
	log := setupTestLog(t)

	if _, err := log.Append(ctx, "snapshot", "r1", "", nil); !IsStorageFailure(err) {
		t.Fatalf("unknown kind accepted: %v", err)
	}
	if _, err := log.Append(ctx, KindDelta, "", "", nil); !IsStorageFailure(err) {
		t.Fatalf("missing replica id accepted: %v", err)
	}
}

func TestReadFromSkipsEarlierRecords(t *testing.T) {
	ctx := context.Background()
	log := setupTestLog(t)

	var offsets []uint64
	for i := 0; i < 4; i++ {
		offset, err := log.Append(ctx, KindDelta, "r1", "", json.RawMessage(`{}`))
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		offsets = append(offsets, offset)
	}

	records, err := log.ReadFrom(ctx, offsets[1], 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records after offset %d, want 2", len(records), offsets[1])
	}
	if records[0].Offset != offsets[2] || records[1].Offset != offsets[3] {
		t.Fatalf("unexpected offsets: %d, %d", records[0].Offset, records[1].Offset)
	}
}

func TestReplayPreservesOrderAndKinds(t *testing.T) {
	ctx := context.Background()
	log := setupTestLog(t)

	kinds := []RecordKind{KindDelta, KindDecision, KindDelta, KindTombstoneGC}
	for _, k := range kinds {
		if _, err := log.Append(ctx, k, "r1", "agent-7", json.RawMessage(`{"x":1}`)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	var replayed []RecordKind
	var prev uint64
	err := log.Replay(ctx, func(r Record) error {
		if r.Offset <= prev {
			t.Fatalf("replay out of order: %d after %d", r.Offset, prev)
		}
		prev = r.Offset
		replayed = append(replayed, r.Kind)
		return nil
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(replayed) != len(kinds) {
		t.Fatalf("replayed %d records, want %d", len(replayed), len(kinds))
	}
	for i, k := range kinds {
		if replayed[i] != k {
			t.Fatalf("record %d kind = %s, want %s", i, replayed[i], k)
		}
	}
}

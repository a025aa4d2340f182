// Package wal is the durable append-only log behind a replica. Every
// accepted delta, consensus decision, and tombstone collection is appended
// before it is acknowledged, and replaying the log from offset zero rebuilds
// the replica's merged state exactly.
package wal

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	_ "github.com/mattn/go-sqlite3"

	"github.com/chrysalis-ai/memsync/migrations"
)

// RecordKind distinguishes what a log record carries.
type RecordKind string

const (
	// KindDelta is an accepted memory entry delta.
	KindDelta RecordKind = "delta"
	// KindDecision is a committed consensus decision.
	KindDecision RecordKind = "decision"
	// KindTombstone records a pending element removal awaiting causal
	// stability.
	KindTombstone RecordKind = "tombstone"
	// KindTombstoneGC records a causally stable tombstone collection.
	KindTombstoneGC RecordKind = "tombstone_gc"
)

// Valid reports whether the kind is a known one.
func (k RecordKind) Valid() bool {
	return k == KindDelta || k == KindDecision || k == KindTombstone || k == KindTombstoneGC
}

// Record is one entry in the append-only log. Offsets are assigned by the
// log, start at 1, and strictly increase; a record is never rewritten.
type Record struct {
	Offset     uint64          `json:"offset"`
	Kind       RecordKind      `json:"kind"`
	ReplicaID  string          `json:"replica_id"`
	Namespace  string          `json:"namespace"`
	Payload    json.RawMessage `json:"payload"`
	AppendedAt int64           `json:"appended_at"`
}

// Log is the sqlite-backed append-only log.
type Log struct {
	db     *sql.DB
	logger zerolog.Logger

	maxRetryElapsed time.Duration
}

// NewLog wraps an already-open database. The schema must be migrated.
func NewLog(db *sql.DB, logger zerolog.Logger) *Log {
	return &Log{
		db:              db,
		logger:          logger.With().Str("component", "wal").Logger(),
		maxRetryElapsed: 5 * time.Second,
	}
}

// Open opens (or creates) the log database at path and applies schema
// migrations from migrationsPath.
func Open(path, migrationsPath string, logger zerolog.Logger) (*Log, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, NewStorageFailure("failed to open log database", false, err)
	}
	if err := migrations.Run(db, migrationsPath, logger); err != nil {
		_ = db.Close()
		return nil, NewStorageFailure("failed to migrate log schema", false, err)
	}
	return NewLog(db, logger), nil
}

// Close closes the underlying database.
func (l *Log) Close() error {
	return l.db.Close()
}

// Append writes a record and returns its assigned offset. Transient sqlite
// contention is retried with exponential backoff; a record is appended at
// most once.
func (l *Log) Append(ctx context.Context, kind RecordKind, replicaID, namespace string, payload json.RawMessage) (uint64, error) {
	if !kind.Valid() {
		return 0, NewStorageFailure("unknown record kind "+string(kind), false, nil)
	}
	if replicaID == "" {
		return 0, NewStorageFailure("record has no replica id", false, nil)
	}

	query, args, err := builder().
		Insert("wal_records").
		Columns("kind", "replica_id", "namespace", "payload", "appended_at").
		Values(string(kind), replicaID, namespace, []byte(payload), time.Now().Unix()).
		ToSql()
	if err != nil {
		return 0, NewStorageFailure("failed to build append query", false, err)
	}

	var offset uint64
	op := func() error {
		res, execErr := l.db.ExecContext(ctx, query, args...)
		if execErr != nil {
			if retryable(execErr) {
				return execErr
			}
			return backoff.Permanent(execErr)
		}
		id, idErr := res.LastInsertId()
		if idErr != nil {
			return backoff.Permanent(idErr)
		}
		offset = uint64(id)
		return nil
	}

	eb := backoff.NewExponentialBackOff()
	eb.MaxElapsedTime = l.maxRetryElapsed
	if err := backoff.Retry(op, backoff.WithContext(eb, ctx)); err != nil {
		return 0, NewStorageFailure("failed to append log record", retryable(err), err)
	}

	l.logger.Debug().
		Uint64("offset", offset).
		Str("kind", string(kind)).
		Str("replica_id", replicaID).
		Msg("appended log record")
	return offset, nil
}

// ReadFrom returns up to limit records with offsets strictly greater than
// after, in offset order. A limit of 0 means no limit.
func (l *Log) ReadFrom(ctx context.Context, after uint64, limit int) ([]Record, error) {
	q := builder().
		Select("seq", "kind", "replica_id", "namespace", "payload", "appended_at").
		From("wal_records").
		Where(sq.Gt{"seq": after}).
		OrderBy("seq ASC")
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, NewStorageFailure("failed to build read query", false, err)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, NewStorageFailure("failed to read log records", retryable(err), err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var kind string
		if err := rows.Scan(&r.Offset, &kind, &r.ReplicaID, &r.Namespace, (*[]byte)(&r.Payload), &r.AppendedAt); err != nil {
			return nil, NewStorageFailure("failed to scan log record", false, err)
		}
		r.Kind = RecordKind(kind)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, NewStorageFailure("failed to iterate log records", retryable(err), err)
	}
	return out, nil
}

// Replay streams every record from offset zero through fn in order. Used at
// startup to rebuild replica state.
func (l *Log) Replay(ctx context.Context, fn func(Record) error) error {
	const page = 512
	var after uint64
	for {
		records, err := l.ReadFrom(ctx, after, page)
		if err != nil {
			return err
		}
		for _, r := range records {
			if err := fn(r); err != nil {
				return err
			}
			after = r.Offset
		}
		if len(records) < page {
			return nil
		}
	}
}

// LastOffset returns the highest assigned offset, or 0 for an empty log.
func (l *Log) LastOffset(ctx context.Context) (uint64, error) {
	query, args, err := builder().
		Select("COALESCE(MAX(seq), 0)").
		From("wal_records").
		ToSql()
	if err != nil {
		return 0, NewStorageFailure("failed to build offset query", false, err)
	}
	var offset uint64
	if err := l.db.QueryRowContext(ctx, query, args...).Scan(&offset); err != nil {
		return 0, NewStorageFailure("failed to read last offset", retryable(err), err)
	}
	return offset, nil
}

// builder returns a statement builder configured for sqlite. SQLite uses '?'
// placeholders, which is squirrel's default.
func builder() sq.StatementBuilderType {
	return sq.StatementBuilder
}

// retryable reports whether a sqlite error is worth retrying.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "busy")
}

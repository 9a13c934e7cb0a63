// Package history keeps an audit log of accepted detections in PostgreSQL.
//
// [Store] owns the connection pool and the schema. [Recorder] sits between
// the detection pipeline and the store: it is registered as an aggregate
// callback, queues records without blocking, and writes them in batches from
// its own goroutine.
//
// Only accepted detections are stored. Threshold and debounce state stay in
// memory.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/classbridge/pkg/types"
)

const ddlDetections = `
CREATE TABLE IF NOT EXISTS detections (
    id          BIGSERIAL        PRIMARY KEY,
    label       TEXT             NOT NULL,
    confidence  DOUBLE PRECISION NOT NULL,
    accepted_at TIMESTAMPTZ      NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_detections_accepted_at
    ON detections (accepted_at DESC);

CREATE INDEX IF NOT EXISTS idx_detections_label
    ON detections (label);
`

// Migrate creates the detections table and its indexes. It is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlDetections); err != nil {
		return fmt.Errorf("history migrate: %w", err)
	}
	return nil
}

// Entry is one accepted detection as stored.
type Entry struct {
	Label      string
	Confidence float64
	AcceptedAt time.Time
}

// Store is the PostgreSQL-backed detection log. All methods are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to dsn, verifies the connection and runs [Migrate].
func Open(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("history store: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("history store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history store: %w", err)
	}
	return &Store{pool: pool}, nil
}

// WriteBatch inserts entries with a single COPY and returns the row count.
func (s *Store) WriteBatch(ctx context.Context, entries []Entry) (int64, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	n, err := s.pool.CopyFrom(ctx,
		pgx.Identifier{"detections"},
		[]string{"label", "confidence", "accepted_at"},
		pgx.CopyFromSlice(len(entries), func(i int) ([]any, error) {
			e := entries[i]
			return []any{e.Label, e.Confidence, e.AcceptedAt}, nil
		}),
	)
	if err != nil {
		return n, fmt.Errorf("history store: copy: %w", err)
	}
	return n, nil
}

// Recent returns up to limit detections, newest first, in wire form.
func (s *Store) Recent(ctx context.Context, limit int) ([]types.DetectionRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT label, confidence, accepted_at
		FROM   detections
		ORDER  BY accepted_at DESC, id DESC
		LIMIT  $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("history store: recent: %w", err)
	}
	recs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.DetectionRecord, error) {
		var (
			rec types.DetectionRecord
			at  time.Time
		)
		if err := row.Scan(&rec.Content, &rec.Confidence, &at); err != nil {
			return types.DetectionRecord{}, err
		}
		rec.Timestamp = types.FormatTimestamp(at)
		return rec, nil
	})
	if err != nil {
		return nil, fmt.Errorf("history store: scan recent: %w", err)
	}
	return recs, nil
}

// Prune deletes detections accepted before cutoff and returns how many rows
// were removed.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM detections WHERE accepted_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("history store: prune: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all pooled connections.
func (s *Store) Close() {
	s.pool.Close()
}

// Package postgres provides a Postgres-backed record store.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ZihanQ/intelligent-data-crawler/internal/crawl"
)

// Schema is the DDL required by the store.
const Schema = `
CREATE TABLE IF NOT EXISTS clean_records (
	source_id        TEXT        NOT NULL,
	natural_key      TEXT        NOT NULL,
	fields           JSONB       NOT NULL,
	verdict          TEXT        NOT NULL,
	notes            JSONB,
	checkpoint_value TEXT,
	fetched_at       TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (source_id, natural_key)
);
CREATE TABLE IF NOT EXISTS checkpoints (
	source_id  TEXT        PRIMARY KEY,
	value      TEXT        NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);`

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type db interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store persists clean records and checkpoints in Postgres.
type Store struct {
	pool  db
	clock crawl.Clock
}

// New connects a Store using the provided config.
func New(ctx context.Context, cfg Config, clock crawl.Clock) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool, clock: clock}, nil
}

// NewWithPool constructs a Store from an existing pool (primarily for
// testing with pgxmock).
func NewWithPool(pool db, clock crawl.Clock) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool, clock: clock}, nil
}

// Migrate applies the store schema.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

const commitQuery = `
INSERT INTO clean_records (source_id, natural_key, fields, verdict, notes, checkpoint_value, fetched_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (source_id, natural_key) DO UPDATE SET
	fields = EXCLUDED.fields,
	verdict = EXCLUDED.verdict,
	notes = EXCLUDED.notes,
	checkpoint_value = EXCLUDED.checkpoint_value,
	fetched_at = EXCLUDED.fetched_at
WHERE clean_records.fields IS DISTINCT FROM EXCLUDED.fields
	AND EXCLUDED.fetched_at >= clean_records.fetched_at
RETURNING (xmax = 0) AS inserted`

// Commit upserts a record keyed on (source, natural key). The guarded upsert
// makes re-committing identical content a no-op reported as deduplicated.
func (s *Store) Commit(ctx context.Context, record crawl.CleanRecord) (crawl.CommitResult, error) {
	if record.NaturalKey == "" {
		return "", fmt.Errorf("natural key is required")
	}
	fieldsJSON, err := json.Marshal(record.Fields)
	if err != nil {
		return "", fmt.Errorf("marshal fields: %w", err)
	}
	notesJSON, err := json.Marshal(record.Notes)
	if err != nil {
		return "", fmt.Errorf("marshal notes: %w", err)
	}

	var inserted bool
	err = s.pool.QueryRow(ctx, commitQuery,
		record.SourceID,
		record.NaturalKey,
		fieldsJSON,
		record.Verdict,
		notesJSON,
		record.CheckpointValue,
		record.FetchedAt,
	).Scan(&inserted)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawl.CommitDeduplicated, nil
	}
	if err != nil {
		return "", fmt.Errorf("commit record: %w", err)
	}
	if inserted {
		return crawl.CommitApplied, nil
	}
	return crawl.CommitUpdated, nil
}

// ReadCheckpoint returns the source checkpoint, zero-valued when absent.
func (s *Store) ReadCheckpoint(ctx context.Context, source crawl.SourceID) (crawl.Checkpoint, error) {
	cp := crawl.Checkpoint{SourceID: source}
	err := s.pool.QueryRow(ctx,
		`SELECT value, updated_at FROM checkpoints WHERE source_id = $1`,
		source,
	).Scan(&cp.Value, &cp.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawl.Checkpoint{SourceID: source}, nil
	}
	if err != nil {
		return crawl.Checkpoint{}, fmt.Errorf("read checkpoint: %w", err)
	}
	return cp, nil
}

const advanceQuery = `
INSERT INTO checkpoints (source_id, value, updated_at)
VALUES ($1, $2, $3)
ON CONFLICT (source_id) DO UPDATE SET
	value = EXCLUDED.value,
	updated_at = EXCLUDED.updated_at
WHERE checkpoints.value <= EXCLUDED.value`

// AdvanceCheckpoint moves the checkpoint forward transactionally; a value
// below the stored one fails with crawl.ErrCheckpointRegression.
func (s *Store) AdvanceCheckpoint(ctx context.Context, source crawl.SourceID, value string) error {
	tag, err := s.pool.Exec(ctx, advanceQuery, source, value, s.clock.Now())
	if err != nil {
		return fmt.Errorf("advance checkpoint: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("source %s to %q: %w", source, value, crawl.ErrCheckpointRegression)
	}
	return nil
}

// ListRecords returns all committed records for a source.
func (s *Store) ListRecords(ctx context.Context, source crawl.SourceID) ([]crawl.CleanRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT natural_key, fields, verdict, notes, checkpoint_value, fetched_at
		FROM clean_records WHERE source_id = $1 ORDER BY natural_key`,
		source,
	)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var records []crawl.CleanRecord
	for rows.Next() {
		rec := crawl.CleanRecord{SourceID: source}
		var fieldsJSON, notesJSON []byte
		if err := rows.Scan(&rec.NaturalKey, &fieldsJSON, &rec.Verdict, &notesJSON, &rec.CheckpointValue, &rec.FetchedAt); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		if err := json.Unmarshal(fieldsJSON, &rec.Fields); err != nil {
			return nil, fmt.Errorf("decode fields: %w", err)
		}
		if len(notesJSON) > 0 {
			if err := json.Unmarshal(notesJSON, &rec.Notes); err != nil {
				return nil, fmt.Errorf("decode notes: %w", err)
			}
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	return records, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/journal-crawler/internal/crawler"
)

var validPrefix = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// DefaultTablePrefix namespaces the crawler tables.
const DefaultTablePrefix = "jc_"

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	TablePrefix     string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// Store persists articles, checkpoints and the failure registry. It
// implements crawler.ArticleStore, crawler.CheckpointStore and
// crawler.FailureRegistry.
type Store struct {
	pool        pool
	articles    string
	checkpoints string
	failures    string
}

var (
	_ crawler.ArticleStore    = (*Store)(nil)
	_ crawler.CheckpointStore = (*Store)(nil)
	_ crawler.FailureRegistry = (*Store)(nil)
)

// New connects to Postgres using cfg.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.dsn is required")
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
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := NewWithPool(p, cfg.TablePrefix)
	if err != nil {
		p.Close()
		return nil, err
	}
	return s, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool, prefix string) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if prefix == "" {
		prefix = DefaultTablePrefix
	}
	if !validPrefix.MatchString(prefix) {
		return nil, fmt.Errorf("invalid table prefix %q", prefix)
	}
	return &Store{
		pool:        p,
		articles:    prefix + "articles",
		checkpoints: prefix + "checkpoints",
		failures:    prefix + "stream_failures",
	}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Migrate creates the tables when they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	statements := []string{
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	identifier  TEXT PRIMARY KEY,
	stream      TEXT NOT NULL,
	title       TEXT NOT NULL,
	abstract    TEXT NOT NULL DEFAULT '',
	authors     TEXT[] NOT NULL DEFAULT '{}',
	url         TEXT NOT NULL DEFAULT '',
	published   TIMESTAMPTZ,
	kind        TEXT NOT NULL DEFAULT '',
	relevant    BOOLEAN NOT NULL,
	rationale   TEXT NOT NULL DEFAULT '',
	agreed      INTEGER NOT NULL,
	tie_break   BOOLEAN NOT NULL DEFAULT FALSE,
	ingested_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, s.articles),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_stream_published ON %s (stream, published)`, s.articles, s.articles),
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	stream        TEXT PRIMARY KEY,
	checkpoint_at TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
)`, s.checkpoints),
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	stream      TEXT PRIMARY KEY,
	reason      TEXT NOT NULL,
	failed_at   TIMESTAMPTZ NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	last_retry  TIMESTAMPTZ
)`, s.failures),
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Exists implements crawler.ArticleStore.
func (s *Store) Exists(ctx context.Context, identifier string) (bool, error) {
	var exists bool
	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE identifier = $1)`, s.articles)
	if err := s.pool.QueryRow(ctx, query, identifier).Scan(&exists); err != nil {
		return false, fmt.Errorf("check article %s: %w", identifier, err)
	}
	return exists, nil
}

// Insert implements crawler.ArticleStore. Duplicate identifiers are ignored.
func (s *Store) Insert(ctx context.Context, streamKey string, item crawler.RawItem, verdict crawler.Verdict) (bool, error) {
	if item.Identifier == "" {
		return false, fmt.Errorf("item identifier is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	identifier,
	stream,
	title,
	abstract,
	authors,
	url,
	published,
	kind,
	relevant,
	rationale,
	agreed,
	tie_break
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
)
ON CONFLICT (identifier) DO NOTHING`, s.articles)

	authors := item.Authors
	if authors == nil {
		authors = []string{}
	}
	tag, err := s.pool.Exec(ctx, query,
		item.Identifier,
		streamKey,
		item.Title,
		item.Abstract,
		authors,
		item.URL,
		nullableTime(item.Published),
		item.Kind,
		verdict.Relevant,
		verdict.Rationale,
		verdict.Agreed,
		verdict.TieBreak,
	)
	if err != nil {
		return false, fmt.Errorf("insert article %s: %w", item.Identifier, err)
	}
	return tag.RowsAffected() == 1, nil
}

// MaxDate implements crawler.ArticleStore.
func (s *Store) MaxDate(ctx context.Context, streamKey string) (time.Time, error) {
	query := fmt.Sprintf(`
SELECT published FROM %s
WHERE stream = $1 AND published IS NOT NULL
ORDER BY published DESC
LIMIT 1`, s.articles)
	var at time.Time
	err := s.pool.QueryRow(ctx, query, streamKey).Scan(&at)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return time.Time{}, crawler.ErrNoCheckpoint
	case err != nil:
		return time.Time{}, fmt.Errorf("max date %s: %w", streamKey, err)
	}
	return at.UTC(), nil
}

// Checkpoint implements crawler.CheckpointStore.
func (s *Store) Checkpoint(ctx context.Context, streamKey string) (time.Time, error) {
	query := fmt.Sprintf(`SELECT checkpoint_at FROM %s WHERE stream = $1`, s.checkpoints)
	var at time.Time
	err := s.pool.QueryRow(ctx, query, streamKey).Scan(&at)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return time.Time{}, crawler.ErrNoCheckpoint
	case err != nil:
		return time.Time{}, fmt.Errorf("read checkpoint %s: %w", streamKey, err)
	}
	return at.UTC(), nil
}

// AdvanceCheckpoint implements crawler.CheckpointStore. GREATEST keeps the
// stored value monotonic even under concurrent writers.
func (s *Store) AdvanceCheckpoint(ctx context.Context, streamKey string, at time.Time) error {
	query := fmt.Sprintf(`
INSERT INTO %[1]s (stream, checkpoint_at, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (stream) DO UPDATE
SET checkpoint_at = GREATEST(%[1]s.checkpoint_at, EXCLUDED.checkpoint_at),
	updated_at = now()`, s.checkpoints)
	if _, err := s.pool.Exec(ctx, query, streamKey, at.UTC()); err != nil {
		return fmt.Errorf("advance checkpoint %s: %w", streamKey, err)
	}
	return nil
}

// RecordFailure implements crawler.FailureRegistry.
func (s *Store) RecordFailure(ctx context.Context, streamKey, reason string, at time.Time) error {
	query := fmt.Sprintf(`
INSERT INTO %[1]s (stream, reason, failed_at, retry_count)
VALUES ($1, $2, $3, 0)
ON CONFLICT (stream) DO UPDATE
SET reason = EXCLUDED.reason,
	failed_at = EXCLUDED.failed_at,
	retry_count = %[1]s.retry_count + 1,
	last_retry = EXCLUDED.failed_at`, s.failures)
	if _, err := s.pool.Exec(ctx, query, streamKey, reason, at.UTC()); err != nil {
		return fmt.Errorf("record failure %s: %w", streamKey, err)
	}
	return nil
}

// ClearFailure implements crawler.FailureRegistry.
func (s *Store) ClearFailure(ctx context.Context, streamKey string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE stream = $1`, s.failures)
	if _, err := s.pool.Exec(ctx, query, streamKey); err != nil {
		return fmt.Errorf("clear failure %s: %w", streamKey, err)
	}
	return nil
}

// ListFailures implements crawler.FailureRegistry.
func (s *Store) ListFailures(ctx context.Context) ([]crawler.FailureRecord, error) {
	query := fmt.Sprintf(`
SELECT stream, reason, failed_at, retry_count, last_retry
FROM %s
ORDER BY stream`, s.failures)
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list failures: %w", err)
	}
	defer rows.Close()

	var records []crawler.FailureRecord
	for rows.Next() {
		var (
			rec       crawler.FailureRecord
			lastRetry pgtype.Timestamptz
		)
		if err := rows.Scan(&rec.StreamKey, &rec.Reason, &rec.FailedAt, &rec.RetryCount, &lastRetry); err != nil {
			return nil, fmt.Errorf("scan failure: %w", err)
		}
		if lastRetry.Valid {
			rec.LastRetry = lastRetry.Time.UTC()
		}
		rec.FailedAt = rec.FailedAt.UTC()
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate failures: %w", err)
	}
	return records, nil
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

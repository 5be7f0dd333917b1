// Package sqlite provides an embedded, pure-Go store for single-machine runs.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/JakeFAU/journal-crawler/internal/crawler"
)

// timeLayout is fixed width so that text comparison orders timestamps.
const timeLayout = "2006-01-02T15:04:05.000Z"

const (
	articlesTable    = "articles"
	checkpointsTable = "checkpoints"
	failuresTable    = "stream_failures"
)

// Store implements crawler.ArticleStore, crawler.CheckpointStore and
// crawler.FailureRegistry on a SQLite file.
type Store struct {
	db   *sql.DB
	path string
}

var (
	_ crawler.ArticleStore    = (*Store)(nil)
	_ crawler.CheckpointStore = (*Store)(nil)
	_ crawler.FailureRegistry = (*Store)(nil)
)

// Open creates or opens the database at path and ensures the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?mode=rwc")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite has a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Store{db: db, path: path}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the database file location.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) createTables(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS articles (
		identifier  TEXT PRIMARY KEY,
		stream      TEXT NOT NULL,
		title       TEXT NOT NULL,
		abstract    TEXT NOT NULL DEFAULT '',
		authors     TEXT NOT NULL DEFAULT '[]',
		url         TEXT NOT NULL DEFAULT '',
		published   TEXT,
		kind        TEXT NOT NULL DEFAULT '',
		relevant    INTEGER NOT NULL,
		rationale   TEXT NOT NULL DEFAULT '',
		agreed      INTEGER NOT NULL,
		tie_break   INTEGER NOT NULL DEFAULT 0,
		ingested_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_articles_stream_published ON articles(stream, published);

	CREATE TABLE IF NOT EXISTS checkpoints (
		stream        TEXT PRIMARY KEY,
		checkpoint_at TEXT NOT NULL,
		updated_at    DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS stream_failures (
		stream      TEXT PRIMARY KEY,
		reason      TEXT NOT NULL,
		failed_at   TEXT NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		last_retry  TEXT
	);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	return nil
}

// Exists implements crawler.ArticleStore.
func (s *Store) Exists(ctx context.Context, identifier string) (bool, error) {
	query, args, err := sq.Select("COUNT(1)").From(articlesTable).Where(sq.Eq{"identifier": identifier}).ToSql()
	if err != nil {
		return false, fmt.Errorf("build exists query: %w", err)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return false, fmt.Errorf("check article %s: %w", identifier, err)
	}
	return n > 0, nil
}

// Insert implements crawler.ArticleStore. Duplicate identifiers are ignored.
func (s *Store) Insert(ctx context.Context, streamKey string, item crawler.RawItem, verdict crawler.Verdict) (bool, error) {
	if item.Identifier == "" {
		return false, fmt.Errorf("item identifier is required")
	}
	authors := item.Authors
	if authors == nil {
		authors = []string{}
	}
	authorsJSON, err := json.Marshal(authors)
	if err != nil {
		return false, fmt.Errorf("marshal authors: %w", err)
	}
	query, args, err := sq.Insert(articlesTable).
		Options("OR IGNORE").
		Columns("identifier", "stream", "title", "abstract", "authors", "url", "published", "kind",
			"relevant", "rationale", "agreed", "tie_break").
		Values(item.Identifier, streamKey, item.Title, item.Abstract, string(authorsJSON), item.URL,
			formatTime(item.Published), item.Kind, verdict.Relevant, verdict.Rationale, verdict.Agreed,
			verdict.TieBreak).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("build insert: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("insert article %s: %w", item.Identifier, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert article %s: %w", item.Identifier, err)
	}
	return n == 1, nil
}

// MaxDate implements crawler.ArticleStore.
func (s *Store) MaxDate(ctx context.Context, streamKey string) (time.Time, error) {
	query, args, err := sq.Select("MAX(published)").
		From(articlesTable).
		Where(sq.And{sq.Eq{"stream": streamKey}, sq.NotEq{"published": nil}}).
		ToSql()
	if err != nil {
		return time.Time{}, fmt.Errorf("build max date query: %w", err)
	}
	var raw sql.NullString
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&raw); err != nil {
		return time.Time{}, fmt.Errorf("max date %s: %w", streamKey, err)
	}
	if !raw.Valid {
		return time.Time{}, crawler.ErrNoCheckpoint
	}
	return parseTime(raw.String)
}

// Checkpoint implements crawler.CheckpointStore.
func (s *Store) Checkpoint(ctx context.Context, streamKey string) (time.Time, error) {
	query, args, err := sq.Select("checkpoint_at").From(checkpointsTable).Where(sq.Eq{"stream": streamKey}).ToSql()
	if err != nil {
		return time.Time{}, fmt.Errorf("build checkpoint query: %w", err)
	}
	var raw string
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&raw)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return time.Time{}, crawler.ErrNoCheckpoint
	case err != nil:
		return time.Time{}, fmt.Errorf("read checkpoint %s: %w", streamKey, err)
	}
	return parseTime(raw)
}

// AdvanceCheckpoint implements crawler.CheckpointStore.
func (s *Store) AdvanceCheckpoint(ctx context.Context, streamKey string, at time.Time) error {
	query, args, err := sq.Insert(checkpointsTable).
		Columns("stream", "checkpoint_at").
		Values(streamKey, formatTime(at)).
		Suffix("ON CONFLICT(stream) DO UPDATE SET " +
			"checkpoint_at = MAX(checkpoint_at, excluded.checkpoint_at), " +
			"updated_at = CURRENT_TIMESTAMP").
		ToSql()
	if err != nil {
		return fmt.Errorf("build checkpoint upsert: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("advance checkpoint %s: %w", streamKey, err)
	}
	return nil
}

// RecordFailure implements crawler.FailureRegistry.
func (s *Store) RecordFailure(ctx context.Context, streamKey, reason string, at time.Time) error {
	query, args, err := sq.Insert(failuresTable).
		Columns("stream", "reason", "failed_at", "retry_count").
		Values(streamKey, reason, formatTime(at), 0).
		Suffix("ON CONFLICT(stream) DO UPDATE SET " +
			"reason = excluded.reason, failed_at = excluded.failed_at, " +
			"retry_count = retry_count + 1, last_retry = excluded.failed_at").
		ToSql()
	if err != nil {
		return fmt.Errorf("build failure upsert: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("record failure %s: %w", streamKey, err)
	}
	return nil
}

// ClearFailure implements crawler.FailureRegistry.
func (s *Store) ClearFailure(ctx context.Context, streamKey string) error {
	query, args, err := sq.Delete(failuresTable).Where(sq.Eq{"stream": streamKey}).ToSql()
	if err != nil {
		return fmt.Errorf("build failure delete: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("clear failure %s: %w", streamKey, err)
	}
	return nil
}

// ListFailures implements crawler.FailureRegistry.
func (s *Store) ListFailures(ctx context.Context) ([]crawler.FailureRecord, error) {
	query, args, err := sq.Select("stream", "reason", "failed_at", "retry_count", "last_retry").
		From(failuresTable).
		OrderBy("stream").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build failure list: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list failures: %w", err)
	}
	defer rows.Close()

	var records []crawler.FailureRecord
	for rows.Next() {
		var (
			rec       crawler.FailureRecord
			failedAt  string
			lastRetry sql.NullString
		)
		if err := rows.Scan(&rec.StreamKey, &rec.Reason, &failedAt, &rec.RetryCount, &lastRetry); err != nil {
			return nil, fmt.Errorf("scan failure: %w", err)
		}
		if rec.FailedAt, err = parseTime(failedAt); err != nil {
			return nil, err
		}
		if lastRetry.Valid {
			if rec.LastRetry, err = parseTime(lastRetry.String); err != nil {
				return nil, err
			}
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate failures: %w", err)
	}
	return records, nil
}

// Records returns every stored article of streamKey ordered by publication
// date, undated last.
func (s *Store) Records(ctx context.Context, streamKey string) ([]crawler.ClassifiedItem, error) {
	query, args, err := sq.Select("identifier", "title", "abstract", "authors", "url", "published", "kind",
		"relevant", "rationale", "agreed", "tie_break").
		From(articlesTable).
		Where(sq.Eq{"stream": streamKey}).
		OrderBy("published IS NULL", "published", "identifier").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build records query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var out []crawler.ClassifiedItem
	for rows.Next() {
		var (
			rec       crawler.ClassifiedItem
			authors   string
			published sql.NullString
		)
		if err := rows.Scan(&rec.Item.Identifier, &rec.Item.Title, &rec.Item.Abstract, &authors, &rec.Item.URL,
			&published, &rec.Item.Kind, &rec.Verdict.Relevant, &rec.Verdict.Rationale, &rec.Verdict.Agreed,
			&rec.Verdict.TieBreak); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		if err := json.Unmarshal([]byte(authors), &rec.Item.Authors); err != nil {
			return nil, fmt.Errorf("decode authors of %s: %w", rec.Item.Identifier, err)
		}
		if published.Valid {
			if rec.Item.Published, err = parseTime(published.String); err != nil {
				return nil, err
			}
		}
		rec.Item.StreamKey = streamKey
		rec.Verdict.ItemID = rec.Item.Identifier
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return out, nil
}

func formatTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(raw string) (time.Time, error) {
	t, err := time.Parse(timeLayout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored time %q: %w", raw, err)
	}
	return t, nil
}

package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

const schema = `
	CREATE TABLE IF NOT EXISTS records (
		bucket TEXT NOT NULL,
		key    TEXT NOT NULL,
		value  BLOB NOT NULL,
		status TEXT NOT NULL DEFAULT '',
		ts     INTEGER NOT NULL,
		PRIMARY KEY (bucket, key)
	);
	CREATE INDEX IF NOT EXISTS idx_records_status_ts ON records(bucket, status, ts);
	CREATE INDEX IF NOT EXISTS idx_records_ts ON records(bucket, ts);
`

// SQLiteConfig configures a SQLiteStore.
type SQLiteConfig struct {
	Path   string
	Logger zerolog.Logger
}

// SQLiteStore is a Store backed by a single sqlite file in WAL mode with
// synchronous=FULL, so a returned Put survives a process crash.
type SQLiteStore struct {
	db     *sql.DB
	path   string
	logger zerolog.Logger
}

// OpenSQLite opens or creates the database at cfg.Path.
func OpenSQLite(cfg SQLiteConfig) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, errors.New("database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps pragmas in effect and serializes writers.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	cfg.Logger.Debug().Str("path", cfg.Path).Msg("Local store opened")

	return &SQLiteStore{db: db, path: cfg.Path, logger: cfg.Logger}, nil
}

func (s *SQLiteStore) Put(ctx context.Context, bucket string, rec Record) error {
	value := rec.Value
	if value == nil {
		value = []byte{}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO records (bucket, key, value, status, ts) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(bucket, key) DO UPDATE SET value = excluded.value, status = excluded.status, ts = excluded.ts`,
		bucket, rec.Key, value, rec.Status, rec.Timestamp.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", bucket, rec.Key, err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, bucket, key string) (Record, error) {
	var (
		rec Record
		ts  int64
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT key, value, status, ts FROM records WHERE bucket = ? AND key = ?",
		bucket, key,
	).Scan(&rec.Key, &rec.Value, &rec.Status, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("get %s/%s: %w", bucket, key, err)
	}
	rec.Timestamp = time.Unix(0, ts)
	return rec, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, bucket, key string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM records WHERE bucket = ? AND key = ?", bucket, key); err != nil {
		return fmt.Errorf("delete %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (s *SQLiteStore) QueryByRange(ctx context.Context, bucket string, r Range) ([]Record, error) {
	var (
		query strings.Builder
		args  = []interface{}{bucket}
	)
	query.WriteString("SELECT key, value, status, ts FROM records WHERE bucket = ?")

	if len(r.Statuses) > 0 {
		query.WriteString(" AND status IN (?" + strings.Repeat(", ?", len(r.Statuses)-1) + ")")
		for _, status := range r.Statuses {
			args = append(args, status)
		}
	}
	if !r.From.IsZero() {
		query.WriteString(" AND ts >= ?")
		args = append(args, r.From.UnixNano())
	}
	if !r.To.IsZero() {
		query.WriteString(" AND ts < ?")
		args = append(args, r.To.UnixNano())
	}
	query.WriteString(" ORDER BY ts, key")
	if r.Limit > 0 {
		query.WriteString(" LIMIT ?")
		args = append(args, r.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", bucket, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec Record
			ts  int64
		)
		if err := rows.Scan(&rec.Key, &rec.Value, &rec.Status, &ts); err != nil {
			return nil, fmt.Errorf("scan %s: %w", bucket, err)
		}
		rec.Timestamp = time.Unix(0, ts)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

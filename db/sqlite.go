package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/glebarez/go-sqlite"

	"pulse_scout/models"
)

const createSQLiteTableSQL = `
CREATE TABLE IF NOT EXISTS ticks (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    source TEXT NOT NULL,
    symbol TEXT NOT NULL,
    ts TEXT NOT NULL,
    price REAL NOT NULL,
    volume REAL,
    currency TEXT NOT NULL,
    UNIQUE (source, symbol, ts)
)`

const createSQLiteStagingSQL = `
CREATE TEMP TABLE IF NOT EXISTS ticks_staging (
    source TEXT,
    symbol TEXT,
    ts TEXT,
    price REAL,
    volume REAL,
    currency TEXT
)`

const insertSQLiteFromStagingSQL = `
INSERT OR IGNORE INTO ticks (source, symbol, ts, price, volume, currency)
SELECT source, symbol, ts, price, volume, currency
FROM ticks_staging
ORDER BY rowid`

// SQLiteStore keeps ticks in a local SQLite file.
type SQLiteStore struct {
	dsn string
}

func NewSQLiteStore(dsn string) *SQLiteStore {
	return &SQLiteStore{dsn: dsn}
}

func (s *SQLiteStore) Driver() string { return "sqlite" }

// open returns a single-connection handle so TEMP tables and pragmas apply
// to every statement of the call.
func (s *SQLiteStore) open(ctx context.Context) (*sql.DB, error) {
	if path := s.filePath(); path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", s.dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %s: %w", pragma, err)
		}
	}
	return db, nil
}

// filePath is the on-disk path of a plain or file: DSN, or "" for memory.
func (s *SQLiteStore) filePath() string {
	path := strings.TrimPrefix(s.dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" || path == ":memory:" {
		return ""
	}
	return path
}

func (s *SQLiteStore) EnsureSchema(ctx context.Context) error {
	defer observe(s.Driver(), "ensure_schema")()

	db, err := s.open(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, createSQLiteTableSQL); err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}
	return nil
}

func (s *SQLiteStore) WriteTicks(ctx context.Context, ticks []models.Tick) (int64, error) {
	if len(ticks) == 0 {
		return 0, nil
	}
	defer observe(s.Driver(), "write_ticks")()

	db, err := s.open(ctx)
	if err != nil {
		return 0, err
	}
	defer db.Close()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, createSQLiteStagingSQL); err != nil {
		return 0, fmt.Errorf("failed to create staging table: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM ticks_staging"); err != nil {
		return 0, fmt.Errorf("failed to clear staging table: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO ticks_staging (source, symbol, ts, price, volume, currency) VALUES (?, ?, ?, ?, ?, ?)")
	if err != nil {
		return 0, fmt.Errorf("failed to prepare staging insert: %w", err)
	}
	defer stmt.Close()

	for _, t := range ticks {
		if _, err := stmt.ExecContext(ctx,
			t.Source, t.Symbol, models.FormatTs(t.Ts), t.Price, t.Volume, t.Currency,
		); err != nil {
			return 0, fmt.Errorf("failed to stage tick %s: %w", t.Key(), err)
		}
	}

	var before, after int64
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM ticks").Scan(&before); err != nil {
		return 0, fmt.Errorf("failed to count ticks: %w", err)
	}
	if _, err := tx.ExecContext(ctx, insertSQLiteFromStagingSQL); err != nil {
		return 0, fmt.Errorf("failed to insert from staging: %w", err)
	}
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM ticks").Scan(&after); err != nil {
		return 0, fmt.Errorf("failed to count ticks: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DROP TABLE ticks_staging"); err != nil {
		return 0, fmt.Errorf("failed to drop staging table: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}
	return after - before, nil
}

func (s *SQLiteStore) Count(ctx context.Context) (int64, error) {
	defer observe(s.Driver(), "count")()

	db, err := s.open(ctx)
	if err != nil {
		return 0, err
	}
	defer db.Close()

	ok, err := sqliteTableExists(ctx, db)
	if err != nil || !ok {
		return 0, err
	}

	var n int64
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM ticks").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count ticks: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) LoadTicks(ctx context.Context, filter models.TickFilter) ([]models.Tick, error) {
	defer observe(s.Driver(), "load_ticks")()

	db, err := s.open(ctx)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	ok, err := sqliteTableExists(ctx, db)
	if err != nil || !ok {
		return nil, err
	}

	where, args := filterClause(filter, questionMark)
	rows, err := db.QueryContext(ctx,
		"SELECT source, symbol, ts, price, volume, currency FROM ticks"+where+" ORDER BY ts ASC, id ASC",
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query ticks: %w", err)
	}
	defer rows.Close()

	var ticks []models.Tick
	for rows.Next() {
		var (
			t  models.Tick
			ts string
		)
		if err := rows.Scan(&t.Source, &t.Symbol, &ts, &t.Price, &t.Volume, &t.Currency); err != nil {
			return nil, fmt.Errorf("failed to scan tick: %w", err)
		}
		if err := scanTick(&t, ts); err != nil {
			return nil, err
		}
		ticks = append(ticks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return ticks, nil
}

func sqliteTableExists(ctx context.Context, db *sql.DB) (bool, error) {
	var n int
	err := db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", Table,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to inspect schema: %w", err)
	}
	return n > 0, nil
}

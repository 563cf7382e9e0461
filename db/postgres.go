package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"pulse_scout/models"
	"pulse_scout/utils"
)

const createPostgresTableSQL = `
CREATE TABLE IF NOT EXISTS ticks (
    id BIGSERIAL PRIMARY KEY,
    source TEXT NOT NULL,
    symbol TEXT NOT NULL,
    ts TEXT NOT NULL,
    price DOUBLE PRECISION NOT NULL,
    volume DOUBLE PRECISION,
    currency TEXT NOT NULL,
    CONSTRAINT ticks_natural_key UNIQUE (source, symbol, ts)
)`

const createPostgresStagingSQL = `
CREATE TEMP TABLE ticks_staging (
    source TEXT,
    symbol TEXT,
    ts TEXT,
    price DOUBLE PRECISION,
    volume DOUBLE PRECISION,
    currency TEXT
) ON COMMIT DROP`

const insertPostgresFromStagingSQL = `
INSERT INTO ticks (source, symbol, ts, price, volume, currency)
SELECT source, symbol, ts, price, volume, currency
FROM ticks_staging
ON CONFLICT (source, symbol, ts) DO NOTHING`

var stagingColumns = []string{"source", "symbol", "ts", "price", "volume", "currency"}

// PostgresStore keeps ticks in PostgreSQL. Rows are bulk loaded with COPY
// into a transaction-scoped staging table.
type PostgresStore struct {
	dsn     string
	retries int
}

func NewPostgresStore(dsn string, retries int) *PostgresStore {
	return &PostgresStore{dsn: dsn, retries: retries}
}

func (s *PostgresStore) Driver() string { return "postgres" }

func (s *PostgresStore) connect(ctx context.Context) (*pgx.Conn, error) {
	var conn *pgx.Conn
	err := utils.RetryConnect(ctx, s.retries, func() error {
		c, err := pgx.Connect(ctx, s.dsn)
		if err != nil {
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("unable to connect to postgres: %w", err)
	}
	return conn, nil
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	defer observe(s.Driver(), "ensure_schema")()

	conn, err := s.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)

	if _, err := conn.Exec(ctx, createPostgresTableSQL); err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}
	return nil
}

func (s *PostgresStore) WriteTicks(ctx context.Context, ticks []models.Tick) (int64, error) {
	if len(ticks) == 0 {
		return 0, nil
	}
	defer observe(s.Driver(), "write_ticks")()

	conn, err := s.connect(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close(ctx)

	tx, err := conn.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("error starting transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, createPostgresStagingSQL); err != nil {
		return 0, fmt.Errorf("failed to create staging table: %w", err)
	}

	_, err = tx.CopyFrom(ctx,
		pgx.Identifier{"ticks_staging"},
		stagingColumns,
		pgx.CopyFromSlice(len(ticks), func(i int) ([]any, error) {
			return stagingRow(ticks[i]), nil
		}),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to copy ticks into staging: %w", err)
	}

	var before, after int64
	if err := tx.QueryRow(ctx, "SELECT COUNT(*) FROM ticks").Scan(&before); err != nil {
		return 0, fmt.Errorf("failed to count ticks: %w", err)
	}
	if _, err := tx.Exec(ctx, insertPostgresFromStagingSQL); err != nil {
		return 0, fmt.Errorf("failed to insert from staging: %w", err)
	}
	if err := tx.QueryRow(ctx, "SELECT COUNT(*) FROM ticks").Scan(&after); err != nil {
		return 0, fmt.Errorf("failed to count ticks: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("error committing ticks: %w", err)
	}
	return after - before, nil
}

func (s *PostgresStore) Count(ctx context.Context) (int64, error) {
	defer observe(s.Driver(), "count")()

	conn, err := s.connect(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close(ctx)

	ok, err := postgresTableExists(ctx, conn)
	if err != nil || !ok {
		return 0, err
	}

	var n int64
	if err := conn.QueryRow(ctx, "SELECT COUNT(*) FROM ticks").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count ticks: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) LoadTicks(ctx context.Context, filter models.TickFilter) ([]models.Tick, error) {
	defer observe(s.Driver(), "load_ticks")()

	conn, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close(ctx)

	ok, err := postgresTableExists(ctx, conn)
	if err != nil || !ok {
		return nil, err
	}

	where, args := filterClause(filter, dollar)
	rows, err := conn.Query(ctx,
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

// stagingRow is the COPY row for one tick, in stagingColumns order.
func stagingRow(t models.Tick) []any {
	var volume any
	if t.Volume.Valid {
		volume = t.Volume.Float64
	}
	return []any{t.Source, t.Symbol, models.FormatTs(t.Ts), t.Price, volume, t.Currency}
}

func postgresTableExists(ctx context.Context, conn *pgx.Conn) (bool, error) {
	var exists bool
	err := conn.QueryRow(ctx, "SELECT to_regclass($1) IS NOT NULL", Table).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to inspect schema: %w", err)
	}
	return exists, nil
}

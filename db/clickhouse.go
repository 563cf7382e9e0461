package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/google/uuid"
	"github.com/guregu/null/v5"

	"pulse_scout/models"
	"pulse_scout/utils"
)

const createClickHouseTableSQL = `
CREATE TABLE IF NOT EXISTS ticks (
    id UUID DEFAULT generateUUIDv4(),
    source String,
    symbol String,
    ts String,
    price Float64,
    volume Nullable(Float64),
    currency String
) ENGINE = ReplacingMergeTree()
ORDER BY (source, symbol, ts)
`

// chTick is the staging row layout.
type chTick struct {
	Source   string   `ch:"source"`
	Symbol   string   `ch:"symbol"`
	Ts       string   `ch:"ts"`
	Price    float64  `ch:"price"`
	Volume   *float64 `ch:"volume"`
	Currency string   `ch:"currency"`
}

func toCHTick(t models.Tick) chTick {
	return chTick{
		Source:   t.Source,
		Symbol:   t.Symbol,
		Ts:       models.FormatTs(t.Ts),
		Price:    t.Price,
		Volume:   t.Volume.Ptr(),
		Currency: t.Currency,
	}
}

// ClickHouseStore keeps ticks in ClickHouse. ClickHouse has no unique
// constraints, so the natural key is the ReplacingMergeTree sorting key and
// writes only insert keys that are not stored yet.
type ClickHouseStore struct {
	options *clickhouse.Options
	retries int
}

func NewClickHouseStore(dsn string, retries int) (*ClickHouseStore, error) {
	options, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid clickhouse dsn: %w", err)
	}
	if options.Settings == nil {
		options.Settings = clickhouse.Settings{}
	}
	options.Settings["max_execution_time"] = 60
	return &ClickHouseStore{options: options, retries: retries}, nil
}

func (s *ClickHouseStore) Driver() string { return "clickhouse" }

func (s *ClickHouseStore) connect(ctx context.Context) (driver.Conn, error) {
	conn, err := clickhouse.Open(s.options)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	if err := utils.RetryConnect(ctx, s.retries, func() error {
		return conn.Ping(ctx)
	}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}
	return conn, nil
}

func (s *ClickHouseStore) EnsureSchema(ctx context.Context) error {
	defer observe(s.Driver(), "ensure_schema")()

	conn, err := s.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.Exec(ctx, createClickHouseTableSQL); err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}
	return nil
}

func (s *ClickHouseStore) WriteTicks(ctx context.Context, ticks []models.Tick) (int64, error) {
	if len(ticks) == 0 {
		return 0, nil
	}
	defer observe(s.Driver(), "write_ticks")()

	conn, err := s.connect(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	staging := clickHouseStagingName()
	if err := conn.Exec(ctx, clickHouseStagingSQL(staging)); err != nil {
		return 0, fmt.Errorf("failed to create staging table: %w", err)
	}
	defer conn.Exec(context.WithoutCancel(ctx), "DROP TABLE IF EXISTS "+staging)

	batch, err := conn.PrepareBatch(ctx, "INSERT INTO "+staging)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare batch: %w", err)
	}
	for _, t := range ticks {
		row := toCHTick(t)
		if err := batch.AppendStruct(&row); err != nil {
			return 0, fmt.Errorf("failed to stage tick %s: %w", t.Key(), err)
		}
	}
	if err := batch.Send(); err != nil {
		return 0, fmt.Errorf("failed to send batch: %w", err)
	}

	before, err := s.count(ctx, conn)
	if err != nil {
		return 0, err
	}
	if err := conn.Exec(ctx, clickHouseInsertSQL(staging)); err != nil {
		return 0, fmt.Errorf("failed to insert from staging: %w", err)
	}
	after, err := s.count(ctx, conn)
	if err != nil {
		return 0, err
	}
	return after - before, nil
}

func (s *ClickHouseStore) Count(ctx context.Context) (int64, error) {
	defer observe(s.Driver(), "count")()

	conn, err := s.connect(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	ok, err := clickHouseTableExists(ctx, conn)
	if err != nil || !ok {
		return 0, err
	}
	return s.count(ctx, conn)
}

func (s *ClickHouseStore) count(ctx context.Context, conn driver.Conn) (int64, error) {
	var n uint64
	if err := conn.QueryRow(ctx, "SELECT count() FROM ticks FINAL").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count ticks: %w", err)
	}
	return int64(n), nil
}

func (s *ClickHouseStore) LoadTicks(ctx context.Context, filter models.TickFilter) ([]models.Tick, error) {
	defer observe(s.Driver(), "load_ticks")()

	conn, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	ok, err := clickHouseTableExists(ctx, conn)
	if err != nil || !ok {
		return nil, err
	}

	where, args := filterClause(filter, questionMark)
	rows, err := conn.Query(ctx,
		"SELECT source, symbol, ts, price, volume, currency FROM ticks FINAL"+where+" ORDER BY ts ASC",
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query ticks: %w", err)
	}
	defer rows.Close()

	var ticks []models.Tick
	for rows.Next() {
		var row chTick
		if err := rows.Scan(&row.Source, &row.Symbol, &row.Ts, &row.Price, &row.Volume, &row.Currency); err != nil {
			return nil, fmt.Errorf("failed to scan tick: %w", err)
		}
		t := models.Tick{
			Source:   row.Source,
			Symbol:   row.Symbol,
			Price:    row.Price,
			Volume:   null.FloatFromPtr(row.Volume),
			Currency: row.Currency,
		}
		if err := scanTick(&t, row.Ts); err != nil {
			return nil, err
		}
		ticks = append(ticks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return ticks, nil
}

func clickHouseStagingName() string {
	return "ticks_staging_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func clickHouseStagingSQL(staging string) string {
	return `CREATE TABLE ` + staging + ` (
    source String,
    symbol String,
    ts String,
    price Float64,
    volume Nullable(Float64),
    currency String
) ENGINE = Memory`
}

// clickHouseInsertSQL copies staged keys that are not stored yet, keeping
// the first staged row of each key.
func clickHouseInsertSQL(staging string) string {
	return `INSERT INTO ticks (source, symbol, ts, price, volume, currency)
SELECT source, symbol, ts, price, volume, currency
FROM ` + staging + `
WHERE (source, symbol, ts) NOT IN (SELECT source, symbol, ts FROM ticks)
LIMIT 1 BY source, symbol, ts`
}

func clickHouseTableExists(ctx context.Context, conn driver.Conn) (bool, error) {
	var exists uint8
	if err := conn.QueryRow(ctx, "EXISTS TABLE "+Table).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to inspect schema: %w", err)
	}
	return exists == 1, nil
}

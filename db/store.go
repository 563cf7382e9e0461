package db

import (
	"context"
	"fmt"
	"time"

	"pulse_scout/config"
	"pulse_scout/models"
	"pulse_scout/monitoring"
)

// Table is the durable tick table shared by every backend.
const Table = "ticks"

// Store persists ticks idempotently by (source, symbol, ts). Implementations
// open and close their own connection inside every call.
type Store interface {
	// EnsureSchema creates the tick table if it does not exist.
	EnsureSchema(ctx context.Context) error
	// WriteTicks inserts the rows not already present and returns how many
	// rows the table gained.
	WriteTicks(ctx context.Context, ticks []models.Tick) (int64, error)
	// Count returns the number of stored ticks. A missing table counts as 0.
	Count(ctx context.Context) (int64, error)
	// LoadTicks returns matching ticks ordered by ts ascending.
	LoadTicks(ctx context.Context, filter models.TickFilter) ([]models.Tick, error)
	Driver() string
}

// Open returns the store selected by cfg.Store.Driver.
func Open(cfg *config.Config) (Store, error) {
	switch cfg.Store.Driver {
	case config.DriverSQLite:
		return NewSQLiteStore(cfg.Store.DSN), nil
	case config.DriverPostgres:
		return NewPostgresStore(cfg.Store.DSN, cfg.Store.ConnectRetries), nil
	case config.DriverClickHouse:
		return NewClickHouseStore(cfg.Store.DSN, cfg.Store.ConnectRetries)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// observe records the duration of one store operation.
func observe(driver, op string) func() {
	start := time.Now()
	return func() {
		monitoring.QueryDuration.WithLabelValues(driver, op).Observe(time.Since(start).Seconds())
	}
}

// scanTick rebuilds a Tick from its stored ts string.
func scanTick(t *models.Tick, ts string) error {
	parsed, err := models.ParseTs(ts)
	if err != nil {
		return err
	}
	t.Ts = parsed
	return nil
}

// filterClause renders an optional WHERE clause using the driver's
// placeholder style.
func filterClause(f models.TickFilter, placeholder func(n int) string) (string, []any) {
	var (
		where string
		args  []any
	)
	add := func(col, val string) {
		if val == "" {
			return
		}
		args = append(args, val)
		if where == "" {
			where = " WHERE "
		} else {
			where += " AND "
		}
		where += col + " = " + placeholder(len(args))
	}
	add("source", f.Source)
	add("symbol", f.Symbol)
	return where, args
}

func questionMark(int) string { return "?" }

func dollar(n int) string { return fmt.Sprintf("$%d", n) }

// Package normalizer turns raw source payloads into canonical Tick rows.
//
// Rows whose timestamp or price cannot be parsed are dropped here and never
// reach a store. A missing volume is kept as null.
package normalizer

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/guregu/null/v5"

	"pulse_scout/models"
	"pulse_scout/source"
)

// Canonical column names.
const (
	ColTs     = "ts"
	ColPrice  = "price"
	ColVolume = "volume"
)

var requiredColumns = []string{ColTs, ColPrice, ColVolume}

// SchemaError means a renamed CSV header still lacks canonical columns,
// usually because the provider changed its format.
type SchemaError struct {
	Missing   []string
	Available []string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("missing columns after rename: [%s]; available: [%s]",
		strings.Join(e.Missing, ", "), strings.Join(e.Available, ", "))
}

// Tags are the constant columns attached to every row of a source.
type Tags struct {
	Symbol   string
	Currency string
	Source   string
}

func (t Tags) tick(ts time.Time, price float64, volume null.Float) models.Tick {
	return models.Tick{
		Source:   t.Source,
		Symbol:   t.Symbol,
		Ts:       ts,
		Price:    price,
		Volume:   volume,
		Currency: t.Currency,
	}
}

// FromCSV renames columns with rename, checks the canonical set is present,
// coerces types and drops rows with a null ts or price.
func FromCSV(raw *source.RawTable, rename map[string]string, tags Tags) ([]models.Tick, error) {
	index := make(map[string]int, len(raw.Columns))
	available := make([]string, 0, len(raw.Columns))
	for i, col := range raw.Columns {
		name := col
		if to, ok := rename[col]; ok {
			name = to
		}
		available = append(available, name)
		// first occurrence wins on duplicate names
		if _, dup := index[name]; !dup {
			index[name] = i
		}
	}

	var missing []string
	for _, col := range requiredColumns {
		if _, ok := index[col]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, &SchemaError{Missing: missing, Available: available}
	}

	tsIdx, priceIdx, volIdx := index[ColTs], index[ColPrice], index[ColVolume]
	ticks := make([]models.Tick, 0, len(raw.Rows))
	for _, row := range raw.Rows {
		ts := ParseDate(cell(row, tsIdx))
		price := ParseNumber(cell(row, priceIdx))
		if !ts.Valid || !price.Valid {
			continue
		}
		ticks = append(ticks, tags.tick(ts.Time, price.Float64, ParseNumber(cell(row, volIdx))))
	}
	return ticks, nil
}

// FromMarketChart left-joins prices with total_volumes on the millisecond
// timestamp. Volumes without a matching price are discarded.
func FromMarketChart(chart *source.MarketChart, tags Tags) []models.Tick {
	volumes := make(map[int64]null.Float, len(chart.TotalVolumes))
	for _, p := range chart.TotalVolumes {
		ms, ok := millis(p.Millis())
		if !ok {
			continue
		}
		if _, seen := volumes[ms]; !seen {
			volumes[ms] = finite(p.Value())
		}
	}

	ticks := make([]models.Tick, 0, len(chart.Prices))
	for _, p := range chart.Prices {
		ms, ok := millis(p.Millis())
		price := finite(p.Value())
		if !ok || !price.Valid {
			continue
		}
		ticks = append(ticks, tags.tick(time.UnixMilli(ms).UTC(), price.Float64, volumes[ms]))
	}
	return ticks
}

var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05Z07:00",
}

// ParseDate parses a CSV date cell. Anything unrecognised is null. An offset
// is dropped, not applied: the provider's wall-clock date is kept as UTC.
func ParseDate(s string) null.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return null.Time{}
	}
	for _, layout := range dateLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return null.TimeFrom(time.Date(ts.Year(), ts.Month(), ts.Day(),
				ts.Hour(), ts.Minute(), ts.Second(), ts.Nanosecond(), time.UTC))
		}
	}
	return null.Time{}
}

// ParseNumber parses a numeric cell. Empty, malformed, NaN and infinite
// values are null.
func ParseNumber(s string) null.Float {
	s = strings.TrimSpace(s)
	if s == "" {
		return null.Float{}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return null.Float{}
	}
	return finite(null.FloatFrom(f))
}

func finite(f null.Float) null.Float {
	if !f.Valid || math.IsNaN(f.Float64) || math.IsInf(f.Float64, 0) {
		return null.Float{}
	}
	return f
}

// maxMillis bounds timestamps so the int64 conversion stays defined.
const maxMillis = 1 << 62

func millis(f null.Float) (int64, bool) {
	f = finite(f)
	if !f.Valid || math.Abs(f.Float64) > maxMillis {
		return 0, false
	}
	return int64(f.Float64), true
}

func cell(row []string, i int) string {
	if i < len(row) {
		return row[i]
	}
	return ""
}

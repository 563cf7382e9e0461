package models

import (
	"fmt"
	"time"

	"github.com/guregu/null/v5"
)

// TsLayout is the canonical on-disk form of Tick.Ts. Stores compare the key
// byte for byte, so every backend must serialize through FormatTs.
const TsLayout = "2006-01-02"

// Tick is one daily price observation of an asset from one source.
// (Source, Symbol, Ts) is the natural key.
type Tick struct {
	Source   string     `json:"source"`
	Symbol   string     `json:"symbol"`
	Ts       time.Time  `json:"ts"`
	Price    float64    `json:"price"`
	Volume   null.Float `json:"volume"`
	Currency string     `json:"currency"`
}

// Key returns the natural key with the timestamp in canonical form.
func (t Tick) Key() string {
	return t.Source + "|" + t.Symbol + "|" + FormatTs(t.Ts)
}

func (t Tick) String() string {
	vol := "null"
	if t.Volume.Valid {
		vol = fmt.Sprintf("%.2f", t.Volume.Float64)
	}
	return fmt.Sprintf("%s %s %s price=%.2f volume=%s %s",
		FormatTs(t.Ts), t.Source, t.Symbol, t.Price, vol, t.Currency)
}

// FormatTs converts ts to UTC and renders it with TsLayout.
func FormatTs(ts time.Time) string {
	return ts.UTC().Format(TsLayout)
}

var storedTsLayouts = []string{
	TsLayout,
	"2006-01-02 15:04:05",
	time.RFC3339,
}

// ParseTs reads a ts value back from a store.
func ParseTs(s string) (time.Time, error) {
	for _, layout := range storedTsLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized ts %q", s)
}

// TickFilter narrows dashboard reads. Empty fields match everything.
type TickFilter struct {
	Source string
	Symbol string
}

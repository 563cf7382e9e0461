package dashboard

import (
	"math"
	"sort"
	"time"

	"github.com/guregu/null/v5"

	"pulse_scout/models"
)

// ChangePoint is a tick with its percent change over the alert window.
type ChangePoint struct {
	Ts        time.Time  `json:"ts"`
	Price     float64    `json:"price"`
	PricePrev null.Float `json:"price_prev"`
	ChangePct null.Float `json:"change_pct"`
}

// Alert summarizes the most recent alert.
type Alert struct {
	ChangePoint
	Direction string  `json:"direction"`
	Delta     float64 `json:"delta"`
}

// ChangeSeries computes the percent change against the price window rows
// earlier. The window counts rows, not days: gaps in the data stretch it.
func ChangeSeries(ticks []models.Tick, window int) []ChangePoint {
	sorted := append([]models.Tick(nil), ticks...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Ts.Before(sorted[j].Ts)
	})

	points := make([]ChangePoint, len(sorted))
	for i, t := range sorted {
		points[i] = ChangePoint{Ts: t.Ts, Price: t.Price}
		if window <= 0 || i < window {
			continue
		}
		prev := sorted[i-window].Price
		points[i].PricePrev = null.FloatFrom(prev)
		if change := (t.Price/prev - 1.0) * 100; !math.IsNaN(change) && !math.IsInf(change, 0) {
			points[i].ChangePct = null.FloatFrom(change)
		}
	}
	return points
}

// Alerts keeps the points whose absolute change reaches threshold.
func Alerts(points []ChangePoint, threshold float64) []ChangePoint {
	var alerts []ChangePoint
	for _, p := range points {
		if p.ChangePct.Valid && math.Abs(p.ChangePct.Float64) >= threshold {
			alerts = append(alerts, p)
		}
	}
	return alerts
}

// Last returns the latest alert, or nil if there is none.
func Last(alerts []ChangePoint) *Alert {
	if len(alerts) == 0 {
		return nil
	}
	p := alerts[len(alerts)-1]
	direction := "down"
	if p.ChangePct.Float64 > 0 {
		direction = "up"
	}
	return &Alert{
		ChangePoint: p,
		Direction:   direction,
		Delta:       p.Price - p.PricePrev.Float64,
	}
}

func tail[T any](s []T, n int) []T {
	if n >= 0 && len(s) > n {
		return s[len(s)-n:]
	}
	return s
}

// Package pipeline runs one ingest pass: every configured source is fetched
// and normalized in order, and the combined rows are written in one batch.
//
// A failure in any source aborts the run before anything is written, so rows
// already normalized from earlier sources are discarded for that run.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"pulse_scout/config"
	"pulse_scout/db"
	"pulse_scout/metrics"
	"pulse_scout/models"
	"pulse_scout/monitoring"
	"pulse_scout/normalizer"
	"pulse_scout/source"
)

// SampleSize is how many normalized rows the summary keeps.
const SampleSize = 3

// CSVFetcher is the CSV adapter used by the pipeline.
type CSVFetcher interface {
	Download(ctx context.Context, url, path string) (*source.DownloadResult, error)
}

// ChartFetcher is the market chart adapter used by the pipeline.
type ChartFetcher interface {
	Fetch(ctx context.Context, r source.MarketChartRequest) (*source.MarketChart, error)
}

type Pipeline struct {
	cfg    *config.Config
	store  db.Store
	csv    CSVFetcher
	chart  ChartFetcher
	logger *zap.SugaredLogger
}

func New(cfg *config.Config, store db.Store, csv CSVFetcher, chart ChartFetcher, logger *zap.SugaredLogger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Pipeline{
		cfg:    cfg,
		store:  store,
		csv:    csv,
		chart:  chart,
		logger: logger,
	}
}

// Run fetches and normalizes every source, then ensures the schema and
// writes the combined batch.
func (p *Pipeline) Run(ctx context.Context) (stats *models.RunStats, err error) {
	stats = &models.RunStats{RunID: uuid.NewString()}
	log := p.logger.With("run_id", stats.RunID)
	defer func() {
		metrics.RecordRun(err)
		runs, failed, last, uptime := metrics.GetStats()
		log.Infow("Run recorded",
			"succeeded", err == nil,
			"runs", runs,
			"failed_runs", failed,
			"last_run", last,
			"uptime", uptime.Round(time.Millisecond).String(),
		)
	}()

	var combined []models.Tick
	for _, src := range p.cfg.Sources {
		ticks, srcStats, err := p.ingest(ctx, src)
		if err != nil {
			metrics.IncrementErrors(errorKind(err))
			log.Errorw("Source failed, aborting run", "source", src.Name, "error", err)
			return stats, fmt.Errorf("source %s: %w", src.Name, err)
		}

		metrics.RecordSource(src.Source, srcStats.Raw, srcStats.Normalized)
		log.Infow("Source normalized",
			"source", src.Name,
			"kind", src.Kind,
			"cached", srcStats.Cached,
			"raw_rows", srcStats.Raw,
			"normalized_rows", srcStats.Normalized,
		)

		stats.Sources = append(stats.Sources, srcStats)
		stats.Raw += srcStats.Raw
		stats.Normalized += srcStats.Normalized
		combined = append(combined, ticks...)
	}

	if n := min(SampleSize, len(combined)); n > 0 {
		stats.Sample = append([]models.Tick(nil), combined[:n]...)
	}

	if err := p.store.EnsureSchema(ctx); err != nil {
		metrics.IncrementErrors("store")
		return stats, fmt.Errorf("ensure schema: %w", err)
	}

	monitoring.BatchSize.Set(float64(len(combined)))
	inserted, err := p.store.WriteTicks(ctx, combined)
	if err != nil {
		metrics.IncrementErrors("store")
		return stats, fmt.Errorf("write ticks: %w", err)
	}
	stats.Inserted = inserted
	metrics.RecordInserted(inserted)

	total, err := p.store.Count(ctx)
	if err != nil {
		metrics.IncrementErrors("store")
		return stats, fmt.Errorf("count ticks: %w", err)
	}
	stats.Total = total

	log.Infow("Ingest run finished",
		"driver", p.store.Driver(),
		"raw_rows", stats.Raw,
		"normalized_rows", stats.Normalized,
		"inserted_rows", stats.Inserted,
		"total_rows", stats.Total,
	)
	return stats, nil
}

func (p *Pipeline) ingest(ctx context.Context, src config.Source) ([]models.Tick, models.SourceStats, error) {
	stats := models.SourceStats{Name: src.Name, Source: src.Source, Kind: src.Kind}
	tags := normalizer.Tags{Symbol: src.Symbol, Currency: src.Currency, Source: src.Source}

	switch src.Kind {
	case models.KindCSV:
		res, err := p.csv.Download(ctx, src.URL, p.cfg.CachePath(src))
		if err != nil {
			return nil, stats, err
		}
		stats.Cached = res.Cached

		raw, err := source.Load(res.Path)
		if err != nil {
			return nil, stats, err
		}
		stats.Raw = raw.Len()

		ticks, err := normalizer.FromCSV(raw, src.RenameMap(), tags)
		if err != nil {
			return nil, stats, err
		}
		stats.Normalized = len(ticks)
		return ticks, stats, nil

	case models.KindAPI:
		chart, err := p.chart.Fetch(ctx, source.MarketChartRequest{
			BaseURL:    p.cfg.CoinGecko.BaseURL,
			CoinID:     src.CoinID,
			VsCurrency: src.Currency,
			Days:       src.Days,
		})
		if err != nil {
			return nil, stats, err
		}
		stats.Raw = len(chart.Prices)

		ticks := normalizer.FromMarketChart(chart, tags)
		stats.Normalized = len(ticks)
		return ticks, stats, nil

	default:
		return nil, stats, fmt.Errorf("unknown source kind %q", src.Kind)
	}
}

func errorKind(err error) string {
	var (
		dlErr     *source.DownloadError
		apiErr    *source.APIError
		schemaErr *normalizer.SchemaError
	)
	switch {
	case errors.As(err, &dlErr):
		return "download"
	case errors.As(err, &apiErr):
		return "api"
	case errors.As(err, &schemaErr):
		return "schema"
	default:
		return "other"
	}
}

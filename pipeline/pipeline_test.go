package pipeline

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"pulse_scout/config"
	"pulse_scout/db"
	"pulse_scout/metrics"
	"pulse_scout/models"
	"pulse_scout/normalizer"
	"pulse_scout/source"
)

const btcCSV = "time,PriceUSD,volume_reported_spot_usd_1d\n2020-01-01,7000,\n2020-01-02,7100,\nbad,1,\n"

type upstream struct {
	srv       *httptest.Server
	csvStatus int
	csvBody   string
	chartBody string
	csvHits   atomic.Int32
}

func newUpstream(t *testing.T) *upstream {
	u := &upstream{
		csvStatus: http.StatusOK,
		csvBody:   btcCSV,
		chartBody: `{"prices":[[1577923200000,7200],[1578009600000,7300]],"total_volumes":[[1577923200000,5]]}`,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/btc.csv", func(w http.ResponseWriter, r *http.Request) {
		u.csvHits.Add(1)
		w.WriteHeader(u.csvStatus)
		w.Write([]byte(u.csvBody))
	})
	mux.HandleFunc("/coins/bitcoin/market_chart", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(u.chartBody))
	})
	u.srv = httptest.NewServer(mux)
	t.Cleanup(u.srv.Close)
	return u
}

type fixture struct {
	cfg   *config.Config
	store *db.SQLiteStore
	up    *upstream
}

func newFixture(t *testing.T, sources ...config.Source) *fixture {
	dir := t.TempDir()
	up := newUpstream(t)

	cfg := &config.Config{}
	cfg.App.RawDir = filepath.Join(dir, "raw")
	cfg.App.TimeoutSecs = 5
	cfg.CoinGecko.BaseURL = up.srv.URL
	cfg.Store.Driver = config.DriverSQLite
	cfg.Store.DSN = filepath.Join(dir, "db", "pulse_scout.sqlite")
	for _, s := range sources {
		if s.Kind == models.KindCSV {
			s.URL = up.srv.URL + "/btc.csv"
		}
		cfg.Sources = append(cfg.Sources, s)
	}

	return &fixture{cfg: cfg, store: db.NewSQLiteStore(cfg.Store.DSN), up: up}
}

func (f *fixture) pipeline() *Pipeline {
	return New(f.cfg, f.store,
		source.NewCSVFetcher(f.cfg.Timeout()),
		source.NewMarketChartClient("", f.cfg.Timeout()),
		nil,
	)
}

var (
	csvSource = config.Source{
		Name: "coinmetrics_btc", Kind: models.KindCSV, Source: "coinmetrics_csv",
		Symbol: "BTC", Currency: "USD",
	}
	apiSource = config.Source{
		Name: "coingecko_btc", Kind: models.KindAPI, Source: "coingecko_api",
		Symbol: "BTC", Currency: "USD", CoinID: "bitcoin", Days: 2,
	}
)

func TestRunCSVScenario(t *testing.T) {
	f := newFixture(t, csvSource)
	ctx := context.Background()

	stats, err := f.pipeline().Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Raw)
	assert.Equal(t, 2, stats.Normalized)
	assert.Equal(t, int64(2), stats.Inserted)
	assert.Equal(t, int64(2), stats.Total)
	assert.NotEmpty(t, stats.RunID)
	require.Len(t, stats.Sample, 2)
	assert.Equal(t, "BTC", stats.Sample[0].Symbol)
	assert.Equal(t, "USD", stats.Sample[0].Currency)

	stats, err = f.pipeline().Run(ctx)
	require.NoError(t, err)
	assert.True(t, stats.Sources[0].Cached)
	assert.Zero(t, stats.Inserted)
	assert.Equal(t, int64(2), stats.Total)
	assert.Equal(t, int32(1), f.up.csvHits.Load())
}

func TestRunCombinesSources(t *testing.T) {
	f := newFixture(t, csvSource, apiSource)
	ctx := context.Background()

	stats, err := f.pipeline().Run(ctx)
	require.NoError(t, err)
	require.Len(t, stats.Sources, 2)
	assert.Equal(t, 2, stats.Sources[1].Raw)
	assert.Equal(t, 4, stats.Normalized)
	assert.Equal(t, int64(4), stats.Inserted)

	ticks, err := f.store.LoadTicks(ctx, models.TickFilter{Source: "coingecko_api"})
	require.NoError(t, err)
	require.Len(t, ticks, 2)
	assert.Equal(t, "2020-01-02", models.FormatTs(ticks[0].Ts))
	assert.True(t, ticks[0].Volume.Valid)
	assert.False(t, ticks[1].Volume.Valid)
}

func TestRunDownloadErrorLeavesStoreUntouched(t *testing.T) {
	f := newFixture(t, apiSource, csvSource)
	f.up.csvStatus = http.StatusNotFound

	stats, err := f.pipeline().Run(context.Background())
	require.Error(t, err)

	var dlErr *source.DownloadError
	require.True(t, errors.As(err, &dlErr))
	assert.Equal(t, http.StatusNotFound, dlErr.StatusCode)
	assert.Contains(t, err.Error(), "coinmetrics_btc")
	assert.Zero(t, stats.Inserted)

	total, err := f.store.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestRunSchemaDriftAborts(t *testing.T) {
	f := newFixture(t, csvSource)
	f.up.csvBody = "date,PriceUSD\n2020-01-01,7000\n"

	_, err := f.pipeline().Run(context.Background())

	var schemaErr *normalizer.SchemaError
	require.True(t, errors.As(err, &schemaErr))
	assert.Equal(t, []string{"ts", "volume"}, schemaErr.Missing)

	total, err := f.store.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestRunAPIErrorAborts(t *testing.T) {
	f := newFixture(t, apiSource)
	f.cfg.Sources[0].CoinID = "unknown"

	_, err := f.pipeline().Run(context.Background())

	var apiErr *source.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "api", errorKind(err))
}

type failingStore struct {
	db.Store
	ensured bool
}

func (s *failingStore) EnsureSchema(context.Context) error {
	s.ensured = true
	return errors.New("disk full")
}

func TestRunStoreError(t *testing.T) {
	f := newFixture(t, csvSource)
	store := &failingStore{Store: f.store}

	p := New(f.cfg, store, source.NewCSVFetcher(time.Second), source.NewMarketChartClient("", time.Second), nil)
	_, err := p.Run(context.Background())
	require.Error(t, err)
	assert.True(t, store.ensured)
	assert.Contains(t, err.Error(), "ensure schema")
}

func TestPrintSummary(t *testing.T) {
	f := newFixture(t, csvSource)
	stats, err := f.pipeline().Run(context.Background())
	require.NoError(t, err)

	var buf bytes.Buffer
	PrintSummary(&buf, stats)
	out := buf.String()

	assert.Contains(t, out, "[coinmetrics_btc] downloaded raw=3 norm=2 dropped=1")
	assert.Contains(t, out, "[db] inserted=2 total=2")
	assert.Contains(t, out, "2020-01-01 coinmetrics_csv BTC price=7000.00 volume=null USD")
}

func TestErrorKind(t *testing.T) {
	assert.Equal(t, "download", errorKind(&source.DownloadError{StatusCode: 500}))
	assert.Equal(t, "schema", errorKind(&normalizer.SchemaError{}))
	assert.Equal(t, "other", errorKind(errors.New("x")))
}

func TestRunLogsRunStats(t *testing.T) {
	f := newFixture(t, csvSource)
	f.up.csvStatus = http.StatusInternalServerError

	core, logs := observer.New(zap.InfoLevel)
	p := New(f.cfg, f.store,
		source.NewCSVFetcher(f.cfg.Timeout()),
		source.NewMarketChartClient("", f.cfg.Timeout()),
		zap.New(core).Sugar(),
	)
	_, err := p.Run(context.Background())
	require.Error(t, err)

	runs, failed, last, _ := metrics.GetStats()
	entries := logs.FilterMessage("Run recorded").All()
	require.Len(t, entries, 1)

	fields := entries[0].ContextMap()
	assert.Equal(t, false, fields["succeeded"])
	assert.Equal(t, runs, fields["runs"])
	assert.Equal(t, failed, fields["failed_runs"])
	assert.False(t, last.IsZero())
	assert.NotEmpty(t, fields["run_id"])
}

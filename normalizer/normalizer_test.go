package normalizer

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulse_scout/models"
	"pulse_scout/source"
)

var (
	coinmetrics = map[string]string{
		"time":                        "ts",
		"PriceUSD":                    "price",
		"volume_reported_spot_usd_1d": "volume",
	}
	btcTags = Tags{Symbol: "BTC", Currency: "USD", Source: "coinmetrics_csv"}
)

func readTable(t *testing.T, body string) *source.RawTable {
	t.Helper()
	table, err := source.ReadCSV(strings.NewReader(body))
	require.NoError(t, err)
	return table
}

func TestFromCSVScenario(t *testing.T) {
	raw := readTable(t, "time,PriceUSD,volume_reported_spot_usd_1d\n2020-01-01,7000,\n2020-01-02,7100,\n")

	ticks, err := FromCSV(raw, coinmetrics, btcTags)
	require.NoError(t, err)
	require.Len(t, ticks, 2)

	for _, tick := range ticks {
		assert.Equal(t, "BTC", tick.Symbol)
		assert.Equal(t, "USD", tick.Currency)
		assert.Equal(t, "coinmetrics_csv", tick.Source)
		assert.False(t, tick.Volume.Valid)
	}
	assert.Equal(t, "2020-01-01", models.FormatTs(ticks[0].Ts))
	assert.InDelta(t, 7100, ticks[1].Price, 0)
}

func TestFromCSVDropsBrokenRows(t *testing.T) {
	raw := readTable(t, "time,PriceUSD,volume_reported_spot_usd_1d,CapMrktCurUSD\n"+
		"2020-01-01,7000,12.5,1\n"+
		"not-a-date,7050,1,1\n"+
		"2020-01-03,,1,1\n"+
		"2020-01-04,abc,1,1\n"+
		"2020-01-05,NaN,1,1\n"+
		"2020-01-06,7200,oops,1\n")

	ticks, err := FromCSV(raw, coinmetrics, btcTags)
	require.NoError(t, err)
	require.Len(t, ticks, 2)

	assert.Equal(t, "2020-01-01", models.FormatTs(ticks[0].Ts))
	assert.True(t, ticks[0].Volume.Valid)
	assert.InDelta(t, 12.5, ticks[0].Volume.Float64, 0)

	assert.Equal(t, "2020-01-06", models.FormatTs(ticks[1].Ts))
	assert.False(t, ticks[1].Volume.Valid)
}

func TestFromCSVSchemaDrift(t *testing.T) {
	raw := readTable(t, "date,PriceUSD\n2020-01-01,7000\n")

	ticks, err := FromCSV(raw, coinmetrics, btcTags)
	require.Error(t, err)
	assert.Nil(t, ticks)

	var schemaErr *SchemaError
	require.True(t, errors.As(err, &schemaErr))
	assert.Equal(t, []string{"ts", "volume"}, schemaErr.Missing)
	assert.Equal(t, []string{"date", "price"}, schemaErr.Available)
	assert.Contains(t, err.Error(), "ts, volume")
}

func TestFromCSVCanonicalHeader(t *testing.T) {
	raw := readTable(t, "ts,price,volume\n2021-05-01T00:00:00Z,1.5,2\n")

	ticks, err := FromCSV(raw, nil, btcTags)
	require.NoError(t, err)
	require.Len(t, ticks, 1)
	assert.Equal(t, time.Date(2021, 5, 1, 0, 0, 0, 0, time.UTC), ticks[0].Ts)
}

func TestFromMarketChartScenario(t *testing.T) {
	chart := chartFromJSON(t, `{"prices":[[1000,100],[2000,110]],"total_volumes":[[1000,5]]}`)

	ticks := FromMarketChart(chart, Tags{Symbol: "BTC", Currency: "USD", Source: "coingecko_api"})
	require.Len(t, ticks, 2)

	assert.Equal(t, time.UnixMilli(1000).UTC(), ticks[0].Ts)
	assert.InDelta(t, 100, ticks[0].Price, 0)
	require.True(t, ticks[0].Volume.Valid)
	assert.InDelta(t, 5, ticks[0].Volume.Float64, 0)

	assert.Equal(t, time.UnixMilli(2000).UTC(), ticks[1].Ts)
	assert.False(t, ticks[1].Volume.Valid)
	assert.Equal(t, "coingecko_api", ticks[1].Source)
}

func TestFromMarketChartLeftJoin(t *testing.T) {
	chart := chartFromJSON(t, `{
		"prices":[[1000,100],[2000,null],[null,5],[3000,120]],
		"total_volumes":[[3000,7],[3000,8],[4000,9]]
	}`)

	ticks := FromMarketChart(chart, Tags{Symbol: "BTC", Currency: "USD", Source: "coingecko_api"})
	require.Len(t, ticks, 2)

	assert.Equal(t, int64(1000), ticks[0].Ts.UnixMilli())
	assert.False(t, ticks[0].Volume.Valid)
	assert.Equal(t, int64(3000), ticks[1].Ts.UnixMilli())
	assert.InDelta(t, 7, ticks[1].Volume.Float64, 0)

	for _, tick := range ticks {
		assert.NotEqual(t, int64(4000), tick.Ts.UnixMilli())
	}
}

func TestParseNumber(t *testing.T) {
	assert.True(t, ParseNumber(" 1e3 ").Valid)
	assert.False(t, ParseNumber("").Valid)
	assert.False(t, ParseNumber("Inf").Valid)
	assert.False(t, ParseNumber("1,000").Valid)
}

func TestParseDate(t *testing.T) {
	assert.True(t, ParseDate("2020-01-01").Valid)
	assert.True(t, ParseDate("2020-01-01 12:00:00").Valid)
	assert.False(t, ParseDate("01/02/2020").Valid)
	assert.False(t, ParseDate("").Valid)
}

func TestParseDateKeepsProviderDay(t *testing.T) {
	ts := ParseDate("2020-01-01T23:00:00-05:00")
	require.True(t, ts.Valid)
	assert.Equal(t, "2020-01-01", models.FormatTs(ts.Time))
	assert.Equal(t, 23, ts.Time.Hour())
	assert.Equal(t, time.UTC, ts.Time.Location())
}

func TestFromMarketChartDropsOutOfRangeTimestamps(t *testing.T) {
	chart := chartFromJSON(t, `{
		"prices":[[1e300,100],[-1e300,100],[1577923200000,7200]],
		"total_volumes":[[1e300,1]]
	}`)

	ticks := FromMarketChart(chart, Tags{Symbol: "BTC", Currency: "USD", Source: "coingecko_api"})
	require.Len(t, ticks, 1)
	assert.Equal(t, "2020-01-02", models.FormatTs(ticks[0].Ts))
	assert.False(t, ticks[0].Volume.Valid)
}

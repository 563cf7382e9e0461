package normalizer

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"pulse_scout/source"
)

func chartFromJSON(t *testing.T, body string) *source.MarketChart {
	t.Helper()
	var chart source.MarketChart
	require.NoError(t, json.Unmarshal([]byte(body), &chart))
	return &chart
}

package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/guregu/null/v5"

	"pulse_scout/monitoring"
)

// ChartPoint is one [timestamp_ms, value] pair. Either side may be null.
type ChartPoint [2]null.Float

// Millis returns the point's timestamp in epoch milliseconds.
func (p ChartPoint) Millis() null.Float { return p[0] }

// Value returns the sampled value.
func (p ChartPoint) Value() null.Float { return p[1] }

// MarketChart is the decoded market_chart payload.
type MarketChart struct {
	Prices       []ChartPoint `json:"prices"`
	TotalVolumes []ChartPoint `json:"total_volumes"`
}

type MarketChartRequest struct {
	BaseURL    string
	CoinID     string
	VsCurrency string
	Days       int
}

// URL builds {base}/coins/{coin}/market_chart?vs_currency=..&days=..
func (r MarketChartRequest) URL() (string, error) {
	base, err := url.Parse(strings.TrimRight(r.BaseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid base url %q: %w", r.BaseURL, err)
	}
	base = base.JoinPath("coins", r.CoinID, "market_chart")

	q := url.Values{}
	q.Set("vs_currency", strings.ToLower(r.VsCurrency))
	q.Set("days", strconv.Itoa(r.Days))
	base.RawQuery = q.Encode()
	return base.String(), nil
}

// MarketChartClient calls a CoinGecko compatible market_chart endpoint.
type MarketChartClient struct {
	apiKey     string
	httpClient *http.Client
}

func NewMarketChartClient(apiKey string, timeout time.Duration) *MarketChartClient {
	return &MarketChartClient{
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Fetch issues one market_chart request. Non-200 answers, rate limiting
// included, come back as *APIError and are not retried.
func (c *MarketChartClient) Fetch(ctx context.Context, r MarketChartRequest) (*MarketChart, error) {
	start := time.Now()
	defer func() {
		monitoring.FetchDuration.WithLabelValues("api").Observe(time.Since(start).Seconds())
	}()

	endpoint, err := r.URL()
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("x-cg-demo-api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: truncate(body)}
	}

	var chart MarketChart
	if err := json.Unmarshal(body, &chart); err != nil {
		return nil, fmt.Errorf("failed to decode market chart: %w", err)
	}
	return &chart, nil
}

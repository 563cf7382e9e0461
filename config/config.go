package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"pulse_scout/models"
)

// Store drivers.
const (
	DriverSQLite     = "sqlite"
	DriverPostgres   = "postgres"
	DriverClickHouse = "clickhouse"
)

// Source describes one configured data source. CSV sources use URL, Path and
// Columns; API sources use CoinID and Days.
type Source struct {
	Name     string            `yaml:"name"`
	Kind     string            `yaml:"kind"`
	Source   string            `yaml:"source"`
	Symbol   string            `yaml:"symbol"`
	Currency string            `yaml:"currency"`
	URL      string            `yaml:"url"`
	Path     string            `yaml:"path"`
	Columns  map[string]string `yaml:"columns"`
	CoinID   string            `yaml:"coin_id"`
	Days     int               `yaml:"days"`
}

type Config struct {
	App struct {
		Environment string
		LogLevel    string
		LogDir      string
		TimeoutSecs int
		RawDir      string
		SourcesFile string
	}

	Store struct {
		Driver         string
		DSN            string
		ConnectRetries int
	}

	CoinGecko struct {
		BaseURL string
		APIKey  string
	}

	Dashboard struct {
		Addr           string
		AlertWindow    int
		AlertThreshold float64
	}

	Sources []Source
}

// DefaultColumns maps coinmetrics column names onto the canonical ones.
func DefaultColumns() map[string]string {
	return map[string]string{
		"time":                        "ts",
		"PriceUSD":                    "price",
		"volume_reported_spot_usd_1d": "volume",
	}
}

// DefaultSources is used when no sources file is present.
func DefaultSources() []Source {
	return []Source{
		{
			Name:     "coinmetrics_btc",
			Kind:     models.KindCSV,
			Source:   "coinmetrics_csv",
			Symbol:   "BTC",
			Currency: "USD",
			URL:      "https://raw.githubusercontent.com/coinmetrics/data/master/csv/btc.csv",
		},
		{
			Name:     "coingecko_btc",
			Kind:     models.KindAPI,
			Source:   "coingecko_api",
			Symbol:   "BTC",
			Currency: "USD",
			CoinID:   "bitcoin",
			Days:     365,
		},
	}
}

// Load reads .env (optional), the environment and the sources file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{}

	// App settings
	cfg.App.Environment = getEnvOrDefault("APP_ENV", "production")
	cfg.App.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.App.LogDir = getEnvOrDefault("LOG_DIR", "logs")
	cfg.App.TimeoutSecs = getEnvAsIntOrDefault("HTTP_TIMEOUT_SECS", 30)
	cfg.App.RawDir = getEnvOrDefault("RAW_DIR", filepath.Join("data", "raw"))
	cfg.App.SourcesFile = getEnvOrDefault("SOURCES_FILE", "sources.yaml")

	// Store settings
	cfg.Store.Driver = getEnvOrDefault("STORE_DRIVER", DriverSQLite)
	cfg.Store.DSN = getEnvOrDefault("STORE_DSN", filepath.Join("data", "db", "pulse_scout.sqlite"))
	cfg.Store.ConnectRetries = getEnvAsIntOrDefault("STORE_CONNECT_RETRIES", 3)

	cfg.CoinGecko.BaseURL = getEnvOrDefault("COINGECKO_BASE_URL", "https://api.coingecko.com/api/v3")
	cfg.CoinGecko.APIKey = os.Getenv("COINGECKO_API_KEY")

	// Dashboard settings
	cfg.Dashboard.Addr = getEnvOrDefault("DASHBOARD_ADDR", ":8080")
	cfg.Dashboard.AlertWindow = getEnvAsIntOrDefault("ALERT_WINDOW", 7)
	cfg.Dashboard.AlertThreshold = getEnvAsFloatOrDefault("ALERT_THRESHOLD", 5.0)

	sources, err := LoadSources(cfg.App.SourcesFile)
	if err != nil {
		return nil, err
	}
	cfg.Sources = sources

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadSources parses a YAML sources file. A missing file yields the defaults.
func LoadSources(path string) ([]Source, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return DefaultSources(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read sources file: %w", err)
	}

	var file struct {
		Sources []Source `yaml:"sources"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse sources file %s: %w", path, err)
	}
	return file.Sources, nil
}

// Validate checks the driver and every source.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverSQLite, DriverPostgres, DriverClickHouse:
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Store.DSN == "" {
		return errors.New("store dsn is required")
	}
	if c.App.TimeoutSecs <= 0 {
		return errors.New("http timeout must be positive")
	}
	if len(c.Sources) == 0 {
		return errors.New("at least one source is required")
	}

	seen := make(map[string]bool, len(c.Sources))
	for i, s := range c.Sources {
		if s.Name == "" {
			return fmt.Errorf("source #%d: name is required", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("source %s: duplicate name", s.Name)
		}
		seen[s.Name] = true

		if s.Source == "" || s.Symbol == "" || s.Currency == "" {
			return fmt.Errorf("source %s: source, symbol and currency are required", s.Name)
		}
		switch s.Kind {
		case models.KindCSV:
			if s.URL == "" {
				return fmt.Errorf("source %s: url is required", s.Name)
			}
		case models.KindAPI:
			if s.CoinID == "" {
				return fmt.Errorf("source %s: coin_id is required", s.Name)
			}
			if s.Days <= 0 {
				return fmt.Errorf("source %s: days must be positive", s.Name)
			}
		default:
			return fmt.Errorf("source %s: unknown kind %q", s.Name, s.Kind)
		}
	}
	return nil
}

// Timeout is the per-request HTTP timeout.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.App.TimeoutSecs) * time.Second
}

// CachePath is where a CSV source's raw file lives.
func (c *Config) CachePath(s Source) string {
	if s.Path != "" {
		return s.Path
	}
	return filepath.Join(c.App.RawDir, s.Name+".csv")
}

// RenameMap returns the source's column map, or the coinmetrics default.
func (s Source) RenameMap() map[string]string {
	if len(s.Columns) > 0 {
		return s.Columns
	}
	return DefaultColumns()
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

package source

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"pulse_scout/monitoring"
)

// RawTable is a CSV file as read, with the provider's column names.
type RawTable struct {
	Columns []string
	Rows    [][]string
}

// Len returns the number of data rows.
func (t *RawTable) Len() int {
	return len(t.Rows)
}

// DownloadResult reports where the raw file is and whether it came from cache.
type DownloadResult struct {
	Path   string
	Cached bool
	Bytes  int64
}

// CSVFetcher downloads CSV files into a local cache.
type CSVFetcher struct {
	httpClient *http.Client
}

func NewCSVFetcher(timeout time.Duration) *CSVFetcher {
	return &CSVFetcher{
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Download makes sure path holds the file at url. An existing non-empty file
// is reused as is, without touching the network.
func (f *CSVFetcher) Download(ctx context.Context, url, path string) (*DownloadResult, error) {
	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		return &DownloadResult{Path: path, Cached: true, Bytes: info.Size()}, nil
	}

	start := time.Now()
	defer func() {
		monitoring.FetchDuration.WithLabelValues("csv").Observe(time.Since(start).Seconds())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &DownloadError{URL: url, StatusCode: resp.StatusCode}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache dir: %w", err)
	}

	// An interrupted transfer must not leave a file that passes the cache check.
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.part")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	n, err := io.Copy(tmp, resp.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("failed to move %s into place: %w", path, err)
	}

	return &DownloadResult{Path: path, Bytes: n}, nil
}

// Load reads a CSV file with a header row. No values are interpreted.
func Load(path string) (*RawTable, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer file.Close()

	return ReadCSV(file)
}

// ReadCSV reads a header row followed by data rows. Short rows are padded
// with empty cells.
func ReadCSV(r io.Reader) (*RawTable, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.ReuseRecord = false

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return &RawTable{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	table := &RawTable{Columns: header}
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read row %d: %w", len(table.Rows)+1, err)
		}
		if len(record) < len(header) {
			padded := make([]string, len(header))
			copy(padded, record)
			record = padded
		}
		table.Rows = append(table.Rows, record)
	}
	return table, nil
}

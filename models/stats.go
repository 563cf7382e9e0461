package models

// Source kinds understood by the pipeline.
const (
	KindCSV = "csv"
	KindAPI = "api"
)

// SourceStats reports what one source contributed to a run.
type SourceStats struct {
	Name       string
	Source     string
	Kind       string
	Cached     bool
	Raw        int
	Normalized int
}

// RunStats is the terminal summary of one ingest run.
type RunStats struct {
	RunID      string
	Sources    []SourceStats
	Raw        int
	Normalized int
	Inserted   int64
	Total      int64
	Sample     []Tick
}

// Dropped is the number of raw rows removed by normalization.
func (s RunStats) Dropped() int {
	return s.Raw - s.Normalized
}

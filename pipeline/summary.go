package pipeline

import (
	"fmt"
	"io"

	"pulse_scout/models"
)

// PrintSummary writes the human readable run summary. The format is for
// people, not for parsing.
func PrintSummary(w io.Writer, stats *models.RunStats) {
	for _, s := range stats.Sources {
		origin := "downloaded"
		if s.Kind == models.KindAPI {
			origin = "api"
		} else if s.Cached {
			origin = "cache"
		}
		fmt.Fprintf(w, "[%s] %s raw=%d norm=%d dropped=%d\n",
			s.Name, origin, s.Raw, s.Normalized, s.Raw-s.Normalized)
	}
	fmt.Fprintf(w, "[raw] rows=%d\n", stats.Raw)
	fmt.Fprintf(w, "[norm] rows=%d dropped=%d\n", stats.Normalized, stats.Dropped())
	fmt.Fprintf(w, "[db] inserted=%d total=%d\n", stats.Inserted, stats.Total)
	for _, t := range stats.Sample {
		fmt.Fprintf(w, "  %s\n", t)
	}
}

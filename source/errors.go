package source

import "fmt"

// maxErrorBody bounds the response body kept on an APIError.
const maxErrorBody = 500

// DownloadError is returned when a CSV fetch does not answer 200.
type DownloadError struct {
	URL        string
	StatusCode int
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("download %s failed: HTTP %d", e.URL, e.StatusCode)
}

// APIError is returned when the market data API does not answer 200,
// including when the call is rate limited.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: HTTP %d: %s", e.StatusCode, e.Body)
}

func truncate(body []byte) string {
	if len(body) <= maxErrorBody {
		return string(body)
	}
	return string(body[:maxErrorBody]) + "..."
}

package extract

import (
	"context"
	"net/http"
	"time"
)

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// Fetcher retrieves one listing page.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (FetchResponse, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// Observer receives per-page diagnostics. The metrics package satisfies it.
type Observer interface {
	ObservePage(status string, records int)
}

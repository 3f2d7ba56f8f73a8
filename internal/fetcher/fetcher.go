// Package fetcher retrieves web pages for the scraping search fallback.
package fetcher

import (
	"context"
	"net/url"
)

// Fetcher defines the interface for retrieving remote pages.
type Fetcher interface {
	// Get fetches rawURL with query appended and returns the response body.
	Get(ctx context.Context, rawURL string, query url.Values) ([]byte, error)
}

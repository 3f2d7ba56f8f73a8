// Package availability resolves how many configured vendors list a catalog item.
package availability

import "context"

// SearchHit is one title/snippet/url triple returned by a search layer.
type SearchHit struct {
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
	URL     string `json:"url"`
}

// SiteSearcher runs a search restricted to a single vendor domain.
type SiteSearcher interface {
	// Name identifies the layer in logs and Result.StrategyUsed.
	Name() string
	// Search returns at most limit hits for query on domain.
	Search(ctx context.Context, query, domain string, limit int) ([]SearchHit, error)
}

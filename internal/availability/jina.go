package availability

import (
	"context"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/pricing-agent/internal/resilience"
	"github.com/sells-group/pricing-agent/pkg/jina"
)

// JinaSearcher is the first fallback layer: Jina site-restricted search.
type JinaSearcher struct {
	client  jina.Client
	limiter *rate.Limiter
	retry   resilience.RetryConfig
}

// NewJinaSearcher wraps client with a request rate limit and retries.
func NewJinaSearcher(client jina.Client, ratePerSec float64, retry resilience.RetryConfig) *JinaSearcher {
	if ratePerSec <= 0 {
		ratePerSec = 2
	}
	return &JinaSearcher{
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), 1),
		retry:   retry,
	}
}

// Name implements SiteSearcher.
func (s *JinaSearcher) Name() string { return "jina" }

// Search implements SiteSearcher.
func (s *JinaSearcher) Search(ctx context.Context, query, domain string, limit int) ([]SearchHit, error) {
	cfg := s.retry
	cfg.OnRetry = resilience.RetryLogger("jina", domain)

	resp, err := resilience.DoVal(ctx, cfg, func(ctx context.Context) (*jina.SearchResponse, error) {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "jina searcher: rate limiter wait")
		}
		return s.client.Search(ctx, query, jina.WithSiteFilter(domain), jina.WithLimit(limit))
	})
	if err != nil {
		return nil, eris.Wrapf(err, "jina searcher: search %s", domain)
	}
	if resp == nil {
		return nil, nil
	}

	hits := make([]SearchHit, 0, len(resp.Data))
	for _, d := range resp.Data {
		if d.URL == "" {
			continue
		}
		hits = append(hits, SearchHit{Title: d.Title, Snippet: d.Snippet(), URL: d.URL})
		if limit > 0 && len(hits) == limit {
			break
		}
	}
	return hits, nil
}

package availability

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/pricing-agent/internal/model"
	"github.com/sells-group/pricing-agent/internal/resilience"
)

// MaxSampleURLs caps Result.SampleURLs.
const MaxSampleURLs = 5

// ErrAllStrategiesFailed is returned when no primary answer was obtained and
// every vendor domain failed in every fallback layer.
var ErrAllStrategiesFailed = eris.New("availability: all search strategies failed")

// StrategyNone marks a resolution that searched nothing (no enabled vendors).
const StrategyNone = "none"

// Result is the availability signal for one catalog item.
type Result struct {
	Hits         int            `json:"hits"`
	Vendors      []VendorResult `json:"vendors"`
	SampleURLs   []string       `json:"sampleUrls"`
	StrategyUsed string         `json:"strategyUsed"`
}

// VendorResult is the per-vendor outcome of a resolution.
type VendorResult struct {
	Name   string `json:"name"`
	URL    string `json:"url"`
	Domain string `json:"domain"`
	Hit    bool   `json:"hit"`
	Score  int    `json:"score"`

	results []SearchHit
}

// Config tunes the resolver.
type Config struct {
	// ResultsPerDomain caps results collected per vendor domain. Default: 5.
	ResultsPerDomain int

	// Retry is applied to primary lookups.
	Retry resilience.RetryConfig

	// CircuitFailures opens a provider's breaker after this many consecutive
	// failures. Default: 5.
	CircuitFailures int

	// CircuitReset is how long an open breaker skips the primary. Default: 2m.
	CircuitReset time.Duration

	// StrategyTimeout bounds one primary lookup or one fallback layer call
	// for one domain. Zero means no bound beyond the caller's context.
	StrategyTimeout time.Duration
}

// Resolver looks items up on the configured vendor domains.
type Resolver struct {
	primaries PrimaryFactory
	fallbacks []SiteSearcher
	cfg       Config

	mu       sync.Mutex
	breakers map[string]*resilience.CircuitBreaker
}

// NewResolver creates a Resolver. primaries may be nil; fallbacks are tried
// in order per domain.
func NewResolver(primaries PrimaryFactory, fallbacks []SiteSearcher, cfg Config) *Resolver {
	if cfg.ResultsPerDomain <= 0 {
		cfg.ResultsPerDomain = 5
	}
	return &Resolver{
		primaries: primaries,
		fallbacks: fallbacks,
		cfg:       cfg,
		breakers:  make(map[string]*resilience.CircuitBreaker),
	}
}

// Resolve counts the enabled vendors of settings that list item.
func (r *Resolver) Resolve(ctx context.Context, item model.CatalogItem, settings *model.AgentSettings) (*Result, error) {
	vendors := settings.EnabledVendors()
	res := &Result{
		Vendors:      make([]VendorResult, len(vendors)),
		SampleURLs:   []string{},
		StrategyUsed: StrategyNone,
	}
	for i, v := range vendors {
		res.Vendors[i] = VendorResult{Name: v.Name, URL: v.URL, Domain: v.DomainKey()}
	}
	if len(vendors) == 0 {
		return res, nil
	}

	query := item.SearchQuery()
	log := zap.L().With(zap.String("product_id", item.ID), zap.String("query", query))

	if primary := r.primary(settings.SearchConfig); primary != nil {
		pr, err := r.runPrimary(ctx, primary, query, res.domains(), settings.SearchConfig)
		if err == nil {
			res.applyPrimary(pr)
			res.StrategyUsed = "primary:" + primary.Name()
			return res, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Warn("availability: primary search failed, using fallbacks",
			zap.String("provider", primary.Name()),
			zap.Error(err),
		)
	}

	name := strings.TrimSpace(item.Name)
	if name == "" {
		name = query
	}

	failed := 0
	used := make(map[string]bool)
	for i := range res.Vendors {
		v := &res.Vendors[i]
		hits, layer, err := r.searchDomain(ctx, query, v.Domain)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err != nil {
			failed++
			log.Warn("availability: vendor search failed",
				zap.String("domain", v.Domain),
				zap.Error(err),
			)
			continue
		}
		if layer != "" {
			used[layer] = true
		}
		v.results = hits
		for _, h := range hits {
			v.Score = max(v.Score, Score(name, h))
		}
		v.Hit = v.Score >= HitThreshold || len(hits) > 0
	}

	if failed == len(res.Vendors) {
		return nil, ErrAllStrategiesFailed
	}

	res.StrategyUsed = r.strategyName(used)
	res.collect()
	return res, nil
}

func (r *Resolver) primary(cfg model.SearchConfig) PrimarySearcher {
	if r.primaries == nil || cfg.Secret == "" {
		return nil
	}
	return r.primaries(cfg)
}

func (r *Resolver) breaker(name string) *resilience.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[name]
	if !ok {
		cb = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			FailureThreshold: r.cfg.CircuitFailures,
			ResetTimeout:     r.cfg.CircuitReset,
			OnStateChange: func(from, to resilience.CircuitState) {
				zap.L().Warn("availability: primary circuit state change",
					zap.String("provider", name),
					zap.Stringer("from", from),
					zap.Stringer("to", to),
				)
			},
		})
		r.breakers[name] = cb
	}
	return cb
}

func (r *Resolver) runPrimary(ctx context.Context, p PrimarySearcher, query string, domains []string, cfg model.SearchConfig) (*PrimaryResult, error) {
	retry := r.cfg.Retry
	retry.OnRetry = resilience.RetryLogger(p.Name(), "*")

	return resilience.ExecuteVal(ctx, r.breaker(p.Name()), func(ctx context.Context) (*PrimaryResult, error) {
		ctx, cancel := r.withTimeout(ctx)
		defer cancel()
		return resilience.DoVal(ctx, retry, func(ctx context.Context) (*PrimaryResult, error) {
			return p.Search(ctx, PrimaryRequest{Query: query, Domains: domains, Config: cfg})
		})
	})
}

// searchDomain walks the fallback layers until one returns results. It
// reports an error only when every layer failed.
func (r *Resolver) searchDomain(ctx context.Context, query, domain string) ([]SearchHit, string, error) {
	var lastErr error
	answered := false
	for _, s := range r.fallbacks {
		callCtx, cancel := r.withTimeout(ctx)
		hits, err := s.Search(callCtx, query, domain, r.cfg.ResultsPerDomain)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil, "", ctx.Err()
			}
			zap.L().Debug("availability: search layer failed, trying next",
				zap.String("layer", s.Name()),
				zap.String("domain", domain),
				zap.Error(err),
			)
			lastErr = err
			continue
		}
		answered = true
		if len(hits) > 0 {
			if len(hits) > r.cfg.ResultsPerDomain {
				hits = hits[:r.cfg.ResultsPerDomain]
			}
			return hits, s.Name(), nil
		}
	}
	if answered || len(r.fallbacks) == 0 {
		return nil, "", nil
	}
	return nil, "", lastErr
}

func (r *Resolver) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.cfg.StrategyTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.cfg.StrategyTimeout)
}

func (r *Resolver) strategyName(used map[string]bool) string {
	var names []string
	for _, s := range r.fallbacks {
		if used[s.Name()] {
			names = append(names, s.Name())
		}
	}
	if len(names) == 0 {
		return StrategyNone
	}
	return strings.Join(names, "+")
}

func (res *Result) domains() []string {
	out := make([]string, len(res.Vendors))
	for i, v := range res.Vendors {
		out[i] = v.Domain
	}
	return out
}

// applyPrimary marks vendors whose domain key equals a reported domain.
// Subdomains do not count: the model must name the vendor's own domain.
func (res *Result) applyPrimary(pr *PrimaryResult) {
	for _, d := range pr.Domains {
		key := model.DomainKeyOf(d)
		for i := range res.Vendors {
			v := &res.Vendors[i]
			if key == v.Domain {
				v.Hit = true
				v.Score = HitThreshold
			}
		}
	}
	for _, v := range res.Vendors {
		if v.Hit {
			res.Hits++
		}
	}
	res.SampleURLs = appendSamples(res.SampleURLs, pr.SampleURLs...)
}

// collect counts hits and gathers sample URLs breadth-first across vendors
// so one vendor cannot fill every slot.
func (res *Result) collect() {
	for _, v := range res.Vendors {
		if v.Hit {
			res.Hits++
		}
	}
	for depth := 0; len(res.SampleURLs) < MaxSampleURLs; depth++ {
		progressed := false
		for _, v := range res.Vendors {
			if !v.Hit || depth >= len(v.results) {
				continue
			}
			progressed = true
			res.SampleURLs = appendSamples(res.SampleURLs, v.results[depth].URL)
		}
		if !progressed {
			break
		}
	}
}

func appendSamples(dst []string, urls ...string) []string {
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if u == "" || len(dst) >= MaxSampleURLs {
			continue
		}
		dup := false
		for _, have := range dst {
			if have == u {
				dup = true
				break
			}
		}
		if !dup {
			dst = append(dst, u)
		}
	}
	return dst
}

package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/pricing-agent/internal/agent"
	"github.com/sells-group/pricing-agent/internal/availability"
	"github.com/sells-group/pricing-agent/internal/catalog"
	"github.com/sells-group/pricing-agent/internal/fetcher"
	"github.com/sells-group/pricing-agent/internal/monitoring"
	"github.com/sells-group/pricing-agent/internal/resilience"
	"github.com/sells-group/pricing-agent/internal/settings"
	"github.com/sells-group/pricing-agent/internal/store"
	"github.com/sells-group/pricing-agent/pkg/jina"
)

const userAgent = "pricing-agent/1.0 (+availability check)"

// catalogBackend is the catalog as used by the commands: read, update,
// seed and migrate.
type catalogBackend interface {
	catalog.Catalog
	catalog.Seeder
	Migrate(ctx context.Context) error
}

// agentEnv holds the store, the catalog and the orchestrator needed by the
// run and serve commands.
type agentEnv struct {
	Store    store.Store
	Settings *settings.Service
	Catalog  catalogBackend
	Agent    *agent.Orchestrator
	Alerter  *monitoring.Alerter

	closeCatalog func()
}

// Close releases resources held by the environment.
func (e *agentEnv) Close() {
	if e.closeCatalog != nil {
		e.closeCatalog()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initAgent validates the config for mode and wires the orchestrator.
// Callers should defer env.Close().
func initAgent(ctx context.Context, mode string) (*agentEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}
	env := &agentEnv{Store: st, Settings: settings.NewService(st)}

	cat, closeCat, err := initCatalog(ctx, st)
	if err != nil {
		env.Close()
		return nil, err
	}
	env.Catalog = cat
	env.closeCatalog = closeCat

	env.Alerter = monitoring.NewAlerter(cfg.Monitoring)
	env.Agent = agent.New(env.Settings, st, cat, initResolver(), agent.Config{
		GracePeriod: cfg.Agent.GracePeriod(),
		ItemTimeout: cfg.Agent.ItemTimeout(),
		StaleAfter:  cfg.Agent.StaleAfter(),
	}, agent.WithNotifier(env.Alerter))

	return env, nil
}

// initStore opens the settings and report store selected by cfg.Store.
func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "pricing.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		if cfg.Store.DatabaseURL == "" {
			return nil, eris.New("postgres store requires database_url")
		}
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// openStore opens and migrates the store.
func openStore(ctx context.Context) (store.Store, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// initCatalog opens the products table. When the catalog lives in the same
// database as the store, the store's connection is shared. The returned
// func closes anything opened here.
func initCatalog(ctx context.Context, st store.Store) (catalogBackend, func(), error) {
	noop := func() {}
	shared := cfg.Catalog.Driver == cfg.Store.Driver && cfg.Catalog.DatabaseURL == cfg.Store.DatabaseURL

	var (
		cat     catalogBackend
		closeFn = noop
		err     error
	)
	switch cfg.Catalog.Driver {
	case "sqlite":
		if s, ok := st.(*store.SQLiteStore); ok && shared {
			cat, err = catalog.NewSQLite(s.DB(), cfg.Catalog.Table)
			break
		}
		own, openErr := store.NewSQLite(cfg.Catalog.DatabaseURL)
		if openErr != nil {
			return nil, noop, eris.Wrap(openErr, "open catalog")
		}
		closeFn = func() { _ = own.Close() }
		cat, err = catalog.NewSQLite(own.DB(), cfg.Catalog.Table)
	case "postgres":
		if s, ok := st.(*store.PostgresStore); ok && shared {
			cat, err = catalog.NewPostgres(s.Pool(), cfg.Catalog.Table)
			break
		}
		pool, openErr := store.NewPool(ctx, cfg.Catalog.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
		if openErr != nil {
			return nil, noop, eris.Wrap(openErr, "open catalog")
		}
		closeFn = pool.Close
		cat, err = catalog.NewPostgres(pool, cfg.Catalog.Table)
	default:
		return nil, noop, eris.Errorf("unsupported catalog driver: %s", cfg.Catalog.Driver)
	}
	if err != nil {
		closeFn()
		return nil, noop, err
	}

	if err := cat.Migrate(ctx); err != nil {
		closeFn()
		return nil, noop, eris.Wrap(err, "migrate catalog")
	}
	return cat, closeFn, nil
}

// initResolver wires the primary providers and the fallback chain.
func initResolver() *availability.Resolver {
	var fallbacks []availability.SiteSearcher
	if cfg.Jina.Key != "" {
		var opts []jina.Option
		if cfg.Jina.SearchBaseURL != "" {
			opts = append(opts, jina.WithSearchBaseURL(cfg.Jina.SearchBaseURL))
		}
		fallbacks = append(fallbacks, availability.NewJinaSearcher(
			jina.NewClient(cfg.Jina.Key, opts...),
			cfg.Jina.RatePerSec,
			resilience.NewRetryConfig(cfg.Search.Retries+1, 0),
		))
	} else {
		zap.L().Debug("jina key not set, skipping jina fallback")
	}

	f := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		UserAgent:  userAgent,
		Timeout:    cfg.Search.Timeout(),
		MaxRetries: cfg.Search.Retries,
		RatePerSec: cfg.Search.HTMLRatePerSec,
	})
	fallbacks = append(fallbacks, availability.NewHTMLSearcher(f, cfg.Search.HTMLBaseURL))

	primaries := availability.NewPrimaryFactory(availability.PrimaryOptions{
		AnthropicBaseURL:  cfg.Anthropic.BaseURL,
		PerplexityBaseURL: cfg.Perplexity.BaseURL,
	})

	return availability.NewResolver(primaries, fallbacks, availability.Config{
		ResultsPerDomain: cfg.Search.ResultsPerDomain,
		Retry:            resilience.NewRetryConfig(cfg.Search.Retries+1, 0),
		CircuitFailures:  cfg.Search.CircuitFailures,
		StrategyTimeout:  cfg.Search.Timeout(),
	})
}

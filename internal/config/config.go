package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Catalog    CatalogConfig    `yaml:"catalog" mapstructure:"catalog"`
	Agent      AgentConfig      `yaml:"agent" mapstructure:"agent"`
	Search     SearchConfig     `yaml:"search" mapstructure:"search"`
	Jina       JinaConfig       `yaml:"jina" mapstructure:"jina"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Perplexity PerplexityConfig `yaml:"perplexity" mapstructure:"perplexity"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the settings and report database.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// CatalogConfig configures the product catalog backend.
type CatalogConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	Table       string `yaml:"table" mapstructure:"table"`
}

// AgentConfig configures the run orchestrator.
type AgentConfig struct {
	GracePeriodSecs int `yaml:"grace_period_secs" mapstructure:"grace_period_secs"`
	ItemTimeoutSecs int `yaml:"item_timeout_secs" mapstructure:"item_timeout_secs"`
	StaleAfterMins  int `yaml:"stale_after_mins" mapstructure:"stale_after_mins"`
}

// GracePeriod returns the job handle cleanup delay.
func (a AgentConfig) GracePeriod() time.Duration {
	return time.Duration(a.GracePeriodSecs) * time.Second
}

// ItemTimeout returns the per-item resolve timeout.
func (a AgentConfig) ItemTimeout() time.Duration {
	return time.Duration(a.ItemTimeoutSecs) * time.Second
}

// StaleAfter returns the age after which a running report is orphaned.
func (a AgentConfig) StaleAfter() time.Duration {
	return time.Duration(a.StaleAfterMins) * time.Minute
}

// SearchConfig configures the availability search strategies.
type SearchConfig struct {
	TimeoutSecs      int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	ResultsPerDomain int     `yaml:"results_per_domain" mapstructure:"results_per_domain"`
	HTMLBaseURL      string  `yaml:"html_base_url" mapstructure:"html_base_url"`
	HTMLRatePerSec   float64 `yaml:"html_rate_per_sec" mapstructure:"html_rate_per_sec"`
	Retries          int     `yaml:"retries" mapstructure:"retries"`
	CircuitFailures  int     `yaml:"circuit_failures" mapstructure:"circuit_failures"`
}

// Timeout returns the per-strategy call timeout.
func (s SearchConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSecs) * time.Second
}

// JinaConfig holds Jina search settings.
type JinaConfig struct {
	Key           string  `yaml:"key" mapstructure:"key"`
	SearchBaseURL string  `yaml:"search_base_url" mapstructure:"search_base_url"`
	RatePerSec    float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
}

// AnthropicConfig holds Anthropic API settings. The API key itself lives in
// the agent settings secret.
type AnthropicConfig struct {
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// PerplexityConfig holds Perplexity API settings.
type PerplexityConfig struct {
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// ServerConfig configures the HTTP trigger server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// MonitoringConfig configures run alerting.
type MonitoringConfig struct {
	WebhookURL        string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	ScarcityThreshold float64 `yaml:"scarcity_threshold" mapstructure:"scarcity_threshold"`
	CheckIntervalMins int     `yaml:"check_interval_mins" mapstructure:"check_interval_mins"`
	FailureRateWindow int     `yaml:"failure_rate_window" mapstructure:"failure_rate_window"`
	MaxFailureRate    float64 `yaml:"max_failure_rate" mapstructure:"max_failure_rate"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("PRICING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "pricing.db")
	v.SetDefault("catalog.driver", "sqlite")
	v.SetDefault("catalog.database_url", "pricing.db")
	v.SetDefault("catalog.table", "products")
	v.SetDefault("agent.grace_period_secs", 5)
	v.SetDefault("agent.item_timeout_secs", 90)
	v.SetDefault("agent.stale_after_mins", 30)
	v.SetDefault("search.timeout_secs", 20)
	v.SetDefault("search.results_per_domain", 5)
	v.SetDefault("search.html_base_url", "https://html.duckduckgo.com/html/")
	v.SetDefault("search.html_rate_per_sec", 1.0)
	v.SetDefault("search.retries", 2)
	v.SetDefault("search.circuit_failures", 5)
	v.SetDefault("jina.search_base_url", "https://s.jina.ai")
	v.SetDefault("jina.rate_per_sec", 2.0)
	v.SetDefault("perplexity.base_url", "https://api.perplexity.ai")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("monitoring.scarcity_threshold", 0.5)
	v.SetDefault("monitoring.check_interval_mins", 60)
	v.SetDefault("monitoring.failure_rate_window", 10)
	v.SetDefault("monitoring.max_failure_rate", 0.5)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the configuration required by the given command mode:
// "serve" (HTTP trigger), "run" (one-shot batch) or "cli" (store access only).
func (c *Config) Validate(mode string) error {
	var errs []string

	checkDriver := func(key, driver, dsn string) {
		switch driver {
		case "sqlite", "postgres":
		default:
			errs = append(errs, fmt.Sprintf("%s.driver must be sqlite or postgres, got %q", key, driver))
		}
		if dsn == "" {
			errs = append(errs, key+".database_url is required")
		}
	}
	checkDriver("store", c.Store.Driver, c.Store.DatabaseURL)

	switch mode {
	case "cli":
	case "serve", "run":
		checkDriver("catalog", c.Catalog.Driver, c.Catalog.DatabaseURL)
		if c.Catalog.Table == "" {
			errs = append(errs, "catalog.table is required")
		}
		if c.Agent.ItemTimeoutSecs <= 0 {
			errs = append(errs, "agent.item_timeout_secs must be > 0")
		}
		if c.Agent.StaleAfterMins <= 0 {
			errs = append(errs, "agent.stale_after_mins must be > 0")
		}
		if c.Agent.GracePeriodSecs < 0 {
			errs = append(errs, "agent.grace_period_secs must be >= 0")
		}
		if c.Search.TimeoutSecs <= 0 {
			errs = append(errs, "search.timeout_secs must be > 0")
		}
		if c.Search.ResultsPerDomain <= 0 {
			errs = append(errs, "search.results_per_domain must be > 0")
		}
		if c.Search.HTMLRatePerSec <= 0 {
			errs = append(errs, "search.html_rate_per_sec must be > 0")
		}
		if c.Search.Retries < 0 {
			errs = append(errs, "search.retries must be >= 0")
		}
		if c.Monitoring.ScarcityThreshold < 0 || c.Monitoring.ScarcityThreshold > 1 {
			errs = append(errs, "monitoring.scarcity_threshold must be between 0 and 1")
		}
		if mode == "serve" && c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}

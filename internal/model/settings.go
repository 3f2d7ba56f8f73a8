package model

import (
	"net/url"
	"strings"
	"time"
)

// AgentStatus is the coarse persisted state of the pricing agent.
type AgentStatus string

const (
	AgentStatusIdle    AgentStatus = "idle"
	AgentStatusRunning AgentStatus = "running"
	AgentStatusError   AgentStatus = "error"
)

// Rounding selects the final rounding policy applied to computed prices.
type Rounding string

const (
	RoundingNone      Rounding = "none"
	RoundingNearest99 Rounding = "nearest_0.99"
)

// Valid reports whether r is a known rounding policy.
func (r Rounding) Valid() bool {
	return r == RoundingNone || r == RoundingNearest99
}

// SearchProvider names the backend used by the primary search strategy.
type SearchProvider string

const (
	ProviderAnthropic  SearchProvider = "anthropic"
	ProviderPerplexity SearchProvider = "perplexity"
)

// Valid reports whether p is a supported provider.
func (p SearchProvider) Valid() bool {
	return p == ProviderAnthropic || p == ProviderPerplexity
}

// MaxRunHistory bounds AgentSettings.RunHistory.
const MaxRunHistory = 20

// AgentSettings is the singleton configuration and status record of the agent.
type AgentSettings struct {
	SearchVendors  []Vendor     `json:"searchVendors"`
	SearchConfig   SearchConfig `json:"searchConfig"`
	PricingRules   PricingRules `json:"pricingRules"`
	Status         AgentStatus  `json:"status"`
	ActiveRunID    string       `json:"activeRunId,omitempty"`
	LastRunAt      *time.Time   `json:"lastRunAt,omitempty"`
	LastRunSummary *RunSummary  `json:"lastRunSummary,omitempty"`
	RunHistory     []RunSummary `json:"runHistory"`
	UpdatedAt      time.Time    `json:"updatedAt"`
}

// Vendor is a marketplace searched for availability.
type Vendor struct {
	Name    string `json:"name" yaml:"name"`
	URL     string `json:"url" yaml:"url"`
	Enabled bool   `json:"enabled" yaml:"enabled"`
}

// DomainKey returns the lowercased hostname of the vendor URL without a
// leading "www.", falling back to the vendor name.
func (v Vendor) DomainKey() string {
	if host := hostOf(v.URL); host != "" {
		return host
	}
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(v.Name)), "www.")
}

// DomainKeyOf normalizes a raw URL or bare hostname the same way vendor
// domain keys are built.
func DomainKeyOf(raw string) string {
	if host := hostOf(raw); host != "" {
		return host
	}
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(raw)), "www.")
}

func hostOf(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	host := strings.ToLower(u.Hostname())
	return strings.TrimPrefix(host, "www.")
}

// SearchConfig configures the primary, model-assisted search strategy.
type SearchConfig struct {
	Provider     SearchProvider `json:"provider" yaml:"provider"`
	Model        string         `json:"model" yaml:"model"`
	Temperature  float64        `json:"temperature" yaml:"temperature"`
	TopP         float64        `json:"topP" yaml:"top_p"`
	SystemPrompt string         `json:"systemPrompt" yaml:"system_prompt"`
	Guardrail    string         `json:"guardrail" yaml:"guardrail"`
	HasSecret    bool           `json:"hasSecret" yaml:"-"`

	// Secret is the provider credential. It is persisted separately from
	// the settings document and only populated on explicit reveal.
	Secret string `json:"-" yaml:"-"`
}

// PricingRules drives the Pricing Calculator.
type PricingRules struct {
	MarkupUnavailable float64  `json:"markupUnavailable" yaml:"markup_unavailable"`
	ScaleByScarcity   bool     `json:"scaleByScarcity" yaml:"scale_by_scarcity"`
	Rounding          Rounding `json:"rounding" yaml:"rounding"`
	MinPrice          float64  `json:"minPrice" yaml:"min_price"`
	MaxPrice          float64  `json:"maxPrice" yaml:"max_price"`
}

// EnabledVendors returns the enabled vendors that have a usable domain key,
// deduplicated by domain key in list order.
func (s *AgentSettings) EnabledVendors() []Vendor {
	seen := make(map[string]bool, len(s.SearchVendors))
	out := make([]Vendor, 0, len(s.SearchVendors))
	for _, v := range s.SearchVendors {
		if !v.Enabled || strings.TrimSpace(v.Name) == "" {
			continue
		}
		key := v.DomainKey()
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, v)
	}
	return out
}

// PrependHistory puts summary at the head of the run history and evicts the
// oldest entries beyond MaxRunHistory.
func (s *AgentSettings) PrependHistory(summary RunSummary) {
	h := make([]RunSummary, 0, len(s.RunHistory)+1)
	h = append(h, summary)
	h = append(h, s.RunHistory...)
	if len(h) > MaxRunHistory {
		h = h[:MaxRunHistory]
	}
	s.RunHistory = h
}

// ReplaceHistory overwrites the history entry with the same run id.
// It reports whether an entry was found.
func (s *AgentSettings) ReplaceHistory(summary RunSummary) bool {
	for i := range s.RunHistory {
		if s.RunHistory[i].RunID == summary.RunID {
			s.RunHistory[i] = summary
			return true
		}
	}
	return false
}

// RemoveHistory drops the history entry for runID.
func (s *AgentSettings) RemoveHistory(runID string) bool {
	for i := range s.RunHistory {
		if s.RunHistory[i].RunID == runID {
			s.RunHistory = append(s.RunHistory[:i], s.RunHistory[i+1:]...)
			return true
		}
	}
	return false
}

// FindHistory returns the history entry for runID, if any.
func (s *AgentSettings) FindHistory(runID string) (RunSummary, bool) {
	for _, h := range s.RunHistory {
		if h.RunID == runID {
			return h, true
		}
	}
	return RunSummary{}, false
}

// Clone returns a deep copy safe to hand to another goroutine.
func (s *AgentSettings) Clone() *AgentSettings {
	if s == nil {
		return nil
	}
	c := *s
	c.SearchVendors = append([]Vendor(nil), s.SearchVendors...)
	c.RunHistory = append([]RunSummary(nil), s.RunHistory...)
	if s.LastRunAt != nil {
		t := *s.LastRunAt
		c.LastRunAt = &t
	}
	if s.LastRunSummary != nil {
		rs := *s.LastRunSummary
		c.LastRunSummary = &rs
	}
	return &c
}

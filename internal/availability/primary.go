package availability

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/sells-group/pricing-agent/internal/model"
	"github.com/sells-group/pricing-agent/pkg/anthropic"
	"github.com/sells-group/pricing-agent/pkg/perplexity"
)

const (
	primaryMaxTokens = 1024
	primaryMaxUses   = 8
)

const defaultSystemPrompt = `You check electronic component availability on distributor websites.
Search only the allowed domains. Reply with a single JSON object and nothing else:
{"domains": ["<domain where the part is listed and orderable>"], "sampleUrls": ["<product page url>"]}`

// PrimaryRequest is one model-assisted availability lookup.
type PrimaryRequest struct {
	Query   string
	Domains []string
	Config  model.SearchConfig
}

// PrimaryResult is the structured answer of a primary lookup.
type PrimaryResult struct {
	Domains    []string `json:"domains"`
	SampleURLs []string `json:"sampleUrls"`
}

// PrimarySearcher is a tool-assisted search across all vendor domains at once.
type PrimarySearcher interface {
	Name() string
	Search(ctx context.Context, req PrimaryRequest) (*PrimaryResult, error)
}

// PrimaryFactory returns the primary searcher for a search config, or nil
// when no primary is available for it.
type PrimaryFactory func(cfg model.SearchConfig) PrimarySearcher

// PrimaryOptions configures NewPrimaryFactory.
type PrimaryOptions struct {
	AnthropicBaseURL  string
	PerplexityBaseURL string
}

// NewPrimaryFactory builds API clients on demand and caches them per
// provider and credential.
func NewPrimaryFactory(opts PrimaryOptions) PrimaryFactory {
	var mu sync.Mutex
	cache := make(map[string]PrimarySearcher)

	return func(cfg model.SearchConfig) PrimarySearcher {
		if cfg.Secret == "" {
			return nil
		}
		key := string(cfg.Provider) + "\x00" + cfg.Secret

		mu.Lock()
		defer mu.Unlock()
		if s, ok := cache[key]; ok {
			return s
		}

		var s PrimarySearcher
		switch cfg.Provider {
		case model.ProviderPerplexity:
			var popts []perplexity.Option
			if opts.PerplexityBaseURL != "" {
				popts = append(popts, perplexity.WithBaseURL(opts.PerplexityBaseURL))
			}
			s = NewPerplexityPrimary(perplexity.NewClient(cfg.Secret, popts...))
		default:
			aopts := []anthropic.Option{anthropic.WithMaxRetries(0)}
			if opts.AnthropicBaseURL != "" {
				aopts = append(aopts, anthropic.WithBaseURL(opts.AnthropicBaseURL))
			}
			s = NewAnthropicPrimary(anthropic.NewClient(cfg.Secret, aopts...))
		}
		// Only the current credential's client is kept.
		clear(cache)
		cache[key] = s
		return s
	}
}

// AnthropicPrimary runs the lookup through the Messages API web search tool.
type AnthropicPrimary struct {
	client anthropic.Client
}

// NewAnthropicPrimary creates an AnthropicPrimary.
func NewAnthropicPrimary(client anthropic.Client) *AnthropicPrimary {
	return &AnthropicPrimary{client: client}
}

// Name implements PrimarySearcher.
func (p *AnthropicPrimary) Name() string { return string(model.ProviderAnthropic) }

// Search implements PrimarySearcher.
func (p *AnthropicPrimary) Search(ctx context.Context, req PrimaryRequest) (*PrimaryResult, error) {
	temp, topP := req.Config.Temperature, req.Config.TopP
	resp, err := p.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       req.Config.Model,
		MaxTokens:   primaryMaxTokens,
		System:      systemPrompt(req.Config),
		Messages:    []anthropic.Message{{Role: "user", Content: userPrompt(req)}},
		Temperature: &temp,
		TopP:        &topP,
		WebSearch:   &anthropic.WebSearch{AllowedDomains: req.Domains, MaxUses: primaryMaxUses},
	})
	if err != nil {
		return nil, err
	}
	resp.Usage.LogCost(req.Config.Model, "availability")

	res, err := parsePrimaryResult(resp.Text())
	if err != nil {
		return nil, err
	}
	if len(res.SampleURLs) == 0 {
		res.SampleURLs = resp.CitedURLs()
	}
	return res, nil
}

// PerplexityPrimary runs the lookup through a Perplexity online model
// restricted with search_domain_filter.
type PerplexityPrimary struct {
	client perplexity.Client
}

// NewPerplexityPrimary creates a PerplexityPrimary.
func NewPerplexityPrimary(client perplexity.Client) *PerplexityPrimary {
	return &PerplexityPrimary{client: client}
}

// Name implements PrimarySearcher.
func (p *PerplexityPrimary) Name() string { return string(model.ProviderPerplexity) }

// Search implements PrimarySearcher.
func (p *PerplexityPrimary) Search(ctx context.Context, req PrimaryRequest) (*PrimaryResult, error) {
	temp, topP := req.Config.Temperature, req.Config.TopP
	resp, err := p.client.Complete(ctx, perplexity.Request{
		Model: req.Config.Model,
		Messages: []perplexity.Message{
			{Role: "system", Content: systemPrompt(req.Config)},
			{Role: "user", Content: userPrompt(req)},
		},
		Temperature:        &temp,
		TopP:               &topP,
		SearchDomainFilter: req.Domains,
	})
	if err != nil {
		return nil, err
	}

	res, err := parsePrimaryResult(resp.Text())
	if err != nil {
		return nil, err
	}
	if len(res.SampleURLs) == 0 {
		res.SampleURLs = resp.Citations
	}
	return res, nil
}

func systemPrompt(cfg model.SearchConfig) string {
	prompt := strings.TrimSpace(cfg.SystemPrompt)
	if prompt == "" {
		prompt = defaultSystemPrompt
	}
	if g := strings.TrimSpace(cfg.Guardrail); g != "" {
		prompt += "\n\n" + g
	}
	return prompt
}

func userPrompt(req PrimaryRequest) string {
	return fmt.Sprintf("Part: %s\nAllowed domains: %s", req.Query, strings.Join(req.Domains, ", "))
}

// parsePrimaryResult decodes the first JSON object in text, tolerating
// surrounding prose or code fences.
func parsePrimaryResult(text string) (*PrimaryResult, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return nil, eris.New("availability: primary returned no JSON object")
	}
	var res PrimaryResult
	if err := json.Unmarshal([]byte(text[start:end+1]), &res); err != nil {
		return nil, eris.Wrap(err, "availability: decode primary result")
	}
	return &res, nil
}

// Package settings implements the get-or-create and partial-update contract
// of the pricing agent's singleton settings.
package settings

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/pricing-agent/internal/model"
	"github.com/sells-group/pricing-agent/internal/store"
)

// Default search configuration values.
const (
	DefaultProvider    = model.ProviderAnthropic
	DefaultModel       = "claude-sonnet-4-5-20250929"
	DefaultTemperature = 0.2
	DefaultTopP        = 1.0
	DefaultMarkup      = 0.25
)

// DefaultVendors are the marketplaces seeded on first access.
func DefaultVendors() []model.Vendor {
	return []model.Vendor{
		{Name: "Digi-Key", URL: "https://www.digikey.com", Enabled: true},
		{Name: "Mouser", URL: "https://www.mouser.com", Enabled: true},
		{Name: "LCSC", URL: "https://www.lcsc.com", Enabled: true},
		{Name: "Arrow", URL: "https://www.arrow.com", Enabled: true},
		{Name: "Farnell", URL: "https://www.farnell.com", Enabled: true},
	}
}

// Defaults returns a fresh AgentSettings with default values.
func Defaults() *model.AgentSettings {
	return &model.AgentSettings{
		SearchVendors: DefaultVendors(),
		SearchConfig: model.SearchConfig{
			Provider:    DefaultProvider,
			Model:       DefaultModel,
			Temperature: DefaultTemperature,
			TopP:        DefaultTopP,
		},
		PricingRules: model.PricingRules{
			MarkupUnavailable: DefaultMarkup,
			ScaleByScarcity:   true,
			Rounding:          model.RoundingNone,
		},
		Status:     model.AgentStatusIdle,
		RunHistory: []model.RunSummary{},
	}
}

// ValidationError carries field-level messages for a rejected update.
type ValidationError struct {
	Fields map[string]string `json:"fields"`
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + ": " + e.Fields[k]
	}
	return "settings: invalid update: " + strings.Join(parts, "; ")
}

// IsValidationError reports whether err is, or wraps, a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return eris.As(err, &ve)
}

// VendorInput is one entry of a vendor list replacement. Missing URL
// defaults to "" and missing Enabled to true.
type VendorInput struct {
	Name    string  `json:"name" yaml:"name"`
	URL     *string `json:"url,omitempty" yaml:"url,omitempty"`
	Enabled *bool   `json:"enabled,omitempty" yaml:"enabled,omitempty"`
}

// SearchConfigUpdate patches SearchConfig field by field.
type SearchConfigUpdate struct {
	Provider     *model.SearchProvider `json:"provider,omitempty" yaml:"provider,omitempty"`
	Model        *string               `json:"model,omitempty" yaml:"model,omitempty"`
	Temperature  *float64              `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	TopP         *float64              `json:"topP,omitempty" yaml:"top_p,omitempty"`
	SystemPrompt *string               `json:"systemPrompt,omitempty" yaml:"system_prompt,omitempty"`
	Guardrail    *string               `json:"guardrail,omitempty" yaml:"guardrail,omitempty"`
	// Secret sets the credential. An empty string clears it.
	Secret *string `json:"secret,omitempty" yaml:"secret,omitempty"`
}

// PricingRulesUpdate patches PricingRules field by field.
type PricingRulesUpdate struct {
	MarkupUnavailable *float64        `json:"markupUnavailable,omitempty" yaml:"markup_unavailable,omitempty"`
	ScaleByScarcity   *bool           `json:"scaleByScarcity,omitempty" yaml:"scale_by_scarcity,omitempty"`
	Rounding          *model.Rounding `json:"rounding,omitempty" yaml:"rounding,omitempty"`
	MinPrice          *float64        `json:"minPrice,omitempty" yaml:"min_price,omitempty"`
	MaxPrice          *float64        `json:"maxPrice,omitempty" yaml:"max_price,omitempty"`
}

// Update is a partial settings update. Nil fields are left unchanged.
type Update struct {
	SearchVendors *[]VendorInput      `json:"searchVendors,omitempty" yaml:"search_vendors,omitempty"`
	SearchConfig  *SearchConfigUpdate `json:"searchConfig,omitempty" yaml:"search_config,omitempty"`
	PricingRules  *PricingRulesUpdate `json:"pricingRules,omitempty" yaml:"pricing_rules,omitempty"`
}

// Service is the settings collaborator used by the orchestrator and the
// trigger interfaces.
type Service struct {
	store store.SettingsStore
}

// NewService creates a Service backed by st.
func NewService(st store.SettingsStore) *Service {
	return &Service{store: st}
}

// GetOrCreate returns the singleton, creating it with defaults when absent.
// The secret is stripped; HasSecret reports whether one is stored.
func (s *Service) GetOrCreate(ctx context.Context) (*model.AgentSettings, error) {
	cur, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	return redact(cur), nil
}

// Load returns the singleton including the secret. Only the resolver and
// explicit reveal paths use it.
func (s *Service) Load(ctx context.Context) (*model.AgentSettings, error) {
	return s.load(ctx)
}

func (s *Service) load(ctx context.Context) (*model.AgentSettings, error) {
	cur, err := s.store.GetSettings(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "settings: get")
	}
	if cur != nil {
		return cur, nil
	}
	cur, err = s.store.EnsureSettings(ctx, Defaults())
	if err != nil {
		return nil, eris.Wrap(err, "settings: create defaults")
	}
	zap.L().Info("settings: created defaults")
	return cur, nil
}

// Update validates u and merges it into the stored settings. A
// *ValidationError is returned, and nothing is written, when any field is
// out of bounds.
func (s *Service) Update(ctx context.Context, u Update) (*model.AgentSettings, error) {
	if _, err := s.load(ctx); err != nil {
		return nil, err
	}
	out, err := s.store.UpdateSettings(ctx, func(cur *model.AgentSettings) error {
		next := cur.Clone()
		apply(next, u)
		if ve := validate(next, u); ve != nil {
			return ve
		}
		*cur = *next
		return nil
	})
	if err != nil {
		if IsValidationError(err) {
			return nil, err
		}
		return nil, eris.Wrap(err, "settings: update")
	}
	return redact(out), nil
}

// Mutate applies fn to the stored settings inside one read-modify-write.
// An error from fn aborts the write and is returned unwrapped.
func (s *Service) Mutate(ctx context.Context, fn func(*model.AgentSettings) error) (*model.AgentSettings, error) {
	if _, err := s.load(ctx); err != nil {
		return nil, err
	}
	var fnErr error
	out, err := s.store.UpdateSettings(ctx, func(cur *model.AgentSettings) error {
		fnErr = fn(cur)
		return fnErr
	})
	if fnErr != nil {
		return nil, fnErr
	}
	if err != nil {
		return nil, eris.Wrap(err, "settings: mutate")
	}
	return redact(out), nil
}

// RevealSecret returns the stored credential, or "" when none is set.
func (s *Service) RevealSecret(ctx context.Context) (string, error) {
	cur, err := s.load(ctx)
	if err != nil {
		return "", err
	}
	return cur.SearchConfig.Secret, nil
}

// SetSecret stores the credential.
func (s *Service) SetSecret(ctx context.Context, secret string) error {
	secret = strings.TrimSpace(secret)
	_, err := s.Mutate(ctx, func(cur *model.AgentSettings) error {
		cur.SearchConfig.Secret = secret
		return nil
	})
	return err
}

// ClearSecret removes the credential.
func (s *Service) ClearSecret(ctx context.Context) error {
	return s.SetSecret(ctx, "")
}

func redact(s *model.AgentSettings) *model.AgentSettings {
	out := s.Clone()
	out.SearchConfig.HasSecret = s.SearchConfig.Secret != ""
	out.SearchConfig.Secret = ""
	return out
}

// NormalizeVendors drops nameless entries and fills in defaults.
func NormalizeVendors(in []VendorInput) []model.Vendor {
	out := make([]model.Vendor, 0, len(in))
	for _, v := range in {
		name := strings.TrimSpace(v.Name)
		if name == "" {
			continue
		}
		vendor := model.Vendor{Name: name, Enabled: true}
		if v.URL != nil {
			vendor.URL = strings.TrimSpace(*v.URL)
		}
		if v.Enabled != nil {
			vendor.Enabled = *v.Enabled
		}
		out = append(out, vendor)
	}
	return out
}

func apply(s *model.AgentSettings, u Update) {
	if u.SearchVendors != nil {
		s.SearchVendors = NormalizeVendors(*u.SearchVendors)
	}
	if c := u.SearchConfig; c != nil {
		set(&s.SearchConfig.Provider, c.Provider)
		set(&s.SearchConfig.Model, c.Model)
		set(&s.SearchConfig.Temperature, c.Temperature)
		set(&s.SearchConfig.TopP, c.TopP)
		set(&s.SearchConfig.SystemPrompt, c.SystemPrompt)
		set(&s.SearchConfig.Guardrail, c.Guardrail)
		if c.Secret != nil {
			s.SearchConfig.Secret = strings.TrimSpace(*c.Secret)
		}
	}
	if r := u.PricingRules; r != nil {
		set(&s.PricingRules.MarkupUnavailable, r.MarkupUnavailable)
		set(&s.PricingRules.ScaleByScarcity, r.ScaleByScarcity)
		set(&s.PricingRules.Rounding, r.Rounding)
		set(&s.PricingRules.MinPrice, r.MinPrice)
		set(&s.PricingRules.MaxPrice, r.MaxPrice)
	}
}

func set[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

// validate checks the merged settings. Vendor URLs are checked against the
// raw input so the reported index matches what the caller sent.
func validate(s *model.AgentSettings, u Update) *ValidationError {
	fields := map[string]string{}

	r := s.PricingRules
	if r.MarkupUnavailable < 0 || r.MarkupUnavailable > 3 {
		fields["pricingRules.markupUnavailable"] = "must be between 0 and 3"
	}
	if r.MinPrice < 0 {
		fields["pricingRules.minPrice"] = "must be >= 0"
	}
	if r.MaxPrice < 0 {
		fields["pricingRules.maxPrice"] = "must be >= 0"
	}
	if r.MaxPrice > 0 && r.MaxPrice < r.MinPrice {
		fields["pricingRules.maxPrice"] = "must be >= minPrice when set"
	}
	if !r.Rounding.Valid() {
		fields["pricingRules.rounding"] = fmt.Sprintf("must be %q or %q", model.RoundingNone, model.RoundingNearest99)
	}

	c := s.SearchConfig
	if !c.Provider.Valid() {
		fields["searchConfig.provider"] = fmt.Sprintf("must be %q or %q", model.ProviderAnthropic, model.ProviderPerplexity)
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		fields["searchConfig.temperature"] = "must be between 0 and 2"
	}
	if c.TopP < 0 || c.TopP > 1 {
		fields["searchConfig.topP"] = "must be between 0 and 1"
	}

	if u.SearchVendors != nil {
		for i, v := range *u.SearchVendors {
			if v.URL != nil && strings.TrimSpace(*v.URL) != "" && model.DomainKeyOf(*v.URL) == "" {
				fields[fmt.Sprintf("searchVendors[%d].url", i)] = "must be a hostname or URL"
			}
		}
	}

	if len(fields) == 0 {
		return nil
	}
	return &ValidationError{Fields: fields}
}

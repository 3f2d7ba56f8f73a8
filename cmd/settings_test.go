//go:build !integration

package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/pricing-agent/internal/model"
	"github.com/sells-group/pricing-agent/internal/settings"
)

func parseSettingsFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("set", pflag.ContinueOnError)
	addSettingsFlags(fs)
	require.NoError(t, fs.Parse(args))
	return fs
}

func TestUpdateFromFlags_OnlyChanged(t *testing.T) {
	fs := parseSettingsFlags(t, "--markup", "0.5", "--rounding", "nearest_0.99")

	u, err := updateFromFlags(fs)
	require.NoError(t, err)
	assert.Nil(t, u.SearchVendors)
	assert.Nil(t, u.SearchConfig)
	require.NotNil(t, u.PricingRules)
	assert.InDelta(t, 0.5, *u.PricingRules.MarkupUnavailable, 0.0001)
	assert.Equal(t, model.RoundingNearest99, *u.PricingRules.Rounding)
	assert.Nil(t, u.PricingRules.MinPrice)
	assert.Nil(t, u.PricingRules.ScaleByScarcity)
}

func TestUpdateFromFlags_SearchAndVendors(t *testing.T) {
	fs := parseSettingsFlags(t,
		"--provider", "perplexity",
		"--temperature", "0",
		"--vendor", "Digi-Key=https://www.digikey.com",
		"--vendor", "Mouser=mouser.com,disabled",
		"--vendor", "LCSC",
	)

	u, err := updateFromFlags(fs)
	require.NoError(t, err)
	require.NotNil(t, u.SearchConfig)
	assert.Equal(t, model.ProviderPerplexity, *u.SearchConfig.Provider)
	assert.Equal(t, 0.0, *u.SearchConfig.Temperature)
	assert.Nil(t, u.PricingRules)

	require.NotNil(t, u.SearchVendors)
	vendors := settings.NormalizeVendors(*u.SearchVendors)
	assert.Equal(t, []model.Vendor{
		{Name: "Digi-Key", URL: "https://www.digikey.com", Enabled: true},
		{Name: "Mouser", URL: "mouser.com", Enabled: false},
		{Name: "LCSC", URL: "", Enabled: true},
	}, vendors)
}

func TestUpdateFromFlags_NothingGiven(t *testing.T) {
	_, err := updateFromFlags(parseSettingsFlags(t))
	assert.Error(t, err)
}

func TestParseVendorFlags_Invalid(t *testing.T) {
	_, err := parseVendorFlags([]string{"=https://x.com"})
	assert.Error(t, err)

	_, err = parseVendorFlags([]string{"x=x.com,paused"})
	assert.Error(t, err)
}

func TestSettingsYAML_RoundTrip(t *testing.T) {
	want := updateFromSettings(settings.Defaults())

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	require.NoError(t, enc.Encode(want))
	require.NoError(t, enc.Close())
	assert.Contains(t, buf.String(), "markup_unavailable:")
	assert.NotContains(t, buf.String(), "secret:")

	got, err := decodeUpdate(&buf)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestDecodeUpdate_Partial(t *testing.T) {
	in := `
pricing_rules:
  min_price: 1.5
search_vendors:
  - name: Arrow
    url: arrow.com
`
	u, err := decodeUpdate(strings.NewReader(in))
	require.NoError(t, err)
	assert.Nil(t, u.SearchConfig)
	require.NotNil(t, u.PricingRules)
	assert.InDelta(t, 1.5, *u.PricingRules.MinPrice, 0.0001)
	require.NotNil(t, u.SearchVendors)
	assert.Len(t, *u.SearchVendors, 1)
}

func TestDecodeUpdate_Errors(t *testing.T) {
	_, err := decodeUpdate(strings.NewReader(""))
	assert.Error(t, err)

	_, err = decodeUpdate(strings.NewReader("pricing_rules:\n  markup: 2\n"))
	assert.Error(t, err)
}

func TestFormatValidation(t *testing.T) {
	err := formatValidation(&settings.ValidationError{Fields: map[string]string{
		"pricingRules.minPrice": "must be >= 0",
		"pricingRules.markupUnavailable": "must be between 0 and 3",
	}})
	require.Error(t, err)
	msg := err.Error()
	assert.Less(t, strings.Index(msg, "markupUnavailable"), strings.Index(msg, "minPrice"))
}

func TestReadSecret(t *testing.T) {
	s, err := readSecret(strings.NewReader("\n  sk-test  \nignored\n"))
	require.NoError(t, err)
	assert.Equal(t, "sk-test", s)

	_, err = readSecret(strings.NewReader("\n\n"))
	assert.Error(t, err)
}

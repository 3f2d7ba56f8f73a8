package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/pricing-agent/internal/model"
	"github.com/sells-group/pricing-agent/internal/settings"
)

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "View and edit the agent settings",
}

// withSettings opens the store and hands fn a settings service.
func withSettings(cmd *cobra.Command, fn func(svc *settings.Service) error) error {
	st, err := openCLIStore(cmd.Context())
	if err != nil {
		return err
	}
	defer st.Close() //nolint:errcheck
	return fn(settings.NewService(st))
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// -- settings show --

var settingsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the current settings (secret redacted)",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withSettings(cmd, func(svc *settings.Service) error {
			s, err := svc.GetOrCreate(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(os.Stdout, s)
		})
	},
}

// -- settings set --

var settingsSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Update individual settings",
	Long: `Update individual settings. Only the flags given are changed.
Vendors replace the whole list and are given as name=url, optionally
suffixed with ",disabled".`,
	Example: `  pricing-agent settings set --markup 1.5 --rounding nearest_0.99
  pricing-agent settings set --vendor digikey=https://www.digikey.com --vendor mouser=mouser.com,disabled`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		u, err := updateFromFlags(cmd.Flags())
		if err != nil {
			return err
		}
		return withSettings(cmd, func(svc *settings.Service) error {
			s, err := svc.Update(cmd.Context(), u)
			if err != nil {
				return formatValidation(err)
			}
			return printJSON(os.Stdout, s)
		})
	},
}

// updateFromFlags builds a partial update from the changed flags.
func updateFromFlags(fs *pflag.FlagSet) (settings.Update, error) {
	var u settings.Update
	search := &settings.SearchConfigUpdate{}
	rules := &settings.PricingRulesUpdate{}
	var searchSet, rulesSet bool

	if fs.Changed("provider") {
		v, _ := fs.GetString("provider")
		p := model.SearchProvider(v)
		search.Provider, searchSet = &p, true
	}
	if fs.Changed("model") {
		v, _ := fs.GetString("model")
		search.Model, searchSet = &v, true
	}
	if fs.Changed("temperature") {
		v, _ := fs.GetFloat64("temperature")
		search.Temperature, searchSet = &v, true
	}
	if fs.Changed("top-p") {
		v, _ := fs.GetFloat64("top-p")
		search.TopP, searchSet = &v, true
	}
	if fs.Changed("system-prompt") {
		v, _ := fs.GetString("system-prompt")
		search.SystemPrompt, searchSet = &v, true
	}
	if fs.Changed("guardrail") {
		v, _ := fs.GetString("guardrail")
		search.Guardrail, searchSet = &v, true
	}
	if fs.Changed("markup") {
		v, _ := fs.GetFloat64("markup")
		rules.MarkupUnavailable, rulesSet = &v, true
	}
	if fs.Changed("scale-by-scarcity") {
		v, _ := fs.GetBool("scale-by-scarcity")
		rules.ScaleByScarcity, rulesSet = &v, true
	}
	if fs.Changed("rounding") {
		v, _ := fs.GetString("rounding")
		r := model.Rounding(v)
		rules.Rounding, rulesSet = &r, true
	}
	if fs.Changed("min-price") {
		v, _ := fs.GetFloat64("min-price")
		rules.MinPrice, rulesSet = &v, true
	}
	if fs.Changed("max-price") {
		v, _ := fs.GetFloat64("max-price")
		rules.MaxPrice, rulesSet = &v, true
	}
	if fs.Changed("vendor") {
		raw, _ := fs.GetStringArray("vendor")
		vendors, err := parseVendorFlags(raw)
		if err != nil {
			return u, err
		}
		u.SearchVendors = &vendors
	}

	if searchSet {
		u.SearchConfig = search
	}
	if rulesSet {
		u.PricingRules = rules
	}
	if u.SearchVendors == nil && u.SearchConfig == nil && u.PricingRules == nil {
		return u, eris.New("settings set: no settings given")
	}
	return u, nil
}

// parseVendorFlags parses name=url[,disabled] entries.
func parseVendorFlags(raw []string) ([]settings.VendorInput, error) {
	out := make([]settings.VendorInput, 0, len(raw))
	for _, entry := range raw {
		name, rest, _ := strings.Cut(entry, "=")
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, eris.Errorf("settings set: invalid vendor %q", entry)
		}
		in := settings.VendorInput{Name: name}
		if url, flag, ok := strings.Cut(rest, ","); ok {
			if strings.TrimSpace(flag) != "disabled" {
				return nil, eris.Errorf("settings set: invalid vendor flag %q", flag)
			}
			disabled := false
			in.Enabled = &disabled
			rest = url
		}
		if rest = strings.TrimSpace(rest); rest != "" {
			in.URL = &rest
		}
		out = append(out, in)
	}
	return out, nil
}

func formatValidation(err error) error {
	var verr *settings.ValidationError
	if !eris.As(err, &verr) {
		return err
	}
	lines := make([]string, 0, len(verr.Fields))
	for field, msg := range verr.Fields {
		lines = append(lines, fmt.Sprintf("  %s: %s", field, msg))
	}
	slices.Sort(lines)
	return eris.Errorf("invalid settings:\n%s", strings.Join(lines, "\n"))
}

// -- settings export / import --

var settingsExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write the editable settings as YAML (without the secret)",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withSettings(cmd, func(svc *settings.Service) error {
			s, err := svc.GetOrCreate(cmd.Context())
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(os.Stdout)
			enc.SetIndent(2)
			if err := enc.Encode(updateFromSettings(s)); err != nil {
				return eris.Wrap(err, "settings export")
			}
			return enc.Close()
		})
	},
}

var settingsImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Apply a YAML settings file as one update",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return eris.Wrap(err, "settings import: open")
		}
		defer f.Close() //nolint:errcheck

		u, err := decodeUpdate(f)
		if err != nil {
			return err
		}
		return withSettings(cmd, func(svc *settings.Service) error {
			s, err := svc.Update(cmd.Context(), u)
			if err != nil {
				return formatValidation(err)
			}
			return printJSON(os.Stdout, s)
		})
	},
}

// updateFromSettings renders the editable part of s as a full update.
func updateFromSettings(s *model.AgentSettings) settings.Update {
	vendors := make([]settings.VendorInput, len(s.SearchVendors))
	for i, v := range s.SearchVendors {
		url, enabled := v.URL, v.Enabled
		vendors[i] = settings.VendorInput{Name: v.Name, URL: &url, Enabled: &enabled}
	}
	sc, pr := s.SearchConfig, s.PricingRules
	return settings.Update{
		SearchVendors: &vendors,
		SearchConfig: &settings.SearchConfigUpdate{
			Provider:     &sc.Provider,
			Model:        &sc.Model,
			Temperature:  &sc.Temperature,
			TopP:         &sc.TopP,
			SystemPrompt: &sc.SystemPrompt,
			Guardrail:    &sc.Guardrail,
		},
		PricingRules: &settings.PricingRulesUpdate{
			MarkupUnavailable: &pr.MarkupUnavailable,
			ScaleByScarcity:   &pr.ScaleByScarcity,
			Rounding:          &pr.Rounding,
			MinPrice:          &pr.MinPrice,
			MaxPrice:          &pr.MaxPrice,
		},
	}
}

// decodeUpdate reads a YAML update, rejecting unknown keys.
func decodeUpdate(r io.Reader) (settings.Update, error) {
	var u settings.Update
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&u); err != nil {
		if err == io.EOF {
			return u, eris.New("settings import: empty file")
		}
		return u, eris.Wrap(err, "settings import: decode")
	}
	return u, nil
}

// -- settings secret --

var settingsSecretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Manage the search provider credential",
}

var settingsSecretShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the stored credential",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withSettings(cmd, func(svc *settings.Service) error {
			secret, err := svc.RevealSecret(cmd.Context())
			if err != nil {
				return err
			}
			if secret == "" {
				fmt.Fprintln(os.Stderr, "No secret set.")
				return nil
			}
			fmt.Fprintln(os.Stdout, secret)
			return nil
		})
	},
}

var settingsSecretSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Store the credential read from stdin",
	RunE: func(cmd *cobra.Command, _ []string) error {
		secret, err := readSecret(cmd.InOrStdin())
		if err != nil {
			return err
		}
		return withSettings(cmd, func(svc *settings.Service) error {
			if err := svc.SetSecret(cmd.Context(), secret); err != nil {
				return err
			}
			fmt.Fprintln(os.Stderr, "Secret stored.")
			return nil
		})
	},
}

var settingsSecretClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove the stored credential",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withSettings(cmd, func(svc *settings.Service) error {
			if err := svc.ClearSecret(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(os.Stderr, "Secret cleared.")
			return nil
		})
	},
}

// readSecret returns the first non-empty line of r.
func readSecret(r io.Reader) (string, error) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			return line, nil
		}
	}
	if err := sc.Err(); err != nil {
		return "", eris.Wrap(err, "read secret")
	}
	return "", eris.New("read secret: no secret on stdin")
}

// addSettingsFlags registers the settings set flags on f.
func addSettingsFlags(f *pflag.FlagSet) {
	f.String("provider", "", "primary search provider (anthropic, perplexity)")
	f.String("model", "", "primary search model")
	f.Float64("temperature", 0, "sampling temperature")
	f.Float64("top-p", 0, "nucleus sampling top-p")
	f.String("system-prompt", "", "system prompt for the primary search")
	f.String("guardrail", "", "guardrail text appended to the system prompt")
	f.Float64("markup", 0, "markup fraction for unavailable products (0.25 = +25%)")
	f.Bool("scale-by-scarcity", false, "scale the markup by the unavailable vendor share")
	f.String("rounding", "", "rounding policy (none, nearest_0.99)")
	f.Float64("min-price", 0, "price floor (0 = none)")
	f.Float64("max-price", 0, "price ceiling (0 = none)")
	f.StringArray("vendor", nil, "vendor as name=url[,disabled]; repeat to replace the list")
}

func init() {
	addSettingsFlags(settingsSetCmd.Flags())

	settingsSecretCmd.AddCommand(settingsSecretShowCmd)
	settingsSecretCmd.AddCommand(settingsSecretSetCmd)
	settingsSecretCmd.AddCommand(settingsSecretClearCmd)

	settingsCmd.AddCommand(settingsShowCmd)
	settingsCmd.AddCommand(settingsSetCmd)
	settingsCmd.AddCommand(settingsExportCmd)
	settingsCmd.AddCommand(settingsImportCmd)
	settingsCmd.AddCommand(settingsSecretCmd)
	rootCmd.AddCommand(settingsCmd)
}

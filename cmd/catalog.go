package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/pricing-agent/internal/catalog"
	"github.com/sells-group/pricing-agent/internal/model"
)

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Seed and inspect the product catalog",
}

// withCatalog opens the store and the catalog it may share a connection with.
func withCatalog(ctx context.Context, fn func(cat catalogBackend) error) error {
	if err := cfg.Validate("run"); err != nil {
		return err
	}
	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close() //nolint:errcheck

	cat, closeCat, err := initCatalog(ctx, st)
	if err != nil {
		return err
	}
	defer closeCat()
	return fn(cat)
}

// -- catalog import --

var catalogImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Insert or replace products from a CSV or XLSX sheet",
	Long: `Reads a product sheet with a header row naming at least id and price.
Optional columns: name, sku, part_number (or mpn), base_price. Known ids are
replaced; availability fields of existing products are kept.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		f, err := os.Open(args[0])
		if err != nil {
			return eris.Wrap(err, "catalog import: open")
		}
		defer f.Close() //nolint:errcheck

		items, err := catalog.ReadItems(f, filepath.Base(args[0]))
		if err != nil {
			return err
		}

		dryRun, _ := cmd.Flags().GetBool("dry-run")
		if dryRun {
			fmt.Fprintf(os.Stderr, "Parsed %d products (dry run, nothing written).\n", len(items))
			return nil
		}

		return withCatalog(ctx, func(cat catalogBackend) error {
			if err := cat.Upsert(ctx, items); err != nil {
				return eris.Wrap(err, "catalog import")
			}
			zap.L().Info("catalog imported",
				zap.String("file", args[0]),
				zap.Int("products", len(items)),
			)
			fmt.Fprintf(os.Stderr, "Imported %d products.\n", len(items))
			return nil
		})
	},
}

// -- catalog list --

var catalogListCmd = &cobra.Command{
	Use:   "list",
	Short: "List catalog products with their availability state",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		limit, _ := cmd.Flags().GetInt("limit")

		return withCatalog(ctx, func(cat catalogBackend) error {
			items, err := cat.ListAll(ctx)
			if err != nil {
				return eris.Wrap(err, "catalog list")
			}
			if len(items) == 0 {
				fmt.Fprintln(os.Stderr, "Catalog is empty.")
				return nil
			}
			if limit > 0 && len(items) > limit {
				items = items[:limit]
			}
			formatCatalogList(os.Stdout, items)
			return nil
		})
	},
}

func init() {
	catalogImportCmd.Flags().Bool("dry-run", false, "parse the sheet without writing")
	catalogListCmd.Flags().Int("limit", 0, "max number of products to display (0 = all)")

	catalogCmd.AddCommand(catalogImportCmd)
	catalogCmd.AddCommand(catalogListCmd)
	rootCmd.AddCommand(catalogCmd)
}

// formatCatalogList writes a tabular list of products to out.
func formatCatalogList(out io.Writer, items []model.CatalogItem) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tPRICE\tBASE\tHITS\tSOURCE\tCHECKED")

	for _, it := range items {
		checked := "-"
		if it.AvailabilityLastChecked != nil {
			checked = it.AvailabilityLastChecked.Format("2006-01-02 15:04")
		}
		source := it.PriceSource
		if source == "" {
			source = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%.2f\t%.2f\t%d\t%s\t%s\n",
			it.ID,
			truncate(it.Name, 40),
			it.Price,
			it.BasePrice,
			it.AvailabilityHits,
			source,
			checked,
		)
	}
	_ = w.Flush()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

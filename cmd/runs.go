package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/pricing-agent/internal/agent"
	"github.com/sells-group/pricing-agent/internal/model"
	"github.com/sells-group/pricing-agent/internal/report"
	"github.com/sells-group/pricing-agent/internal/settings"
	"github.com/sells-group/pricing-agent/internal/store"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect pricing run reports",
	Long:  "Commands for listing, viewing, exporting, and deleting run reports.",
}

// openCLIStore validates the store config and opens a migrated store.
func openCLIStore(ctx context.Context) (store.Store, error) {
	if err := cfg.Validate("cli"); err != nil {
		return nil, err
	}
	return openStore(ctx)
}

// -- runs list --

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List run reports",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openCLIStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		runs, err := st.ListReports(ctx, store.ReportFilter{
			Status: model.ReportStatus(status),
			Limit:  limit,
			Offset: offset,
		})
		if err != nil {
			return eris.Wrap(err, "runs list")
		}

		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}

		formatRunsList(os.Stdout, runs)
		return nil
	},
}

// -- runs show --

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show a full run report",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openCLIStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		r, err := st.GetReport(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "runs show")
		}
		if r == nil {
			return eris.Errorf("run %s not found", args[0])
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	},
}

// -- runs export --

var runsExportCmd = &cobra.Command{
	Use:   "export <run-id>",
	Short: "Export a run report as CSV or XLSX",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		formatFlag, _ := cmd.Flags().GetString("format")
		output, _ := cmd.Flags().GetString("output")
		format, err := report.ParseFormat(formatFlag)
		if err != nil {
			return err
		}

		st, err := openCLIStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		r, err := st.GetReport(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "runs export")
		}
		if r == nil {
			return eris.Errorf("run %s not found", args[0])
		}

		if output == "" || output == "-" {
			return report.Write(os.Stdout, r, format)
		}
		f, err := os.Create(output)
		if err != nil {
			return eris.Wrap(err, "runs export: create output")
		}
		if err := report.Write(f, r, format); err != nil {
			f.Close() //nolint:errcheck
			return err
		}
		return eris.Wrap(f.Close(), "runs export: close output")
	},
}

// -- runs delete --

var runsDeleteCmd = &cobra.Command{
	Use:   "delete <run-id>",
	Short: "Delete a run report and its history entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openCLIStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		// Only the report and settings stores are touched on delete.
		orch := agent.New(settings.NewService(st), st, nil, nil, agent.Config{})
		ok, err := orch.DeleteReport(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "runs delete")
		}
		if !ok {
			return eris.Errorf("run %s not found", args[0])
		}
		fmt.Fprintf(os.Stderr, "Deleted run %s.\n", args[0])
		return nil
	},
}

func init() {
	runsListCmd.Flags().String("status", "", "filter by report status (running, completed, failed)")
	runsListCmd.Flags().Int("limit", 50, "max number of runs to display")
	runsListCmd.Flags().Int("offset", 0, "number of runs to skip")

	runsExportCmd.Flags().String("format", string(report.FormatCSV), "export format (csv, xlsx)")
	runsExportCmd.Flags().StringP("output", "o", "", "output file (default stdout)")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsExportCmd)
	runsCmd.AddCommand(runsDeleteCmd)
	rootCmd.AddCommand(runsCmd)
}

// formatRunsList writes a tabular list of runs to out.
func formatRunsList(out io.Writer, runs []model.RunSummary) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "RUN_ID\tSTATUS\tMODE\tPRODUCTS\tDOUBLED\tNORMALIZED\tUPDATED\tSTARTED\tDURATION")

	for _, r := range runs {
		mode := "live"
		if r.DryRun {
			mode = "dry-run"
		}
		dur := "-"
		if r.FinishedAt != nil {
			dur = r.FinishedAt.Sub(r.StartedAt).Truncate(time.Second).String()
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%s\t%s\n",
			r.RunID,
			r.Status,
			mode,
			r.Totals.Products,
			r.Totals.Doubled,
			r.Totals.Normalized,
			r.Totals.Updated,
			r.StartedAt.Format("2006-01-02 15:04:05"),
			dur,
		)
	}
	_ = w.Flush()
}

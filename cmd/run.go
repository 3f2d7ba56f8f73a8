package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/pricing-agent/internal/model"
)

var (
	runDryRun       bool
	runTimeout      time.Duration
	runForceRecover bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one pricing pass over the catalog",
	Long:  "Starts a run, waits for it to finish and prints its final state. Interrupting the command cancels the run.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initAgent(ctx, "run")
		if err != nil {
			return err
		}
		defer env.Close()

		recoverRun := env.Agent.Recover
		if runForceRecover {
			recoverRun = env.Agent.ForceRecover
		}
		if err := recoverRun(ctx); err != nil {
			return eris.Wrap(err, "recover")
		}

		res, err := env.Agent.Start(ctx, runDryRun)
		if err != nil {
			return eris.Wrap(err, "start run")
		}
		zap.L().Info("run started",
			zap.String("run_id", res.RunID),
			zap.Bool("dry_run", runDryRun),
		)

		waitCtx := ctx
		if runTimeout > 0 {
			var cancel context.CancelFunc
			waitCtx, cancel = context.WithTimeout(ctx, runTimeout)
			defer cancel()
		}

		view, waitErr := env.Agent.Wait(waitCtx, res.RunID)
		if waitErr != nil {
			// Interrupted or timed out: cancel the run and let it record
			// its failure before exiting.
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := env.Agent.Shutdown(shutdownCtx); err != nil {
				zap.L().Warn("agent shutdown", zap.Error(err))
			}
			if view, err = env.Agent.Wait(shutdownCtx, res.RunID); err != nil {
				return eris.Wrap(waitErr, "wait for run")
			}
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(view); err != nil {
			return eris.Wrap(err, "encode run")
		}

		if view.Status == model.ReportStatusFailed {
			return eris.Errorf("run %s failed: %s", view.RunID, view.Error)
		}
		return nil
	},
}

func init() {
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "compute prices without writing the catalog")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "cancel the run after this long (0 = no limit)")
	runCmd.Flags().BoolVar(&runForceRecover, "force-recover", false, "fail any run still marked running, however recent (use when no other process is running)")
	rootCmd.AddCommand(runCmd)
}

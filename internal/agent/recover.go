package agent

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/pricing-agent/internal/model"
)

// errInterrupted is recorded on runs orphaned by a process exit.
const errInterrupted = "interrupted"

// Recover finalizes a run that settings still mark as running but that no
// process owns anymore: its report is missing, or it is still running and
// has not been touched for Config.StaleAfter. It then reconciles the
// settings history with the report store.
func (o *Orchestrator) Recover(ctx context.Context) error {
	return o.recover(ctx, false)
}

// ForceRecover is Recover without the staleness check: a running report
// that no local job owns is finalized as failed whatever its age. Operators
// use it after a crash when they know no other process is running.
func (o *Orchestrator) ForceRecover(ctx context.Context) error {
	return o.recover(ctx, true)
}

func (o *Orchestrator) recover(ctx context.Context, force bool) error {
	o.mu.Lock()
	local := o.job != nil
	o.mu.Unlock()

	s, err := o.settings.GetOrCreate(ctx)
	if err != nil {
		return err
	}

	if !local && s.Status == model.AgentStatusRunning && s.ActiveRunID != "" {
		if err := o.recoverOrphan(ctx, s.ActiveRunID, force); err != nil {
			return err
		}
	}
	return o.Reconcile(ctx)
}

func (o *Orchestrator) recoverOrphan(ctx context.Context, runID string, force bool) error {
	log := zap.L().With(zap.String("run_id", runID))
	r, err := o.reports.GetReport(ctx, runID)
	if err != nil {
		return eris.Wrapf(err, "agent: load active report %s", runID)
	}

	now := o.now().UTC()
	switch {
	case r == nil:
		log.Warn("agent: active run has no report, recording it as failed")
		h, _ := o.historyEntry(ctx, runID)
		err = o.reports.FinalizeReport(ctx, runID, model.ReportFinalization{
			Status:     model.ReportStatusFailed,
			FinishedAt: now,
			Error:      errInterrupted,
			Progress:   model.RunProgress{Stage: StageFailed, Message: errInterrupted},
			DryRun:     h.DryRun,
			StartedAt:  h.StartedAt,
		})
	case r.Status == model.ReportStatusRunning && (force || now.Sub(r.UpdatedAt) >= o.cfg.StaleAfter):
		log.Warn("agent: active run is orphaned, recording it as failed",
			zap.Time("updated_at", r.UpdatedAt), zap.Bool("forced", force))
		p := r.Progress
		p.Stage = StageFailed
		p.Message = errInterrupted
		err = o.reports.FinalizeReport(ctx, runID, model.ReportFinalization{
			Status:     model.ReportStatusFailed,
			Totals:     r.Totals,
			FinishedAt: now,
			Error:      errInterrupted,
			Progress:   p,
		})
	default:
		// Still running elsewhere, or already terminal; Reconcile handles the latter.
		return nil
	}
	return eris.Wrapf(err, "agent: finalize orphaned run %s", runID)
}

func (o *Orchestrator) historyEntry(ctx context.Context, runID string) (model.RunSummary, bool) {
	s, err := o.settings.GetOrCreate(ctx)
	if err != nil {
		return model.RunSummary{}, false
	}
	return s.FindHistory(runID)
}

// Reconcile rewrites the settings history and status from the report store,
// which is authoritative. History entries whose report no longer exists are
// dropped, except for the run owned by this process.
func (o *Orchestrator) Reconcile(ctx context.Context) error {
	s, err := o.settings.GetOrCreate(ctx)
	if err != nil {
		return err
	}

	o.mu.Lock()
	var localID string
	if o.job != nil && o.job.running() {
		localID = o.job.runID
	}
	o.mu.Unlock()

	// Reports are read before the settings write; the settings transaction
	// must not touch other tables.
	reports := make(map[string]*model.RunReport, len(s.RunHistory)+1)
	ids := make([]string, 0, len(s.RunHistory)+1)
	for _, h := range s.RunHistory {
		ids = append(ids, h.RunID)
	}
	if s.ActiveRunID != "" {
		ids = append(ids, s.ActiveRunID)
	}
	for _, id := range ids {
		if _, ok := reports[id]; ok || id == localID {
			continue
		}
		r, err := o.reports.GetReport(ctx, id)
		if err != nil {
			return eris.Wrapf(err, "agent: reconcile report %s", id)
		}
		reports[id] = r
	}

	var changed int
	_, err = o.settings.Mutate(ctx, func(cur *model.AgentSettings) error {
		changed = reconcileSettings(cur, reports, localID)
		return nil
	})
	if err != nil {
		return eris.Wrap(err, "agent: reconcile settings")
	}
	if changed > 0 {
		zap.L().Info("agent: settings reconciled with reports", zap.Int("changes", changed))
	}
	return nil
}

// reconcileSettings applies report state to cur and returns the number of
// changed entries. Ids missing from reports were not looked up and are kept.
func reconcileSettings(cur *model.AgentSettings, reports map[string]*model.RunReport, localID string) int {
	changed := 0
	kept := cur.RunHistory[:0]
	for _, h := range cur.RunHistory {
		r, looked := reports[h.RunID]
		switch {
		case !looked || h.RunID == localID:
			kept = append(kept, h)
		case r == nil:
			changed++
		default:
			sum := r.Summary()
			if sum.Status != h.Status || sum.Totals != h.Totals || sum.Error != h.Error {
				changed++
			}
			kept = append(kept, sum)
		}
	}
	cur.RunHistory = kept

	if cur.Status == model.AgentStatusRunning && cur.ActiveRunID != "" && cur.ActiveRunID != localID {
		r, looked := reports[cur.ActiveRunID]
		if looked && (r == nil || r.Status.Terminal()) {
			changed++
			cur.ActiveRunID = ""
			cur.Status = model.AgentStatusIdle
			if r != nil {
				sum := r.Summary()
				if r.Status == model.ReportStatusFailed {
					cur.Status = model.AgentStatusError
				}
				cur.LastRunSummary = &sum
				cur.LastRunAt = sum.FinishedAt
			}
		}
	}
	return changed
}

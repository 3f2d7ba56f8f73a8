package agent

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/pricing-agent/internal/model"
	"github.com/sells-group/pricing-agent/internal/pricing"
)

// batch accumulates one run's decisions between flushes.
type batch struct {
	runID   string
	items   []model.ReportItem
	updates []model.CatalogUpdate
	totals  model.RunTotals
	total   int
	done    int
}

func (b *batch) progress(stage, msg string) model.RunProgress {
	return model.RunProgress{Stage: stage, Message: msg, Processed: b.done, Total: b.total}
}

// run drives one job to a terminal state. Every failure, including a panic
// inside the loop, is recorded on the report and in the settings history.
func (o *Orchestrator) run(ctx context.Context, j *job, snap *model.AgentSettings, report *model.RunReport) {
	log := zap.L().With(zap.String("run_id", j.runID))
	b := &batch{runID: j.runID}

	if err := o.safeProcess(ctx, j, snap, b, log); err != nil {
		if ctx.Err() != nil {
			err = ErrRunCancelled
		}
		o.fail(context.WithoutCancel(ctx), j, report, b, err, log)
		return
	}
	o.complete(context.WithoutCancel(ctx), j, report, b, log)
}

func (o *Orchestrator) safeProcess(ctx context.Context, j *job, snap *model.AgentSettings, b *batch, log *zap.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = eris.Errorf("agent: panic: %v", r)
		}
	}()
	return o.process(ctx, j, snap, b, log)
}

func (o *Orchestrator) process(ctx context.Context, j *job, snap *model.AgentSettings, b *batch, log *zap.Logger) error {
	o.progress(ctx, j, b, b.progress(StageLoading, ""), log)

	items, err := o.catalog.ListAll(ctx)
	if err != nil {
		return eris.Wrap(err, "agent: list catalog")
	}
	b.total = len(items)
	b.items = make([]model.ReportItem, 0, min(FlushSize, len(items)))
	allowed := len(snap.EnabledVendors())

	log.Info("agent: catalog loaded", zap.Int("products", len(items)), zap.Int("vendors", allowed))
	o.progress(ctx, j, b, b.progress(StageResolving, ""), log)

	// Items are resolved one at a time to bound the outbound request rate.
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return err
		}
		o.decide(ctx, j, snap, item, allowed, b, log)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b.done++

		if len(b.items) >= FlushSize {
			if err := o.flush(ctx, b); err != nil {
				return err
			}
		}
		o.progress(ctx, j, b, b.progress(StageResolving, item.Name), log)
	}

	if err := o.flush(ctx, b); err != nil {
		return err
	}

	if j.dryRun || len(b.updates) == 0 {
		return nil
	}
	o.progress(ctx, j, b, b.progress(StageUpdating, fmt.Sprintf("%d products", len(b.updates))), log)
	res, err := o.catalog.BulkUpdate(ctx, b.updates)
	if err != nil {
		return eris.Wrap(err, "agent: bulk update catalog")
	}
	b.totals.Updated = res.Matched
	for _, f := range res.Failed {
		log.Warn("agent: catalog update failed", zap.String("product_id", f.ID), zap.String("error", f.Error))
	}
	log.Info("agent: catalog updated",
		zap.Int("matched", res.Matched),
		zap.Int("modified", res.Modified),
		zap.Int("failed", len(res.Failed)),
	)
	return nil
}

// decide resolves and prices one item and buffers the decision.
func (o *Orchestrator) decide(ctx context.Context, j *job, snap *model.AgentSettings, item model.CatalogItem, allowed int, b *batch, log *zap.Logger) {
	base := item.EffectiveBasePrice()
	ri := model.ReportItem{
		ProductID:  item.ID,
		Name:       item.Name,
		BasePrice:  base,
		OldPrice:   item.Price,
		SampleURLs: []string{},
	}

	itemCtx, cancel := context.WithTimeout(ctx, o.cfg.ItemTimeout)
	res, err := o.resolver.Resolve(itemCtx, item, snap)
	cancel()
	if ctx.Err() != nil {
		return
	}
	b.totals.Products++
	if err != nil {
		log.Warn("agent: availability lookup failed",
			zap.String("product_id", item.ID),
			zap.Error(err),
		)
		ri.NewPrice = item.Price
		ri.AvailabilityStatus = model.AvailabilityError
		ri.PriceAction = model.PriceActionSkipped
		b.items = append(b.items, ri)
		return
	}

	price := pricing.ComputePrice(base, res.Hits, allowed, snap.PricingRules)
	ri.NewPrice = price
	ri.AvailabilityHits = res.Hits
	ri.SampleURLs = append(ri.SampleURLs, res.SampleURLs...)
	unavailable := res.Hits == 0
	if unavailable {
		ri.AvailabilityStatus = model.AvailabilityUnavailable
		b.totals.Doubled++
	} else {
		ri.AvailabilityStatus = model.AvailabilityAvailable
		b.totals.Normalized++
	}
	ri.PriceAction = model.PriceActionUnchanged
	if math.Abs(price-item.Price) >= 0.005 {
		ri.PriceAction = model.PriceActionChanged
	}
	b.items = append(b.items, ri)

	log.Debug("agent: priced item",
		zap.String("product_id", item.ID),
		zap.Int("hits", res.Hits),
		zap.String("strategy", res.StrategyUsed),
		zap.Float64("old_price", item.Price),
		zap.Float64("new_price", price),
	)

	if !j.dryRun {
		b.updates = append(b.updates, model.CatalogUpdate{
			ID:                      item.ID,
			Price:                   price,
			BasePrice:               base,
			AvailabilityHits:        res.Hits,
			AvailabilityLastChecked: o.now().UTC(),
			AvailabilitySampleURLs:  res.SampleURLs,
			PriceSource:             model.PriceSourceComputed,
		})
	}
}

func (o *Orchestrator) flush(ctx context.Context, b *batch) error {
	if len(b.items) == 0 {
		return nil
	}
	if err := o.reports.AppendReportItems(ctx, b.runID, b.items); err != nil {
		return eris.Wrap(err, "agent: flush report items")
	}
	b.items = b.items[:0]
	return nil
}

// progress mirrors p into the job and the report row. A failed progress
// write is logged and does not fail the run.
func (o *Orchestrator) progress(ctx context.Context, j *job, b *batch, p model.RunProgress, log *zap.Logger) {
	j.setProgress(p, b.totals)
	if err := o.reports.UpdateReportProgress(ctx, j.runID, p, b.totals); err != nil && ctx.Err() == nil {
		log.Warn("agent: persist progress", zap.Error(err))
	}
}

func (o *Orchestrator) complete(ctx context.Context, j *job, report *model.RunReport, b *batch, log *zap.Logger) {
	finished := o.now().UTC()
	p := b.progress(StageDone, "")

	if err := o.reports.FinalizeReport(ctx, j.runID, model.ReportFinalization{
		Status:     model.ReportStatusCompleted,
		Totals:     b.totals,
		FinishedAt: finished,
		Progress:   p,
		DryRun:     j.dryRun,
		StartedAt:  j.startedAt,
		Rules:      report.Rules,
		Vendors:    report.Vendors,
	}); err != nil {
		log.Error("agent: finalize report", zap.Error(err))
	}

	summary := model.RunSummary{
		RunID:      j.runID,
		Status:     model.ReportStatusCompleted,
		DryRun:     j.dryRun,
		StartedAt:  j.startedAt,
		FinishedAt: &finished,
		Totals:     b.totals,
	}
	o.recordFinish(ctx, j.runID, summary, model.AgentStatusIdle, log)
	j.finish(model.ReportStatusCompleted, p, b.totals, "", finished)
	o.release(j)

	log.Info("agent: run completed",
		zap.Int("products", b.totals.Products),
		zap.Int("unavailable", b.totals.Doubled),
		zap.Int("available", b.totals.Normalized),
		zap.Int("updated", b.totals.Updated),
		zap.Duration("elapsed", finished.Sub(j.startedAt)),
	)
	o.notify(ctx, summary)
}

func (o *Orchestrator) fail(ctx context.Context, j *job, report *model.RunReport, b *batch, cause error, log *zap.Logger) {
	finished := o.now().UTC()
	msg := cause.Error()
	p := b.progress(StageFailed, msg)

	// Decisions buffered before the failure stay part of the audit trail.
	if len(b.items) > 0 {
		if err := o.reports.AppendReportItems(ctx, j.runID, b.items); err != nil {
			log.Warn("agent: flush items of failed run", zap.Error(err))
		}
		b.items = b.items[:0]
	}

	if err := o.reports.FinalizeReport(ctx, j.runID, model.ReportFinalization{
		Status:     model.ReportStatusFailed,
		Totals:     b.totals,
		FinishedAt: finished,
		Error:      msg,
		Progress:   p,
		DryRun:     j.dryRun,
		StartedAt:  j.startedAt,
		Rules:      report.Rules,
		Vendors:    report.Vendors,
	}); err != nil {
		log.Error("agent: finalize failed report", zap.Error(err))
	}

	summary := model.RunSummary{
		RunID:      j.runID,
		Status:     model.ReportStatusFailed,
		DryRun:     j.dryRun,
		StartedAt:  j.startedAt,
		FinishedAt: &finished,
		Totals:     b.totals,
		Error:      msg,
	}
	o.recordFinish(ctx, j.runID, summary, model.AgentStatusError, log)
	j.finish(model.ReportStatusFailed, p, b.totals, msg, finished)
	o.release(j)

	log.Error("agent: run failed", zap.Error(cause))
	o.notify(ctx, summary)
}

// recordFinish writes the terminal summary into the settings history.
func (o *Orchestrator) recordFinish(ctx context.Context, runID string, summary model.RunSummary, status model.AgentStatus, log *zap.Logger) {
	_, err := o.settings.Mutate(ctx, func(cur *model.AgentSettings) error {
		if cur.ActiveRunID == runID || cur.ActiveRunID == "" {
			cur.Status = status
			cur.ActiveRunID = ""
		}
		cur.LastRunAt = summary.FinishedAt
		s := summary
		cur.LastRunSummary = &s
		if !cur.ReplaceHistory(summary) {
			cur.PrependHistory(summary)
		}
		return nil
	})
	if err != nil {
		// The report is authoritative; Reconcile repairs the history later.
		log.Error("agent: record run in settings", zap.Error(err))
	}
}

// release clears the job handle once the grace period has passed.
func (o *Orchestrator) release(j *job) {
	drop := func() {
		o.mu.Lock()
		if o.job == j {
			o.job = nil
		}
		o.mu.Unlock()
	}
	if o.cfg.GracePeriod <= 0 {
		drop()
		return
	}
	time.AfterFunc(o.cfg.GracePeriod, drop)
}

func (o *Orchestrator) notify(ctx context.Context, summary model.RunSummary) {
	if o.notifier == nil {
		return
	}
	o.notifier.RunFinished(ctx, summary)
}

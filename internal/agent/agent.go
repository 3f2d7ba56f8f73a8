// Package agent runs the availability-driven repricing job. At most one run
// is active at a time across every process sharing the settings store.
package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/pricing-agent/internal/availability"
	"github.com/sells-group/pricing-agent/internal/catalog"
	"github.com/sells-group/pricing-agent/internal/model"
	"github.com/sells-group/pricing-agent/internal/settings"
	"github.com/sells-group/pricing-agent/internal/store"
)

// FlushSize is the number of report items buffered before they are appended
// to the report store.
const FlushSize = 200

var (
	// ErrRunInProgress is returned when a run is already active.
	ErrRunInProgress = eris.New("agent: a run is already in progress")
	// ErrRunNotFound is returned when a run id has no local job.
	ErrRunNotFound = eris.New("agent: run not found")
	// ErrRunCancelled is the failure recorded for a cancelled run.
	ErrRunCancelled = eris.New("run cancelled")
)

// Resolver looks up marketplace availability for one catalog item.
type Resolver interface {
	Resolve(ctx context.Context, item model.CatalogItem, s *model.AgentSettings) (*availability.Result, error)
}

// Notifier is told about every finished run.
type Notifier interface {
	RunFinished(ctx context.Context, summary model.RunSummary)
}

// Config tunes the orchestrator.
type Config struct {
	// GracePeriod is how long a terminal job stays visible in Status.
	GracePeriod time.Duration
	// ItemTimeout bounds one Resolve call.
	ItemTimeout time.Duration
	// StaleAfter is the age after which a running report with no local job
	// is considered orphaned by Recover.
	StaleAfter time.Duration
}

func (c Config) withDefaults() Config {
	if c.GracePeriod < 0 {
		c.GracePeriod = 0
	}
	if c.ItemTimeout <= 0 {
		c.ItemTimeout = 90 * time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 30 * time.Minute
	}
	return c
}

// Orchestrator owns the run state machine.
type Orchestrator struct {
	settings *settings.Service
	reports  store.ReportStore
	catalog  catalog.Catalog
	resolver Resolver
	notifier Notifier
	cfg      Config
	now      func() time.Time

	mu  sync.Mutex
	job *job
	wg  sync.WaitGroup
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithNotifier reports finished runs to n.
func WithNotifier(n Notifier) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an Orchestrator.
func New(svc *settings.Service, reports store.ReportStore, cat catalog.Catalog, resolver Resolver, cfg Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		settings: svc,
		reports:  reports,
		catalog:  cat,
		resolver: resolver,
		cfg:      cfg.withDefaults(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// StartResult is returned by Start.
type StartResult struct {
	RunID     string    `json:"runId"`
	StartedAt time.Time `json:"startedAt"`
}

// JobView is the live state of a run.
type JobView struct {
	RunID      string             `json:"runId"`
	Status     model.ReportStatus `json:"status"`
	DryRun     bool               `json:"dryRun"`
	StartedAt  time.Time          `json:"startedAt"`
	FinishedAt *time.Time         `json:"finishedAt,omitempty"`
	Stage      string             `json:"stage"`
	Message    string             `json:"message,omitempty"`
	Processed  int                `json:"processed"`
	Total      int                `json:"total"`
	Totals     model.RunTotals    `json:"totals"`
	Error      string             `json:"error,omitempty"`
}

// StatusView is returned by Status.
type StatusView struct {
	Status     model.AgentStatus `json:"status"`
	CurrentJob *JobView          `json:"currentJob"`
	LastRun    *model.RunSummary `json:"lastRun"`
	LastRunAt  *time.Time        `json:"lastRunAt"`
}

// NewRunID returns run_<UTC yyyymmddThhmmss>_<8 hex chars>.
func NewRunID(t time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("run_%s_%s", t.UTC().Format("20060102T150405"), suffix)
}

// Start launches a run in the background and returns immediately.
// ErrRunInProgress is returned, and nothing is created, when a run is
// already active locally or according to the persisted settings.
func (o *Orchestrator) Start(ctx context.Context, dryRun bool) (*StartResult, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.job != nil && o.job.running() {
		return nil, ErrRunInProgress
	}

	startedAt := o.now().UTC()
	runID := NewRunID(startedAt)
	summary := model.RunSummary{
		RunID:     runID,
		Status:    model.ReportStatusRunning,
		DryRun:    dryRun,
		StartedAt: startedAt,
	}

	var snap *model.AgentSettings
	if _, err := o.settings.Mutate(ctx, func(cur *model.AgentSettings) error {
		if cur.Status == model.AgentStatusRunning && cur.ActiveRunID != "" {
			return ErrRunInProgress
		}
		cur.Status = model.AgentStatusRunning
		cur.ActiveRunID = runID
		cur.PrependHistory(summary)
		snap = cur.Clone()
		return nil
	}); err != nil {
		if eris.Is(err, ErrRunInProgress) {
			return nil, ErrRunInProgress
		}
		return nil, eris.Wrap(err, "agent: claim run")
	}

	report := &model.RunReport{
		RunID:     runID,
		Status:    model.ReportStatusRunning,
		DryRun:    dryRun,
		StartedAt: startedAt,
		Rules:     snap.PricingRules,
		Vendors:   snap.EnabledVendors(),
		Progress:  model.RunProgress{Stage: StageStarting},
	}
	if err := o.reports.CreateReport(ctx, report); err != nil {
		o.releaseClaim(context.WithoutCancel(ctx), runID)
		return nil, eris.Wrap(err, "agent: create report")
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	j := newJob(runID, dryRun, startedAt, cancel)
	o.job = j

	zap.L().Info("agent: run started",
		zap.String("run_id", runID),
		zap.Bool("dry_run", dryRun),
		zap.Int("vendors", len(report.Vendors)),
	)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.run(runCtx, j, snap, report)
	}()

	return &StartResult{RunID: runID, StartedAt: startedAt}, nil
}

// releaseClaim undoes the settings claim of a run whose report could not be
// created.
func (o *Orchestrator) releaseClaim(ctx context.Context, runID string) {
	_, err := o.settings.Mutate(ctx, func(cur *model.AgentSettings) error {
		if cur.ActiveRunID == runID {
			cur.Status = model.AgentStatusIdle
			cur.ActiveRunID = ""
		}
		cur.RemoveHistory(runID)
		return nil
	})
	if err != nil {
		zap.L().Error("agent: release run claim", zap.String("run_id", runID), zap.Error(err))
	}
}

// Status returns the agent status and the live job, if any. Without a local
// job the running report is used to rebuild the view.
func (o *Orchestrator) Status(ctx context.Context) (*StatusView, error) {
	s, err := o.settings.GetOrCreate(ctx)
	if err != nil {
		return nil, err
	}
	view := &StatusView{
		Status:    s.Status,
		LastRun:   s.LastRunSummary,
		LastRunAt: s.LastRunAt,
	}

	o.mu.Lock()
	j := o.job
	o.mu.Unlock()
	if j != nil {
		v := j.view()
		view.CurrentJob = &v
		return view, nil
	}

	if s.Status == model.AgentStatusRunning && s.ActiveRunID != "" {
		r, err := o.reports.GetReport(ctx, s.ActiveRunID)
		if err != nil {
			return nil, eris.Wrap(err, "agent: load active report")
		}
		if r != nil && r.Status == model.ReportStatusRunning {
			view.CurrentJob = viewFromReport(r)
		}
	}
	return view, nil
}

// History returns the bounded run history, most recent first.
func (o *Orchestrator) History(ctx context.Context) ([]model.RunSummary, error) {
	s, err := o.settings.GetOrCreate(ctx)
	if err != nil {
		return nil, err
	}
	return s.RunHistory, nil
}

// GetReport returns the full report, or nil when unknown.
func (o *Orchestrator) GetReport(ctx context.Context, runID string) (*model.RunReport, error) {
	r, err := o.reports.GetReport(ctx, runID)
	return r, eris.Wrapf(err, "agent: get report %s", runID)
}

// LatestReport returns the most recent report, or nil.
func (o *Orchestrator) LatestReport(ctx context.Context) (*model.RunReport, error) {
	r, err := o.reports.LatestReport(ctx)
	return r, eris.Wrap(err, "agent: latest report")
}

// DeleteReport removes the report and its history entry. It reports whether
// either existed. The active run cannot be deleted.
func (o *Orchestrator) DeleteReport(ctx context.Context, runID string) (bool, error) {
	o.mu.Lock()
	active := o.job != nil && o.job.runID == runID && o.job.running()
	o.mu.Unlock()
	if active {
		return false, ErrRunInProgress
	}

	s, err := o.settings.GetOrCreate(ctx)
	if err != nil {
		return false, err
	}
	if s.Status == model.AgentStatusRunning && s.ActiveRunID == runID {
		return false, ErrRunInProgress
	}

	deleted, err := o.reports.DeleteReport(ctx, runID)
	if err != nil {
		return false, eris.Wrapf(err, "agent: delete report %s", runID)
	}

	var removed bool
	if _, err := o.settings.Mutate(ctx, func(cur *model.AgentSettings) error {
		removed = cur.RemoveHistory(runID)
		if cur.LastRunSummary != nil && cur.LastRunSummary.RunID == runID {
			cur.LastRunSummary = nil
		}
		return nil
	}); err != nil {
		return deleted, eris.Wrapf(err, "agent: remove history %s", runID)
	}
	return deleted || removed, nil
}

// Cancel asks the local run to stop. The run fails with "run cancelled"
// once the current item finishes.
func (o *Orchestrator) Cancel(runID string) error {
	o.mu.Lock()
	j := o.job
	o.mu.Unlock()
	if j == nil || j.runID != runID || !j.running() {
		return ErrRunNotFound
	}
	zap.L().Info("agent: cancelling run", zap.String("run_id", runID))
	j.cancel()
	return nil
}

// Wait blocks until the local run reaches a terminal state and returns its
// final view. Runs without a local job are read from the report store.
func (o *Orchestrator) Wait(ctx context.Context, runID string) (*JobView, error) {
	o.mu.Lock()
	j := o.job
	o.mu.Unlock()

	if j != nil && j.runID == runID {
		select {
		case <-j.done:
			v := j.view()
			return &v, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	r, err := o.reports.GetReport(ctx, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "agent: get report %s", runID)
	}
	if r == nil {
		return nil, ErrRunNotFound
	}
	return viewFromReport(r), nil
}

// Shutdown cancels the local run and waits for it to record its terminal
// state, or for ctx to expire.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if o.job != nil && o.job.running() {
		o.job.cancel()
	}
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func viewFromReport(r *model.RunReport) *JobView {
	return &JobView{
		RunID:      r.RunID,
		Status:     r.Status,
		DryRun:     r.DryRun,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		Stage:      r.Progress.Stage,
		Message:    r.Progress.Message,
		Processed:  r.Progress.Processed,
		Total:      r.Progress.Total,
		Totals:     r.Totals,
		Error:      r.Error,
	}
}

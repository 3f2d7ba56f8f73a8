package agent

import (
	"context"
	"sync"
	"time"

	"github.com/sells-group/pricing-agent/internal/model"
)

// Run stages reported in progress.
const (
	StageStarting  = "starting"
	StageLoading   = "loading catalog"
	StageResolving = "resolving availability"
	StageUpdating  = "updating catalog"
	StageDone      = "done"
	StageFailed    = "failed"
)

// job is the in-memory cache of the active run. The persisted report is
// authoritative; the job mirrors it for cheap status polls.
type job struct {
	runID     string
	dryRun    bool
	startedAt time.Time
	cancel    context.CancelFunc
	done      chan struct{}

	mu         sync.Mutex
	status     model.ReportStatus
	progress   model.RunProgress
	totals     model.RunTotals
	err        string
	finishedAt *time.Time
}

func newJob(runID string, dryRun bool, startedAt time.Time, cancel context.CancelFunc) *job {
	return &job{
		runID:     runID,
		dryRun:    dryRun,
		startedAt: startedAt,
		cancel:    cancel,
		done:      make(chan struct{}),
		status:    model.ReportStatusRunning,
		progress:  model.RunProgress{Stage: StageStarting},
	}
}

func (j *job) running() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status == model.ReportStatusRunning
}

func (j *job) setProgress(p model.RunProgress, totals model.RunTotals) {
	j.mu.Lock()
	j.progress = p
	j.totals = totals
	j.mu.Unlock()
}

// finish records the terminal state and releases waiters.
func (j *job) finish(status model.ReportStatus, p model.RunProgress, totals model.RunTotals, errMsg string, at time.Time) {
	j.mu.Lock()
	j.status = status
	j.progress = p
	j.totals = totals
	j.err = errMsg
	j.finishedAt = &at
	j.mu.Unlock()
	close(j.done)
}

func (j *job) view() JobView {
	j.mu.Lock()
	defer j.mu.Unlock()
	return JobView{
		RunID:      j.runID,
		Status:     j.status,
		DryRun:     j.dryRun,
		StartedAt:  j.startedAt,
		FinishedAt: j.finishedAt,
		Stage:      j.progress.Stage,
		Message:    j.progress.Message,
		Processed:  j.progress.Processed,
		Total:      j.progress.Total,
		Totals:     j.totals,
		Error:      j.err,
	}
}

package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/pricing-agent/internal/model"
	"github.com/sells-group/pricing-agent/internal/store"
)

// MetricsSnapshot holds a point-in-time view of recent runs.
type MetricsSnapshot struct {
	Window    int     `json:"window"`
	Completed int     `json:"completed"`
	Failed    int     `json:"failed"`
	Running   int     `json:"running"`
	FailRate  float64 `json:"fail_rate"`

	// Scarcity across completed runs: unavailable / products.
	Products    int     `json:"products"`
	Unavailable int     `json:"unavailable"`
	Scarcity    float64 `json:"scarcity"`

	CollectedAt time.Time `json:"collected_at"`
}

// ReportLister is the slice of the report store the collector reads.
type ReportLister interface {
	ListReports(ctx context.Context, filter store.ReportFilter) ([]model.RunSummary, error)
}

// Collector gathers run metrics from the report store.
type Collector struct {
	reports ReportLister
}

// NewCollector creates a new metrics collector.
func NewCollector(reports ReportLister) *Collector {
	return &Collector{reports: reports}
}

// Collect summarizes the most recent window runs, newest first.
func (c *Collector) Collect(ctx context.Context, window int) (*MetricsSnapshot, error) {
	if window <= 0 {
		window = 10
	}
	runs, err := c.reports.ListReports(ctx, store.ReportFilter{Limit: window})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list reports")
	}

	snap := &MetricsSnapshot{Window: window, CollectedAt: time.Now().UTC()}
	for _, r := range runs {
		switch r.Status {
		case model.ReportStatusCompleted:
			snap.Completed++
			snap.Products += r.Totals.Products
			snap.Unavailable += r.Totals.Doubled
		case model.ReportStatusFailed:
			snap.Failed++
		case model.ReportStatusRunning:
			snap.Running++
		}
	}
	if finished := snap.Completed + snap.Failed; finished > 0 {
		snap.FailRate = float64(snap.Failed) / float64(finished)
	}
	if snap.Products > 0 {
		snap.Scarcity = float64(snap.Unavailable) / float64(snap.Products)
	}
	return snap, nil
}

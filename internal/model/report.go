package model

import "time"

// ReportStatus is the lifecycle state of a RunReport.
type ReportStatus string

const (
	ReportStatusRunning   ReportStatus = "running"
	ReportStatusCompleted ReportStatus = "completed"
	ReportStatusFailed    ReportStatus = "failed"
)

// Terminal reports whether the status is final.
func (s ReportStatus) Terminal() bool {
	return s == ReportStatusCompleted || s == ReportStatusFailed
}

// AvailabilityStatus classifies a single item lookup.
type AvailabilityStatus string

const (
	AvailabilityAvailable   AvailabilityStatus = "available"
	AvailabilityUnavailable AvailabilityStatus = "unavailable"
	AvailabilityError       AvailabilityStatus = "error"
)

// PriceAction records what the run decided for an item's price.
type PriceAction string

const (
	PriceActionChanged   PriceAction = "changed"
	PriceActionUnchanged PriceAction = "unchanged"
	PriceActionSkipped   PriceAction = "skipped"
)

// MaxReportSampleURLs bounds ReportItem.SampleURLs.
const MaxReportSampleURLs = 3

// RunTotals are the aggregate counters of a run. Doubled counts items found
// unavailable and Normalized counts items found available; the names are
// part of the published audit format.
type RunTotals struct {
	Products   int `json:"products"`
	Doubled    int `json:"doubled"`
	Normalized int `json:"normalized"`
	Updated    int `json:"updated"`
}

// RunProgress is the live position of a running job.
type RunProgress struct {
	Stage     string `json:"stage"`
	Message   string `json:"message,omitempty"`
	Processed int    `json:"processed"`
	Total     int    `json:"total"`
}

// RunReport is the persisted audit trail of one pricing run.
type RunReport struct {
	RunID      string       `json:"runId"`
	Status     ReportStatus `json:"status"`
	DryRun     bool         `json:"dryRun"`
	StartedAt  time.Time    `json:"startedAt"`
	FinishedAt *time.Time   `json:"finishedAt,omitempty"`
	Rules      PricingRules `json:"pricingRules"`
	Vendors    []Vendor     `json:"vendors"`
	Totals     RunTotals    `json:"totals"`
	Progress   RunProgress  `json:"progress"`
	Items      []ReportItem `json:"items"`
	Error      string       `json:"error,omitempty"`
	UpdatedAt  time.Time    `json:"updatedAt"`
}

// Summary derives the lightweight history entry for the report.
func (r *RunReport) Summary() RunSummary {
	return RunSummary{
		RunID:      r.RunID,
		Status:     r.Status,
		DryRun:     r.DryRun,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		Totals:     r.Totals,
		Error:      r.Error,
	}
}

// ReportItem is the per-product pricing decision recorded in a report.
type ReportItem struct {
	ProductID          string             `json:"productId"`
	Name               string             `json:"name"`
	BasePrice          float64            `json:"basePrice"`
	OldPrice           float64            `json:"oldPrice"`
	NewPrice           float64            `json:"newPrice"`
	AvailabilityHits   int                `json:"availabilityHits"`
	AvailabilityStatus AvailabilityStatus `json:"availabilityStatus"`
	PriceAction        PriceAction        `json:"priceAction"`
	SampleURLs         []string           `json:"sampleUrls"`
}

// ReportFinalization is the terminal patch applied to a report.
type ReportFinalization struct {
	Status     ReportStatus
	Totals     RunTotals
	FinishedAt time.Time
	Error      string
	Progress   RunProgress

	// DryRun, StartedAt, Rules and Vendors are only used when the report row
	// does not exist yet and has to be inserted.
	DryRun    bool
	StartedAt time.Time
	Rules     PricingRules
	Vendors   []Vendor
}

// RunSummary is the lightweight run record kept in AgentSettings.RunHistory.
type RunSummary struct {
	RunID      string       `json:"runId" yaml:"run_id"`
	Status     ReportStatus `json:"status" yaml:"status"`
	DryRun     bool         `json:"dryRun" yaml:"dry_run"`
	StartedAt  time.Time    `json:"startedAt" yaml:"started_at"`
	FinishedAt *time.Time   `json:"finishedAt,omitempty" yaml:"finished_at,omitempty"`
	Totals     RunTotals    `json:"totals" yaml:"totals"`
	Error      string       `json:"error,omitempty" yaml:"error,omitempty"`
}

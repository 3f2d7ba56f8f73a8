// Package store persists agent settings and run reports.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/pricing-agent/internal/model"
)

// ErrNotFound is returned when a write targets a missing row.
var ErrNotFound = eris.New("store: not found")

// ReportFilter specifies criteria for listing run reports.
type ReportFilter struct {
	Status model.ReportStatus `json:"status,omitempty"`
	Limit  int                `json:"limit,omitempty"`
	Offset int                `json:"offset,omitempty"`
}

// SettingsStore persists the singleton AgentSettings row. The search secret
// lives in its own column and is loaded into SearchConfig.Secret.
type SettingsStore interface {
	// GetSettings returns the settings row, or nil when none exists.
	GetSettings(ctx context.Context) (*model.AgentSettings, error)
	// EnsureSettings inserts defaults when no row exists and returns the
	// current row.
	EnsureSettings(ctx context.Context, defaults *model.AgentSettings) (*model.AgentSettings, error)
	// UpdateSettings applies fn to the current row inside a transaction.
	// An error from fn aborts the write and is returned unchanged.
	UpdateSettings(ctx context.Context, fn func(s *model.AgentSettings) error) (*model.AgentSettings, error)
}

// ReportStore persists run reports and their items.
type ReportStore interface {
	CreateReport(ctx context.Context, r *model.RunReport) error
	// AppendReportItems appends items after the existing ones.
	AppendReportItems(ctx context.Context, runID string, items []model.ReportItem) error
	UpdateReportProgress(ctx context.Context, runID string, p model.RunProgress, totals model.RunTotals) error
	// FinalizeReport writes the terminal state, inserting the report when
	// it does not exist yet.
	FinalizeReport(ctx context.Context, runID string, f model.ReportFinalization) error
	// GetReport returns the report with items, or nil when unknown.
	GetReport(ctx context.Context, runID string) (*model.RunReport, error)
	// LatestReport returns the most recently started report, or nil.
	LatestReport(ctx context.Context) (*model.RunReport, error)
	ListReports(ctx context.Context, filter ReportFilter) ([]model.RunSummary, error)
	// DeleteReport removes the report and its items and reports whether it existed.
	DeleteReport(ctx context.Context, runID string) (bool, error)
}

// Store is the full persistence interface of the pricing agent.
type Store interface {
	SettingsStore
	ReportStore

	Migrate(ctx context.Context) error
	Close() error
}

// encodeSettings marshals the settings document. Status, active run id and
// secret are also kept in dedicated columns, which win on read.
func encodeSettings(s *model.AgentSettings) ([]byte, error) {
	data, err := json.Marshal(s)
	return data, eris.Wrap(err, "store: marshal settings")
}

func decodeSettings(doc []byte, status, activeRunID, secret string, updatedAt time.Time) (*model.AgentSettings, error) {
	var s model.AgentSettings
	if err := json.Unmarshal(doc, &s); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal settings")
	}
	s.Status = model.AgentStatus(status)
	s.ActiveRunID = activeRunID
	s.SearchConfig.Secret = secret
	s.SearchConfig.HasSecret = secret != ""
	s.UpdatedAt = updatedAt
	if s.RunHistory == nil {
		s.RunHistory = []model.RunSummary{}
	}
	return &s, nil
}

// prepareSettings normalizes a settings value before it is written.
func prepareSettings(s *model.AgentSettings, now time.Time) {
	if s.Status == "" {
		s.Status = model.AgentStatusIdle
	}
	if len(s.RunHistory) > model.MaxRunHistory {
		s.RunHistory = s.RunHistory[:model.MaxRunHistory]
	}
	s.SearchConfig.HasSecret = s.SearchConfig.Secret != ""
	s.UpdatedAt = now
}

// reportColumns is the JSON-encoded column set of a report row.
type reportColumns struct {
	rules, vendors, totals, progress []byte
}

func encodeReport(r *model.RunReport) (reportColumns, error) {
	var c reportColumns
	var err error
	if c.rules, err = json.Marshal(r.Rules); err != nil {
		return c, eris.Wrap(err, "store: marshal rules")
	}
	vendors := r.Vendors
	if vendors == nil {
		vendors = []model.Vendor{}
	}
	if c.vendors, err = json.Marshal(vendors); err != nil {
		return c, eris.Wrap(err, "store: marshal vendors")
	}
	if c.totals, err = json.Marshal(r.Totals); err != nil {
		return c, eris.Wrap(err, "store: marshal totals")
	}
	if c.progress, err = json.Marshal(r.Progress); err != nil {
		return c, eris.Wrap(err, "store: marshal progress")
	}
	return c, nil
}

func decodeReportColumns(r *model.RunReport, c reportColumns) error {
	if err := json.Unmarshal(c.rules, &r.Rules); err != nil {
		return eris.Wrap(err, "store: unmarshal rules")
	}
	if err := json.Unmarshal(c.vendors, &r.Vendors); err != nil {
		return eris.Wrap(err, "store: unmarshal vendors")
	}
	if err := json.Unmarshal(c.totals, &r.Totals); err != nil {
		return eris.Wrap(err, "store: unmarshal totals")
	}
	if err := json.Unmarshal(c.progress, &r.Progress); err != nil {
		return eris.Wrap(err, "store: unmarshal progress")
	}
	return nil
}

// encodeItem marshals a report item, keeping at most
// model.MaxReportSampleURLs sample URLs.
func encodeItem(it model.ReportItem) ([]byte, error) {
	if len(it.SampleURLs) > model.MaxReportSampleURLs {
		it.SampleURLs = it.SampleURLs[:model.MaxReportSampleURLs]
	}
	if it.SampleURLs == nil {
		it.SampleURLs = []string{}
	}
	data, err := json.Marshal(it)
	return data, eris.Wrap(err, "store: marshal report item")
}

func decodeItem(data []byte) (model.ReportItem, error) {
	var it model.ReportItem
	err := json.Unmarshal(data, &it)
	return it, eris.Wrap(err, "store: unmarshal report item")
}

func finalReport(runID string, f model.ReportFinalization) *model.RunReport {
	finished := f.FinishedAt
	return &model.RunReport{
		RunID:      runID,
		Status:     f.Status,
		DryRun:     f.DryRun,
		StartedAt:  f.StartedAt,
		FinishedAt: &finished,
		Rules:      f.Rules,
		Vendors:    f.Vendors,
		Totals:     f.Totals,
		Progress:   f.Progress,
		Error:      f.Error,
	}
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

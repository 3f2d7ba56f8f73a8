package monitoring

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/pricing-agent/internal/model"
	"github.com/sells-group/pricing-agent/internal/store"
)

type mockReports struct {
	runs    []model.RunSummary
	listErr error
	filter  store.ReportFilter
}

func (m *mockReports) ListReports(_ context.Context, filter store.ReportFilter) ([]model.RunSummary, error) {
	m.filter = filter
	if m.listErr != nil {
		return nil, m.listErr
	}
	runs := m.runs
	if filter.Limit > 0 && len(runs) > filter.Limit {
		runs = runs[:filter.Limit]
	}
	return runs, nil
}

func TestCollector_Collect(t *testing.T) {
	reports := &mockReports{runs: []model.RunSummary{
		{RunID: "a", Status: model.ReportStatusRunning},
		{RunID: "b", Status: model.ReportStatusCompleted, Totals: model.RunTotals{Products: 10, Doubled: 2}},
		{RunID: "c", Status: model.ReportStatusFailed},
		{RunID: "d", Status: model.ReportStatusCompleted, Totals: model.RunTotals{Products: 10, Doubled: 6}},
	}}

	snap, err := NewCollector(reports).Collect(context.Background(), 20)
	require.NoError(t, err)

	assert.Equal(t, 20, reports.filter.Limit)
	assert.Equal(t, 2, snap.Completed)
	assert.Equal(t, 1, snap.Failed)
	assert.Equal(t, 1, snap.Running)
	assert.InDelta(t, 1.0/3, snap.FailRate, 0.0001)
	assert.Equal(t, 20, snap.Products)
	assert.Equal(t, 8, snap.Unavailable)
	assert.InDelta(t, 0.4, snap.Scarcity, 0.0001)
	assert.False(t, snap.CollectedAt.IsZero())
}

func TestCollector_DefaultWindow(t *testing.T) {
	reports := &mockReports{}

	snap, err := NewCollector(reports).Collect(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 10, reports.filter.Limit)
	assert.Zero(t, snap.FailRate)
	assert.Zero(t, snap.Scarcity)
}

func TestCollector_ListError(t *testing.T) {
	reports := &mockReports{listErr: errors.New("db down")}

	_, err := NewCollector(reports).Collect(context.Background(), 5)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "monitoring: list reports")
}

package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/pricing-agent/internal/config"
	"github.com/sells-group/pricing-agent/internal/model"
)

func TestAlerter_EvaluateRun_Healthy(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{ScarcityThreshold: 0.5})

	alerts := a.EvaluateRun(model.RunSummary{
		RunID:  "run_ok",
		Status: model.ReportStatusCompleted,
		Totals: model.RunTotals{Products: 10, Doubled: 5, Normalized: 5},
	})
	assert.Empty(t, alerts, "exactly at the threshold does not alert")
}

func TestAlerter_EvaluateRun_Failed(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{ScarcityThreshold: 0.5})

	alerts := a.EvaluateRun(model.RunSummary{
		RunID:  "run_x",
		Status: model.ReportStatusFailed,
		Error:  "agent: list catalog: connection refused",
		Totals: model.RunTotals{},
	})
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertRunFailed, alerts[0].Type)
	assert.Equal(t, "high", alerts[0].Severity)
	assert.Equal(t, "run_x", alerts[0].RunID)
	assert.Contains(t, alerts[0].Message, "connection refused")
}

func TestAlerter_EvaluateRun_HighScarcity(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{ScarcityThreshold: 0.5})

	alerts := a.EvaluateRun(model.RunSummary{
		RunID:  "run_scarce",
		Status: model.ReportStatusCompleted,
		Totals: model.RunTotals{Products: 4, Doubled: 3, Normalized: 1},
	})
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertHighScarcity, alerts[0].Type)
	assert.Contains(t, alerts[0].Message, "75.0%")
	assert.Equal(t, 3, alerts[0].Details["unavailable"])
}

func TestAlerter_EvaluateRun_FailedAndScarce(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{ScarcityThreshold: 0.1})

	alerts := a.EvaluateRun(model.RunSummary{
		Status: model.ReportStatusFailed,
		Error:  "run cancelled",
		Totals: model.RunTotals{Products: 2, Doubled: 2},
	})
	assert.Len(t, alerts, 2)
}

func TestAlerter_EvaluateRun_ZeroThresholdDisabled(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})

	alerts := a.EvaluateRun(model.RunSummary{
		Status: model.ReportStatusCompleted,
		Totals: model.RunTotals{Products: 2, Doubled: 2},
	})
	assert.Empty(t, alerts)
}

func TestAlerter_Evaluate_FailureRate(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{MaxFailureRate: 0.5})

	alerts := a.Evaluate(&MetricsSnapshot{Window: 10, Completed: 2, Failed: 4, FailRate: 4.0 / 6})
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertFailureRate, alerts[0].Type)
	assert.Contains(t, alerts[0].Message, "66.7%")
}

func TestAlerter_Evaluate_MinimumRunsRequired(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{MaxFailureRate: 0.1})

	alerts := a.Evaluate(&MetricsSnapshot{Window: 10, Failed: 2, FailRate: 1})
	assert.Empty(t, alerts)
}

func TestAlerter_SendAlerts_Webhook(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var alert Alert
		err := json.NewDecoder(r.Body).Decode(&alert)
		require.NoError(t, err)
		assert.NotEmpty(t, alert.Type)
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: ts.URL})

	sent := a.SendAlerts(context.Background(), []Alert{
		{Type: AlertRunFailed, Severity: "high", Message: "test alert 1"},
		{Type: AlertHighScarcity, Severity: "medium", Message: "test alert 2"},
	})
	assert.Equal(t, 2, sent)
	assert.Equal(t, int32(2), received.Load())
}

func TestAlerter_SendAlerts_EmptyURL(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})

	assert.False(t, a.Enabled())
	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertRunFailed, Message: "test"}})
	assert.Equal(t, 0, sent)
}

func TestAlerter_SendAlerts_WebhookError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: ts.URL})

	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertRunFailed, Message: "test"}})
	assert.Equal(t, 0, sent)
}

func TestAlerter_RunFinished_PostsAlert(t *testing.T) {
	var (
		mu  sync.Mutex
		got []Alert
	)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var alert Alert
		require.NoError(t, json.NewDecoder(r.Body).Decode(&alert))
		mu.Lock()
		got = append(got, alert)
		mu.Unlock()
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: ts.URL, ScarcityThreshold: 0.5})

	a.RunFinished(context.Background(), model.RunSummary{
		RunID:  "run_fine",
		Status: model.ReportStatusCompleted,
		Totals: model.RunTotals{Products: 3, Normalized: 3},
	})
	a.RunFinished(context.Background(), model.RunSummary{
		RunID:  "run_bad",
		Status: model.ReportStatusFailed,
		Error:  "boom",
	})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, AlertRunFailed, got[0].Type)
	assert.Equal(t, "run_bad", got[0].RunID)
}

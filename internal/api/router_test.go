package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/pricing-agent/internal/agent"
	"github.com/sells-group/pricing-agent/internal/model"
	"github.com/sells-group/pricing-agent/internal/settings"
)

type mockAgent struct{ mock.Mock }

func (m *mockAgent) Start(ctx context.Context, dryRun bool) (*agent.StartResult, error) {
	args := m.Called(ctx, dryRun)
	res, _ := args.Get(0).(*agent.StartResult)
	return res, args.Error(1)
}

func (m *mockAgent) Status(ctx context.Context) (*agent.StatusView, error) {
	args := m.Called(ctx)
	v, _ := args.Get(0).(*agent.StatusView)
	return v, args.Error(1)
}

func (m *mockAgent) History(ctx context.Context) ([]model.RunSummary, error) {
	args := m.Called(ctx)
	runs, _ := args.Get(0).([]model.RunSummary)
	return runs, args.Error(1)
}

func (m *mockAgent) GetReport(ctx context.Context, runID string) (*model.RunReport, error) {
	args := m.Called(ctx, runID)
	r, _ := args.Get(0).(*model.RunReport)
	return r, args.Error(1)
}

func (m *mockAgent) LatestReport(ctx context.Context) (*model.RunReport, error) {
	args := m.Called(ctx)
	r, _ := args.Get(0).(*model.RunReport)
	return r, args.Error(1)
}

func (m *mockAgent) DeleteReport(ctx context.Context, runID string) (bool, error) {
	args := m.Called(ctx, runID)
	return args.Bool(0), args.Error(1)
}

func (m *mockAgent) Cancel(runID string) error {
	return m.Called(runID).Error(0)
}

type mockSettings struct{ mock.Mock }

func (m *mockSettings) GetOrCreate(ctx context.Context) (*model.AgentSettings, error) {
	args := m.Called(ctx)
	s, _ := args.Get(0).(*model.AgentSettings)
	return s, args.Error(1)
}

func (m *mockSettings) Update(ctx context.Context, u settings.Update) (*model.AgentSettings, error) {
	args := m.Called(ctx, u)
	s, _ := args.Get(0).(*model.AgentSettings)
	return s, args.Error(1)
}

func (m *mockSettings) RevealSecret(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *mockSettings) ClearSecret(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func newTestServer(t *testing.T) (*httptest.Server, *mockAgent, *mockSettings) {
	t.Helper()
	a := &mockAgent{}
	s := &mockSettings{}
	ts := httptest.NewServer(NewRouter(a, s, Options{}))
	t.Cleanup(func() {
		ts.Close()
		a.AssertExpectations(t)
		s.AssertExpectations(t)
	})
	return ts, a, s
}

func do(t *testing.T, method, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck

	var out map[string]any
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		_ = json.NewDecoder(resp.Body).Decode(&out)
	}
	return resp, out
}

func TestHealth(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, body := do(t, http.MethodGet, ts.URL+"/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestStartRun_Accepted(t *testing.T) {
	ts, a, _ := newTestServer(t)
	started := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	a.On("Start", mock.Anything, true).Return(&agent.StartResult{RunID: "run_1", StartedAt: started}, nil)

	resp, body := do(t, http.MethodPost, ts.URL+"/api/agent/runs", `{"dryRun":true}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "run_1", body["runId"])
	assert.Equal(t, "2026-03-01T09:00:00Z", body["startedAt"])
}

func TestStartRun_EmptyBodyIsLiveRun(t *testing.T) {
	ts, a, _ := newTestServer(t)
	a.On("Start", mock.Anything, false).Return(&agent.StartResult{RunID: "run_2"}, nil)

	resp, _ := do(t, http.MethodPost, ts.URL+"/api/agent/runs", "")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestStartRun_Conflict(t *testing.T) {
	ts, a, _ := newTestServer(t)
	a.On("Start", mock.Anything, false).Return(nil, agent.ErrRunInProgress)

	resp, body := do(t, http.MethodPost, ts.URL+"/api/agent/runs", `{"dryRun":false}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "a run is already in progress", body["error"])
}

func TestStartRun_BadBody(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, _ := do(t, http.MethodPost, ts.URL+"/api/agent/runs", `{"dryRun":`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStatus(t *testing.T) {
	ts, a, _ := newTestServer(t)
	a.On("Status", mock.Anything).Return(&agent.StatusView{
		Status:     model.AgentStatusRunning,
		CurrentJob: &agent.JobView{RunID: "run_1", Stage: agent.StageResolving, Processed: 3, Total: 10},
	}, nil)

	resp, body := do(t, http.MethodGet, ts.URL+"/api/agent/status", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "running", body["status"])
	job := body["currentJob"].(map[string]any)
	assert.Equal(t, "run_1", job["runId"])
	assert.EqualValues(t, 3, job["processed"])
}

func TestHistory(t *testing.T) {
	ts, a, _ := newTestServer(t)
	a.On("History", mock.Anything).Return([]model.RunSummary{{RunID: "run_b"}, {RunID: "run_a"}}, nil)

	resp, body := do(t, http.MethodGet, ts.URL+"/api/agent/runs", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["runs"], 2)
}

func TestLatestReport_None(t *testing.T) {
	ts, a, _ := newTestServer(t)
	a.On("LatestReport", mock.Anything).Return(nil, nil)

	resp, _ := do(t, http.MethodGet, ts.URL+"/api/agent/runs/latest", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetReport(t *testing.T) {
	ts, a, _ := newTestServer(t)
	a.On("GetReport", mock.Anything, "run_1").Return(&model.RunReport{RunID: "run_1", Status: model.ReportStatusCompleted}, nil)
	a.On("GetReport", mock.Anything, "run_missing").Return(nil, nil)

	resp, body := do(t, http.MethodGet, ts.URL+"/api/agent/runs/run_1", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "completed", body["status"])

	resp, _ = do(t, http.MethodGet, ts.URL+"/api/agent/runs/run_missing", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetReport_StoreError(t *testing.T) {
	ts, a, _ := newTestServer(t)
	a.On("GetReport", mock.Anything, "run_1").Return(nil, errors.New("db down"))

	resp, body := do(t, http.MethodGet, ts.URL+"/api/agent/runs/run_1", "")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "internal error", body["error"])
}

func TestDeleteReport(t *testing.T) {
	ts, a, _ := newTestServer(t)
	a.On("DeleteReport", mock.Anything, "run_done").Return(true, nil)
	a.On("DeleteReport", mock.Anything, "run_gone").Return(false, nil)
	a.On("DeleteReport", mock.Anything, "run_live").Return(false, eris.Wrap(agent.ErrRunInProgress, "delete"))

	resp, _ := do(t, http.MethodDelete, ts.URL+"/api/agent/runs/run_done", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = do(t, http.MethodDelete, ts.URL+"/api/agent/runs/run_gone", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = do(t, http.MethodDelete, ts.URL+"/api/agent/runs/run_live", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestCancelRun(t *testing.T) {
	ts, a, _ := newTestServer(t)
	a.On("Cancel", "run_1").Return(nil)
	a.On("Cancel", "run_2").Return(agent.ErrRunNotFound)

	resp, body := do(t, http.MethodPost, ts.URL+"/api/agent/runs/run_1/cancel", "")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "cancelling", body["status"])

	resp, _ = do(t, http.MethodPost, ts.URL+"/api/agent/runs/run_2/cancel", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestExportReport(t *testing.T) {
	ts, a, _ := newTestServer(t)
	a.On("GetReport", mock.Anything, "run_1").Return(&model.RunReport{
		RunID:  "run_1",
		Status: model.ReportStatusCompleted,
		Items:  []model.ReportItem{{ProductID: "p1", Name: "Board", NewPrice: 12.5}},
	}, nil)

	resp, err := http.Get(ts.URL + "/api/agent/runs/run_1/export")
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/csv", resp.Header.Get("Content-Type"))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "run_1.csv")

	bad, _ := do(t, http.MethodGet, ts.URL+"/api/agent/runs/run_1/export?format=pdf", "")
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestGetSettings(t *testing.T) {
	ts, _, s := newTestServer(t)
	cur := settings.Defaults()
	cur.SearchConfig.HasSecret = true
	s.On("GetOrCreate", mock.Anything).Return(cur, nil)

	resp, body := do(t, http.MethodGet, ts.URL+"/api/agent/settings", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	cfg := body["searchConfig"].(map[string]any)
	assert.Equal(t, true, cfg["hasSecret"])
	assert.NotContains(t, cfg, "secret")
	assert.Len(t, body["searchVendors"], 5)
}

func TestUpdateSettings(t *testing.T) {
	ts, _, s := newTestServer(t)
	s.On("Update", mock.Anything, mock.MatchedBy(func(u settings.Update) bool {
		return u.PricingRules != nil && u.PricingRules.MarkupUnavailable != nil &&
			*u.PricingRules.MarkupUnavailable == 0.5 && u.SearchConfig == nil
	})).Return(settings.Defaults(), nil)

	resp, _ := do(t, http.MethodPatch, ts.URL+"/api/agent/settings", `{"pricingRules":{"markupUnavailable":0.5}}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestUpdateSettings_ValidationError(t *testing.T) {
	ts, _, s := newTestServer(t)
	s.On("Update", mock.Anything, mock.Anything).Return(nil, &settings.ValidationError{
		Fields: map[string]string{"pricingRules.markupUnavailable": "must be between 0 and 3"},
	})

	resp, body := do(t, http.MethodPatch, ts.URL+"/api/agent/settings", `{"pricingRules":{"markupUnavailable":9}}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	fields := body["fields"].(map[string]any)
	assert.Equal(t, "must be between 0 and 3", fields["pricingRules.markupUnavailable"])
}

func TestSecret(t *testing.T) {
	ts, _, s := newTestServer(t)
	s.On("RevealSecret", mock.Anything).Return("sk-test", nil)
	s.On("ClearSecret", mock.Anything).Return(nil)

	resp, body := do(t, http.MethodGet, ts.URL+"/api/agent/settings/secret", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "sk-test", body["secret"])
	assert.Equal(t, true, body["hasSecret"])

	resp, _ = do(t, http.MethodDelete, ts.URL+"/api/agent/settings/secret", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestCORSPreflight(t *testing.T) {
	ts, _, _ := newTestServer(t)

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/api/agent/runs", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://admin.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck

	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

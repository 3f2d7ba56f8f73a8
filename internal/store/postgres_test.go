package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/pricing-agent/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

var settingsCols = []string{"doc", "status", "active_run_id", "search_secret", "updated_at"}

func settingsDoc(t *testing.T) []byte {
	t.Helper()
	doc, err := json.Marshal(testSettings())
	require.NoError(t, err)
	return doc
}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS agent_settings`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetSettings_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT doc, status, active_run_id, search_secret, updated_at FROM agent_settings WHERE id = 1`).
		WillReturnError(pgx.ErrNoRows)

	got, err := s.GetSettings(context.Background())
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetSettings(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`SELECT doc, status .* FROM agent_settings`).
		WillReturnRows(pgxmock.NewRows(settingsCols).AddRow(settingsDoc(t), "running", "run_1", "sk", now))

	got, err := s.GetSettings(context.Background())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, model.AgentStatusRunning, got.Status)
	assert.Equal(t, "run_1", got.ActiveRunID)
	assert.Equal(t, "sk", got.SearchConfig.Secret)
	assert.True(t, got.SearchConfig.HasSecret)
	assert.NotNil(t, got.RunHistory)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_EnsureSettings(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectExec(`(?s)INSERT INTO agent_settings .* ON CONFLICT \(id\) DO NOTHING`).
		WithArgs(pgxmock.AnyArg(), "idle", "", "", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery(`SELECT doc, status .* FROM agent_settings`).
		WillReturnRows(pgxmock.NewRows(settingsCols).AddRow(settingsDoc(t), "idle", "", "", now))

	got, err := s.EnsureSettings(context.Background(), testSettings())
	require.NoError(t, err)
	assert.Equal(t, model.AgentStatusIdle, got.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateSettings(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT doc, status .* FROM agent_settings WHERE id = 1 FOR UPDATE`).
		WillReturnRows(pgxmock.NewRows(settingsCols).AddRow(settingsDoc(t), "idle", "", "", now))
	mock.ExpectExec(`UPDATE agent_settings SET doc = \$1`).
		WithArgs(pgxmock.AnyArg(), "running", "run_1", "", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	got, err := s.UpdateSettings(context.Background(), func(st *model.AgentSettings) error {
		st.Status = model.AgentStatusRunning
		st.ActiveRunID = "run_1"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "run_1", got.ActiveRunID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateSettings_FnErrorRollsBack(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WillReturnRows(pgxmock.NewRows(settingsCols).AddRow(settingsDoc(t), "running", "run_1", "", time.Now()))
	mock.ExpectRollback()

	busy := errors.New("busy")
	_, err := s.UpdateSettings(context.Background(), func(*model.AgentSettings) error { return busy })
	require.ErrorIs(t, err, busy)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateSettings_Missing(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	_, err := s.UpdateSettings(context.Background(), func(*model.AgentSettings) error { return nil })
	require.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AppendReportItems(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE run_reports SET updated_at`).
		WithArgs(pgxmock.AnyArg(), "run_a").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectQuery(`SELECT COALESCE\(MAX\(seq\) \+ 1, 0\) FROM report_items`).
		WithArgs("run_a").
		WillReturnRows(pgxmock.NewRows([]string{"next"}).AddRow(200))
	mock.ExpectCopyFrom(pgx.Identifier{"report_items"}, []string{"run_id", "seq", "data"}).
		WillReturnResult(2)
	mock.ExpectCommit()

	err := s.AppendReportItems(context.Background(), "run_a", []model.ReportItem{{ProductID: "p1"}, {ProductID: "p2"}})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AppendReportItems_UnknownReport(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE run_reports SET updated_at`).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	err := s.AppendReportItems(context.Background(), "missing", []model.ReportItem{{ProductID: "p1"}})
	require.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AppendReportItems_Empty(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	require.NoError(t, s.AppendReportItems(context.Background(), "run_a", nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateReportProgress_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE run_reports SET progress`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), "missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.UpdateReportProgress(context.Background(), "missing", model.RunProgress{}, model.RunTotals{})
	require.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FinalizeReport(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectExec(`(?s)INSERT INTO run_reports .* ON CONFLICT \(run_id\) DO UPDATE SET`).
		WithArgs("run_a", "completed", false, pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), "", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.FinalizeReport(context.Background(), "run_a", model.ReportFinalization{
		Status: model.ReportStatusCompleted, FinishedAt: now,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetReport_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT run_id, status .* FROM run_reports WHERE run_id = \$1`).
		WithArgs("nope").
		WillReturnError(pgx.ErrNoRows)

	r, err := s.GetReport(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, r)
	assert.NoError(t, mock.ExpectationsWereMet())
}

var reportCols = []string{"run_id", "status", "dry_run", "started_at", "finished_at",
	"rules", "vendors", "totals", "progress", "error", "updated_at"}

func TestPostgresStore_GetReport(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	finished := started.Add(time.Hour)

	mock.ExpectQuery(`FROM run_reports WHERE run_id = \$1`).
		WithArgs("run_a").
		WillReturnRows(pgxmock.NewRows(reportCols).AddRow(
			"run_a", "running", true, started, &finished,
			[]byte(`{"markupUnavailable":0.25}`), []byte(`[{"name":"LCSC","url":"https://lcsc.com","enabled":true}]`),
			[]byte(`{"products":2}`), []byte(`{"stage":"pricing","processed":1,"total":2}`), "", started,
		))
	mock.ExpectQuery(`SELECT data FROM report_items WHERE run_id = \$1 ORDER BY seq`).
		WithArgs("run_a").
		WillReturnRows(pgxmock.NewRows([]string{"data"}).
			AddRow([]byte(`{"productId":"p1","sampleUrls":[]}`)).
			AddRow([]byte(`{"productId":"p2","sampleUrls":[]}`)))

	r, err := s.GetReport(context.Background(), "run_a")
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.True(t, r.DryRun)
	assert.Equal(t, 0.25, r.Rules.MarkupUnavailable)
	assert.Equal(t, "LCSC", r.Vendors[0].Name)
	assert.Equal(t, 2, r.Totals.Products)
	assert.Equal(t, "pricing", r.Progress.Stage)
	require.Len(t, r.Items, 2)
	assert.Equal(t, "p2", r.Items[1].ProductID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListReports(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	finished := started.Add(time.Minute)

	mock.ExpectQuery(`FROM run_reports\s+WHERE \(\$1 = '' OR status = \$1\)`).
		WithArgs("completed", 100, 0).
		WillReturnRows(pgxmock.NewRows(reportCols).AddRow(
			"run_a", "completed", false, started, &finished,
			[]byte(`{}`), []byte(`[]`), []byte(`{"products":5,"updated":2}`), []byte(`{}`), "", finished,
		))

	got, err := s.ListReports(context.Background(), ReportFilter{Status: model.ReportStatusCompleted})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "run_a", got[0].RunID)
	assert.Equal(t, 2, got[0].Totals.Updated)
	require.NotNil(t, got[0].FinishedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_DeleteReport(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`DELETE FROM run_reports WHERE run_id = \$1`).
		WithArgs("run_a").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec(`DELETE FROM run_reports WHERE run_id = \$1`).
		WithArgs("run_a").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	ok, err := s.DeleteReport(context.Background(), "run_a")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.DeleteReport(context.Background(), "run_a")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

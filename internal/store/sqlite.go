package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/pricing-agent/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
// A single connection serializes writers, which makes UpdateSettings and
// AppendReportItems atomic.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// DB exposes the underlying handle so the catalog can share the database file.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS agent_settings (
	id            INTEGER PRIMARY KEY CHECK (id = 1),
	doc           TEXT NOT NULL,
	status        TEXT NOT NULL DEFAULT 'idle',
	active_run_id TEXT NOT NULL DEFAULT '',
	search_secret TEXT NOT NULL DEFAULT '',
	updated_at    DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS run_reports (
	run_id      TEXT PRIMARY KEY,
	status      TEXT NOT NULL,
	dry_run     INTEGER NOT NULL DEFAULT 0,
	started_at  DATETIME NOT NULL,
	finished_at DATETIME,
	rules       TEXT NOT NULL,
	vendors     TEXT NOT NULL,
	totals      TEXT NOT NULL,
	progress    TEXT NOT NULL,
	error       TEXT NOT NULL DEFAULT '',
	updated_at  DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS report_items (
	run_id TEXT NOT NULL REFERENCES run_reports(run_id) ON DELETE CASCADE,
	seq    INTEGER NOT NULL,
	data   TEXT NOT NULL,
	PRIMARY KEY (run_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_run_reports_started_at ON run_reports(started_at);
CREATE INDEX IF NOT EXISTS idx_run_reports_status ON run_reports(status);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- settings ---

const sqliteSelectSettings = `SELECT doc, status, active_run_id, search_secret, updated_at FROM agent_settings WHERE id = 1`

func (s *SQLiteStore) GetSettings(ctx context.Context) (*model.AgentSettings, error) {
	return scanSettings(s.db.QueryRowContext(ctx, sqliteSelectSettings))
}

func (s *SQLiteStore) EnsureSettings(ctx context.Context, defaults *model.AgentSettings) (*model.AgentSettings, error) {
	d := defaults.Clone()
	prepareSettings(d, time.Now().UTC())
	doc, err := encodeSettings(d)
	if err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agent_settings (id, doc, status, active_run_id, search_secret, updated_at)
		 VALUES (1, ?, ?, ?, ?, ?) ON CONFLICT(id) DO NOTHING`,
		string(doc), string(d.Status), d.ActiveRunID, d.SearchConfig.Secret, d.UpdatedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert default settings")
	}
	return s.GetSettings(ctx)
}

func (s *SQLiteStore) UpdateSettings(ctx context.Context, fn func(*model.AgentSettings) error) (*model.AgentSettings, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin settings tx")
	}
	defer tx.Rollback() //nolint:errcheck

	cur, err := scanSettings(tx.QueryRowContext(ctx, sqliteSelectSettings))
	if err != nil {
		return nil, err
	}
	if cur == nil {
		return nil, eris.Wrap(ErrNotFound, "sqlite: settings")
	}
	if err := fn(cur); err != nil {
		return nil, err
	}

	prepareSettings(cur, time.Now().UTC())
	doc, err := encodeSettings(cur)
	if err != nil {
		return nil, err
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE agent_settings SET doc = ?, status = ?, active_run_id = ?, search_secret = ?, updated_at = ? WHERE id = 1`,
		string(doc), string(cur.Status), cur.ActiveRunID, cur.SearchConfig.Secret, cur.UpdatedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: update settings")
	}
	if err := checkRowsAffected(res, "settings", "1"); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit settings")
	}
	return cur, nil
}

func scanSettings(row scannable) (*model.AgentSettings, error) {
	var doc, status, activeRunID, secret string
	var updatedAt time.Time
	err := row.Scan(&doc, &status, &activeRunID, &secret, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan settings")
	}
	return decodeSettings([]byte(doc), status, activeRunID, secret, updatedAt)
}

// --- reports ---

func (s *SQLiteStore) CreateReport(ctx context.Context, r *model.RunReport) error {
	cols, err := encodeReport(r)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO run_reports (run_id, status, dry_run, started_at, finished_at, rules, vendors, totals, progress, error, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, string(r.Status), r.DryRun, r.StartedAt.UTC(), nullTime(r.FinishedAt),
		string(cols.rules), string(cols.vendors), string(cols.totals), string(cols.progress), r.Error, now,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: insert report %s", r.RunID)
	}
	r.UpdatedAt = now
	return nil
}

func (s *SQLiteStore) AppendReportItems(ctx context.Context, runID string, items []model.ReportItem) error {
	if len(items) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin append tx")
	}
	defer tx.Rollback() //nolint:errcheck

	var next int
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq) + 1, 0) FROM report_items WHERE run_id = ?`, runID,
	).Scan(&next)
	if err != nil {
		return eris.Wrapf(err, "sqlite: next item seq %s", runID)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO report_items (run_id, seq, data) VALUES (?, ?, ?)`)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare item insert")
	}
	defer stmt.Close() //nolint:errcheck

	for i, it := range items {
		data, err := encodeItem(it)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, runID, next+i, string(data)); err != nil {
			return eris.Wrapf(err, "sqlite: insert report item %s/%d", runID, next+i)
		}
	}

	res, err := tx.ExecContext(ctx, `UPDATE run_reports SET updated_at = ? WHERE run_id = ?`, time.Now().UTC(), runID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: touch report %s", runID)
	}
	if err := checkRowsAffected(res, "report", runID); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit append")
}

func (s *SQLiteStore) UpdateReportProgress(ctx context.Context, runID string, p model.RunProgress, totals model.RunTotals) error {
	cols, err := encodeReport(&model.RunReport{Progress: p, Totals: totals})
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE run_reports SET progress = ?, totals = ?, updated_at = ? WHERE run_id = ?`,
		string(cols.progress), string(cols.totals), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update report progress %s", runID)
	}
	return checkRowsAffected(res, "report", runID)
}

func (s *SQLiteStore) FinalizeReport(ctx context.Context, runID string, f model.ReportFinalization) error {
	r := finalReport(runID, f)
	cols, err := encodeReport(r)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO run_reports (run_id, status, dry_run, started_at, finished_at, rules, vendors, totals, progress, error, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET
			status = excluded.status,
			finished_at = excluded.finished_at,
			totals = excluded.totals,
			progress = excluded.progress,
			error = excluded.error,
			updated_at = excluded.updated_at`,
		runID, string(r.Status), r.DryRun, r.StartedAt.UTC(), r.FinishedAt.UTC(),
		string(cols.rules), string(cols.vendors), string(cols.totals), string(cols.progress), r.Error, time.Now().UTC(),
	)
	return eris.Wrapf(err, "sqlite: finalize report %s", runID)
}

const sqliteReportColumns = `run_id, status, dry_run, started_at, finished_at, rules, vendors, totals, progress, error, updated_at`

func (s *SQLiteStore) GetReport(ctx context.Context, runID string) (*model.RunReport, error) {
	r, err := scanReport(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteReportColumns+` FROM run_reports WHERE run_id = ?`, runID))
	if err != nil || r == nil {
		return r, err
	}
	return r, s.loadItems(ctx, r)
}

func (s *SQLiteStore) LatestReport(ctx context.Context) (*model.RunReport, error) {
	r, err := scanReport(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteReportColumns+` FROM run_reports ORDER BY started_at DESC, run_id DESC LIMIT 1`))
	if err != nil || r == nil {
		return r, err
	}
	return r, s.loadItems(ctx, r)
}

func (s *SQLiteStore) loadItems(ctx context.Context, r *model.RunReport) error {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM report_items WHERE run_id = ? ORDER BY seq`, r.RunID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: list report items %s", r.RunID)
	}
	defer rows.Close() //nolint:errcheck

	r.Items = []model.ReportItem{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return eris.Wrap(err, "sqlite: scan report item")
		}
		it, err := decodeItem([]byte(data))
		if err != nil {
			return err
		}
		r.Items = append(r.Items, it)
	}
	return eris.Wrap(rows.Err(), "sqlite: list report items iterate")
}

func (s *SQLiteStore) ListReports(ctx context.Context, filter ReportFilter) ([]model.RunSummary, error) {
	query := `SELECT ` + sqliteReportColumns + ` FROM run_reports WHERE 1=1`
	var args []any
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY started_at DESC, run_id DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list reports")
	}
	defer rows.Close() //nolint:errcheck

	out := []model.RunSummary{}
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r.Summary())
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list reports iterate")
}

func (s *SQLiteStore) DeleteReport(ctx context.Context, runID string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: begin delete tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM report_items WHERE run_id = ?`, runID); err != nil {
		return false, eris.Wrapf(err, "sqlite: delete report items %s", runID)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM run_reports WHERE run_id = ?`, runID)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: delete report %s", runID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "rows affected")
	}
	return n > 0, eris.Wrap(tx.Commit(), "sqlite: commit delete")
}

func scanReport(row scannable) (*model.RunReport, error) {
	var r model.RunReport
	var status, rules, vendors, totals, progress string
	var finished sql.NullTime

	err := row.Scan(&r.RunID, &status, &r.DryRun, &r.StartedAt, &finished,
		&rules, &vendors, &totals, &progress, &r.Error, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan report")
	}
	r.Status = model.ReportStatus(status)
	if finished.Valid {
		t := finished.Time
		r.FinishedAt = &t
	}
	cols := reportColumns{rules: []byte(rules), vendors: []byte(vendors), totals: []byte(totals), progress: []byte(progress)}
	if err := decodeReportColumns(&r, cols); err != nil {
		return nil, err
	}
	return &r, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

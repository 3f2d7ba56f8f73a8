package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/pricing-agent/internal/db"
	"github.com/sells-group/pricing-agent/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pool, err := NewPool(ctx, connString, poolCfg)
	if err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPool opens a tuned pgx pool. The catalog reuses it for the products table.
func NewPool(ctx context.Context, connString string, poolCfg *PoolConfig) (*pgxpool.Pool, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return pool, nil
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS agent_settings (
	id            INTEGER PRIMARY KEY CHECK (id = 1),
	doc           JSONB NOT NULL,
	status        TEXT NOT NULL DEFAULT 'idle',
	active_run_id TEXT NOT NULL DEFAULT '',
	search_secret TEXT NOT NULL DEFAULT '',
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS run_reports (
	run_id      TEXT PRIMARY KEY,
	status      TEXT NOT NULL,
	dry_run     BOOLEAN NOT NULL DEFAULT false,
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ,
	rules       JSONB NOT NULL,
	vendors     JSONB NOT NULL,
	totals      JSONB NOT NULL,
	progress    JSONB NOT NULL,
	error       TEXT NOT NULL DEFAULT '',
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS report_items (
	run_id TEXT NOT NULL REFERENCES run_reports(run_id) ON DELETE CASCADE,
	seq    INTEGER NOT NULL,
	data   JSONB NOT NULL,
	PRIMARY KEY (run_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_run_reports_started_at ON run_reports(started_at DESC);
CREATE INDEX IF NOT EXISTS idx_run_reports_status ON run_reports(status);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- settings ---

const pgSelectSettings = `SELECT doc, status, active_run_id, search_secret, updated_at FROM agent_settings WHERE id = 1`

func (s *PostgresStore) GetSettings(ctx context.Context) (*model.AgentSettings, error) {
	return scanPgSettings(s.pool.QueryRow(ctx, pgSelectSettings))
}

func (s *PostgresStore) EnsureSettings(ctx context.Context, defaults *model.AgentSettings) (*model.AgentSettings, error) {
	d := defaults.Clone()
	prepareSettings(d, time.Now().UTC())
	doc, err := encodeSettings(d)
	if err != nil {
		return nil, err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO agent_settings (id, doc, status, active_run_id, search_secret, updated_at)
		 VALUES (1, $1, $2, $3, $4, $5) ON CONFLICT (id) DO NOTHING`,
		doc, string(d.Status), d.ActiveRunID, d.SearchConfig.Secret, d.UpdatedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert default settings")
	}
	return s.GetSettings(ctx)
}

func (s *PostgresStore) UpdateSettings(ctx context.Context, fn func(*model.AgentSettings) error) (*model.AgentSettings, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin settings tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	cur, err := scanPgSettings(tx.QueryRow(ctx, pgSelectSettings+` FOR UPDATE`))
	if err != nil {
		return nil, err
	}
	if cur == nil {
		return nil, eris.Wrap(ErrNotFound, "postgres: settings")
	}
	if err := fn(cur); err != nil {
		return nil, err
	}

	prepareSettings(cur, time.Now().UTC())
	doc, err := encodeSettings(cur)
	if err != nil {
		return nil, err
	}
	tag, err := tx.Exec(ctx,
		`UPDATE agent_settings SET doc = $1, status = $2, active_run_id = $3, search_secret = $4, updated_at = $5 WHERE id = 1`,
		doc, string(cur.Status), cur.ActiveRunID, cur.SearchConfig.Secret, cur.UpdatedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: update settings")
	}
	if tag.RowsAffected() == 0 {
		return nil, eris.Wrap(ErrNotFound, "postgres: settings")
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: commit settings")
	}
	return cur, nil
}

func scanPgSettings(row pgx.Row) (*model.AgentSettings, error) {
	var doc []byte
	var status, activeRunID, secret string
	var updatedAt time.Time
	err := row.Scan(&doc, &status, &activeRunID, &secret, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get settings")
	}
	return decodeSettings(doc, status, activeRunID, secret, updatedAt)
}

// --- reports ---

const pgReportColumns = `run_id, status, dry_run, started_at, finished_at, rules, vendors, totals, progress, error, updated_at`

func (s *PostgresStore) CreateReport(ctx context.Context, r *model.RunReport) error {
	cols, err := encodeReport(r)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err = s.pool.Exec(ctx,
		`INSERT INTO run_reports (`+pgReportColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		r.RunID, string(r.Status), r.DryRun, r.StartedAt.UTC(), r.FinishedAt,
		cols.rules, cols.vendors, cols.totals, cols.progress, r.Error, now,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: insert report %s", r.RunID)
	}
	r.UpdatedAt = now
	return nil
}

func (s *PostgresStore) AppendReportItems(ctx context.Context, runID string, items []model.ReportItem) error {
	if len(items) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin append tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// Locking the report row serializes concurrent appends for one run.
	tag, err := tx.Exec(ctx, `UPDATE run_reports SET updated_at = $1 WHERE run_id = $2`, time.Now().UTC(), runID)
	if err != nil {
		return eris.Wrapf(err, "postgres: touch report %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "report %s", runID)
	}

	var next int
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq) + 1, 0) FROM report_items WHERE run_id = $1`, runID,
	).Scan(&next); err != nil {
		return eris.Wrapf(err, "postgres: next item seq %s", runID)
	}

	rows := make([][]any, len(items))
	for i, it := range items {
		data, err := encodeItem(it)
		if err != nil {
			return err
		}
		rows[i] = []any{runID, next + i, data}
	}
	if _, err := db.CopyFrom(ctx, tx, "report_items", []string{"run_id", "seq", "data"}, rows); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit append")
}

func (s *PostgresStore) UpdateReportProgress(ctx context.Context, runID string, p model.RunProgress, totals model.RunTotals) error {
	cols, err := encodeReport(&model.RunReport{Progress: p, Totals: totals})
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE run_reports SET progress = $1, totals = $2, updated_at = $3 WHERE run_id = $4`,
		cols.progress, cols.totals, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update report progress %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "report %s", runID)
	}
	return nil
}

func (s *PostgresStore) FinalizeReport(ctx context.Context, runID string, f model.ReportFinalization) error {
	r := finalReport(runID, f)
	cols, err := encodeReport(r)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO run_reports (`+pgReportColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (run_id) DO UPDATE SET
			status = EXCLUDED.status,
			finished_at = EXCLUDED.finished_at,
			totals = EXCLUDED.totals,
			progress = EXCLUDED.progress,
			error = EXCLUDED.error,
			updated_at = EXCLUDED.updated_at`,
		runID, string(r.Status), r.DryRun, r.StartedAt.UTC(), r.FinishedAt.UTC(),
		cols.rules, cols.vendors, cols.totals, cols.progress, r.Error, time.Now().UTC(),
	)
	return eris.Wrapf(err, "postgres: finalize report %s", runID)
}

func (s *PostgresStore) GetReport(ctx context.Context, runID string) (*model.RunReport, error) {
	r, err := scanPgReport(s.pool.QueryRow(ctx,
		`SELECT `+pgReportColumns+` FROM run_reports WHERE run_id = $1`, runID))
	if err != nil || r == nil {
		return r, err
	}
	return r, s.loadItems(ctx, r)
}

func (s *PostgresStore) LatestReport(ctx context.Context) (*model.RunReport, error) {
	r, err := scanPgReport(s.pool.QueryRow(ctx,
		`SELECT `+pgReportColumns+` FROM run_reports ORDER BY started_at DESC, run_id DESC LIMIT 1`))
	if err != nil || r == nil {
		return r, err
	}
	return r, s.loadItems(ctx, r)
}

func (s *PostgresStore) loadItems(ctx context.Context, r *model.RunReport) error {
	rows, err := s.pool.Query(ctx, `SELECT data FROM report_items WHERE run_id = $1 ORDER BY seq`, r.RunID)
	if err != nil {
		return eris.Wrapf(err, "postgres: list report items %s", r.RunID)
	}
	defer rows.Close()

	r.Items = []model.ReportItem{}
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return eris.Wrap(err, "postgres: scan report item")
		}
		it, err := decodeItem(data)
		if err != nil {
			return err
		}
		r.Items = append(r.Items, it)
	}
	return eris.Wrap(rows.Err(), "postgres: list report items iterate")
}

func (s *PostgresStore) ListReports(ctx context.Context, filter ReportFilter) ([]model.RunSummary, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgReportColumns+` FROM run_reports
		 WHERE ($1 = '' OR status = $1)
		 ORDER BY started_at DESC, run_id DESC LIMIT $2 OFFSET $3`,
		string(filter.Status), limit, max(filter.Offset, 0),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list reports")
	}
	defer rows.Close()

	out := []model.RunSummary{}
	for rows.Next() {
		r, err := scanPgReport(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r.Summary())
	}
	return out, eris.Wrap(rows.Err(), "postgres: list reports iterate")
}

func (s *PostgresStore) DeleteReport(ctx context.Context, runID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM run_reports WHERE run_id = $1`, runID)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: delete report %s", runID)
	}
	return tag.RowsAffected() > 0, nil
}

func scanPgReport(row pgx.Row) (*model.RunReport, error) {
	var r model.RunReport
	var status string
	var cols reportColumns

	err := row.Scan(&r.RunID, &status, &r.DryRun, &r.StartedAt, &r.FinishedAt,
		&cols.rules, &cols.vendors, &cols.totals, &cols.progress, &r.Error, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get report")
	}
	r.Status = model.ReportStatus(status)
	if err := decodeReportColumns(&r, cols); err != nil {
		return nil, err
	}
	return &r, nil
}

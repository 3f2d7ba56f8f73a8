package catalog

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/pricing-agent/internal/db"
	"github.com/sells-group/pricing-agent/internal/model"
)

// PostgresCatalog implements Catalog over a Postgres products table.
type PostgresCatalog struct {
	pool  db.Pool
	table string
}

// NewPostgres returns a catalog over table using pool.
func NewPostgres(pool db.Pool, table string) (*PostgresCatalog, error) {
	t, err := checkTable(table)
	if err != nil {
		return nil, err
	}
	return &PostgresCatalog{pool: pool, table: pgx.Identifier{t}.Sanitize()}, nil
}

// Migrate creates the products table when it does not exist.
func (c *PostgresCatalog) Migrate(ctx context.Context) error {
	_, err := c.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+c.table+` (
	id                        TEXT PRIMARY KEY,
	name                      TEXT NOT NULL DEFAULT '',
	sku                       TEXT NOT NULL DEFAULT '',
	part_number               TEXT NOT NULL DEFAULT '',
	price                     DOUBLE PRECISION NOT NULL DEFAULT 0,
	base_price                DOUBLE PRECISION NOT NULL DEFAULT 0,
	availability_hits         INTEGER NOT NULL DEFAULT 0,
	availability_last_checked TIMESTAMPTZ,
	availability_sample_urls  JSONB NOT NULL DEFAULT '[]',
	price_source              TEXT NOT NULL DEFAULT ''
)`)
	return eris.Wrap(err, "catalog: migrate")
}

func (c *PostgresCatalog) ListAll(ctx context.Context) ([]model.CatalogItem, error) {
	rows, err := c.pool.Query(ctx, `SELECT id, name, sku, part_number, price, base_price,
		availability_hits, availability_last_checked, availability_sample_urls, price_source
		FROM `+c.table+` ORDER BY id`)
	if err != nil {
		return nil, eris.Wrap(err, "catalog: list")
	}
	defer rows.Close()

	var items []model.CatalogItem
	for rows.Next() {
		var it model.CatalogItem
		var urls []byte
		if err := rows.Scan(&it.ID, &it.Name, &it.SKU, &it.PartNumber, &it.Price, &it.BasePrice,
			&it.AvailabilityHits, &it.AvailabilityLastChecked, &urls, &it.PriceSource); err != nil {
			return nil, eris.Wrap(err, "catalog: scan item")
		}
		it.AvailabilitySampleURLs = decodeURLs(urls)
		items = append(items, it)
	}
	return items, eris.Wrap(rows.Err(), "catalog: list iterate")
}

// updateSQL updates one product and returns whether price, base price or
// hits changed. No row is returned when the id is unknown.
func (c *PostgresCatalog) updateSQL() string {
	return `WITH old AS (
		SELECT id, price, base_price, availability_hits FROM ` + c.table + ` WHERE id = $1 FOR UPDATE
	)
	UPDATE ` + c.table + ` AS p SET price = $2, base_price = $3, availability_hits = $4,
		availability_last_checked = $5, availability_sample_urls = $6, price_source = $7
	FROM old WHERE p.id = old.id
	RETURNING old.price IS DISTINCT FROM $2 OR old.base_price IS DISTINCT FROM $3 OR old.availability_hits IS DISTINCT FROM $4`
}

// BulkUpdate sends all ops in one batch. When the batch fails as a whole
// the ops are replayed one by one so a single bad op cannot block the rest.
func (c *PostgresCatalog) BulkUpdate(ctx context.Context, ops []model.CatalogUpdate) (*BulkResult, error) {
	if len(ops) == 0 {
		return &BulkResult{}, nil
	}
	args := make([][]any, len(ops))
	for i, op := range ops {
		a, err := opArgs(op)
		if err != nil {
			return nil, err
		}
		args[i] = a
	}

	res, err := c.sendBatch(ctx, args)
	if err == nil {
		return res, nil
	}
	if ctx.Err() != nil {
		return nil, eris.Wrap(err, "catalog: bulk update")
	}
	zap.L().Warn("catalog: batch update failed, applying ops individually", zap.Error(err))
	return c.applyEach(ctx, ops, args), nil
}

func (c *PostgresCatalog) sendBatch(ctx context.Context, args [][]any) (*BulkResult, error) {
	q := c.updateSQL()
	b := &pgx.Batch{}
	for _, a := range args {
		b.Queue(q, a...)
	}

	br := c.pool.SendBatch(ctx, b)
	res := &BulkResult{}
	for range args {
		var modified bool
		err := br.QueryRow().Scan(&modified)
		if errors.Is(err, pgx.ErrNoRows) {
			continue
		}
		if err != nil {
			_ = br.Close()
			return nil, err
		}
		res.Matched++
		if modified {
			res.Modified++
		}
	}
	if err := br.Close(); err != nil {
		return nil, err
	}
	return res, nil
}

func (c *PostgresCatalog) applyEach(ctx context.Context, ops []model.CatalogUpdate, args [][]any) *BulkResult {
	q := c.updateSQL()
	res := &BulkResult{}
	for i, op := range ops {
		var modified bool
		err := c.pool.QueryRow(ctx, q, args[i]...).Scan(&modified)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
		case err != nil:
			res.Failed = append(res.Failed, OpFailure{ID: op.ID, Error: err.Error()})
		default:
			res.Matched++
			if modified {
				res.Modified++
			}
		}
	}
	return res
}

func opArgs(op model.CatalogUpdate) ([]any, error) {
	urls, err := encodeURLs(op.AvailabilitySampleURLs)
	if err != nil {
		return nil, err
	}
	checked := op.AvailabilityLastChecked
	if checked.IsZero() {
		checked = time.Now()
	}
	return []any{op.ID, op.Price, op.BasePrice, op.AvailabilityHits, checked.UTC(), urls, op.PriceSource}, nil
}

// Upsert inserts or replaces items in one batch. Used for seeding and imports.
func (c *PostgresCatalog) Upsert(ctx context.Context, items []model.CatalogItem) error {
	if len(items) == 0 {
		return nil
	}
	q := `INSERT INTO ` + c.table + ` (id, name, sku, part_number, price, base_price)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, sku = EXCLUDED.sku, part_number = EXCLUDED.part_number,
			price = EXCLUDED.price, base_price = EXCLUDED.base_price`

	b := &pgx.Batch{}
	for _, it := range items {
		b.Queue(q, it.ID, it.Name, it.SKU, it.PartNumber, it.Price, it.BasePrice)
	}
	br := c.pool.SendBatch(ctx, b)
	for _, it := range items {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return eris.Wrapf(err, "catalog: upsert %s", it.ID)
		}
	}
	return eris.Wrap(br.Close(), "catalog: upsert")
}

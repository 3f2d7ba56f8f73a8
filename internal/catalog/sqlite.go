package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/pricing-agent/internal/model"
)

// SQLiteCatalog implements Catalog over a SQLite products table.
type SQLiteCatalog struct {
	db    *sql.DB
	table string
}

// NewSQLite returns a catalog over table in db. An empty table name selects
// DefaultTable.
func NewSQLite(db *sql.DB, table string) (*SQLiteCatalog, error) {
	t, err := checkTable(table)
	if err != nil {
		return nil, err
	}
	return &SQLiteCatalog{db: db, table: t}, nil
}

// Migrate creates the products table when it does not exist.
func (c *SQLiteCatalog) Migrate(ctx context.Context) error {
	_, err := c.db.ExecContext(ctx, fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id                        TEXT PRIMARY KEY,
	name                      TEXT NOT NULL DEFAULT '',
	sku                       TEXT NOT NULL DEFAULT '',
	part_number               TEXT NOT NULL DEFAULT '',
	price                     REAL NOT NULL DEFAULT 0,
	base_price                REAL NOT NULL DEFAULT 0,
	availability_hits         INTEGER NOT NULL DEFAULT 0,
	availability_last_checked DATETIME,
	availability_sample_urls  TEXT NOT NULL DEFAULT '[]',
	price_source              TEXT NOT NULL DEFAULT ''
);`, c.table))
	return eris.Wrap(err, "catalog: migrate")
}

// Upsert inserts or replaces items. Used for seeding and imports.
func (c *SQLiteCatalog) Upsert(ctx context.Context, items []model.CatalogItem) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "catalog: begin upsert")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`INSERT INTO %s
		(id, name, sku, part_number, price, base_price, availability_hits, availability_last_checked, availability_sample_urls, price_source)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, sku = excluded.sku, part_number = excluded.part_number,
			price = excluded.price, base_price = excluded.base_price`, c.table))
	if err != nil {
		return eris.Wrap(err, "catalog: prepare upsert")
	}
	defer stmt.Close() //nolint:errcheck

	for _, it := range items {
		urls, err := encodeURLs(it.AvailabilitySampleURLs)
		if err != nil {
			return err
		}
		var checked any
		if it.AvailabilityLastChecked != nil {
			checked = it.AvailabilityLastChecked.UTC()
		}
		if _, err := stmt.ExecContext(ctx, it.ID, it.Name, it.SKU, it.PartNumber, it.Price, it.BasePrice,
			it.AvailabilityHits, checked, string(urls), it.PriceSource); err != nil {
			return eris.Wrapf(err, "catalog: upsert %s", it.ID)
		}
	}
	return eris.Wrap(tx.Commit(), "catalog: commit upsert")
}

func (c *SQLiteCatalog) ListAll(ctx context.Context) ([]model.CatalogItem, error) {
	rows, err := c.db.QueryContext(ctx, fmt.Sprintf(`SELECT id, name, sku, part_number, price, base_price,
		availability_hits, availability_last_checked, availability_sample_urls, price_source
		FROM %s ORDER BY id`, c.table))
	if err != nil {
		return nil, eris.Wrap(err, "catalog: list")
	}
	defer rows.Close() //nolint:errcheck

	var items []model.CatalogItem
	for rows.Next() {
		var it model.CatalogItem
		var checked sql.NullTime
		var urls string
		if err := rows.Scan(&it.ID, &it.Name, &it.SKU, &it.PartNumber, &it.Price, &it.BasePrice,
			&it.AvailabilityHits, &checked, &urls, &it.PriceSource); err != nil {
			return nil, eris.Wrap(err, "catalog: scan item")
		}
		if checked.Valid {
			t := checked.Time
			it.AvailabilityLastChecked = &t
		}
		it.AvailabilitySampleURLs = decodeURLs([]byte(urls))
		items = append(items, it)
	}
	return items, eris.Wrap(rows.Err(), "catalog: list iterate")
}

func (c *SQLiteCatalog) BulkUpdate(ctx context.Context, ops []model.CatalogUpdate) (*BulkResult, error) {
	res := &BulkResult{}
	if len(ops) == 0 {
		return res, nil
	}
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "catalog: begin bulk update")
	}
	defer tx.Rollback() //nolint:errcheck

	for _, op := range ops {
		matched, modified, err := c.applyOne(ctx, tx, op)
		if err != nil {
			res.Failed = append(res.Failed, OpFailure{ID: op.ID, Error: err.Error()})
			continue
		}
		if matched {
			res.Matched++
		}
		if modified {
			res.Modified++
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "catalog: commit bulk update")
	}
	return res, nil
}

func (c *SQLiteCatalog) applyOne(ctx context.Context, tx *sql.Tx, op model.CatalogUpdate) (matched, modified bool, err error) {
	var oldPrice, oldBase float64
	var oldHits int
	err = tx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT price, base_price, availability_hits FROM %s WHERE id = ?`, c.table), op.ID,
	).Scan(&oldPrice, &oldBase, &oldHits)
	if errors.Is(err, sql.ErrNoRows) {
		return false, false, nil
	}
	if err != nil {
		return false, false, eris.Wrapf(err, "catalog: read %s", op.ID)
	}

	urls, err := encodeURLs(op.AvailabilitySampleURLs)
	if err != nil {
		return false, false, err
	}
	checked := op.AvailabilityLastChecked
	if checked.IsZero() {
		checked = time.Now()
	}
	_, err = tx.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET price = ?, base_price = ?, availability_hits = ?,
		availability_last_checked = ?, availability_sample_urls = ?, price_source = ? WHERE id = ?`, c.table),
		op.Price, op.BasePrice, op.AvailabilityHits, checked.UTC(), string(urls), op.PriceSource, op.ID)
	if err != nil {
		return false, false, eris.Wrapf(err, "catalog: update %s", op.ID)
	}
	return true, changed(oldPrice, oldBase, oldHits, op), nil
}

// Package catalog reads and writes the product records the pricing agent
// reprices.
package catalog

import (
	"context"
	"encoding/json"
	"regexp"

	"github.com/rotisserie/eris"

	"github.com/sells-group/pricing-agent/internal/model"
)

// DefaultTable is the products table used when none is configured.
const DefaultTable = "products"

// Catalog is the product catalog collaborator.
type Catalog interface {
	// ListAll returns every catalog item ordered by id.
	ListAll(ctx context.Context) ([]model.CatalogItem, error)
	// BulkUpdate applies ops independently. A failing op is reported in
	// BulkResult.Failed and never blocks the others.
	BulkUpdate(ctx context.Context, ops []model.CatalogUpdate) (*BulkResult, error)
}

// BulkResult summarizes a BulkUpdate.
type BulkResult struct {
	// Matched counts ops whose product exists.
	Matched int `json:"matched"`
	// Modified counts matched ops that changed price, base price or hits.
	Modified int        `json:"modified"`
	Failed   []OpFailure `json:"failed,omitempty"`
}

// OpFailure records one failed update.
type OpFailure struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func checkTable(table string) (string, error) {
	if table == "" {
		return DefaultTable, nil
	}
	if !identRe.MatchString(table) {
		return "", eris.Errorf("catalog: invalid table name %q", table)
	}
	return table, nil
}

func encodeURLs(urls []string) ([]byte, error) {
	if urls == nil {
		urls = []string{}
	}
	data, err := json.Marshal(urls)
	return data, eris.Wrap(err, "catalog: marshal sample urls")
}

func decodeURLs(data []byte) []string {
	if len(data) == 0 {
		return nil
	}
	var urls []string
	if err := json.Unmarshal(data, &urls); err != nil {
		return nil
	}
	return urls
}

func changed(oldPrice, oldBase float64, oldHits int, op model.CatalogUpdate) bool {
	return oldPrice != op.Price || oldBase != op.BasePrice || oldHits != op.AvailabilityHits
}

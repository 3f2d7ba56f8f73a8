package catalog

import (
	"context"
	"encoding/csv"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/pricing-agent/internal/model"
)

// Seeder writes catalog items, inserting new ids and replacing known ones.
type Seeder interface {
	Upsert(ctx context.Context, items []model.CatalogItem) error
}

// importColumns maps accepted header names to item fields.
var importColumns = map[string]string{
	"id":          "id",
	"product_id":  "id",
	"name":        "name",
	"sku":         "sku",
	"part_number": "part_number",
	"mpn":         "part_number",
	"price":       "price",
	"base_price":  "base_price",
}

// ReadItems parses a product sheet. The format is taken from the file name
// extension: .xlsx reads the first sheet, anything else is read as CSV. The
// first row is a header naming at least id and price.
func ReadItems(r io.Reader, filename string) ([]model.CatalogItem, error) {
	var rows [][]string
	var err error
	if strings.EqualFold(filepath.Ext(filename), ".xlsx") {
		rows, err = readXLSXRows(r)
	} else {
		cr := csv.NewReader(r)
		cr.FieldsPerRecord = -1
		cr.TrimLeadingSpace = true
		rows, err = cr.ReadAll()
		err = eris.Wrap(err, "catalog: read csv")
	}
	if err != nil {
		return nil, err
	}
	return parseRows(rows)
}

func readXLSXRows(r io.Reader) ([][]string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, eris.Wrap(err, "catalog: read xlsx")
	}
	f, err := xlsx.OpenBinary(data)
	if err != nil {
		return nil, eris.Wrap(err, "catalog: open xlsx")
	}
	if len(f.Sheets) == 0 {
		return nil, eris.New("catalog: xlsx has no sheets")
	}
	var rows [][]string
	for _, row := range f.Sheets[0].Rows {
		cells := make([]string, len(row.Cells))
		for j, cell := range row.Cells {
			cells[j] = cell.String()
		}
		rows = append(rows, cells)
	}
	return rows, nil
}

func parseRows(rows [][]string) ([]model.CatalogItem, error) {
	if len(rows) == 0 {
		return nil, eris.New("catalog: empty sheet")
	}
	idx := make(map[string]int)
	for i, h := range rows[0] {
		key := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		if field, ok := importColumns[key]; ok {
			if _, dup := idx[field]; !dup {
				idx[field] = i
			}
		}
	}
	for _, required := range []string{"id", "price"} {
		if _, ok := idx[required]; !ok {
			return nil, eris.Errorf("catalog: missing %q column", required)
		}
	}

	get := func(row []string, field string) string {
		i, ok := idx[field]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}
	num := func(row []string, field string, line int) (float64, error) {
		s := strings.TrimPrefix(get(row, field), "$")
		if s == "" {
			return 0, nil
		}
		v, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64)
		if err != nil || v < 0 {
			return 0, eris.Errorf("catalog: line %d: invalid %s %q", line, field, get(row, field))
		}
		return v, nil
	}

	items := make([]model.CatalogItem, 0, len(rows)-1)
	for n, row := range rows[1:] {
		line := n + 2
		id := get(row, "id")
		if id == "" {
			continue
		}
		price, err := num(row, "price", line)
		if err != nil {
			return nil, err
		}
		base, err := num(row, "base_price", line)
		if err != nil {
			return nil, err
		}
		items = append(items, model.CatalogItem{
			ID:         id,
			Name:       get(row, "name"),
			SKU:        get(row, "sku"),
			PartNumber: get(row, "part_number"),
			Price:      price,
			BasePrice:  base,
		})
	}
	return items, nil
}

package catalog

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/pricing-agent/internal/model"
)

func TestReadItems_CSV(t *testing.T) {
	in := "\ufeffProduct_ID,Name,MPN,Price,Base_Price\n" +
		"p1,FR4 panel 1.6mm,,\"$1,200.50\",\n" +
		",skipped row,,1,\n" +
		"p2, LM317 regulator ,LM317T,1.2,0.9\n"

	items, err := ReadItems(strings.NewReader(in), "products.csv")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, model.CatalogItem{ID: "p1", Name: "FR4 panel 1.6mm", Price: 1200.5}, items[0])
	assert.Equal(t, "LM317 regulator", items[1].Name)
	assert.Equal(t, "LM317T", items[1].PartNumber)
	assert.InDelta(t, 0.9, items[1].BasePrice, 0.0001)
}

func TestReadItems_MissingColumn(t *testing.T) {
	_, err := ReadItems(strings.NewReader("id,name\np1,Board\n"), "products.csv")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), `missing "price" column`)
}

func TestReadItems_InvalidPrice(t *testing.T) {
	_, err := ReadItems(strings.NewReader("id,price\np1,abc\n"), "products.csv")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")

	_, err = ReadItems(strings.NewReader("id,price\np1,-3\n"), "products.csv")
	assert.Error(t, err)
}

func TestReadItems_XLSX(t *testing.T) {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("Products")
	require.NoError(t, err)
	for _, r := range [][]string{
		{"id", "name", "sku", "price"},
		{"p9", "Stencil", "STN-1", "45"},
	} {
		row := sheet.AddRow()
		for _, c := range r {
			row.AddCell().SetString(c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, f.Write(&buf))

	items, err := ReadItems(&buf, "Products.XLSX")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "p9", items[0].ID)
	assert.Equal(t, "STN-1", items[0].SKU)
	assert.InDelta(t, 45, items[0].Price, 0.0001)
}

func TestImport_SQLiteRoundTrip(t *testing.T) {
	c := newTestSQLiteCatalog(t)
	var s Seeder = c

	items, err := ReadItems(strings.NewReader("id,name,price\np1,Board,10\np2,Stencil,20\n"), "seed.csv")
	require.NoError(t, err)
	require.NoError(t, s.Upsert(context.Background(), items))

	// Re-import replaces price but keeps the row count.
	items[0].Price = 11
	require.NoError(t, s.Upsert(context.Background(), items[:1]))

	got, err := c.ListAll(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.InDelta(t, 11, got[0].Price, 0.0001)
}

func TestPostgresCatalog_Upsert_Empty(t *testing.T) {
	c, mock := newMockPostgresCatalog(t)
	require.NoError(t, c.Upsert(context.Background(), nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

package report

import (
	"bytes"
	"encoding/csv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/pricing-agent/internal/model"
)

func sampleReport() *model.RunReport {
	started := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	finished := started.Add(4 * time.Minute)
	return &model.RunReport{
		RunID:      "run_20260301T090000_abcd1234",
		Status:     model.ReportStatusCompleted,
		StartedAt:  started,
		FinishedAt: &finished,
		Totals:     model.RunTotals{Products: 2, Doubled: 1, Normalized: 1, Updated: 2},
		Items: []model.ReportItem{
			{
				ProductID: "p1", Name: "2-layer FR4 board", BasePrice: 10, OldPrice: 10, NewPrice: 12.5,
				AvailabilityHits: 0, AvailabilityStatus: model.AvailabilityUnavailable,
				PriceAction: model.PriceActionChanged, SampleURLs: []string{},
			},
			{
				ProductID: "p2", Name: "Stencil, frameless", BasePrice: 20, OldPrice: 21, NewPrice: 20,
				AvailabilityHits: 3, AvailabilityStatus: model.AvailabilityAvailable,
				PriceAction: model.PriceActionChanged,
				SampleURLs:  []string{"https://www.digikey.com/a", "https://www.mouser.com/b"},
			},
		},
	}
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat(" XLSX ")
	require.NoError(t, err)
	assert.Equal(t, FormatXLSX, f)

	f, err = ParseFormat("csv")
	require.NoError(t, err)
	assert.Equal(t, FormatCSV, f)

	_, err = ParseFormat("pdf")
	assert.Error(t, err)
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, sampleReport()))

	r := csv.NewReader(&buf)
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	require.NoError(t, err)

	assert.Equal(t, itemHeader, rows[0])
	assert.Equal(t, []string{"p1", "2-layer FR4 board", "10.00", "10.00", "12.50", "0", "unavailable", "changed", ""}, rows[1])
	assert.Equal(t, "https://www.digikey.com/a https://www.mouser.com/b", rows[2][8])

	// The blank separator line is skipped by the reader.
	assert.Equal(t, []string{"run_id", "run_20260301T090000_abcd1234"}, rows[3])
	assert.Contains(t, rows, []string{"unavailable", "1"})
	assert.Contains(t, rows, []string{"finished_at", "2026-03-01T09:04:00Z"})
	assert.NotContains(t, rows, []string{"error", ""})
}

func TestWriteCSV_FailedRunIncludesError(t *testing.T) {
	rep := sampleReport()
	rep.Status = model.ReportStatusFailed
	rep.FinishedAt = nil
	rep.Error = "run cancelled"
	rep.Items = nil

	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, rep))
	assert.Contains(t, buf.String(), "error,run cancelled")
	assert.Contains(t, buf.String(), "finished_at,\n")
}

func TestWriteXLSX(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, sampleReport(), FormatXLSX))

	f, err := xlsx.OpenBinary(buf.Bytes())
	require.NoError(t, err)
	require.Len(t, f.Sheets, 2)

	items := f.Sheet[ItemsSheet]
	require.NotNil(t, items)
	require.Len(t, items.Rows, 3)
	assert.Equal(t, "product_id", items.Rows[0].Cells[0].String())
	assert.Equal(t, "p2", items.Rows[2].Cells[0].String())
	price, err := items.Rows[1].Cells[4].Float()
	require.NoError(t, err)
	assert.InDelta(t, 12.5, price, 0.0001)
	hits, err := items.Rows[2].Cells[5].Int()
	require.NoError(t, err)
	assert.Equal(t, 3, hits)

	totals := f.Sheet[TotalsSheet]
	require.NotNil(t, totals)
	assert.Equal(t, "status", totals.Rows[1].Cells[0].String())
	assert.Equal(t, "completed", totals.Rows[1].Cells[1].String())
}

func TestWrite_UnknownFormat(t *testing.T) {
	var buf bytes.Buffer
	assert.Error(t, Write(&buf, sampleReport(), Format("pdf")))
}

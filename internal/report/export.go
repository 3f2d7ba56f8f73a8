// Package report exports run reports as CSV or XLSX.
package report

import (
	"encoding/csv"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/pricing-agent/internal/model"
)

// Format is an export file format.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatCSV, FormatXLSX:
		return f, nil
	default:
		return "", eris.Errorf("report: unknown format %q", s)
	}
}

// Sheet names of the XLSX export.
const (
	ItemsSheet  = "Items"
	TotalsSheet = "Totals"
)

// itemHeader is the column order of both exports.
var itemHeader = []string{
	"product_id", "name", "base_price", "old_price", "new_price",
	"availability_hits", "availability_status", "price_action", "sample_urls",
}

// Write exports r in the given format.
func Write(w io.Writer, r *model.RunReport, f Format) error {
	switch f {
	case FormatCSV:
		return WriteCSV(w, r)
	case FormatXLSX:
		return WriteXLSX(w, r)
	default:
		return eris.Errorf("report: unknown format %q", f)
	}
}

// WriteCSV writes one row per report item followed by a blank line and the
// run totals.
func WriteCSV(w io.Writer, r *model.RunReport) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(itemHeader); err != nil {
		return eris.Wrap(err, "report: write csv header")
	}
	for _, it := range r.Items {
		if err := cw.Write(itemRow(it)); err != nil {
			return eris.Wrapf(err, "report: write csv row %s", it.ProductID)
		}
	}
	// Footer
	rows := append([][]string{{}}, totalsRows(r)...)
	if err := cw.WriteAll(rows); err != nil {
		return eris.Wrap(err, "report: write csv totals")
	}
	return eris.Wrap(cw.Error(), "report: flush csv")
}

// WriteXLSX writes an Items sheet and a Totals sheet.
func WriteXLSX(w io.Writer, r *model.RunReport) error {
	f := xlsx.NewFile()

	items, err := f.AddSheet(ItemsSheet)
	if err != nil {
		return eris.Wrap(err, "report: add items sheet")
	}
	addStrings(items.AddRow(), itemHeader)
	for _, it := range r.Items {
		row := items.AddRow()
		row.AddCell().SetString(it.ProductID)
		row.AddCell().SetString(it.Name)
		row.AddCell().SetFloat(it.BasePrice)
		row.AddCell().SetFloat(it.OldPrice)
		row.AddCell().SetFloat(it.NewPrice)
		row.AddCell().SetInt(it.AvailabilityHits)
		row.AddCell().SetString(string(it.AvailabilityStatus))
		row.AddCell().SetString(string(it.PriceAction))
		row.AddCell().SetString(strings.Join(it.SampleURLs, " "))
	}

	totals, err := f.AddSheet(TotalsSheet)
	if err != nil {
		return eris.Wrap(err, "report: add totals sheet")
	}
	for _, kv := range totalsRows(r) {
		addStrings(totals.AddRow(), kv)
	}

	return eris.Wrap(f.Write(w), "report: write xlsx")
}

func addStrings(row *xlsx.Row, vals []string) {
	for _, v := range vals {
		row.AddCell().SetString(v)
	}
}

func itemRow(it model.ReportItem) []string {
	return []string{
		it.ProductID,
		it.Name,
		money(it.BasePrice),
		money(it.OldPrice),
		money(it.NewPrice),
		strconv.Itoa(it.AvailabilityHits),
		string(it.AvailabilityStatus),
		string(it.PriceAction),
		strings.Join(it.SampleURLs, " "),
	}
}

func totalsRows(r *model.RunReport) [][]string {
	finished := ""
	if r.FinishedAt != nil {
		finished = r.FinishedAt.UTC().Format(time.RFC3339)
	}
	rows := [][]string{
		{"run_id", r.RunID},
		{"status", string(r.Status)},
		{"dry_run", strconv.FormatBool(r.DryRun)},
		{"started_at", r.StartedAt.UTC().Format(time.RFC3339)},
		{"finished_at", finished},
		{"products", strconv.Itoa(r.Totals.Products)},
		{"unavailable", strconv.Itoa(r.Totals.Doubled)},
		{"available", strconv.Itoa(r.Totals.Normalized)},
		{"updated", strconv.Itoa(r.Totals.Updated)},
	}
	if r.Error != "" {
		rows = append(rows, []string{"error", r.Error})
	}
	return rows
}

func money(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

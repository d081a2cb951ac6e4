package warehouse

import (
	"encoding/csv"
	"io"
	"sort"
	"strconv"

	"github.com/rotisserie/eris"

	"github.com/sells-group/market-atlas/internal/census"
	"github.com/sells-group/market-atlas/internal/stats"
)

// Exported files are wide: one row per area, one column per dimension/bin
// pair in schema order. Column headers are "dimension: bin label".

// ExportCounts writes a level's raw counts as CSV.
func ExportCounts(w io.Writer, t *census.Table) error {
	cw := csv.NewWriter(w)

	header := []string{"area_code"}
	type col struct{ dim, bin string }
	var cols []col
	for _, dim := range t.Schema.Dimensions() {
		for _, b := range dim.Bins {
			header = append(header, dim.Name+": "+b.Label)
			cols = append(cols, col{dim.Name, b.Label})
		}
	}
	if err := cw.Write(header); err != nil {
		return eris.Wrap(err, "warehouse: export counts header")
	}

	for _, code := range t.AreaCodes() {
		counts := t.Counts[code]
		row := make([]string, 0, len(header))
		row = append(row, code)
		for _, c := range cols {
			row = append(row, formatFloat(counts.Get(c.dim, c.bin)))
		}
		if err := cw.Write(row); err != nil {
			return eris.Wrapf(err, "warehouse: export counts row %s", code)
		}
	}
	cw.Flush()
	return eris.Wrap(cw.Error(), "warehouse: export counts flush")
}

// ExportProcessed writes a level's derived records as CSV. Undefined
// statistics export as empty cells, not zeros.
func ExportProcessed(w io.Writer, recs []census.ProcessedRecord, bands []stats.Band) error {
	if len(bands) == 0 {
		bands = stats.DefaultBands
	}
	cw := csv.NewWriter(w)

	header := []string{
		"area_code", "population", "avg_age", "avg_income", "income_earners",
		"avg_hours_worked", "workers", "hourly_wage", "population_density",
	}
	for _, b := range bands {
		header = append(header, b.Name)
	}
	if err := cw.Write(header); err != nil {
		return eris.Wrap(err, "warehouse: export processed header")
	}

	for _, rec := range recs {
		row := []string{
			rec.AreaCode,
			formatFloat(rec.Population),
			formatPtr(rec.AvgAge),
			formatPtr(rec.AvgIncome),
			formatFloat(rec.IncomeEarners),
			formatPtr(rec.AvgHours),
			formatFloat(rec.Workers),
			formatPtr(rec.HourlyWage),
			formatPtr(rec.Density),
		}
		for _, b := range bands {
			row = append(row, formatFloat(rec.AgeBands[b.Name]))
		}
		if err := cw.Write(row); err != nil {
			return eris.Wrapf(err, "warehouse: export processed row %s", rec.AreaCode)
		}
	}
	cw.Flush()
	return eris.Wrap(cw.Error(), "warehouse: export processed flush")
}

// ExportPct writes a level's percentage distributions as CSV. The schema
// fixes the column order; not-stated bins never appear.
func ExportPct(w io.Writer, pt *census.PctTable, schema *census.Schema) error {
	cw := csv.NewWriter(w)

	header := []string{"area_code"}
	type col struct{ dim, bin string }
	var cols []col
	for _, dim := range schema.Dimensions() {
		for _, b := range dim.Bins {
			if !pctColumn(pt, dim.Name, b.Label) {
				continue
			}
			header = append(header, dim.Name+": "+b.Label+" %")
			cols = append(cols, col{dim.Name, b.Label})
		}
	}
	if err := cw.Write(header); err != nil {
		return eris.Wrap(err, "warehouse: export pct header")
	}

	codes := make([]string, 0, len(pt.Areas))
	for code := range pt.Areas {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	for _, code := range codes {
		byDim := pt.Areas[code]
		row := make([]string, 0, len(header))
		row = append(row, code)
		for _, c := range cols {
			row = append(row, formatPtr(byDim[c.dim][c.bin]))
		}
		if err := cw.Write(row); err != nil {
			return eris.Wrapf(err, "warehouse: export pct row %s", code)
		}
	}
	cw.Flush()
	return eris.Wrap(cw.Error(), "warehouse: export pct flush")
}

// pctColumn reports whether any area carries this dimension/bin column.
// Not-stated bins were never emitted by the percentage stage, so they vanish
// from the export too.
func pctColumn(pt *census.PctTable, dim, bin string) bool {
	for _, byDim := range pt.Areas {
		if byBin, ok := byDim[dim]; ok {
			if _, ok := byBin[bin]; ok {
				return true
			}
		}
	}
	return false
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatPtr(v *float64) string {
	if v == nil {
		return ""
	}
	return formatFloat(*v)
}

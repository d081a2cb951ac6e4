// Package stats computes per-area derived statistics (population, weighted
// averages, composite metrics, age-band rollups) from binned counts. Records
// are always computed from counts, never from other records, so averages of
// averages cannot occur.
package stats

import (
	"fmt"
	"math"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/market-atlas/internal/bins"
	"github.com/sells-group/market-atlas/internal/census"
)

// WeeksPerYear converts average weekly hours to annual hours for the hourly
// wage composite.
const WeeksPerYear = 52

// Band is one age-group rollup band. Upper is inclusive; Open marks the last,
// unbounded band.
type Band struct {
	Name  string
	Lower float64
	Upper float64
	Open  bool
}

// DefaultBands are the fixed age-group rollup bands.
var DefaultBands = []Band{
	{Name: "pop_0_14", Lower: 0, Upper: 14},
	{Name: "pop_15_24", Lower: 15, Upper: 24},
	{Name: "pop_25_54", Lower: 25, Upper: 54},
	{Name: "pop_55_64", Lower: 55, Upper: 64},
	{Name: "pop_65_plus", Lower: 65, Open: true},
}

// Options names the dimensions the engine derives statistics from.
type Options struct {
	ReferenceDimension string // population totals, e.g. "age"
	IncomeDimension    string
	HoursDimension     string
	Bands              []Band
}

// DefaultOptions returns the standard dimension wiring.
func DefaultOptions() Options {
	return Options{
		ReferenceDimension: "age",
		IncomeDimension:    "income",
		HoursDimension:     "hours",
		Bands:              DefaultBands,
	}
}

// Note records a non-fatal approximation taken while deriving statistics.
type Note struct {
	AreaCode string
	Message  string
}

// WeightedAverage computes the count-weighted average of a dimension's
// numeric bin representative values. Returns nil when no numeric counts are
// present (undefined, not zero).
func WeightedAverage(dim bins.Dimension, counts map[string]float64) *float64 {
	var num, den float64
	for _, b := range dim.Bins {
		if b.Class != bins.Numeric {
			continue
		}
		c := counts[b.Label]
		num += c * b.Value
		den += c
	}
	if den == 0 {
		return nil
	}
	v := num / den
	return &v
}

// numericTotal sums counts over a dimension's numeric bins.
func numericTotal(dim bins.Dimension, counts map[string]float64) float64 {
	var total float64
	for _, b := range dim.Bins {
		if b.Class == bins.Numeric {
			total += counts[b.Label]
		}
	}
	return total
}

// Population sums counts across a dimension's bins, excluding not-stated.
func Population(dim bins.Dimension, counts map[string]float64) float64 {
	var total float64
	for _, b := range dim.Bins {
		if b.Class == bins.NotStated {
			continue
		}
		total += counts[b.Label]
	}
	return total
}

// Process derives a ProcessedRecord for one area from its counts. The schema
// must contain the reference, income and hours dimensions; a missing
// dimension is a schema mismatch and fatal for the stage.
func Process(area census.Area, counts census.Counts, schema *census.Schema, opts Options) (census.ProcessedRecord, []Note, error) {
	rec := census.ProcessedRecord{AreaCode: area.Code}
	var notes []Note

	ageDim, err := schema.MustDimension(opts.ReferenceDimension)
	if err != nil {
		return rec, nil, err
	}
	incomeDim, err := schema.MustDimension(opts.IncomeDimension)
	if err != nil {
		return rec, nil, err
	}
	hoursDim, err := schema.MustDimension(opts.HoursDimension)
	if err != nil {
		return rec, nil, err
	}

	ageCounts := counts[opts.ReferenceDimension]
	rec.Population = Population(ageDim, ageCounts)
	rec.AvgAge = WeightedAverage(ageDim, ageCounts)

	incomeCounts := counts[opts.IncomeDimension]
	rec.AvgIncome = WeightedAverage(incomeDim, incomeCounts)
	rec.IncomeEarners = numericTotal(incomeDim, incomeCounts)

	hoursCounts := counts[opts.HoursDimension]
	rec.AvgHours = WeightedAverage(hoursDim, hoursCounts)
	rec.Workers = numericTotal(hoursDim, hoursCounts)

	// Hourly wage is composed from the two averages, never from raw counts.
	if rec.AvgIncome != nil && rec.AvgHours != nil {
		annualHours := *rec.AvgHours * WeeksPerYear
		if annualHours != 0 {
			wage := *rec.AvgIncome / annualHours
			rec.HourlyWage = &wage
		}
	}

	if area.AreaKM2 > 0 {
		d := rec.Population / area.AreaKM2
		rec.Density = &d
	}

	bands := opts.Bands
	if len(bands) == 0 {
		bands = DefaultBands
	}
	rec.AgeBands, notes = rollupBands(area.Code, ageDim, ageCounts, bands)

	return rec, notes, nil
}

// ProcessTable derives records for every area of a table, in deterministic
// area-code order.
func ProcessTable(t *census.Table, opts Options) ([]census.ProcessedRecord, []Note, error) {
	recs := make([]census.ProcessedRecord, 0, len(t.Areas))
	var notes []Note
	for _, code := range t.AreaCodes() {
		rec, n, err := Process(t.Areas[code], t.Counts[code], t.Schema, opts)
		if err != nil {
			return nil, nil, eris.Wrapf(err, "stats: area %s", code)
		}
		recs = append(recs, rec)
		notes = append(notes, n...)
	}
	return recs, notes, nil
}

// rollupBands partitions age bins into bands by lower-bound membership. A bin
// straddling a band boundary lands in the band containing its lower bound and
// the approximation is logged and noted.
func rollupBands(areaCode string, dim bins.Dimension, counts map[string]float64, bands []Band) (map[string]float64, []Note) {
	out := make(map[string]float64, len(bands))
	for _, band := range bands {
		out[band.Name] = 0
	}
	var notes []Note

	for _, b := range dim.Bins {
		if b.Class != bins.Numeric {
			continue
		}
		c := counts[b.Label]
		if c == 0 {
			continue
		}
		for _, band := range bands {
			if b.Lower < band.Lower || (!band.Open && b.Lower > band.Upper) {
				continue
			}
			out[band.Name] += c
			if !band.Open && !b.OpenEnded && b.Upper > band.Upper {
				msg := fmt.Sprintf("age bin %q straddles band %s; assigned whole", b.Label, band.Name)
				zap.L().Warn("age band approximation",
					zap.String("area", areaCode),
					zap.String("bin", b.Label),
					zap.String("band", band.Name),
				)
				notes = append(notes, Note{AreaCode: areaCode, Message: msg})
			}
			break
		}
	}
	return out, notes
}

// ApproxEqual reports whether two floats agree within a relative tolerance.
// Used by conservation checks.
func ApproxEqual(a, b, relTol float64) bool {
	if a == b {
		return true
	}
	scale := math.Max(math.Abs(a), math.Abs(b))
	return math.Abs(a-b) <= relTol*scale
}

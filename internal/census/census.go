// Package census holds the shared data model of the statistical warehouse:
// geographic levels, areas, the dimension schema, count tables and the derived
// record types produced by the pipeline stages.
package census

import (
	"sort"

	"github.com/rotisserie/eris"

	"github.com/sells-group/market-atlas/internal/bins"
)

// Level identifies one geographic resolution in the hierarchy.
type Level string

// The default three-level hierarchy, finest first.
const (
	LevelSA1      Level = "sa1"
	LevelPostcode Level = "postcode"
	LevelSuburb   Level = "suburb"
)

// Point is a WGS84 coordinate pair.
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Area is one geographic unit at a given level. Centroid is nil when the
// geometry provider had no record for the area. AreaKM2 of zero means unknown.
type Area struct {
	Code     string  `json:"code"`
	Centroid *Point  `json:"centroid,omitempty"`
	AreaKM2  float64 `json:"area_km2,omitempty"`
}

// Counts maps dimension name -> bin label -> count for one area.
type Counts map[string]map[string]float64

// Add accumulates a count, creating nested maps as needed.
func (c Counts) Add(dimension, bin string, v float64) {
	m, ok := c[dimension]
	if !ok {
		m = make(map[string]float64)
		c[dimension] = m
	}
	m[bin] += v
}

// Get returns the count for a dimension/bin, zero if absent.
func (c Counts) Get(dimension, bin string) float64 {
	return c[dimension][bin]
}

// Schema is the registry of dimensions present in the warehouse, plus the
// reference dimension used for population totals.
type Schema struct {
	ReferenceDimension string
	dims               []bins.Dimension
	index              map[string]int
}

// NewSchema builds a schema from parsed dimensions. The reference dimension
// must be among them.
func NewSchema(reference string, dims []bins.Dimension) (*Schema, error) {
	s := &Schema{
		ReferenceDimension: reference,
		dims:               dims,
		index:              make(map[string]int, len(dims)),
	}
	for i, d := range dims {
		s.index[d.Name] = i
	}
	if _, ok := s.index[reference]; !ok {
		return nil, eris.Errorf("census: reference dimension %q not in schema", reference)
	}
	return s, nil
}

// Dimension returns the named dimension.
func (s *Schema) Dimension(name string) (bins.Dimension, bool) {
	i, ok := s.index[name]
	if !ok {
		return bins.Dimension{}, false
	}
	return s.dims[i], true
}

// MustDimension returns the named dimension or a schema-mismatch error naming
// the missing dimension.
func (s *Schema) MustDimension(name string) (bins.Dimension, error) {
	d, ok := s.Dimension(name)
	if !ok {
		return bins.Dimension{}, eris.Errorf("census: schema mismatch: dimension %q not present", name)
	}
	return d, nil
}

// Dimensions returns all dimensions in registration order.
func (s *Schema) Dimensions() []bins.Dimension {
	return s.dims
}

// Table holds all counts for one level. Areas and Counts are keyed by area
// code; a table is built once by ingestion or aggregation and read-only
// afterwards.
type Table struct {
	Level  Level
	Schema *Schema
	Areas  map[string]Area
	Counts map[string]Counts
}

// NewTable returns an empty table for a level.
func NewTable(level Level, schema *Schema) *Table {
	return &Table{
		Level:  level,
		Schema: schema,
		Areas:  make(map[string]Area),
		Counts: make(map[string]Counts),
	}
}

// AreaCodes returns all area codes in sorted order, for deterministic
// iteration.
func (t *Table) AreaCodes() []string {
	codes := make([]string, 0, len(t.Areas))
	for code := range t.Areas {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// CountsFor returns the counts for an area, creating the entry if absent.
func (t *Table) CountsFor(code string) Counts {
	c, ok := t.Counts[code]
	if !ok {
		c = make(Counts)
		t.Counts[code] = c
	}
	return c
}

// ProcessedRecord is the per-area derived statistics record. Pointer fields
// are nil when the statistic is undefined (zero denominator, missing area).
type ProcessedRecord struct {
	AreaCode      string             `json:"area_code"`
	Population    float64            `json:"population"`
	AvgAge        *float64           `json:"avg_age"`
	AvgIncome     *float64           `json:"avg_income"`
	IncomeEarners float64            `json:"income_earners"`
	AvgHours      *float64           `json:"avg_hours_worked"`
	Workers       float64            `json:"workers"`
	HourlyWage    *float64           `json:"hourly_wage"`
	Density       *float64           `json:"population_density"`
	AgeBands      map[string]float64 `json:"age_bands"`
}

// PctTable holds per-area, per-dimension percentage distributions for one
// level. A nil percentage means the denominator was zero.
type PctTable struct {
	Level Level
	// area code -> dimension -> bin label -> percentage
	Areas map[string]map[string]map[string]*float64
}

// NewPctTable returns an empty percentage table.
func NewPctTable(level Level) *PctTable {
	return &PctTable{
		Level: level,
		Areas: make(map[string]map[string]map[string]*float64),
	}
}

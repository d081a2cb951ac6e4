// Package crosswalk builds fractional membership weights between geographic
// levels from overlap count cross-tabulations, and validates them against
// independently reported populations.
package crosswalk

import (
	"math"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/market-atlas/internal/census"
)

// DefaultTolerance is the relative deviation between a fine area's summed
// crosswalk weights and its reported population beyond which a data-quality
// warning is raised.
const DefaultTolerance = 0.05

// Share is one coarse area's fractional membership share of a fine area.
type Share struct {
	Code     string
	Fraction float64
}

// Warning flags a fine area whose crosswalk weights disagree with its
// reported population. Non-fatal: aggregation proceeds with the weights.
type Warning struct {
	FineCode    string
	WeightTotal float64
	ReportedPop float64
	Deviation   float64
}

// Table maps fine area codes to weighted coarse area memberships for one
// hierarchy hop.
type Table struct {
	From census.Level
	To   census.Level

	weights map[string]map[string]float64
	totals  map[string]float64
}

// New returns an empty crosswalk table for a hop.
func New(from, to census.Level) *Table {
	return &Table{
		From:    from,
		To:      to,
		weights: make(map[string]map[string]float64),
		totals:  make(map[string]float64),
	}
}

// Add records an overlap weight. Non-positive weights are dropped; negative
// weights are invalid input and rejected.
func (t *Table) Add(fine, coarse string, weight float64) error {
	if weight < 0 {
		return eris.Errorf("crosswalk: negative weight %f for %s->%s", weight, fine, coarse)
	}
	if weight == 0 {
		return nil
	}
	m, ok := t.weights[fine]
	if !ok {
		m = make(map[string]float64)
		t.weights[fine] = m
	}
	m[coarse] += weight
	t.totals[fine] += weight
	return nil
}

// FromCounts builds a table from a fine x coarse overlap count matrix.
func FromCounts(from, to census.Level, rows map[string]map[string]float64) (*Table, error) {
	t := New(from, to)
	for fine, cols := range rows {
		for coarse, w := range cols {
			if err := t.Add(fine, coarse, w); err != nil {
				return nil, err
			}
		}
	}
	return t, nil
}

// Shares returns the fractional membership shares for a fine area, sorted by
// coarse code for determinism. Shares sum to 1 for any fine area with at
// least one positive weight; nil is returned for unknown fine areas.
func (t *Table) Shares(fine string) []Share {
	m := t.weights[fine]
	if len(m) == 0 {
		return nil
	}
	total := t.totals[fine]
	shares := make([]Share, 0, len(m))
	for code, w := range m {
		shares = append(shares, Share{Code: code, Fraction: w / total})
	}
	sort.Slice(shares, func(i, j int) bool { return shares[i].Code < shares[j].Code })
	return shares
}

// Total returns the summed overlap weight for a fine area.
func (t *Table) Total(fine string) float64 {
	return t.totals[fine]
}

// FineCodes returns all fine area codes in sorted order.
func (t *Table) FineCodes() []string {
	codes := make([]string, 0, len(t.weights))
	for code := range t.weights {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// CoarseCodes returns all coarse area codes in sorted order, including ones
// reachable only with zero remaining weight.
func (t *Table) CoarseCodes() []string {
	seen := make(map[string]bool)
	for _, cols := range t.weights {
		for code := range cols {
			seen[code] = true
		}
	}
	codes := make([]string, 0, len(seen))
	for code := range seen {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// Validate compares each fine area's summed weights against its independently
// reported population and returns warnings for deviations beyond tolerance.
// Deviations are attributable to "not stated" geography; they are surfaced,
// never fatal.
func (t *Table) Validate(population map[string]float64, tolerance float64) []Warning {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	var warnings []Warning
	for _, fine := range t.FineCodes() {
		pop, ok := population[fine]
		if !ok || pop == 0 {
			continue
		}
		total := t.totals[fine]
		dev := math.Abs(total-pop) / pop
		if dev > tolerance {
			warnings = append(warnings, Warning{
				FineCode:    fine,
				WeightTotal: total,
				ReportedPop: pop,
				Deviation:   dev,
			})
		}
	}
	if len(warnings) > 0 {
		zap.L().Warn("crosswalk weight totals deviate from reported populations",
			zap.String("from", string(t.From)),
			zap.String("to", string(t.To)),
			zap.Int("areas", len(warnings)),
		)
	}
	return warnings
}

// Compose chains two hops (fine->mid, mid->coarse) into a direct fine->coarse
// table. The composed weight preserves each fine area's total, so chained
// shares still partition unity. Hierarchies of any depth compose by folding.
func Compose(a, b *Table) (*Table, error) {
	if a.To != b.From {
		return nil, eris.Errorf("crosswalk: cannot compose %s->%s with %s->%s",
			a.From, a.To, b.From, b.To)
	}
	out := New(a.From, b.To)
	for _, fine := range a.FineCodes() {
		for _, mid := range a.Shares(fine) {
			weight := a.weights[fine][mid.Code]
			midShares := b.Shares(mid.Code)
			if midShares == nil {
				// Mid-level area unknown to the next hop: weight stays
				// attached to nothing and surfaces via Validate.
				continue
			}
			for _, coarse := range midShares {
				if err := out.Add(fine, coarse.Code, weight*coarse.Fraction); err != nil {
					return nil, err
				}
			}
		}
	}
	return out, nil
}

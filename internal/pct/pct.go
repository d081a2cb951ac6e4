// Package pct converts a level's counts into percentage distributions. The
// denominator for each dimension is that area's applicable population: total
// counts minus the not-stated share. Percentages are always recomputed from
// the level's own counts, never re-normalized from another level's output.
package pct

import (
	"github.com/rotisserie/eris"

	"github.com/sells-group/market-atlas/internal/bins"
	"github.com/sells-group/market-atlas/internal/census"
)

// FromTable builds the percentage table for one level. Not-stated bins are
// excluded from both numerator and denominator, so percentages over a
// dimension's bins sum to at most 100; the shortfall is the not-stated share
// and is expected. A zero denominator yields nil percentages (undefined).
func FromTable(t *census.Table) (*census.PctTable, error) {
	out := census.NewPctTable(t.Level)

	for _, code := range t.AreaCodes() {
		counts := t.Counts[code]
		byDim := make(map[string]map[string]*float64, len(t.Schema.Dimensions()))

		for _, dim := range t.Schema.Dimensions() {
			dimCounts, ok := counts[dim.Name]
			if !ok {
				// Raw extracts may genuinely miss an area in one dimension
				// file; that is an empty distribution, not a schema error.
				dimCounts = nil
			}
			for bin := range dimCounts {
				if _, known := dim.Bin(bin); !known {
					return nil, eris.Errorf("pct: schema mismatch: bin %q not in dimension %q", bin, dim.Name)
				}
			}

			denom := denominator(dim, dimCounts)
			byBin := make(map[string]*float64, len(dim.Bins))
			for _, b := range dim.Bins {
				if b.Class == bins.NotStated {
					continue
				}
				if denom == 0 {
					byBin[b.Label] = nil
					continue
				}
				v := 100 * dimCounts[b.Label] / denom
				byBin[b.Label] = &v
			}
			byDim[dim.Name] = byBin
		}
		out.Areas[code] = byDim
	}
	return out, nil
}

// denominator is the dimension-specific applicable population: all bin counts
// minus not-stated counts.
func denominator(dim bins.Dimension, counts map[string]float64) float64 {
	var total float64
	for _, b := range dim.Bins {
		if b.Class == bins.NotStated {
			continue
		}
		total += counts[b.Label]
	}
	return total
}

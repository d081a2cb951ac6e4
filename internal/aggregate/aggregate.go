// Package aggregate reprojects fine-resolution counts to coarser levels using
// crosswalk fractional membership shares. Counts stay fractional throughout;
// rounding happens only at export.
package aggregate

import (
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/market-atlas/internal/census"
	"github.com/sells-group/market-atlas/internal/crosswalk"
)

// Counts builds the coarse-level table for one hierarchy hop. Every coarse
// area named by the crosswalk appears in the result, including ones that end
// up with no contributing fine areas (legitimately empty, not an error).
//
// Conservation: because each fine area's shares partition unity, the sum of a
// bin's counts over all coarse areas equals the sum over all fine areas,
// within floating point.
func Counts(fine *census.Table, xw *crosswalk.Table) (*census.Table, error) {
	if fine.Level != xw.From {
		return nil, eris.Errorf("aggregate: table level %q does not match crosswalk %q->%q",
			fine.Level, xw.From, xw.To)
	}

	out := census.NewTable(xw.To, fine.Schema)

	// Seed every coarse area so empty ones survive.
	for _, code := range xw.CoarseCodes() {
		out.Areas[code] = census.Area{Code: code}
		out.Counts[code] = make(census.Counts)
	}

	type centroidAcc struct {
		lat, lon, weight float64
	}
	centroids := make(map[string]*centroidAcc)
	areaKM2 := make(map[string]float64)

	assigned := 0
	for _, fineCode := range fine.AreaCodes() {
		shares := xw.Shares(fineCode)
		if shares == nil {
			continue
		}
		assigned++

		fineArea := fine.Areas[fineCode]
		fineCounts := fine.Counts[fineCode]

		for _, share := range shares {
			coarse := out.CountsFor(share.Code)
			for dim, byBin := range fineCounts {
				for bin, count := range byBin {
					coarse.Add(dim, bin, count*share.Fraction)
				}
			}

			if fineArea.Centroid != nil {
				acc, ok := centroids[share.Code]
				if !ok {
					acc = &centroidAcc{}
					centroids[share.Code] = acc
				}
				acc.lat += fineArea.Centroid.Lat * share.Fraction
				acc.lon += fineArea.Centroid.Lon * share.Fraction
				acc.weight += share.Fraction
			}
			if fineArea.AreaKM2 > 0 {
				areaKM2[share.Code] += fineArea.AreaKM2 * share.Fraction
			}
		}
	}

	for code, area := range out.Areas {
		if acc, ok := centroids[code]; ok && acc.weight > 0 {
			area.Centroid = &census.Point{Lat: acc.lat / acc.weight, Lon: acc.lon / acc.weight}
		}
		area.AreaKM2 = areaKM2[code]
		out.Areas[code] = area
	}

	zap.L().Info("aggregated counts",
		zap.String("from", string(xw.From)),
		zap.String("to", string(xw.To)),
		zap.Int("fine_areas", assigned),
		zap.Int("coarse_areas", len(out.Areas)),
	)
	return out, nil
}

// BinTotals sums each dimension/bin across all areas of a table. Used by the
// conservation check.
func BinTotals(t *census.Table) map[string]map[string]float64 {
	totals := make(map[string]map[string]float64)
	for _, counts := range t.Counts {
		for dim, byBin := range counts {
			m, ok := totals[dim]
			if !ok {
				m = make(map[string]float64)
				totals[dim] = m
			}
			for bin, c := range byBin {
				m[bin] += c
			}
		}
	}
	return totals
}

package market

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/market-atlas/internal/stats"
)

// Candidate is a prospective location to score.
type Candidate struct {
	ID  string  `json:"id"`
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Weights are the multi-criteria blend applied to the normalized scores.
type Weights struct {
	Density float64 `json:"density"`
	Target  float64 `json:"target"`
	Gap     float64 `json:"gap"`
}

// DefaultWeights is the standard blend: demand and fit dominate, distance to
// the existing network breaks near-ties.
var DefaultWeights = Weights{Density: 0.4, Target: 0.4, Gap: 0.2}

// Validate rejects negative weights and an all-zero blend.
func (w Weights) Validate() error {
	if w.Density < 0 || w.Target < 0 || w.Gap < 0 {
		return eris.New("market: weights must be non-negative")
	}
	if w.Density+w.Target+w.Gap == 0 {
		return eris.New("market: at least one weight must be positive")
	}
	return nil
}

// ScoreRequest describes one scoring run.
type ScoreRequest struct {
	TargetDimension string
	TargetBins      []string
	RadiusKM        float64
	TopN            int // 0 means all
	Weights         Weights
}

// ScoreResult is one candidate with its composite score and the raw metrics
// behind it. NearestSiteKM is nil when the site snapshot is empty.
type ScoreResult struct {
	Candidate     Candidate `json:"candidate"`
	Score         float64   `json:"score"`
	Population    float64   `json:"population"`
	DensityPerKM2 float64   `json:"density_per_km2"`
	TargetPct     float64   `json:"target_pct"`
	NearestSiteKM *float64  `json:"nearest_site_km"`
	DensityScore  float64   `json:"density_score"`
	TargetScore   float64   `json:"target_score"`
	GapScore      float64   `json:"gap_score"`
}

// ScoreCandidates scores candidates against the engine's level. For each
// candidate it collects the areas within RadiusKM of the candidate, then
// blends three min-max normalized metrics: population density inside the
// radius, the percentage of the in-radius applicable population falling in
// the target bins, and the distance to the nearest existing site. Results are
// sorted by descending score; equal scores keep input order.
func (e *Engine) ScoreCandidates(ctx context.Context, sites *Index, cands []Candidate, req ScoreRequest) ([]ScoreResult, error) {
	if req.RadiusKM <= 0 {
		return nil, eris.Errorf("market: search radius must be positive, got %v", req.RadiusKM)
	}
	if req.TopN < 0 {
		return nil, eris.Errorf("market: top-n must be non-negative, got %d", req.TopN)
	}
	if err := req.Weights.Validate(); err != nil {
		return nil, err
	}
	targetDim, err := e.table.Schema.MustDimension(req.TargetDimension)
	if err != nil {
		return nil, eris.Wrap(err, "market")
	}
	if len(req.TargetBins) == 0 {
		return nil, eris.New("market: at least one target bin is required")
	}
	for _, label := range req.TargetBins {
		if _, ok := targetDim.Bin(label); !ok {
			return nil, eris.Errorf("market: schema mismatch: bin %q not in dimension %q", label, req.TargetDimension)
		}
	}
	if len(cands) == 0 {
		return nil, nil
	}

	radiusSq := kmToChordSq(req.RadiusKM)
	circleKM2 := math.Pi * req.RadiusKM * req.RadiusKM

	results := make([]ScoreResult, len(cands))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for i, cand := range cands {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			r := ScoreResult{Candidate: cand}

			var pop, targetNum, targetDen float64
			for _, idx := range e.tree.within(toVec(cand.Lat, cand.Lon), radiusSq) {
				pop += e.pops[idx]
				dimCounts := e.table.Counts[e.areas[idx].Code][req.TargetDimension]
				targetDen += stats.Population(targetDim, dimCounts)
				for _, label := range req.TargetBins {
					targetNum += dimCounts[label]
				}
			}
			r.Population = pop
			r.DensityPerKM2 = pop / circleKM2
			if targetDen > 0 {
				r.TargetPct = 100 * targetNum / targetDen
			}
			if km, ok := sites.MinDistanceKM(cand.Lat, cand.Lon); ok {
				r.NearestSiteKM = &km
			}

			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, eris.Wrap(err, "market: score")
	}

	density := make([]float64, len(results))
	target := make([]float64, len(results))
	gap := make([]float64, len(results))
	for i, r := range results {
		density[i] = r.DensityPerKM2
		target[i] = r.TargetPct
		if r.NearestSiteKM != nil {
			gap[i] = *r.NearestSiteKM
		}
	}
	minMaxNormalize(density)
	minMaxNormalize(target)
	minMaxNormalize(gap)

	w := req.Weights
	for i := range results {
		results[i].DensityScore = density[i]
		results[i].TargetScore = target[i]
		results[i].GapScore = gap[i]
		results[i].Score = w.Density*density[i] + w.Target*target[i] + w.Gap*gap[i]
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if req.TopN > 0 && req.TopN < len(results) {
		results = results[:req.TopN]
	}

	zap.L().Info("scored candidates",
		zap.String("level", string(e.table.Level)),
		zap.Int("candidates", len(cands)),
		zap.Int("returned", len(results)),
		zap.Float64("radius_km", req.RadiusKM),
	)
	return results, nil
}

// minMaxNormalize rescales values to [0, 1] in place. When every value is
// equal the metric carries no information and all scores become 0.
func minMaxNormalize(vals []float64) {
	if len(vals) == 0 {
		return
	}
	lo, hi := vals[0], vals[0]
	for _, v := range vals[1:] {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	if hi == lo {
		for i := range vals {
			vals[i] = 0
		}
		return
	}
	for i := range vals {
		vals[i] = (vals[i] - lo) / (hi - lo)
	}
}

// GridCandidates generates a rectangular grid of candidates covering the
// bounding box of the engine's area centroids, spaced spacingKM apart. Cell
// ids are row-major from the southwest corner. Returns nil when the level has
// no geometry.
func (e *Engine) GridCandidates(spacingKM float64) []Candidate {
	if spacingKM <= 0 || len(e.areas) == 0 {
		return nil
	}

	c0 := e.areas[0].Centroid
	minLat, maxLat := c0.Lat, c0.Lat
	minLon, maxLon := c0.Lon, c0.Lon
	for _, a := range e.areas[1:] {
		minLat = math.Min(minLat, a.Centroid.Lat)
		maxLat = math.Max(maxLat, a.Centroid.Lat)
		minLon = math.Min(minLon, a.Centroid.Lon)
		maxLon = math.Max(maxLon, a.Centroid.Lon)
	}

	const kmPerDegLat = EarthRadiusKM * math.Pi / 180
	stepLat := spacingKM / kmPerDegLat
	midLat := (minLat + maxLat) / 2
	stepLon := spacingKM / (kmPerDegLat * math.Cos(midLat*math.Pi/180))

	var out []Candidate
	row := 0
	for lat := minLat; lat <= maxLat+1e-12; lat += stepLat {
		col := 0
		for lon := minLon; lon <= maxLon+1e-12; lon += stepLon {
			out = append(out, Candidate{
				ID:  fmt.Sprintf("cell-%d-%d", row, col),
				Lat: lat,
				Lon: lon,
			})
			col++
		}
		row++
	}
	return out
}

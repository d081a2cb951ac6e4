package market

import (
	"context"
	"fmt"
	"runtime"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/market-atlas/internal/census"
	"github.com/sells-group/market-atlas/internal/stats"
)

// Engine runs catchment assignment and candidate scoring over one level's
// table. It snapshots the areas with known centroids at construction; areas
// without geometry cannot participate in spatial queries and are skipped with
// a warning.
type Engine struct {
	table   *census.Table
	opts    stats.Options
	areas   []census.Area // centroid known, sorted by code
	pops    []float64     // population per areas[i]
	tree    *kdTree
	workers int
}

// NewEngine builds an engine over a level table. The schema must contain the
// reference dimension named by opts.
func NewEngine(t *census.Table, opts stats.Options) (*Engine, error) {
	refDim, err := t.Schema.MustDimension(opts.ReferenceDimension)
	if err != nil {
		return nil, eris.Wrap(err, "market")
	}

	e := &Engine{
		table:   t,
		opts:    opts,
		workers: runtime.GOMAXPROCS(0),
	}

	skipped := 0
	for _, code := range t.AreaCodes() {
		area := t.Areas[code]
		if area.Centroid == nil {
			skipped++
			continue
		}
		e.pops = append(e.pops, stats.Population(refDim, t.Counts[code][opts.ReferenceDimension]))
		e.areas = append(e.areas, area)
	}
	if skipped > 0 {
		zap.L().Warn("areas without centroids excluded from spatial queries",
			zap.String("level", string(t.Level)),
			zap.Int("skipped", skipped),
		)
	}

	points := make([]kdPoint, len(e.areas))
	for i, a := range e.areas {
		points[i] = kdPoint{v: toVec(a.Centroid.Lat, a.Centroid.Lon), id: int64(i), idx: i}
	}
	e.tree = newKDTree(points)
	return e, nil
}

// Level returns the level the engine operates on.
func (e *Engine) Level() census.Level { return e.table.Level }

// Member is one area assigned to a site's catchment.
type Member struct {
	AreaCode   string  `json:"area_code"`
	DistanceKM float64 `json:"distance_km"`
}

// Assignment maps each site to the areas whose nearest site it is. Catchments
// partition the assignable areas: every area with a centroid appears in
// exactly one catchment.
type Assignment struct {
	Level   census.Level
	Members map[int64][]Member // site id -> members, sorted by area code
}

// Assign computes the nearest-site catchment for every area with a centroid.
// With no sites the assignment is empty, which is valid, not an error.
func (e *Engine) Assign(ctx context.Context, sites *Index) (*Assignment, error) {
	out := &Assignment{Level: e.table.Level, Members: make(map[int64][]Member)}
	if sites.Len() == 0 {
		zap.L().Warn("no sites registered, all catchments empty")
		return out, nil
	}

	type hit struct {
		siteID int64
		km     float64
	}
	hits := make([]hit, len(e.areas))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)

	chunk := (len(e.areas) + e.workers - 1) / e.workers
	for start := 0; start < len(e.areas); start += chunk {
		end := start + chunk
		if end > len(e.areas) {
			end = len(e.areas)
		}
		g.Go(func() error {
			for i := start; i < end; i++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				a := e.areas[i]
				site, km, _ := sites.Nearest(a.Centroid.Lat, a.Centroid.Lon)
				hits[i] = hit{siteID: site.ID, km: km}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, eris.Wrap(err, "market: assign")
	}

	// Areas are already in sorted code order, so appending in index order
	// keeps each member list sorted.
	for i, h := range hits {
		out.Members[h.siteID] = append(out.Members[h.siteID], Member{
			AreaCode:   e.areas[i].Code,
			DistanceKM: h.km,
		})
	}
	return out, nil
}

// CatchmentSummary is the aggregate profile of one site's catchment. The
// record is derived from the merged raw counts of the member areas, never by
// averaging member records.
type CatchmentSummary struct {
	Site           Site                   `json:"site"`
	AreaCount      int                    `json:"area_count"`
	Record         census.ProcessedRecord `json:"record"`
	MeanDistanceKM float64                `json:"mean_distance_km"`
	MaxDistanceKM  float64                `json:"max_distance_km"`
}

// Summaries derives one summary per site in the snapshot, in site-id order.
// Sites with empty catchments get a zero-population summary.
func (e *Engine) Summaries(a *Assignment, sites *Index) ([]CatchmentSummary, error) {
	if a.Level != e.table.Level {
		return nil, eris.Errorf("market: assignment level %q does not match engine level %q", a.Level, e.table.Level)
	}

	byCode := make(map[string]int, len(e.areas))
	for i, area := range e.areas {
		byCode[area.Code] = i
	}

	out := make([]CatchmentSummary, 0, sites.Len())
	for _, site := range sites.Sites() {
		members := a.Members[site.ID]
		merged := make(census.Counts)
		var areaKM2, sumKM, maxKM float64

		for _, m := range members {
			i, ok := byCode[m.AreaCode]
			if !ok {
				return nil, eris.Errorf("market: assignment references unknown area %q", m.AreaCode)
			}
			for dim, byBin := range e.table.Counts[e.areas[i].Code] {
				for bin, c := range byBin {
					merged.Add(dim, bin, c)
				}
			}
			areaKM2 += e.areas[i].AreaKM2
			sumKM += m.DistanceKM
			if m.DistanceKM > maxKM {
				maxKM = m.DistanceKM
			}
		}

		synth := census.Area{Code: fmt.Sprintf("catchment-%d", site.ID), AreaKM2: areaKM2}
		rec, _, err := stats.Process(synth, merged, e.table.Schema, e.opts)
		if err != nil {
			return nil, eris.Wrapf(err, "market: catchment for site %d", site.ID)
		}

		s := CatchmentSummary{
			Site:          site,
			AreaCount:     len(members),
			Record:        rec,
			MaxDistanceKM: maxKM,
		}
		if len(members) > 0 {
			s.MeanDistanceKM = sumKM / float64(len(members))
		}
		out = append(out, s)
	}
	sortSummaries(out)
	return out, nil
}

func sortSummaries(s []CatchmentSummary) {
	sort.Slice(s, func(i, j int) bool { return s[i].Site.ID < s[j].Site.ID })
}

// Package pipeline orchestrates the warehouse stages: ingest raw sources,
// build derived tables level by level, and wire the scoring engine to stored
// data. Every invocation is recorded in the runs table, and failures carry
// the stage they occurred in so the CLI can exit with a distinct code.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/market-atlas/internal/aggregate"
	"github.com/sells-group/market-atlas/internal/bins"
	"github.com/sells-group/market-atlas/internal/census"
	"github.com/sells-group/market-atlas/internal/config"
	"github.com/sells-group/market-atlas/internal/crosswalk"
	"github.com/sells-group/market-atlas/internal/ingest"
	"github.com/sells-group/market-atlas/internal/market"
	"github.com/sells-group/market-atlas/internal/pct"
	"github.com/sells-group/market-atlas/internal/stats"
	"github.com/sells-group/market-atlas/internal/warehouse"
)

// Pipeline binds configuration to the warehouse store.
type Pipeline struct {
	cfg   *config.Config
	store *warehouse.Store
}

// New returns a pipeline over an opened store.
func New(cfg *config.Config, store *warehouse.Store) *Pipeline {
	return &Pipeline{cfg: cfg, store: store}
}

// StatsOptions derives the stats wiring from configuration.
func (p *Pipeline) StatsOptions() stats.Options {
	opts := stats.DefaultOptions()
	if d := p.cfg.Schema.ReferenceDimension; d != "" {
		opts.ReferenceDimension = d
	}
	if d := p.cfg.Schema.IncomeDimension; d != "" {
		opts.IncomeDimension = d
	}
	if d := p.cfg.Schema.HoursDimension; d != "" {
		opts.HoursDimension = d
	}
	return opts
}

// Ingest parses the configured extracts, boundaries and crosswalks and loads
// them into the warehouse as the finest level.
func (p *Pipeline) Ingest(ctx context.Context) error {
	run, err := p.store.StartRun(ctx, "ingest")
	if err != nil {
		return fail(StageStore, err)
	}
	if err := p.ingest(ctx); err != nil {
		_ = p.store.FinishRun(ctx, run.ID, warehouse.RunStatusFailed, err.Error())
		return err
	}
	return fail(StageStore, p.store.FinishRun(ctx, run.ID, warehouse.RunStatusComplete, ""))
}

func (p *Pipeline) ingest(ctx context.Context) error {
	if len(p.cfg.Schema.Extracts) == 0 {
		return fail(StageConfig, eris.New("pipeline: no extracts configured"))
	}
	fineLevel := census.Level(p.cfg.Hierarchy.Levels[0])

	categorical := make(map[string]bool, len(p.cfg.Schema.CategoricalDims))
	for _, name := range p.cfg.Schema.CategoricalDims {
		categorical[name] = true
	}

	parser := bins.NewParser()
	if m := p.cfg.Build.OpenEndedMultiplier; m > 0 {
		parser.OpenEndedMultiplier = m
	}

	names := make([]string, 0, len(p.cfg.Schema.Extracts))
	for name := range p.cfg.Schema.Extracts {
		names = append(names, name)
	}
	sort.Strings(names)

	var dims []bins.Dimension
	matrices := make(map[string]*ingest.Matrix, len(names))
	for _, name := range names {
		m, err := readMatrix(ctx, p.cfg.Schema.Extracts[name], name)
		if err != nil {
			return fail(StageIngest, err)
		}
		kind := bins.KindNumeric
		if categorical[name] {
			kind = bins.KindCategorical
		}
		dim, err := parser.Dimension(name, kind, m.Bins)
		if err != nil {
			return fail(StageIngest, err)
		}
		dims = append(dims, dim)
		matrices[name] = m
	}

	schema, err := census.NewSchema(p.cfg.Schema.ReferenceDimension, dims)
	if err != nil {
		return fail(StageIngest, err)
	}

	table := census.NewTable(fineLevel, schema)
	for _, name := range names {
		for code, byBin := range matrices[name].Counts {
			if _, ok := table.Areas[code]; !ok {
				table.Areas[code] = census.Area{Code: code}
			}
			counts := table.CountsFor(code)
			for bin, v := range byBin {
				counts.Add(name, bin, v)
			}
		}
	}

	if p.cfg.Hierarchy.Boundaries != "" {
		geoms, err := ingest.ReadGeometries(p.cfg.Hierarchy.Boundaries, p.cfg.Hierarchy.CodeField)
		if err != nil {
			return fail(StageIngest, err)
		}
		matched, unmatched := ingest.ApplyGeometries(table, geoms)
		zap.L().Info("attached boundary geometry",
			zap.Int("matched", matched),
			zap.Int("unmatched", len(unmatched)),
		)
	}

	if err := p.store.SaveSchema(ctx, schema); err != nil {
		return fail(StageStore, err)
	}
	if err := p.store.SaveTable(ctx, table); err != nil {
		return fail(StageStore, err)
	}

	for key, path := range p.cfg.Hierarchy.Crosswalks {
		from, to, err := splitHop(key)
		if err != nil {
			return fail(StageConfig, err)
		}
		xw, err := readCrosswalk(ctx, path, from, to)
		if err != nil {
			return fail(StageIngest, err)
		}
		if err := p.store.SaveCrosswalk(ctx, xw); err != nil {
			return fail(StageStore, err)
		}
	}

	zap.L().Info("ingest complete",
		zap.String("level", string(fineLevel)),
		zap.Int("areas", len(table.Areas)),
		zap.Int("dimensions", len(dims)),
	)
	return nil
}

func readMatrix(ctx context.Context, path, dimension string) (*ingest.Matrix, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx":
		return ingest.ReadMatrixXLSX(ctx, path, dimension, ingest.XLSXOptions{})
	default:
		f, err := os.Open(path)
		if err != nil {
			return nil, eris.Wrapf(err, "pipeline: open extract %s", dimension)
		}
		defer f.Close()
		return ingest.ReadMatrixCSV(ctx, f, dimension)
	}
}

// readCrosswalk parses one hop's overlap cross-tabulation from CSV or XLSX.
func readCrosswalk(ctx context.Context, path string, from, to census.Level) (*crosswalk.Table, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx":
		return ingest.ReadCrosswalkXLSX(ctx, path, from, to, ingest.XLSXOptions{})
	default:
		f, err := os.Open(path)
		if err != nil {
			return nil, eris.Wrapf(err, "pipeline: open crosswalk %s->%s", from, to)
		}
		defer f.Close()
		return ingest.ReadCrosswalkCSV(ctx, f, from, to)
	}
}

func splitHop(key string) (census.Level, census.Level, error) {
	parts := strings.Split(key, ":")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", eris.Errorf("pipeline: crosswalk key %q is not from:to", key)
	}
	return census.Level(parts[0]), census.Level(parts[1]), nil
}

// buildDetail summarizes a build for the runs table.
type buildDetail struct {
	Levels   []string `json:"levels"`
	Areas    int      `json:"fine_areas"`
	Warnings int      `json:"crosswalk_warnings"`
}

// Build derives every coarser level from the finest one, then computes
// records and percentage tables for all levels.
func (p *Pipeline) Build(ctx context.Context) error {
	run, err := p.store.StartRun(ctx, "build")
	if err != nil {
		return fail(StageStore, err)
	}
	if err := p.build(ctx, run.ID); err != nil {
		_ = p.store.FinishRun(ctx, run.ID, warehouse.RunStatusFailed, err.Error())
		return err
	}
	return nil
}

func (p *Pipeline) build(ctx context.Context, runID string) error {
	levels := p.cfg.Hierarchy.Levels
	opts := p.StatsOptions()

	schema, err := p.store.LoadSchema(ctx)
	if err != nil {
		return fail(StageStore, err)
	}
	fine, err := p.store.LoadTable(ctx, census.Level(levels[0]), schema)
	if err != nil {
		return fail(StageStore, err)
	}

	refDim, err := schema.MustDimension(opts.ReferenceDimension)
	if err != nil {
		return fail(StageStats, err)
	}
	populations := make(map[string]float64, len(fine.Areas))
	for _, code := range fine.AreaCodes() {
		populations[code] = stats.Population(refDim, fine.Counts[code][opts.ReferenceDimension])
	}

	detail := buildDetail{Levels: levels, Areas: len(fine.Areas)}
	tables := map[census.Level]*census.Table{fine.Level: fine}

	for i := 1; i < len(levels); i++ {
		target := census.Level(levels[i])
		xw, err := p.crosswalkTo(ctx, levels, i)
		if err != nil {
			return fail(StageCrosswalk, err)
		}
		warnings := xw.Validate(populations, p.cfg.Build.CrosswalkTolerance)
		detail.Warnings += len(warnings)

		coarse, err := aggregate.Counts(fine, xw)
		if err != nil {
			return fail(StageAggregate, err)
		}
		if err := p.store.SaveTable(ctx, coarse); err != nil {
			return fail(StageStore, err)
		}
		tables[target] = coarse
	}

	for _, level := range levels {
		t := tables[census.Level(level)]
		recs, notes, err := stats.ProcessTable(t, opts)
		if err != nil {
			return fail(StageStats, err)
		}
		if err := p.store.SaveProcessed(ctx, t.Level, recs); err != nil {
			return fail(StageStore, err)
		}
		if err := p.store.SaveNotes(ctx, runID, level, notes); err != nil {
			return fail(StageStore, err)
		}

		pt, err := pct.FromTable(t)
		if err != nil {
			return fail(StagePct, err)
		}
		if err := p.store.SavePct(ctx, pt); err != nil {
			return fail(StageStore, err)
		}
	}

	payload, _ := json.Marshal(detail)
	if err := p.store.FinishRun(ctx, runID, warehouse.RunStatusComplete, string(payload)); err != nil {
		return fail(StageStore, err)
	}
	zap.L().Info("build complete",
		zap.Strings("levels", levels),
		zap.Int("fine_areas", detail.Areas),
		zap.Int("crosswalk_warnings", detail.Warnings),
	)
	return nil
}

// crosswalkTo returns the crosswalk from the finest level to levels[i]. When
// no direct table is stored it composes the chain of stored hops, preserving
// each fine area's total weight.
func (p *Pipeline) crosswalkTo(ctx context.Context, levels []string, i int) (*crosswalk.Table, error) {
	fine := census.Level(levels[0])
	target := census.Level(levels[i])

	xw, err := p.store.LoadCrosswalk(ctx, fine, target)
	if err == nil {
		return xw, nil
	}
	if !eris.Is(err, warehouse.ErrNotFound) {
		return nil, err
	}

	composed, err := p.store.LoadCrosswalk(ctx, fine, census.Level(levels[1]))
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: no crosswalk to %s and no chain to compose", target)
	}
	for j := 2; j <= i; j++ {
		hop, err := p.store.LoadCrosswalk(ctx, census.Level(levels[j-1]), census.Level(levels[j]))
		if err != nil {
			return nil, eris.Wrapf(err, "pipeline: no crosswalk to %s and no chain to compose", target)
		}
		if composed, err = crosswalk.Compose(composed, hop); err != nil {
			return nil, err
		}
	}
	zap.L().Info("composed crosswalk chain",
		zap.String("from", string(fine)),
		zap.String("to", string(target)),
	)
	return composed, nil
}

// Engine loads one level's table and builds the scoring engine over it.
func (p *Pipeline) Engine(ctx context.Context, level census.Level) (*market.Engine, error) {
	schema, err := p.store.LoadSchema(ctx)
	if err != nil {
		return nil, fail(StageStore, err)
	}
	t, err := p.store.LoadTable(ctx, level, schema)
	if err != nil {
		return nil, fail(StageStore, err)
	}
	eng, err := market.NewEngine(t, p.StatsOptions())
	if err != nil {
		return nil, fail(StageScore, err)
	}
	return eng, nil
}

// SiteIndex snapshots the site register into a spatial index.
func (p *Pipeline) SiteIndex(ctx context.Context) (*market.Index, error) {
	sites, err := p.store.ListSites(ctx)
	if err != nil {
		return nil, fail(StageStore, err)
	}
	return market.NewIndex(sites), nil
}

// ScoreRequest assembles the engine request from configuration plus the
// per-invocation target.
func (p *Pipeline) ScoreRequest(targetDimension string, targetBins []string) market.ScoreRequest {
	return market.ScoreRequest{
		TargetDimension: targetDimension,
		TargetBins:      targetBins,
		RadiusKM:        p.cfg.Score.RadiusKM,
		TopN:            p.cfg.Score.TopN,
		Weights: market.Weights{
			Density: p.cfg.Score.DensityWeight,
			Target:  p.cfg.Score.TargetWeight,
			Gap:     p.cfg.Score.GapWeight,
		},
	}
}

// Export writes one level's tables to CSV files under dir. Which files get
// written depends on what the warehouse holds for that level.
func (p *Pipeline) Export(ctx context.Context, level census.Level, dir string) error {
	schema, err := p.store.LoadSchema(ctx)
	if err != nil {
		return fail(StageStore, err)
	}
	t, err := p.store.LoadTable(ctx, level, schema)
	if err != nil {
		return fail(StageStore, err)
	}

	write := func(name string, fn func(f *os.File) error) error {
		path := filepath.Join(dir, fmt.Sprintf("%s_%s.csv", level, name))
		f, err := os.Create(path)
		if err != nil {
			return eris.Wrapf(err, "pipeline: create %s", path)
		}
		defer f.Close()
		return fn(f)
	}

	if err := write("counts", func(f *os.File) error {
		return warehouse.ExportCounts(f, t)
	}); err != nil {
		return fail(StageStore, err)
	}

	recs, err := p.store.LoadProcessed(ctx, level)
	if err == nil {
		err = write("processed", func(f *os.File) error {
			return warehouse.ExportProcessed(f, recs, nil)
		})
	}
	if err != nil && !eris.Is(err, warehouse.ErrNotFound) {
		return fail(StageStore, err)
	}

	pt, err := p.store.LoadPct(ctx, level)
	if err == nil {
		err = write("pct", func(f *os.File) error {
			return warehouse.ExportPct(f, pt, schema)
		})
	}
	if err != nil && !eris.Is(err, warehouse.ErrNotFound) {
		return fail(StageStore, err)
	}

	zap.L().Info("export complete", zap.String("level", string(level)), zap.String("dir", dir))
	return nil
}

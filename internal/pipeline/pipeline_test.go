package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/market-atlas/internal/census"
	"github.com/sells-group/market-atlas/internal/config"
	"github.com/sells-group/market-atlas/internal/warehouse"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

// fixture builds a config over three tiny extracts, two areas and a two-hop
// crosswalk chain, backed by a fresh store.
func fixture(t *testing.T) (*Pipeline, *warehouse.Store) {
	t.Helper()
	dir := t.TempDir()

	age := writeFile(t, dir, "age.csv", `Australian Bureau of Statistics
"SA1 (UR)","0-14","15-64","65 years and over","Total"
"A","10","20","5","35"
"B","4","14","2","20"
Data Source: Census of Population and Housing
`)
	income := writeFile(t, dir, "income.csv", `"SA1 (UR)","$150-$299","$300-$649","Not stated"
"A","12","18","3"
"B","8","10","1"
`)
	hours := writeFile(t, dir, "hours.csv", `"SA1 (UR)","1-19","20-39"
"A","9","16"
"B","6","10"
`)
	xw1 := writeFile(t, dir, "sa1_postcode.csv", `"SA1 (UR)","X","Y","Total"
"A","35","0","35"
"B","10","10","20"
`)
	xw2 := writeFile(t, dir, "postcode_suburb.csv", `"POA (UR)","S1","Total"
"X","1","1"
"Y","1","1"
`)

	cfg := &config.Config{}
	cfg.Store.Path = filepath.Join(dir, "atlas.db")
	cfg.Schema.ReferenceDimension = "age"
	cfg.Schema.IncomeDimension = "income"
	cfg.Schema.HoursDimension = "hours"
	cfg.Schema.Extracts = map[string]string{"age": age, "income": income, "hours": hours}
	cfg.Hierarchy.Levels = []string{"sa1", "postcode", "suburb"}
	cfg.Hierarchy.Crosswalks = map[string]string{
		"sa1:postcode":    xw1,
		"postcode:suburb": xw2,
	}
	cfg.Build.CrosswalkTolerance = 0.05
	cfg.Build.OpenEndedMultiplier = 1.25
	cfg.Score.RadiusKM = 5
	cfg.Score.TopN = 10
	cfg.Score.DensityWeight = 0.4
	cfg.Score.TargetWeight = 0.4
	cfg.Score.GapWeight = 0.2
	require.NoError(t, cfg.Validate())

	store, err := warehouse.Open(cfg.Store.Path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate(context.Background()))

	return New(cfg, store), store
}

func TestIngestAndBuild(t *testing.T) {
	p, store := fixture(t)
	ctx := context.Background()

	require.NoError(t, p.Ingest(ctx))
	require.NoError(t, p.Build(ctx))

	schema, err := store.LoadSchema(ctx)
	require.NoError(t, err)
	assert.Equal(t, "age", schema.ReferenceDimension)
	assert.Len(t, schema.Dimensions(), 3)

	// Fine level survives intact.
	fine, err := store.LoadTable(ctx, census.LevelSA1, schema)
	require.NoError(t, err)
	assert.Equal(t, 10.0, fine.Counts["A"].Get("age", "0-14"))

	// Postcode level is prorated: B splits 50/50 across X and Y.
	pc, err := store.LoadTable(ctx, census.LevelPostcode, schema)
	require.NoError(t, err)
	assert.InDelta(t, 10.0+2.0, pc.Counts["X"].Get("age", "0-14"), 1e-9)
	assert.InDelta(t, 2.0, pc.Counts["Y"].Get("age", "0-14"), 1e-9)

	// Suburb level comes from the composed chain and conserves totals.
	sub, err := store.LoadTable(ctx, census.LevelSuburb, schema)
	require.NoError(t, err)
	assert.InDelta(t, 14.0, sub.Counts["S1"].Get("age", "0-14"), 1e-9)
	assert.InDelta(t, 20.0, sub.Counts["S1"].Get("income", "$150-$299"), 1e-9)

	// Derived records and percentages exist for every level.
	for _, level := range []census.Level{census.LevelSA1, census.LevelPostcode, census.LevelSuburb} {
		recs, err := store.LoadProcessed(ctx, level)
		require.NoError(t, err, "processed %s", level)
		require.NotEmpty(t, recs)

		pt, err := store.LoadPct(ctx, level)
		require.NoError(t, err, "pct %s", level)
		require.NotEmpty(t, pt.Areas)
	}

	// Suburb population matches the fine total.
	recs, err := store.LoadProcessed(ctx, census.LevelSuburb)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.InDelta(t, 55.0, recs[0].Population, 1e-9)

	// Both invocations are recorded.
	runs, err := store.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	for _, r := range runs {
		assert.Equal(t, warehouse.RunStatusComplete, r.Status)
	}
}

func TestBuild_WithoutIngestFails(t *testing.T) {
	p, store := fixture(t)
	ctx := context.Background()

	err := p.Build(ctx)
	require.Error(t, err)
	assert.Equal(t, exitCodes[StageStore], ExitCode(err))

	runs, lerr := store.ListRuns(ctx, 10)
	require.NoError(t, lerr)
	require.Len(t, runs, 1)
	assert.Equal(t, warehouse.RunStatusFailed, runs[0].Status)
}

func TestExport(t *testing.T) {
	p, _ := fixture(t)
	ctx := context.Background()
	require.NoError(t, p.Ingest(ctx))
	require.NoError(t, p.Build(ctx))

	out := t.TempDir()
	require.NoError(t, p.Export(ctx, census.LevelPostcode, out))

	for _, name := range []string{"postcode_counts.csv", "postcode_processed.csv", "postcode_pct.csv"} {
		_, err := os.Stat(filepath.Join(out, name))
		assert.NoError(t, err, name)
	}
}

func TestEngineAndScoreRequest(t *testing.T) {
	p, store := fixture(t)
	ctx := context.Background()
	require.NoError(t, p.Ingest(ctx))
	require.NoError(t, p.Build(ctx))

	// No geometry in the fixture, so the engine exists but holds no areas.
	_, err := p.Engine(ctx, census.LevelPostcode)
	require.NoError(t, err)

	_, err = store.CreateSite(ctx, "CBD", -37.81, 144.96)
	require.NoError(t, err)
	ix, err := p.SiteIndex(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, ix.Len())

	req := p.ScoreRequest("income", []string{"$150-$299"})
	assert.Equal(t, 5.0, req.RadiusKM)
	assert.Equal(t, 10, req.TopN)
	assert.Equal(t, 0.4, req.Weights.Density)
	assert.Equal(t, 0.2, req.Weights.Gap)
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, 1, ExitCode(eris.New("plain")))
	assert.Equal(t, 2, ExitCode(fail(StageConfig, eris.New("bad"))))
	assert.Equal(t, 3, ExitCode(fail(StageIngest, eris.New("bad"))))
	assert.Equal(t, 4, ExitCode(fail(StageCrosswalk, eris.New("bad"))))
	assert.Equal(t, 9, ExitCode(fail(StageScore, eris.New("bad"))))
	assert.Nil(t, fail(StageConfig, nil))
}

func TestSplitHop(t *testing.T) {
	from, to, err := splitHop("sa1:postcode")
	require.NoError(t, err)
	assert.Equal(t, census.LevelSA1, from)
	assert.Equal(t, census.LevelPostcode, to)

	_, _, err = splitHop("nonsense")
	assert.Error(t, err)
}

package ingest

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/market-atlas/internal/bins"
	"github.com/sells-group/market-atlas/internal/census"
)

func testSchemaForApply(t *testing.T) *census.Schema {
	t.Helper()
	p := bins.NewParser()
	age, err := p.Dimension("age", bins.KindNumeric, []string{"0-14"})
	require.NoError(t, err)
	schema, err := census.NewSchema("age", []bins.Dimension{age})
	require.NoError(t, err)
	return schema
}

const incomeCSV = `Australian Bureau of Statistics
2021 Census - counting persons

"SA1 (UR)","$150-$299","$300-$649","Not stated","Total"
"20601110101","1,204","560","33","1,797"
"20601110102","88","120","0","208"
"20601110102","2","0","0","2"

Data Source: Census of Population and Housing, 2021
Copyright Commonwealth of Australia
`

func TestReadMatrixCSV_CleansDecoration(t *testing.T) {
	m, err := ReadMatrixCSV(context.Background(), strings.NewReader(incomeCSV), "income")
	require.NoError(t, err)

	assert.Equal(t, "income", m.Dimension)
	assert.Equal(t, []string{"$150-$299", "$300-$649", "Not stated"}, m.Bins,
		"preamble, footer and the Total column are all stripped")

	require.Len(t, m.Counts, 2)
	assert.Equal(t, 1204.0, m.Counts["20601110101"]["$150-$299"])
	assert.Equal(t, 33.0, m.Counts["20601110101"]["Not stated"])

	// Duplicate area rows accumulate.
	assert.Equal(t, 90.0, m.Counts["20601110102"]["$150-$299"])
}

func TestReadMatrixCSV_NegativeCount(t *testing.T) {
	csv := "\"code\",\"a\",\"b\"\n\"X\",\"5\",\"-3\"\n"
	_, err := ReadMatrixCSV(context.Background(), strings.NewReader(csv), "age")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "negative")
}

func TestReadMatrixCSV_NoHeader(t *testing.T) {
	_, err := ReadMatrixCSV(context.Background(), strings.NewReader("just one line\n"), "age")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no header row")
}

func TestReadCrosswalkCSV_CrossTabulation(t *testing.T) {
	// Fine-code rows, coarse-code columns, the usual extract decoration.
	in := `Australian Bureau of Statistics
2021 Census - counting persons

"SA1 (UR)","3000, VIC","3001, VIC","Total"
"A","60","40","100"
"B","10","0","10"

Data Source: Census of Population and Housing, 2021
`
	xw, err := ReadCrosswalkCSV(context.Background(), strings.NewReader(in), census.LevelSA1, census.LevelPostcode)
	require.NoError(t, err)

	shares := xw.Shares("A")
	require.Len(t, shares, 2)
	assert.Equal(t, "3000, VIC", shares[0].Code)
	assert.InDelta(t, 0.6, shares[0].Fraction, 1e-9)
	assert.InDelta(t, 0.4, shares[1].Fraction, 1e-9)
	assert.InDelta(t, 100.0, xw.Total("A"), 1e-9, "the Total column is dropped, not double-counted")

	// Zero-overlap pairings vanish.
	require.Len(t, xw.Shares("B"), 1)
}

func TestReadCrosswalkCSV_NegativeWeight(t *testing.T) {
	in := "\"code\",\"X\"\n\"A\",\"-2\"\n"
	_, err := ReadCrosswalkCSV(context.Background(), strings.NewReader(in), census.LevelSA1, census.LevelPostcode)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "negative")
}

func TestReadSitesCSV(t *testing.T) {
	in := `name,lat,lon
"Fitzroy North",-37.78,144.98
"CBD",-37.81,144.96
`
	sites, err := ReadSitesCSV(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, sites, 2)
	assert.Equal(t, "Fitzroy North", sites[0].Name)
	assert.Zero(t, sites[0].ID, "ids are assigned by the store, not the file")
	assert.InDelta(t, -37.78, sites[0].Lat, 1e-9)
}

func TestReadSitesCSV_MissingName(t *testing.T) {
	in := "\"\",-37,145\n"
	_, err := ReadSitesCSV(strings.NewReader(in))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no name")
}

func TestReadCandidatesCSV_BadCoordinate(t *testing.T) {
	_, err := ReadCandidatesCSV(strings.NewReader("c1,-95,145\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of range")
}

func TestApplyGeometries(t *testing.T) {
	schema := testSchemaForApply(t)
	tbl := census.NewTable(census.LevelSA1, schema)
	tbl.Areas["A"] = census.Area{Code: "A"}
	tbl.Areas["B"] = census.Area{Code: "B"}

	geoms := map[string]Geometry{
		"A":     {Code: "A", Centroid: census.Point{Lat: -37.5, Lon: 145.0}, AreaKM2: 2.5},
		"GHOST": {Code: "GHOST", Centroid: census.Point{Lat: -30, Lon: 150}, AreaKM2: 1},
	}
	matched, unmatched := ApplyGeometries(tbl, geoms)
	assert.Equal(t, 1, matched)
	assert.Equal(t, []string{"GHOST"}, unmatched)

	require.NotNil(t, tbl.Areas["A"].Centroid)
	assert.Equal(t, -37.5, tbl.Areas["A"].Centroid.Lat)
	assert.Equal(t, 2.5, tbl.Areas["A"].AreaKM2)
	assert.Nil(t, tbl.Areas["B"].Centroid)
}

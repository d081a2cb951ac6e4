package pct

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/market-atlas/internal/bins"
	"github.com/sells-group/market-atlas/internal/census"
)

func testTable(t *testing.T) *census.Table {
	t.Helper()
	p := bins.NewParser()
	age, err := p.Dimension("age", bins.KindNumeric, []string{"0-14", "15-64"})
	require.NoError(t, err)
	income, err := p.Dimension("income", bins.KindNumeric, []string{"$150-$299", "$300-$649", "Not stated"})
	require.NoError(t, err)
	schema, err := census.NewSchema("age", []bins.Dimension{age, income})
	require.NoError(t, err)
	return census.NewTable(census.LevelSA1, schema)
}

func TestFromTable_ExactDefinition(t *testing.T) {
	tbl := testTable(t)
	tbl.Areas["A"] = census.Area{Code: "A"}
	c := tbl.CountsFor("A")
	c.Add("income", "$150-$299", 30)
	c.Add("income", "$300-$649", 50)
	c.Add("income", "Not stated", 20)

	pt, err := FromTable(tbl)
	require.NoError(t, err)

	income := pt.Areas["A"]["income"]
	// Denominator is 80 (not-stated excluded), and the definition is exact.
	require.NotNil(t, income["$150-$299"])
	assert.Equal(t, 100*30.0/80.0, *income["$150-$299"])
	require.NotNil(t, income["$300-$649"])
	assert.Equal(t, 100*50.0/80.0, *income["$300-$649"])

	// Not-stated bins carry no percentage.
	_, present := income["Not stated"]
	assert.False(t, present)

	sum := *income["$150-$299"] + *income["$300-$649"]
	assert.LessOrEqual(t, sum, 100.0+1e-9)
}

func TestFromTable_ResidualUnder100(t *testing.T) {
	tbl := testTable(t)
	tbl.Areas["A"] = census.Area{Code: "A"}
	c := tbl.CountsFor("A")
	c.Add("age", "0-14", 25)
	c.Add("age", "15-64", 75)

	pt, err := FromTable(tbl)
	require.NoError(t, err)
	age := pt.Areas["A"]["age"]
	assert.Equal(t, 25.0, *age["0-14"])
	assert.Equal(t, 75.0, *age["15-64"])
}

func TestFromTable_ZeroDenominatorUndefined(t *testing.T) {
	tbl := testTable(t)
	tbl.Areas["A"] = census.Area{Code: "A"}
	c := tbl.CountsFor("A")
	c.Add("income", "Not stated", 10) // only not-stated counts

	pt, err := FromTable(tbl)
	require.NoError(t, err)
	income := pt.Areas["A"]["income"]
	assert.Nil(t, income["$150-$299"], "zero applicable population: undefined, not zero")
	assert.Nil(t, income["$300-$649"])
}

func TestFromTable_MissingDimensionIsEmptyDistribution(t *testing.T) {
	tbl := testTable(t)
	tbl.Areas["A"] = census.Area{Code: "A"}
	tbl.CountsFor("A").Add("age", "0-14", 1)

	pt, err := FromTable(tbl)
	require.NoError(t, err)
	income := pt.Areas["A"]["income"]
	assert.Nil(t, income["$150-$299"])
}

func TestFromTable_UnknownBinIsSchemaMismatch(t *testing.T) {
	tbl := testTable(t)
	tbl.Areas["A"] = census.Area{Code: "A"}
	tbl.CountsFor("A").Add("income", "$999 bogus bin", 1)

	_, err := FromTable(tbl)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "$999 bogus bin")
}

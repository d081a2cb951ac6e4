package stats

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/market-atlas/internal/bins"
	"github.com/sells-group/market-atlas/internal/census"
)

func testSchema(t *testing.T) *census.Schema {
	t.Helper()
	p := bins.NewParser()

	age, err := p.Dimension("age", bins.KindNumeric, []string{"0-14", "15-24", "25-54", "55-64", "65 years and over", "Not stated"})
	require.NoError(t, err)
	income, err := p.Dimension("income", bins.KindNumeric, []string{"Negative income", "$150-$299", "$3000 or more", "Not stated"})
	require.NoError(t, err)
	hours, err := p.Dimension("hours", bins.KindNumeric, []string{"0 hours", "1-19 hours", "20-29 hours", "40-49 hours", "Not stated"})
	require.NoError(t, err)

	schema, err := census.NewSchema("age", []bins.Dimension{age, income, hours})
	require.NoError(t, err)
	return schema
}

func TestProcess_PopulationExcludesNotStated(t *testing.T) {
	schema := testSchema(t)
	counts := census.Counts{
		"age": {"0-14": 10, "15-24": 20, "Not stated": 5},
	}

	rec, _, err := Process(census.Area{Code: "A"}, counts, schema, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, 30.0, rec.Population)
}

func TestProcess_WeightedAverages(t *testing.T) {
	schema := testSchema(t)
	counts := census.Counts{
		"age":    {"0-14": 10, "25-54": 10},
		"income": {"$150-$299": 4, "$3000 or more": 1, "Negative income": 7, "Not stated": 3},
		"hours":  {"20-29 hours": 2, "40-49 hours": 2, "0 hours": 9},
	}

	rec, _, err := Process(census.Area{Code: "A", AreaKM2: 2}, counts, schema, DefaultOptions())
	require.NoError(t, err)

	// Age: (7*10 + 39.5*10) / 20 = 23.25.
	require.NotNil(t, rec.AvgAge)
	assert.InDelta(t, 23.25, *rec.AvgAge, 1e-9)

	// Income over numeric bins only: (224.5*4 + 3750*1) / 5 = 929.6.
	require.NotNil(t, rec.AvgIncome)
	assert.InDelta(t, 929.6, *rec.AvgIncome, 1e-9)
	assert.Equal(t, 5.0, rec.IncomeEarners)

	// Hours: (24.5*2 + 44.5*2) / 4 = 34.5; "0 hours" is residual.
	require.NotNil(t, rec.AvgHours)
	assert.InDelta(t, 34.5, *rec.AvgHours, 1e-9)
	assert.Equal(t, 4.0, rec.Workers)

	// Hourly wage = avg income / (avg hours * 52).
	require.NotNil(t, rec.HourlyWage)
	assert.InDelta(t, 929.6/(34.5*52), *rec.HourlyWage, 1e-9)

	// Density = population / area.
	require.NotNil(t, rec.Density)
	assert.InDelta(t, 10.0, *rec.Density, 1e-9)
}

func TestProcess_UndefinedStatsAreNil(t *testing.T) {
	schema := testSchema(t)
	counts := census.Counts{
		"age": {"0-14": 5},
	}

	rec, _, err := Process(census.Area{Code: "A"}, counts, schema, DefaultOptions())
	require.NoError(t, err)
	assert.Nil(t, rec.AvgIncome, "no income counts: undefined, not zero")
	assert.Nil(t, rec.AvgHours)
	assert.Nil(t, rec.HourlyWage, "composite of undefined operands is undefined")
	assert.Nil(t, rec.Density, "unknown area: undefined density")
}

func TestProcess_ZeroAreaDensityUndefined(t *testing.T) {
	schema := testSchema(t)
	rec, _, err := Process(census.Area{Code: "A", AreaKM2: 0}, census.Counts{}, schema, DefaultOptions())
	require.NoError(t, err)
	assert.Nil(t, rec.Density)
}

func TestProcess_AgeBands(t *testing.T) {
	schema := testSchema(t)
	counts := census.Counts{
		"age": {"0-14": 3, "15-24": 4, "25-54": 5, "55-64": 6, "65 years and over": 7},
	}

	rec, notes, err := Process(census.Area{Code: "A"}, counts, schema, DefaultOptions())
	require.NoError(t, err)
	assert.Empty(t, notes, "aligned bins produce no approximation notes")
	assert.Equal(t, 3.0, rec.AgeBands["pop_0_14"])
	assert.Equal(t, 4.0, rec.AgeBands["pop_15_24"])
	assert.Equal(t, 5.0, rec.AgeBands["pop_25_54"])
	assert.Equal(t, 6.0, rec.AgeBands["pop_55_64"])
	assert.Equal(t, 7.0, rec.AgeBands["pop_65_plus"])
}

func TestProcess_StraddlingBinNoted(t *testing.T) {
	p := bins.NewParser()
	age, err := p.Dimension("age", bins.KindNumeric, []string{"10-19"})
	require.NoError(t, err)
	income, err := p.Dimension("income", bins.KindNumeric, []string{"$150-$299"})
	require.NoError(t, err)
	hours, err := p.Dimension("hours", bins.KindNumeric, []string{"1-19 hours"})
	require.NoError(t, err)
	schema, err := census.NewSchema("age", []bins.Dimension{age, income, hours})
	require.NoError(t, err)

	counts := census.Counts{"age": {"10-19": 8}}
	rec, notes, err := Process(census.Area{Code: "A"}, counts, schema, DefaultOptions())
	require.NoError(t, err)

	// "10-19" straddles the 0-14 / 15-24 boundary: lands whole in 0-14.
	assert.Equal(t, 8.0, rec.AgeBands["pop_0_14"])
	assert.Equal(t, 0.0, rec.AgeBands["pop_15_24"])
	require.Len(t, notes, 1)
	assert.Equal(t, "A", notes[0].AreaCode)
	assert.Contains(t, notes[0].Message, "straddles")
}

func TestProcess_MissingDimensionIsSchemaMismatch(t *testing.T) {
	p := bins.NewParser()
	age, err := p.Dimension("age", bins.KindNumeric, []string{"0-14"})
	require.NoError(t, err)
	schema, err := census.NewSchema("age", []bins.Dimension{age})
	require.NoError(t, err)

	_, _, err = Process(census.Area{Code: "A"}, census.Counts{}, schema, DefaultOptions())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "income")
}

func TestProcessTable_Deterministic(t *testing.T) {
	schema := testSchema(t)
	tbl := census.NewTable(census.LevelSA1, schema)
	for _, code := range []string{"B", "A", "C"} {
		tbl.Areas[code] = census.Area{Code: code}
		tbl.CountsFor(code).Add("age", "0-14", 1)
	}

	recs, _, err := ProcessTable(tbl, DefaultOptions())
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "A", recs[0].AreaCode)
	assert.Equal(t, "B", recs[1].AreaCode)
	assert.Equal(t, "C", recs[2].AreaCode)
}

func TestApproxEqual(t *testing.T) {
	assert.True(t, ApproxEqual(100, 100, 1e-6))
	assert.True(t, ApproxEqual(100, 100.00005, 1e-6))
	assert.False(t, ApproxEqual(100, 101, 1e-6))
	assert.True(t, ApproxEqual(0, 0, 1e-6))
}

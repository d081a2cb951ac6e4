package crosswalk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/market-atlas/internal/census"
)

func TestShares_PartitionUnity(t *testing.T) {
	xw, err := FromCounts(census.LevelSA1, census.LevelPostcode, map[string]map[string]float64{
		"A": {"X": 60, "Y": 40},
	})
	require.NoError(t, err)

	shares := xw.Shares("A")
	require.Len(t, shares, 2)
	assert.Equal(t, "X", shares[0].Code)
	assert.InDelta(t, 0.6, shares[0].Fraction, 1e-12)
	assert.Equal(t, "Y", shares[1].Code)
	assert.InDelta(t, 0.4, shares[1].Fraction, 1e-12)

	sum := 0.0
	for _, s := range shares {
		sum += s.Fraction
	}
	assert.InDelta(t, 1.0, sum, 1e-12)
}

func TestShares_UnknownFine(t *testing.T) {
	xw := New(census.LevelSA1, census.LevelPostcode)
	assert.Nil(t, xw.Shares("missing"))
}

func TestAdd_ZeroWeightDropped(t *testing.T) {
	xw := New(census.LevelSA1, census.LevelPostcode)
	require.NoError(t, xw.Add("A", "X", 0))
	assert.Nil(t, xw.Shares("A"))
}

func TestAdd_NegativeWeightRejected(t *testing.T) {
	xw := New(census.LevelSA1, census.LevelPostcode)
	assert.Error(t, xw.Add("A", "X", -1))
}

func TestValidate_FlagsDeviation(t *testing.T) {
	xw, err := FromCounts(census.LevelSA1, census.LevelPostcode, map[string]map[string]float64{
		"A": {"X": 90},  // reported 100: 10% off
		"B": {"X": 98},  // reported 100: 2% off, within tolerance
		"C": {"X": 50},  // no reported population: skipped
	})
	require.NoError(t, err)

	warnings := xw.Validate(map[string]float64{"A": 100, "B": 100}, 0.05)
	require.Len(t, warnings, 1)
	assert.Equal(t, "A", warnings[0].FineCode)
	assert.InDelta(t, 0.10, warnings[0].Deviation, 1e-12)
	assert.Equal(t, 90.0, warnings[0].WeightTotal)
}

func TestValidate_DefaultTolerance(t *testing.T) {
	xw, err := FromCounts(census.LevelSA1, census.LevelPostcode, map[string]map[string]float64{
		"A": {"X": 96},
	})
	require.NoError(t, err)

	// 4% deviation is within the 5% default.
	assert.Empty(t, xw.Validate(map[string]float64{"A": 100}, 0))
}

func TestCompose_ChainsShares(t *testing.T) {
	ab, err := FromCounts(census.LevelSA1, census.LevelPostcode, map[string]map[string]float64{
		"A": {"P1": 50, "P2": 50},
	})
	require.NoError(t, err)
	bc, err := FromCounts(census.LevelPostcode, census.LevelSuburb, map[string]map[string]float64{
		"P1": {"S1": 100},
		"P2": {"S1": 30, "S2": 70},
	})
	require.NoError(t, err)

	ac, err := Compose(ab, bc)
	require.NoError(t, err)
	assert.Equal(t, census.LevelSA1, ac.From)
	assert.Equal(t, census.LevelSuburb, ac.To)

	shares := ac.Shares("A")
	require.Len(t, shares, 2)
	// S1: 0.5*1.0 + 0.5*0.3 = 0.65, S2: 0.5*0.7 = 0.35
	assert.Equal(t, "S1", shares[0].Code)
	assert.InDelta(t, 0.65, shares[0].Fraction, 1e-12)
	assert.InDelta(t, 0.35, shares[1].Fraction, 1e-12)

	// Composition preserves the fine area's total weight.
	assert.InDelta(t, 100.0, ac.Total("A"), 1e-9)
}

func TestCompose_LevelMismatch(t *testing.T) {
	ab := New(census.LevelSA1, census.LevelPostcode)
	cd := New(census.LevelSuburb, census.LevelPostcode)
	_, err := Compose(ab, cd)
	assert.Error(t, err)
}

func TestCoarseCodes_Sorted(t *testing.T) {
	xw, err := FromCounts(census.LevelSA1, census.LevelPostcode, map[string]map[string]float64{
		"A": {"Z": 1, "M": 1},
		"B": {"A": 1},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "M", "Z"}, xw.CoarseCodes())
}

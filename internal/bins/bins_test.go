package bins

import (
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_ClosedRange(t *testing.T) {
	p := NewParser()

	b, err := p.Parse("$150-$299")
	require.NoError(t, err)
	assert.Equal(t, 150.0, b.Lower)
	assert.Equal(t, 299.0, b.Upper)
	assert.Equal(t, 224.5, b.Value)
	assert.Equal(t, Numeric, b.Class)
	assert.False(t, b.OpenEnded)
}

func TestParse_HoursRange(t *testing.T) {
	p := NewParser()

	b, err := p.Parse("20-29 hours")
	require.NoError(t, err)
	assert.Equal(t, 24.5, b.Value)
}

func TestParse_AnnualRangeWins(t *testing.T) {
	p := NewParser()

	// Weekly range with annual equivalents in parentheses: the annual
	// values are used.
	b, err := p.Parse("$1,000-$1,249 ($52,000-$64,999)")
	require.NoError(t, err)
	assert.Equal(t, 52000.0, b.Lower)
	assert.Equal(t, 64999.0, b.Upper)
	assert.Equal(t, 58499.5, b.Value)
}

func TestParse_AnnualOpenEndedWins(t *testing.T) {
	p := NewParser()

	// Top income bracket: the weekly figure leads, the annual equivalent
	// sits in parentheses. The annual figure keeps the dimension on one
	// scale with the closed annual-range bins.
	b, err := p.Parse("$2,000 or more ($104,000 or more)")
	require.NoError(t, err)
	assert.True(t, b.OpenEnded)
	assert.Equal(t, 104000.0, b.Lower)
	assert.Equal(t, 130000.0, b.Value)
}

func TestParse_OpenEnded(t *testing.T) {
	p := NewParser()

	b, err := p.Parse("$3000 or more")
	require.NoError(t, err)
	assert.True(t, b.OpenEnded)
	assert.Equal(t, 3000.0, b.Lower)
	assert.Equal(t, 3750.0, b.Value, "open-ended bins use lower bound x 1.25")
}

func TestParse_AndOver(t *testing.T) {
	p := NewParser()

	b, err := p.Parse("65 years and over")
	require.NoError(t, err)
	assert.True(t, b.OpenEnded)
	assert.Equal(t, 65.0, b.Lower)
	assert.InDelta(t, 81.25, b.Value, 1e-9)
}

func TestParse_SingleNumber(t *testing.T) {
	p := NewParser()

	b, err := p.Parse("25")
	require.NoError(t, err)
	assert.Equal(t, 25.0, b.Lower)
	assert.Equal(t, 25.0, b.Upper)
	assert.Equal(t, 25.0, b.Value)
}

func TestParse_NotStated(t *testing.T) {
	p := NewParser()

	for _, label := range []string{"Not stated", "Not applicable", "Personal income not stated"} {
		b, err := p.Parse(label)
		require.NoError(t, err, label)
		assert.Equal(t, NotStated, b.Class, label)
	}
}

func TestParse_Residual(t *testing.T) {
	p := NewParser()

	for _, label := range []string{"Negative income", "Nil income", "0 hours"} {
		b, err := p.Parse(label)
		require.NoError(t, err, label)
		assert.Equal(t, Residual, b.Class, label)
	}
}

func TestParse_Malformed(t *testing.T) {
	p := NewParser()

	_, err := p.Parse("no numbers here")
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrMalformedLabel))
}

func TestDimension_NumericRejectsMalformed(t *testing.T) {
	p := NewParser()

	_, err := p.Dimension("income", KindNumeric, []string{"$150-$299", "garbage label"})
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrMalformedLabel))
}

func TestDimension_Categorical(t *testing.T) {
	p := NewParser()

	d, err := p.Dimension("country", KindCategorical, []string{"Australia", "England", "Not stated"})
	require.NoError(t, err)
	require.Len(t, d.Bins, 3)
	assert.Equal(t, Residual, d.Bins[0].Class)
	assert.Equal(t, NotStated, d.Bins[2].Class)

	b, ok := d.Bin("England")
	require.True(t, ok)
	assert.Equal(t, "England", b.Label)
}

func TestDimension_BinLookupMiss(t *testing.T) {
	d := NewDimension("age", KindNumeric, nil)
	_, ok := d.Bin("missing")
	assert.False(t, ok)
}

func TestCustomMultiplier(t *testing.T) {
	p := NewParser()
	p.OpenEndedMultiplier = 1.5

	b, err := p.Parse("100 or more")
	require.NoError(t, err)
	assert.Equal(t, 150.0, b.Value)
}

func TestClassRoundTrip(t *testing.T) {
	for _, c := range []Class{Numeric, NotStated, Residual} {
		got, err := ParseClass(c.String())
		require.NoError(t, err)
		assert.Equal(t, c, got)
	}
	_, err := ParseClass("bogus")
	assert.Error(t, err)
}

func TestKindRoundTrip(t *testing.T) {
	for _, k := range []Kind{KindNumeric, KindCategorical} {
		got, err := ParseKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, got)
	}
	_, err := ParseKind("bogus")
	assert.Error(t, err)
}

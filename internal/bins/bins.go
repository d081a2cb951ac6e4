// Package bins parses categorical census bin labels into structured bins with
// numeric representative values. Labels are parsed exactly once, at ingestion;
// downstream stages only ever see CategoryBin values.
package bins

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
)

// ErrMalformedLabel is returned when a numeric dimension carries a label that
// cannot be parsed into bounds. The whole dimension is rejected in that case.
var ErrMalformedLabel = eris.New("bins: malformed bin label")

// DefaultOpenEndedMultiplier is the estimation policy for open-ended bins:
// the representative value of "$3,000 or more" is 3000 * 1.25. This is a
// deliberate approximation inherited from the source data conventions, not a
// measured quantity.
const DefaultOpenEndedMultiplier = 1.25

// Class describes how a bin participates in derived statistics.
type Class int

const (
	// Numeric bins carry bounds and contribute to weighted averages.
	Numeric Class = iota
	// NotStated bins ("Not stated", "Not applicable") are excluded from
	// weighted averages and from percentage denominators.
	NotStated
	// Residual bins (e.g. "Negative income", "Nil income") are counted and
	// included in percentage denominators but carry no numeric value.
	Residual
)

func (c Class) String() string {
	switch c {
	case Numeric:
		return "numeric"
	case NotStated:
		return "not_stated"
	case Residual:
		return "residual"
	}
	return "unknown"
}

// ParseClass converts a stored class name back to a Class.
func ParseClass(s string) (Class, error) {
	switch s {
	case "numeric":
		return Numeric, nil
	case "not_stated":
		return NotStated, nil
	case "residual":
		return Residual, nil
	}
	return 0, eris.Errorf("bins: unknown class %q", s)
}

// Kind distinguishes dimensions whose labels encode numeric ranges from purely
// categorical ones (country of birth, household relationship, health).
type Kind int

const (
	KindNumeric Kind = iota
	KindCategorical
)

func (k Kind) String() string {
	if k == KindCategorical {
		return "categorical"
	}
	return "numeric"
}

// ParseKind converts a stored kind name back to a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "numeric":
		return KindNumeric, nil
	case "categorical":
		return KindCategorical, nil
	}
	return 0, eris.Errorf("bins: unknown kind %q", s)
}

// CategoryBin is one labeled range of a categorical census dimension.
// Value is the representative value for statistical aggregation, baked in at
// parse time; it is only meaningful when Class == Numeric.
type CategoryBin struct {
	Label     string
	Lower     float64
	Upper     float64
	OpenEnded bool
	Class     Class
	Value     float64
}

// Dimension is a named categorical axis with an ordered set of bins.
type Dimension struct {
	Name string
	Kind Kind
	Bins []CategoryBin

	byLabel map[string]int
}

// NewDimension assembles a dimension from already-parsed bins.
func NewDimension(name string, kind Kind, bs []CategoryBin) Dimension {
	d := Dimension{Name: name, Kind: kind, Bins: bs, byLabel: make(map[string]int, len(bs))}
	for i, b := range bs {
		d.byLabel[b.Label] = i
	}
	return d
}

// Bin returns the bin with the given label.
func (d Dimension) Bin(label string) (CategoryBin, bool) {
	i, ok := d.byLabel[label]
	if !ok {
		return CategoryBin{}, false
	}
	return d.Bins[i], true
}

// Parser turns raw bin label strings into CategoryBins. The zero value is not
// usable; construct with NewParser.
type Parser struct {
	// OpenEndedMultiplier scales the lower bound of open-ended bins to
	// produce their representative value.
	OpenEndedMultiplier float64
	// ResidualPatterns are case-insensitive substrings that mark a bin as
	// Residual (counted, no numeric value).
	ResidualPatterns []string
}

// NewParser returns a Parser with the default estimation policy.
func NewParser() Parser {
	return Parser{
		OpenEndedMultiplier: DefaultOpenEndedMultiplier,
		ResidualPatterns:    []string{"negative", "nil", "0 hours"},
	}
}

var (
	// "$1,000-$1,249 ($52,000-$64,999)": annual range in parentheses wins.
	reAnnualRange = regexp.MustCompile(`\(\$?([0-9][0-9,]*)\s*-\s*\$?([0-9][0-9,]*)\)`)
	// "$2,000 or more ($104,000 or more)": annual open-ended figure wins.
	reAnnualOpen = regexp.MustCompile(`(?i)\(\$?([0-9][0-9,]*)[^0-9)]*(?:or more|and over|or over)\)`)
	// "$150-$299", "20-29 hours".
	reSimpleRange = regexp.MustCompile(`\$?([0-9][0-9,]*)\s*-\s*\$?([0-9][0-9,]*)`)
	// "$3,000 or more", "65 years and over".
	reOpenEnded = regexp.MustCompile(`(?i)\$?([0-9][0-9,]*)[^0-9]*(?:or more|and over|or over)`)
	// "25".
	reSingle = regexp.MustCompile(`([0-9][0-9,]*)`)
)

// Parse converts a single label into a CategoryBin. Numeric parsing follows
// the source conventions: a parenthesized annual figure (range or open-ended)
// takes precedence, then an open-ended "or more"/"and over" form, then a
// simple range, then a bare number. Labels matching the not-stated or residual
// patterns never reach numeric parsing.
func (p Parser) Parse(label string) (CategoryBin, error) {
	b := CategoryBin{Label: label}
	lower := strings.ToLower(label)

	if strings.Contains(lower, "not stated") || strings.Contains(lower, "not applicable") {
		b.Class = NotStated
		return b, nil
	}
	for _, pat := range p.ResidualPatterns {
		if strings.Contains(lower, pat) {
			b.Class = Residual
			return b, nil
		}
	}

	if m := reAnnualRange.FindStringSubmatch(label); m != nil {
		b.Lower = mustNum(m[1])
		b.Upper = mustNum(m[2])
		b.Value = (b.Lower + b.Upper) / 2
		return b, nil
	}
	if m := reAnnualOpen.FindStringSubmatch(label); m != nil {
		b.Lower = mustNum(m[1])
		b.Upper = b.Lower
		b.OpenEnded = true
		b.Value = b.Lower * p.OpenEndedMultiplier
		return b, nil
	}
	if m := reOpenEnded.FindStringSubmatch(label); m != nil {
		b.Lower = mustNum(m[1])
		b.Upper = b.Lower
		b.OpenEnded = true
		b.Value = b.Lower * p.OpenEndedMultiplier
		return b, nil
	}
	if m := reSimpleRange.FindStringSubmatch(label); m != nil {
		b.Lower = mustNum(m[1])
		b.Upper = mustNum(m[2])
		b.Value = (b.Lower + b.Upper) / 2
		return b, nil
	}
	if m := reSingle.FindStringSubmatch(label); m != nil {
		b.Lower = mustNum(m[1])
		b.Upper = b.Lower
		b.Value = b.Lower
		return b, nil
	}

	return CategoryBin{}, eris.Wrapf(ErrMalformedLabel, "label %q", label)
}

// Dimension parses an ordered label set into a Dimension. For numeric
// dimensions a single malformed label rejects the whole dimension; for
// categorical dimensions every label is accepted and classed as Residual
// unless it matches a not-stated pattern.
func (p Parser) Dimension(name string, kind Kind, labels []string) (Dimension, error) {
	bs := make([]CategoryBin, 0, len(labels))
	for _, label := range labels {
		if kind == KindCategorical {
			b := CategoryBin{Label: label, Class: Residual}
			ll := strings.ToLower(label)
			if strings.Contains(ll, "not stated") || strings.Contains(ll, "not applicable") {
				b.Class = NotStated
			}
			bs = append(bs, b)
			continue
		}
		b, err := p.Parse(label)
		if err != nil {
			return Dimension{}, eris.Wrapf(err, "bins: dimension %q rejected", name)
		}
		bs = append(bs, b)
	}
	return NewDimension(name, kind, bs), nil
}

func mustNum(s string) float64 {
	v, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64)
	if err != nil {
		// The regexps only admit digits and commas.
		return 0
	}
	return v
}

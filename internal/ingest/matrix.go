// Package ingest parses raw source files into warehouse inputs: ABS-style
// matrix extracts (CSV and XLSX), boundary shapefiles, crosswalk tables and
// site lists. Parsing is deliberately forgiving about decoration (preamble,
// footers, totals columns) and strict about the data itself.
package ingest

import (
	"context"
	"encoding/csv"
	"io"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Matrix is one dimension's raw extract: one row per area, one column per
// bin label, values are person counts.
type Matrix struct {
	Dimension string
	Bins      []string
	Counts    map[string]map[string]float64 // area code -> bin label -> count
}

// footerPrefixes mark the metadata rows statistical agencies append below the
// data block. Matched case-insensitively against the first cell.
var footerPrefixes = []string{
	"dataset:",
	"data source",
	"cells in this table",
	"copyright",
	"abs data licensed",
	"info",
	"tablebuilder",
	"australian bureau of statistics",
}

func isFooter(cell string) bool {
	c := strings.ToLower(strings.TrimSpace(cell))
	for _, p := range footerPrefixes {
		if strings.HasPrefix(c, p) {
			return true
		}
	}
	return false
}

// onlyFirstCell reports whether a row carries at most one value, which is the
// shape of preamble and footer decoration rows.
func onlyFirstCell(row []string) bool {
	for _, cell := range row[1:] {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

// parseCount parses an ABS count cell. Thousands separators are stripped;
// blank cells count as zero.
func parseCount(cell string) (float64, error) {
	c := strings.TrimSpace(cell)
	if c == "" || c == "-" {
		return 0, nil
	}
	c = strings.ReplaceAll(c, ",", "")
	v, err := strconv.ParseFloat(c, 64)
	if err != nil {
		return 0, eris.Wrapf(err, "ingest: count %q", cell)
	}
	if v < 0 {
		return 0, eris.Errorf("ingest: negative count %q", cell)
	}
	return v, nil
}

// matrixBuilder accumulates cleaned rows into a Matrix. It is shared by the
// CSV and XLSX front ends so both formats get identical cleaning.
type matrixBuilder struct {
	m       *Matrix
	binIdx  []int // column index per kept bin
	started bool
	done    bool
	dropped int
}

func newMatrixBuilder(dimension string) *matrixBuilder {
	return &matrixBuilder{
		m: &Matrix{
			Dimension: dimension,
			Counts:    make(map[string]map[string]float64),
		},
	}
}

// push feeds one raw row through the cleaner. Rows before the header with at
// most one cell are preamble; the first wide row is the header; a narrow row
// after data has started ends the data block.
func (b *matrixBuilder) push(row []string) error {
	if b.done || len(row) == 0 {
		return nil
	}

	if !b.started {
		if onlyFirstCell(row) {
			b.dropped++
			return nil
		}
		// Header row: first cell names the geography, the rest are bin
		// labels. Totals columns are decoration and dropped.
		for i, cell := range row[1:] {
			label := strings.TrimSpace(cell)
			if label == "" || strings.EqualFold(label, "total") {
				continue
			}
			b.m.Bins = append(b.m.Bins, label)
			b.binIdx = append(b.binIdx, i+1)
		}
		if len(b.m.Bins) == 0 {
			return eris.Errorf("ingest: %s: header row has no bin columns", b.m.Dimension)
		}
		b.started = true
		return nil
	}

	if onlyFirstCell(row) || isFooter(row[0]) {
		b.done = true
		b.dropped++
		return nil
	}

	code := strings.TrimSpace(row[0])
	counts, ok := b.m.Counts[code]
	if !ok {
		counts = make(map[string]float64, len(b.m.Bins))
		b.m.Counts[code] = counts
	}
	for j, idx := range b.binIdx {
		if idx >= len(row) {
			continue
		}
		v, err := parseCount(row[idx])
		if err != nil {
			return eris.Wrapf(err, "ingest: %s: area %s", b.m.Dimension, code)
		}
		counts[b.m.Bins[j]] += v
	}
	return nil
}

func (b *matrixBuilder) finish() (*Matrix, error) {
	if !b.started {
		return nil, eris.Errorf("ingest: %s: no header row found", b.m.Dimension)
	}
	zap.L().Info("parsed matrix extract",
		zap.String("dimension", b.m.Dimension),
		zap.Int("areas", len(b.m.Counts)),
		zap.Int("bins", len(b.m.Bins)),
		zap.Int("decoration_rows", b.dropped),
	)
	return b.m, nil
}

// ReadMatrixCSV parses a matrix extract from CSV.
func ReadMatrixCSV(ctx context.Context, r io.Reader, dimension string) (*Matrix, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1 // decoration rows are ragged
	reader.LazyQuotes = true

	b := newMatrixBuilder(dimension)
	for {
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "ingest: context cancelled")
		}
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, eris.Wrapf(err, "ingest: %s: read row", dimension)
		}
		if err := b.push(row); err != nil {
			return nil, err
		}
	}
	return b.finish()
}

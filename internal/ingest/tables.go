package ingest

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/market-atlas/internal/census"
	"github.com/sells-group/market-atlas/internal/crosswalk"
	"github.com/sells-group/market-atlas/internal/market"
)

// readAll slurps a small CSV (crosswalks, site lists) with ragged-row
// tolerance. An optional header row is detected by probeCol failing to parse
// as a number.
func readAll(r io.Reader, probeCol int) ([][]string, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, eris.Wrap(err, "ingest: read csv")
	}
	if len(rows) > 0 && probeCol < len(rows[0]) {
		if _, err := strconv.ParseFloat(strings.TrimSpace(rows[0][probeCol]), 64); err != nil {
			rows = rows[1:]
		}
	}
	return rows, nil
}

// ReadCrosswalkCSV parses a fine x coarse overlap cross-tabulation: fine-code
// rows, coarse-code columns, values are counts of persons in each pairing.
// The files carry the same decoration as the matrix extracts (preamble rows, a
// trailing Total column, footer rows) and get the same cleaning.
func ReadCrosswalkCSV(ctx context.Context, r io.Reader, from, to census.Level) (*crosswalk.Table, error) {
	m, err := ReadMatrixCSV(ctx, r, crosswalkName(from, to))
	if err != nil {
		return nil, err
	}
	return crosswalk.FromCounts(from, to, m.Counts)
}

// ReadCrosswalkXLSX is ReadCrosswalkCSV for cross-tabulations supplied as
// workbooks.
func ReadCrosswalkXLSX(ctx context.Context, path string, from, to census.Level, opts XLSXOptions) (*crosswalk.Table, error) {
	m, err := ReadMatrixXLSX(ctx, path, crosswalkName(from, to), opts)
	if err != nil {
		return nil, err
	}
	return crosswalk.FromCounts(from, to, m.Counts)
}

func crosswalkName(from, to census.Level) string {
	return fmt.Sprintf("crosswalk %s->%s", from, to)
}

// ReadSitesCSV parses a site list with rows of (name, lat, lon). Ids are
// assigned by the store on insert.
func ReadSitesCSV(r io.Reader) ([]market.Site, error) {
	rows, err := readAll(r, 1)
	if err != nil {
		return nil, err
	}

	sites := make([]market.Site, 0, len(rows))
	for i, row := range rows {
		if len(row) < 3 {
			return nil, eris.Errorf("ingest: sites: row %d has %d columns, want 3", i+1, len(row))
		}
		name := strings.TrimSpace(row[0])
		if name == "" {
			return nil, eris.Errorf("ingest: sites: row %d has no name", i+1)
		}
		lat, lon, err := parseCoord(row[1], row[2])
		if err != nil {
			return nil, eris.Wrapf(err, "ingest: sites: row %d", i+1)
		}
		sites = append(sites, market.Site{
			Name: name,
			Lat:  lat,
			Lon:  lon,
		})
	}
	return sites, nil
}

// ReadCandidatesCSV parses a candidate list with rows of (id, lat, lon).
func ReadCandidatesCSV(r io.Reader) ([]market.Candidate, error) {
	rows, err := readAll(r, 1)
	if err != nil {
		return nil, err
	}

	cands := make([]market.Candidate, 0, len(rows))
	for i, row := range rows {
		if len(row) < 3 {
			return nil, eris.Errorf("ingest: candidates: row %d has %d columns, want 3", i+1, len(row))
		}
		lat, lon, err := parseCoord(row[1], row[2])
		if err != nil {
			return nil, eris.Wrapf(err, "ingest: candidates: row %d", i+1)
		}
		cands = append(cands, market.Candidate{
			ID:  strings.TrimSpace(row[0]),
			Lat: lat,
			Lon: lon,
		})
	}
	return cands, nil
}

func parseCoord(latCell, lonCell string) (float64, float64, error) {
	lat, err := strconv.ParseFloat(strings.TrimSpace(latCell), 64)
	if err != nil {
		return 0, 0, eris.Wrap(err, "latitude")
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(lonCell), 64)
	if err != nil {
		return 0, 0, eris.Wrap(err, "longitude")
	}
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return 0, 0, eris.Errorf("coordinate out of range: %v, %v", lat, lon)
	}
	return lat, lon, nil
}

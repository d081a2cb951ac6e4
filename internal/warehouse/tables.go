package warehouse

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/rotisserie/eris"

	"github.com/sells-group/market-atlas/internal/bins"
	"github.com/sells-group/market-atlas/internal/census"
	"github.com/sells-group/market-atlas/internal/crosswalk"
)

const metaReferenceDimension = "reference_dimension"

// SaveSchema replaces the stored dimension registry.
func (s *Store) SaveSchema(ctx context.Context, schema *census.Schema) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "warehouse: begin schema tx")
	}
	defer func() { _ = tx.Rollback() }()

	for _, q := range []string{`DELETE FROM bins`, `DELETE FROM dimensions`} {
		if _, err := tx.ExecContext(ctx, q); err != nil {
			return eris.Wrap(err, "warehouse: clear schema")
		}
	}

	for i, dim := range schema.Dimensions() {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO dimensions (name, kind, position) VALUES (?, ?, ?)`,
			dim.Name, dim.Kind.String(), i,
		); err != nil {
			return eris.Wrapf(err, "warehouse: insert dimension %s", dim.Name)
		}
		for j, b := range dim.Bins {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO bins (dimension, label, position, class, lower, upper, open_ended, value)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				dim.Name, b.Label, j, b.Class.String(), b.Lower, b.Upper, boolToInt(b.OpenEnded), b.Value,
			); err != nil {
				return eris.Wrapf(err, "warehouse: insert bin %s/%s", dim.Name, b.Label)
			}
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO meta (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		metaReferenceDimension, schema.ReferenceDimension,
	); err != nil {
		return eris.Wrap(err, "warehouse: save reference dimension")
	}
	return eris.Wrap(tx.Commit(), "warehouse: commit schema")
}

// LoadSchema reconstructs the dimension registry.
func (s *Store) LoadSchema(ctx context.Context) (*census.Schema, error) {
	var reference string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM meta WHERE key = ?`, metaReferenceDimension,
	).Scan(&reference)
	if err == sql.ErrNoRows {
		return nil, eris.Wrap(ErrNotFound, "schema")
	}
	if err != nil {
		return nil, eris.Wrap(err, "warehouse: load reference dimension")
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT d.name, d.kind, b.label, b.class, b.lower, b.upper, b.open_ended, b.value
		 FROM dimensions d JOIN bins b ON b.dimension = d.name
		 ORDER BY d.position, b.position`)
	if err != nil {
		return nil, eris.Wrap(err, "warehouse: load schema")
	}
	defer rows.Close()

	var dims []bins.Dimension
	var curName string
	var curKind bins.Kind
	var curBins []bins.CategoryBin
	flush := func() {
		if curName != "" {
			dims = append(dims, bins.NewDimension(curName, curKind, curBins))
		}
	}

	for rows.Next() {
		var name, kindStr, label, classStr string
		var b bins.CategoryBin
		var open int
		if err := rows.Scan(&name, &kindStr, &label, &classStr, &b.Lower, &b.Upper, &open, &b.Value); err != nil {
			return nil, eris.Wrap(err, "warehouse: scan bin")
		}
		b.Label = label
		b.OpenEnded = open != 0
		if b.Class, err = bins.ParseClass(classStr); err != nil {
			return nil, eris.Wrapf(err, "warehouse: bin %s/%s", name, label)
		}
		kind, err := bins.ParseKind(kindStr)
		if err != nil {
			return nil, eris.Wrapf(err, "warehouse: dimension %s", name)
		}
		if name != curName {
			flush()
			curName, curKind, curBins = name, kind, nil
		}
		curBins = append(curBins, b)
	}
	flush()
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "warehouse: load schema iterate")
	}

	schema, err := census.NewSchema(reference, dims)
	return schema, eris.Wrap(err, "warehouse: rebuild schema")
}

// SaveTable replaces one level's areas and counts.
func (s *Store) SaveTable(ctx context.Context, t *census.Table) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "warehouse: begin table tx")
	}
	defer func() { _ = tx.Rollback() }()

	level := string(t.Level)
	for _, q := range []string{
		`DELETE FROM counts WHERE level = ?`,
		`DELETE FROM areas WHERE level = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, level); err != nil {
			return eris.Wrapf(err, "warehouse: clear level %s", level)
		}
	}

	insArea, err := tx.PrepareContext(ctx,
		`INSERT INTO areas (level, code, lat, lon, area_km2) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return eris.Wrap(err, "warehouse: prepare area insert")
	}
	defer insArea.Close()
	insCount, err := tx.PrepareContext(ctx,
		`INSERT INTO counts (level, area_code, dimension, bin, count) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return eris.Wrap(err, "warehouse: prepare count insert")
	}
	defer insCount.Close()

	for _, code := range t.AreaCodes() {
		area := t.Areas[code]
		var lat, lon any
		if area.Centroid != nil {
			lat, lon = area.Centroid.Lat, area.Centroid.Lon
		}
		if _, err := insArea.ExecContext(ctx, level, code, lat, lon, area.AreaKM2); err != nil {
			return eris.Wrapf(err, "warehouse: insert area %s", code)
		}
		for dim, byBin := range t.Counts[code] {
			for bin, count := range byBin {
				if _, err := insCount.ExecContext(ctx, level, code, dim, bin, count); err != nil {
					return eris.Wrapf(err, "warehouse: insert count %s/%s/%s", code, dim, bin)
				}
			}
		}
	}
	return eris.Wrap(tx.Commit(), "warehouse: commit table")
}

// LoadTable reconstructs one level's table against the given schema.
func (s *Store) LoadTable(ctx context.Context, level census.Level, schema *census.Schema) (*census.Table, error) {
	t := census.NewTable(level, schema)

	rows, err := s.db.QueryContext(ctx,
		`SELECT code, lat, lon, area_km2 FROM areas WHERE level = ?`, string(level))
	if err != nil {
		return nil, eris.Wrap(err, "warehouse: load areas")
	}
	defer rows.Close()
	for rows.Next() {
		var area census.Area
		var lat, lon sql.NullFloat64
		if err := rows.Scan(&area.Code, &lat, &lon, &area.AreaKM2); err != nil {
			return nil, eris.Wrap(err, "warehouse: scan area")
		}
		if lat.Valid && lon.Valid {
			area.Centroid = &census.Point{Lat: lat.Float64, Lon: lon.Float64}
		}
		t.Areas[area.Code] = area
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "warehouse: load areas iterate")
	}
	if len(t.Areas) == 0 {
		return nil, eris.Wrapf(ErrNotFound, "level %s", level)
	}

	crows, err := s.db.QueryContext(ctx,
		`SELECT area_code, dimension, bin, count FROM counts WHERE level = ?`, string(level))
	if err != nil {
		return nil, eris.Wrap(err, "warehouse: load counts")
	}
	defer crows.Close()
	for crows.Next() {
		var code, dim, bin string
		var count float64
		if err := crows.Scan(&code, &dim, &bin, &count); err != nil {
			return nil, eris.Wrap(err, "warehouse: scan count")
		}
		t.CountsFor(code).Add(dim, bin, count)
	}
	return t, eris.Wrap(crows.Err(), "warehouse: load counts iterate")
}

// SaveCrosswalk replaces one hop's crosswalk weights.
func (s *Store) SaveCrosswalk(ctx context.Context, xw *crosswalk.Table) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "warehouse: begin crosswalk tx")
	}
	defer func() { _ = tx.Rollback() }()

	from, to := string(xw.From), string(xw.To)
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM crosswalks WHERE from_level = ? AND to_level = ?`, from, to); err != nil {
		return eris.Wrap(err, "warehouse: clear crosswalk")
	}

	for _, fine := range xw.FineCodes() {
		total := xw.Total(fine)
		for _, share := range xw.Shares(fine) {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO crosswalks (from_level, to_level, fine_code, coarse_code, weight)
				 VALUES (?, ?, ?, ?, ?)`,
				from, to, fine, share.Code, share.Fraction*total,
			); err != nil {
				return eris.Wrapf(err, "warehouse: insert crosswalk %s->%s", fine, share.Code)
			}
		}
	}
	return eris.Wrap(tx.Commit(), "warehouse: commit crosswalk")
}

// LoadCrosswalk reconstructs one hop's crosswalk.
func (s *Store) LoadCrosswalk(ctx context.Context, from, to census.Level) (*crosswalk.Table, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT fine_code, coarse_code, weight FROM crosswalks
		 WHERE from_level = ? AND to_level = ?`, string(from), string(to))
	if err != nil {
		return nil, eris.Wrap(err, "warehouse: load crosswalk")
	}
	defer rows.Close()

	xw := crosswalk.New(from, to)
	n := 0
	for rows.Next() {
		var fine, coarse string
		var w float64
		if err := rows.Scan(&fine, &coarse, &w); err != nil {
			return nil, eris.Wrap(err, "warehouse: scan crosswalk")
		}
		if err := xw.Add(fine, coarse, w); err != nil {
			return nil, eris.Wrap(err, "warehouse: rebuild crosswalk")
		}
		n++
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "warehouse: load crosswalk iterate")
	}
	if n == 0 {
		return nil, eris.Wrapf(ErrNotFound, "crosswalk %s->%s", from, to)
	}
	return xw, nil
}

// SaveProcessed replaces one level's derived records. Records are stored as
// JSON so nil-valued statistics survive round trips unchanged.
func (s *Store) SaveProcessed(ctx context.Context, level census.Level, recs []census.ProcessedRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "warehouse: begin processed tx")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM processed WHERE level = ?`, string(level)); err != nil {
		return eris.Wrap(err, "warehouse: clear processed")
	}
	for _, rec := range recs {
		payload, err := json.Marshal(rec)
		if err != nil {
			return eris.Wrapf(err, "warehouse: marshal record %s", rec.AreaCode)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO processed (level, area_code, record) VALUES (?, ?, ?)`,
			string(level), rec.AreaCode, string(payload),
		); err != nil {
			return eris.Wrapf(err, "warehouse: insert record %s", rec.AreaCode)
		}
	}
	return eris.Wrap(tx.Commit(), "warehouse: commit processed")
}

// LoadProcessed returns one level's derived records in area-code order.
func (s *Store) LoadProcessed(ctx context.Context, level census.Level) ([]census.ProcessedRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT record FROM processed WHERE level = ? ORDER BY area_code`, string(level))
	if err != nil {
		return nil, eris.Wrap(err, "warehouse: load processed")
	}
	defer rows.Close()

	var recs []census.ProcessedRecord
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, eris.Wrap(err, "warehouse: scan record")
		}
		var rec census.ProcessedRecord
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			return nil, eris.Wrap(err, "warehouse: unmarshal record")
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "warehouse: load processed iterate")
	}
	if len(recs) == 0 {
		return nil, eris.Wrapf(ErrNotFound, "processed %s", level)
	}
	return recs, nil
}

// SavePct replaces one level's percentage distributions. Undefined
// percentages are stored as NULL, never as zero.
func (s *Store) SavePct(ctx context.Context, pt *census.PctTable) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "warehouse: begin pct tx")
	}
	defer func() { _ = tx.Rollback() }()

	level := string(pt.Level)
	if _, err := tx.ExecContext(ctx, `DELETE FROM pct WHERE level = ?`, level); err != nil {
		return eris.Wrap(err, "warehouse: clear pct")
	}

	ins, err := tx.PrepareContext(ctx,
		`INSERT INTO pct (level, area_code, dimension, bin, pct) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return eris.Wrap(err, "warehouse: prepare pct insert")
	}
	defer ins.Close()

	for code, byDim := range pt.Areas {
		for dim, byBin := range byDim {
			for bin, v := range byBin {
				var val any
				if v != nil {
					val = *v
				}
				if _, err := ins.ExecContext(ctx, level, code, dim, bin, val); err != nil {
					return eris.Wrapf(err, "warehouse: insert pct %s/%s/%s", code, dim, bin)
				}
			}
		}
	}
	return eris.Wrap(tx.Commit(), "warehouse: commit pct")
}

// LoadPct reconstructs one level's percentage table.
func (s *Store) LoadPct(ctx context.Context, level census.Level) (*census.PctTable, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT area_code, dimension, bin, pct FROM pct WHERE level = ?`, string(level))
	if err != nil {
		return nil, eris.Wrap(err, "warehouse: load pct")
	}
	defer rows.Close()

	pt := census.NewPctTable(level)
	n := 0
	for rows.Next() {
		var code, dim, bin string
		var v sql.NullFloat64
		if err := rows.Scan(&code, &dim, &bin, &v); err != nil {
			return nil, eris.Wrap(err, "warehouse: scan pct")
		}
		byDim, ok := pt.Areas[code]
		if !ok {
			byDim = make(map[string]map[string]*float64)
			pt.Areas[code] = byDim
		}
		byBin, ok := byDim[dim]
		if !ok {
			byBin = make(map[string]*float64)
			byDim[dim] = byBin
		}
		if v.Valid {
			f := v.Float64
			byBin[bin] = &f
		} else {
			byBin[bin] = nil
		}
		n++
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "warehouse: load pct iterate")
	}
	if n == 0 {
		return nil, eris.Wrapf(ErrNotFound, "pct %s", level)
	}
	return pt, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

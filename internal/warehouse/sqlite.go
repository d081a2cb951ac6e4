// Package warehouse persists the statistical warehouse in SQLite: the
// dimension schema, per-level count tables, crosswalks, derived records,
// percentage distributions, the user-managed site register and run
// bookkeeping. A single database file is the unit of deployment.
package warehouse

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/market-atlas/internal/market"
	"github.com/sells-group/market-atlas/internal/stats"
)

// ErrNotFound is returned by lookups for entities that do not exist.
var ErrNotFound = eris.New("warehouse: not found")

// Store wraps the SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and configures WAL mode.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, eris.Wrap(err, "warehouse: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "warehouse: exec %s", pragma)
		}
	}
	return &Store{db: db}, nil
}

const migration = `
CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS dimensions (
	name     TEXT PRIMARY KEY,
	kind     TEXT NOT NULL,
	position INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS bins (
	dimension  TEXT NOT NULL REFERENCES dimensions(name),
	label      TEXT NOT NULL,
	position   INTEGER NOT NULL,
	class      TEXT NOT NULL,
	lower      REAL NOT NULL,
	upper      REAL NOT NULL,
	open_ended INTEGER NOT NULL,
	value      REAL NOT NULL,
	PRIMARY KEY (dimension, label)
);

CREATE TABLE IF NOT EXISTS areas (
	level    TEXT NOT NULL,
	code     TEXT NOT NULL,
	lat      REAL,
	lon      REAL,
	area_km2 REAL NOT NULL DEFAULT 0,
	PRIMARY KEY (level, code)
);

CREATE TABLE IF NOT EXISTS counts (
	level     TEXT NOT NULL,
	area_code TEXT NOT NULL,
	dimension TEXT NOT NULL,
	bin       TEXT NOT NULL,
	count     REAL NOT NULL,
	PRIMARY KEY (level, area_code, dimension, bin)
);

CREATE TABLE IF NOT EXISTS crosswalks (
	from_level  TEXT NOT NULL,
	to_level    TEXT NOT NULL,
	fine_code   TEXT NOT NULL,
	coarse_code TEXT NOT NULL,
	weight      REAL NOT NULL,
	PRIMARY KEY (from_level, to_level, fine_code, coarse_code)
);

CREATE TABLE IF NOT EXISTS processed (
	level     TEXT NOT NULL,
	area_code TEXT NOT NULL,
	record    TEXT NOT NULL,
	PRIMARY KEY (level, area_code)
);

CREATE TABLE IF NOT EXISTS pct (
	level     TEXT NOT NULL,
	area_code TEXT NOT NULL,
	dimension TEXT NOT NULL,
	bin       TEXT NOT NULL,
	pct       REAL,
	PRIMARY KEY (level, area_code, dimension, bin)
);

CREATE TABLE IF NOT EXISTS sites (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	name       TEXT NOT NULL,
	lat        REAL NOT NULL,
	lon        REAL NOT NULL,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	kind       TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'running',
	detail     TEXT,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS quality_notes (
	id         TEXT PRIMARY KEY,
	run_id     TEXT NOT NULL REFERENCES runs(id),
	level      TEXT NOT NULL,
	area_code  TEXT NOT NULL,
	message    TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_counts_level_area ON counts(level, area_code);
CREATE INDEX IF NOT EXISTS idx_pct_level_area ON pct(level, area_code);
CREATE INDEX IF NOT EXISTS idx_crosswalks_levels ON crosswalks(from_level, to_level);
CREATE INDEX IF NOT EXISTS idx_quality_notes_run ON quality_notes(run_id);
`

// Migrate creates the schema. Idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, migration)
	return eris.Wrap(err, "warehouse: migrate")
}

func (s *Store) Close() error {
	return s.db.Close()
}

// RunStatus values for the runs table.
const (
	RunStatusRunning  = "running"
	RunStatusComplete = "complete"
	RunStatusFailed   = "failed"
)

// Run is one recorded pipeline invocation.
type Run struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Status    string    `json:"status"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StartRun records the start of a pipeline invocation.
func (s *Store) StartRun(ctx context.Context, kind string) (*Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, kind, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		id, kind, RunStatusRunning, now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "warehouse: insert run")
	}
	return &Run{ID: id, Kind: kind, Status: RunStatusRunning, CreatedAt: now, UpdatedAt: now}, nil
}

// FinishRun records the outcome of a run.
func (s *Store) FinishRun(ctx context.Context, runID, status, detail string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, detail = ?, updated_at = ? WHERE id = ?`,
		status, detail, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "warehouse: finish run %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, status, COALESCE(detail, ''), created_at, updated_at
		 FROM runs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "warehouse: list runs")
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.Kind, &r.Status, &r.Detail, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "warehouse: scan run")
		}
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "warehouse: list runs iterate")
}

// SaveNotes attaches quality notes to a run.
func (s *Store) SaveNotes(ctx context.Context, runID, level string, notes []stats.Note) error {
	if len(notes) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "warehouse: begin notes tx")
	}
	defer func() { _ = tx.Rollback() }()

	for _, n := range notes {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO quality_notes (id, run_id, level, area_code, message) VALUES (?, ?, ?, ?, ?)`,
			uuid.New().String(), runID, level, n.AreaCode, n.Message,
		); err != nil {
			return eris.Wrap(err, "warehouse: insert note")
		}
	}
	return eris.Wrap(tx.Commit(), "warehouse: commit notes")
}

// CreateSite registers a new business site.
func (s *Store) CreateSite(ctx context.Context, name string, lat, lon float64) (*market.Site, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sites (name, lat, lon) VALUES (?, ?, ?)`,
		name, lat, lon,
	)
	if err != nil {
		return nil, eris.Wrap(err, "warehouse: insert site")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, eris.Wrap(err, "warehouse: site id")
	}
	return &market.Site{ID: id, Name: name, Lat: lat, Lon: lon}, nil
}

// UpdateSite replaces a site's fields.
func (s *Store) UpdateSite(ctx context.Context, site market.Site) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sites SET name = ?, lat = ?, lon = ?, updated_at = ? WHERE id = ?`,
		site.Name, site.Lat, site.Lon, time.Now().UTC(), site.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "warehouse: update site %d", site.ID)
	}
	return checkRowsAffected(res, "site", site.ID)
}

// DeleteSite removes a site.
func (s *Store) DeleteSite(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sites WHERE id = ?`, id)
	if err != nil {
		return eris.Wrapf(err, "warehouse: delete site %d", id)
	}
	return checkRowsAffected(res, "site", id)
}

// GetSite fetches one site.
func (s *Store) GetSite(ctx context.Context, id int64) (*market.Site, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, lat, lon FROM sites WHERE id = ?`, id)
	var site market.Site
	err := row.Scan(&site.ID, &site.Name, &site.Lat, &site.Lon)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "warehouse: get site %d", id)
	}
	return &site, nil
}

// ListSites returns all sites ordered by id.
func (s *Store) ListSites(ctx context.Context) ([]market.Site, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, lat, lon FROM sites ORDER BY id`)
	if err != nil {
		return nil, eris.Wrap(err, "warehouse: list sites")
	}
	defer rows.Close()

	var sites []market.Site
	for rows.Next() {
		var site market.Site
		if err := rows.Scan(&site.ID, &site.Name, &site.Lat, &site.Lon); err != nil {
			return nil, eris.Wrap(err, "warehouse: scan site")
		}
		sites = append(sites, site)
	}
	return sites, eris.Wrap(rows.Err(), "warehouse: list sites iterate")
}

// helpers

func checkRowsAffected[T string | int64](res sql.Result, entity string, id T) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %v", entity, id)
	}
	return nil
}

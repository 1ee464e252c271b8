package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/marketlens/dataplane/internal/model"
)

// DurableStore is the append-only time-series store, one table per
// category, plus the incidents table.
type DurableStore struct {
	db      *sqlx.DB
	timeout time.Duration
}

// Open connects to postgres with a bounded pool and returns the store.
func Open(databaseURL string, poolSize int, timeout time.Duration) (*DurableStore, error) {
	db, err := sqlx.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(poolSize)
	db.SetMaxIdleConns(poolSize / 2)
	return &DurableStore{db: db, timeout: timeout}, nil
}

// NewDurableStore wraps an existing connection, used by tests.
func NewDurableStore(db *sqlx.DB, timeout time.Duration) *DurableStore {
	return &DurableStore{db: db, timeout: timeout}
}

// Close releases the connection pool.
func (d *DurableStore) Close() error { return d.db.Close() }

// tableFor maps a category to its observations table.
func tableFor(cat model.Category) string {
	return "observations_" + string(cat)
}

const observationsSchema = `
CREATE TABLE IF NOT EXISTS %s (
	series_key       TEXT             NOT NULL,
	ts               TIMESTAMPTZ      NOT NULL,
	value            DOUBLE PRECISION NOT NULL,
	open             DOUBLE PRECISION,
	high             DOUBLE PRECISION,
	low              DOUBLE PRECISION,
	volume           DOUBLE PRECISION,
	change_abs       DOUBLE PRECISION,
	change_pct       DOUBLE PRECISION,
	unit             TEXT,
	source_id        TEXT             NOT NULL,
	fetch_time       TIMESTAMPTZ      NOT NULL,
	validation_flags INTEGER          NOT NULL DEFAULT 0,
	PRIMARY KEY (series_key, ts)
);
CREATE INDEX IF NOT EXISTS %s_key_ts_desc ON %s (series_key, ts DESC);`

const incidentsSchema = `
CREATE TABLE IF NOT EXISTS incidents (
	incident_id TEXT        PRIMARY KEY,
	series_key  TEXT,
	source_id   TEXT,
	kind        TEXT        NOT NULL,
	detected_at TIMESTAMPTZ NOT NULL,
	resolved_at TIMESTAMPTZ,
	detail      TEXT        NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS incidents_detected_at ON incidents (detected_at DESC);`

// EnsureSchema creates every category table and the incidents table.
// New columns must be added nullable to stay forward compatible.
func (d *DurableStore) EnsureSchema(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	for _, cat := range model.Categories {
		table := tableFor(cat)
		stmt := fmt.Sprintf(observationsSchema, table, table, table)
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create table %s: %w", table, err)
		}
	}
	if _, err := d.db.ExecContext(ctx, incidentsSchema); err != nil {
		return fmt.Errorf("failed to create incidents table: %w", err)
	}
	return nil
}

// Insert appends one observation. Duplicate (series_key, ts) rows are kept
// as-is; the return reports whether the row already existed.
func (d *DurableStore) Insert(ctx context.Context, cat model.Category, obs *model.Observation) (duplicate bool, err error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (series_key, ts, value, open, high, low, volume,
			change_abs, change_pct, unit, source_id, fetch_time, validation_flags)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (series_key, ts) DO NOTHING`, tableFor(cat))

	res, err := d.db.ExecContext(ctx, query,
		obs.SeriesKey, obs.Timestamp, obs.Value, obs.Open, obs.High, obs.Low,
		obs.Volume, obs.ChangeAbs, obs.ChangePct, nullable(obs.Unit),
		obs.SourceID, obs.FetchTime, int(obs.Flags))
	if err != nil {
		return false, fmt.Errorf("failed to insert observation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, nil
	}
	return n == 0, nil
}

const observationColumns = `series_key, ts, value, open, high, low, volume,
	change_abs, change_pct, COALESCE(unit, '') AS unit, source_id, fetch_time, validation_flags`

// LatestRow returns the newest stored observation for the series.
func (d *DurableStore) LatestRow(ctx context.Context, cat model.Category, seriesKey string) (*model.Observation, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE series_key = $1
		ORDER BY ts DESC
		LIMIT 1`, observationColumns, tableFor(cat))

	var obs model.Observation
	if err := d.db.GetContext(ctx, &obs, query, seriesKey); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query latest row: %w", err)
	}
	return &obs, nil
}

// Range returns observations within [from, to], oldest first.
func (d *DurableStore) Range(ctx context.Context, cat model.Category, seriesKey string, from, to time.Time) ([]model.Observation, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE series_key = $1 AND ts >= $2 AND ts <= $3
		ORDER BY ts ASC`, observationColumns, tableFor(cat))

	var out []model.Observation
	if err := d.db.SelectContext(ctx, &out, query, seriesKey, from, to); err != nil {
		return nil, fmt.Errorf("failed to query range: %w", err)
	}
	return out, nil
}

// Recent returns the newest limit observations, newest first.
func (d *DurableStore) Recent(ctx context.Context, cat model.Category, seriesKey string, limit int) ([]model.Observation, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE series_key = $1
		ORDER BY ts DESC
		LIMIT $2`, observationColumns, tableFor(cat))

	var out []model.Observation
	if err := d.db.SelectContext(ctx, &out, query, seriesKey, limit); err != nil {
		return nil, fmt.Errorf("failed to query recent rows: %w", err)
	}
	return out, nil
}

// InsertIncident appends one incident row.
func (d *DurableStore) InsertIncident(ctx context.Context, inc *model.Incident) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	_, err := d.db.ExecContext(ctx, `
		INSERT INTO incidents (incident_id, series_key, source_id, kind, detected_at, resolved_at, detail)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		inc.ID, nullable(inc.SeriesKey), nullable(inc.SourceID), string(inc.Kind),
		inc.DetectedAt, inc.ResolvedAt, inc.Detail)
	if err != nil {
		return fmt.Errorf("failed to insert incident: %w", err)
	}
	return nil
}

// ResolveIncident stamps resolved_at on one incident.
func (d *DurableStore) ResolveIncident(ctx context.Context, incidentID string, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	_, err := d.db.ExecContext(ctx,
		`UPDATE incidents SET resolved_at = $2 WHERE incident_id = $1 AND resolved_at IS NULL`,
		incidentID, at)
	if err != nil {
		return fmt.Errorf("failed to resolve incident: %w", err)
	}
	return nil
}

// IncidentsSince lists incidents detected at or after the given time,
// newest first.
func (d *DurableStore) IncidentsSince(ctx context.Context, since time.Time, limit int) ([]model.Incident, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	rows, err := d.db.QueryxContext(ctx, `
		SELECT incident_id, COALESCE(series_key, '') AS series_key,
		       COALESCE(source_id, '') AS source_id, kind, detected_at, resolved_at, detail
		FROM incidents
		WHERE detected_at >= $1
		ORDER BY detected_at DESC
		LIMIT $2`, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query incidents: %w", err)
	}
	defer rows.Close()

	var out []model.Incident
	for rows.Next() {
		var inc model.Incident
		if err := rows.StructScan(&inc); err != nil {
			return nil, fmt.Errorf("failed to scan incident: %w", err)
		}
		out = append(out, inc)
	}
	return out, rows.Err()
}

// OpenEscalation returns the currently open ESCALATION incident, if any.
// At most one may be open at a time.
func (d *DurableStore) OpenEscalation(ctx context.Context) (*model.Incident, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	var inc model.Incident
	err := d.db.GetContext(ctx, &inc, `
		SELECT incident_id, COALESCE(series_key, '') AS series_key,
		       COALESCE(source_id, '') AS source_id, kind, detected_at, resolved_at, detail
		FROM incidents
		WHERE kind = $1 AND resolved_at IS NULL
		ORDER BY detected_at DESC
		LIMIT 1`, string(model.IncidentEscalation))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query open escalation: %w", err)
	}
	return &inc, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

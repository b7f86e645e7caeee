package server

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

var schema = []string{`
CREATE TABLE IF NOT EXISTS zones (
    id          TEXT PRIMARY KEY,
    workers     INTEGER NOT NULL,
    module_root TEXT NOT NULL,
    created_at  INTEGER NOT NULL
)`, `
CREATE TABLE IF NOT EXISTS calls (
    id          TEXT PRIMARY KEY,
    zone_id     TEXT NOT NULL,
    op          TEXT NOT NULL,
    module      TEXT NOT NULL,
    function    TEXT NOT NULL,
    code        TEXT NOT NULL,
    error       TEXT,
    duration_us INTEGER NOT NULL,
    created_at  INTEGER NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS calls_zone ON calls (zone_id, created_at)`,
}

// ZoneRecord is a zone definition the server recreates on restart.
type ZoneRecord struct {
	CreatedAt  time.Time `json:"created_at"`
	ID         string    `json:"id"`
	ModuleRoot string    `json:"module_root,omitempty"`
	Workers    int       `json:"workers"`
}

// CallRecord is one completed execute or broadcast request.
type CallRecord struct {
	CreatedAt time.Time     `json:"created_at"`
	ID        string        `json:"id"`
	Zone      string        `json:"zone"`
	Op        string        `json:"op"`
	Module    string        `json:"module"`
	Function  string        `json:"function"`
	Code      string        `json:"code"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration_ns"`
}

// Store persists zone definitions and call history in SQLite.
type Store struct {
	db *sql.DB
}

// OpenStore opens the SQLite database at path and creates the schema.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection keeps ":memory:" databases shared by every query.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SaveZone inserts or replaces a zone definition.
func (s *Store) SaveZone(ctx context.Context, z ZoneRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO zones (id, workers, module_root, created_at) VALUES (?, ?, ?, ?)`,
		z.ID, z.Workers, z.ModuleRoot, z.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save zone: %w", err)
	}
	return nil
}

// DeleteZone removes a zone definition. It reports whether one existed.
func (s *Store) DeleteZone(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM zones WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete zone: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete zone: %w", err)
	}
	return n > 0, nil
}

// ListZones returns every zone definition ordered by creation time.
func (s *Store) ListZones(ctx context.Context) ([]ZoneRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workers, module_root, created_at FROM zones ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list zones: %w", err)
	}
	defer rows.Close()

	var out []ZoneRecord
	for rows.Next() {
		var z ZoneRecord
		var created int64
		if err := rows.Scan(&z.ID, &z.Workers, &z.ModuleRoot, &created); err != nil {
			return nil, fmt.Errorf("scan zone: %w", err)
		}
		z.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, z)
	}
	return out, rows.Err()
}

// RecordCall appends a call to the history.
func (s *Store) RecordCall(ctx context.Context, c CallRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO calls (id, zone_id, op, module, function, code, error, duration_us, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Zone, c.Op, c.Module, c.Function, c.Code, c.Error,
		c.Duration.Microseconds(), c.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("record call: %w", err)
	}
	return nil
}

// ListCalls returns the most recent calls of a zone, newest first.
func (s *Store) ListCalls(ctx context.Context, zoneID string, limit int) ([]CallRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, zone_id, op, module, function, code, COALESCE(error, ''), duration_us, created_at
		FROM calls WHERE zone_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`, zoneID, limit)
	if err != nil {
		return nil, fmt.Errorf("list calls: %w", err)
	}
	defer rows.Close()

	var out []CallRecord
	for rows.Next() {
		var c CallRecord
		var us, created int64
		if err := rows.Scan(&c.ID, &c.Zone, &c.Op, &c.Module, &c.Function, &c.Code, &c.Error, &us, &created); err != nil {
			return nil, fmt.Errorf("scan call: %w", err)
		}
		c.Duration = time.Duration(us) * time.Microsecond
		c.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}

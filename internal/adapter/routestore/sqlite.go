// Package routestore persists pipeline routes and in-flight pipeline messages in
// SQLite so separate CLI invocations share definitions.
package routestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"chorus/internal/domain"
)

// SQLiteStore implements domain.RouteStore using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database at dbPath and runs the schema migration.
func Open(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create route db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open route db: %w", err)
	}
	// WAL mode for concurrent readers across CLI processes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate route db: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS routes (
			name        TEXT PRIMARY KEY,
			destination TEXT NOT NULL,
			hops        TEXT NOT NULL DEFAULT '[]',
			purposes    TEXT NOT NULL DEFAULT '[]',
			created_at  TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS routes_destination ON routes(destination);
		CREATE TABLE IF NOT EXISTS messages (
			id          TEXT PRIMARY KEY,
			route       TEXT NOT NULL,
			destination TEXT NOT NULL,
			body        TEXT NOT NULL,
			annotations TEXT NOT NULL DEFAULT '[]',
			position    INTEGER NOT NULL,
			format      TEXT NOT NULL,
			state       TEXT NOT NULL,
			created_at  TEXT NOT NULL,
			updated_at  TEXT NOT NULL
		)
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateRoute inserts a route definition. An existing route of the same name is
// left untouched and reported by created=false.
func (s *SQLiteStore) CreateRoute(ctx context.Context, r domain.Route) (bool, error) {
	hops, err := json.Marshal(r.Hops)
	if err != nil {
		return false, fmt.Errorf("marshal hops: %w", err)
	}
	purposes, err := json.Marshal(r.Purposes)
	if err != nil {
		return false, fmt.Errorf("marshal purposes: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO routes (name, destination, hops, purposes, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(name) DO NOTHING`,
		r.Name, r.Destination, string(hops), string(purposes), r.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// GetRoute returns the route named name.
func (s *SQLiteStore) GetRoute(ctx context.Context, name string) (domain.Route, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT name, destination, hops, purposes, created_at FROM routes WHERE name = ?", name)
	r, err := scanRoute(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Route{}, domain.NewSubSystemError("pipeline", "SQLiteStore.GetRoute", domain.ErrRouteNotFound, name)
	}
	return r, err
}

// ListRoutes returns every route ordered by name.
func (s *SQLiteStore) ListRoutes(ctx context.Context) ([]domain.Route, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name, destination, hops, purposes, created_at FROM routes ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var routes []domain.Route
	for rows.Next() {
		r, err := scanRoute(rows)
		if err != nil {
			return nil, err
		}
		routes = append(routes, r)
	}
	return routes, rows.Err()
}

// DeleteRoute removes a route.
func (s *SQLiteStore) DeleteRoute(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM routes WHERE name = ?", name)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.NewSubSystemError("pipeline", "SQLiteStore.DeleteRoute", domain.ErrRouteNotFound, name)
	}
	return nil
}

// SaveMessage inserts or replaces a pipeline message.
func (s *SQLiteStore) SaveMessage(ctx context.Context, m domain.PipelineMessage) error {
	ann, err := json.Marshal(m.Annotations)
	if err != nil {
		return fmt.Errorf("marshal annotations: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (id, route, destination, body, annotations, position, format, state, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET annotations = excluded.annotations, position = excluded.position,
		 state = excluded.state, updated_at = excluded.updated_at`,
		m.ID, m.Route, m.Destination, m.Message, string(ann), m.Position, string(m.Format), string(m.State),
		m.CreatedAt.UTC().Format(time.RFC3339Nano), m.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

// GetMessage returns the pipeline message with id.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (domain.PipelineMessage, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, route, destination, body, annotations, position, format, state, created_at, updated_at
		 FROM messages WHERE id = ?`, id)

	var m domain.PipelineMessage
	var ann, format, state, created, updated string
	err := row.Scan(&m.ID, &m.Route, &m.Destination, &m.Message, &ann, &m.Position, &format, &state, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.PipelineMessage{}, domain.NewSubSystemError("pipeline", "SQLiteStore.GetMessage", domain.ErrMessageNotFound, id)
	}
	if err != nil {
		return domain.PipelineMessage{}, err
	}
	if err := json.Unmarshal([]byte(ann), &m.Annotations); err != nil {
		return domain.PipelineMessage{}, fmt.Errorf("unmarshal annotations: %w", err)
	}
	m.Format = domain.MessageFormat(format)
	m.State = domain.PipelineState(state)
	m.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	m.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return m, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRoute(row scanner) (domain.Route, error) {
	var r domain.Route
	var hops, purposes, created string
	if err := row.Scan(&r.Name, &r.Destination, &hops, &purposes, &created); err != nil {
		return domain.Route{}, err
	}
	if err := json.Unmarshal([]byte(hops), &r.Hops); err != nil {
		return domain.Route{}, fmt.Errorf("unmarshal hops: %w", err)
	}
	if err := json.Unmarshal([]byte(purposes), &r.Purposes); err != nil {
		return domain.Route{}, fmt.Errorf("unmarshal purposes: %w", err)
	}
	r.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	return r, nil
}

var _ domain.RouteStore = (*SQLiteStore)(nil)

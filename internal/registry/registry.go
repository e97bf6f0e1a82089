// Package registry records closure-phase artifacts in a sqlite database so a
// rerun can resolve cache hits by (stack identity, connection level) instead
// of hidden process-wide state. Entries are never mutated; a recompute
// replaces the row wholesale.
package registry

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Registry is an open artifact registry.
type Registry struct {
	db *sql.DB
}

// Open opens (creating if needed) the registry database at path and applies
// pending schema migrations.
func Open(path string) (*Registry, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open artifact registry %s: %w", path, err)
	}

	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load registry migrations: %w", err)
	}
	drv, err := sqlitemigrate.WithInstance(db, &sqlitemigrate.Config{})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare registry migrations: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", drv)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialise registry migrations: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		db.Close()
		return nil, fmt.Errorf("registry migration failed: %w", err)
	}

	return &Registry{db: db}, nil
}

// Close releases the underlying database handle.
func (r *Registry) Close() error { return r.db.Close() }

// Record registers (or replaces) the artifact for a stack identity and
// connection level, returning the new entry's run ID.
func (r *Registry) Record(stackID string, connLevel int, path string) (string, error) {
	id := uuid.NewString()
	_, err := r.db.Exec(`
		INSERT INTO artifacts (id, stack_id, conn_level, path) VALUES (?, ?, ?, ?)
		ON CONFLICT (stack_id, conn_level) DO UPDATE SET id = excluded.id, path = excluded.path, created_at = CURRENT_TIMESTAMP`,
		id, stackID, connLevel, path)
	if err != nil {
		return "", fmt.Errorf("failed to record artifact for %s conn-%d: %w", stackID, connLevel, err)
	}
	return id, nil
}

// Lookup resolves the artifact path for a stack identity and connection
// level. The second return is false when no entry exists.
func (r *Registry) Lookup(stackID string, connLevel int) (string, bool, error) {
	var path string
	err := r.db.QueryRow(
		`SELECT path FROM artifacts WHERE stack_id = ? AND conn_level = ?`,
		stackID, connLevel).Scan(&path)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to look up artifact for %s conn-%d: %w", stackID, connLevel, err)
	}
	return path, true, nil
}

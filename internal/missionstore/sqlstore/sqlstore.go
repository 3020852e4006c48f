// Package sqlstore is the SQL-backed implementation of missionstore.Store:
// a *sqlx.DB wrapped in Rebind(...) calls so the same query text runs
// against both SQLite (the default, opened via
// internal/common/database.OpenSQL) and Postgres.
package sqlstore

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/sandboxedsh/missionctl/internal/missionstore"
)

// Store is a SQL-backed missionstore.Store.
type Store struct {
	db *sqlx.DB
}

// New wraps an already-open *sqlx.DB (see database.OpenSQL) and ensures the
// mission control plane schema exists.
func New(db *sqlx.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("missionstore: init schema: %w", err)
	}
	return s, nil
}

// IsPersistent always reports true: rows survive a restart.
func (s *Store) IsPersistent() bool { return true }

// Close closes the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) isPostgres() bool {
	switch s.db.DriverName() {
	case "pgx", "postgres":
		return true
	default:
		return false
	}
}

func (s *Store) initSchema() error {
	schema := sqliteSchema
	if s.isPostgres() {
		schema = postgresSchema
	}
	_, err := s.db.Exec(schema)
	return err
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(n sql.NullTime) *time.Time {
	if !n.Valid {
		return nil
	}
	t := n.Time
	return &t
}

func stringPtr(n sql.NullString) *string {
	if !n.Valid {
		return nil
	}
	v := n.String
	return &v
}

func intPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

var _ missionstore.Store = (*Store)(nil)

// Package postgres implements a read-only label store on PostgreSQL.
//
// Each mode is one row of the label_sets table with its definitions stored
// as a JSONB array. The schema is managed with goose migrations embedded in
// the binary.
package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/MrWong99/kizuki/internal/labelstore"
	"github.com/MrWong99/kizuki/pkg/label"
)

//go:embed migrations/*.sql
var migrations embed.FS

// DB is the database interface used by [Store]. Both *pgxpool.Pool and
// *pgx.Conn satisfy it.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store is a [labelstore.Store] backed by PostgreSQL.
type Store struct {
	db   DB
	pool *pgxpool.Pool // non-nil when the store owns the pool
}

var _ labelstore.Store = (*Store)(nil)

// New returns a Store on an existing connection or pool. The schema must
// already exist; see [Migrate].
func New(db DB) *Store {
	return &Store{db: db}
}

// Connect opens a pool for dsn, applies pending migrations and returns a
// Store that owns the pool. Call [Store.Close] when done.
func Connect(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("labelstore/postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("labelstore/postgres: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{db: pool, pool: pool}, nil
}

// Migrate applies all pending schema migrations.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("labelstore/postgres: migrations: %w", err)
	}
	p, err := goose.NewProvider(goose.DialectPostgres, db, fsys)
	if err != nil {
		return fmt.Errorf("labelstore/postgres: migrations: %w", err)
	}
	if _, err := p.Up(ctx); err != nil {
		return fmt.Errorf("labelstore/postgres: migrate: %w", err)
	}
	return nil
}

// Close releases the pool if the store opened it.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	var one int
	if err := s.db.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("labelstore/postgres: ping: %w", err)
	}
	return nil
}

// Load implements [labelstore.Store].
func (s *Store) Load(ctx context.Context, modeID string) (*label.Set, error) {
	const query = `
		SELECT mode_id, labels, updated_at
		FROM label_sets
		WHERE mode_id = $1`

	var set label.Set
	var raw []byte
	err := s.db.QueryRow(ctx, query, modeID).Scan(&set.ModeID, &raw, &set.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %q", labelstore.ErrModeNotFound, modeID)
		}
		return nil, fmt.Errorf("labelstore/postgres: load %q: %w", modeID, err)
	}
	if err := json.Unmarshal(raw, &set.Definitions); err != nil {
		return nil, fmt.Errorf("labelstore/postgres: unmarshal labels of %q: %w", modeID, err)
	}
	if err := set.Validate(); err != nil {
		return nil, fmt.Errorf("labelstore/postgres: mode %q: %w", modeID, err)
	}
	return &set, nil
}

// Modes implements [labelstore.Store].
func (s *Store) Modes(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, `SELECT mode_id FROM label_sets ORDER BY mode_id`)
	if err != nil {
		return nil, fmt.Errorf("labelstore/postgres: list modes: %w", err)
	}
	modes, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("labelstore/postgres: list modes: %w", err)
	}
	return modes, nil
}

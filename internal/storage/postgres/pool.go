// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Default table names.
const (
	DefaultPagesTable     = "tracked_pages"
	DefaultSnapshotsTable = "snapshots"
)

// Config controls the Postgres connection pool shared by the page and snapshot stores.
type Config struct {
	DSN             string        `mapstructure:"dsn"`
	PagesTable      string        `mapstructure:"pages_table"`
	SnapshotsTable  string        `mapstructure:"snapshots_table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// Pool is the subset of pgxpool.Pool the stores use. pgxmock pools satisfy it.
type Pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// Connect opens a pgx pool using cfg.
func Connect(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return pool, nil
}

// EnsureSchema creates both tables when they are missing.
func EnsureSchema(ctx context.Context, pool Pool, pagesTable, snapshotsTable string) error {
	pagesTable, err := tableName(pagesTable, DefaultPagesTable)
	if err != nil {
		return err
	}
	snapshotsTable, err = tableName(snapshotsTable, DefaultSnapshotsTable)
	if err != nil {
		return err
	}
	pages := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	url TEXT NOT NULL,
	site_id TEXT NOT NULL,
	page_category TEXT NOT NULL,
	last_content_hash TEXT NOT NULL DEFAULT '',
	last_rendered_hash TEXT NOT NULL DEFAULT '',
	last_checked_at TIMESTAMPTZ,
	last_rendered_at TIMESTAMPTZ,
	last_changed_at TIMESTAMPTZ,
	consecutive_no_change_count INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'active',
	last_error TEXT NOT NULL DEFAULT '',
	last_error_at TIMESTAMPTZ
)`, pagesTable)
	if _, err := pool.Exec(ctx, pages); err != nil {
		return fmt.Errorf("create %s: %w", pagesTable, err)
	}
	snapshots := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	entity_type TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	site_id TEXT NOT NULL,
	page_url TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	content_hash TEXT NOT NULL,
	fields JSONB NOT NULL,
	removed BOOLEAN NOT NULL DEFAULT FALSE,
	captured_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (entity_type, entity_id)
)`, snapshotsTable)
	if _, err := pool.Exec(ctx, snapshots); err != nil {
		return fmt.Errorf("create %s: %w", snapshotsTable, err)
	}
	return nil
}

func tableName(name, fallback string) (string, error) {
	if name == "" {
		name = fallback
	}
	if !validTableName.MatchString(name) {
		return "", fmt.Errorf("invalid table name %q", name)
	}
	return name, nil
}

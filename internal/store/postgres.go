package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresOptions tunes the connection pool.
type PostgresOptions struct {
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// OpenPostgres opens a PostgreSQL database through pgx's database/sql driver
// and verifies connectivity.
func OpenPostgres(ctx context.Context, dsn string, opts PostgresOptions) (*SQLStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return newSQLStore(db, DialectPostgres), nil
}

// Open dispatches on driver name ("libsql" or "postgres").
func Open(ctx context.Context, driver, dsn string, opts PostgresOptions) (*SQLStore, error) {
	switch driver {
	case "", "libsql", "sqlite":
		return OpenLibSQL(dsn)
	case "postgres", "pgx":
		return OpenPostgres(ctx, dsn, opts)
	default:
		return nil, fmt.Errorf("unknown database driver %q", driver)
	}
}

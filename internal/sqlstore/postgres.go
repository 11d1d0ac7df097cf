package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rakunlabs/ragchat/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib"

	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
)

var (
	DefaultConnMaxLifetime = 15 * time.Minute
	DefaultMaxIdleConns    = 3
	DefaultMaxOpenConns    = 3
)

// NewPostgres opens (creating and migrating if necessary) a
// Postgres-backed Store at cfg.Datasource.
func NewPostgres(ctx context.Context, cfg *config.StorePostgres) (*Store, error) {
	if cfg == nil {
		return nil, errors.New("sqlstore: postgres configuration is nil")
	}
	if cfg.Datasource == "" {
		return nil, errors.New("sqlstore: postgres datasource is required")
	}

	tablePrefix := DefaultTablePrefix
	if cfg.TablePrefix != nil {
		tablePrefix = *cfg.TablePrefix
	}

	migrate := cfg.Migrate
	if migrate.Table == "" {
		migrate.Table = "migrations"
	}
	if migrate.Datasource == "" {
		migrate.Datasource = cfg.Datasource
	}
	if migrate.Schema == "" {
		migrate.Schema = cfg.Schema
	}
	migrate.Table = tablePrefix + migrate.Table
	if migrate.Values == nil {
		migrate.Values = make(map[string]string)
	}
	migrate.Values["TABLE_PREFIX"] = tablePrefix

	if err := migratePostgres(ctx, &migrate); err != nil {
		return nil, fmt.Errorf("sqlstore: migrate postgres: %w", err)
	}

	db, err := sql.Open("pgx", cfg.Datasource)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open postgres connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlstore: ping postgres: %w", err)
	}

	if cfg.Schema != "" {
		if _, err := db.ExecContext(ctx, fmt.Sprintf("SET search_path TO %s", cfg.Schema)); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlstore: set search_path: %w", err)
		}
	}

	connMaxLifetime := DefaultConnMaxLifetime
	if cfg.ConnMaxLifetime != nil {
		connMaxLifetime = *cfg.ConnMaxLifetime
	}
	maxIdleConns := DefaultMaxIdleConns
	if cfg.MaxIdleConns != nil {
		maxIdleConns = *cfg.MaxIdleConns
	}
	maxOpenConns := DefaultMaxOpenConns
	if cfg.MaxOpenConns != nil {
		maxOpenConns = *cfg.MaxOpenConns
	}

	db.SetConnMaxLifetime(connMaxLifetime)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetMaxOpenConns(maxOpenConns)

	slog.Info("sqlstore: connected to postgres")

	return newStore(db, "postgres", tablePrefix), nil
}

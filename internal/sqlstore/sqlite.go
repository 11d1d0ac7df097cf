package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/rakunlabs/ragchat/internal/config"

	_ "modernc.org/sqlite"

	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
)

// NewSQLite opens (creating and migrating if necessary) a SQLite-backed
// Store at cfg.Datasource. SQLite is single-writer: the returned *sql.DB
// is capped to one open connection.
func NewSQLite(ctx context.Context, cfg *config.StoreSQLite) (*Store, error) {
	if cfg == nil {
		return nil, errors.New("sqlstore: sqlite configuration is nil")
	}
	if cfg.Datasource == "" {
		return nil, errors.New("sqlstore: sqlite datasource is required")
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
	migrate.Table = tablePrefix + migrate.Table
	if migrate.Values == nil {
		migrate.Values = make(map[string]string)
	}
	migrate.Values["TABLE_PREFIX"] = tablePrefix

	if err := migrateSQLite(ctx, &migrate); err != nil {
		return nil, fmt.Errorf("sqlstore: migrate sqlite: %w", err)
	}

	db, err := sql.Open("sqlite", cfg.Datasource)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open sqlite connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlstore: ping sqlite: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlstore: set WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlstore: enable foreign keys: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	slog.Info("sqlstore: connected to sqlite", "datasource", cfg.Datasource)

	return newStore(db, "sqlite3", tablePrefix), nil
}

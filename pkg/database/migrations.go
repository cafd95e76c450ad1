package database

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"github.com/alim08/quote_relay/pkg/logger"
)

// Migration represents a database migration. The DDL is kept to the subset
// shared by PostgreSQL and SQLite.
type Migration struct {
	Version     int
	Description string
	UpSQL       string
	DownSQL     string
}

// Migrations holds all database migrations
var Migrations = []Migration{
	{
		Version:     1,
		Description: "Create price bar and latest quote tables",
		UpSQL: `
			CREATE TABLE IF NOT EXISTS price_bars (
				symbol VARCHAR(20) NOT NULL,
				ts TIMESTAMP NOT NULL,
				open DOUBLE PRECISION NOT NULL,
				high DOUBLE PRECISION NOT NULL,
				low DOUBLE PRECISION NOT NULL,
				close DOUBLE PRECISION NOT NULL,
				volume BIGINT NOT NULL CHECK (volume >= 0),
				PRIMARY KEY (symbol, ts)
			);

			CREATE TABLE IF NOT EXISTS latest_quotes (
				symbol VARCHAR(20) PRIMARY KEY,
				price DOUBLE PRECISION NOT NULL CHECK (price >= 0),
				change_percent DOUBLE PRECISION NOT NULL,
				volume BIGINT NOT NULL CHECK (volume >= 0),
				observed_at TIMESTAMP NOT NULL
			);
		`,
		DownSQL: `
			DROP TABLE IF EXISTS latest_quotes;
			DROP TABLE IF EXISTS price_bars;
		`,
	},
	{
		Version:     2,
		Description: "Index latest bar lookups",
		UpSQL:       `CREATE INDEX IF NOT EXISTS idx_price_bars_symbol_ts ON price_bars(symbol, ts DESC);`,
		DownSQL:     `DROP INDEX IF EXISTS idx_price_bars_symbol_ts;`,
	},
}

// RunMigrations runs all pending database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	logger.Log.Info("starting database migrations")

	if err := db.createMigrationsTable(ctx); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied, err := db.getAppliedMigrations(ctx)
	if err != nil {
		return fmt.Errorf("failed to get applied migrations: %w", err)
	}

	for _, migration := range Migrations {
		if applied[migration.Version] {
			logger.Log.Debug("migration already applied", zap.Int("version", migration.Version))
			continue
		}

		logger.Log.Info("applying migration",
			zap.Int("version", migration.Version),
			zap.String("description", migration.Description))

		if err := db.applyMigration(ctx, migration); err != nil {
			return fmt.Errorf("failed to apply migration %d: %w", migration.Version, err)
		}
	}

	logger.Log.Info("database migrations completed")
	return nil
}

// SchemaVersion returns the highest applied migration, or 0.
func (db *DB) SchemaVersion(ctx context.Context) (int, error) {
	var version int
	err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&version)
	return version, err
}

func (db *DB) createMigrationsTable(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);
	`
	_, err := db.ExecContext(ctx, query)
	return err
}

func (db *DB) getAppliedMigrations(ctx context.Context) (map[int]bool, error) {
	rows, err := db.QueryContext(ctx, `SELECT version FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}

	return applied, rows.Err()
}

func (db *DB) applyMigration(ctx context.Context, migration Migration) error {
	return db.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, migration.UpSQL); err != nil {
			return fmt.Errorf("failed to execute migration SQL: %w", err)
		}
		query := db.rebind(`INSERT INTO schema_migrations (version, description) VALUES (?, ?)`)
		if _, err := tx.ExecContext(ctx, query, migration.Version, migration.Description); err != nil {
			return fmt.Errorf("failed to record migration: %w", err)
		}
		return nil
	})
}

// Package migrate applies the range schema to the control plane database.
//
// Migration files are embedded in the server binary, so a deployment never
// depends on SQL files being present on disk. Files live under
// db/migrate/migrations as NNN_name.sql and apply in version order, each in
// its own transaction, with the applied set tracked in schema_migrations.
//
// The whole run holds a session advisory lock, so several control-plane
// replicas starting against the same database apply the schema exactly once.
package migrate

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// rangeSchemaLock is the advisory lock key serializing schema runs across
// control-plane replicas. Arbitrary but fixed; changing it orphans in-flight
// locks held by older binaries.
const rangeSchemaLock int64 = 0x7266_7261_6e67 // "rfrang"

// migration is one embedded schema step.
type migration struct {
	version int
	name    string
	sql     string
}

// Run brings the database schema up to date. Call it after connecting and
// before any service touches the schema.
func Run(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring migration connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, rangeSchemaLock); err != nil {
		return fmt.Errorf("taking schema lock: %w", err)
	}
	defer conn.Exec(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, rangeSchemaLock)

	if _, err := conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return fmt.Errorf("ensuring schema_migrations: %w", err)
	}

	applied, err := appliedVersions(ctx, conn)
	if err != nil {
		return fmt.Errorf("reading applied versions: %w", err)
	}
	available, err := getAvailableMigrations()
	if err != nil {
		return fmt.Errorf("loading embedded migrations: %w", err)
	}

	ran := 0
	for _, mig := range available {
		if applied[mig.version] {
			continue
		}
		logger.Info("applying schema migration", "version", mig.version, "name", mig.name)

		tx, err := conn.Begin(ctx)
		if err != nil {
			return fmt.Errorf("migration %03d_%s: begin: %w", mig.version, mig.name, err)
		}
		if _, err := tx.Exec(ctx, mig.sql); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("migration %03d_%s: %w", mig.version, mig.name, err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO schema_migrations (version, name) VALUES ($1, $2)
		`, mig.version, mig.name); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("migration %03d_%s: recording: %w", mig.version, mig.name, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("migration %03d_%s: commit: %w", mig.version, mig.name, err)
		}
		ran++
	}

	if ran == 0 {
		logger.Info("range schema up to date", "version", len(applied))
	} else {
		logger.Info("range schema migrated", "applied", ran, "version", len(applied)+ran)
	}
	return nil
}

func appliedVersions(ctx context.Context, conn *pgxpool.Conn) (map[int]bool, error) {
	rows, err := conn.Query(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

// getAvailableMigrations loads every embedded migration, sorted by version.
func getAvailableMigrations() ([]migration, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return nil, err
	}

	var out []migration
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version, name, err := parseMigrationFilename(entry.Name())
		if err != nil {
			return nil, err
		}
		content, err := fs.ReadFile(migrationsFS, "migrations/"+entry.Name())
		if err != nil {
			return nil, err
		}
		out = append(out, migration{version: version, name: name, sql: string(content)})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

// parseMigrationFilename splits NNN_name.sql into its version and name.
func parseMigrationFilename(filename string) (int, string, error) {
	base := strings.TrimSuffix(filename, ".sql")
	num, name, ok := strings.Cut(base, "_")
	if !ok || name == "" {
		return 0, "", fmt.Errorf("migration file %s: want NNN_name.sql", filename)
	}
	version, err := strconv.Atoi(num)
	if err != nil {
		return 0, "", fmt.Errorf("migration file %s: bad version: %w", filename, err)
	}
	return version, name, nil
}

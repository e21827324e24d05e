package db

import (
	"context"
	"fmt"
	"time"
)

// migration is one ascending schema change. Statements must be idempotent
// (IF NOT EXISTS) so a partially applied migration can be re-run safely.
type migration struct {
	Version     int
	Description string
	Statements  []string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "schema version bookkeeping",
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS schema_version (
				id INT PRIMARY KEY,
				version INT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL,
				last_migration_description TEXT NOT NULL DEFAULT ''
			)`,
			`INSERT INTO schema_version (id, version, updated_at)
				VALUES (1, 0, NOW()) ON CONFLICT (id) DO NOTHING`,
		},
	},
	{
		Version:     2,
		Description: "workflow definitions",
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS workflow (
				id TEXT NOT NULL,
				version TEXT NOT NULL,
				name TEXT NOT NULL,
				definition JSONB NOT NULL,
				is_active BOOLEAN NOT NULL DEFAULT FALSE,
				created_at TIMESTAMPTZ NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL,
				PRIMARY KEY (id, version)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_workflow_name ON workflow (name)`,
		},
	},
	{
		Version:     3,
		Description: "workflow instances and step instances",
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS workflow_instance (
				id TEXT PRIMARY KEY,
				workflow_id TEXT NOT NULL,
				workflow_version TEXT NOT NULL,
				status TEXT NOT NULL,
				document JSONB NOT NULL,
				parent_instance_id TEXT,
				correlation_id TEXT,
				created_at TIMESTAMPTZ NOT NULL,
				completed_at TIMESTAMPTZ
			)`,
			`CREATE INDEX IF NOT EXISTS idx_instance_workflow ON workflow_instance (workflow_id)`,
			`CREATE INDEX IF NOT EXISTS idx_instance_status ON workflow_instance (status)`,
		},
	},
	{
		Version:     4,
		Description: "deployment profiles and executions",
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS deployment_profile (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				document JSONB NOT NULL,
				enabled BOOLEAN NOT NULL DEFAULT FALSE,
				created_at TIMESTAMPTZ NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS deployment_execution (
				id TEXT PRIMARY KEY,
				profile_id TEXT NOT NULL,
				agent_id TEXT NOT NULL,
				phase TEXT NOT NULL,
				document JSONB NOT NULL,
				started_at TIMESTAMPTZ NOT NULL,
				completed_at TIMESTAMPTZ
			)`,
			`CREATE INDEX IF NOT EXISTS idx_execution_profile ON deployment_execution (profile_id, started_at DESC)`,
		},
	},
	{
		Version:     5,
		Description: "enrollment, bootstrap token and api tokens",
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS enrollment (
				id TEXT PRIMARY KEY,
				node_id TEXT NOT NULL,
				node_name TEXT NOT NULL,
				public_key TEXT,
				requested_capabilities JSONB,
				status TEXT NOT NULL,
				created_at TIMESTAMPTZ NOT NULL,
				decided_at TIMESTAMPTZ
			)`,
			`CREATE TABLE IF NOT EXISTS bootstrap_token (
				id TEXT PRIMARY KEY,
				hash TEXT NOT NULL,
				is_enabled BOOLEAN NOT NULL,
				auto_approve BOOLEAN NOT NULL,
				created_at TIMESTAMPTZ NOT NULL,
				last_regenerated_at TIMESTAMPTZ NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS api_token (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				hash TEXT NOT NULL,
				created_at TIMESTAMPTZ NOT NULL,
				last_used_at TIMESTAMPTZ,
				revoked_at TIMESTAMPTZ
			)`,
		},
	},
}

// Migrate applies pending migrations in ascending version order and
// records the result in the schema_version row (id=1).
func (db *DB) Migrate(ctx context.Context) error {
	// Bootstrap the version table before reading it.
	for _, stmt := range migrations[0].Statements {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap schema_version: %w", err)
		}
	}

	var current int
	if err := db.QueryRow(ctx, `SELECT version FROM schema_version WHERE id = 1`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}

		db.log.Info("applying migration", "version", m.Version, "description", m.Description)

		tx, err := db.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}

		for _, stmt := range m.Statements {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				_ = tx.Rollback(ctx)
				return fmt.Errorf("migration %d: %w", m.Version, err)
			}
		}

		if _, err := tx.Exec(ctx,
			`UPDATE schema_version SET version = $1, updated_at = $2, last_migration_description = $3 WHERE id = 1`,
			m.Version, time.Now().UTC(), m.Description,
		); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

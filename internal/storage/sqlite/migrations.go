// Package sqlite - database migrations
package sqlite

import (
	"database/sql"
	"fmt"

	"github.com/untoldecay/treeline/internal/storage/sqlite/migrations"
)

// Migration represents a single database migration
type Migration struct {
	Name string
	Func func(*sql.DB) error
}

// migrationsList is the ordered list of all migrations to run. Migrations
// run in order during database initialization and every one of them must be
// idempotent: fresh databases already carry the final schema, so on a new
// database each migration is a no-op.
var migrationsList = []Migration{
	{"status_weight_column", migrations.MigrateStatusWeightColumn},
	{"formatted_replacements_column", migrations.MigrateFormattedReplacementsColumn},
	{"secapproval_requests_table", migrations.MigrateSecApprovalRequestsTable},
}

// MigrationInfo contains metadata about a migration for inspection
type MigrationInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ListMigrations returns list of all registered migrations with descriptions
// Note: This returns ALL registered migrations, not just pending ones (all are idempotent)
func ListMigrations() []MigrationInfo {
	result := make([]MigrationInfo, len(migrationsList))
	for i, m := range migrationsList {
		result[i] = MigrationInfo{
			Name:        m.Name,
			Description: getMigrationDescription(m.Name),
		}
	}
	return result
}

// getMigrationDescription returns a human-readable description for a migration
func getMigrationDescription(name string) string {
	descriptions := map[string]string{
		"status_weight_column":          "Adds status_weight column and claim index to landing_jobs",
		"formatted_replacements_column": "Adds formatted_replacements column for autoformat commit rewrites",
		"secapproval_requests_table":    "Adds secapproval_requests table for sanitised commit message candidates",
	}
	if desc, ok := descriptions[name]; ok {
		return desc
	}
	return "Unknown migration"
}

// RunMigrations executes all registered migrations in order.
// Uses EXCLUSIVE transaction to prevent race conditions when multiple
// processes open the database simultaneously: without it, parallel opens
// can race on check-then-modify operations (checking if a column exists
// then adding it) and fail with "duplicate column" errors.
func RunMigrations(db *sql.DB) error {
	// PRAGMA foreign_keys must be called when no transaction is active
	// (SQLite limitation).
	_, err := db.Exec("PRAGMA foreign_keys = OFF")
	if err != nil {
		return fmt.Errorf("failed to disable foreign keys for migrations: %w", err)
	}
	defer func() { _, _ = db.Exec("PRAGMA foreign_keys = ON") }()

	_, err = db.Exec("BEGIN EXCLUSIVE")
	if err != nil {
		return fmt.Errorf("failed to acquire exclusive lock for migrations: %w", err)
	}

	// Ensure we release the lock on any exit path
	committed := false
	defer func() {
		if !committed {
			_, _ = db.Exec("ROLLBACK")
		}
	}()

	for _, migration := range migrationsList {
		if err := migration.Func(db); err != nil {
			return fmt.Errorf("migration %s failed: %w", migration.Name, err)
		}
	}

	if err := verifyStatusWeights(db); err != nil {
		return fmt.Errorf("post-migration validation failed: %w", err)
	}

	if _, err := db.Exec("COMMIT"); err != nil {
		return fmt.Errorf("failed to commit migrations: %w", err)
	}
	committed = true

	return nil
}

// verifyStatusWeights checks that every job's status_weight matches its
// status. The claim query orders by the column, so a desync would silently
// reorder the queue.
func verifyStatusWeights(db *sql.DB) error {
	var mismatched int
	err := db.QueryRow(`
		SELECT COUNT(*) FROM landing_jobs
		WHERE status_weight != CASE status
			WHEN 'IN_PROGRESS' THEN 2
			WHEN 'DEFERRED' THEN 1
			WHEN 'SUBMITTED' THEN 0
			ELSE -1
		END
	`).Scan(&mismatched)
	if err != nil {
		return fmt.Errorf("failed to check status weights: %w", err)
	}
	if mismatched > 0 {
		return fmt.Errorf("%d landing jobs have a status_weight out of sync with their status", mismatched)
	}
	return nil
}

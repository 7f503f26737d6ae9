package migrations

import (
	"database/sql"
	"fmt"
)

func MigrateSecApprovalRequestsTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS secapproval_requests (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			revision_id INTEGER NOT NULL,
			diff_phid TEXT NOT NULL DEFAULT '',
			comment_candidates TEXT NOT NULL DEFAULT '[]',
			created_at TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create secapproval_requests table: %w", err)
	}

	_, err = db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_secapproval_revision
		ON secapproval_requests(revision_id)
	`)
	if err != nil {
		return fmt.Errorf("failed to create secapproval_requests index: %w", err)
	}

	return nil
}

package migrations

import (
	"database/sql"
	"fmt"
)

func MigrateStatusWeightColumn(db *sql.DB) error {
	var colName string
	err := db.QueryRow(`
		SELECT name FROM pragma_table_info('landing_jobs')
		WHERE name = 'status_weight'
	`).Scan(&colName)

	if err == sql.ErrNoRows {
		_, err := db.Exec(`ALTER TABLE landing_jobs ADD COLUMN status_weight INTEGER NOT NULL DEFAULT 0`)
		if err != nil {
			return fmt.Errorf("failed to add status_weight column: %w", err)
		}

		_, err = db.Exec(`
			UPDATE landing_jobs SET status_weight = CASE status
				WHEN 'IN_PROGRESS' THEN 2
				WHEN 'DEFERRED' THEN 1
				WHEN 'SUBMITTED' THEN 0
				ELSE -1
			END
		`)
		if err != nil {
			return fmt.Errorf("failed to backfill status_weight: %w", err)
		}

		_, err = db.Exec(`
			CREATE INDEX IF NOT EXISTS idx_landing_jobs_claim
			ON landing_jobs(repository_name, status_weight DESC, priority DESC, created_at ASC)
		`)
		if err != nil {
			return fmt.Errorf("failed to create claim index: %w", err)
		}

		return nil
	}

	if err != nil {
		return fmt.Errorf("failed to check status_weight column: %w", err)
	}

	return nil
}

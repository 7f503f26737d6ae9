package migrations

import (
	"database/sql"
	"fmt"
)

func MigrateFormattedReplacementsColumn(db *sql.DB) error {
	var colName string
	err := db.QueryRow(`
		SELECT name FROM pragma_table_info('landing_jobs')
		WHERE name = 'formatted_replacements'
	`).Scan(&colName)

	if err == sql.ErrNoRows {
		_, err := db.Exec(`ALTER TABLE landing_jobs ADD COLUMN formatted_replacements TEXT`)
		if err != nil {
			return fmt.Errorf("failed to add formatted_replacements column: %w", err)
		}
		return nil
	}

	if err != nil {
		return fmt.Errorf("failed to check formatted_replacements column: %w", err)
	}

	return nil
}

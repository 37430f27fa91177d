package store

import (
	"database/sql"
	"fmt"
	"strings"

	"plotloom/internal/logging"
)

// RunMigrations applies additive schema migrations for databases created by
// older builds. Every migration is idempotent: adding a column that already
// exists is detected and skipped, never treated as an error.
func RunMigrations(db *sql.DB) error {
	timer := logging.StartTimer(logging.CategoryStore, "RunMigrations")
	defer timer.Stop()

	migrations := []struct {
		table  string
		column string
		ddl    string
	}{
		// 0.2: ledger entries record where a decision came from
		{"kb_entries", "source", "ALTER TABLE kb_entries ADD COLUMN source TEXT"},
		// 0.3: work orders carry an override audit trail
		{"work_orders", "overrides", "ALTER TABLE work_orders ADD COLUMN overrides TEXT"},
		// 0.4: conflicts record the attribute in dispute, not just the facts
		{"conflicts", "attribute", "ALTER TABLE conflicts ADD COLUMN attribute TEXT NOT NULL DEFAULT ''"},
	}

	for _, m := range migrations {
		exists, err := columnExists(db, m.table, m.column)
		if err != nil {
			return fmt.Errorf("failed to inspect %s.%s: %w", m.table, m.column, err)
		}
		if exists {
			continue
		}
		if _, err := db.Exec(m.ddl); err != nil {
			// Concurrent migration from another process may have won the race.
			if strings.Contains(err.Error(), "duplicate column") {
				continue
			}
			return fmt.Errorf("migration %s.%s failed: %w", m.table, m.column, err)
		}
		logging.Store("Applied migration: added %s.%s", m.table, m.column)
	}

	return nil
}

// columnExists checks table_info for a column.
func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

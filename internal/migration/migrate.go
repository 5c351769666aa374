package migration

import (
	"database/sql"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"
)

// RunMigrations applies every embedded *.up.sql file that has not been
// recorded in schema_migrations yet, in lexical order.
func RunMigrations(sqlDB *sql.DB) error {
	if sqlDB == nil {
		return fmt.Errorf("migration database handle is required")
	}

	if _, err := sqlDB.Exec(
		`CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL
		)`,
	); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	entries, err := fs.ReadDir(embeddedMigrations, migrationsDir)
	if err != nil {
		return fmt.Errorf("read embedded migrations: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".up.sql") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		applied, err := migrationApplied(sqlDB, name)
		if err != nil {
			return err
		}
		if applied {
			continue
		}

		content, err := fs.ReadFile(embeddedMigrations, migrationsDir+"/"+name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := sqlDB.Exec(string(content)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		// Versions come from embedded filenames, so literal SQL keeps the
		// runner portable across the postgres and sqlite placeholder styles.
		record := fmt.Sprintf(
			`INSERT INTO schema_migrations (version, applied_at) VALUES ('%s', '%s')`,
			name,
			time.Now().UTC().Format(time.RFC3339),
		)
		if _, err := sqlDB.Exec(record); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}
	return nil
}

func migrationApplied(sqlDB *sql.DB, version string) (bool, error) {
	var count int
	query := fmt.Sprintf(`SELECT COUNT(1) FROM schema_migrations WHERE version = '%s'`, version)
	if err := sqlDB.QueryRow(query).Scan(&count); err != nil {
		return false, fmt.Errorf("check migration %s: %w", version, err)
	}
	return count > 0, nil
}

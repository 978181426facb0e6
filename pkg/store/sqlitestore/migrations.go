package sqlitestore

import (
	"cmp"
	"database/sql"
	"embed"
	"fmt"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migration is one embedded schema step, loaded from migrations/NNN_name.sql.
type Migration struct {
	Version int
	Name    string
	SQL     string
}

func (m Migration) String() string {
	return fmt.Sprintf("%03d_%s", m.Version, m.Name)
}

// loadMigrations returns the embedded migrations ordered by version. Files
// not named NNN_name.sql are ignored.
func loadMigrations() ([]Migration, error) {
	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var migrations []Migration
	for _, entry := range entries {
		base, ok := strings.CutSuffix(entry.Name(), ".sql")
		if entry.IsDir() || !ok {
			continue
		}
		num, name, ok := strings.Cut(base, "_")
		if !ok {
			continue
		}
		version, err := strconv.Atoi(num)
		if err != nil {
			continue
		}

		body, err := migrationFiles.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return nil, fmt.Errorf("failed to read migration %s: %w", entry.Name(), err)
		}
		migrations = append(migrations, Migration{Version: version, Name: name, SQL: string(body)})
	}

	slices.SortFunc(migrations, func(a, b Migration) int {
		return cmp.Compare(a.Version, b.Version)
	})
	return migrations, nil
}

// schemaState reports the highest applied migration and whether the file
// held any user tables before this run, creating the bookkeeping table on
// first use.
func schemaState(db *sql.DB) (version int, populated bool, err error) {
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		name       TEXT NOT NULL,
		applied_at INTEGER NOT NULL
	)`)
	if err != nil {
		return 0, false, fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	err = db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&version)
	if err != nil {
		return 0, false, fmt.Errorf("failed to read schema version: %w", err)
	}

	var tables int
	err = db.QueryRow(`SELECT COUNT(*) FROM sqlite_master
		WHERE type = 'table' AND name NOT IN ('schema_migrations', 'sqlite_sequence')`).Scan(&tables)
	if err != nil {
		return 0, false, fmt.Errorf("failed to inspect schema: %w", err)
	}
	return version, tables > 0, nil
}

// backup writes a consistent copy of the live database next to it.
func backup(db *sql.DB, dbPath string, version int) error {
	target := fmt.Sprintf("%s.backup-v%d-%s", dbPath, version, time.Now().Format("20060102-150405"))
	if _, err := db.Exec(`VACUUM INTO ?`, target); err != nil {
		return fmt.Errorf("failed to back up to %s: %w", target, err)
	}
	log.WithField("backup", filepath.Base(target)).Info("Created database backup")
	return nil
}

// runMigrations brings the schema up to the newest embedded migration. A
// database that already held tables is backed up first.
func runMigrations(db *sql.DB, dbPath string) error {
	version, populated, err := schemaState(db)
	if err != nil {
		return err
	}

	all, err := loadMigrations()
	if err != nil {
		return err
	}
	pending := slices.DeleteFunc(all, func(m Migration) bool { return m.Version <= version })
	if len(pending) == 0 {
		log.WithField("version", version).Debug("Database schema is current")
		return nil
	}

	if populated {
		if err := backup(db, dbPath, version); err != nil {
			return err
		}
	}

	for _, m := range pending {
		if err := apply(db, m); err != nil {
			return fmt.Errorf("migration %s: %w", m, err)
		}
		log.WithField("migration", m.String()).Info("Applied migration")
	}
	return nil
}

func apply(db *sql.DB, m Migration) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.SQL); err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`,
		m.Version, m.Name, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("failed to record: %w", err)
	}
	return tx.Commit()
}

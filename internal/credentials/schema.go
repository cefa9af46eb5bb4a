package credentials

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const createVersionTable = `
CREATE TABLE IF NOT EXISTS _schema_version (
	store_name TEXT NOT NULL DEFAULT '',
	version    INTEGER NOT NULL DEFAULT 0,
	applied_at TEXT NOT NULL
)`

// currentVersion returns the recorded schema version, or 0 if none.
func currentVersion(db *sql.DB) (int, error) {
	var version int
	err := db.QueryRow(`SELECT version FROM _schema_version LIMIT 1`).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}

// ensureVersion records initialVersion only if no version exists yet.
// Safe to call on every startup.
func ensureVersion(db *sql.DB, initialVersion int) error {
	if _, err := db.Exec(createVersionTable); err != nil {
		return fmt.Errorf("create _schema_version: %w", err)
	}

	current, err := currentVersion(db)
	if err != nil {
		return err
	}
	if current != 0 {
		return nil
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := db.Exec(
		`INSERT INTO _schema_version (store_name, version, applied_at) VALUES ('profiles', ?, ?)`,
		initialVersion, now,
	); err != nil {
		return fmt.Errorf("set initial schema version: %w", err)
	}
	return nil
}

// checkVersion refuses a database written by a newer binary.
func checkVersion(db *sql.DB, binaryVersion int) error {
	current, err := currentVersion(db)
	if err != nil {
		return err
	}
	if current > binaryVersion {
		return fmt.Errorf("credentials schema version %d is newer than binary version %d; refusing to open", current, binaryVersion)
	}
	return nil
}

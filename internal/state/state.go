// Package state reads and writes the index_state key/value table, such as
// the model identity each model version was built with. The table is
// created with the rest of the index schema by db.OpenIndex.
package state

import (
	"database/sql"
	"fmt"
	"time"
)

// Get returns the value stored for key, and whether one exists.
func Get(db *sql.DB, scope string, key string) (string, bool, error) {
	var v string
	err := db.QueryRow(`SELECT value FROM index_state WHERE scope = ? AND key = ?`, scope, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get index state: %w", err)
	}
	return v, true, nil
}

// Set stores value for key, replacing any previous value.
func Set(db *sql.DB, scope string, key string, value string) error {
	now := time.Now().Unix()
	_, err := db.Exec(`
		INSERT INTO index_state (scope, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(scope, key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, scope, key, value, now)
	if err != nil {
		return fmt.Errorf("failed to set index state: %w", err)
	}
	return nil
}

// SetIfAbsent stores value unless key already has one, and returns the value
// now stored.
func SetIfAbsent(db *sql.DB, scope string, key string, value string) (string, error) {
	cur, ok, err := Get(db, scope, key)
	if err != nil {
		return "", err
	}
	if ok {
		return cur, nil
	}
	if err := Set(db, scope, key, value); err != nil {
		return "", err
	}
	return value, nil
}

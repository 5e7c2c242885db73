package state

import (
	"database/sql"
	"fmt"
	"time"
)

// Get reads one value of a component's persisted state.
func Get(db *sql.DB, component string, key string) (string, bool, error) {
	var v string
	err := db.QueryRow(`SELECT value FROM component_state WHERE component = ? AND key = ?`, component, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get component state: %w", err)
	}
	return v, true, nil
}

// Set writes one value of a component's persisted state.
func Set(db *sql.DB, component string, key string, value string) error {
	now := time.Now().Unix()
	_, err := db.Exec(`
		INSERT INTO component_state (component, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(component, key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, component, key, value, now)
	if err != nil {
		return fmt.Errorf("failed to set component state: %w", err)
	}
	return nil
}

package store

import (
	"database/sql"
	"errors"
	"strconv"
	"time"
)

// SetCheckpoint updates a sync checkpoint value.
func (db *DB) SetCheckpoint(key, value string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO sync_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, now)
	return err
}

// GetCheckpoint retrieves a sync checkpoint value; "" when unset.
func (db *DB) GetCheckpoint(key string) (string, error) {
	var value string
	err := db.QueryRow(`SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

// GetUintCheckpoint reads a numeric checkpoint; 0 when unset or unparsable.
func (db *DB) GetUintCheckpoint(key string) (uint64, error) {
	v, err := db.GetCheckpoint(key)
	if err != nil || v == "" {
		return 0, err
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, nil
	}
	return n, nil
}

// SetUintCheckpoint stores a numeric checkpoint.
func (db *DB) SetUintCheckpoint(key string, n uint64) error {
	return db.SetCheckpoint(key, strconv.FormatUint(n, 10))
}

package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// GetSetting retrieves a setting value by key, returning "" when unset
func (db *DB) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := db.conn().queryRow(ctx, "SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get setting: %w", err)
	}
	return value, nil
}

// SetSetting sets or updates a setting
func (db *DB) SetSetting(ctx context.Context, key, value string) error {
	now := time.Now().UTC()
	_, err := db.conn().exec(ctx, `
		INSERT INTO settings (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = ?, updated_at = ?
	`, key, value, now, value, now)
	if err != nil {
		return fmt.Errorf("failed to set setting: %w", err)
	}
	return nil
}

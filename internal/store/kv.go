package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// KVEntry is one row in the plugin key-value area.
type KVEntry struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// KVSet inserts or replaces a key.
func (s *Store) KVSet(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC().Unix())
	if err != nil {
		return fmt.Errorf("store: kv set %s: %w", key, err)
	}
	return nil
}

// KVGet returns the value for key, ErrNotFound when absent.
func (s *Store) KVGet(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("store: kv get %s: %w", key, err)
	}
	return value, nil
}

// KVDelete removes a key. Deleting an absent key is not an error.
func (s *Store) KVDelete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("store: kv delete %s: %w", key, err)
	}
	return nil
}

// KVList returns all entries, key order.
func (s *Store) KVList(ctx context.Context) ([]KVEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value, updated_at FROM kv ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("store: kv list: %w", err)
	}
	defer rows.Close()

	var out []KVEntry
	for rows.Next() {
		var e KVEntry
		var updated int64
		if err := rows.Scan(&e.Key, &e.Value, &updated); err != nil {
			return nil, fmt.Errorf("store: kv scan: %w", err)
		}
		e.UpdatedAt = time.Unix(updated, 0).UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: kv rows: %w", err)
	}
	return out, nil
}

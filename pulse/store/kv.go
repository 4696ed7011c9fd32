package store

import (
	"context"
	"database/sql"

	"github.com/teranos/cratemine/errors"
)

// Keys used in the kv table.
const (
	KeyIndexLastSeen = "index.last_seen"
)

// GetState reads a kv entry. ok is false if the key is unset.
func (s *Store) GetState(ctx context.Context, key string) (value string, ok bool, err error) {
	err = s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, storageErrf(err, "get state %s", key)
	}
	return value, true, nil
}

// SetState writes a kv entry, replacing any previous value.
func (s *Store) SetState(ctx context.Context, key, value string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			key, value, millis(s.clock()))
		if err != nil {
			return storageErrf(err, "set state %s", key)
		}
		return nil
	})
}

package state

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Blacklist is the set of entity keys whose commands must be skipped. It is
// backed by the same database as the projections, so entries survive restart
// and are rebuilt by replaying the error events that created them. There is
// no removal path in this core; clearing an entry is an operator-level state
// migration.
type Blacklist struct {
	db *sql.DB
}

func NewBlacklist(db *sql.DB) *Blacklist {
	return &Blacklist{db: db}
}

// Contains reports whether entityKey is blacklisted.
func (b *Blacklist) Contains(ctx context.Context, entityKey int64) (bool, error) {
	var one int
	err := b.db.QueryRowContext(ctx,
		"SELECT 1 FROM blacklist WHERE entity_key = ?;", entityKey,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read blacklist: %w", err)
	}
	return true, nil
}

// Add marks entityKey as non-processable. Adding an existing entry is a
// no-op, so replaying the originating error event is idempotent.
func (b *Blacklist) Add(ctx context.Context, entityKey int64) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := b.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO blacklist(entity_key, created_at) VALUES(?, ?);",
		entityKey, now,
	)
	if err != nil {
		return fmt.Errorf("add blacklist entry: %w", err)
	}
	return nil
}

// Entries returns all blacklisted entity keys, oldest first. Used by the ops
// API.
func (b *Blacklist) Entries(ctx context.Context) ([]int64, error) {
	rows, err := b.db.QueryContext(ctx,
		"SELECT entity_key FROM blacklist ORDER BY created_at ASC, entity_key ASC;")
	if err != nil {
		return nil, fmt.Errorf("list blacklist: %w", err)
	}
	defer rows.Close()

	var keys []int64
	for rows.Next() {
		var k int64
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan blacklist entry: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate blacklist: %w", err)
	}
	return keys, nil
}

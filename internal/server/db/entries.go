package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// ErrInvalidEntry is returned when SQLite rejects an entry on a
// constraint, e.g. an empty partition key or entry id.
var ErrInvalidEntry = errors.New("invalid partition entry")

// PutEntry inserts or replaces the value stored under (partitionKey, id).
// created_at is kept on replace.
func (s *Store) PutEntry(ctx context.Context, partitionKey, id string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO partition_entries (partition_key, entry_id, value)
		 VALUES (?, ?, ?)
		 ON CONFLICT(partition_key, entry_id) DO UPDATE SET
		   value = excluded.value,
		   updated_at = CURRENT_TIMESTAMP`,
		partitionKey, id, value,
	)
	if err != nil {
		var sqliteErr *sqlite.Error
		if errors.As(err, &sqliteErr) {
			switch sqliteErr.Code() {
			case sqlite3.SQLITE_CONSTRAINT_NOTNULL, sqlite3.SQLITE_CONSTRAINT_CHECK, sqlite3.SQLITE_CONSTRAINT:
				return fmt.Errorf("%w: %s", ErrInvalidEntry, sqliteErr.Error())
			}
		}
		return fmt.Errorf("put entry: %w", err)
	}
	return nil
}

// GetEntry returns the entry under (partitionKey, id), or nil if absent.
func (s *Store) GetEntry(ctx context.Context, partitionKey, id string) (*Entry, error) {
	e := &Entry{}
	err := s.db.QueryRowContext(ctx,
		`SELECT partition_key, entry_id, value, created_at, updated_at
		 FROM partition_entries WHERE partition_key = ? AND entry_id = ?`,
		partitionKey, id,
	).Scan(&e.PartitionKey, &e.ID, &e.Value, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get entry: %w", err)
	}
	return e, nil
}

// DeleteEntry deletes one entry. Returns true if a row was deleted.
func (s *Store) DeleteEntry(ctx context.Context, partitionKey, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM partition_entries WHERE partition_key = ? AND entry_id = ?`,
		partitionKey, id,
	)
	if err != nil {
		return false, fmt.Errorf("delete entry: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ListEntries returns every entry of a partition ordered by entry id.
func (s *Store) ListEntries(ctx context.Context, partitionKey string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT partition_key, entry_id, value, created_at, updated_at
		 FROM partition_entries WHERE partition_key = ? ORDER BY entry_id`,
		partitionKey,
	)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.PartitionKey, &e.ID, &e.Value, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

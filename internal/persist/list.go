package persist

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
)

// List is a durable, unordered set of items addressable by key.
//
// The key set is mirrored in memory so membership checks never hit the
// database. Iteration order is insertion order.
type List[T any] struct {
	db    *DB
	table string

	mu   sync.Mutex
	keys map[string]struct{}
}

// NewList opens (creating if necessary) the list stored in table.
func NewList[T any](db *DB, table string) (*List[T], error) {
	return NewListContext[T](context.Background(), db, table)
}

// NewListContext opens the list with context support.
func NewListContext[T any](ctx context.Context, db *DB, table string) (*List[T], error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if err := db.createKeyedTable(ctx, table); err != nil {
		return nil, err
	}

	l := &List[T]{
		db:    db,
		table: table,
		keys:  make(map[string]struct{}),
	}

	rows, err := db.conn.QueryContext(ctx, fmt.Sprintf(`SELECT key FROM %s`, table))
	if err != nil {
		return nil, fmt.Errorf("failed to load list %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan list key: %w", err)
		}
		l.keys[key] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate list %s: %w", table, err)
	}

	return l, nil
}

// Len returns the number of stored items.
func (l *List[T]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.keys)
}

// Has reports whether key is stored.
func (l *List[T]) Has(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.keys[key]
	return ok
}

// Add stores item under key.
// Returns ErrAlreadyExists if key is already stored.
func (l *List[T]) Add(item T, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.keys[key]; ok {
		return ErrAlreadyExists
	}

	blob, err := encode(item)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
	INSERT INTO %[1]s (id, key, item)
	SELECT COALESCE(MAX(id), 0) + 1, ?, ? FROM %[1]s`, l.table)
	if _, err := l.db.conn.Exec(query, key, blob); err != nil {
		return fmt.Errorf("failed to add %q: %w", key, err)
	}

	l.keys[key] = struct{}{}
	return nil
}

// Get returns the item stored under key.
// Returns ErrNoSuchKey if key is not stored.
func (l *List[T]) Get(key string) (T, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var zero T
	if _, ok := l.keys[key]; !ok {
		return zero, ErrNoSuchKey
	}

	var blob []byte
	query := fmt.Sprintf(`SELECT item FROM %s WHERE key = ?`, l.table)
	err := l.db.conn.QueryRow(query, key).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		delete(l.keys, key)
		return zero, ErrNoSuchKey
	}
	if err != nil {
		return zero, fmt.Errorf("failed to get %q: %w", key, err)
	}
	return decode[T](blob)
}

// Update replaces the item stored under key.
// Returns ErrNoSuchKey if key is not stored.
func (l *List[T]) Update(item T, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.keys[key]; !ok {
		return ErrNoSuchKey
	}

	blob, err := encode(item)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`UPDATE %s SET item = ? WHERE key = ?`, l.table)
	if _, err := l.db.conn.Exec(query, blob, key); err != nil {
		return fmt.Errorf("failed to update %q: %w", key, err)
	}
	return nil
}

// Remove deletes the item stored under key.
// Returns ErrNoSuchKey if key is not stored.
func (l *List[T]) Remove(key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.keys[key]; !ok {
		return ErrNoSuchKey
	}

	query := fmt.Sprintf(`DELETE FROM %s WHERE key = ?`, l.table)
	if _, err := l.db.conn.Exec(query, key); err != nil {
		return fmt.Errorf("failed to remove %q: %w", key, err)
	}

	delete(l.keys, key)
	return nil
}

// Clear removes every stored item and returns how many were removed.
func (l *List[T]) Clear() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	res, err := l.db.conn.Exec(fmt.Sprintf(`DELETE FROM %s`, l.table))
	if err != nil {
		return 0, fmt.Errorf("failed to clear list %s: %w", l.table, err)
	}
	n, _ := res.RowsAffected()
	l.keys = make(map[string]struct{})
	return int(n), nil
}

// Records returns up to limit items in insertion order (all when limit <= 0).
func (l *List[T]) Records(limit int) ([]Record[T], error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	query := fmt.Sprintf(`SELECT key, item FROM %s ORDER BY id`, l.table)
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := l.db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load list %s: %w", l.table, err)
	}
	defer rows.Close()

	var records []Record[T]
	for rows.Next() {
		var (
			r    Record[T]
			blob []byte
		)
		if err := rows.Scan(&r.Key, &blob); err != nil {
			return nil, fmt.Errorf("failed to scan list row: %w", err)
		}
		if r.Item, err = decode[T](blob); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate list %s: %w", l.table, err)
	}
	return records, nil
}

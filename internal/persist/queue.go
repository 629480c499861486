package persist

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
)

// DefaultWindowSize is the number of head entries kept in memory when a
// queue is created with a non-positive window size.
const DefaultWindowSize = 100

type queueEntry[T any] struct {
	id   int64
	key  string
	item T
}

// Queue is a durable FIFO queue whose entries are addressable by key.
//
// The head of the queue is mirrored in a bounded in-memory window so that
// Peek/Get don't hit the database on every call under deep backlogs.
type Queue[T any] struct {
	db         *DB
	table      string
	windowSize int

	mu     sync.Mutex
	size   int
	window []queueEntry[T]
}

// NewQueue opens (creating if necessary) the queue stored in table.
func NewQueue[T any](db *DB, table string, windowSize int) (*Queue[T], error) {
	return NewQueueContext[T](context.Background(), db, table, windowSize)
}

// NewQueueContext opens the queue with context support.
func NewQueueContext[T any](ctx context.Context, db *DB, table string, windowSize int) (*Queue[T], error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if err := db.createKeyedTable(ctx, table); err != nil {
		return nil, err
	}
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}

	q := &Queue[T]{
		db:         db,
		table:      table,
		windowSize: windowSize,
	}

	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s`, table)
	if err := db.conn.QueryRowContext(ctx, query).Scan(&q.size); err != nil {
		return nil, fmt.Errorf("failed to count queue %s: %w", table, err)
	}

	return q, nil
}

// Len returns the number of queued entries.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Put appends item to the tail of the queue.
// Returns ErrAlreadyExists if key is already queued.
func (q *Queue[T]) Put(item T, key string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.checkAbsent(key); err != nil {
		return err
	}

	blob, err := encode(item)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
	INSERT INTO %[1]s (id, key, item)
	SELECT COALESCE(MAX(id), 0) + 1, ?, ? FROM %[1]s
	RETURNING id`, q.table)

	var id int64
	if err := q.db.conn.QueryRow(query, key, blob).Scan(&id); err != nil {
		return fmt.Errorf("failed to put %q: %w", key, err)
	}

	// The window mirrors the head. If it currently holds the whole queue,
	// the new tail entry belongs in it as well.
	if len(q.window) == q.size && len(q.window) < q.windowSize {
		q.window = append(q.window, queueEntry[T]{id: id, key: key, item: item})
	}
	q.size++
	return nil
}

// Jump inserts item at the head of the queue, ahead of all queued work.
// Returns ErrAlreadyExists if key is already queued.
func (q *Queue[T]) Jump(item T, key string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.checkAbsent(key); err != nil {
		return err
	}

	blob, err := encode(item)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
	INSERT INTO %[1]s (id, key, item)
	SELECT COALESCE(MIN(id), 1) - 1, ?, ? FROM %[1]s
	RETURNING id`, q.table)

	var id int64
	if err := q.db.conn.QueryRow(query, key, blob).Scan(&id); err != nil {
		return fmt.Errorf("failed to jump %q: %w", key, err)
	}

	// Any prefix of the queue is a valid window, so prepending keeps it
	// consistent even when it was only partially loaded.
	q.window = append([]queueEntry[T]{{id: id, key: key, item: item}}, q.window...)
	if len(q.window) > q.windowSize {
		q.window = q.window[:q.windowSize]
	}
	q.size++
	return nil
}

// Peek returns the head of the queue without removing it.
// Returns ErrEmpty if the queue is empty.
func (q *Queue[T]) Peek() (T, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if err := q.fillWindow(); err != nil {
		return zero, err
	}
	if len(q.window) == 0 {
		return zero, ErrEmpty
	}
	return q.window[0].item, nil
}

// Get removes and returns the head of the queue.
// Returns ErrEmpty if the queue is empty.
func (q *Queue[T]) Get() (T, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if err := q.fillWindow(); err != nil {
		return zero, err
	}
	if len(q.window) == 0 {
		return zero, ErrEmpty
	}

	head := q.window[0]
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, q.table)
	if _, err := q.db.conn.Exec(query, head.id); err != nil {
		return zero, fmt.Errorf("failed to remove head %q: %w", head.key, err)
	}

	q.window[0] = queueEntry[T]{}
	q.window = q.window[1:]
	q.size--
	return head.item, nil
}

// First returns the entry closest to the head whose key is not skipped,
// without removing it. Returns ErrEmpty if every queued key is skipped.
func (q *Queue[T]) First(skip func(key string) bool) (Record[T], error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.fillWindow(); err != nil {
		return Record[T]{}, err
	}
	for _, e := range q.window {
		if !skip(e.key) {
			return Record[T]{Key: e.key, Item: e.item}, nil
		}
	}
	if len(q.window) == q.size {
		return Record[T]{}, ErrEmpty
	}

	after := q.window[len(q.window)-1].id
	for {
		entries, err := q.loadAfter(after, q.windowSize)
		if err != nil {
			return Record[T]{}, err
		}
		if len(entries) == 0 {
			return Record[T]{}, ErrEmpty
		}
		for _, e := range entries {
			if !skip(e.key) {
				return Record[T]{Key: e.key, Item: e.item}, nil
			}
		}
		after = entries[len(entries)-1].id
	}
}

// GetByKey returns the queued item stored under key without disturbing
// the queue order. Returns ErrNoSuchKey if key is not queued.
func (q *Queue[T]) GetByKey(key string) (T, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, e := range q.window {
		if e.key == key {
			return e.item, nil
		}
	}

	var zero T
	query := fmt.Sprintf(`SELECT item FROM %s WHERE key = ?`, q.table)
	var blob []byte
	err := q.db.conn.QueryRow(query, key).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return zero, ErrNoSuchKey
	}
	if err != nil {
		return zero, fmt.Errorf("failed to get %q: %w", key, err)
	}
	return decode[T](blob)
}

// Has reports whether key is queued.
func (q *Queue[T]) Has(key string) (bool, error) {
	_, err := q.GetByKey(key)
	if errors.Is(err, ErrNoSuchKey) {
		return false, nil
	}
	return err == nil, err
}

// UpdateByKey replaces the item stored under key in place.
// Returns ErrNoSuchKey if key is not queued.
func (q *Queue[T]) UpdateByKey(item T, key string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	blob, err := encode(item)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`UPDATE %s SET item = ? WHERE key = ?`, q.table)
	res, err := q.db.conn.Exec(query, blob, key)
	if err != nil {
		return fmt.Errorf("failed to update %q: %w", key, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("failed to update %q: %w", key, err)
	} else if n == 0 {
		return ErrNoSuchKey
	}

	q.invalidateIfWindowed(key)
	return nil
}

// RemoveByKey deletes the entry stored under key.
// Returns ErrNoSuchKey if key is not queued.
func (q *Queue[T]) RemoveByKey(key string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	query := fmt.Sprintf(`DELETE FROM %s WHERE key = ?`, q.table)
	res, err := q.db.conn.Exec(query, key)
	if err != nil {
		return fmt.Errorf("failed to remove %q: %w", key, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("failed to remove %q: %w", key, err)
	} else if n == 0 {
		return ErrNoSuchKey
	}

	q.invalidateIfWindowed(key)
	q.size--
	return nil
}

// Records returns up to limit entries in queue order (all when limit <= 0).
func (q *Queue[T]) Records(limit int) ([]Record[T], error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries, err := q.load(limit)
	if err != nil {
		return nil, err
	}
	records := make([]Record[T], 0, len(entries))
	for _, e := range entries {
		records = append(records, Record[T]{Key: e.key, Item: e.item})
	}
	return records, nil
}

func (q *Queue[T]) checkAbsent(key string) error {
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE key = ?`, q.table)
	var count int
	if err := q.db.conn.QueryRow(query, key).Scan(&count); err != nil {
		return fmt.Errorf("failed to look up %q: %w", key, err)
	}
	if count > 0 {
		return ErrAlreadyExists
	}
	return nil
}

func (q *Queue[T]) invalidateIfWindowed(key string) {
	for _, e := range q.window {
		if e.key == key {
			q.window = nil
			return
		}
	}
}

// fillWindow refreshes the window from the head of the table once it has
// been drained or invalidated.
func (q *Queue[T]) fillWindow() error {
	if len(q.window) > 0 || q.size == 0 {
		return nil
	}
	entries, err := q.load(q.windowSize)
	if err != nil {
		return err
	}
	q.window = entries
	return nil
}

func (q *Queue[T]) load(limit int) ([]queueEntry[T], error) {
	query := fmt.Sprintf(`SELECT id, key, item FROM %s ORDER BY id`, q.table)
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return q.query(query, args...)
}

// loadAfter returns up to limit entries queued behind id.
func (q *Queue[T]) loadAfter(id int64, limit int) ([]queueEntry[T], error) {
	query := fmt.Sprintf(`SELECT id, key, item FROM %s WHERE id > ? ORDER BY id LIMIT ?`, q.table)
	return q.query(query, id, limit)
}

func (q *Queue[T]) query(query string, args ...any) ([]queueEntry[T], error) {
	rows, err := q.db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load queue %s: %w", q.table, err)
	}
	defer rows.Close()

	var entries []queueEntry[T]
	for rows.Next() {
		var (
			e    queueEntry[T]
			blob []byte
		)
		if err := rows.Scan(&e.id, &e.key, &blob); err != nil {
			return nil, fmt.Errorf("failed to scan queue row: %w", err)
		}
		if e.item, err = decode[T](blob); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate queue %s: %w", q.table, err)
	}
	return entries, nil
}

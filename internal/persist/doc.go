// Package persist provides the crash-persistent state of the conveyor daemon.
//
// All state lives in a single embedded SQLite database opened with WAL and
// synchronous=FULL, so every mutation is committed before the call returns
// and survives process termination between any two operations.
//
// # Stores
//
//   - Queue: a FIFO queue whose entries are addressable by a derived key.
//     Keys are unique, so callers coalesce rather than duplicate. Peek and
//     Get are served from a bounded in-memory window that is refilled from
//     the head of the table and invalidated when UpdateByKey or RemoveByKey
//     touches an entry inside it.
//   - List: an unordered keyed set (admitted items, failed items, scheduled
//     deletions).
//   - SyncedFiles: durable proof of delivery, unique on (input_file, server).
//
// Items are encoded with msgpack, so any struct with exported fields can be
// stored:
//
//	db, err := persist.Open("/var/lib/conveyor/state.db")
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	q, err := persist.NewQueue[Item](db, "pipeline_queue", 100)
//	if err != nil {
//	    return err
//	}
//	if err := q.Put(Item{Path: p}, p); errors.Is(err, persist.ErrAlreadyExists) {
//	    // merge with the queued entry instead
//	}
//
// # Thread Safety
//
// The stores are safe for concurrent use, but the daemon treats them as
// single-writer: only the arbitrator goroutine mutates them.
package persist

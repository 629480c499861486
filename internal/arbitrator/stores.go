package arbitrator

import (
	"errors"
	"fmt"

	"github.com/steveyegge/conveyor/internal/fsmonitor"
	"github.com/steveyegge/conveyor/internal/persist"
)

// Durable table names.
const (
	pipelineQueueTable   = "pipeline_queue"
	filesInPipelineTable = "files_in_pipeline"
	failedFilesTable     = "failed_files"
	filesToDeleteTable   = "files_to_delete"
)

// PipelineItem is one pending change.
type PipelineItem struct {
	Path  string          `msgpack:"path"`
	Event fsmonitor.Event `msgpack:"event"`
}

// ScheduledDeletion is a source file to delete once Due (unix seconds) has
// passed. Fired is set once the deletion was carried out; the entry is
// kept until the resulting DELETED event is seen, so that event is not
// mistaken for an external deletion.
type ScheduledDeletion struct {
	Path  string `msgpack:"path"`
	Due   int64  `msgpack:"due"`
	Fired bool   `msgpack:"fired"`
}

// Stores groups the durable state of the pipeline.
type Stores struct {
	// Queue holds pending changes, keyed by path.
	Queue *persist.Queue[PipelineItem]
	// Admitted holds the items being worked on, keyed by path.
	Admitted *persist.List[PipelineItem]
	// Failed holds items waiting to be retried, keyed by event and path.
	Failed *persist.List[PipelineItem]
	// Scheduled holds source files waiting to be deleted, keyed by path.
	Scheduled *persist.List[ScheduledDeletion]
	// Synced records what was delivered where.
	Synced *persist.SyncedFiles
}

// OpenStores opens (creating if necessary) every durable store in db.
func OpenStores(db *persist.DB, queueWindow int) (*Stores, error) {
	var (
		s   Stores
		err error
	)
	if s.Queue, err = persist.NewQueue[PipelineItem](db, pipelineQueueTable, queueWindow); err != nil {
		return nil, fmt.Errorf("failed to open pipeline queue: %w", err)
	}
	if s.Admitted, err = persist.NewList[PipelineItem](db, filesInPipelineTable); err != nil {
		return nil, fmt.Errorf("failed to open admitted set: %w", err)
	}
	if s.Failed, err = persist.NewList[PipelineItem](db, failedFilesTable); err != nil {
		return nil, fmt.Errorf("failed to open failed set: %w", err)
	}
	if s.Scheduled, err = persist.NewList[ScheduledDeletion](db, filesToDeleteTable); err != nil {
		return nil, fmt.Errorf("failed to open scheduled deletions: %w", err)
	}
	if s.Synced, err = persist.NewSyncedFiles(db); err != nil {
		return nil, err
	}
	return &s, nil
}

// FailedKey is the FailedSet key of an item: failures are deduplicated per
// (path, event).
func FailedKey(item PipelineItem) string {
	return fmt.Sprintf("%d:%s", item.Event, item.Path)
}

// Enqueue outcomes.
const (
	EnqueueAdded     = "added"
	EnqueueMerged    = "merged"
	EnqueueCancelled = "cancelled"
)

// Enqueue adds item to the pipeline queue, coalescing it with an already
// queued item for the same path. A created file that is deleted before it
// leaves the queue cancels out and the key is removed entirely.
func (s *Stores) Enqueue(item PipelineItem) (string, error) {
	queued, err := s.Queue.GetByKey(item.Path)
	if errors.Is(err, persist.ErrNoSuchKey) {
		if err := s.Queue.Put(item, item.Path); err != nil {
			return "", err
		}
		return EnqueueAdded, nil
	}
	if err != nil {
		return "", err
	}

	merged, keep := fsmonitor.Merge(queued.Event, item.Event)
	if !keep {
		if err := s.Queue.RemoveByKey(item.Path); err != nil {
			return "", err
		}
		return EnqueueCancelled, nil
	}
	if merged == queued.Event {
		return EnqueueMerged, nil
	}
	if err := s.Queue.UpdateByKey(PipelineItem{Path: item.Path, Event: merged}, item.Path); err != nil {
		return "", err
	}
	return EnqueueMerged, nil
}

// RequeueFailed moves up to limit failed items (all when limit <= 0) back
// into the pipeline queue and returns how many were moved.
func (s *Stores) RequeueFailed(limit int) (int, error) {
	records, err := s.Failed.Records(limit)
	if err != nil {
		return 0, err
	}
	for i, r := range records {
		if _, err := s.Enqueue(r.Item); err != nil {
			return i, fmt.Errorf("failed to requeue %s: %w", r.Item.Path, err)
		}
		if err := s.Failed.Remove(r.Key); err != nil && !errors.Is(err, persist.ErrNoSuchKey) {
			return i, fmt.Errorf("failed to remove %s from failed set: %w", r.Item.Path, err)
		}
	}
	return len(records), nil
}

package arbitrator

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/steveyegge/conveyor/internal/fsmonitor"
	"github.com/steveyegge/conveyor/internal/persist"
)

// recover puts every item left in the admitted set by an interrupted run
// back at the head of the queue, preserving their original order. If the
// path was queued again meanwhile, both events are merged into the queued
// entry. It is safe to crash and run it again at any point.
func (a *Arbitrator) recover() error {
	records, err := a.stores.Admitted.Records(0)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	// Jumping in reverse leaves the first admitted item at the head.
	for i := len(records) - 1; i >= 0; i-- {
		item := records[i].Item
		if err := a.requeueAdmitted(item); err != nil {
			return err
		}
		if err := a.stores.Admitted.Remove(records[i].Key); err != nil && !errors.Is(err, persist.ErrNoSuchKey) {
			return fmt.Errorf("failed to remove recovered item %s: %w", item.Path, err)
		}
	}

	a.log.WithField("items", len(records)).Info("Recovered interrupted items")
	return nil
}

func (a *Arbitrator) requeueAdmitted(item PipelineItem) error {
	queue := a.stores.Queue

	queued, err := queue.GetByKey(item.Path)
	if errors.Is(err, persist.ErrNoSuchKey) {
		if err := queue.Jump(item, item.Path); err != nil {
			return fmt.Errorf("failed to requeue %s: %w", item.Path, err)
		}
		return nil
	}
	if err != nil {
		return err
	}

	// The admitted event happened first. A created-then-deleted pair
	// still has to be propagated as a deletion here, since the creation
	// may already have been delivered.
	merged, keep := fsmonitor.Merge(item.Event, queued.Event)
	if !keep {
		merged = fsmonitor.Deleted
	}
	a.log.WithFields(logrus.Fields{
		"path":     item.Path,
		"admitted": item.Event,
		"queued":   queued.Event,
		"merged":   merged,
	}).Debug("Merging recovered item with queued event")

	if merged == queued.Event {
		return nil
	}
	if err := queue.UpdateByKey(PipelineItem{Path: item.Path, Event: merged}, item.Path); err != nil {
		return fmt.Errorf("failed to merge recovered %s: %w", item.Path, err)
	}
	return nil
}

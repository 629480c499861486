package arbitrator

import (
	"errors"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/steveyegge/conveyor/internal/persist"
)

const (
	// deletionInterval is how often due source deletions are carried out.
	deletionInterval = time.Second
	// firedRetention is how long a carried out deletion is remembered
	// while waiting for its DELETED event.
	firedRetention = time.Hour
)

// applyDeletionPolicy schedules the source file of a drained item for
// deletion when a matched rule asks for it. The shortest delay wins.
func (a *Arbitrator) applyDeletionPolicy(t *tracked) {
	var (
		delay   time.Duration
		matched bool
	)
	for _, r := range t.rules {
		d, ok := r.cfg.DeletionDelay()
		if !ok {
			continue
		}
		if !matched || d < delay {
			delay = d
		}
		matched = true
	}
	if !matched {
		return
	}

	log := a.logFor(t.item).WithField("delay", delay)
	entry := ScheduledDeletion{
		Path: t.item.Path,
		Due:  a.clock.Now().Add(delay).Unix(),
	}
	if err := a.schedule(entry); err != nil {
		log.WithError(err).Error("Failed to schedule source deletion")
		return
	}
	log.Debug("Scheduled source deletion")

	if delay == 0 {
		a.deleteSource(entry)
	}
}

func (a *Arbitrator) schedule(entry ScheduledDeletion) error {
	if a.stores.Scheduled.Has(entry.Path) {
		return a.stores.Scheduled.Update(entry, entry.Path)
	}
	return a.stores.Scheduled.Add(entry, entry.Path)
}

// deleteSource removes a scheduled source file and marks the entry fired.
// A file that is already gone counts as deleted.
func (a *Arbitrator) deleteSource(entry ScheduledDeletion) {
	log := a.log.WithField("path", entry.Path)
	if err := a.fs.Remove(entry.Path); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Failed to delete source file; will retry")
		return
	}

	entry.Fired = true
	if err := a.stores.Scheduled.Update(entry, entry.Path); err != nil {
		log.WithError(err).Error("Failed to mark source deletion done")
		return
	}
	log.Info("Deleted source file after sync")
}

// runScheduledDeletions deletes source files whose delay has passed and
// forgets deletions whose DELETED event never came back.
func (a *Arbitrator) runScheduledDeletions() {
	now := a.clock.Now()
	if now.Sub(a.lastDeletionRun) < deletionInterval {
		return
	}
	a.lastDeletionRun = now

	records, err := a.stores.Scheduled.Records(0)
	if err != nil {
		a.log.WithError(err).Error("Failed to load scheduled deletions")
		return
	}

	for _, r := range records {
		entry := r.Item
		due := time.Unix(entry.Due, 0)

		if entry.Fired {
			if now.Sub(due) > firedRetention {
				if err := a.stores.Scheduled.Remove(r.Key); err != nil && !errors.Is(err, persist.ErrNoSuchKey) {
					a.log.WithField("path", entry.Path).WithError(err).Warn("Failed to prune scheduled deletion")
				}
			}
			continue
		}
		if now.Before(due) {
			continue
		}
		// A newer change to the file is being synced; its drain will
		// reschedule the deletion.
		if a.stores.Admitted.Has(entry.Path) {
			continue
		}
		a.deleteSource(entry)
	}
}

// retryFailed moves a batch of failed items back into the queue. Retries
// happen every RetryInterval, or four times as often while the queue is
// less than half as long as the in-flight limit.
func (a *Arbitrator) retryFailed() {
	if a.stores.Failed.Len() == 0 {
		return
	}

	settings := a.cfg.Settings
	interval := settings.RetryInterval.Std()
	elapsed := a.clock.Since(a.lastRetry)
	spare := a.stores.Queue.Len() < settings.MaxInFlight/2
	if elapsed < interval && !(spare && elapsed >= interval/4) {
		return
	}
	a.lastRetry = a.clock.Now()

	moved, err := a.stores.RequeueFailed(settings.RetryBatchSize)
	if err != nil {
		a.log.WithError(err).Error("Failed to requeue failed items")
	}
	if moved > 0 {
		a.log.WithFields(logrus.Fields{
			"moved":     moved,
			"remaining": a.stores.Failed.Len(),
		}).Warn("Retrying failed items")
	}
}

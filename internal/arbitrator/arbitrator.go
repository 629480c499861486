// Package arbitrator runs the sync pipeline.
//
// An Arbitrator owns every queue of the pipeline and is driven by a single
// scheduler goroutine. Each tick it:
//
//  1. merges discovered file events into the durable pipeline queue
//  2. admits queued items into the durable admitted set, up to MaxInFlight
//  3. matches admitted items against the rules of their source
//  4. runs processor chains, bounded by MaxConcurrentChains
//  5. hands delivery jobs to per-server transporter workers
//  6. records completed deliveries and drains finished items
//  7. deletes source files whose scheduled deletion is due
//  8. moves failed items into the failed set
//  9. re-admits failed items in batches
//
// Workers never touch the durable stores: their results come back over
// channels and are applied by the scheduler goroutine. An item leaves the
// admitted set only once every destination of every rule it matched is
// done, or when it fails. Anything still admitted when the process dies is
// put back at the head of the queue on the next start.
package arbitrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/sync/semaphore"

	"github.com/steveyegge/conveyor/internal/config"
	"github.com/steveyegge/conveyor/internal/fsmonitor"
	"github.com/steveyegge/conveyor/internal/persist"
	"github.com/steveyegge/conveyor/internal/processor"
	"github.com/steveyegge/conveyor/internal/snapshot"
	"github.com/steveyegge/conveyor/internal/transporter"
)

// statsInterval is how often stats are published to the observer.
const statsInterval = time.Second

// Options configures an Arbitrator.
type Options struct {
	// Config is the validated daemon configuration. Required.
	Config *config.Config
	// DB holds the durable state. Required.
	DB *persist.DB
	// Processors defaults to processor.Default.
	Processors *processor.Registry
	// Transporters defaults to transporter.Default.
	Transporters *transporter.Registry
	// FS is used to check, read and delete source files. Defaults to the
	// OS file system.
	FS afero.Fs
	// Clock defaults to the real clock.
	Clock clockwork.Clock
	// Logger defaults to the standard logger.
	Logger *logrus.Logger
	// Observer is notified of pipeline activity. Optional.
	Observer Observer
}

// Arbitrator is the pipeline scheduler.
type Arbitrator struct {
	cfg          *config.Config
	db           *persist.DB
	stores       *Stores
	transporters *transporter.Registry
	fs           afero.Fs
	clock        clockwork.Clock
	log          *logrus.Logger
	observer     Observer

	sources []*source
	servers map[string]*server

	// discovered is appended to by monitor callbacks.
	discoveredMu sync.Mutex
	discovered   []PipelineItem

	// Everything below is owned by the scheduler goroutine.
	inflight     map[string]*tracked
	generation   uint64
	processQueue []processJob
	chainSem     *semaphore.Weighted
	transportSem *semaphore.Weighted
	processDone  chan processResult
	transferDone chan transporter.Result
	processes    sync.WaitGroup
	running      int

	// workCtx is passed to processor chains and cancelled once the
	// arbitrator gives up on in-flight work.
	workCtx    context.Context
	cancelWork context.CancelFunc

	stopping        bool
	lastRetry       time.Time
	lastDeletionRun time.Time
	lastStats       time.Time

	monitor fsmonitor.Monitor
}

// New builds an Arbitrator, resolving every processor and transporter
// named by the configuration. Unknown names fail here, before any file is
// touched.
func New(opts Options) (*Arbitrator, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if opts.DB == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if opts.Processors == nil {
		opts.Processors = processor.Default
	}
	if opts.Transporters == nil {
		opts.Transporters = transporter.Default
	}
	if opts.FS == nil {
		opts.FS = afero.NewOsFs()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}

	settings := opts.Config.Settings
	stores, err := OpenStores(opts.DB, settings.QueueWindow)
	if err != nil {
		return nil, err
	}

	a := &Arbitrator{
		cfg:          opts.Config,
		db:           opts.DB,
		stores:       stores,
		transporters: opts.Transporters,
		fs:           opts.FS,
		clock:        opts.Clock,
		log:          opts.Logger,
		observer:     opts.Observer,
		servers:      make(map[string]*server),
		inflight:     make(map[string]*tracked),
		chainSem:     semaphore.NewWeighted(int64(settings.MaxConcurrentChains)),
		transportSem: semaphore.NewWeighted(int64(settings.MaxConcurrentTransporters)),
		processDone:  make(chan processResult, settings.MaxConcurrentChains+16),
		transferDone: make(chan transporter.Result, settings.MaxInFlight*4+16),
	}

	for _, srv := range opts.Config.Servers {
		if !opts.Transporters.IsRegistered(srv.Transporter) {
			return nil, fmt.Errorf("server %s: %w: %s", srv.Name, transporter.ErrUnknownTransporter, srv.Transporter)
		}
		a.servers[srv.Name] = &server{cfg: srv}
	}

	if err := a.compileRules(opts.Processors); err != nil {
		return nil, err
	}

	a.workCtx, a.cancelWork = context.WithCancel(context.Background())
	a.lastRetry = a.clock.Now()
	return a, nil
}

// Stores exposes the durable state, for inspection.
func (a *Arbitrator) Stores() *Stores {
	return a.stores
}

// Discover is the monitor callback. It only records the event; the
// scheduler merges it into the pipeline queue on its next tick.
func (a *Arbitrator) Discover(monitoredPath, eventPath string, event fsmonitor.Event, discoveredThrough string) {
	log := a.log.WithFields(logrus.Fields{
		"path":    eventPath,
		"event":   event,
		"through": discoveredThrough,
	})

	switch event {
	case fsmonitor.Created, fsmonitor.Modified, fsmonitor.Deleted:
	case fsmonitor.MonitoredDirMoved:
		log.Error("Monitored directory moved; its files are no longer synced")
		return
	case fsmonitor.DroppedEvents:
		log.Warn("File events were dropped; monitor is resyncing")
		return
	default:
		log.Warn("Ignoring unexpected event")
		return
	}

	log.Debug("Discovered")
	a.discoveredMu.Lock()
	a.discovered = append(a.discovered, PipelineItem{Path: eventPath, Event: event})
	a.discoveredMu.Unlock()
}

// Run recovers interrupted work, starts the file system monitor and runs
// the scheduler until ctx is cancelled. It then stops admitting work and
// waits up to the configured stop timeout for in-flight items to drain.
func (a *Arbitrator) Run(ctx context.Context) error {
	if err := a.recover(); err != nil {
		return fmt.Errorf("failed to recover interrupted work: %w", err)
	}
	if err := a.startMonitor(); err != nil {
		return err
	}

	settings := a.cfg.Settings
	a.log.WithFields(logrus.Fields{
		"sources":       len(a.sources),
		"servers":       len(a.servers),
		"max_in_flight": settings.MaxInFlight,
		"monitor":       settings.Monitor,
	}).Info("Arbitrator started")

	ticker := a.clock.NewTicker(settings.TickInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return a.shutdown()
		case res := <-a.processDone:
			a.handleProcessResult(res)
		case res := <-a.transferDone:
			a.handleTransportResult(res)
		case <-ticker.Chan():
			a.step()
		}
	}
}

func (a *Arbitrator) startMonitor() error {
	settings := a.cfg.Settings
	scanner, err := snapshot.New(a.db.RawDB(), a.fs, settings.IgnoredDirs)
	if err != nil {
		return err
	}

	monitor, err := fsmonitor.New(settings.Monitor, fsmonitor.Config{
		Scanner:  scanner,
		Callback: a.Discover,
		Interval: settings.ScanInterval.Std(),
		Clock:    a.clock,
		Logger:   a.log,
	})
	if err != nil {
		return fmt.Errorf("failed to create monitor: %w", err)
	}

	for _, src := range a.sources {
		if err := monitor.AddDir(src.cfg.ScanPath, fsmonitor.AllEvents); err != nil {
			monitor.Stop()
			return fmt.Errorf("failed to monitor %s: %w", src.cfg.ScanPath, err)
		}
	}
	if err := monitor.Start(); err != nil {
		monitor.Stop()
		return fmt.Errorf("failed to start monitor: %w", err)
	}
	a.monitor = monitor
	return nil
}

// shutdown stops the monitor and admission, lets in-flight items finish
// until the stop timeout, then stops every worker. Items that did not
// drain stay in the admitted set and are recovered on the next start.
func (a *Arbitrator) shutdown() error {
	a.log.Info("Stopping arbitrator")
	a.stopping = true

	if a.monitor != nil {
		if err := a.monitor.Stop(); err != nil {
			a.log.WithError(err).Warn("Failed to stop monitor")
		}
	}
	// Anything discovered but not yet queued must not be lost.
	a.discover()

	deadline := a.clock.After(a.cfg.Settings.StopTimeout.Std())
	ticker := a.clock.NewTicker(a.cfg.Settings.TickInterval.Std())
	defer ticker.Stop()

wait:
	for len(a.inflight) > 0 {
		select {
		case <-deadline:
			a.log.WithField("in_flight", len(a.inflight)).Warn("Stop timeout reached; in-flight items will resume on restart")
			break wait
		case res := <-a.processDone:
			a.handleProcessResult(res)
		case res := <-a.transferDone:
			a.handleTransportResult(res)
		case <-ticker.Chan():
			a.step()
		}
	}

	a.cancelWork()
	for name, srv := range a.servers {
		for _, w := range srv.workers {
			if err := w.Abort(); err != nil {
				a.log.WithField("server", name).WithError(err).Warn("Failed to stop worker")
			}
			a.transportSem.Release(1)
		}
		srv.workers = nil
	}
	a.processes.Wait()

	a.log.Info("Arbitrator stopped")
	return nil
}

// step runs one scheduler tick. It never blocks on worker I/O.
func (a *Arbitrator) step() {
	a.discover()
	a.collect()
	if !a.stopping {
		a.admit()
	}
	a.launchProcesses()
	a.dispatchTransports()
	a.reapIdleWorkers()
	a.runScheduledDeletions()
	if !a.stopping {
		a.retryFailed()
	}
	a.publishStats()
}

// collect applies every completion that is already waiting.
func (a *Arbitrator) collect() {
	for {
		select {
		case res := <-a.processDone:
			a.handleProcessResult(res)
		case res := <-a.transferDone:
			a.handleTransportResult(res)
		default:
			return
		}
	}
}

// discover merges every recorded event into the pipeline queue.
func (a *Arbitrator) discover() {
	a.discoveredMu.Lock()
	events := a.discovered
	a.discovered = nil
	a.discoveredMu.Unlock()

	for i, item := range events {
		outcome, err := a.stores.Enqueue(item)
		log := a.log.WithFields(logrus.Fields{"path": item.Path, "event": item.Event})
		if err != nil {
			// Keep this and every later event, in order, for the next tick.
			log.WithError(err).Error("Failed to queue event")
			a.discoveredMu.Lock()
			a.discovered = append(events[i:len(events):len(events)], a.discovered...)
			a.discoveredMu.Unlock()
			return
		}
		if outcome == EnqueueCancelled {
			log.WithField("reason", "cancelled").Debug("Dropped")
			a.observer.OnDropped(item.Path, item.Event, "cancelled")
		}
	}
}

// admit moves items from the queue into the admitted set. The item is
// added to the admitted set before it is removed from the queue, so a
// crash in between leaves it in both, which recovery merges.
//
// A path is never worked on twice at once: a newer event for an admitted
// path stays queued until the current one drains, and the items behind it
// are admitted past it.
func (a *Arbitrator) admit() {
	limit := a.cfg.Settings.MaxInFlight
	for a.stores.Admitted.Len() < limit {
		rec, err := a.stores.Queue.First(a.stores.Admitted.Has)
		if errors.Is(err, persist.ErrEmpty) {
			return
		}
		if err != nil {
			a.log.WithError(err).Error("Failed to read pipeline queue")
			return
		}
		item := rec.Item

		if err := a.stores.Admitted.Add(item, rec.Key); err != nil {
			a.log.WithField("path", item.Path).WithError(err).Error("Failed to admit")
			return
		}
		if err := a.dequeue(rec.Key); err != nil {
			a.log.WithField("path", item.Path).WithError(err).Error("Failed to dequeue admitted item")
			return
		}

		a.log.WithFields(logrus.Fields{"path": item.Path, "event": item.Event}).Trace("Admitted")
		a.observer.OnAdmitted(item.Path, item.Event)
		a.filter(item)
	}
}

// dequeue removes key from the pipeline queue, popping the head when key
// is at the head.
func (a *Arbitrator) dequeue(key string) error {
	head, err := a.stores.Queue.Peek()
	if err != nil {
		return err
	}
	if head.Path == key {
		_, err = a.stores.Queue.Get()
		return err
	}
	return a.stores.Queue.RemoveByKey(key)
}

// Snapshot returns current pipeline statistics.
func (a *Arbitrator) Snapshot() Stats {
	st := Stats{
		Queued:    a.stores.Queue.Len(),
		Admitted:  a.stores.Admitted.Len(),
		Failed:    a.stores.Failed.Len(),
		Scheduled: a.stores.Scheduled.Len(),
		Processes: a.running + len(a.processQueue),
		Workers:   make(map[string]int, len(a.servers)),
		Pending:   make(map[string]int, len(a.servers)),
	}
	for name, srv := range a.servers {
		st.Workers[name] = len(srv.workers)
		st.Pending[name] = len(srv.pending)
	}
	return st
}

func (a *Arbitrator) publishStats() {
	now := a.clock.Now()
	if now.Sub(a.lastStats) < statsInterval {
		return
	}
	a.lastStats = now
	a.observer.OnStats(a.Snapshot())
}

// serverNames returns the configured server names, sorted.
func (a *Arbitrator) serverNames() []string {
	names := make([]string, 0, len(a.servers))
	for name := range a.servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

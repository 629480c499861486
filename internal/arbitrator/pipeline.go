package arbitrator

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/steveyegge/conveyor/internal/fsmonitor"
	"github.com/steveyegge/conveyor/internal/persist"
	"github.com/steveyegge/conveyor/internal/processor"
	"github.com/steveyegge/conveyor/internal/transporter"
)

// tracked is the in-memory bookkeeping for one admitted item.
//
// The generation distinguishes successive admissions of the same path, so
// results of work started for a failed admission are never counted
// against a later one.
type tracked struct {
	item       PipelineItem
	generation uint64
	rules      map[string]*rule
	// remaining maps a rule key to the servers that still have to
	// confirm delivery.
	remaining map[string]map[string]bool
	// artifacts are processor outputs to remove once the item drains.
	artifacts map[string]struct{}
}

type processJob struct {
	path       string
	generation uint64
	rule       *rule
	// server is set when the output is specific to one server.
	server  string
	servers []string
}

type processResult struct {
	job     processJob
	workDir string
	output  string
	err     error
}

type transportJob struct {
	job   transporter.Job
	front bool
}

// transportTag travels with a transporter.Job and comes back in its Result.
type transportTag struct {
	path       string
	generation uint64
	event      fsmonitor.Event
	rule       *rule
	server     string
	// obsolete marks the removal of a previously delivered output whose
	// name changed. pending is the record to store once it succeeds.
	obsolete bool
	pending  persist.SyncRecord
}

func (a *Arbitrator) logFor(item PipelineItem) *logrus.Entry {
	return a.log.WithFields(logrus.Fields{"path": item.Path, "event": item.Event})
}

// filter matches an admitted item against the rules of its sources and
// routes it to processing or delivery.
func (a *Arbitrator) filter(item PipelineItem) {
	a.generation++
	t := &tracked{
		item:       item,
		generation: a.generation,
		rules:      make(map[string]*rule),
		remaining:  make(map[string]map[string]bool),
		artifacts:  make(map[string]struct{}),
	}
	a.inflight[item.Path] = t
	log := a.logFor(item)

	deleted := item.Event == fsmonitor.Deleted
	if !deleted {
		if ok, err := afero.Exists(a.fs, item.Path); err == nil && !ok {
			a.drop(t, "vanished")
			return
		}
	}

	// A DELETED event for a file we scheduled for deletion is our own
	// deletion (or one that superseded it) and is not propagated by rules
	// that delete after sync.
	ownDeletion := deleted && a.stores.Scheduled.Has(item.Path)

	matched := false
	for _, src := range a.sourcesFor(item.Path) {
		for _, r := range src.rules {
			if r.filter != nil && !r.filter.Matches(item.Path, deleted) {
				continue
			}
			matched = true

			if _, deletes := r.cfg.DeletionDelay(); ownDeletion && deletes {
				log.WithField("rule", r.cfg.Label).Debug("Source deletion after sync observed; not propagated")
				continue
			}

			pending := make(map[string]bool, len(r.servers))
			for _, s := range r.servers {
				pending[s] = true
			}
			t.remaining[r.key] = pending
			t.rules[r.key] = r
		}
	}

	if ownDeletion {
		if err := a.stores.Scheduled.Remove(item.Path); err != nil && !errors.Is(err, persist.ErrNoSuchKey) {
			log.WithError(err).Error("Failed to unschedule deletion")
		}
	}

	if !matched {
		a.drop(t, "no rule matched")
		return
	}
	if len(t.remaining) == 0 {
		a.drop(t, "scheduled deletion")
		return
	}

	keys := make([]string, 0, len(t.rules))
	for k := range t.rules {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if err := a.route(t, t.rules[k]); err != nil {
			a.fail(t, err)
			return
		}
	}
	a.checkDrained(t)
}

// route creates the processing or delivery work of one matched rule.
func (a *Arbitrator) route(t *tracked, r *rule) error {
	p := t.item.Path
	scanPath := r.source.cfg.ScanPath

	switch {
	case t.item.Event == fsmonitor.Deleted:
		// Deletions skip processing. The name to delete is the one that
		// was actually delivered.
		for _, s := range r.servers {
			rec, ok, err := a.stores.Synced.Get(p, s)
			if err != nil {
				return err
			}
			if !ok {
				delete(t.remaining[r.key], s)
				continue
			}
			dir := filepath.Dir(relativeTo(scanPath, p))
			a.enqueueTransport(s, transporter.Job{
				Src:    p,
				Dst:    r.destination(s, filepath.Join(dir, rec.TransportedBasename)),
				Action: transporter.Delete,
				Tag:    a.tag(t, r, s),
			}, false)
		}

	case r.chain != nil:
		if r.chain.DifferentPerServer(p) {
			for _, s := range r.servers {
				a.processQueue = append(a.processQueue, processJob{
					path: p, generation: t.generation, rule: r, server: s, servers: []string{s},
				})
			}
		} else {
			a.processQueue = append(a.processQueue, processJob{
				path: p, generation: t.generation, rule: r, servers: r.servers,
			})
		}

	default:
		rel := relativeTo(scanPath, p)
		for _, s := range r.servers {
			a.enqueueTransport(s, transporter.Job{
				Src:    p,
				Dst:    r.destination(s, rel),
				Action: transporter.AddModify,
				Tag:    a.tag(t, r, s),
			}, false)
		}
	}
	return nil
}

func (a *Arbitrator) tag(t *tracked, r *rule, server string) *transportTag {
	return &transportTag{
		path:       t.item.Path,
		generation: t.generation,
		event:      t.item.Event,
		rule:       r,
		server:     server,
	}
}

// current returns the tracked item a piece of work belongs to, or nil if
// that admission has since failed or drained.
func (a *Arbitrator) current(p string, generation uint64) *tracked {
	t := a.inflight[p]
	if t == nil || t.generation != generation {
		return nil
	}
	return t
}

// launchProcesses starts queued processor chains while chain slots are free.
func (a *Arbitrator) launchProcesses() {
	for len(a.processQueue) > 0 {
		job := a.processQueue[0]
		if a.current(job.path, job.generation) == nil {
			a.processQueue = a.processQueue[1:]
			continue
		}
		if !a.chainSem.TryAcquire(1) {
			return
		}
		a.processQueue = a.processQueue[1:]

		src := job.rule.source.cfg
		in := processor.Input{
			File:         job.path,
			OriginalFile: job.path,
			SourceRoot:   src.ScanPath,
			DocumentRoot: src.DocumentRoot,
			BasePath:     src.BasePath,
			WorkingDir:   a.workingDir(job.rule, job.server),
			Server:       job.server,
			FS:           a.fs,
		}
		if job.server != "" {
			in.URLFor = a.urlLookup(job.server)
		}

		a.running++
		a.processes.Add(1)
		go a.runChain(job, in)
	}
}

func (a *Arbitrator) runChain(job processJob, in processor.Input) {
	defer a.processes.Done()
	defer a.chainSem.Release(1)

	res := processResult{job: job, workDir: in.WorkingDir}
	func() {
		defer func() {
			if r := recover(); r != nil {
				res.err = fmt.Errorf("processor chain panicked: %v", r)
			}
		}()
		res.output, res.err = job.rule.chain.Run(a.workCtx, in)
	}()
	a.processDone <- res
}

// urlLookup lets per-server processors find where other files of the same
// source were delivered. It only reads the synced files store.
func (a *Arbitrator) urlLookup(server string) func(string) (string, bool) {
	return func(p string) (string, bool) {
		rec, ok, err := a.stores.Synced.Get(p, server)
		if err != nil || !ok || rec.URL == "" {
			return "", false
		}
		return rec.URL, true
	}
}

func (a *Arbitrator) handleProcessResult(res processResult) {
	a.running--

	job := res.job
	t := a.current(job.path, job.generation)
	if t == nil {
		a.log.WithField("path", job.path).Debug("Ignoring processor result for superseded work")
		return
	}
	log := a.logFor(t.item).WithField("rule", job.rule.cfg.Label)

	if res.err != nil {
		if processor.IsRequeue(res.err) {
			log.WithError(res.err).Warn("Processor requested requeue")
		} else {
			log.WithError(res.err).Warn("Processing failed")
		}
		a.fail(t, res.err)
		return
	}

	rel := relativeTo(job.rule.source.cfg.ScanPath, job.path)
	if res.output != job.path {
		t.artifacts[res.output] = struct{}{}
		rel = relativeTo(res.workDir, res.output)
	}
	log.WithField("output", res.output).Debug("Processed")

	for _, s := range job.servers {
		a.enqueueTransport(s, transporter.Job{
			Src:    res.output,
			Dst:    job.rule.destination(s, rel),
			Action: transporter.AddModify,
			Tag:    a.tag(t, job.rule, s),
		}, false)
	}
}

func (a *Arbitrator) enqueueTransport(server string, job transporter.Job, front bool) {
	srv := a.servers[server]
	tj := transportJob{job: job, front: front}
	if front {
		srv.pending = append([]transportJob{tj}, srv.pending...)
		return
	}
	srv.pending = append(srv.pending, tj)
}

// dispatchTransports hands pending jobs to workers with spare backlog,
// starting new workers up to the server's connection limit and the global
// transporter limit.
func (a *Arbitrator) dispatchTransports() {
	for _, name := range a.serverNames() {
		srv := a.servers[name]
		for len(srv.pending) > 0 {
			tj := srv.pending[0]
			tag := tj.job.Tag.(*transportTag)
			t := a.current(tag.path, tag.generation)
			if t == nil {
				srv.pending = srv.pending[1:]
				continue
			}

			w, err := a.pickWorker(srv)
			if err != nil {
				a.logFor(t.item).WithField("server", name).WithError(err).Warn("Failed to start transporter")
				a.fail(t, err)
				continue
			}
			if w == nil || !w.Enqueue(tj.job, tj.front) {
				break
			}
			srv.pending = srv.pending[1:]
		}
	}
}

// pickWorker returns the worker with the smallest backlog that can take a
// job, or a new worker if none can. It returns nil when the server is
// saturated. An error is only returned when the server has no worker at
// all and a new one cannot be created.
func (a *Arbitrator) pickWorker(srv *server) (*transporter.Worker, error) {
	var best *transporter.Worker
	for _, w := range srv.workers {
		if !w.HasCapacity() {
			continue
		}
		if best == nil || w.Backlog() < best.Backlog() {
			best = w
		}
	}
	if best != nil {
		return best, nil
	}

	if len(srv.workers) >= srv.cfg.MaxConnections || !a.transportSem.TryAcquire(1) {
		return nil, nil
	}

	t, err := a.transporters.New(srv.cfg.Transporter, srv.cfg.Settings)
	if err == nil {
		var w *transporter.Worker
		w, err = transporter.NewWorker(transporter.WorkerConfig{
			Server:      srv.cfg.Name,
			Transporter: t,
			MaxQueued:   a.cfg.Settings.MaxQueuedPerWorker,
			Results:     a.transferDone,
			Clock:       a.clock,
			Logger:      a.log,
		})
		if err == nil {
			srv.workers = append(srv.workers, w)
			a.log.WithFields(logrus.Fields{
				"server":  srv.cfg.Name,
				"workers": len(srv.workers),
			}).Debug("Started transporter worker")
			return w, nil
		}
		t.Close()
	}

	a.transportSem.Release(1)
	if len(srv.workers) == 0 {
		return nil, err
	}
	return nil, nil
}

// reapIdleWorkers stops workers that have had nothing to do for a while.
func (a *Arbitrator) reapIdleWorkers() {
	timeout := a.cfg.Settings.WorkerIdleTimeout.Std()
	for _, name := range a.serverNames() {
		srv := a.servers[name]
		if len(srv.pending) > 0 {
			continue
		}
		kept := srv.workers[:0]
		for _, w := range srv.workers {
			if w.IdleFor() < timeout {
				kept = append(kept, w)
				continue
			}
			if err := w.Stop(); err != nil {
				a.log.WithField("server", name).WithError(err).Warn("Failed to stop idle worker")
			}
			a.transportSem.Release(1)
		}
		srv.workers = kept
	}
}

func (a *Arbitrator) handleTransportResult(res transporter.Result) {
	tag := res.Job.Tag.(*transportTag)
	t := a.current(tag.path, tag.generation)
	if t == nil {
		a.log.WithFields(logrus.Fields{"path": tag.path, "server": tag.server}).Debug("Ignoring transport result for superseded work")
		return
	}
	log := a.logFor(t.item).WithFields(logrus.Fields{"server": tag.server, "rule": tag.rule.cfg.Label})

	if res.Err != nil {
		log.WithError(res.Err).Warn("Transport failed")
		a.fail(t, res.Err)
		return
	}

	if err := a.record(t, tag, res, log); err != nil {
		log.WithError(err).Warn("Failed to record delivery")
		a.fail(t, err)
		return
	}
	a.checkDrained(t)
}

// record persists the outcome of a successful transport and marks the
// server done for the rule, unless an obsolete output must be removed
// first.
func (a *Arbitrator) record(t *tracked, tag *transportTag, res transporter.Result, log *logrus.Entry) error {
	synced := a.stores.Synced

	switch {
	case tag.obsolete:
		if err := synced.Upsert(tag.pending); err != nil {
			return err
		}
		log.WithField("dst", res.Job.Dst).Info("Removed previous output after rename")

	case res.Job.Action == transporter.Delete:
		if err := synced.Delete(tag.path, tag.server); err != nil {
			return err
		}
		log.WithField("dst", res.Job.Dst).Debug("Deleted")

	default:
		rec := persist.SyncRecord{
			InputFile:           tag.path,
			TransportedBasename: filepath.Base(res.Job.Src),
			URL:                 res.URL,
			Server:              tag.server,
		}
		old, ok, err := synced.Get(tag.path, tag.server)
		if err != nil {
			return err
		}
		if ok && old.TransportedBasename != rec.TransportedBasename {
			obsolete := *tag
			obsolete.obsolete = true
			obsolete.pending = rec
			a.enqueueTransport(tag.server, transporter.Job{
				Src:    tag.path,
				Dst:    path.Join(path.Dir(res.Job.Dst), old.TransportedBasename),
				Action: transporter.Delete,
				Tag:    &obsolete,
			}, true)
			log.WithField("previous", old.TransportedBasename).Debug("Output name changed; removing previous output")
			return nil
		}
		if err := synced.Upsert(rec); err != nil {
			return err
		}
		log.WithFields(logrus.Fields{"dst": res.Job.Dst, "url": res.URL}).Debug("Delivered")
	}

	delete(t.remaining[tag.rule.key], tag.server)
	return nil
}

// checkDrained drains t once every server of every matched rule is done.
func (a *Arbitrator) checkDrained(t *tracked) {
	if a.inflight[t.item.Path] != t {
		return
	}
	for _, servers := range t.remaining {
		if len(servers) > 0 {
			return
		}
	}
	a.drain(t)
}

// drain is the single point where a fully delivered item leaves the
// pipeline.
func (a *Arbitrator) drain(t *tracked) {
	a.removeArtifacts(t)
	if t.item.Event != fsmonitor.Deleted {
		a.applyDeletionPolicy(t)
	}
	a.evict(t)

	a.logFor(t.item).WithField("rules", len(t.rules)).Info("Drained")
	a.observer.OnDrained(t.item.Path, t.item.Event)
}

// fail moves the item to the failed set. Outstanding work for this
// admission is discarded when it completes.
func (a *Arbitrator) fail(t *tracked, cause error) {
	if a.inflight[t.item.Path] != t {
		return
	}
	a.removeArtifacts(t)
	a.observer.OnFailed(t.item.Path, t.item.Event, cause)

	err := a.stores.Failed.Add(t.item, FailedKey(t.item))
	if err != nil && !errors.Is(err, persist.ErrAlreadyExists) {
		// Still admitted, so recovery requeues it on the next start.
		delete(a.inflight, t.item.Path)
		a.logFor(t.item).WithError(err).Error("Failed to record failure; left admitted until restart")
		return
	}
	a.evict(t)
	a.logFor(t.item).WithError(cause).Error("Failed; will retry")
}

func (a *Arbitrator) drop(t *tracked, reason string) {
	a.evict(t)
	a.logFor(t.item).WithField("reason", reason).Debug("Dropped")
	a.observer.OnDropped(t.item.Path, t.item.Event, reason)
}

func (a *Arbitrator) evict(t *tracked) {
	delete(a.inflight, t.item.Path)
	if err := a.stores.Admitted.Remove(t.item.Path); err != nil && !errors.Is(err, persist.ErrNoSuchKey) {
		a.logFor(t.item).WithError(err).Error("Failed to evict from admitted set")
	}
}

// removeArtifacts deletes temporary processor outputs. The source file is
// never removed here.
func (a *Arbitrator) removeArtifacts(t *tracked) {
	for art := range t.artifacts {
		if art == t.item.Path {
			continue
		}
		if err := a.fs.Remove(art); err != nil && !os.IsNotExist(err) {
			a.logFor(t.item).WithField("artifact", art).WithError(err).Warn("Failed to remove processor output")
		}
	}
}

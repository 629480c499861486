package transporter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

// Job is one unit of delivery work.
type Job struct {
	Src    string
	Dst    string
	Action Action
	// Tag is opaque to the worker and returned with the Result.
	Tag any
}

// Result reports the outcome of one Job.
type Result struct {
	Server string
	Job    Job
	URL    string
	Err    error
}

// WorkerConfig configures a Worker.
type WorkerConfig struct {
	// Server is the destination name, copied into every Result.
	Server string
	// Transporter performs the actual I/O. The worker owns it and closes
	// it on Stop.
	Transporter Transporter
	// MaxQueued bounds the jobs waiting behind the running one.
	MaxQueued int
	// Results receives one Result per accepted Job.
	Results chan<- Result
	// Clock is used for idle tracking. Defaults to the real clock.
	Clock clockwork.Clock
	// Logger defaults to the standard logger.
	Logger *logrus.Logger
}

// Worker runs jobs for one destination, one at a time, on its own
// goroutine.
type Worker struct {
	cfg WorkerConfig

	mu        sync.Mutex
	queue     []Job
	busy      bool
	idleSince time.Time

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// NewWorker starts a worker.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if cfg.Transporter == nil {
		return nil, fmt.Errorf("transporter is required")
	}
	if cfg.Results == nil {
		return nil, fmt.Errorf("results channel is required")
	}
	if cfg.MaxQueued <= 0 {
		cfg.MaxQueued = 1
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		cfg:       cfg,
		idleSince: cfg.Clock.Now(),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}

	w.wg.Add(1)
	go w.run()
	return w, nil
}

// Enqueue adds a job to the back of the queue, or to the front when front
// is true. It returns false without queuing when the worker's backlog is
// full.
func (w *Worker) Enqueue(job Job, front bool) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.queue) >= w.cfg.MaxQueued {
		return false
	}
	if front {
		w.queue = append([]Job{job}, w.queue...)
	} else {
		w.queue = append(w.queue, job)
	}

	select {
	case w.wake <- struct{}{}:
	default:
	}
	return true
}

// Backlog returns the number of queued jobs plus the running one.
func (w *Worker) Backlog() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	n := len(w.queue)
	if w.busy {
		n++
	}
	return n
}

// HasCapacity reports whether Enqueue would accept a job.
func (w *Worker) HasCapacity() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue) < w.cfg.MaxQueued
}

// IdleFor returns how long the worker has had nothing to do, or zero if
// it is busy or has queued jobs.
func (w *Worker) IdleFor() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.busy || len(w.queue) > 0 {
		return 0
	}
	return w.cfg.Clock.Since(w.idleSince)
}

// Stop stops the worker after the running job (if any) completes, then
// closes the transporter. Queued jobs that never started produce no
// Result.
func (w *Worker) Stop() error {
	select {
	case <-w.done:
		return nil
	default:
	}
	close(w.done)
	w.wg.Wait()
	w.cancel()

	if err := w.cfg.Transporter.Close(); err != nil {
		return fmt.Errorf("failed to close transporter for %s: %w", w.cfg.Server, err)
	}
	return nil
}

// Abort cancels the running job's context and stops the worker.
func (w *Worker) Abort() error {
	w.cancel()
	return w.Stop()
}

func (w *Worker) run() {
	defer w.wg.Done()

	for {
		job, ok := w.next()
		if !ok {
			select {
			case <-w.done:
				return
			case <-w.wake:
				continue
			}
		}

		res := w.execute(job)

		// The worker stays busy until the result is handed off so it is
		// never reaped while holding one.
		select {
		case w.cfg.Results <- res:
		case <-w.done:
			return
		}

		w.mu.Lock()
		w.busy = false
		w.idleSince = w.cfg.Clock.Now()
		w.mu.Unlock()

		select {
		case <-w.done:
			return
		default:
		}
	}
}

func (w *Worker) next() (Job, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.queue) == 0 {
		return Job{}, false
	}
	job := w.queue[0]
	w.queue[0] = Job{}
	w.queue = w.queue[1:]
	w.busy = true
	return job, true
}

// execute runs one job. A panicking backend is reported as a failed job.
func (w *Worker) execute(job Job) (res Result) {
	res = Result{Server: w.cfg.Server, Job: job}
	defer func() {
		if r := recover(); r != nil {
			res.URL = ""
			res.Err = fmt.Errorf("transporter panicked: %v", r)
		}
	}()

	res.URL, res.Err = w.cfg.Transporter.Sync(w.ctx, job.Src, job.Dst, job.Action)
	if res.Err != nil {
		w.cfg.Logger.WithFields(logrus.Fields{
			"server": w.cfg.Server,
			"path":   job.Src,
			"action": job.Action,
		}).WithError(res.Err).Debug("Sync failed")
	}
	return res
}

package arbitrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/conveyor/internal/config"
	"github.com/steveyegge/conveyor/internal/filter"
	"github.com/steveyegge/conveyor/internal/fsmonitor"
	"github.com/steveyegge/conveyor/internal/persist"
	"github.com/steveyegge/conveyor/internal/processor"
	"github.com/steveyegge/conveyor/internal/transporter"
)

// fakeBackend stands in for every destination server. Files are kept per
// server in memory.
type fakeBackend struct {
	fs afero.Fs

	mu       sync.Mutex
	files    map[string]string
	calls    []string
	failures map[string]int
	gates    map[string]chan struct{}
}

func newFakeBackend(fs afero.Fs) *fakeBackend {
	return &fakeBackend{
		fs:       fs,
		files:    make(map[string]string),
		failures: make(map[string]int),
		gates:    make(map[string]chan struct{}),
	}
}

// block makes every sync to server wait until the returned func is called.
func (b *fakeBackend) block(server string) func() {
	gate := make(chan struct{})
	b.mu.Lock()
	b.gates[server] = gate
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.gates, server)
			b.mu.Unlock()
			close(gate)
		})
	}
}

func (b *fakeBackend) failNext(server string, n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[server] = n
}

func (b *fakeBackend) file(server, dst string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	content, ok := b.files[server+":"+dst]
	return content, ok
}

func (b *fakeBackend) callLog() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

type fakeTransporter struct {
	backend *fakeBackend
	server  string
}

func (f *fakeTransporter) Sync(ctx context.Context, src, dst string, action transporter.Action) (string, error) {
	b := f.backend
	b.mu.Lock()
	gate := b.gates[f.server]
	b.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.calls = append(b.calls, f.server+":"+action.String()+":"+dst)
	if n := b.failures[f.server]; n > 0 {
		b.failures[f.server] = n - 1
		return "", errors.New("connection reset")
	}

	key := f.server + ":" + dst
	if action == transporter.Delete {
		delete(b.files, key)
		return "", nil
	}
	data, err := afero.ReadFile(b.fs, src)
	if err != nil {
		return "", err
	}
	b.files[key] = string(data)
	return "https://" + f.server + ".example.com/" + dst, nil
}

func (f *fakeTransporter) Close() error { return nil }

// removeCountingFs counts the removals made through it.
type removeCountingFs struct {
	afero.Fs
	removed atomic.Int32
}

func (f *removeCountingFs) Remove(name string) error {
	f.removed.Add(1)
	return f.Fs.Remove(name)
}

type recordingObserver struct {
	mu      sync.Mutex
	drained []string
	dropped map[string]string
	failed  []string
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{dropped: make(map[string]string)}
}

func (o *recordingObserver) OnAdmitted(string, fsmonitor.Event) {}

func (o *recordingObserver) OnDropped(path string, _ fsmonitor.Event, reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.dropped[path] = reason
}

func (o *recordingObserver) OnFailed(path string, _ fsmonitor.Event, _ error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failed = append(o.failed, path)
}

func (o *recordingObserver) OnDrained(path string, _ fsmonitor.Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.drained = append(o.drained, path)
}

func (o *recordingObserver) OnStats(Stats) {}

func (o *recordingObserver) droppedReason(path string) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dropped[path]
}

func upperProcessor(_ context.Context, in processor.Input) (string, error) {
	data, err := afero.ReadFile(in.FS, in.File)
	if err != nil {
		return "", err
	}
	out := in.OutputPath(filepath.Base(in.File))
	if err := in.FS.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return "", err
	}
	return out, afero.WriteFile(in.FS, out, []byte(strings.ToUpper(string(data))), 0o644)
}

// renameProcessor names its output after the file's content, so a
// modification changes the delivered basename.
func renameProcessor(_ context.Context, in processor.Input) (string, error) {
	data, err := afero.ReadFile(in.FS, in.File)
	if err != nil {
		return "", err
	}
	ext := filepath.Ext(in.File)
	stem := strings.TrimSuffix(filepath.Base(in.File), ext)
	out := in.OutputPath(stem + "_" + strings.TrimSpace(string(data)) + ext)
	if err := in.FS.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return "", err
	}
	return out, afero.WriteFile(in.FS, out, data, 0o644)
}

func stampProcessor(_ context.Context, in processor.Input) (string, error) {
	data, err := afero.ReadFile(in.FS, in.File)
	if err != nil {
		return "", err
	}
	out := in.OutputPath(filepath.Base(in.File))
	if err := in.FS.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return "", err
	}
	return out, afero.WriteFile(in.FS, out, []byte(string(data)+"@"+in.Server), 0o644)
}

func testProcessors() *processor.Registry {
	r := processor.NewRegistry()
	r.Register(processor.Descriptor{
		Name: "test.Upper",
		New:  func() processor.Processor { return processor.ProcessorFunc(upperProcessor) },
	})
	r.Register(processor.Descriptor{
		Name: "test.Rename",
		New:  func() processor.Processor { return processor.ProcessorFunc(renameProcessor) },
	})
	r.Register(processor.Descriptor{
		Name:               "test.Stamp",
		DifferentPerServer: true,
		New:                func() processor.Processor { return processor.ProcessorFunc(stampProcessor) },
	})
	r.Register(processor.Descriptor{
		Name: "test.Fail",
		New: func() processor.Processor {
			return processor.ProcessorFunc(func(context.Context, processor.Input) (string, error) {
				return "", errors.New("corrupt input")
			})
		},
	})
	return r
}

type harness struct {
	t        *testing.T
	fs       *removeCountingFs
	clock    *clockwork.FakeClock
	db       *persist.DB
	cfg      *config.Config
	backend  *fakeBackend
	observer *recordingObserver
	a        *Arbitrator
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Settings.StateDir = "/state"
	cfg.Settings.WorkingDir = "/work"
	cfg.Settings.MaxInFlight = 10
	cfg.Settings.RetryInterval = config.Duration(40 * time.Second)
	cfg.Settings.Monitor = fsmonitor.BackendPolling
	cfg.Sources = []config.Source{{
		Name:     "site",
		ScanPath: "/src",
		Rules: []config.Rule{{
			Label:        "all",
			Destinations: map[string]string{"a": "/pub", "b": ""},
		}},
	}}
	cfg.Servers = []config.Server{
		{Name: "a", Transporter: "fake", MaxConnections: 2, Settings: map[string]string{"name": "a"}},
		{Name: "b", Transporter: "fake", MaxConnections: 2, Settings: map[string]string{"name": "b"}},
	}
	return cfg
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()

	db, err := persist.Open(filepath.Join(t.TempDir(), "conveyor.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}

	fs := &removeCountingFs{Fs: afero.NewMemMapFs()}
	require.NoError(t, fs.MkdirAll("/src", 0o755))

	h := &harness{
		t:        t,
		fs:       fs,
		clock:    clockwork.NewFakeClock(),
		db:       db,
		cfg:      cfg,
		backend:  newFakeBackend(fs),
		observer: newRecordingObserver(),
	}
	h.a = h.open()
	return h
}

// open builds an arbitrator over the harness state, as a restart would.
func (h *harness) open() *Arbitrator {
	h.t.Helper()

	transporters := transporter.NewRegistry()
	transporters.Register("fake", func(s map[string]string) (transporter.Transporter, error) {
		return &fakeTransporter{backend: h.backend, server: s["name"]}, nil
	})

	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(logrus.WarnLevel)

	a, err := New(Options{
		Config:       h.cfg,
		DB:           h.db,
		Processors:   testProcessors(),
		Transporters: transporters,
		FS:           h.fs,
		Clock:        h.clock,
		Logger:       logger,
		Observer:     h.observer,
	})
	require.NoError(h.t, err)

	h.t.Cleanup(func() {
		a.cancelWork()
		for _, srv := range a.servers {
			for _, w := range srv.workers {
				_ = w.Abort()
			}
		}
	})
	return a
}

func (h *harness) write(p, content string) {
	h.t.Helper()
	require.NoError(h.t, h.fs.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(h.t, afero.WriteFile(h.fs, p, []byte(content), 0o644))
}

func (h *harness) event(p string, ev fsmonitor.Event) {
	h.a.Discover("/src", p, ev, fsmonitor.ThroughScan)
}

// until steps the scheduler until cond holds.
func (h *harness) until(cond func() bool) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		h.a.step()
		return cond()
	}, 5*time.Second, 2*time.Millisecond)
}

func (h *harness) idle() bool {
	return len(h.a.inflight) == 0 && h.a.stores.Queue.Len() == 0 && h.a.stores.Admitted.Len() == 0
}

func (h *harness) record(p, server string) (persist.SyncRecord, bool) {
	h.t.Helper()
	rec, ok, err := h.a.stores.Synced.Get(p, server)
	require.NoError(h.t, err)
	return rec, ok
}

func TestDeliversToEveryServer(t *testing.T) {
	h := newHarness(t, nil)
	h.write("/src/css/site.css", "body{}")
	h.event("/src/css/site.css", fsmonitor.Created)

	h.until(h.idle)

	content, ok := h.backend.file("a", "pub/css/site.css")
	require.True(t, ok)
	assert.Equal(t, "body{}", content)
	content, ok = h.backend.file("b", "css/site.css")
	require.True(t, ok)
	assert.Equal(t, "body{}", content)

	rec, ok := h.record("/src/css/site.css", "a")
	require.True(t, ok)
	assert.Equal(t, "site.css", rec.TransportedBasename)
	assert.Equal(t, "https://a.example.com/pub/css/site.css", rec.URL)

	assert.Equal(t, []string{"/src/css/site.css"}, h.observer.drained)
	exists, err := afero.Exists(h.fs, "/src/css/site.css")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestDiscoverCoalescesQueuedEvents(t *testing.T) {
	h := newHarness(t, nil)

	h.event("/src/a.txt", fsmonitor.Created)
	h.event("/src/a.txt", fsmonitor.Modified)
	h.event("/src/b.txt", fsmonitor.Created)
	h.event("/src/b.txt", fsmonitor.Deleted)
	h.event("/src/c.txt", fsmonitor.Modified)
	h.event("/src/c.txt", fsmonitor.Deleted)
	h.a.discover()

	records, err := h.a.stores.Queue.Records(0)
	require.NoError(t, err)
	assert.Equal(t, []persist.Record[PipelineItem]{
		{Key: "/src/a.txt", Item: PipelineItem{Path: "/src/a.txt", Event: fsmonitor.Created}},
		{Key: "/src/c.txt", Item: PipelineItem{Path: "/src/c.txt", Event: fsmonitor.Deleted}},
	}, records)
	assert.Equal(t, "cancelled", h.observer.droppedReason("/src/b.txt"))
}

func TestDiscoverKeepsEventsItCouldNotQueue(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.db.RawDB().Exec(`DROP TABLE ` + pipelineQueueTable)
	require.NoError(t, err)

	h.event("/src/a.txt", fsmonitor.Created)
	h.event("/src/b.txt", fsmonitor.Created)
	h.a.discover()
	assert.Len(t, h.a.discovered, 2)

	_, err = persist.NewQueue[PipelineItem](h.db, pipelineQueueTable, 0)
	require.NoError(t, err)
	h.event("/src/c.txt", fsmonitor.Created)
	h.a.discover()

	assert.Empty(t, h.a.discovered)
	records, err := h.a.stores.Queue.Records(0)
	require.NoError(t, err)
	var paths []string
	for _, r := range records {
		paths = append(paths, r.Key)
	}
	assert.Equal(t, []string{"/src/a.txt", "/src/b.txt", "/src/c.txt"}, paths)
}

func TestDiscoverIgnoresNonFileEvents(t *testing.T) {
	h := newHarness(t, nil)

	h.a.Discover("/src", "/src", fsmonitor.MonitoredDirMoved, fsmonitor.ThroughScan)
	h.a.Discover("/src", "/src", fsmonitor.DroppedEvents, fsmonitor.ThroughNative)
	h.a.discover()

	assert.Equal(t, 0, h.a.stores.Queue.Len())
}

func TestDrainWaitsForEveryServer(t *testing.T) {
	h := newHarness(t, nil)
	release := h.backend.block("b")
	defer release()

	h.write("/src/index.html", "<html>")
	h.event("/src/index.html", fsmonitor.Created)

	h.until(func() bool {
		_, ok := h.record("/src/index.html", "a")
		return ok
	})
	assert.True(t, h.a.stores.Admitted.Has("/src/index.html"))
	_, ok := h.record("/src/index.html", "b")
	assert.False(t, ok)
	assert.Empty(t, h.observer.drained)

	release()
	h.until(h.idle)

	_, ok = h.record("/src/index.html", "b")
	assert.True(t, ok)
	assert.Equal(t, []string{"/src/index.html"}, h.observer.drained)
}

func TestAdmissionIsBounded(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Settings.MaxInFlight = 2
	})
	releaseA := h.backend.block("a")
	releaseB := h.backend.block("b")
	defer releaseA()
	defer releaseB()

	for _, name := range []string{"1", "2", "3", "4", "5"} {
		p := "/src/" + name + ".txt"
		h.write(p, name)
		h.event(p, fsmonitor.Created)
	}

	for i := 0; i < 5; i++ {
		h.a.step()
		assert.LessOrEqual(t, h.a.stores.Admitted.Len(), 2)
	}
	assert.Equal(t, 2, h.a.stores.Admitted.Len())
	assert.Equal(t, 3, h.a.stores.Queue.Len())

	releaseA()
	releaseB()
	h.until(h.idle)

	counts, err := h.a.stores.Synced.CountByServer()
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"a": 5, "b": 5}, counts)
}

func TestBusyPathDoesNotHoldBackOtherPaths(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Sources[0].Rules = []config.Rule{
			{Label: "text", Filter: &filter.Conditions{Extensions: "txt"}, Destinations: map[string]string{"b": ""}},
			{Label: "styles", Filter: &filter.Conditions{Extensions: "css"}, Destinations: map[string]string{"a": ""}},
		}
	})
	release := h.backend.block("b")
	defer release()

	h.write("/src/big.txt", "v1")
	h.event("/src/big.txt", fsmonitor.Created)
	h.until(func() bool { return h.a.stores.Admitted.Has("/src/big.txt") })

	h.write("/src/big.txt", "v2")
	h.event("/src/big.txt", fsmonitor.Modified)
	h.write("/src/site.css", "body{}")
	h.event("/src/site.css", fsmonitor.Created)

	h.until(func() bool {
		_, ok := h.record("/src/site.css", "a")
		return ok
	})
	assert.Equal(t, []string{"/src/site.css"}, h.observer.drained)

	// The newer event for the busy path waits for the current one.
	assert.True(t, h.a.stores.Admitted.Has("/src/big.txt"))
	records, err := h.a.stores.Queue.Records(0)
	require.NoError(t, err)
	assert.Equal(t, []persist.Record[PipelineItem]{
		{Key: "/src/big.txt", Item: PipelineItem{Path: "/src/big.txt", Event: fsmonitor.Modified}},
	}, records)

	release()
	h.until(h.idle)

	content, ok := h.backend.file("b", "big.txt")
	require.True(t, ok)
	assert.Equal(t, "v2", content)
	assert.Equal(t, []string{"/src/site.css", "/src/big.txt", "/src/big.txt"}, h.observer.drained)
}

func TestOutcomesLogAtDistinctLevels(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Sources[0].Rules[0].Filter = &filter.Conditions{Extensions: "txt"}
	})
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.TraceLevel)
	h.a.log = logger

	h.backend.failNext("a", 1)
	h.write("/src/ok.txt", "x")
	h.event("/src/ok.txt", fsmonitor.Created)
	h.write("/src/skip.css", "x")
	h.event("/src/skip.css", fsmonitor.Created)
	h.until(func() bool { return h.idle() && h.a.stores.Failed.Len() == 1 })

	h.clock.Advance(40 * time.Second)
	h.until(func() bool { return h.idle() && h.a.stores.Failed.Len() == 0 })

	levels := make(map[string]logrus.Level)
	for _, e := range hook.AllEntries() {
		levels[e.Message] = e.Level
	}
	assert.Equal(t, logrus.TraceLevel, levels["Admitted"])
	assert.Equal(t, logrus.DebugLevel, levels["Dropped"])
	assert.Equal(t, logrus.InfoLevel, levels["Drained"])
	assert.Equal(t, logrus.WarnLevel, levels["Retrying failed items"])
	assert.Equal(t, logrus.ErrorLevel, levels["Failed; will retry"])
}

func TestFailedItemIsRetried(t *testing.T) {
	h := newHarness(t, nil)
	h.backend.failNext("b", 1)

	h.write("/src/app.js", "x()")
	h.event("/src/app.js", fsmonitor.Created)

	h.until(func() bool { return h.a.stores.Failed.Len() == 1 })
	assert.False(t, h.a.stores.Admitted.Has("/src/app.js"))
	assert.Equal(t, []string{"/src/app.js"}, h.observer.failed)

	h.clock.Advance(40 * time.Second)
	h.until(func() bool { return h.idle() && h.a.stores.Failed.Len() == 0 })

	content, ok := h.backend.file("b", "app.js")
	require.True(t, ok)
	assert.Equal(t, "x()", content)

	// Redelivering to a server that already had the file leaves a single
	// record per server.
	counts, err := h.a.stores.Synced.CountByServer()
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"a": 1, "b": 1}, counts)
}

func TestRetryRunsEarlyWhenQueueIsShort(t *testing.T) {
	h := newHarness(t, nil)
	item := PipelineItem{Path: "/src/late.txt", Event: fsmonitor.Created}
	require.NoError(t, h.a.stores.Failed.Add(item, FailedKey(item)))

	h.a.retryFailed()
	assert.Equal(t, 1, h.a.stores.Failed.Len())

	h.clock.Advance(10 * time.Second)
	h.a.retryFailed()
	assert.Equal(t, 0, h.a.stores.Failed.Len())
	assert.Equal(t, 1, h.a.stores.Queue.Len())
}

func TestProcessorFailureMovesItemToFailed(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Sources[0].Rules[0].ProcessorChain = []string{"test.Fail"}
	})
	h.write("/src/broken.txt", "?")
	h.event("/src/broken.txt", fsmonitor.Created)

	h.until(func() bool { return h.a.stores.Failed.Len() == 1 })
	assert.Empty(t, h.backend.callLog())
	assert.Equal(t, 0, h.a.stores.Admitted.Len())
}

func TestUnrecordedFailureStaysAdmittedForRecovery(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Sources[0].Rules[0].ProcessorChain = []string{"test.Fail"}
	})
	_, err := h.db.RawDB().Exec(`DROP TABLE ` + failedFilesTable)
	require.NoError(t, err)

	h.write("/src/broken.txt", "?")
	h.event("/src/broken.txt", fsmonitor.Created)

	h.until(func() bool { return len(h.a.inflight) == 0 && h.a.stores.Queue.Len() == 0 })
	assert.Equal(t, []string{"/src/broken.txt"}, h.observer.failed)
	assert.Equal(t, 0, h.a.stores.Failed.Len())
	assert.True(t, h.a.stores.Admitted.Has("/src/broken.txt"))

	a := h.open()
	require.NoError(t, a.recover())
	records, err := a.stores.Queue.Records(0)
	require.NoError(t, err)
	assert.Equal(t, []persist.Record[PipelineItem]{
		{Key: "/src/broken.txt", Item: PipelineItem{Path: "/src/broken.txt", Event: fsmonitor.Created}},
	}, records)
}

func TestProcessedOutputIsDeliveredAndCleanedUp(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Sources[0].Rules[0].ProcessorChain = []string{"test.Upper"}
	})
	h.write("/src/docs/readme.txt", "hello")
	h.event("/src/docs/readme.txt", fsmonitor.Created)

	h.until(h.idle)

	content, ok := h.backend.file("a", "pub/docs/readme.txt")
	require.True(t, ok)
	assert.Equal(t, "HELLO", content)

	var leftovers []string
	_ = afero.Walk(h.fs, "/work", func(p string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			leftovers = append(leftovers, p)
		}
		return nil
	})
	assert.Empty(t, leftovers)

	source, err := afero.ReadFile(h.fs, "/src/docs/readme.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(source))
}

func TestPerServerOutputs(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Sources[0].Rules[0].ProcessorChain = []string{"test.Stamp"}
	})
	h.write("/src/page.html", "v1")
	h.event("/src/page.html", fsmonitor.Created)

	h.until(h.idle)

	content, _ := h.backend.file("a", "pub/page.html")
	assert.Equal(t, "v1@a", content)
	content, _ = h.backend.file("b", "page.html")
	assert.Equal(t, "v1@b", content)
}

func TestRenamedOutputReplacesPrevious(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Sources[0].Rules[0].ProcessorChain = []string{"test.Rename"}
		cfg.Sources[0].Rules[0].Destinations = map[string]string{"a": ""}
	})

	h.write("/src/logo.txt", "v1")
	h.event("/src/logo.txt", fsmonitor.Created)
	h.until(h.idle)
	_, ok := h.backend.file("a", "logo_v1.txt")
	require.True(t, ok)

	h.write("/src/logo.txt", "v2")
	h.event("/src/logo.txt", fsmonitor.Modified)
	h.until(h.idle)

	_, ok = h.backend.file("a", "logo_v2.txt")
	assert.True(t, ok)
	_, ok = h.backend.file("a", "logo_v1.txt")
	assert.False(t, ok)
	assert.Contains(t, h.backend.callLog(), "a:delete:logo_v1.txt")

	rec, ok := h.record("/src/logo.txt", "a")
	require.True(t, ok)
	assert.Equal(t, "logo_v2.txt", rec.TransportedBasename)

	// Deleting the source removes the name that was actually delivered.
	require.NoError(t, h.fs.Remove("/src/logo.txt"))
	h.event("/src/logo.txt", fsmonitor.Deleted)
	h.until(h.idle)

	assert.Contains(t, h.backend.callLog(), "a:delete:logo_v2.txt")
	_, ok = h.record("/src/logo.txt", "a")
	assert.False(t, ok)
}

func TestDeletionWithoutRecordSkipsTransport(t *testing.T) {
	h := newHarness(t, nil)
	h.event("/src/never-synced.txt", fsmonitor.Deleted)

	h.until(h.idle)
	assert.Empty(t, h.backend.callLog())
	assert.Equal(t, []string{"/src/never-synced.txt"}, h.observer.drained)
}

func TestUnmatchedAndVanishedFilesAreDropped(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Sources[0].Rules[0].Filter = &filter.Conditions{Extensions: "css"}
	})
	h.write("/src/notes.txt", "n")
	h.event("/src/notes.txt", fsmonitor.Created)
	h.event("/src/ghost.css", fsmonitor.Created)

	h.until(h.idle)

	assert.Equal(t, "no rule matched", h.observer.droppedReason("/src/notes.txt"))
	assert.Equal(t, "vanished", h.observer.droppedReason("/src/ghost.css"))
	assert.Empty(t, h.backend.callLog())
}

func TestImmediateSourceDeletion(t *testing.T) {
	zero := 0
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Sources[0].Rules[0].FileDeletionDelayAfterSync = &zero
	})
	h.write("/src/upload.bin", "data")
	h.event("/src/upload.bin", fsmonitor.Created)

	h.until(h.idle)

	exists, err := afero.Exists(h.fs, "/src/upload.bin")
	require.NoError(t, err)
	assert.False(t, exists)

	entry, err := h.a.stores.Scheduled.Get("/src/upload.bin")
	require.NoError(t, err)
	assert.True(t, entry.Fired)

	// The DELETED event caused by our own deletion is not propagated.
	h.event("/src/upload.bin", fsmonitor.Deleted)
	h.until(h.idle)

	for _, call := range h.backend.callLog() {
		assert.NotContains(t, call, ":delete:")
	}
	assert.Equal(t, 0, h.a.stores.Scheduled.Len())
	_, ok := h.record("/src/upload.bin", "a")
	assert.True(t, ok)
}

func TestDelayedSourceDeletion(t *testing.T) {
	delay := 60
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Sources[0].Rules[0].FileDeletionDelayAfterSync = &delay
	})
	h.write("/src/report.pdf", "pdf")
	h.event("/src/report.pdf", fsmonitor.Created)

	h.until(h.idle)
	h.clock.Advance(30 * time.Second)
	h.a.step()

	exists, _ := afero.Exists(h.fs, "/src/report.pdf")
	assert.True(t, exists)

	h.clock.Advance(31 * time.Second)
	h.until(func() bool {
		exists, _ := afero.Exists(h.fs, "/src/report.pdf")
		return !exists
	})

	entry, err := h.a.stores.Scheduled.Get("/src/report.pdf")
	require.NoError(t, err)
	assert.True(t, entry.Fired)
}

func TestExternalDeletionCancelsScheduledDeletion(t *testing.T) {
	delay := 5
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Sources[0].Rules[0].FileDeletionDelayAfterSync = &delay
	})
	h.write("/src/photo.png", "png")
	h.event("/src/photo.png", fsmonitor.Created)
	h.until(h.idle)

	entry, err := h.a.stores.Scheduled.Get("/src/photo.png")
	require.NoError(t, err)
	assert.Equal(t, h.clock.Now().Add(5*time.Second).Unix(), entry.Due)
	assert.False(t, entry.Fired)

	h.clock.Advance(2 * time.Second)
	require.NoError(t, h.fs.Fs.Remove("/src/photo.png"))
	h.event("/src/photo.png", fsmonitor.Deleted)
	h.until(h.idle)

	assert.Equal(t, 0, h.a.stores.Scheduled.Len())
	assert.Equal(t, "scheduled deletion", h.observer.droppedReason("/src/photo.png"))

	for i := 0; i < 5; i++ {
		h.clock.Advance(time.Second)
		h.a.step()
	}

	assert.Equal(t, int32(0), h.fs.removed.Load())
	for _, call := range h.backend.callLog() {
		assert.NotContains(t, call, ":delete:")
	}
	_, ok := h.record("/src/photo.png", "a")
	assert.True(t, ok)
}

func TestRecoverRequeuesInterruptedItems(t *testing.T) {
	h := newHarness(t, nil)
	stores := h.a.stores

	p1 := PipelineItem{Path: "/src/p1", Event: fsmonitor.Created}
	p2 := PipelineItem{Path: "/src/p2", Event: fsmonitor.Modified}
	p3 := PipelineItem{Path: "/src/p3", Event: fsmonitor.Created}
	y := PipelineItem{Path: "/src/y", Event: fsmonitor.Created}

	// p1 and p2 were being worked on. p2 was deleted meanwhile, and p3
	// was interrupted between admission and dequeue.
	require.NoError(t, stores.Admitted.Add(p1, p1.Path))
	require.NoError(t, stores.Admitted.Add(p2, p2.Path))
	require.NoError(t, stores.Admitted.Add(p3, p3.Path))
	require.NoError(t, stores.Queue.Put(p3, p3.Path))
	require.NoError(t, stores.Queue.Put(y, y.Path))
	require.NoError(t, stores.Queue.Put(PipelineItem{Path: p2.Path, Event: fsmonitor.Deleted}, p2.Path))

	a := h.open()
	require.NoError(t, a.recover())

	want := []persist.Record[PipelineItem]{
		{Key: p1.Path, Item: p1},
		{Key: p3.Path, Item: p3},
		{Key: y.Path, Item: y},
		{Key: p2.Path, Item: PipelineItem{Path: p2.Path, Event: fsmonitor.Deleted}},
	}
	records, err := a.stores.Queue.Records(0)
	require.NoError(t, err)
	assert.Equal(t, want, records)
	assert.Equal(t, 0, a.stores.Admitted.Len())

	// Running it again changes nothing.
	require.NoError(t, a.recover())
	records, err = a.stores.Queue.Records(0)
	require.NoError(t, err)
	assert.Equal(t, want, records)
}

func TestRecoverTurnsCancelledCreationIntoDeletion(t *testing.T) {
	h := newHarness(t, nil)
	item := PipelineItem{Path: "/src/tmp.txt", Event: fsmonitor.Created}
	require.NoError(t, h.a.stores.Admitted.Add(item, item.Path))
	require.NoError(t, h.a.stores.Queue.Put(PipelineItem{Path: item.Path, Event: fsmonitor.Deleted}, item.Path))

	require.NoError(t, h.a.recover())

	queued, err := h.a.stores.Queue.GetByKey(item.Path)
	require.NoError(t, err)
	assert.Equal(t, fsmonitor.Deleted, queued.Event)
}

func TestRestartResumesDelivery(t *testing.T) {
	h := newHarness(t, nil)
	release := h.backend.block("b")

	h.write("/src/big.iso", "iso")
	h.event("/src/big.iso", fsmonitor.Created)
	h.until(func() bool {
		_, ok := h.record("/src/big.iso", "a")
		return ok
	})

	// Crash: the first arbitrator is abandoned with the item admitted.
	release()
	h.a.cancelWork()
	h.a = h.open()
	require.NoError(t, h.a.recover())

	h.until(h.idle)
	_, ok := h.record("/src/big.iso", "b")
	assert.True(t, ok)
	counts, err := h.a.stores.Synced.CountByServer()
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"a": 1, "b": 1}, counts)
}

func TestNewRejectsUnknownNames(t *testing.T) {
	db, err := persist.Open(filepath.Join(t.TempDir(), "conveyor.db"))
	require.NoError(t, err)
	defer db.Close()

	cfg := testConfig()
	_, err = New(Options{Config: cfg, DB: db, Processors: testProcessors(), Transporters: transporter.NewRegistry()})
	require.ErrorIs(t, err, transporter.ErrUnknownTransporter)

	transporters := transporter.NewRegistry()
	transporters.Register("fake", func(map[string]string) (transporter.Transporter, error) {
		return &fakeTransporter{}, nil
	})
	cfg.Sources[0].Rules[0].ProcessorChain = []string{"test.Missing"}
	_, err = New(Options{Config: cfg, DB: db, Processors: testProcessors(), Transporters: transporters})
	require.ErrorIs(t, err, processor.ErrUnknownProcessor)
}

func TestRunSyncsNewFilesUntilCancelled(t *testing.T) {
	db, err := persist.Open(filepath.Join(t.TempDir(), "conveyor.db"))
	require.NoError(t, err)
	defer db.Close()

	fs := &removeCountingFs{Fs: afero.NewMemMapFs()}
	require.NoError(t, fs.MkdirAll("/src", 0o755))
	backend := newFakeBackend(fs)
	transporters := transporter.NewRegistry()
	transporters.Register("fake", func(s map[string]string) (transporter.Transporter, error) {
		return &fakeTransporter{backend: backend, server: s["name"]}, nil
	})

	cfg := testConfig()
	cfg.Settings.TickInterval = config.Duration(5 * time.Millisecond)
	cfg.Settings.ScanInterval = config.Duration(20 * time.Millisecond)
	cfg.Settings.StopTimeout = config.Duration(2 * time.Second)

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	observer := newRecordingObserver()

	a, err := New(Options{
		Config:       cfg,
		DB:           db,
		Processors:   testProcessors(),
		Transporters: transporters,
		FS:           fs,
		Logger:       logger,
		Observer:     observer,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	// The initial scan only records what exists; give it a moment so the
	// new file is seen as a change.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, afero.WriteFile(fs, "/src/live.txt", []byte("live"), 0o644))

	require.Eventually(t, func() bool {
		_, okA := backend.file("a", "pub/live.txt")
		_, okB := backend.file("b", "live.txt")
		return okA && okB
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	assert.Equal(t, 0, a.Stores().Admitted.Len())
	assert.Equal(t, []string{"/src/live.txt"}, observer.drained)
}

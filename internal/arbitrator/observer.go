package arbitrator

import "github.com/steveyegge/conveyor/internal/fsmonitor"

// Stats is a point-in-time view of the pipeline.
type Stats struct {
	Queued    int            `json:"queued"`
	Admitted  int            `json:"admitted"`
	Failed    int            `json:"failed"`
	Scheduled int            `json:"scheduled"`
	Processes int            `json:"processes"`
	Workers   map[string]int `json:"workers"`
	Pending   map[string]int `json:"pending"`
}

// Observer is notified of pipeline activity. Methods are called from the
// scheduler goroutine and must not block.
type Observer interface {
	OnAdmitted(path string, event fsmonitor.Event)
	OnDropped(path string, event fsmonitor.Event, reason string)
	OnFailed(path string, event fsmonitor.Event, err error)
	OnDrained(path string, event fsmonitor.Event)
	OnStats(stats Stats)
}

type nopObserver struct{}

func (nopObserver) OnAdmitted(string, fsmonitor.Event)        {}
func (nopObserver) OnDropped(string, fsmonitor.Event, string) {}
func (nopObserver) OnFailed(string, fsmonitor.Event, error)   {}
func (nopObserver) OnDrained(string, fsmonitor.Event)         {}
func (nopObserver) OnStats(Stats)                             {}

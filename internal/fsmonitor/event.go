package fsmonitor

import "strings"

// Event is a file system event. Values are bit flags so that a set of
// events doubles as a subscription mask.
type Event int

const (
	// Created indicates a new file appeared.
	Created Event = 1
	// Modified indicates an existing file changed.
	Modified Event = 2
	// Deleted indicates a file disappeared.
	Deleted Event = 4
	// MonitoredDirMoved indicates the monitored root itself was moved or removed.
	MonitoredDirMoved Event = 8
	// DroppedEvents indicates the native backend lost events.
	DroppedEvents Event = 16
)

// AllEvents subscribes to every event.
const AllEvents = Created | Modified | Deleted | MonitoredDirMoved | DroppedEvents

// String returns a human-readable representation of the event or mask.
func (e Event) String() string {
	names := []struct {
		ev   Event
		name string
	}{
		{Created, "created"},
		{Modified, "modified"},
		{Deleted, "deleted"},
		{MonitoredDirMoved, "monitored_dir_moved"},
		{DroppedEvents, "dropped_events"},
	}

	var parts []string
	for _, n := range names {
		if e&n.ev != 0 {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "unknown"
	}
	return strings.Join(parts, "|")
}

// Has reports whether mask contains ev.
func (e Event) Has(ev Event) bool {
	return e&ev == ev
}

// Merge coalesces an old queued event with a newer one for the same path.
//
//	old \ new   created    modified   deleted
//	created     created    created    (cancel)
//	modified    modified   modified   deleted
//	deleted     modified   modified   deleted
//
// The boolean is false when the two events cancel out and the queued item
// must be dropped. Any other combination (e.g. a non-file event) yields the
// newer event unchanged.
func Merge(older, newer Event) (Event, bool) {
	switch older {
	case Created:
		switch newer {
		case Created, Modified:
			return Created, true
		case Deleted:
			return 0, false
		}
	case Modified:
		switch newer {
		case Created, Modified:
			return Modified, true
		case Deleted:
			return Deleted, true
		}
	case Deleted:
		switch newer {
		case Created, Modified:
			return Modified, true
		case Deleted:
			return Deleted, true
		}
	}
	return newer, true
}

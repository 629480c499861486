package dashboard

import (
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/steveyegge/conveyor/internal/arbitrator"
	"github.com/steveyegge/conveyor/internal/fsmonitor"
)

// Handler turns pipeline notifications into dashboard messages.
// It implements arbitrator.Observer.
type Handler struct {
	server *Server
	logger *logrus.Logger
}

var _ arbitrator.Observer = (*Handler)(nil)

// NewHandler creates a new event handler connected to a dashboard server
func NewHandler(server *Server, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handler{server: server, logger: logger}
}

// OnAdmitted handles admission of an item into the pipeline
func (h *Handler) OnAdmitted(path string, event fsmonitor.Event) {
	h.item(path, event, "admitted", "")
}

// OnDropped handles items that left the pipeline without being synced
func (h *Handler) OnDropped(path string, event fsmonitor.Event, reason string) {
	h.item(path, event, "dropped", reason)
}

// OnFailed handles items moved to the failed set
func (h *Handler) OnFailed(path string, event fsmonitor.Event, err error) {
	reason := ""
	if err != nil {
		reason = err.Error()
	}
	h.item(path, event, "failed", reason)
}

// OnDrained handles items synced to every destination
func (h *Handler) OnDrained(path string, event fsmonitor.Event) {
	h.item(path, event, "drained", "")
}

// OnStats broadcasts pipeline statistics
func (h *Handler) OnStats(stats arbitrator.Stats) {
	h.send(MessageTypeStats, stats)
}

func (h *Handler) item(path string, event fsmonitor.Event, action, reason string) {
	h.send(MessageTypeItem, ItemData{
		Path:   path,
		Event:  event.String(),
		Action: action,
		Reason: reason,
	})
}

func (h *Handler) send(typ MessageType, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		h.logger.WithError(err).Warn("Failed to marshal dashboard data")
		return
	}
	h.server.Broadcast(Message{
		Type:      typ,
		Timestamp: time.Now(),
		Data:      dataJSON,
	})
}

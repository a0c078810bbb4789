package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/irgordon/proxyctl/api/internal/core/domain"
	"github.com/irgordon/proxyctl/api/internal/telemetry"
)

// keepAlivePeriod keeps idle proxies from closing the stream.
const keepAlivePeriod = 25 * time.Second

// EventSource is the subscription side of the telemetry hub.
type EventSource interface {
	Subscribe(topic string) chan domain.Event
	Unsubscribe(topic string, ch chan domain.Event)
}

// EventsHandler streams registry and engine change notifications.
type EventsHandler struct {
	Service domain.ControlService
	Events  EventSource
	Logger  *slog.Logger
}

func NewEventsHandler(service domain.ControlService, events EventSource, logger *slog.Logger) *EventsHandler {
	return &EventsHandler{
		Service: service,
		Events:  events,
		Logger:  logger,
	}
}

// snapshot describes the current state as an event, sent first on every
// stream so clients never start from an unknown state.
func (h *EventsHandler) snapshot() domain.Event {
	st := h.Service.Ping()
	return domain.Event{
		Type:      domain.EventSnapshot,
		ActiveID:  st.ActiveID,
		Running:   st.Running,
		LastError: st.LastError,
		At:        st.Timestamp,
	}
}

// Stream handles GET /api/v1/events as Server-Sent Events.
func (h *EventsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)

	// 🛡️ Subscribe before the snapshot so no change between the two is lost.
	ch := h.Events.Subscribe(telemetry.TopicAll)
	defer h.Events.Unsubscribe(telemetry.TopicAll, ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := writeSSE(w, h.snapshot()); err != nil {
		return
	}
	if err := rc.Flush(); err != nil {
		h.Logger.Warn("SSE flushing unsupported", "error", err)
		return
	}

	h.Logger.Info("SSE client connected", "remote", r.RemoteAddr)
	defer h.Logger.Info("SSE client disconnected", "remote", r.RemoteAddr)

	ticker := time.NewTicker(keepAlivePeriod)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := writeSSE(w, ev); err != nil {
				h.Logger.Warn("Failed to write to SSE client", "error", err)
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

func writeSSE(w http.ResponseWriter, ev domain.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}

package worker

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/irgordon/proxyctl/api/internal/core/domain"
	"github.com/irgordon/proxyctl/api/internal/telemetry"
)

// StatusSource is the read side of the control service.
type StatusSource interface {
	Configs() []domain.RecordView
	Ping() domain.PingStatus
}

// EventSource is the subscription side of the telemetry hub.
type EventSource interface {
	Subscribe(topic string) chan domain.Event
	Unsubscribe(topic string, ch chan domain.Event)
}

// MenuItem is one entry of the config menu.
type MenuItem struct {
	ID      string `json:"id"`
	Label   string `json:"label"`
	Checked bool   `json:"checked"`
}

// StatusSnapshot is what a tray icon would render.
type StatusSnapshot struct {
	Title     string     `json:"title"`
	Running   bool       `json:"running"`
	Menu      []MenuItem `json:"menu"`
	Ports     string     `json:"ports"`
	LastError string     `json:"lastError,omitempty"`
}

func (s StatusSnapshot) equal(o StatusSnapshot) bool {
	return s.Title == o.Title &&
		s.Running == o.Running &&
		s.Ports == o.Ports &&
		s.LastError == o.LastError &&
		slices.Equal(s.Menu, o.Menu)
}

// StatusIndicator passively observes hub events and keeps a tray-style
// snapshot of the daemon. It never mutates anything and never polls: an engine
// crash shows up with the next change notification.
type StatusIndicator struct {
	source  StatusSource
	events  EventSource
	apiPort int
	logger  *slog.Logger

	mu       sync.RWMutex
	snapshot StatusSnapshot
}

func NewStatusIndicator(source StatusSource, events EventSource, apiPort int, logger *slog.Logger) *StatusIndicator {
	return &StatusIndicator{
		source:  source,
		events:  events,
		apiPort: apiPort,
		logger:  logger.With("component", "status"),
	}
}

// Start blocks until ctx is cancelled, refreshing on every event.
func (s *StatusIndicator) Start(ctx context.Context) {
	ch := s.events.Subscribe(telemetry.TopicAll)
	defer s.events.Unsubscribe(telemetry.TopicAll, ch)

	s.Refresh()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Status indicator stopped")
			return
		case _, ok := <-ch:
			if !ok {
				return
			}
			s.Refresh()
		}
	}
}

// Refresh rebuilds the snapshot and logs it when it changed.
func (s *StatusIndicator) Refresh() {
	next := s.build()

	s.mu.Lock()
	changed := !next.equal(s.snapshot)
	s.snapshot = next
	s.mu.Unlock()

	if !changed {
		return
	}
	active := ""
	for _, item := range next.Menu {
		if item.Checked {
			active = item.Label
		}
	}
	s.logger.Info("Status changed",
		"title", next.Title,
		"active", active,
		"configs", len(next.Menu),
		"ports", next.Ports,
		"last_error", next.LastError,
	)
}

// Snapshot returns a copy of the current status.
func (s *StatusIndicator) Snapshot() StatusSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := s.snapshot
	out.Menu = slices.Clone(s.snapshot.Menu)
	return out
}

func (s *StatusIndicator) build() StatusSnapshot {
	st := s.source.Ping()
	configs := s.source.Configs()

	snap := StatusSnapshot{
		Title:     "Inactive",
		Running:   st.Running,
		Menu:      make([]MenuItem, 0, len(configs)),
		LastError: st.LastError,
	}
	if st.Running {
		snap.Title = "Active"
	}
	for _, c := range configs {
		snap.Menu = append(snap.Menu, MenuItem{ID: c.ID, Label: c.Label, Checked: c.IsActive})
	}

	engine := "-"
	if st.Port > 0 {
		engine = fmt.Sprint(st.Port)
	}
	snap.Ports = fmt.Sprintf("Xray: %s, HttpApi: %d", engine, s.apiPort)
	return snap
}

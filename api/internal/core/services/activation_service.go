package services

import (
	"log/slog"
	"sync"
	"time"

	"github.com/irgordon/proxyctl/api/internal/core/domain"
)

// ActivationService is the coordinator between the registry and the engine
// supervisor. Every control operation of the API goes through it.
// 🛡️ opMu serializes registry mutations with engine restarts, so the runtime
// artifact is fully committed before the engine is pointed at it.
type ActivationService struct {
	opMu     sync.Mutex
	registry *RegistryService
	engine   domain.EngineSupervisor
	events   domain.EventPublisher
	logger   *slog.Logger
}

func NewActivationService(registry *RegistryService, engine domain.EngineSupervisor, events domain.EventPublisher, logger *slog.Logger) *ActivationService {
	return &ActivationService{
		registry: registry,
		engine:   engine,
		events:   events,
		logger:   logger,
	}
}

// ==============================================================================
// 1. Registry operations
// ==============================================================================

func (s *ActivationService) AddConfigs(serialized []string) (domain.AddResult, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	before := s.registry.ActiveID()
	result, err := s.registry.Add(serialized)
	if err != nil {
		return domain.AddResult{}, err
	}
	if len(result.Created) == 0 {
		return result, nil
	}
	if s.registry.ActiveID() != before {
		s.restartIfRunning()
	}
	s.publish(domain.EventConfigsChanged)
	return result, nil
}

func (s *ActivationService) RemoveConfig(id string) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	wasActive := s.registry.ActiveID() == id
	if err := s.registry.Remove(id); err != nil {
		return err
	}
	if wasActive {
		s.restartIfRunning()
	}
	s.publish(domain.EventConfigsChanged)
	return nil
}

// ActivateConfig switches the active profile; an empty id deactivates.
func (s *ActivationService) ActivateConfig(id string) error {
	if id == "" {
		_, err := s.DeactivateConfig()
		return err
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()

	if err := s.registry.Activate(id); err != nil {
		return err
	}
	s.restartIfRunning()
	s.publish(domain.EventConfigsChanged)
	return nil
}

// DeactivateConfig clears the active profile and stops the engine. It reports
// false, touching nothing and announcing nothing, when no profile was active.
func (s *ActivationService) DeactivateConfig() (bool, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	changed, err := s.registry.Deactivate()
	if err != nil || !changed {
		return false, err
	}
	s.restartIfRunning()
	s.publish(domain.EventConfigsChanged)
	return true, nil
}

// ReplaceAllConfigs swaps the whole registry. When the add half fails the
// registry is already empty, so observers are still told.
func (s *ActivationService) ReplaceAllConfigs(serialized []string) (domain.AddResult, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	result, cleared, err := s.registry.ReplaceAll(serialized)
	if !cleared {
		// The clear itself failed; nothing changed.
		return domain.AddResult{}, err
	}
	s.restartIfRunning()
	s.publish(domain.EventConfigsChanged)
	return result, err
}

// ListConfigs returns the requested records; unknown ids map to nil. With no
// ids every record is returned.
func (s *ActivationService) ListConfigs(ids []string) map[string]*domain.RecordView {
	if len(ids) > 0 {
		return s.registry.GetByIDs(ids)
	}
	all := s.registry.GetAll()
	out := make(map[string]*domain.RecordView, len(all))
	for i := range all {
		out[all[i].ID] = &all[i]
	}
	return out
}

// Configs returns every record in insertion order.
func (s *ActivationService) Configs() []domain.RecordView {
	return s.registry.GetAll()
}

func (s *ActivationService) GetActiveConfig() (domain.RecordView, error) {
	return s.registry.Active()
}

// ==============================================================================
// 2. Engine operations
// ==============================================================================

// EngineUp starts the engine against the current runtime artifact.
func (s *ActivationService) EngineUp() (domain.EngineStatus, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if err := s.engine.Start(s.registry.RuntimePath()); err != nil {
		s.publish(domain.EventEngineChanged)
		return domain.EngineStatus{}, err
	}
	status := domain.EngineStatus{Running: s.engine.IsRunning()}
	if port, err := s.registry.RuntimePort(); err == nil {
		status.Port = port
	}
	s.publish(domain.EventEngineChanged)
	return status, nil
}

func (s *ActivationService) EngineDown() domain.EngineStatus {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.engine.Stop()
	s.publish(domain.EventEngineChanged)
	return domain.EngineStatus{Running: false}
}

// Ping is a point-in-time snapshot. It does not take opMu.
func (s *ActivationService) Ping() domain.PingStatus {
	status := domain.PingStatus{
		Running:   s.engine.IsRunning(),
		LastError: s.engine.LastError(),
		ActiveID:  s.registry.ActiveID(),
		Timestamp: time.Now().UTC(),
	}
	if status.Running {
		status.PID = s.engine.PID()
		if port, err := s.registry.RuntimePort(); err == nil {
			status.Port = port
		}
	}
	return status
}

// ==============================================================================
// 3. Lifecycle
// ==============================================================================

// Boot starts the engine when autostart is enabled and a profile is active.
// A failed start is logged and left to polling, like any other restart.
func (s *ActivationService) Boot(autostart bool) {
	if !autostart {
		return
	}
	active := s.registry.ActiveID()
	if active == "" {
		s.logger.Info("No active profile, engine not started")
		return
	}
	if _, err := s.EngineUp(); err != nil {
		s.logger.Error("Engine autostart failed", "active_id", active, "error", err)
		return
	}
	s.logger.Info("Engine autostarted", "active_id", active)
}

// Shutdown stops the engine. The registry is flushed on every mutation, so
// there is nothing else to persist.
func (s *ActivationService) Shutdown() {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.engine.Stop()
	s.logger.Info("Engine stopped for shutdown")
}

// restartIfRunning applies the restart rule after a committed mutation. Start
// failures are reported through the supervisor's last error, not returned.
func (s *ActivationService) restartIfRunning() {
	if !s.engine.IsRunning() {
		return
	}
	s.engine.Stop()

	active := s.registry.ActiveID()
	if active == "" {
		s.logger.Info("Engine stopped, no active profile left")
		return
	}
	if err := s.engine.Start(s.registry.RuntimePath()); err != nil {
		s.logger.Error("Engine restart failed", "active_id", active, "error", err)
		return
	}
	s.logger.Info("Engine restarted", "active_id", active)
}

func (s *ActivationService) publish(t domain.EventType) {
	if s.events == nil {
		return
	}
	s.events.Broadcast(domain.Event{
		Type:      t,
		ActiveID:  s.registry.ActiveID(),
		Running:   s.engine.IsRunning(),
		LastError: s.engine.LastError(),
		At:        time.Now().UTC(),
	})
}

package handlers

import (
	"log/slog"
	"net/http"

	"github.com/irgordon/proxyctl/api/internal/core/domain"
)

// EngineHandler exposes the engine lifecycle.
type EngineHandler struct {
	Service domain.ControlService
	Logger  *slog.Logger
}

func NewEngineHandler(service domain.ControlService, logger *slog.Logger) *EngineHandler {
	return &EngineHandler{
		Service: service,
		Logger:  logger,
	}
}

// Up handles POST /api/v1/up
func (h *EngineHandler) Up(w http.ResponseWriter, r *http.Request) {
	status, err := h.Service.EngineUp()
	if err != nil {
		HandleError(w, r, h.Logger, err)
		return
	}
	respond(w, http.StatusOK, "Engine running", envelope{"running": status.Running, "port": status.Port})
}

// Down handles POST /api/v1/down
func (h *EngineHandler) Down(w http.ResponseWriter, r *http.Request) {
	status := h.Service.EngineDown()
	respond(w, http.StatusOK, "Engine stopped", envelope{"running": status.Running})
}

// Ping handles GET /api/v1/ping
func (h *EngineHandler) Ping(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, "pong", envelope{"engine": h.Service.Ping()})
}

package http

import (
	"encoding/json"
	"net/http"

	"github.com/irgordon/proxyctl/api/internal/core/domain"
)

// Pinger is the slice of the control service the health check needs.
type Pinger interface {
	Ping() domain.PingStatus
}

// HealthHandler answers unauthenticated liveness checks. The daemon is healthy
// whenever it can answer; the engine state is informational.
type HealthHandler struct {
	service Pinger
}

func NewHealthHandler(service Pinger) *HealthHandler {
	return &HealthHandler{service: service}
}

func (h *HealthHandler) Check(w http.ResponseWriter, r *http.Request) {
	st := h.service.Ping()

	engine := "stopped"
	switch {
	case st.Running:
		engine = "running"
	case st.LastError != "":
		engine = "failed"
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status": "healthy",
		"engine": engine,
		"time":   st.Timestamp,
	})
}

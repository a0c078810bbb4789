package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/irgordon/proxyctl/api/internal/core/domain"
)

// Use a single instance of Validate, it caches struct info
var validate = validator.New()

// ==============================================================================
// 1. Request Payloads (Input Validation)
// ==============================================================================

type ConfigsRequest struct {
	Configs []string `json:"configs" validate:"required,min=1,max=1000,dive,max=16384"`
}

// ==============================================================================
// 2. The Handler Struct (Dependency Injection)
// ==============================================================================

type ConfigHandler struct {
	Service domain.ControlService
	Logger  *slog.Logger
}

func NewConfigHandler(service domain.ControlService, logger *slog.Logger) *ConfigHandler {
	return &ConfigHandler{
		Service: service,
		Logger:  logger,
	}
}

// ==============================================================================
// 3. HTTP Methods
// ==============================================================================

// List handles GET /api/v1/configs[?uuid=a,b]. Requested ids that do not exist
// are returned as null.
func (h *ConfigHandler) List(w http.ResponseWriter, r *http.Request) {
	ids := splitIDs(r.URL.Query().Get("uuid"))
	if len(ids) > 0 {
		respond(w, http.StatusOK, "", envelope{"configs": h.Service.ListConfigs(ids)})
		return
	}

	all := h.Service.Configs()
	configs := make(map[string]domain.RecordView, len(all))
	order := make([]string, 0, len(all))
	for _, v := range all {
		configs[v.ID] = v
		order = append(order, v.ID)
	}
	respond(w, http.StatusOK, "", envelope{"configs": configs, "order": order})
}

// Add handles POST /api/v1/configs
func (h *ConfigHandler) Add(w http.ResponseWriter, r *http.Request) {
	req, err := decodeConfigsRequest(r)
	if err != nil {
		HandleError(w, r, h.Logger, err)
		return
	}

	result, err := h.Service.AddConfigs(req.Configs)
	if err != nil {
		HandleError(w, r, h.Logger, err)
		return
	}

	if len(result.Created) == 0 {
		respond(w, http.StatusOK, "No new configs were added", envelope{"created": result.Created, "errors": result.Errors})
		return
	}
	respond(w, http.StatusCreated, "Configs added", envelope{"created": result.Created, "errors": result.Errors})
}

// Replace handles PUT /api/v1/configs
func (h *ConfigHandler) Replace(w http.ResponseWriter, r *http.Request) {
	req, err := decodeConfigsRequest(r)
	if err != nil {
		HandleError(w, r, h.Logger, err)
		return
	}

	result, err := h.Service.ReplaceAllConfigs(req.Configs)
	if err != nil {
		HandleError(w, r, h.Logger, err)
		return
	}
	respond(w, http.StatusOK, "Configs replaced", envelope{"created": result.Created, "errors": result.Errors})
}

// Remove handles DELETE /api/v1/configs?uuid= and DELETE /api/v1/configs/{id}
func (h *ConfigHandler) Remove(w http.ResponseWriter, r *http.Request) {
	id, err := configID(r)
	if err != nil {
		HandleError(w, r, h.Logger, err)
		return
	}
	if err := h.Service.RemoveConfig(id); err != nil {
		HandleError(w, r, h.Logger, err)
		return
	}
	respond(w, http.StatusOK, "Config removed", envelope{"id": id})
}

// Activate handles PUT /api/v1/configs/activate?uuid=
func (h *ConfigHandler) Activate(w http.ResponseWriter, r *http.Request) {
	id, err := configID(r)
	if err != nil {
		HandleError(w, r, h.Logger, err)
		return
	}
	if err := h.Service.ActivateConfig(id); err != nil {
		HandleError(w, r, h.Logger, err)
		return
	}
	respond(w, http.StatusOK, "Config activated", envelope{"activeId": id})
}

// Deactivate handles DELETE /api/v1/configs/active
func (h *ConfigHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	changed, err := h.Service.DeactivateConfig()
	if err != nil {
		HandleError(w, r, h.Logger, err)
		return
	}
	if !changed {
		respond(w, http.StatusOK, "No active config to clear", envelope{"changed": false})
		return
	}
	respond(w, http.StatusOK, "Active config cleared", envelope{"changed": true})
}

// Active handles GET /api/v1/configs/active
func (h *ConfigHandler) Active(w http.ResponseWriter, r *http.Request) {
	view, err := h.Service.GetActiveConfig()
	if err != nil {
		HandleError(w, r, h.Logger, err)
		return
	}
	respond(w, http.StatusOK, "", envelope{"config": view})
}

// ==============================================================================
// 4. Helpers
// ==============================================================================

func decodeConfigsRequest(r *http.Request) (*ConfigsRequest, error) {
	var req ConfigsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, badRequest("body must be a JSON object with a \"configs\" array of strings")
	}
	if err := validate.Struct(req); err != nil {
		return nil, err
	}
	return &req, nil
}

// configID reads the id from the path or the uuid query parameter and checks
// it is a UUID.
func configID(r *http.Request) (string, error) {
	id := chi.URLParam(r, "id")
	if id == "" {
		id = strings.TrimSpace(r.URL.Query().Get("uuid"))
	}
	if id == "" {
		return "", badRequest("missing uuid parameter")
	}
	if _, err := uuid.Parse(id); err != nil {
		return "", badRequest("invalid uuid parameter")
	}
	return id, nil
}

func splitIDs(raw string) []string {
	if raw == "" {
		return nil
	}
	var ids []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			ids = append(ids, part)
		}
	}
	return ids
}

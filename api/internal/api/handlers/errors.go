package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/irgordon/proxyctl/api/internal/core/domain"
)

type envelope map[string]any

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// respond writes the success envelope: {"status":"success","message":...} plus
// any extra fields.
func respond(w http.ResponseWriter, status int, message string, fields envelope) {
	body := envelope{"status": "success"}
	if message != "" {
		body["message"] = message
	}
	for k, v := range fields {
		body[k] = v
	}
	writeJSON(w, status, body)
}

func writeError(w http.ResponseWriter, status int, kind domain.ErrorKind, message string) {
	writeJSON(w, status, envelope{
		"status":  "error",
		"kind":    kind,
		"message": message,
	})
}

var kindStatus = map[domain.ErrorKind]int{
	domain.KindNotFound:           http.StatusNotFound,
	domain.KindDecode:             http.StatusUnprocessableEntity,
	domain.KindDuplicate:          http.StatusConflict,
	domain.KindStorage:            http.StatusInternalServerError,
	domain.KindBinaryNotFound:     http.StatusServiceUnavailable,
	domain.KindConfigNotFound:     http.StatusConflict,
	domain.KindLaunchFailed:       http.StatusBadGateway,
	domain.KindServiceUnavailable: http.StatusServiceUnavailable,
	domain.KindBadRequest:         http.StatusBadRequest,
	domain.KindUnauthorized:       http.StatusUnauthorized,
	domain.KindRateLimited:        http.StatusTooManyRequests,
	domain.KindInternal:           http.StatusInternalServerError,
}

// HandleError maps an error to its HTTP status and the error envelope.
// 🛡️ Storage and internal failures are logged in full but answered generically.
func HandleError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fe.Field()+" failed "+fe.Tag())
		}
		writeError(w, http.StatusBadRequest, domain.KindBadRequest, "Invalid request: "+strings.Join(fields, ", "))
		return
	}

	kind := domain.KindOf(err)
	status, ok := kindStatus[kind]
	if !ok {
		status = http.StatusInternalServerError
	}

	message := err.Error()
	var de *domain.Error
	if errors.As(err, &de) && de.Kind == domain.KindBadRequest && de.Msg != "" {
		message = de.Msg
	}
	if status >= http.StatusInternalServerError && kind != domain.KindBinaryNotFound && kind != domain.KindServiceUnavailable {
		logger.Error("Request failed", "method", r.Method, "path", r.URL.Path, "kind", kind, "error", err)
		message = "Internal error, see daemon log"
	} else {
		logger.Warn("Request rejected", "method", r.Method, "path", r.URL.Path, "kind", kind, "error", err)
	}
	writeError(w, status, kind, message)
}

func badRequest(msg string) error {
	return &domain.Error{Kind: domain.KindBadRequest, Msg: msg}
}

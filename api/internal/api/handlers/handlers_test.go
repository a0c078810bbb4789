package handlers

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irgordon/proxyctl/api/internal/core/domain"
	"github.com/irgordon/proxyctl/api/internal/telemetry"
)

const (
	idA = "0b6f3c1e-4d2a-4c8e-9f10-6d5a2b7c8e91"
	idB = "5c2d8e7f-1a3b-4c5d-8e9f-0a1b2c3d4e5f"
)

// fakeService records calls and returns canned answers.
type fakeService struct {
	mu        sync.Mutex
	records   []domain.RecordView
	active    string
	running   bool
	addResult domain.AddResult
	err       error
	calls     []string
}

func (f *fakeService) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeService) AddConfigs(serialized []string) (domain.AddResult, error) {
	f.record("add:" + strings.Join(serialized, ","))
	return f.addResult, f.err
}

func (f *fakeService) ListConfigs(ids []string) map[string]*domain.RecordView {
	out := map[string]*domain.RecordView{}
	for _, id := range ids {
		out[id] = nil
		for i := range f.records {
			if f.records[i].ID == id {
				out[id] = &f.records[i]
			}
		}
	}
	return out
}

func (f *fakeService) Configs() []domain.RecordView { return f.records }

func (f *fakeService) GetActiveConfig() (domain.RecordView, error) {
	for _, r := range f.records {
		if r.ID == f.active {
			return r, nil
		}
	}
	return domain.RecordView{}, domain.NotFound("active", "no active profile")
}

func (f *fakeService) RemoveConfig(id string) error {
	f.record("remove:" + id)
	return f.err
}

func (f *fakeService) ActivateConfig(id string) error {
	f.record("activate:" + id)
	return f.err
}

func (f *fakeService) DeactivateConfig() (bool, error) {
	f.record("deactivate")
	if f.err != nil {
		return false, f.err
	}
	changed := f.active != ""
	f.active = ""
	return changed, nil
}

func (f *fakeService) ReplaceAllConfigs(serialized []string) (domain.AddResult, error) {
	f.record("replace:" + strings.Join(serialized, ","))
	return f.addResult, f.err
}

func (f *fakeService) EngineUp() (domain.EngineStatus, error) {
	f.record("up")
	if f.err != nil {
		return domain.EngineStatus{}, f.err
	}
	return domain.EngineStatus{Running: true, Port: 10808}, nil
}

func (f *fakeService) EngineDown() domain.EngineStatus {
	f.record("down")
	return domain.EngineStatus{}
}

func (f *fakeService) Ping() domain.PingStatus {
	return domain.PingStatus{Running: f.running, ActiveID: f.active, Timestamp: time.Unix(0, 0).UTC()}
}

func (f *fakeService) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRouter(svc *fakeService, hub *telemetry.Hub) http.Handler {
	logger := discardLogger()
	configs := NewConfigHandler(svc, logger)
	engine := NewEngineHandler(svc, logger)
	events := NewEventsHandler(svc, hub, logger)
	ws := NewWebSocketHandler(events, []string{"http://localhost:3000"}, logger)

	r := chi.NewRouter()
	r.Get("/configs", configs.List)
	r.Post("/configs", configs.Add)
	r.Put("/configs", configs.Replace)
	r.Delete("/configs", configs.Remove)
	r.Get("/configs/active", configs.Active)
	r.Delete("/configs/active", configs.Deactivate)
	r.Put("/configs/activate", configs.Activate)
	r.Delete("/configs/{id}", configs.Remove)
	r.Post("/up", engine.Up)
	r.Post("/down", engine.Down)
	r.Get("/ping", engine.Ping)
	r.Get("/events", events.Stream)
	r.Get("/ws", ws.Stream)
	return r
}

func do(t *testing.T, h http.Handler, method, target, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return rec, out
}

func TestConfigHandler_AddCreated(t *testing.T) {
	svc := &fakeService{addResult: domain.AddResult{Created: []string{idA}}}
	h := newTestRouter(svc, telemetry.NewHub())

	rec, body := do(t, h, http.MethodPost, "/configs", `{"configs":["vless://a"]}`)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "success", body["status"])
	assert.Equal(t, []any{idA}, body["created"])
	assert.Equal(t, []string{"add:vless://a"}, svc.Calls())
}

func TestConfigHandler_AddNothingNew(t *testing.T) {
	svc := &fakeService{addResult: domain.AddResult{
		Created: []string{},
		Errors:  []domain.ItemError{{Index: 0, Kind: domain.KindDecode, Message: "bad"}},
	}}
	h := newTestRouter(svc, telemetry.NewHub())

	rec, body := do(t, h, http.MethodPost, "/configs", `{"configs":["nope"]}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "No new configs were added", body["message"])
	assert.Len(t, body["errors"], 1)
}

func TestConfigHandler_BadBodies(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"Not JSON", `configs=vless://a`},
		{"Missing field", `{}`},
		{"Empty list", `{"configs":[]}`},
		{"Wrong type", `{"configs":"vless://a"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &fakeService{}
			h := newTestRouter(svc, telemetry.NewHub())

			rec, body := do(t, h, http.MethodPost, "/configs", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "error", body["status"])
			assert.Equal(t, "bad_request", body["kind"])
			assert.Empty(t, svc.Calls(), "service must not be reached")
		})
	}
}

func TestConfigHandler_ListAllKeepsOrder(t *testing.T) {
	svc := &fakeService{records: []domain.RecordView{{ID: idB, Label: "b"}, {ID: idA, Label: "a"}}}
	h := newTestRouter(svc, telemetry.NewHub())

	rec, body := do(t, h, http.MethodGet, "/configs", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{idB, idA}, body["order"])
	assert.Contains(t, body["configs"], idA)
	assert.Contains(t, body["configs"], idB)
}

func TestConfigHandler_ListByIDsMarksUnknown(t *testing.T) {
	svc := &fakeService{records: []domain.RecordView{{ID: idA, Label: "a"}}}
	h := newTestRouter(svc, telemetry.NewHub())

	_, body := do(t, h, http.MethodGet, "/configs?uuid="+idA+",+"+idB, "")
	configs := body["configs"].(map[string]any)
	assert.NotNil(t, configs[idA])
	assert.Contains(t, configs, idB)
	assert.Nil(t, configs[idB])
	assert.NotContains(t, body, "order")
}

func TestConfigHandler_RemoveByQueryAndPath(t *testing.T) {
	svc := &fakeService{}
	h := newTestRouter(svc, telemetry.NewHub())

	rec, _ := do(t, h, http.MethodDelete, "/configs?uuid="+idA, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, _ = do(t, h, http.MethodDelete, "/configs/"+idB, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, []string{"remove:" + idA, "remove:" + idB}, svc.Calls())
}

func TestConfigHandler_ActivateRequiresUUID(t *testing.T) {
	svc := &fakeService{}
	h := newTestRouter(svc, telemetry.NewHub())

	rec, body := do(t, h, http.MethodPut, "/configs/activate", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "missing uuid parameter", body["message"])

	rec, _ = do(t, h, http.MethodPut, "/configs/activate?uuid=not-a-uuid", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Empty(t, svc.Calls())
}

func TestConfigHandler_ErrorKindsMapToStatus(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		status  int
		kind    string
		generic bool
	}{
		{"Not found", domain.NotFound("activate", "no profile with id %s", idA), http.StatusNotFound, "not_found", false},
		{"Decode", domain.DecodeError(domain.SchemeVLESS, "missing host"), http.StatusUnprocessableEntity, "decode_error", false},
		{"Storage", domain.StorageError("write registry", errors.New("disk full")), http.StatusInternalServerError, "storage_error", true},
		{"Untyped", errors.New("boom"), http.StatusInternalServerError, "internal", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &fakeService{err: tt.err}
			h := newTestRouter(svc, telemetry.NewHub())

			rec, body := do(t, h, http.MethodPut, "/configs/activate?uuid="+idA, "")
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.kind, body["kind"])
			if tt.generic {
				assert.NotContains(t, body["message"], "disk full")
			}
		})
	}
}

func TestConfigHandler_ActiveAndDeactivate(t *testing.T) {
	svc := &fakeService{records: []domain.RecordView{{ID: idA, Label: "a"}}}
	h := newTestRouter(svc, telemetry.NewHub())

	rec, _ := do(t, h, http.MethodGet, "/configs/active", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	svc.active = idA
	rec, body := do(t, h, http.MethodGet, "/configs/active", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, idA, body["config"].(map[string]any)["id"])

	rec, body = do(t, h, http.MethodDelete, "/configs/active", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Active config cleared", body["message"])
	assert.Equal(t, true, body["changed"])

	// Clearing again changes nothing and says so
	rec, body = do(t, h, http.MethodDelete, "/configs/active", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "No active config to clear", body["message"])
	assert.Equal(t, false, body["changed"])
	assert.Equal(t, []string{"deactivate", "deactivate"}, svc.Calls())
}

func TestEngineHandler_UpDownPing(t *testing.T) {
	svc := &fakeService{running: true, active: idA}
	h := newTestRouter(svc, telemetry.NewHub())

	rec, body := do(t, h, http.MethodPost, "/up", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(10808), body["port"])

	rec, body = do(t, h, http.MethodPost, "/down", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, body["running"])

	rec, body = do(t, h, http.MethodGet, "/ping", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	engine := body["engine"].(map[string]any)
	assert.Equal(t, true, engine["running"])
	assert.Equal(t, idA, engine["activeId"])
}

func TestEngineHandler_UpWithoutConfig(t *testing.T) {
	svc := &fakeService{err: domain.ConfigNotFound("/tmp/active_config.json")}
	h := newTestRouter(svc, telemetry.NewHub())

	rec, body := do(t, h, http.MethodPost, "/up", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "config_not_found", body["kind"])
}

func TestEventsHandler_StreamsSnapshotThenEvents(t *testing.T) {
	svc := &fakeService{active: idA}
	hub := telemetry.NewHub()
	srv := httptest.NewServer(newTestRouter(svc, hub))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	readEvent := func() (string, domain.Event) {
		var name string
		var ev domain.Event
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			line = strings.TrimRight(line, "\n")
			switch {
			case strings.HasPrefix(line, "event: "):
				name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
			case line == "" && name != "":
				return name, ev
			}
		}
	}

	name, ev := readEvent()
	assert.Equal(t, "snapshot", name)
	assert.Equal(t, idA, ev.ActiveID)

	hub.Broadcast(domain.Event{Type: domain.EventConfigsChanged, ActiveID: idB})
	name, ev = readEvent()
	assert.Equal(t, "configs_changed", name)
	assert.Equal(t, idB, ev.ActiveID)
}

func TestWebSocketHandler_StreamsAndChecksOrigin(t *testing.T) {
	svc := &fakeService{active: idA, running: true}
	hub := telemetry.NewHub()
	srv := httptest.NewServer(newTestRouter(svc, hub))
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	// 1. Foreign browser origins are refused
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": {"http://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// 2. An allowed origin receives the snapshot first
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": {"http://localhost:3000"}})
	require.NoError(t, err)
	defer conn.Close()

	var ev domain.Event
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, domain.EventSnapshot, ev.Type)
	assert.True(t, ev.Running)

	// 3. Then broadcast events
	hub.Broadcast(domain.Event{Type: domain.EventEngineChanged, Running: false})
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, domain.EventEngineChanged, ev.Type)
	assert.False(t, ev.Running)
}

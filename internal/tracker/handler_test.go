package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"trackhub/internal/platform/logger"

	"github.com/go-chi/chi/v5"
)

type testAPI struct {
	router   *chi.Mux
	cache    *LiveCache
	registry *Registry
	store    *MemStore
	pipeline *Pipeline
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	store := NewMemStore()
	cache := NewLiveCache()
	log := logger.Discard()
	reg := NewRegistry(store, nil, log)
	pipe := NewPipeline(cache, reg, store, nil, log)
	h := NewHandler(cache, reg, store, pipe, log, nil, 0)

	r := chi.NewRouter()
	r.Mount("/api", h.Routes())

	return &testAPI{router: r, cache: cache, registry: reg, store: store, pipeline: pipe}
}

func (a *testAPI) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func TestHandler_latest_not_found_then_found(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodGet, "/api/devices/dev-1/latest", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before any report, got %d", rec.Code)
	}

	rec = api.do(t, http.MethodPost, "/api/devices/dev-1/telemetry",
		map[string]any{"lat": 43.7, "lon": -79.4})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}

	rec = api.do(t, http.MethodGet, "/api/devices/dev-1/latest", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var snap TelemetrySnapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.Lat != 43.7 || snap.Lon != -79.4 || snap.SessionID != nil {
		t.Errorf("unexpected snapshot: %+v", snap)
	}
}

func TestHandler_http_telemetry_bad_body(t *testing.T) {
	api := newTestAPI(t)

	req := httptest.NewRequest(http.MethodPost, "/api/devices/dev-1/telemetry", bytes.NewReader([]byte("not json")))
	rec := httptest.NewRecorder()
	api.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for garbage body, got %d", rec.Code)
	}

	rec = api.do(t, http.MethodPost, "/api/devices/dev-1/telemetry", map[string]any{"lat": 1})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing lon, got %d", rec.Code)
	}
}

func TestHandler_status_endpoint(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodGet, "/api/devices/dev-1/status", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	api.pipeline.HandleMessage(context.Background(), "devices/dev-1/status", []byte(`{"id":"dev-1","battery":80}`))

	rec = api.do(t, http.MethodGet, "/api/devices/dev-1/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var snap StatusSnapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.Fields["battery"] != float64(80) {
		t.Errorf("unexpected status: %+v", snap)
	}
}

func TestHandler_session_lifecycle(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodPost, "/api/devices/dev-1/sessions/start", map[string]any{"title": "trip1"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var started Session
	if err := json.Unmarshal(rec.Body.Bytes(), &started); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !started.IsActive || started.Title != "trip1" {
		t.Errorf("unexpected session: %+v", started)
	}

	rec = api.do(t, http.MethodPost, "/api/devices/dev-1/sessions/stop", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var stopped Session
	if err := json.Unmarshal(rec.Body.Bytes(), &stopped); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stopped.ID != started.ID || stopped.IsActive {
		t.Errorf("unexpected stopped session: %+v", stopped)
	}

	rec = api.do(t, http.MethodPost, "/api/devices/dev-1/sessions/stop", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 stopping with no active session, got %d", rec.Code)
	}
}

func TestHandler_start_without_body(t *testing.T) {
	api := newTestAPI(t)

	req := httptest.NewRequest(http.MethodPost, "/api/devices/dev-1/sessions/start", nil)
	rec := httptest.NewRecorder()
	api.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201 for bodyless start, got %d", rec.Code)
	}
}

func TestHandler_list_sessions(t *testing.T) {
	api := newTestAPI(t)
	ctx := context.Background()

	for _, title := range []string{"a", "b", "c"} {
		if _, err := api.registry.Start(ctx, "dev-1", title); err != nil {
			t.Fatalf("start %s: %v", title, err)
		}
	}

	rec := api.do(t, http.MethodGet, "/api/devices/dev-1/sessions?limit=2", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var sessions []Session
	if err := json.Unmarshal(rec.Body.Bytes(), &sessions); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions with limit=2, got %d", len(sessions))
	}
	if sessions[0].Title != "c" {
		t.Errorf("expected newest first, got %+v", sessions)
	}

	rec = api.do(t, http.MethodGet, "/api/devices/unknown/sessions", nil)
	if rec.Code != http.StatusOK || rec.Body.String() == "null\n" {
		t.Errorf("unknown device must yield an empty JSON array, got %d %q", rec.Code, rec.Body.String())
	}
}

func TestHandler_coordinate_history(t *testing.T) {
	api := newTestAPI(t)
	ctx := context.Background()

	sess, err := api.registry.Start(ctx, "dev-1", "")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	for i := 0; i < 3; i++ {
		api.pipeline.HandleMessage(ctx, "devices/dev-1/telemetry",
			[]byte(`{"id":"dev-1","lat":1,"lon":2}`))
	}

	rec := api.do(t, http.MethodGet, "/api/sessions/"+strconv.FormatInt(sess.ID, 10)+"/coordinates", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var points []Coordinate
	if err := json.Unmarshal(rec.Body.Bytes(), &points); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(points) != 3 {
		t.Errorf("expected 3 points, got %d", len(points))
	}

	rec = api.do(t, http.MethodGet, "/api/sessions/notanumber/coordinates", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for non-integer session id, got %d", rec.Code)
	}
}

func TestHandler_http_and_transport_share_semantics(t *testing.T) {
	api := newTestAPI(t)
	ctx := context.Background()

	sess, err := api.registry.Start(ctx, "dev-1", "")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	// One point over the transport, one over HTTP: both resolve the same
	// session and both persist.
	api.pipeline.HandleMessage(ctx, "devices/dev-1/telemetry", []byte(`{"id":"dev-1","lat":1,"lon":2}`))
	rec := api.do(t, http.MethodPost, "/api/devices/dev-1/telemetry", map[string]any{"lat": 3, "lon": 4})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}

	points, err := api.store.ListCoordinates(ctx, sess.ID, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(points) != 2 {
		t.Fatalf("expected both channels to persist, got %d points", len(points))
	}
}

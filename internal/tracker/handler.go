package tracker

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"trackhub/internal/platform/metrics"

	"github.com/go-chi/chi/v5"
)

// DefaultHistoryLimit caps session and coordinate listings when the caller
// does not pass an explicit limit.
const DefaultHistoryLimit = 500

// maxHistoryLimit is the hard cap on any listing, explicit limit or not.
const maxHistoryLimit = 1000

// Handler exposes the query façade over HTTP using go-chi: latest cached
// values, session lifecycle, history queries, and the HTTP telemetry
// ingestion entry point (which funnels into the same Pipeline the
// transport uses).
type Handler struct {
	cache        *LiveCache
	registry     *Registry
	store        Store
	pipeline     *Pipeline
	log          *slog.Logger
	metrics      *metrics.Metrics
	historyLimit int
}

// NewHandler returns a Handler. m may be nil to disable metric recording
// (e.g. in tests). historyLimit <= 0 falls back to DefaultHistoryLimit.
func NewHandler(cache *LiveCache, registry *Registry, store Store, pipeline *Pipeline, log *slog.Logger, m *metrics.Metrics, historyLimit int) *Handler {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	return &Handler{
		cache:        cache,
		registry:     registry,
		store:        store,
		pipeline:     pipeline,
		log:          log,
		metrics:      m,
		historyLimit: historyLimit,
	}
}

// Routes returns the API router for the coordinator.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Route("/devices/{device_id}", func(r chi.Router) {
		r.Get("/latest", h.GetLatest)
		r.Get("/status", h.GetStatus)
		r.Post("/telemetry", h.IngestTelemetry)
		r.Get("/sessions", h.ListSessions)
		r.Post("/sessions/start", h.StartSession)
		r.Post("/sessions/stop", h.StopSession)
	})
	r.Get("/sessions/{session_id}/coordinates", h.ListCoordinates)
	return r
}

// GetLatest handles GET /devices/{device_id}/latest.
// Served from the live cache only; 404 means the device has not reported.
func (h *Handler) GetLatest(w http.ResponseWriter, r *http.Request) {
	device := DeviceID(chi.URLParam(r, "device_id"))
	snap, ok := h.cache.ReadTelemetry(device)
	if !ok {
		writeError(w, http.StatusNotFound, "no telemetry for device")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// GetStatus handles GET /devices/{device_id}/status.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	device := DeviceID(chi.URLParam(r, "device_id"))
	snap, ok := h.cache.ReadStatus(device)
	if !ok {
		writeError(w, http.StatusNotFound, "no status for device")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// telemetryRequest is the HTTP telemetry submission body.
type telemetryRequest struct {
	Lat       *float64 `json:"lat"`
	Lon       *float64 `json:"lon"`
	Ts        *float64 `json:"ts"`
	SessionID int64    `json:"sessionId"`
}

// IngestTelemetry handles POST /devices/{device_id}/telemetry.
// The report goes through the same pipeline as transport-delivered
// telemetry, so session resolution and caching behave identically.
func (h *Handler) IngestTelemetry(w http.ResponseWriter, r *http.Request) {
	device := DeviceID(chi.URLParam(r, "device_id"))

	var req telemetryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.log.Debug("invalid telemetry body", slog.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.Lat == nil || req.Lon == nil ||
		math.IsNaN(*req.Lat) || math.IsInf(*req.Lat, 0) ||
		math.IsNaN(*req.Lon) || math.IsInf(*req.Lon, 0) {
		writeError(w, http.StatusBadRequest, "lat and lon are required and must be finite")
		return
	}

	report := TelemetryReport{
		DeviceID: device,
		Lat:      *req.Lat,
		Lon:      *req.Lon,
	}
	if req.SessionID > 0 {
		report.SessionHint = req.SessionID
	}
	if req.Ts != nil && *req.Ts > 0 && !math.IsNaN(*req.Ts) && !math.IsInf(*req.Ts, 0) {
		sec, frac := math.Modf(*req.Ts)
		t := time.Unix(int64(sec), int64(frac*float64(time.Second))).UTC()
		report.DeviceTs = &t
	}

	h.pipeline.IngestTelemetry(r.Context(), report)
	w.WriteHeader(http.StatusAccepted)
}

// startRequest is the optional session start body.
type startRequest struct {
	Title string `json:"title"`
}

// StartSession handles POST /devices/{device_id}/sessions/start.
func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	device := DeviceID(chi.URLParam(r, "device_id"))

	var req startRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}

	sess, err := h.registry.Start(r.Context(), device, req.Title)
	if err != nil {
		h.log.Error("session start failed",
			slog.String("device_id", string(device)),
			slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "session start failed")
		return
	}

	h.log.Info("session started",
		slog.String("device_id", string(device)),
		slog.Int64("session_id", sess.ID))
	if h.metrics != nil {
		h.metrics.IncSessionsStarted()
	}
	writeJSON(w, http.StatusCreated, sess)
}

// StopSession handles POST /devices/{device_id}/sessions/stop.
// 404 means the device has no active session, a normal condition.
func (h *Handler) StopSession(w http.ResponseWriter, r *http.Request) {
	device := DeviceID(chi.URLParam(r, "device_id"))

	sess, err := h.registry.Stop(r.Context(), device)
	if err != nil {
		if errors.Is(err, ErrNoActiveSession) {
			writeError(w, http.StatusNotFound, "no active session for device")
			return
		}
		h.log.Error("session stop failed",
			slog.String("device_id", string(device)),
			slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "session stop failed")
		return
	}

	h.log.Info("session stopped",
		slog.String("device_id", string(device)),
		slog.Int64("session_id", sess.ID))
	if h.metrics != nil {
		h.metrics.IncSessionsStopped()
	}
	writeJSON(w, http.StatusOK, sess)
}

// ListSessions handles GET /devices/{device_id}/sessions?limit=.
// Sessions come back newest first.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	device := chi.URLParam(r, "device_id")
	limit := h.queryLimit(r)

	sessions, err := h.store.ListSessions(r.Context(), device, limit)
	if err != nil {
		h.log.Error("session list failed",
			slog.String("device_id", device),
			slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "session list failed")
		return
	}
	if sessions == nil {
		sessions = []Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

// ListCoordinates handles GET /sessions/{session_id}/coordinates?limit=.
// Points come back oldest first; an unknown session yields an empty list.
func (h *Handler) ListCoordinates(w http.ResponseWriter, r *http.Request) {
	sessionID, err := strconv.ParseInt(chi.URLParam(r, "session_id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "session id must be an integer")
		return
	}
	limit := h.queryLimit(r)

	points, err := h.store.ListCoordinates(r.Context(), sessionID, limit)
	if err != nil {
		h.log.Error("coordinate list failed",
			slog.Int64("session_id", sessionID),
			slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "coordinate list failed")
		return
	}
	if points == nil {
		points = []Coordinate{}
	}
	writeJSON(w, http.StatusOK, points)
}

// queryLimit reads ?limit= with the handler default, capped at
// maxHistoryLimit.
func (h *Handler) queryLimit(r *http.Request) int {
	limit := h.historyLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	return limit
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

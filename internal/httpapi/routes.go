package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"codeberg.org/mutker/spacenose/internal/errors"
	"codeberg.org/mutker/spacenose/internal/logger"
	"codeberg.org/mutker/spacenose/internal/metrics"
	"codeberg.org/mutker/spacenose/internal/reading"
	"codeberg.org/mutker/spacenose/internal/storage"
	"github.com/go-chi/chi/v5"
)

const (
	defaultRecentLimit = 100
	maxRecentLimit     = 1000
	defaultHours       = 1
	maxHours           = 24 * 366

	// rangeLayout is accepted alongside RFC 3339 and read as UTC.
	rangeLayout = "2006-01-02 15:04:05"
)

type handler struct {
	latest        Latest
	subscriptions Subscriptions
	history       History
	log           logger.Logger
}

func registerRoutes(router chi.Router, h *handler) {
	router.Get("/healthz", h.handleHealth)
	router.Handle("/metrics", metrics.Handler())
	router.Get("/ws", h.handleWebsocket)

	router.Route("/api", func(r chi.Router) {
		r.Get("/latest", h.handleLatest)
		r.Get("/stats", h.handleStats)

		r.Route("/data", func(r chi.Router) {
			r.Use(h.requireHistory)
			r.Get("/recent", h.handleRecent)
			r.Get("/hours", h.handleHours)
			r.Get("/range", h.handleRange)
			r.Get("/{id}", h.handleByID)
		})
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

type statsResponse struct {
	TotalRecords   *int64           `json:"total_records,omitempty"`
	LatestRecord   *storage.Record  `json:"latest_record,omitempty"`
	LatestReading  *reading.Reading `json:"latest_reading,omitempty"`
	Subscribers    int              `json:"subscribers"`
	StorageEnabled bool             `json:"storage_enabled"`
}

func (h *handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) handleLatest(w http.ResponseWriter, _ *http.Request) {
	payload, ok := h.latest.Payload()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

func (h *handler) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{StorageEnabled: h.history != nil}
	if h.subscriptions != nil {
		resp.Subscribers = h.subscriptions.Len()
	}
	if rd, ok := h.latest.Peek(); ok {
		resp.LatestReading = &rd
	}

	if h.history != nil {
		total, err := h.history.Count(r.Context())
		if err != nil {
			h.respondStorageError(w, err)
			return
		}
		resp.TotalRecords = &total

		rec, ok, err := h.history.Latest(r.Context())
		if err != nil {
			h.respondStorageError(w, err)
			return
		}
		if ok {
			resp.LatestRecord = &rec
		}
	}

	h.writeJSON(w, http.StatusOK, resp)
}

func (h *handler) requireHistory(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.history == nil {
			h.writeError(w, http.StatusServiceUnavailable, "persistence is disabled")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *handler) handleRecent(w http.ResponseWriter, r *http.Request) {
	limit, ok := h.intParam(w, r, "limit", defaultRecentLimit, maxRecentLimit)
	if !ok {
		return
	}

	records, err := h.history.Recent(r.Context(), limit)
	if err != nil {
		h.respondStorageError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, records)
}

func (h *handler) handleHours(w http.ResponseWriter, r *http.Request) {
	hours, ok := h.intParam(w, r, "hours", defaultHours, maxHours)
	if !ok {
		return
	}

	since := time.Now().Add(-time.Duration(hours) * time.Hour)
	records, err := h.history.Since(r.Context(), since)
	if err != nil {
		h.respondStorageError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, records)
}

func (h *handler) handleRange(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()

	startParam := params.Get("start")
	endParam := params.Get("end")
	if startParam == "" || endParam == "" {
		h.writeError(w, http.StatusBadRequest, "both start and end parameters are required")
		return
	}

	start, err := parseTime(startParam)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid start timestamp")
		return
	}
	end, err := parseTime(endParam)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid end timestamp")
		return
	}
	if end.Before(start) {
		h.writeError(w, http.StatusBadRequest, "start must be before end")
		return
	}

	records, err := h.history.Range(r.Context(), start, end)
	if err != nil {
		h.respondStorageError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, records)
}

func (h *handler) handleByID(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		h.writeError(w, http.StatusBadRequest, "invalid id")
		return
	}

	rec, err := h.history.ByID(r.Context(), id)
	if err != nil {
		h.respondStorageError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, rec)
}

// intParam reads a positive integer query parameter, falling back to def
// when absent. Values above upper are clamped.
func (h *handler) intParam(w http.ResponseWriter, r *http.Request, name string, def, upper int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}

	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		h.writeError(w, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	if n > upper {
		n = upper
	}
	return n, true
}

func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	return time.ParseInLocation(rangeLayout, s, time.UTC)
}

func (h *handler) respondStorageError(w http.ResponseWriter, err error) {
	switch {
	case errors.HasCode(err, storage.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "reading not found")
	case errors.HasCode(err, storage.ErrInvalidQuery):
		h.writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.log.Error().Err(err).Msg("History query failed")
		h.writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func (h *handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, errorResponse{Error: message, Code: status})
}

func (h *handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

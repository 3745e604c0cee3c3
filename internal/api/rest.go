package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"inowatch/internal/event"
	"inowatch/internal/inotify"
	"inowatch/internal/logging"
	"inowatch/internal/metrics"
	"inowatch/internal/version"
)

// WatchLister reports the kernel watches currently registered.
type WatchLister interface {
	Watches() []inotify.Watch
}

type RestHandler struct {
	Source    EventSource
	Watches   WatchLister
	Metrics   *metrics.Registry
	Logger    *logging.Logger
	StartedAt time.Time
}

type watchPayload struct {
	ID   inotify.WatchID `json:"wd"`
	Path string          `json:"path"`
	Mask string          `json:"mask"`
}

type statusResponse struct {
	Version   version.VersionInfo `json:"version"`
	StartedAt time.Time           `json:"started_at,omitempty"`
	Uptime    string              `json:"uptime,omitempty"`
	Watches   int                 `json:"watches"`
	Metrics   metrics.Snapshot    `json:"metrics"`
}

const defaultEventLimit = 100

func (h *RestHandler) handleStatus(w http.ResponseWriter, r *http.Request) *apiError {
	if r.Method != http.MethodGet {
		return methodNotAllowed(w, "GET")
	}
	response := statusResponse{
		Version: version.GetVersionInfo(),
		Metrics: h.Metrics.Snapshot(),
	}
	if h.Watches != nil {
		response.Watches = len(h.Watches.Watches())
	}
	if !h.StartedAt.IsZero() {
		response.StartedAt = h.StartedAt
		response.Uptime = time.Since(h.StartedAt).Round(time.Second).String()
	}
	writeJSON(w, http.StatusOK, response)
	return nil
}

func (h *RestHandler) handleWatches(w http.ResponseWriter, r *http.Request) *apiError {
	if r.Method != http.MethodGet {
		return methodNotAllowed(w, "GET")
	}
	if h.Watches == nil {
		return &apiError{Status: http.StatusServiceUnavailable, Message: "watch table unavailable"}
	}
	watches := h.Watches.Watches()
	payload := make([]watchPayload, 0, len(watches))
	for _, watch := range watches {
		payload = append(payload, watchPayload{ID: watch.ID, Path: watch.Path, Mask: watch.Mask.String()})
	}
	writeJSON(w, http.StatusOK, payload)
	return nil
}

// handleEvents returns recent events from the bus history, oldest first.
func (h *RestHandler) handleEvents(w http.ResponseWriter, r *http.Request) *apiError {
	if r.Method != http.MethodGet {
		return methodNotAllowed(w, "GET")
	}
	if h.Source == nil {
		return &apiError{Status: http.StatusServiceUnavailable, Message: "event bus unavailable"}
	}

	limit := defaultEventLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			return &apiError{Status: http.StatusBadRequest, Message: "invalid limit"}
		}
		limit = parsed
	}
	mask, types, err := parseEventFilter(r)
	if err != nil {
		return &apiError{Status: http.StatusBadRequest, Message: err.Error()}
	}
	filter := newEventFilter(mask, types)

	history := h.Source.History(0)
	selected := make([]event.Event, 0, len(history))
	for _, entry := range history {
		if filter.Allows(entry) {
			selected = append(selected, entry)
		}
	}
	if len(selected) > limit {
		selected = selected[len(selected)-limit:]
	}
	writeJSON(w, http.StatusOK, selected)
	return nil
}

func (h *RestHandler) handleMetrics(w http.ResponseWriter, r *http.Request) *apiError {
	if r.Method != http.MethodGet {
		return methodNotAllowed(w, "GET")
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if err := h.Metrics.WritePrometheus(w); err != nil && h.Logger != nil {
		h.Logger.Warn("metrics write failed", map[string]string{logging.FieldError: err.Error()})
	}
	return nil
}

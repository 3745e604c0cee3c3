package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"inowatch/internal/logging"
)

type logQuery struct {
	Limit    int
	Since    *time.Time
	Level    logging.Level
	Category string
}

func (h *RestHandler) handleLogs(w http.ResponseWriter, r *http.Request) *apiError {
	if h.Logger == nil || h.Logger.Buffer() == nil {
		return &apiError{Status: http.StatusServiceUnavailable, Message: "log buffer unavailable"}
	}
	if r.Method != http.MethodGet {
		return methodNotAllowed(w, "GET")
	}
	query, err := parseLogQuery(r)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, filterLogEntries(h.Logger.Buffer().List(), query))
	return nil
}

func parseLogQuery(r *http.Request) (logQuery, *apiError) {
	values := r.URL.Query()
	query := logQuery{
		Limit:    100,
		Category: strings.TrimSpace(values.Get("category")),
	}

	if rawLimit := strings.TrimSpace(values.Get("limit")); rawLimit != "" {
		limit, err := strconv.Atoi(rawLimit)
		if err != nil || limit <= 0 {
			return query, &apiError{Status: http.StatusBadRequest, Message: "invalid limit"}
		}
		query.Limit = limit
	}

	if rawSince := strings.TrimSpace(values.Get("since")); rawSince != "" {
		parsed, err := time.Parse(time.RFC3339, rawSince)
		if err != nil {
			return query, &apiError{Status: http.StatusBadRequest, Message: "invalid since timestamp"}
		}
		query.Since = &parsed
	}

	if rawLevel := strings.TrimSpace(values.Get("level")); rawLevel != "" {
		level, ok := logging.ParseLevel(rawLevel)
		if !ok {
			return query, &apiError{Status: http.StatusBadRequest, Message: "invalid log level"}
		}
		query.Level = level
	}

	return query, nil
}

func filterLogEntries(entries []logging.LogEntry, query logQuery) []logging.LogEntry {
	filtered := make([]logging.LogEntry, 0, len(entries))
	for _, entry := range entries {
		if query.Level != "" && !logging.LevelAtLeast(entry.Level, query.Level) {
			continue
		}
		if query.Since != nil && entry.Timestamp.Before(*query.Since) {
			continue
		}
		if query.Category != "" && entry.Context[logging.FieldCategory] != query.Category {
			continue
		}
		filtered = append(filtered, entry)
	}

	if query.Limit > 0 && len(filtered) > query.Limit {
		filtered = filtered[len(filtered)-query.Limit:]
	}

	return filtered
}

// LogsHandler streams new log entries to a websocket.
type LogsHandler struct {
	Logger         *logging.Logger
	AuthToken      string
	AllowedOrigins []string
}

func (h *LogsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !requireWSToken(w, r, h.AuthToken, h.Logger) {
		return
	}
	if h.Logger == nil {
		writeWSError(w, r, nil, nil, wsError{
			Status:  http.StatusServiceUnavailable,
			Message: "logger unavailable",
		})
		return
	}
	minLevel := logging.Level("")
	if raw := strings.TrimSpace(r.URL.Query().Get("level")); raw != "" {
		level, ok := logging.ParseLevel(raw)
		if !ok {
			writeWSError(w, r, nil, h.Logger, wsError{
				Status:  http.StatusBadRequest,
				Message: "invalid log level",
			})
			return
		}
		minLevel = level
	}

	entries, cancel := h.Logger.Subscribe()
	defer cancel()
	if entries == nil {
		writeWSError(w, r, nil, h.Logger, wsError{
			Status:  http.StatusServiceUnavailable,
			Message: "log stream unavailable",
		})
		return
	}
	serveWSStream(w, r, h.AllowedOrigins, h.Logger, entries, func(entry logging.LogEntry) (any, bool) {
		return entry, logging.LevelAtLeast(entry.Level, minLevel)
	})
}

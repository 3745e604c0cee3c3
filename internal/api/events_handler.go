package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"inowatch/internal/event"
	"inowatch/internal/inotify"
	"inowatch/internal/logging"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// EventSource is the part of the event bus the API reads from.
type EventSource interface {
	SubscribeFiltered(filter func(event.Event) bool) (<-chan event.Event, func())
	History(count int) []event.Event
}

// EventsHandler streams bus events to a websocket as JSON. The query
// parameters mask ("create|delete") and type ("watch_added,create") narrow
// the stream; the client can replace them later by sending
// {"mask": "...", "types": [...]}.
type EventsHandler struct {
	Source         EventSource
	Logger         *logging.Logger
	AuthToken      string
	AllowedOrigins []string
	// RateLimit caps events per second per connection; zero means no cap.
	RateLimit rate.Limit
	Burst     int
}

type eventSubscribeMessage struct {
	Mask  *string  `json:"mask"`
	Types []string `json:"types"`
}

// eventFilter selects events by type and, for file events, by mask bits.
type eventFilter struct {
	mutex sync.RWMutex
	types map[string]struct{}
	mask  inotify.Mask
}

func newEventFilter(mask inotify.Mask, types []string) *eventFilter {
	filter := &eventFilter{}
	filter.set(mask, types)
	return filter
}

func (filter *eventFilter) set(mask inotify.Mask, types []string) {
	set := make(map[string]struct{}, len(types))
	for _, eventType := range types {
		if eventType = strings.TrimSpace(eventType); eventType != "" {
			set[eventType] = struct{}{}
		}
	}
	filter.mutex.Lock()
	filter.types = set
	filter.mask = mask
	filter.mutex.Unlock()
}

func (filter *eventFilter) Allows(value event.Event) bool {
	if filter == nil {
		return true
	}
	filter.mutex.RLock()
	defer filter.mutex.RUnlock()
	if len(filter.types) > 0 {
		if _, ok := filter.types[value.Type()]; !ok {
			return false
		}
	}
	if filter.mask != 0 {
		if fileEvent, ok := value.(event.FileEvent); ok && !fileEvent.Mask.Any(filter.mask) {
			return false
		}
	}
	return true
}

func parseEventFilter(r *http.Request) (inotify.Mask, []string, error) {
	values := r.URL.Query()
	var mask inotify.Mask
	if raw := strings.TrimSpace(values.Get("mask")); raw != "" {
		parsed, err := inotify.ParseMask(raw)
		if err != nil {
			return 0, nil, err
		}
		mask = parsed
	}
	var types []string
	for _, raw := range values["type"] {
		types = append(types, strings.Split(raw, ",")...)
	}
	return mask, types, nil
}

func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !requireWSToken(w, r, h.AuthToken, h.Logger) {
		return
	}
	mask, types, err := parseEventFilter(r)
	if err != nil {
		writeWSError(w, r, nil, h.Logger, wsError{
			Status:  http.StatusBadRequest,
			Message: err.Error(),
		})
		return
	}
	if h.Source == nil {
		writeWSError(w, r, nil, h.Logger, wsError{
			Status:  http.StatusServiceUnavailable,
			Message: "event bus unavailable",
		})
		return
	}

	filter := newEventFilter(mask, types)
	limiter := rate.NewLimiter(rate.Inf, 0)
	if h.RateLimit > 0 {
		burst := h.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(h.RateLimit, burst)
	}

	conn, err := upgradeWebSocket(w, r, h.AllowedOrigins)
	if err != nil {
		logWSError(h.Logger, r, wsError{
			Status:  http.StatusBadRequest,
			Message: "websocket upgrade failed",
			Err:     err,
		})
		return
	}
	defer conn.Close()

	events, cancel := h.Source.SubscribeFiltered(filter.Allows)
	if events == nil {
		writeWSError(w, r, conn, h.Logger, wsError{
			Status:   http.StatusServiceUnavailable,
			Message:  "event stream unavailable",
			Envelope: true,
		})
		return
	}

	stream := &wsStream[event.Event]{
		Conn:   conn,
		Output: events,
		Payload: func(value event.Event) (any, bool) {
			return value, limiter.Allow()
		},
	}
	stream.start()
	defer cancel()
	defer stream.Stop()

	drain(conn, func(messageType int, data []byte) {
		if messageType != websocket.TextMessage {
			return
		}
		var payload eventSubscribeMessage
		if err := json.Unmarshal(data, &payload); err != nil {
			return
		}
		nextMask := inotify.Mask(0)
		if payload.Mask != nil && strings.TrimSpace(*payload.Mask) != "" {
			parsed, err := inotify.ParseMask(*payload.Mask)
			if err != nil {
				return
			}
			nextMask = parsed
		}
		filter.set(nextMask, payload.Types)
	})
}

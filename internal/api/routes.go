package api

import (
	"net/http"
	"time"

	"inowatch/internal/logging"
	"inowatch/internal/metrics"

	"golang.org/x/time/rate"
)

// Deps are the components the HTTP surface reads from. Any of them may be
// nil; the matching routes then answer 503.
type Deps struct {
	Source         EventSource
	Watches        WatchLister
	Metrics        *metrics.Registry
	Logger         *logging.Logger
	AuthToken      string
	AllowedOrigins []string
	// EventRateLimit caps websocket event delivery per connection.
	EventRateLimit rate.Limit
	StartedAt      time.Time
}

func RegisterRoutes(mux *http.ServeMux, deps Deps) {
	logger := deps.Logger
	if logger != nil {
		logger = logger.Category("api")
	}
	rest := &RestHandler{
		Source:    deps.Source,
		Watches:   deps.Watches,
		Metrics:   deps.Metrics,
		Logger:    logger,
		StartedAt: deps.StartedAt,
	}
	wrap := func(handler http.Handler) http.Handler {
		return loggingMiddleware(logger, handler)
	}

	mux.Handle("/ws/events", securityHeadersMiddleware(cacheControlNoStore, &EventsHandler{
		Source:         deps.Source,
		Logger:         logger,
		AuthToken:      deps.AuthToken,
		AllowedOrigins: deps.AllowedOrigins,
		RateLimit:      deps.EventRateLimit,
		Burst:          int(deps.EventRateLimit) + 1,
	}))
	mux.Handle("/ws/logs", securityHeadersMiddleware(cacheControlNoStore, &LogsHandler{
		Logger:         logger,
		AuthToken:      deps.AuthToken,
		AllowedOrigins: deps.AllowedOrigins,
	}))

	mux.Handle("/metrics", wrap(restHandler(deps.AuthToken, rest.handleMetrics)))
	mux.Handle("/api/status", wrap(restHandler(deps.AuthToken, rest.handleStatus)))
	mux.Handle("/api/watches", wrap(restHandler(deps.AuthToken, rest.handleWatches)))
	mux.Handle("/api/events", wrap(restHandler(deps.AuthToken, rest.handleEvents)))
	mux.Handle("/api/logs", wrap(restHandler(deps.AuthToken, rest.handleLogs)))
	mux.Handle("/api/", securityHeadersMiddleware(cacheControlNoStore, http.NotFoundHandler()))

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		setSecurityHeaders(w, cacheControlNoCache)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("inowatch ok\n"))
	})
}

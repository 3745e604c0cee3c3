package watcher

import (
	"sync"
	"sync/atomic"
	"time"

	"inowatch/internal/event"
	"inowatch/internal/inotify"
	"inowatch/internal/logging"
	"inowatch/internal/metrics"

	"golang.org/x/time/rate"
)

// Event is one decoded record resolved to a path.
type Event = event.FileEvent

// Handle releases a callback registration.
type Handle interface {
	Close() error
}

// Watch registers a callback for events on a path.
type Watch interface {
	Watch(path string, mask inotify.Mask, callback func(Event)) (Handle, error)
}

// Options controls watcher behavior.
type Options struct {
	Logger  *logging.Logger
	Metrics *metrics.Registry
	// Channel configures the inotify channel. Its Logger and Metrics default
	// to the ones above.
	Channel inotify.Config
	// Bus receives every event. When nil the watcher creates its own, keeping
	// HistorySize recent events.
	Bus         *event.Bus[event.Event]
	HistorySize int
	MaxWatches  int
	// Recursive extends directory watches to every subdirectory, including
	// ones created later.
	Recursive bool
	// OverflowWarnInterval limits how often a queue overflow is logged.
	OverflowWarnInterval time.Duration
	OnOverflow           func()
	// ErrorHandler is called when the channel fails and cannot be reopened.
	ErrorHandler func(error)
}

// Metrics is a snapshot of watcher activity.
type Metrics struct {
	ActiveWatches   int    `json:"active_watches"`
	Callbacks       int    `json:"callbacks"`
	EventsDelivered uint64 `json:"events_delivered"`
	EventsPublished int64  `json:"events_published"`
	EventsDropped   int64  `json:"events_dropped"`
	Overflows       uint64 `json:"overflows"`
	Errors          uint64 `json:"errors"`
	RestartAttempts int    `json:"restart_attempts"`
}

// Watcher is the concrete inotify-backed implementation.
type Watcher struct {
	mutex         sync.Mutex
	controller    *inotify.Controller
	options       Options
	logger        *logging.Logger
	bus           *event.Bus[event.Event]
	ownsBus       bool
	registrations map[string]*registration
	byID          map[inotify.WatchID]string
	nextID        uint64
	closed        bool
	done          chan struct{}
	overflowLog   *rate.Limiter

	restartMutex    sync.Mutex
	restartTimer    *time.Timer
	restartAttempts int

	eventsDelivered atomic.Uint64
	overflows       atomic.Uint64
	errorCount      atomic.Uint64
}

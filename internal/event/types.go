package event

import (
	"encoding/json"
	"time"

	"inowatch/internal/inotify"

	"github.com/fsnotify/fsnotify"
)

// Event represents a typed event with an occurrence timestamp.
type Event interface {
	Type() string
	Timestamp() time.Time
}

// FileEvent is one inotify record resolved against the watch table.
type FileEvent struct {
	EventType string
	WatchID   inotify.WatchID
	// Watch is the registered path the record was reported for. It is empty
	// for queue overflows and for ids the table no longer knows.
	Watch      string
	Name       string
	Path       string
	Mask       inotify.Mask
	Op         fsnotify.Op
	Cookie     uint32
	OccurredAt time.Time
}

func (e FileEvent) Type() string {
	return e.EventType
}

func (e FileEvent) Timestamp() time.Time {
	return e.OccurredAt
}

func (e FileEvent) MarshalJSON() ([]byte, error) {
	payload := struct {
		Type      string    `json:"type"`
		WatchID   int32     `json:"wd"`
		Watch     string    `json:"watch,omitempty"`
		Name      string    `json:"name,omitempty"`
		Path      string    `json:"path,omitempty"`
		Mask      string    `json:"mask"`
		Op        string    `json:"op,omitempty"`
		Cookie    uint32    `json:"cookie,omitempty"`
		IsDir     bool      `json:"is_dir,omitempty"`
		Timestamp time.Time `json:"timestamp"`
	}{
		Type:      e.EventType,
		WatchID:   int32(e.WatchID),
		Watch:     e.Watch,
		Name:      e.Name,
		Path:      e.Path,
		Mask:      e.Mask.String(),
		Cookie:    e.Cookie,
		IsDir:     e.Mask.Has(inotify.MaskIsDir),
		Timestamp: e.OccurredAt,
	}
	if e.Op != 0 {
		payload.Op = e.Op.String()
	}
	return json.Marshal(payload)
}

// WatchEvent reports a change to the set of registered watches.
type WatchEvent struct {
	EventType  string          `json:"type"`
	WatchID    inotify.WatchID `json:"wd"`
	Path       string          `json:"path"`
	Mask       string          `json:"mask,omitempty"`
	OccurredAt time.Time       `json:"timestamp"`
}

const (
	WatchAdded   = "watch_added"
	WatchRemoved = "watch_removed"
	// WatchDropped is sent when the kernel removes a watch on its own.
	WatchDropped = "watch_dropped"
)

func NewWatchEvent(eventType string, watch inotify.Watch) WatchEvent {
	event := WatchEvent{
		EventType:  eventType,
		WatchID:    watch.ID,
		Path:       watch.Path,
		OccurredAt: time.Now().UTC(),
	}
	if watch.Mask != 0 {
		event.Mask = watch.Mask.String()
	}
	return event
}

func (e WatchEvent) Type() string {
	return e.EventType
}

func (e WatchEvent) Timestamp() time.Time {
	return e.OccurredAt
}

package watcher

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"time"

	"inowatch/internal/event"
	"inowatch/internal/inotify"
	"inowatch/internal/logging"
	"inowatch/internal/metrics"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"
)

const (
	defaultMaxWatches           = 8192
	defaultHistorySize          = 256
	defaultOverflowWarnInterval = 10 * time.Second
	maxRestartAttempts          = 3
	restartBaseDelay            = 200 * time.Millisecond
)

var (
	ErrMaxWatchesExceeded = errors.New("max watches exceeded")
	ErrClosed             = errors.New("watcher is closed")
)

// New creates a Watcher with default options.
func New() (*Watcher, error) {
	return NewWithOptions(Options{})
}

// NewWithOptions opens an inotify channel and starts the reader goroutine.
func NewWithOptions(options Options) (*Watcher, error) {
	if options.Logger == nil {
		options.Logger = logging.Discard()
	}
	if options.Metrics == nil {
		options.Metrics = metrics.Default
	}
	if options.Channel.Logger == nil {
		options.Channel.Logger = options.Logger
	}
	if options.Channel.Metrics == nil {
		options.Channel.Metrics = options.Metrics
	}
	if options.MaxWatches <= 0 {
		options.MaxWatches = defaultMaxWatches
	}
	if options.HistorySize <= 0 {
		options.HistorySize = defaultHistorySize
	}
	if options.OverflowWarnInterval <= 0 {
		options.OverflowWarnInterval = defaultOverflowWarnInterval
	}

	controller, err := inotify.Open(options.Channel)
	if err != nil {
		return nil, err
	}

	instance := &Watcher{
		controller:    controller,
		options:       options,
		logger:        options.Logger.Category("watcher"),
		bus:           options.Bus,
		registrations: make(map[string]*registration),
		byID:          make(map[inotify.WatchID]string),
		done:          make(chan struct{}),
		overflowLog:   rate.NewLimiter(rate.Every(options.OverflowWarnInterval), 1),
	}
	if instance.bus == nil {
		instance.bus = event.NewBus[event.Event](context.Background(), event.BusOptions{
			Name:        "watcher_events",
			HistorySize: options.HistorySize,
			Registry:    options.Metrics,
			Logger:      options.Logger,
		})
		instance.ownsBus = true
	}

	go instance.run(controller)
	return instance, nil
}

// Close stops event processing and releases the inotify channel. Callbacks
// already running may still complete.
func (watcher *Watcher) Close() error {
	if watcher == nil {
		return nil
	}

	watcher.mutex.Lock()
	if watcher.closed {
		watcher.mutex.Unlock()
		return nil
	}
	watcher.closed = true
	controller := watcher.controller
	watcher.registrations = make(map[string]*registration)
	watcher.byID = make(map[inotify.WatchID]string)
	watcher.mutex.Unlock()

	watcher.restartMutex.Lock()
	if watcher.restartTimer != nil {
		watcher.restartTimer.Stop()
		watcher.restartTimer = nil
	}
	watcher.restartMutex.Unlock()

	close(watcher.done)
	err := controller.Close()
	if watcher.ownsBus {
		watcher.bus.Close()
	}
	return err
}

// run reads controller until it is closed. A restart replaces the controller
// and starts a new run.
func (watcher *Watcher) run(controller *inotify.Controller) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-watcher.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	stream := inotify.NewStream(controller)
	for record, err := range stream.All(ctx) {
		if err != nil {
			if errors.Is(err, inotify.ErrChannelClosed) {
				return
			}
			watcher.handleError(err)
			return
		}
		watcher.dispatch(record)
	}
}

func (watcher *Watcher) dispatch(record inotify.Event) {
	now := time.Now().UTC()
	if record.Overflowed() {
		watcher.handleOverflow(record, now)
		return
	}

	watcher.mutex.Lock()
	if watcher.closed {
		watcher.mutex.Unlock()
		return
	}
	watchPath := watcher.byID[record.WatchID]
	entry := Event{
		EventType:  record.Mask.Kind(),
		WatchID:    record.WatchID,
		Watch:      watchPath,
		Name:       record.Name,
		Path:       joinName(watchPath, record.Name),
		Mask:       record.Mask,
		Op:         opFromMask(record.Mask),
		Cookie:     record.Cookie,
		OccurredAt: now,
	}

	var targets []func(Event)
	if watchPath != "" {
		targets = watcher.callbacksForPathLocked(watchPath, record.Mask)
	}
	var dropped *registration
	if record.Ignored() && watchPath != "" {
		dropped = watcher.forgetLocked(record.WatchID)
	}
	var roots []string
	if watcher.options.Recursive && watchPath != "" && record.IsDir() && record.Mask.Any(inotify.MaskCreate|inotify.MaskMovedTo) {
		roots = watcher.recursiveRootsLocked(entry.Path)
	}
	watcher.mutex.Unlock()

	watcher.bus.Publish(entry)
	for _, callback := range targets {
		callback(entry)
		watcher.eventsDelivered.Add(1)
	}

	if dropped != nil {
		watcher.logger.Debug("watch dropped by kernel", map[string]string{
			logging.FieldPath:    dropped.path,
			logging.FieldWatchID: strconv.Itoa(int(record.WatchID)),
		})
		watcher.bus.Publish(event.NewWatchEvent(event.WatchDropped, inotify.Watch{ID: record.WatchID, Path: dropped.path, Mask: dropped.mask}))
	}
	for _, root := range roots {
		if err := watcher.addRecursiveWatches(root, entry.Path, true); err != nil {
			watcher.logger.Warn("recursive watch add failed", map[string]string{
				logging.FieldPath:  entry.Path,
				logging.FieldError: err.Error(),
			})
		}
	}
}

func (watcher *Watcher) handleOverflow(record inotify.Event, now time.Time) {
	watcher.overflows.Add(1)
	watcher.bus.Publish(Event{
		EventType:  record.Mask.Kind(),
		WatchID:    record.WatchID,
		Mask:       record.Mask,
		OccurredAt: now,
	})
	if watcher.overflowLog.Allow() {
		watcher.logger.Warn("inotify queue overflowed, events were lost", map[string]string{
			"overflows": strconv.FormatUint(watcher.overflows.Load(), 10),
		})
	}
	if watcher.options.OnOverflow != nil {
		watcher.options.OnOverflow()
	}
}

// Subscribe streams every event published by the watcher, including watch
// lifecycle events.
func (watcher *Watcher) Subscribe() (<-chan event.Event, func()) {
	return watcher.Bus().Subscribe()
}

func (watcher *Watcher) Bus() *event.Bus[event.Event] {
	if watcher == nil {
		return nil
	}
	return watcher.bus
}

// Watches lists the kernel watches currently registered, ordered by id.
func (watcher *Watcher) Watches() []inotify.Watch {
	if watcher == nil {
		return nil
	}
	watcher.mutex.Lock()
	controller := watcher.controller
	watcher.mutex.Unlock()
	return controller.Table().Watches()
}

// Metrics reports current watcher stats.
func (watcher *Watcher) Metrics() Metrics {
	if watcher == nil {
		return Metrics{}
	}
	watcher.mutex.Lock()
	active := len(watcher.registrations)
	callbacks := 0
	for _, reg := range watcher.registrations {
		callbacks += len(reg.callbacks)
	}
	watcher.mutex.Unlock()
	watcher.restartMutex.Lock()
	restartAttempts := watcher.restartAttempts
	watcher.restartMutex.Unlock()
	return Metrics{
		ActiveWatches:   active,
		Callbacks:       callbacks,
		EventsDelivered: watcher.eventsDelivered.Load(),
		EventsPublished: watcher.bus.Published(),
		EventsDropped:   watcher.bus.Dropped(),
		Overflows:       watcher.overflows.Load(),
		Errors:          watcher.errorCount.Load(),
		RestartAttempts: restartAttempts,
	}
}

func joinName(dir, name string) string {
	if name == "" {
		return dir
	}
	if dir == "" {
		return name
	}
	return filepath.Join(dir, name)
}

// opFromMask maps a kernel mask to the portable operations, following the
// translation fsnotify applies on Linux.
func opFromMask(mask inotify.Mask) fsnotify.Op {
	var op fsnotify.Op
	if mask.Any(inotify.MaskCreate | inotify.MaskMovedTo) {
		op |= fsnotify.Create
	}
	if mask.Any(inotify.MaskModify) {
		op |= fsnotify.Write
	}
	if mask.Any(inotify.MaskDelete | inotify.MaskDeleteSelf) {
		op |= fsnotify.Remove
	}
	if mask.Any(inotify.MaskMovedFrom | inotify.MaskMoveSelf) {
		op |= fsnotify.Rename
	}
	if mask.Any(inotify.MaskAttrib) {
		op |= fsnotify.Chmod
	}
	return op
}

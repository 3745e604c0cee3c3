package event

import (
	"context"
	"reflect"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"inowatch/internal/buffer"
	"inowatch/internal/logging"
	"inowatch/internal/metrics"
)

const (
	defaultSubscriberBufferSize = 256
	defaultDropWarningThreshold = 0.01
	defaultDropWarningInterval  = 30 * time.Second
)

type BusOptions struct {
	Name                 string
	SubscriberBufferSize int
	// BlockOnFull makes Publish wait for slow subscribers, up to WriteTimeout,
	// instead of dropping the event for them.
	BlockOnFull          bool
	WriteTimeout         time.Duration
	MaxSubscribers       int
	DropWarningThreshold float64
	DropWarningInterval  time.Duration
	// HistorySize keeps the last N published events for late subscribers.
	HistorySize int
	Registry    *metrics.Registry
	Logger      *logging.Logger
}

// Bus fans published values out to subscriber channels. Publishing never
// blocks unless BlockOnFull is set.
type Bus[T any] struct {
	mu          sync.Mutex
	subscribers map[uint64]subscription[T]
	nextSubID   atomic.Uint64
	closed      bool
	closeOnce   sync.Once
	options     BusOptions
	registry    *metrics.Registry
	logger      *logging.Logger
	published   atomic.Int64
	dropped     atomic.Int64
	lastWarning atomic.Int64
	history     *buffer.Ring[T]
}

type subscription[T any] struct {
	id     uint64
	ch     chan T
	filter func(T) bool
}

// NewBus creates a bus that closes itself when ctx is done.
func NewBus[T any](ctx context.Context, opts BusOptions) *Bus[T] {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.SubscriberBufferSize <= 0 {
		opts.SubscriberBufferSize = defaultSubscriberBufferSize
	}
	if opts.DropWarningThreshold <= 0 {
		opts.DropWarningThreshold = defaultDropWarningThreshold
	}
	if opts.DropWarningInterval <= 0 {
		opts.DropWarningInterval = defaultDropWarningInterval
	}
	if opts.Name == "" {
		opts.Name = "bus"
	}
	bus := &Bus[T]{
		subscribers: make(map[uint64]subscription[T]),
		options:     opts,
		registry:    opts.Registry,
		logger:      opts.Logger.Category(opts.Name),
	}
	if opts.HistorySize > 0 {
		bus.history = buffer.NewRing[T](opts.HistorySize)
	}
	if bus.registry == nil {
		bus.registry = metrics.Default
	}
	if done := ctx.Done(); done != nil {
		go func() {
			<-done
			bus.Close()
		}()
	}
	return bus
}

func (b *Bus[T]) Subscribe() (<-chan T, func()) {
	return b.SubscribeFiltered(nil)
}

// SubscribeFiltered delivers only values for which filter returns true. The
// returned channel is closed by cancel, by Close, or when the subscriber is
// removed for falling behind in blocking mode.
func (b *Bus[T]) SubscribeFiltered(filter func(T) bool) (<-chan T, func()) {
	if b == nil {
		return closedChannel[T](), func() {}
	}

	ch := make(chan T, b.options.SubscriberBufferSize)
	id := b.nextSubID.Add(1)

	b.mu.Lock()
	if b.closed || (b.options.MaxSubscribers > 0 && len(b.subscribers) >= b.options.MaxSubscribers) {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	b.subscribers[id] = subscription[T]{id: id, ch: ch, filter: filter}
	b.mu.Unlock()

	return ch, func() { b.removeSubscriber(id) }
}

// SubscribeTypes delivers only events whose Type is one of eventTypes.
func (b *Bus[T]) SubscribeTypes(eventTypes ...string) (<-chan T, func()) {
	typeSet := make(map[string]struct{}, len(eventTypes))
	for _, eventType := range eventTypes {
		if eventType != "" {
			typeSet[eventType] = struct{}{}
		}
	}
	if len(typeSet) == 0 {
		return closedChannel[T](), func() {}
	}
	return b.SubscribeFiltered(func(value T) bool {
		typed, ok := any(value).(Event)
		if !ok {
			return false
		}
		_, matched := typeSet[typed.Type()]
		return matched
	})
}

func (b *Bus[T]) Publish(value T) {
	if b == nil || isNil(value) {
		return
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	if b.history != nil {
		b.history.Add(value)
	}
	subscribers := make([]subscription[T], 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		subscribers = append(subscribers, sub)
	}
	b.mu.Unlock()

	eventType := typeOf(value)
	b.published.Add(1)
	b.registry.IncBusPublished()

	for _, sub := range subscribers {
		if !b.filterAllows(sub, value) {
			continue
		}
		if b.options.BlockOnFull {
			b.blockingSend(sub, value, eventType)
		} else {
			b.nonBlockingSend(sub, value, eventType)
		}
	}
}

func (b *Bus[T]) Close() {
	if b == nil {
		return
	}
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		subscribers := b.subscribers
		b.subscribers = make(map[uint64]subscription[T])
		b.mu.Unlock()

		for _, sub := range subscribers {
			close(sub.ch)
		}
	})
}

// History returns up to count of the most recent values, oldest first. A
// count of zero or less returns everything kept.
func (b *Bus[T]) History(count int) []T {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.history.Last(count)
}

func (b *Bus[T]) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

func (b *Bus[T]) Published() int64 {
	if b == nil {
		return 0
	}
	return b.published.Load()
}

func (b *Bus[T]) Dropped() int64 {
	if b == nil {
		return 0
	}
	return b.dropped.Load()
}

func (b *Bus[T]) nonBlockingSend(sub subscription[T], value T, eventType string) {
	delivered := b.safeSend(sub, func() bool {
		select {
		case sub.ch <- value:
			return true
		default:
			return false
		}
	})
	if !delivered {
		b.drop(eventType)
	}
}

func (b *Bus[T]) blockingSend(sub subscription[T], value T, eventType string) {
	start := time.Now()
	delivered := b.safeSend(sub, func() bool {
		if b.options.WriteTimeout <= 0 {
			sub.ch <- value
			return true
		}
		timer := time.NewTimer(b.options.WriteTimeout)
		defer timer.Stop()
		select {
		case sub.ch <- value:
			return true
		case <-timer.C:
			return false
		}
	})
	if delivered {
		return
	}
	b.drop(eventType)
	b.removeSubscriber(sub.id)
	b.logger.Warn("subscriber timed out and was removed", map[string]string{
		"blocked": time.Since(start).String(),
	})
}

// safeSend reports a send on a channel closed concurrently by cancel as a
// failed delivery.
func (b *Bus[T]) safeSend(sub subscription[T], send func() bool) (delivered bool) {
	defer func() {
		if recover() != nil {
			b.removeSubscriber(sub.id)
			delivered = false
		}
	}()
	return send()
}

func (b *Bus[T]) removeSubscriber(id uint64) {
	if b == nil {
		return
	}
	b.mu.Lock()
	existing, ok := b.subscribers[id]
	delete(b.subscribers, id)
	b.mu.Unlock()

	if ok {
		close(existing.ch)
	}
}

func (b *Bus[T]) filterAllows(sub subscription[T], value T) (allowed bool) {
	if sub.filter == nil {
		return true
	}
	defer func() {
		if recover() != nil {
			b.logger.Error("subscriber filter panicked", nil)
			b.removeSubscriber(sub.id)
			allowed = false
		}
	}()
	return sub.filter(value)
}

func (b *Bus[T]) drop(eventType string) {
	b.dropped.Add(1)
	b.registry.IncBusDropped()
	b.maybeWarnDropRate(eventType)
}

func (b *Bus[T]) maybeWarnDropRate(eventType string) {
	published := b.published.Load()
	dropped := b.dropped.Load()
	if published == 0 || dropped == 0 {
		return
	}
	rate := float64(dropped) / float64(published)
	if rate < b.options.DropWarningThreshold {
		return
	}
	now := time.Now()
	lastNanos := b.lastWarning.Load()
	if lastNanos > 0 && now.Sub(time.Unix(0, lastNanos)) < b.options.DropWarningInterval {
		return
	}
	if !b.lastWarning.CompareAndSwap(lastNanos, now.UnixNano()) {
		return
	}
	b.logger.Warn("subscribers are dropping events", map[string]string{
		"rate":      strconv.FormatFloat(rate*100, 'f', 2, 64) + "%",
		"dropped":   strconv.FormatInt(dropped, 10),
		"published": strconv.FormatInt(published, 10),
		"type":      eventType,
	})
}

func typeOf(value any) string {
	typed, ok := value.(Event)
	if !ok || typed.Type() == "" {
		return "unknown"
	}
	return typed.Type()
}

func closedChannel[T any]() chan T {
	ch := make(chan T)
	close(ch)
	return ch
}

func isNil[T any](value T) bool {
	kind := reflect.ValueOf(value)
	if !kind.IsValid() {
		return true
	}
	switch kind.Kind() {
	case reflect.Chan, reflect.Func, reflect.Map, reflect.Pointer, reflect.Interface, reflect.Slice:
		return kind.IsNil()
	default:
		return false
	}
}

package event

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"inowatch/internal/inotify"
	"inowatch/internal/logging"
	"inowatch/internal/metrics"
)

func TestBusSubscribePublish(t *testing.T) {
	bus := NewBus[int](context.Background(), BusOptions{})
	t.Cleanup(bus.Close)

	ch, cancel := bus.Subscribe()
	defer cancel()

	bus.Publish(42)

	if got := ReceiveWithTimeout(t, ch, 100*time.Millisecond); got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}

	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel to close after cancel")
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timed out waiting for channel close")
	}
}

func TestBusCloseClosesSubscribers(t *testing.T) {
	bus := NewBus[int](context.Background(), BusOptions{})
	ch, _ := bus.Subscribe()

	bus.Close()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel to close after bus close")
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timed out waiting for channel close")
	}

	late, _ := bus.Subscribe()
	if _, ok := <-late; ok {
		t.Fatal("expected subscription after close to be closed")
	}
}

func TestBusDropOnFull(t *testing.T) {
	registry := &metrics.Registry{}
	bus := NewBus[string](context.Background(), BusOptions{
		Name:                 "drop",
		SubscriberBufferSize: 1,
		Registry:             registry,
	})
	t.Cleanup(bus.Close)

	ch, _ := bus.Subscribe()

	bus.Publish("first")

	done := make(chan struct{})
	go func() {
		bus.Publish("second")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("publish blocked in drop mode")
	}

	if got := ReceiveWithTimeout(t, ch, 100*time.Millisecond); got != "first" {
		t.Fatalf("expected first event, got %q", got)
	}

	select {
	case got := <-ch:
		t.Fatalf("unexpected event %q", got)
	case <-time.After(50 * time.Millisecond):
	}

	if bus.Published() != 2 || bus.Dropped() != 1 {
		t.Fatalf("expected 2 published and 1 dropped, got %d and %d", bus.Published(), bus.Dropped())
	}

	var output bytes.Buffer
	if err := registry.WritePrometheus(&output); err != nil {
		t.Fatalf("write metrics: %v", err)
	}
	body := output.String()
	if !strings.Contains(body, "inowatch_bus_published_total 2") {
		t.Fatalf("expected published metrics, got %q", body)
	}
	if !strings.Contains(body, "inowatch_bus_dropped_total 1") {
		t.Fatalf("expected dropped metrics, got %q", body)
	}
}

func TestBusWarnsAboutDrops(t *testing.T) {
	buffer := logging.NewLogBuffer(10)
	logger := logging.NewLoggerWithOutput(buffer, logging.LevelWarning, nil)
	bus := NewBus[int](context.Background(), BusOptions{
		Name:                 "events",
		SubscriberBufferSize: 1,
		Registry:             &metrics.Registry{},
		Logger:               logger,
	})
	t.Cleanup(bus.Close)

	_, cancel := bus.Subscribe()
	defer cancel()
	for i := 0; i < 5; i++ {
		bus.Publish(i)
	}

	entries := buffer.List()
	if len(entries) != 1 {
		t.Fatalf("expected one rate-limited warning, got %d", len(entries))
	}
	if entries[0].Context[logging.FieldCategory] != "events" || entries[0].Context["dropped"] != "1" {
		t.Fatalf("unexpected warning context %v", entries[0].Context)
	}
}

func TestBusHistoryStoresRecentEvents(t *testing.T) {
	bus := NewBus[int](context.Background(), BusOptions{
		HistorySize: 2,
	})
	t.Cleanup(bus.Close)

	bus.Publish(1)
	bus.Publish(2)
	bus.Publish(3)

	history := bus.History(0)
	if len(history) != 2 {
		t.Fatalf("expected 2 history events, got %d", len(history))
	}
	if history[0] != 2 || history[1] != 3 {
		t.Fatalf("unexpected history events: %#v", history)
	}
	if last := bus.History(1); len(last) != 1 || last[0] != 3 {
		t.Fatalf("expected newest event only, got %#v", last)
	}
}

func TestBusWithoutHistory(t *testing.T) {
	bus := NewBus[int](context.Background(), BusOptions{})
	t.Cleanup(bus.Close)

	bus.Publish(1)
	if history := bus.History(0); history != nil {
		t.Fatalf("expected no history, got %v", history)
	}
}

func TestBusBlockOnFullTimeout(t *testing.T) {
	bus := NewBus[int](context.Background(), BusOptions{
		Name:                 "block",
		SubscriberBufferSize: 1,
		BlockOnFull:          true,
		WriteTimeout:         20 * time.Millisecond,
	})
	t.Cleanup(bus.Close)

	ch, _ := bus.Subscribe()

	bus.Publish(1)

	done := make(chan struct{})
	go func() {
		bus.Publish(2)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("publish returned too early in block mode")
	case <-time.After(10 * time.Millisecond):
	}

	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("publish did not return after timeout")
	}

	if got := ReceiveWithTimeout(t, ch, 100*time.Millisecond); got != 1 {
		t.Fatalf("expected first event, got %d", got)
	}

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel to close after timeout")
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timed out waiting for channel close")
	}
}

func TestBusSubscribeFiltered(t *testing.T) {
	bus := NewBus[int](context.Background(), BusOptions{})
	t.Cleanup(bus.Close)

	ch, _ := bus.SubscribeFiltered(func(value int) bool {
		return value%2 == 0
	})

	bus.Publish(1)
	bus.Publish(2)

	if got := ReceiveWithTimeout(t, ch, 100*time.Millisecond); got != 2 {
		t.Fatalf("expected filtered event 2, got %d", got)
	}

	select {
	case got := <-ch:
		t.Fatalf("unexpected event %d", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBusPanickingFilterIsRemoved(t *testing.T) {
	bus := NewBus[int](context.Background(), BusOptions{})
	t.Cleanup(bus.Close)

	ch, _ := bus.SubscribeFiltered(func(int) bool { panic("boom") })
	bus.Publish(1)

	if _, ok := <-ch; ok {
		t.Fatal("expected subscriber with panicking filter to be closed")
	}
	if bus.SubscriberCount() != 0 {
		t.Fatalf("expected no subscribers, got %d", bus.SubscriberCount())
	}
}

func TestBusSubscribeTypes(t *testing.T) {
	bus := NewBus[Event](context.Background(), BusOptions{})
	t.Cleanup(bus.Close)

	ch, _ := bus.SubscribeTypes(WatchAdded, WatchDropped)

	watch := inotify.Watch{ID: 1, Path: "/srv", Mask: inotify.MaskCreate}
	bus.Publish(NewWatchEvent(WatchAdded, watch))
	bus.Publish(FileEvent{EventType: "create", WatchID: 1, Name: "f"})
	bus.Publish(NewWatchEvent(WatchDropped, watch))

	first := ReceiveWithTimeout(t, ch, 100*time.Millisecond)
	second := ReceiveWithTimeout(t, ch, 100*time.Millisecond)
	if first.Type() != WatchAdded {
		t.Fatalf("expected %s, got %q", WatchAdded, first.Type())
	}
	if second.Type() != WatchDropped {
		t.Fatalf("expected %s, got %q", WatchDropped, second.Type())
	}

	empty, _ := bus.SubscribeTypes("")
	if _, ok := <-empty; ok {
		t.Fatal("expected empty type set to yield a closed channel")
	}
}

func TestBusMaxSubscribers(t *testing.T) {
	bus := NewBus[int](context.Background(), BusOptions{MaxSubscribers: 1})
	t.Cleanup(bus.Close)

	_, cancel := bus.Subscribe()
	defer cancel()
	rejected, _ := bus.Subscribe()
	if _, ok := <-rejected; ok {
		t.Fatal("expected subscription beyond the limit to be closed")
	}
}

func TestBusContextCancelCloses(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	bus := NewBus[int](ctx, BusOptions{})

	ch, _ := bus.Subscribe()
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel to close after context cancel")
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timed out waiting for channel close")
	}
}

func TestBusConcurrentSubscribePublish(t *testing.T) {
	bus := NewBus[int](context.Background(), BusOptions{SubscriberBufferSize: 4})
	t.Cleanup(bus.Close)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, cancel := bus.Subscribe()
			time.Sleep(time.Millisecond)
			cancel()
		}()
		go func(value int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				bus.Publish(value)
			}
		}(i)
	}
	wg.Wait()
}

func TestBusNilEventIgnored(t *testing.T) {
	bus := NewBus[Event](context.Background(), BusOptions{HistorySize: 4})
	t.Cleanup(bus.Close)

	bus.Publish(nil)
	if bus.Published() != 0 || len(bus.History(0)) != 0 {
		t.Fatal("expected nil event to be ignored")
	}
}

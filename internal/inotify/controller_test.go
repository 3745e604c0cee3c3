//go:build linux

package inotify

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"inowatch/internal/logging"
	"inowatch/internal/metrics"

	"golang.org/x/sys/unix"
)

func openFake(t *testing.T, config Config) (*Controller, *pipeFacility, *metrics.Registry) {
	t.Helper()
	sys := newPipeFacility(t)
	registry := &metrics.Registry{}
	config.Metrics = registry
	controller, err := open(sys, config)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = controller.Close() })
	return controller, sys, registry
}

func TestControllerOpenFailure(t *testing.T) {
	sys := newPipeFacility(t)
	sys.initErr = unix.EMFILE
	registry := &metrics.Registry{}

	controller, err := open(sys, Config{Metrics: registry})
	if controller != nil {
		t.Fatal("expected no controller")
	}
	if !errors.Is(err, ErrChannelInit) || !errors.Is(err, unix.EMFILE) {
		t.Fatalf("expected ErrChannelInit wrapping EMFILE, got %v", err)
	}
	if registry.Snapshot().Errors["channel_init"] != 1 {
		t.Fatalf("expected channel_init error to be counted, got %v", registry.Snapshot().Errors)
	}
}

func TestControllerAddWatchSamePath(t *testing.T) {
	controller, _, registry := openFake(t, Config{})

	first, err := controller.AddWatch("/watched", MaskCreate)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	second, err := controller.AddWatch("/watched", MaskDelete)
	if err != nil {
		t.Fatalf("add again: %v", err)
	}
	if first != second {
		t.Fatalf("expected same id, got %d and %d", first, second)
	}
	if controller.Table().Len() != 1 {
		t.Fatalf("expected one watch, got %d", controller.Table().Len())
	}
	if path, ok := controller.Resolve(first); !ok || path != "/watched" {
		t.Fatalf("expected /watched, got %q %v", path, ok)
	}
	snapshot := registry.Snapshot()
	if snapshot.WatchesAdded != 2 || snapshot.ActiveWatches != 1 {
		t.Fatalf("unexpected metrics %+v", snapshot)
	}
}

func TestControllerAddWatchRejectsBadInput(t *testing.T) {
	controller, sys, _ := openFake(t, Config{})
	sys.addErrs["/missing"] = unix.ENOENT
	sys.addErrs["/secret"] = unix.EACCES
	sys.addErrs["/full"] = unix.ENOSPC

	cases := []struct {
		path string
		mask Mask
		want error
	}{
		{"/with\x00nul", MaskCreate, ErrInvalidPath},
		{"/watched", 0, ErrInvalidMask},
		{"/watched", MaskOnlyDir | MaskDontFollow, ErrInvalidMask},
		{"/missing", MaskCreate, ErrPathNotFound},
		{"/secret", MaskCreate, ErrPermissionDenied},
		{"/full", MaskCreate, ErrWatchLimitExceeded},
	}
	for _, tc := range cases {
		id, err := controller.AddWatch(tc.path, tc.mask)
		if !errors.Is(err, tc.want) {
			t.Fatalf("%q %v: expected %v, got %v", tc.path, tc.mask, tc.want, err)
		}
		if id != -1 {
			t.Fatalf("expected id -1 on failure, got %d", id)
		}
	}
	if controller.Table().Len() != 0 {
		t.Fatalf("expected no watches, got %d", controller.Table().Len())
	}
}

func TestControllerRemoveWatch(t *testing.T) {
	controller, sys, _ := openFake(t, Config{})
	id, err := controller.AddWatch("/watched", MaskCreate)
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	if err := controller.RemoveWatch(id); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if removed := sys.removals(); len(removed) != 1 || removed[0] != uint32(id) {
		t.Fatalf("expected kernel removal of %d, got %v", id, removed)
	}
	if err := controller.RemoveWatch(id); !errors.Is(err, ErrUnknownWatch) {
		t.Fatalf("expected ErrUnknownWatch, got %v", err)
	}
	if err := controller.RemoveWatch(42); !errors.Is(err, ErrUnknownWatch) {
		t.Fatalf("expected ErrUnknownWatch for unregistered id, got %v", err)
	}
}

func TestControllerReadResolvesNames(t *testing.T) {
	controller, sys, registry := openFake(t, Config{})
	id, err := controller.AddWatch("/watched", MaskCreate)
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	sys.write(t, Event{WatchID: id, Mask: MaskCreate, Name: "f"})
	events, err := controller.ReadEvents()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(events) != 1 || events[0].Name != "f" || events[0].WatchID != id {
		t.Fatalf("unexpected events %v", events)
	}
	if path, _ := controller.Resolve(events[0].WatchID); path != "/watched" {
		t.Fatalf("expected event to resolve to /watched, got %q", path)
	}
	snapshot := registry.Snapshot()
	if snapshot.Reads != 1 || snapshot.Events["create"] != 1 {
		t.Fatalf("unexpected metrics %+v", snapshot)
	}
}

func TestControllerReapsIgnoredWatches(t *testing.T) {
	controller, sys, registry := openFake(t, Config{})
	id, err := controller.AddWatch("/watched/file", MaskDeleteSelf)
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	sys.write(t,
		Event{WatchID: id, Mask: MaskDeleteSelf},
		Event{WatchID: id, Mask: MaskIgnored},
	)
	events, err := controller.ReadEvents()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(events) != 2 || !events[1].Ignored() {
		t.Fatalf("expected delete_self then ignored, got %v", events)
	}
	if _, ok := controller.Resolve(id); ok {
		t.Fatal("expected ignored watch to be gone from the table")
	}
	if err := controller.RemoveWatch(id); err != nil {
		t.Fatalf("expected removal after IGNORED to succeed, got %v", err)
	}
	if removed := sys.removals(); len(removed) != 0 {
		t.Fatalf("expected no kernel removal, got %v", removed)
	}
	if registry.Snapshot().Ignored != 1 {
		t.Fatalf("expected one ignored event counted, got %+v", registry.Snapshot())
	}
}

func TestControllerCountsOverflow(t *testing.T) {
	buffer := logging.NewLogBuffer(10)
	logger := logging.NewLoggerWithOutput(buffer, logging.LevelWarning, nil)
	controller, sys, registry := openFake(t, Config{Logger: logger})

	sys.write(t, Event{WatchID: -1, Mask: MaskQueueOverflow})
	events, err := controller.ReadEvents()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(events) != 1 || !events[0].Overflowed() {
		t.Fatalf("expected overflow event, got %v", events)
	}
	if registry.Snapshot().Overflows != 1 {
		t.Fatalf("expected overflow counted, got %+v", registry.Snapshot())
	}
	entries := buffer.List()
	if len(entries) != 1 || entries[0].Context[logging.FieldCategory] != "decode" {
		t.Fatalf("expected one decode warning, got %v", entries)
	}
}

func TestControllerNonBlockingEmptyRead(t *testing.T) {
	controller, sys, registry := openFake(t, Config{NonBlocking: true})

	events, err := controller.ReadEvents()
	if err != nil {
		t.Fatalf("expected empty read to succeed, got %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected no events, got %v", events)
	}
	if registry.Snapshot().EmptyReads != 1 {
		t.Fatalf("expected empty read counted, got %+v", registry.Snapshot())
	}

	sys.write(t, Event{WatchID: 1, Mask: MaskModify, Name: "x"})
	events, err = controller.ReadEvents()
	if err != nil || len(events) != 1 {
		t.Fatalf("expected one event, got %v %v", events, err)
	}
}

func TestControllerReadContextCancellation(t *testing.T) {
	controller, sys, _ := openFake(t, Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := controller.ReadEventsContext(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("read took too long to give up: %v", time.Since(start))
	}

	// The deadline used to wake the reader must not leak into later reads.
	sys.write(t, Event{WatchID: 1, Mask: MaskAttrib})
	ctx2, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	events, err := controller.ReadEventsContext(ctx2)
	if err != nil {
		t.Fatalf("read after cancellation: %v", err)
	}
	if len(events) != 1 || events[0].Mask != MaskAttrib {
		t.Fatalf("unexpected events %v", events)
	}

	done, cancel3 := context.WithCancel(context.Background())
	cancel3()
	if _, err := controller.ReadEventsContext(done); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
}

func TestControllerCloseUnblocksRead(t *testing.T) {
	controller, _, _ := openFake(t, Config{})

	result := make(chan error, 1)
	go func() {
		_, err := controller.ReadEvents()
		result <- err
	}()

	time.Sleep(50 * time.Millisecond)
	if err := controller.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	select {
	case err := <-result:
		if !errors.Is(err, ErrChannelClosed) {
			t.Fatalf("expected ErrChannelClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("read did not return after close")
	}
}

func TestControllerClosedOperations(t *testing.T) {
	controller, _, registry := openFake(t, Config{})
	if _, err := controller.AddWatch("/watched", MaskCreate); err != nil {
		t.Fatalf("add: %v", err)
	}
	if controller.Fd() < 0 {
		t.Fatalf("expected open descriptor, got %d", controller.Fd())
	}

	if err := controller.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := controller.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if !controller.Closed() || controller.Fd() != -1 {
		t.Fatalf("expected closed controller, fd %d", controller.Fd())
	}
	if controller.Table().Len() != 0 || registry.Snapshot().ActiveWatches != 0 {
		t.Fatal("expected watches to be dropped on close")
	}

	if _, err := controller.AddWatch("/watched", MaskCreate); !errors.Is(err, ErrChannelClosed) {
		t.Fatalf("expected ErrChannelClosed from add, got %v", err)
	}
	if err := controller.RemoveWatch(1); !errors.Is(err, ErrChannelClosed) {
		t.Fatalf("expected ErrChannelClosed from remove, got %v", err)
	}
	if _, err := controller.ReadEvents(); !errors.Is(err, ErrChannelClosed) {
		t.Fatalf("expected ErrChannelClosed from read, got %v", err)
	}
}

func TestControllerInterruptedReadIsRetriable(t *testing.T) {
	controller, sys, registry := openFake(t, Config{})
	id, err := controller.AddWatch("/watched", MaskCreate)
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	sys.failReads(unix.EINTR)
	sys.write(t, Event{WatchID: id, Mask: MaskCreate, Name: "f"})

	events, err := controller.ReadEvents()
	if !errors.Is(err, ErrInterrupted) || !errors.Is(err, unix.EINTR) {
		t.Fatalf("expected ErrInterrupted wrapping EINTR, got %v", err)
	}
	if events != nil {
		t.Fatalf("expected no events with the error, got %v", events)
	}
	if registry.Snapshot().Errors["interrupted"] != 1 {
		t.Fatalf("expected interrupted error to be counted, got %v", registry.Snapshot().Errors)
	}

	events, err = controller.ReadEvents()
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if len(events) != 1 || events[0].Name != "f" {
		t.Fatalf("unexpected events after retry %v", events)
	}
}

func TestControllerCloseWaitsForAddWatch(t *testing.T) {
	controller, sys, _ := openFake(t, Config{})
	closed := make(chan error, 1)
	sys.onAdd = func(fd int) {
		go func() { closed <- controller.Close() }()
		time.Sleep(50 * time.Millisecond)
		if _, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0); err != nil {
			t.Errorf("expected descriptor to stay open during add, got %v", err)
		}
		select {
		case <-closed:
			t.Errorf("expected close to wait for the add to finish")
		default:
		}
	}

	if _, err := controller.AddWatch("/watched", MaskCreate); err != nil {
		t.Fatalf("add: %v", err)
	}
	select {
	case err := <-closed:
		if err != nil {
			t.Fatalf("close: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("close did not finish")
	}
	if !controller.Closed() {
		t.Fatal("expected controller to be closed")
	}
}

func TestControllerRawHookSeesReadBytes(t *testing.T) {
	var captured []byte
	controller, sys, _ := openFake(t, Config{RawHook: func(raw []byte) {
		captured = append(captured, raw...)
	}})

	raw := sys.write(t,
		Event{WatchID: 1, Mask: MaskCreate, Name: "a"},
		Event{WatchID: 1, Mask: MaskDelete, Name: "a"},
	)
	if _, err := controller.ReadEvents(); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(captured, raw) {
		t.Fatalf("expected hook to see %d bytes, got %d", len(raw), len(captured))
	}
}

func TestControllerRejectsMalformedRead(t *testing.T) {
	controller, sys, registry := openFake(t, Config{})
	raw := encodeAll(Event{WatchID: 1, Mask: MaskCreate, Name: "a"})
	if _, err := unix.Write(sys.writeFD, raw[:HeaderSize+2]); err != nil {
		t.Fatalf("write: %v", err)
	}

	events, err := controller.ReadEvents()
	if !errors.Is(err, ErrMalformedStream) {
		t.Fatalf("expected ErrMalformedStream, got %v", err)
	}
	if events != nil {
		t.Fatalf("expected no events, got %v", events)
	}
	if registry.Snapshot().Errors["malformed_stream"] != 1 {
		t.Fatalf("expected malformed error counted, got %v", registry.Snapshot().Errors)
	}
}

func TestControllerBufferGrowth(t *testing.T) {
	controller, _, registry := openFake(t, Config{BufferSize: HeaderSize, MaxBufferSize: 1024})
	if len(controller.buf) != HeaderSize {
		t.Fatalf("expected initial buffer %d, got %d", HeaderSize, len(controller.buf))
	}

	controller.grow()
	if len(controller.buf) != MinBufferSize {
		t.Fatalf("expected first growth to fit one record, got %d", len(controller.buf))
	}
	controller.grow()
	controller.grow()
	if len(controller.buf) != 1024 {
		t.Fatalf("expected growth to stop at max, got %d", len(controller.buf))
	}
	if registry.Snapshot().BufferGrowths != 3 {
		t.Fatalf("expected 3 growths, got %+v", registry.Snapshot())
	}
}

func TestConfigDefaults(t *testing.T) {
	config := Config{}.withDefaults()
	if config.BufferSize != DefaultBufferSize || config.MaxBufferSize != DefaultMaxBufferSize {
		t.Fatalf("unexpected defaults %+v", config)
	}
	if config.Logger == nil || config.Metrics != metrics.Default {
		t.Fatal("expected default logger and metrics")
	}

	config = Config{BufferSize: 1 << 22, MaxBufferSize: 8}.withDefaults()
	if config.MaxBufferSize != MinBufferSize || config.BufferSize != MinBufferSize {
		t.Fatalf("expected sizes clamped to %d, got %+v", MinBufferSize, config)
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"inowatch/internal/api"
	"inowatch/internal/capture"
	"inowatch/internal/inotify"
	"inowatch/internal/logging"
	"inowatch/internal/metrics"
	"inowatch/internal/watcher"
)

const shutdownTimeout = 2 * time.Second

// session is one running watch command.
type session struct {
	watcher  *watcher.Watcher
	logger   *logging.Logger
	metrics  *metrics.Registry
	recorder *capture.Writer
	server   *http.Server
	addr     string
	events   chan watcher.Event
	failures chan error
	done     chan struct{}
	handles  []watcher.Handle
}

func watch(ctx context.Context, cfg Config, out io.Writer, errOut io.Writer, h hooks) error {
	s, err := openSession(cfg, errOut)
	if err != nil {
		return err
	}
	defer s.close()

	if err := s.addWatches(cfg); err != nil {
		return err
	}
	if cfg.File.Server.Listen != "" {
		if err := s.serve(cfg); err != nil {
			return err
		}
	}
	if h.ready != nil {
		h.ready(s)
	}
	return s.loop(ctx, cfg, newPrinter(out, cfg.JSON))
}

func openSession(cfg Config, errOut io.Writer) (*session, error) {
	file := cfg.File
	logger := logging.NewLoggerWithOutput(logging.NewLogBuffer(file.Log.BufferSize), file.LogLevel(), errOut)
	registry := &metrics.Registry{}
	s := &session{
		logger:   logger,
		metrics:  registry,
		events:   make(chan watcher.Event, 64),
		failures: make(chan error, 1),
		done:     make(chan struct{}),
	}

	channel := file.ChannelConfig()
	if file.Capture.Path != "" {
		recorder, err := capture.Create(file.Capture.Path)
		if err != nil {
			return nil, exitErr(exitCodeRuntime, fmt.Sprintf("record: %v", err))
		}
		s.recorder = recorder
		channel.RawHook = recorder.Hook()
	}

	instance, err := watcher.NewWithOptions(watcher.Options{
		Logger:               logger,
		Metrics:              registry,
		Channel:              channel,
		HistorySize:          file.Watcher.HistorySize,
		MaxWatches:           file.Watcher.MaxWatches,
		Recursive:            file.Watcher.Recursive,
		OverflowWarnInterval: file.Watcher.OverflowWarnInterval,
		OnOverflow:           s.overflowed,
		ErrorHandler:         s.failed,
	})
	if err != nil {
		s.closeRecorder()
		return nil, exitErr(exitCodeRuntime, err.Error())
	}
	s.watcher = instance
	return s, nil
}

func (s *session) addWatches(cfg Config) error {
	specs, err := cfg.File.WatchSpecs()
	if err != nil {
		return exitErr(exitCodeConfig, err.Error())
	}
	for _, spec := range specs {
		handle, err := s.watcher.Watch(spec.Path, spec.Mask, s.deliver)
		if err != nil {
			return exitErr(exitCodeWatch, watchFailure(spec.Path, err))
		}
		s.handles = append(s.handles, handle)
	}
	s.logger.Info("watching", map[string]string{
		"paths":   strconv.Itoa(len(specs)),
		"watches": strconv.Itoa(len(s.watcher.Watches())),
	})
	return nil
}

func watchFailure(path string, err error) string {
	switch {
	case errors.Is(err, inotify.ErrPathNotFound):
		return fmt.Sprintf("%s: no such file or directory", path)
	case errors.Is(err, inotify.ErrPermissionDenied):
		return fmt.Sprintf("%s: permission denied", path)
	case errors.Is(err, inotify.ErrWatchLimitExceeded):
		return fmt.Sprintf("%s: watch limit reached (see /proc/sys/fs/inotify/max_user_watches)", path)
	case errors.Is(err, watcher.ErrMaxWatchesExceeded):
		return fmt.Sprintf("%s: more than watcher.max-watches directories", path)
	default:
		return fmt.Sprintf("%s: %v", path, err)
	}
}

func (s *session) serve(cfg Config) error {
	listener, err := net.Listen("tcp", cfg.File.Server.Listen)
	if err != nil {
		return exitErr(exitCodeRuntime, fmt.Sprintf("listen: %v", err))
	}
	mux := http.NewServeMux()
	api.RegisterRoutes(mux, api.Deps{
		Source:         s.watcher.Bus(),
		Watches:        s.watcher,
		Metrics:        s.metrics,
		Logger:         s.logger,
		AuthToken:      cfg.AuthToken,
		AllowedOrigins: cfg.Origins,
		StartedAt:      time.Now(),
	})
	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.addr = listener.Addr().String()
	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.failed(fmt.Errorf("http server: %w", err))
		}
	}()
	s.logger.Info("api listening", map[string]string{"addr": s.addr})
	return nil
}

// deliver runs on the watcher goroutine.
func (s *session) deliver(event watcher.Event) {
	select {
	case s.events <- event:
	case <-s.done:
	}
}

func (s *session) overflowed() {
	s.deliver(watcher.Event{
		EventType:  inotify.MaskQueueOverflow.Kind(),
		WatchID:    -1,
		Mask:       inotify.MaskQueueOverflow,
		OccurredAt: time.Now().UTC(),
	})
}

func (s *session) failed(err error) {
	select {
	case s.failures <- err:
	default:
	}
}

func (s *session) loop(ctx context.Context, cfg Config, output *printer) error {
	var timeout <-chan time.Time
	if cfg.Timeout > 0 {
		timer := time.NewTimer(cfg.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	seen := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-s.failures:
			return exitErr(exitCodeRuntime, err.Error())
		case <-timeout:
			if seen == 0 || cfg.Count > 0 {
				return exitErr(exitCodeTimeout, "")
			}
			return nil
		case event := <-s.events:
			if err := output.event(event); err != nil {
				return exitErr(exitCodeRuntime, fmt.Sprintf("write: %v", err))
			}
			seen++
			if cfg.Count > 0 && seen >= cfg.Count {
				return nil
			}
			if event.Mask.Has(inotify.MaskIgnored) && s.watcher.Metrics().ActiveWatches == 0 {
				s.logger.Info("no watches left", nil)
				return nil
			}
		}
	}
}

func (s *session) close() {
	close(s.done)
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		_ = s.server.Shutdown(ctx)
		cancel()
	}
	for _, handle := range s.handles {
		_ = handle.Close()
	}
	if err := s.watcher.Close(); err != nil {
		s.logger.Warn("watcher close failed", map[string]string{logging.FieldError: err.Error()})
	}
	s.closeRecorder()
}

func (s *session) closeRecorder() {
	if s.recorder == nil {
		return
	}
	frames, size := s.recorder.Frames()
	if err := s.recorder.Close(); err != nil {
		s.logger.Error("capture write failed", map[string]string{logging.FieldError: err.Error()})
		return
	}
	s.logger.Info("capture written", map[string]string{
		"frames": strconv.Itoa(frames),
		"bytes":  strconv.FormatInt(size, 10),
	})
}

package inotify

import (
	"context"
	"errors"
	"iter"
)

// ErrNoEvents is returned by Stream.Next on a non-blocking channel when
// nothing is queued.
var ErrNoEvents = errors.New("no events available")

// Stream yields the events of a Controller one at a time. Events decoded by
// one read but not yet returned stay buffered for the following calls. Like
// the Controller, a Stream has a single reader.
type Stream struct {
	controller *Controller
	pending    []Event
}

func NewStream(controller *Controller) *Stream {
	return &Stream{controller: controller}
}

// Buffered reports decoded events not yet returned.
func (s *Stream) Buffered() int {
	return len(s.pending)
}

// Next returns the next event, reading when the buffer is empty. It blocks
// when the channel is blocking and returns ErrNoEvents otherwise.
func (s *Stream) Next() (Event, error) {
	if event, ok := s.pop(); ok {
		return event, nil
	}
	if err := s.refill(context.Background(), s.controller.waits()); err != nil {
		return Event{}, err
	}
	if event, ok := s.pop(); ok {
		return event, nil
	}
	return Event{}, ErrNoEvents
}

// NextContext waits for the next event whatever the channel mode, until ctx
// is done.
func (s *Stream) NextContext(ctx context.Context) (Event, error) {
	for {
		if event, ok := s.pop(); ok {
			return event, nil
		}
		if err := s.refill(ctx, true); err != nil {
			return Event{}, err
		}
	}
}

// TryNext returns a buffered or immediately available event and never blocks.
func (s *Stream) TryNext() (Event, bool, error) {
	if event, ok := s.pop(); ok {
		return event, true, nil
	}
	if err := s.refill(context.Background(), false); err != nil {
		return Event{}, false, err
	}
	event, ok := s.pop()
	return event, ok, nil
}

// All ranges over events until ctx is done or a read fails. Cancellation ends
// the sequence quietly; other failures are yielded once as the last element.
func (s *Stream) All(ctx context.Context) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		for {
			event, err := s.NextContext(ctx)
			if err != nil {
				if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
					return
				}
				yield(Event{}, err)
				return
			}
			if !yield(event, nil) {
				return
			}
		}
	}
}

func (s *Stream) refill(ctx context.Context, wait bool) error {
	events, err := s.controller.read(ctx, wait)
	if err != nil {
		return err
	}
	s.pending = append(s.pending, events...)
	return nil
}

func (s *Stream) pop() (Event, bool) {
	if len(s.pending) == 0 {
		return Event{}, false
	}
	event := s.pending[0]
	s.pending[0] = Event{}
	s.pending = s.pending[1:]
	if len(s.pending) == 0 {
		s.pending = nil
	}
	return event, true
}

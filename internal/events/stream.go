package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrStreamClosed is returned by Emit once a terminal event was accepted.
	ErrStreamClosed = errors.New("event stream closed")
	// ErrAlreadyTerminated is returned by a second Terminate call.
	ErrAlreadyTerminated = errors.New("event stream already terminated")
)

// Stream is the ordered, append-only event log of one run. It has a single
// producer and any number of subscribers. Appending never waits on a
// subscriber: each subscription drains the log at its own pace.
type Stream struct {
	runID string
	now   func() time.Time

	mu     sync.Mutex
	frames []Frame
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

// NewStream creates an empty stream for runID.
func NewStream(runID string) *Stream {
	return &Stream{
		runID: runID,
		now:   time.Now,
		wake:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// RunID returns the run this stream belongs to.
func (s *Stream) RunID() string {
	return s.runID
}

// Emit appends a progress event. Terminal events and stream_end are only
// accepted through Terminate.
func (s *Stream) Emit(ev Event) error {
	if IsTerminal(ev) || ev.Type() == TypeStreamEnd {
		return fmt.Errorf("%s must be emitted with Terminate", ev.Type())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStreamClosed
	}
	s.appendLocked(ev)
	s.notifyLocked()
	return nil
}

// Terminate appends the run's single outcome event followed by stream_end
// and closes the stream.
func (s *Stream) Terminate(ev Terminal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrAlreadyTerminated
	}
	s.appendLocked(ev)
	s.appendLocked(StreamEnd{})
	s.closed = true
	s.notifyLocked()
	close(s.done)
	return nil
}

func (s *Stream) appendLocked(ev Event) {
	s.frames = append(s.frames, Frame{
		RunID:     s.runID,
		Seq:       len(s.frames) + 1,
		Timestamp: s.now(),
		Event:     ev,
	})
}

func (s *Stream) notifyLocked() {
	close(s.wake)
	s.wake = make(chan struct{})
}

// Frames returns a copy of every frame appended so far.
func (s *Stream) Frames() []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Frame, len(s.frames))
	copy(out, s.frames)
	return out
}

// Closed reports whether the stream has been terminated.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Done is closed once the stream has been terminated.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Subscription delivers a stream's frames, from the first one, in order.
// C is closed after stream_end has been delivered or once the subscription
// is detached or its context is cancelled.
type Subscription struct {
	C <-chan Frame

	cancel context.CancelFunc
	exited chan struct{}
}

// Subscribe replays every frame appended so far and then follows the stream
// until it ends.
func (s *Stream) Subscribe(ctx context.Context) *Subscription {
	ctx, cancel := context.WithCancel(ctx)
	out := make(chan Frame)
	sub := &Subscription{C: out, cancel: cancel, exited: make(chan struct{})}
	go s.pump(ctx, out, sub.exited)
	return sub
}

// Detach stops delivery. The producer is unaffected; frames appended later
// are simply not delivered to this subscriber.
func (sub *Subscription) Detach() {
	sub.cancel()
	<-sub.exited
}

func (s *Stream) pump(ctx context.Context, out chan<- Frame, exited chan<- struct{}) {
	defer close(exited)
	defer close(out)

	next := 0
	for {
		s.mu.Lock()
		pending := s.frames[next:]
		closed := s.closed
		wake := s.wake
		s.mu.Unlock()

		for _, f := range pending {
			select {
			case out <- f:
				next++
			case <-ctx.Done():
				return
			}
		}

		if closed {
			return
		}
		if len(pending) > 0 {
			continue
		}

		select {
		case <-wake:
		case <-ctx.Done():
			return
		}
	}
}

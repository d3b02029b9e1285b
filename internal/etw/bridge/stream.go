package bridge

import (
	"context"
	"iter"
	"sync"

	plog "github.com/phuslu/log"

	"etw_consumer/internal/etw/record"
	"etw_consumer/internal/etw/status"
)

type slotState int

const (
	slotEmpty slotState = iota
	slotFull
	slotEnd // the session completed and the slot was drained; terminal
)

// PollState is the result of Stream.Poll.
type PollState int

const (
	// Pending means no event is available yet. Wait on Ready and poll again.
	Pending PollState = iota
	// Ready means an event was taken from the slot.
	Ready
	// End means the stream is over: the session completed or the consumer
	// closed the bridge.
	End
)

// Stream is the single-slot stream bridge. Deliver copies the event into the
// slot and returns without waiting for the consumer, blocking only while the
// previous event has not been drained. The consumer drains at its own pace
// with Poll or Next, so records it receives are always owned copies.
//
// Stopping takes effect on the next Deliver, which returns status.Cancelled;
// the event that triggered the stop has already been acknowledged.
type Stream struct {
	mu      sync.Mutex
	drained *sync.Cond
	state   slotState
	ev      *record.EventRecord
	result  error
	ending  bool // completed while the slot was full
	stopped bool
	failed  bool

	// wake is the stored waker. Poll arms it before reporting Pending and
	// the producer signals it after filling or ending the slot.
	wake  chan struct{}
	armed bool

	stats stats
	log   plog.Logger
}

func newStream(o options) *Stream {
	s := &Stream{
		wake: make(chan struct{}, 1),
		log:  o.log,
	}
	s.drained = sync.NewCond(&s.mu)
	return s
}

func (s *Stream) Kind() Kind      { return KindStream }
func (s *Stream) Stats() Snapshot { return s.stats.snapshot() }

func (s *Stream) stopResult() error {
	if s.failed {
		return status.Unexpected
	}
	return status.Cancelled
}

// signal wakes a consumer parked on Ready. Called with mu held.
func (s *Stream) signal() {
	if !s.armed {
		return
	}
	s.armed = false
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Deliver implements Producer.
func (s *Stream) Deliver(ev *record.EventRecord) error {
	owned, err := ev.ToOwned()
	if err != nil {
		s.log.Error().Err(err).Msg("cannot copy event into stream slot")
		return s.stats.observe(status.Unexpected)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for s.state == slotFull && !s.stopped {
		s.drained.Wait()
	}
	if s.stopped {
		return s.stats.observe(s.stopResult())
	}
	if s.state == slotEnd || s.ending {
		return s.stats.observe(status.Cancelled)
	}
	s.state = slotFull
	s.ev = owned
	s.signal()
	return s.stats.observe(nil)
}

// Complete implements Producer. It never waits for the consumer: an event
// still in the slot stays there and the stream ends once Poll hands it out.
func (s *Stream) Complete(result error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == slotEnd || s.ending {
		return
	}
	s.result = result
	if s.state == slotFull && !s.stopped {
		s.ending = true
		return
	}
	s.state = slotEnd
	s.ev = nil
	s.signal()
	s.drained.Broadcast()
}

// Poll takes the next event without blocking. On Pending the caller should
// wait on Ready before polling again.
func (s *Stream) Poll() (*record.EventRecord, PollState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil, End
	}
	switch s.state {
	case slotFull:
		ev := s.ev
		s.ev = nil
		s.state = slotEmpty
		if s.ending {
			s.state = slotEnd
		}
		s.drained.Signal()
		return ev, Ready
	case slotEnd:
		return nil, End
	default:
		s.armed = true
		return nil, Pending
	}
}

// Ready returns the waker channel. It receives a value after Poll returned
// Pending and the slot changed.
func (s *Stream) Ready() <-chan struct{} {
	return s.wake
}

// Err returns why the stream ended, or nil while it is still open.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.stopped:
		return s.stopResult()
	case s.state == slotEnd:
		return status.SessionClosed(s.result)
	}
	return nil
}

// Next waits for the next event.
func (s *Stream) Next(ctx context.Context) (*record.EventRecord, error) {
	for {
		ev, st := s.Poll()
		switch st {
		case Ready:
			return ev, nil
		case End:
			return nil, s.Err()
		}
		select {
		case <-s.wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// ExpectEvent implements Waiter.
func (s *Stream) ExpectEvent(ctx context.Context, f func(*record.EventRecord) bool) error {
	ev, err := s.Next(ctx)
	if err != nil {
		return err
	}
	decide(ev, f, s.settle)
	return nil
}

func (s *Stream) settle(d decision) {
	switch d {
	case decisionStop:
		s.Close()
	case decisionAbandoned:
		s.mu.Lock()
		s.failed = true
		s.mu.Unlock()
		s.Close()
	}
}

// Events implements Waiter.
func (s *Stream) Events(ctx context.Context) iter.Seq[*record.EventRecord] {
	return func(yield func(*record.EventRecord) bool) {
		for {
			ev, err := s.Next(ctx)
			if err != nil {
				return
			}
			if !yieldOne(ev, yield, s.settle) {
				return
			}
		}
	}
}

// Close implements Waiter. The slot is discarded and a producer waiting for
// it to drain is released with status.Cancelled.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	s.ev = nil
	if s.state == slotFull {
		s.state = slotEmpty
	}
	s.signal()
	s.drained.Broadcast()
}

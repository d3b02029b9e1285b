package bridge

import (
	"context"
	"iter"
	"sync"

	plog "github.com/phuslu/log"

	"etw_consumer/internal/etw/record"
	"etw_consumer/internal/etw/status"
)

type handoff struct {
	ev    *record.EventRecord
	reply chan<- error
}

// Rendezvous hands each event over an unbuffered channel and blocks the
// producer on a single-slot reply channel until the consumer decided. A
// third channel is closed when the session ends so a waiting consumer can
// observe termination.
type Rendezvous struct {
	events chan handoff
	reply  chan error
	closed chan struct{} // session ended, result is set
	stop   chan struct{} // consumer Close

	result    error
	closeOnce sync.Once
	stopOnce  sync.Once

	stats stats
	log   plog.Logger
}

func newRendezvous(o options) *Rendezvous {
	return &Rendezvous{
		events: make(chan handoff),
		reply:  make(chan error, 1),
		closed: make(chan struct{}),
		stop:   make(chan struct{}),
		log:    o.log,
	}
}

func (r *Rendezvous) Kind() Kind      { return KindRendezvous }
func (r *Rendezvous) Stats() Snapshot { return r.stats.snapshot() }

// Deliver implements Producer.
func (r *Rendezvous) Deliver(ev *record.EventRecord) error {
	if stopped(r.stop) {
		return r.stats.observe(status.Cancelled)
	}
	select {
	case <-r.stop:
		return r.stats.observe(status.Cancelled)
	case r.events <- handoff{ev: ev, reply: r.reply}:
	}
	// Once the consumer received the event it always replies, even when its
	// decision function panics. Waiting on anything else here would let the
	// view expire under a consumer that is still reading it.
	err := <-r.reply
	r.log.Trace().Err(err).Msg("rendezvous delivery decided")
	return r.stats.observe(err)
}

// Complete implements Producer.
func (r *Rendezvous) Complete(result error) {
	r.closeOnce.Do(func() {
		r.result = result
		close(r.closed)
	})
}

// ExpectEvent implements Waiter.
func (r *Rendezvous) ExpectEvent(ctx context.Context, f func(*record.EventRecord) bool) error {
	if stopped(r.stop) {
		return status.Cancelled
	}
	select {
	case h := <-r.events:
		if r.refuseAfterClose(h) {
			return status.Cancelled
		}
		decide(h.ev, f, r.settle(h))
		return nil
	case <-r.closed:
		return status.SessionClosed(r.result)
	case <-r.stop:
		return status.Cancelled
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Events implements Waiter. Every event is acknowledged with continue except
// the one the loop breaks on, which stops the trace.
func (r *Rendezvous) Events(ctx context.Context) iter.Seq[*record.EventRecord] {
	return func(yield func(*record.EventRecord) bool) {
		for {
			var h handoff
			select {
			case h = <-r.events:
			case <-r.closed:
				return
			case <-r.stop:
				return
			case <-ctx.Done():
				return
			}
			if r.refuseAfterClose(h) {
				return
			}
			if !yieldOne(h.ev, yield, r.settle(h)) {
				return
			}
		}
	}
}

// settle returns the reply callback for h. Any verdict but continue closes
// the bridge before the producer is released, so no later Deliver can hand
// over another event.
func (r *Rendezvous) settle(h handoff) func(decision) {
	return func(d decision) {
		if d != decisionContinue {
			r.Close()
		}
		h.reply <- verdict(d)
	}
}

// refuseAfterClose answers a handoff that raced with Close.
func (r *Rendezvous) refuseAfterClose(h handoff) bool {
	if !stopped(r.stop) {
		return false
	}
	h.reply <- status.Cancelled
	return true
}

// Close implements Waiter. A producer blocked handing over an event returns
// status.Cancelled.
func (r *Rendezvous) Close() {
	r.stopOnce.Do(func() { close(r.stop) })
}

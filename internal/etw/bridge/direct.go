package bridge

import (
	"context"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	plog "github.com/phuslu/log"

	"etw_consumer/internal/etw/record"
	"etw_consumer/internal/etw/status"
)

type registration struct {
	f    func(*record.EventRecord) bool
	done chan error // capacity 1, written once by the producer
}

// Direct runs the consumer's decision function inside the producer's
// callback. The consumer registers a function, the producer waits a bounded
// time for a registration, applies it to the transient record and reports
// completion. Both sides give up with status.Timeout once the bound expires.
//
// Only one ExpectEvent may be outstanding; a second concurrent call panics.
type Direct struct {
	timeout time.Duration
	ready   atomic.Bool
	regs    chan *registration
	closed  chan struct{}
	stop    chan struct{}

	result    error
	closeOnce sync.Once
	stopOnce  sync.Once

	stats stats
	log   plog.Logger
}

func newDirect(o options) *Direct {
	return &Direct{
		timeout: o.timeout,
		regs:    make(chan *registration),
		closed:  make(chan struct{}),
		stop:    make(chan struct{}),
		log:     o.log,
	}
}

func (d *Direct) Kind() Kind      { return KindDirect }
func (d *Direct) Stats() Snapshot { return d.stats.snapshot() }

// Deliver implements Producer.
func (d *Direct) Deliver(ev *record.EventRecord) error {
	if stopped(d.stop) {
		return d.stats.observe(status.Cancelled)
	}
	timer := time.NewTimer(d.timeout)
	defer timer.Stop()

	var reg *registration
	select {
	case reg = <-d.regs:
	case <-d.stop:
		return d.stats.observe(status.Cancelled)
	case <-timer.C:
		d.log.Warn().Dur("timeout", d.timeout).Msg("no consumer registered for event")
		return d.stats.observe(status.Timeout)
	}
	if stopped(d.stop) {
		reg.done <- status.Cancelled
		return d.stats.observe(status.Cancelled)
	}
	return d.stats.observe(d.apply(reg, ev))
}

// apply runs the registered function on the producer goroutine. A panic is
// contained here and handed to the consumer as status.Unexpected. Unless the
// function asked for more, the bridge is closed before the consumer learns
// the outcome.
func (d *Direct) apply(reg *registration, ev *record.EventRecord) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Interface("panic", r).Msg("event decision function panicked")
			d.Close()
			reg.done <- fmt.Errorf("%w: decision function panicked: %v", status.Unexpected, r)
			err = status.Unexpected
		}
	}()
	if reg.f(ev) {
		reg.done <- nil
		return nil
	}
	d.Close()
	reg.done <- nil
	return status.Cancelled
}

// Complete implements Producer.
func (d *Direct) Complete(result error) {
	d.closeOnce.Do(func() {
		d.result = result
		close(d.closed)
	})
}

// ExpectEvent implements Waiter. It returns status.Timeout when no event
// arrives, or the decision does not complete, within the configured bound.
func (d *Direct) ExpectEvent(ctx context.Context, f func(*record.EventRecord) bool) error {
	if !d.ready.CompareAndSwap(false, true) {
		panic("bridge: concurrent ExpectEvent on a direct bridge")
	}
	defer d.ready.Store(false)
	if stopped(d.stop) {
		return status.Cancelled
	}

	reg := &registration{f: f, done: make(chan error, 1)}

	timer := time.NewTimer(d.timeout)
	defer timer.Stop()
	select {
	case d.regs <- reg:
	case <-d.closed:
		return status.SessionClosed(d.result)
	case <-d.stop:
		return status.Cancelled
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		// The registration was never taken, so it is withdrawn as is.
		return status.Timeout
	}

	timer.Reset(d.timeout)
	select {
	case err := <-reg.done:
		return err
	case <-timer.C:
		return status.Timeout
	}
}

// Events implements Waiter. The loop body runs on the caller's goroutine
// while the producer waits inside the registered function for its verdict.
// The stream ends when a bounded wait expires.
func (d *Direct) Events(ctx context.Context) iter.Seq[*record.EventRecord] {
	return func(yield func(*record.EventRecord) bool) {
		for {
			views := make(chan *record.EventRecord)
			verdicts := make(chan decision, 1)
			errc := make(chan error, 1)
			go func() {
				errc <- d.ExpectEvent(ctx, func(ev *record.EventRecord) bool {
					views <- ev
					switch <-verdicts {
					case decisionContinue:
						return true
					case decisionStop:
						return false
					}
					panic("range loop body panicked")
				})
			}()

			select {
			case ev := <-views:
				more := yieldOne(ev, yield, func(v decision) { verdicts <- v })
				if err := <-errc; err != nil || !more {
					return
				}
			case <-errc:
				return
			}
		}
	}
}

// Close implements Waiter.
func (d *Direct) Close() {
	d.stopOnce.Do(func() { close(d.stop) })
}

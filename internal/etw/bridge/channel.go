package bridge

import (
	"context"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"

	plog "github.com/phuslu/log"

	"etw_consumer/internal/etw/record"
	"etw_consumer/internal/etw/status"
)

// Channel is the asynchronous bridge. The producer parks on an unbuffered
// channel until a consumer task picked the event up and either acknowledged
// it or closed the bridge. Closing is the stop signal: the producer sees the
// bridge as disconnected and reports status.Cancelled. A consumer that went
// away without deciding disconnects it as abandoned and the producer reports
// status.Unexpected.
//
// ExpectEventAsync is the future-returning form of ExpectEvent.
type Channel struct {
	events chan *record.EventRecord
	acks   chan decision
	closed chan struct{}
	stop   chan struct{}

	abandoned atomic.Bool
	result    error
	closeOnce sync.Once
	stopOnce  sync.Once

	stats stats
	log   plog.Logger
}

func newChannel(o options) *Channel {
	return &Channel{
		events: make(chan *record.EventRecord),
		acks:   make(chan decision),
		closed: make(chan struct{}),
		stop:   make(chan struct{}),
		log:    o.log,
	}
}

func (c *Channel) Kind() Kind      { return KindChannel }
func (c *Channel) Stats() Snapshot { return c.stats.snapshot() }

func (c *Channel) disconnected() error {
	if c.abandoned.Load() {
		return status.Unexpected
	}
	return status.Cancelled
}

// Deliver implements Producer.
func (c *Channel) Deliver(ev *record.EventRecord) error {
	select {
	case c.events <- ev:
	case <-c.stop:
		return c.stats.observe(c.disconnected())
	}
	// The consumer holds the view now. It always acknowledges, after closing
	// the bridge if it decided to stop, so nothing else may release us.
	if d := <-c.acks; d != decisionContinue {
		c.log.Trace().Bool("abandoned", c.abandoned.Load()).Msg("channel disconnected by consumer")
		return c.stats.observe(c.disconnected())
	}
	return c.stats.observe(nil)
}

// Complete implements Producer.
func (c *Channel) Complete(result error) {
	c.closeOnce.Do(func() {
		c.result = result
		close(c.closed)
	})
}

func (c *Channel) settle(d decision) {
	switch d {
	case decisionStop:
		c.Close()
	case decisionAbandoned:
		c.abandoned.Store(true)
		c.Close()
	}
	c.acks <- d
}

func (c *Channel) next(ctx context.Context) (*record.EventRecord, error) {
	if stopped(c.stop) {
		return nil, c.disconnected()
	}
	select {
	case ev := <-c.events:
		return ev, nil
	case <-c.closed:
		return nil, status.SessionClosed(c.result)
	case <-c.stop:
		return nil, c.disconnected()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ExpectEvent implements Waiter.
func (c *Channel) ExpectEvent(ctx context.Context, f func(*record.EventRecord) bool) error {
	ev, err := c.next(ctx)
	if err != nil {
		return err
	}
	decide(ev, f, c.settle)
	return nil
}

// ExpectEventAsync runs ExpectEvent on its own goroutine and returns a channel
// that receives its result. A panic in f is reported as status.Unexpected.
func (c *Channel) ExpectEventAsync(ctx context.Context, f func(*record.EventRecord) bool) <-chan error {
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				c.log.Error().Interface("panic", r).Msg("event decision function panicked")
				done <- fmt.Errorf("%w: decision function panicked: %v", status.Unexpected, r)
			}
		}()
		done <- c.ExpectEvent(ctx, f)
	}()
	return done
}

// Events implements Waiter.
func (c *Channel) Events(ctx context.Context) iter.Seq[*record.EventRecord] {
	return func(yield func(*record.EventRecord) bool) {
		for {
			ev, err := c.next(ctx)
			if err != nil {
				return
			}
			if !yieldOne(ev, yield, c.settle) {
				return
			}
		}
	}
}

// Close implements Waiter.
func (c *Channel) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

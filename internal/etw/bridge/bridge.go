// Package bridge moves events one at a time from the dispatch goroutine to a
// consumer. Every variant holds at most one event in flight and hands the
// consumer's continue/stop decision back to the producer before Deliver
// returns, so a transient record is never read after its callback.
package bridge

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"time"

	plog "github.com/phuslu/log"

	"etw_consumer/internal/etw/record"
	"etw_consumer/internal/logger"
)

// DefaultTimeout bounds both waits of the Direct bridge.
const DefaultTimeout = 10 * time.Second

// Producer is the side driven by the dispatch loop. Deliver is called
// serially from a single goroutine.
type Producer interface {
	// Deliver hands ev to the consumer and blocks until the consumer has
	// taken responsibility for it. A nil result means continue; any error
	// means the trace should be torn down (status.Cancelled for a consumer
	// stop, status.Unexpected for a consumer that went away, status.Timeout
	// for an expired bounded wait).
	Deliver(ev *record.EventRecord) error
	// Complete is called once, after the dispatch loop returned with result.
	Complete(result error)
}

// Waiter is the consumer-facing side.
type Waiter interface {
	// ExpectEvent waits for the next event and applies f to it. f returning
	// false stops the trace; that is a success for the caller.
	ExpectEvent(ctx context.Context, f func(*record.EventRecord) bool) error
	// Events yields events until the session closes, ctx is done or the loop
	// breaks. Breaking out of the loop stops the trace.
	Events(ctx context.Context) iter.Seq[*record.EventRecord]
	// Close stops the trace from the consumer side.
	Close()
}

// Bridge is a complete handoff primitive. Call sites should only depend on
// this interface, never on a concrete variant.
type Bridge interface {
	Producer
	Waiter
	Kind() Kind
	Stats() Snapshot
}

// Kind selects a bridge variant.
type Kind int

const (
	KindRendezvous Kind = iota
	KindChannel
	KindStream
	KindDirect
)

var kindNames = [...]string{
	KindRendezvous: "rendezvous",
	KindChannel:    "channel",
	KindStream:     "stream",
	KindDirect:     "direct",
}

func (k Kind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind parses a variant name as written in the configuration file.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if strings.EqualFold(strings.TrimSpace(s), name) {
			return Kind(k), nil
		}
	}
	return 0, fmt.Errorf("unknown bridge kind %q (want one of %s)", s, strings.Join(kindNames[:], ", "))
}

type options struct {
	timeout time.Duration
	log     plog.Logger
}

// Option configures New.
type Option func(*options)

// WithTimeout sets the bound of the Direct bridge waits. Other variants
// ignore it.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithLogger replaces the component logger.
func WithLogger(l plog.Logger) Option {
	return func(o *options) { o.log = l }
}

// New creates a bridge of the given kind.
func New(kind Kind, opts ...Option) (Bridge, error) {
	o := options{timeout: DefaultTimeout}
	o.log = logger.NewLoggerWithContext("bridge")
	for _, opt := range opts {
		opt(&o)
	}

	switch kind {
	case KindRendezvous:
		return newRendezvous(o), nil
	case KindChannel:
		return newChannel(o), nil
	case KindStream:
		return newStream(o), nil
	case KindDirect:
		return newDirect(o), nil
	default:
		return nil, fmt.Errorf("unknown bridge kind %v", kind)
	}
}

// decision is the consumer's verdict on one event.
type decision int

const (
	// decisionAbandoned is the zero value: the consumer went away, usually
	// by panicking, before it decided.
	decisionAbandoned decision = iota
	decisionContinue
	decisionStop
)

// yieldOne runs one step of a range loop and reports the verdict through
// report even when the loop body panics.
func yieldOne(ev *record.EventRecord, yield func(*record.EventRecord) bool, report func(decision)) bool {
	d := decisionAbandoned
	defer func() { report(d) }()
	if yield(ev) {
		d = decisionContinue
		return true
	}
	d = decisionStop
	return false
}

// decide applies f and reports the verdict through report even when f
// panics.
func decide(ev *record.EventRecord, f func(*record.EventRecord) bool, report func(decision)) {
	d := decisionAbandoned
	defer func() { report(d) }()
	if f(ev) {
		d = decisionContinue
	} else {
		d = decisionStop
	}
}

// stopped reports whether the consumer closed the bridge. A close takes
// priority over anything else a consumer could be waiting for.
func stopped(stop <-chan struct{}) bool {
	select {
	case <-stop:
		return true
	default:
		return false
	}
}

package trace

import (
	"runtime"
	"sync"
	"sync/atomic"

	plog "github.com/phuslu/log"

	"etw_consumer/internal/etw/bridge"
	"etw_consumer/internal/etw/record"
	"etw_consumer/internal/etw/status"
	"etw_consumer/internal/maps"
)

// contexts maps the opaque user context the OS hands back with every event
// to the trace it belongs to. An entry lives from Open until the dispatch
// loop returned, which may be long after the application dropped its handle.
var (
	contexts    = maps.NewConcurrentMap[uint64, *traceContext]()
	nextContext atomic.Uint64
)

func register(c *traceContext) {
	contexts.Store(c.id, c)
}

func unregister(c *traceContext) {
	contexts.Delete(c.id)
}

func lookup(userContext uint64) (*traceContext, bool) {
	return contexts.Load(userContext)
}

// traceContext is everything the event callback needs. It is shared by the
// application's ProcessingHandle and the running dispatch loop.
type traceContext struct {
	id     uint64
	native Native
	src    Source
	sink   bridge.Producer

	// mu guards the native handle, which is taken exactly once.
	mu        sync.Mutex
	handle    NativeHandle
	hasHandle bool
	started   bool

	// stopping is set before the native handle is closed. Events that race
	// with the close see it and are dropped.
	stopping atomic.Bool
	state    atomic.Int32

	finish sync.Once
	done   chan struct{}
	result error

	delivered atomic.Uint64
	skipped   atomic.Uint64
	refused   atomic.Uint64

	abort func(any)
	log   plog.Logger
}

func newTraceContext(native Native, src Source, sink bridge.Producer, o options) *traceContext {
	return &traceContext{
		id:     nextContext.Add(1),
		native: native,
		src:    src,
		sink:   sink,
		done:   make(chan struct{}),
		abort:  o.abort,
		log:    o.log,
	}
}

func (c *traceContext) stats() Stats {
	return Stats{
		Delivered: c.delivered.Load(),
		Skipped:   c.skipped.Load(),
		Refused:   c.refused.Load(),
	}
}

// dispatchEvent is the single entry point for events coming from a Native.
func dispatchEvent(raw *record.RawEventRecord) {
	if raw == nil {
		return
	}
	c, ok := lookup(uint64(raw.UserContext))
	if !ok {
		return
	}
	c.onEvent(raw)
}

func (c *traceContext) onEvent(raw *record.RawEventRecord) {
	// Unwinding into the OS frames that called us is never safe.
	defer func() {
		if r := recover(); r != nil {
			c.abort(r)
		}
	}()

	if c.stopping.Load() {
		c.skipped.Add(1)
		return
	}

	view := record.NewTransient(raw)
	err := c.sink.Deliver(view)
	view.Expire()
	c.delivered.Add(1)
	if err == nil {
		return
	}

	c.refused.Add(1)
	if status.IsCancelled(err) {
		c.log.Debug().Uint64("context", c.id).Msg("Consumer stopped the trace")
	} else {
		c.log.Warn().Err(err).Uint64("context", c.id).Str("kind", status.KindOf(err).String()).
			Msg("Event delivery failed, stopping trace")
	}
	c.closeTrace()
}

// closeTrace sets the stop flag and closes the native handle if it is still
// held. It does not wait for the dispatch loop.
func (c *traceContext) closeTrace() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *traceContext) closeLocked() {
	if !c.hasHandle {
		return
	}
	c.stopping.Store(true)
	h := c.handle
	c.hasHandle = false
	c.state.CompareAndSwap(int32(StateRunning), int32(StateStopping))

	// Teardown is best effort. Realtime closes routinely report that the
	// close is still pending.
	if err := c.native.Close(h); err != nil {
		c.log.Debug().Err(err).Uint64("context", c.id).Msg("Close trace returned an error")
	}
}

// release closes the trace and, when no dispatch loop was ever started,
// completes it on the caller's goroutine.
func (c *traceContext) release() {
	c.mu.Lock()
	started := c.started
	c.closeLocked()
	c.mu.Unlock()

	if !started {
		c.complete(nil)
	}
}

func (c *traceContext) run(h NativeHandle) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	err := c.native.Process(h)
	if err != nil && !status.IsCancelled(err) {
		c.log.Error().Err(err).Uint64("context", c.id).Msg("Dispatch loop failed")
	} else {
		c.log.Debug().Err(err).Uint64("context", c.id).Msg("Dispatch loop returned")
	}
	c.complete(err)
}

// complete runs exactly once per trace after the dispatch loop returned.
// Only after it is the callback context released from the registry.
func (c *traceContext) complete(result error) {
	c.finish.Do(func() {
		c.mu.Lock()
		c.closeLocked()
		c.result = result
		c.mu.Unlock()

		c.sink.Complete(result)
		unregister(c)
		c.state.Store(int32(StateStopped))
		close(c.done)
	})
}

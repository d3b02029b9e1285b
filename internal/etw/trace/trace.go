// Package trace runs the native dispatch loop for an opened trace on a
// dedicated goroutine and feeds every event into a bridge.Producer.
//
// A ProcessingHandle moves through Created, Running, Stopping and Stopped.
// Stopping begins with an explicit Close/Stop or with the producer refusing
// an event; Stopped is only reached once the native dispatch call returned.
package trace

import (
	"errors"
	"fmt"
	"os"
	"runtime"

	plog "github.com/phuslu/log"

	"etw_consumer/internal/etw/bridge"
	"etw_consumer/internal/logger"
)

// NativeHandle is a native trace handle (TRACEHANDLE).
type NativeHandle uint64

// InvalidHandle is INVALID_PROCESSTRACE_HANDLE.
const InvalidHandle NativeHandle = ^NativeHandle(0)

var (
	ErrUnsupported       = errors.New("native event tracing is not supported on this platform")
	ErrClosed            = errors.New("trace handle is closed")
	ErrAlreadyProcessing = errors.New("trace is already being processed")
)

// Source names what a trace reads from: a realtime session or a log file.
type Source struct {
	SessionName string
	LogFile     string
}

// Realtime reports whether the source is a realtime session.
func (s Source) Realtime() bool { return s.LogFile == "" }

func (s Source) String() string {
	if s.Realtime() {
		return "session " + s.SessionName
	}
	return "file " + s.LogFile
}

// Validate checks that exactly one of SessionName and LogFile is set.
func (s Source) Validate() error {
	switch {
	case s.SessionName == "" && s.LogFile == "":
		return errors.New("trace source needs a session name or a log file")
	case s.SessionName != "" && s.LogFile != "":
		return errors.New("trace source cannot be both a session and a log file")
	}
	return nil
}

// Native is the OS tracing API used to open, run and close traces.
//
// Open must arrange for every event of the trace to reach the package event
// callback with userContext in RawEventRecord.UserContext. Process blocks
// running the dispatch loop and returns its result verbatim. Close may
// complete asynchronously: for realtime sessions buffered events are still
// dispatched after it returns.
type Native interface {
	Open(src Source, userContext uint64) (NativeHandle, error)
	Process(h NativeHandle) error
	Close(h NativeHandle) error
}

// State of a ProcessingHandle.
type State int32

const (
	StateCreated State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

type options struct {
	abort func(v any)
	log   plog.Logger
}

// Option configures Open.
type Option func(*options)

// WithAbort replaces the function called when the event callback panics.
// It must not return normally in production; tests use it to observe the
// panic instead of exiting.
func WithAbort(f func(v any)) Option {
	return func(o *options) { o.abort = f }
}

// WithLogger replaces the component logger.
func WithLogger(l plog.Logger) Option {
	return func(o *options) { o.log = l }
}

func defaultAbort(v any) {
	plog.Error().Str("component", "trace").Interface("panic", v).Msg("panic inside the event callback, aborting")
	os.Exit(2)
}

// Stats are the counters of one trace.
type Stats struct {
	Delivered uint64 // events handed to the producer
	Skipped   uint64 // events dispatched after the stop flag was set
	Refused   uint64 // deliveries that ended the trace
}

// ProcessingHandle owns an opened trace. Dropping it without Close stops the
// trace once the garbage collector notices, but the dispatch goroutine keeps
// the callback context alive until the native loop has returned.
type ProcessingHandle struct {
	ctx *traceContext
}

// Open opens src through native and binds sink as the receiver of every
// event. The returned handle is in StateCreated.
func Open(native Native, src Source, sink bridge.Producer, opts ...Option) (*ProcessingHandle, error) {
	if err := src.Validate(); err != nil {
		return nil, err
	}
	o := options{abort: defaultAbort}
	o.log = logger.NewLoggerWithContext("trace")
	for _, opt := range opts {
		opt(&o)
	}

	c := newTraceContext(native, src, sink, o)
	register(c)

	h, err := native.Open(src, c.id)
	if err != nil {
		unregister(c)
		return nil, fmt.Errorf("failed to open trace for %s: %w", src, err)
	}
	c.handle = h
	c.hasHandle = true
	c.log.Debug().Uint64("context", c.id).Str("source", src.String()).Msg("Trace opened")

	ph := &ProcessingHandle{ctx: c}
	runtime.AddCleanup(ph, func(c *traceContext) { c.release() }, c)
	return ph, nil
}

// Process starts the dispatch loop on a goroutine locked to its OS thread.
func (h *ProcessingHandle) Process() (*ProcessingThread, error) {
	c := h.ctx
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return nil, ErrAlreadyProcessing
	}
	if !c.hasHandle {
		return nil, ErrClosed
	}
	c.started = true
	c.state.Store(int32(StateRunning))
	go c.run(c.handle)

	c.log.Debug().Uint64("context", c.id).Msg("Dispatch loop started")
	return &ProcessingThread{handle: h}, nil
}

// Close stops the trace and blocks until the dispatch goroutine has exited.
// It is safe to call more than once. Close must not be called from code that
// runs on the dispatch goroutine, such as a Direct bridge decision function.
func (h *ProcessingHandle) Close() error {
	h.ctx.release()
	<-h.ctx.done
	return nil
}

// State returns the current lifecycle state.
func (h *ProcessingHandle) State() State {
	return State(h.ctx.state.Load())
}

// Done is closed once the trace reached StateStopped.
func (h *ProcessingHandle) Done() <-chan struct{} {
	return h.ctx.done
}

// Source returns what the trace reads from.
func (h *ProcessingHandle) Source() Source {
	return h.ctx.src
}

// Stats returns the trace counters.
func (h *ProcessingHandle) Stats() Stats {
	return h.ctx.stats()
}

// ProcessingThread is the running dispatch loop of a ProcessingHandle.
type ProcessingThread struct {
	handle *ProcessingHandle
}

// Stop requests the trace to stop without waiting. Buffered realtime events
// are still dispatched, and ignored, until the loop returns.
func (t *ProcessingThread) Stop() {
	t.handle.ctx.closeTrace()
}

// Wait blocks until the dispatch loop returned and returns its result.
func (t *ProcessingThread) Wait() error {
	<-t.handle.ctx.done
	return t.handle.ctx.result
}

// StopAndWait stops the trace and waits for the loop result.
func (t *ProcessingThread) StopAndWait() error {
	t.Stop()
	return t.Wait()
}

// Done is closed once the dispatch loop returned.
func (t *ProcessingThread) Done() <-chan struct{} {
	return t.handle.ctx.done
}

// Handle returns the handle the thread belongs to.
func (t *ProcessingThread) Handle() *ProcessingHandle {
	return t.handle
}

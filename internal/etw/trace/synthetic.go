package trace

import (
	"fmt"
	"sync"

	"etw_consumer/internal/etw/record"
	"etw_consumer/internal/etw/status"
)

// Win32 errors reported by the synthetic native.
const (
	errorFileNotFound        = 2
	errorInvalidHandle       = 6
	errorCtxClosePending     = 7007
	errorWMIInstanceNotFound = 4201
)

// Synthetic is an in-process Native. Realtime sessions are fed with Emit
// and behave like the OS: closing a trace only asks the dispatch loop to
// finish, and events already queued are still dispatched before Process
// returns. Log files are registered with AddFile and replayed once.
//
// Events are laid out in scratch memory that is scribbled after every
// callback, so a consumer that keeps a transient record past its callback
// reads garbage rather than the event.
type Synthetic struct {
	mu       sync.Mutex
	sessions map[string]*syntheticQueue
	files    map[string][]*record.EventRecord
	results  map[string]error
	traces   map[NativeHandle]*syntheticTrace
	next     NativeHandle
}

type syntheticQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	events []*record.EventRecord
	closed bool // the reading trace was closed or the session stopped
}

func newSyntheticQueue(events []*record.EventRecord) *syntheticQueue {
	q := &syntheticQueue{events: events}
	q.cond = sync.NewCond(&q.mu)
	return q
}

type syntheticTrace struct {
	src         Source
	userContext uint64
	queue       *syntheticQueue
	closed      bool
}

// NewSynthetic returns an empty synthetic native.
func NewSynthetic() *Synthetic {
	return &Synthetic{
		sessions: make(map[string]*syntheticQueue),
		files:    make(map[string][]*record.EventRecord),
		results:  make(map[string]error),
		traces:   make(map[NativeHandle]*syntheticTrace),
		next:     1,
	}
}

// StartSession creates a realtime session. Emitting to an unknown session
// starts it as well.
func (s *Synthetic) StartSession(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionLocked(name)
}

func (s *Synthetic) sessionLocked(name string) *syntheticQueue {
	q, ok := s.sessions[name]
	if !ok {
		q = newSyntheticQueue(nil)
		s.sessions[name] = q
	}
	return q
}

// Emit queues events on a realtime session. Events are copied.
func (s *Synthetic) Emit(session string, events ...*record.EventRecord) error {
	owned := make([]*record.EventRecord, 0, len(events))
	for _, ev := range events {
		if err := record.CheckRawLimits(ev); err != nil {
			return err
		}
		o, err := ev.ToOwned()
		if err != nil {
			return err
		}
		owned = append(owned, o)
	}

	s.mu.Lock()
	q := s.sessionLocked(session)
	s.mu.Unlock()

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return fmt.Errorf("session %s: %w", session, ErrClosed)
	}
	q.events = append(q.events, owned...)
	q.cond.Broadcast()
	return nil
}

// StopSession stops a realtime session. Traces reading it drain what is
// queued and then return from Process successfully.
func (s *Synthetic) StopSession(name string) {
	s.mu.Lock()
	q, ok := s.sessions[name]
	delete(s.sessions, name)
	s.mu.Unlock()
	if ok {
		q.close()
	}
}

// AddFile registers a log file holding events. Calling it without events
// registers an empty file. Events a log file could not hold are rejected and
// the file is left unchanged.
func (s *Synthetic) AddFile(path string, events ...*record.EventRecord) error {
	for _, ev := range events {
		if err := record.CheckRawLimits(ev); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[path] = append(s.files[path], events...)
	return nil
}

// FailWith makes Process on the named session or file return err, the way
// the OS reports a failed dispatch loop.
func (s *Synthetic) FailWith(name string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[name] = err
}

// Open implements Native.
func (s *Synthetic) Open(src Source, userContext uint64) (NativeHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := &syntheticTrace{src: src, userContext: userContext}
	if src.Realtime() {
		q, ok := s.sessions[src.SessionName]
		if !ok {
			return InvalidHandle, status.FromWin32(errorWMIInstanceNotFound)
		}
		if q.isClosed() {
			// The previous consumer of the session is gone; start afresh.
			q = newSyntheticQueue(nil)
			s.sessions[src.SessionName] = q
		}
		t.queue = q
	} else {
		events, ok := s.files[src.LogFile]
		if !ok {
			return InvalidHandle, status.FromWin32(errorFileNotFound)
		}
		t.queue = newSyntheticQueue(append([]*record.EventRecord(nil), events...))
	}

	h := s.next
	s.next++
	s.traces[h] = t
	return h, nil
}

// Process implements Native.
func (s *Synthetic) Process(h NativeHandle) error {
	s.mu.Lock()
	t, ok := s.traces[h]
	s.mu.Unlock()
	if !ok {
		return status.FromWin32(errorInvalidHandle)
	}
	name := t.name()

	var b record.RawBuilder
	for {
		ev, ok := t.next()
		if !ok {
			break
		}
		raw, err := b.Build(ev, uintptr(t.userContext))
		if err != nil {
			// Emit and AddFile reject these, so this is a bug in the caller.
			panic(err)
		}
		dispatchEvent(raw)
		b.Release()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.traces, h)
	if err, ok := s.results[name]; ok {
		return err
	}
	if t.closed {
		return status.Cancelled
	}
	// The file ended or the session was stopped under the consumer.
	return nil
}

// Close implements Native. Realtime closes are asynchronous and report
// ERROR_CTX_CLOSE_PENDING like the OS does.
func (s *Synthetic) Close(h NativeHandle) error {
	s.mu.Lock()
	t, ok := s.traces[h]
	if !ok || t.closed {
		s.mu.Unlock()
		return status.FromWin32(errorInvalidHandle)
	}
	t.closed = true
	s.mu.Unlock()

	t.queue.close()
	if t.src.Realtime() {
		return status.FromWin32(errorCtxClosePending)
	}
	return nil
}

func (t *syntheticTrace) name() string {
	if t == nil {
		return ""
	}
	if t.src.Realtime() {
		return t.src.SessionName
	}
	return t.src.LogFile
}

// next returns the next event to dispatch. Realtime traces wait for events
// until closed and then drain what is queued; files stop at the end or at
// close.
func (t *syntheticTrace) next() (*record.EventRecord, bool) {
	q := t.queue
	q.mu.Lock()
	defer q.mu.Unlock()
	if t.src.Realtime() {
		for len(q.events) == 0 && !q.closed {
			q.cond.Wait()
		}
	} else if q.closed {
		return nil, false
	}
	if len(q.events) == 0 {
		return nil, false
	}
	ev := q.events[0]
	q.events[0] = nil
	q.events = q.events[1:]
	return ev, true
}

func (q *syntheticQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

func (q *syntheticQueue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

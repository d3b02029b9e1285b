package trace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"etw_consumer/internal/etw/bridge"
	"etw_consumer/internal/etw/record"
	"etw_consumer/internal/etw/status"
)

func taggedEvent(tag uint64) *record.EventRecord {
	header := record.EventHeader{
		ProcessID:       100,
		ThreadID:        uint32(tag),
		EventDescriptor: record.EventDescriptor{ID: 1, Keyword: tag},
	}
	return record.NewOwned(header, record.BufferContext{LoggerID: 7}, nil, []byte(fmt.Sprintf("event-%d", tag)))
}

func taggedEvents(n int) []*record.EventRecord {
	events := make([]*record.EventRecord, n)
	for i := range events {
		events[i] = taggedEvent(uint64(i + 1))
	}
	return events
}

func tagOf(ev *record.EventRecord) uint64 {
	return ev.Header().EventDescriptor.Keyword
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func newBridge(t *testing.T, kind bridge.Kind) bridge.Bridge {
	t.Helper()
	b, err := bridge.New(kind)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

// openSession starts a synthetic realtime session named after the test and
// opens a trace on it.
func openSession(t *testing.T, sink bridge.Producer, events []*record.EventRecord, opts ...Option) (*Synthetic, *ProcessingHandle) {
	t.Helper()
	native := NewSynthetic()
	name := t.Name()
	native.StartSession(name)
	if err := native.Emit(name, events...); err != nil {
		t.Fatal(err)
	}
	h, err := Open(native, Source{SessionName: name}, sink, opts...)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return native, h
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(20 * time.Second):
		t.Fatal("dispatch loop did not exit")
	}
}

func TestSourceValidate(t *testing.T) {
	tests := []struct {
		name     string
		src      Source
		wantErr  bool
		realtime bool
	}{
		{"session", Source{SessionName: "s"}, false, true},
		{"file", Source{LogFile: "trace.etl"}, false, false},
		{"empty", Source{}, true, true},
		{"both", Source{SessionName: "s", LogFile: "f.etl"}, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.src.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.src.Realtime() != tt.realtime {
				t.Errorf("Realtime() = %v", tt.src.Realtime())
			}
		})
	}
}

func TestRendezvousScenario(t *testing.T) {
	b := newBridge(t, bridge.KindRendezvous)
	_, h := openSession(t, b, taggedEvents(3))
	if h.State() != StateCreated {
		t.Fatalf("state after Open = %v", h.State())
	}
	thread, err := h.Process()
	if err != nil {
		t.Fatal(err)
	}
	if h.State() != StateRunning {
		t.Errorf("state after Process = %v", h.State())
	}

	ctx := testContext(t)
	if err := b.ExpectEvent(ctx, func(ev *record.EventRecord) bool {
		if tagOf(ev) != 1 {
			t.Errorf("first tag = %d", tagOf(ev))
		}
		return true
	}); err != nil {
		t.Fatalf("first ExpectEvent: %v", err)
	}
	if err := b.ExpectEvent(ctx, func(ev *record.EventRecord) bool {
		if tagOf(ev) != 2 {
			t.Errorf("second tag = %d", tagOf(ev))
		}
		return false
	}); err != nil {
		t.Fatalf("second ExpectEvent: %v", err)
	}

	// The stop decision tears the trace down; E3 is dispatched by the loop
	// but never reaches the consumer.
	err = thread.Wait()
	if !status.IsCancelled(err) {
		t.Errorf("Wait() = %v, want the realtime close result", err)
	}
	if h.State() != StateStopped {
		t.Errorf("state = %v, want stopped", h.State())
	}
	want := Stats{Delivered: 2, Skipped: 1, Refused: 1}
	if diff := cmp.Diff(want, h.Stats()); diff != "" {
		t.Errorf("stats (-want +got):\n%s", diff)
	}
	if err := b.ExpectEvent(ctx, func(ev *record.EventRecord) bool {
		t.Errorf("observed event %d after stop", tagOf(ev))
		return true
	}); !errors.Is(err, status.ErrSessionClosed) {
		t.Errorf("third ExpectEvent = %v, want session closed", err)
	}
}

func TestCloseWaitsForDispatchGoroutine(t *testing.T) {
	b := newBridge(t, bridge.KindRendezvous)
	_, h := openSession(t, b, taggedEvents(1))
	id := h.ctx.id
	if _, err := h.Process(); err != nil {
		t.Fatal(err)
	}

	closed := make(chan struct{})
	err := b.ExpectEvent(testContext(t), func(ev *record.EventRecord) bool {
		go func() {
			_ = h.Close()
			close(closed)
		}()
		time.Sleep(50 * time.Millisecond)
		select {
		case <-closed:
			t.Error("Close returned while the dispatch goroutine was mid-delivery")
		default:
		}
		if h.State() != StateStopping {
			t.Errorf("state during delivery = %v, want stopping", h.State())
		}
		// The view is still valid: the producer is parked on our decision.
		if !ev.Valid() || string(ev.UserData()) != "event-1" {
			t.Error("view unreadable during its delivery")
		}
		return true
	})
	if err != nil {
		t.Fatal(err)
	}

	waitDone(t, closed)
	if h.State() != StateStopped {
		t.Errorf("state after Close = %v", h.State())
	}
	if _, ok := lookup(id); ok {
		t.Error("callback context still registered after the loop exited")
	}
	// Late callbacks for the released context are ignored.
	var rb record.RawBuilder
	dispatchEvent(rb.MustBuild(taggedEvent(9), uintptr(id)))
	if s := h.Stats(); s.Delivered != 1 {
		t.Errorf("stats after late callback = %+v", s)
	}
	if err := h.Close(); err != nil {
		t.Errorf("second Close = %v", err)
	}
}

func TestCloseWithUndrainedStreamSlot(t *testing.T) {
	b := newBridge(t, bridge.KindStream)
	_, h := openSession(t, b, taggedEvents(1))
	id := h.ctx.id
	if _, err := h.Process(); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for h.Stats().Delivered < 1 {
		if time.Now().After(deadline) {
			t.Fatal("event never reached the stream slot")
		}
		time.Sleep(time.Millisecond)
	}

	closed := make(chan struct{})
	go func() {
		_ = h.Close()
		close(closed)
	}()
	waitDone(t, closed)
	if h.State() != StateStopped {
		t.Errorf("state after Close = %v", h.State())
	}
	if _, ok := lookup(id); ok {
		t.Error("callback context still registered after the loop exited")
	}

	s := b.(*bridge.Stream)
	ev, err := s.Next(testContext(t))
	if err != nil || tagOf(ev) != 1 {
		t.Fatalf("Next after Close = %v, %v", ev, err)
	}
	if _, err := s.Next(testContext(t)); err == nil {
		t.Error("stream still open after the trace stopped")
	}
}

func TestSyntheticRejectsOversizeRecords(t *testing.T) {
	big := record.NewOwned(record.EventHeader{}, record.BufferContext{}, nil, make([]byte, 1<<16))
	native := NewSynthetic()
	native.StartSession("big")
	if err := native.Emit("big", taggedEvent(1), big); !errors.Is(err, record.ErrRecordTooLarge) {
		t.Errorf("Emit = %v, want ErrRecordTooLarge", err)
	}
	if err := native.AddFile("big.etl", taggedEvent(1), big); !errors.Is(err, record.ErrRecordTooLarge) {
		t.Errorf("AddFile = %v, want ErrRecordTooLarge", err)
	}
	if _, err := Open(native, Source{LogFile: "big.etl"}, newBridge(t, bridge.KindChannel)); err == nil {
		t.Error("rejected log file was registered")
	}
}

type panickingSink struct {
	completed chan error
}

func (panickingSink) Deliver(*record.EventRecord) error { panic("consumer bug") }
func (s panickingSink) Complete(err error)              { s.completed <- err }

func TestCallbackPanicAborts(t *testing.T) {
	aborted := make(chan any, 4)
	sink := panickingSink{completed: make(chan error, 1)}
	_, h := openSession(t, sink, taggedEvents(1), WithAbort(func(v any) { aborted <- v }))
	if _, err := h.Process(); err != nil {
		t.Fatal(err)
	}

	select {
	case v := <-aborted:
		if v != "consumer bug" {
			t.Errorf("abort got %v", v)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("panic in the event callback did not abort")
	}
	_ = h.Close()
	<-sink.completed
}

func TestCloseBeforeProcess(t *testing.T) {
	b := newBridge(t, bridge.KindChannel)
	_, h := openSession(t, b, taggedEvents(2))
	id := h.ctx.id

	if err := h.Close(); err != nil {
		t.Fatal(err)
	}
	waitDone(t, h.Done())
	if h.State() != StateStopped {
		t.Errorf("state = %v", h.State())
	}
	if _, err := h.Process(); !errors.Is(err, ErrAlreadyProcessing) && !errors.Is(err, ErrClosed) {
		t.Errorf("Process after Close = %v", err)
	}
	if _, ok := lookup(id); ok {
		t.Error("context still registered")
	}
	if err := b.ExpectEvent(testContext(t), func(*record.EventRecord) bool { return true }); !errors.Is(err, status.ErrSessionClosed) {
		t.Errorf("ExpectEvent = %v, want session closed", err)
	}
}

func TestProcessTwice(t *testing.T) {
	b := newBridge(t, bridge.KindRendezvous)
	_, h := openSession(t, b, nil)
	thread, err := h.Process()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.Process(); !errors.Is(err, ErrAlreadyProcessing) {
		t.Errorf("second Process = %v", err)
	}
	if err := thread.StopAndWait(); !status.IsCancelled(err) {
		t.Errorf("StopAndWait = %v", err)
	}
}

func TestStopDropsBufferedEvents(t *testing.T) {
	b := newBridge(t, bridge.KindRendezvous)
	_, h := openSession(t, b, taggedEvents(5))
	thread, err := h.Process()
	if err != nil {
		t.Fatal(err)
	}

	err = b.ExpectEvent(testContext(t), func(*record.EventRecord) bool {
		thread.Stop()
		return true
	})
	if err != nil {
		t.Fatal(err)
	}
	waitDone(t, thread.Done())

	want := Stats{Delivered: 1, Skipped: 4}
	if diff := cmp.Diff(want, h.Stats()); diff != "" {
		t.Errorf("stats (-want +got):\n%s", diff)
	}
}

func TestFileSourceRunsToEnd(t *testing.T) {
	native := NewSynthetic()
	native.AddFile("capture.etl", taggedEvents(25)...)

	b := newBridge(t, bridge.KindChannel)
	h, err := Open(native, Source{LogFile: "capture.etl"}, b)
	if err != nil {
		t.Fatal(err)
	}
	thread, err := h.Process()
	if err != nil {
		t.Fatal(err)
	}

	var tags []uint64
	for ev := range b.Events(testContext(t)) {
		tags = append(tags, tagOf(ev))
	}
	if len(tags) != 25 || tags[0] != 1 || tags[24] != 25 {
		t.Errorf("tags = %v", tags)
	}
	if err := thread.Wait(); err != nil {
		t.Errorf("Wait() = %v, want nil at end of file", err)
	}
}

func TestOpenFailure(t *testing.T) {
	before := contexts.Size()
	native := NewSynthetic()

	_, err := Open(native, Source{SessionName: "missing"}, newBridge(t, bridge.KindRendezvous))
	if code, ok := status.CodeOf(err).Win32(); !ok || code != errorWMIInstanceNotFound {
		t.Errorf("Open unknown session = %v", err)
	}
	_, err = Open(native, Source{LogFile: "missing.etl"}, newBridge(t, bridge.KindRendezvous))
	if code, ok := status.CodeOf(err).Win32(); !ok || code != errorFileNotFound {
		t.Errorf("Open unknown file = %v", err)
	}
	if _, err := Open(native, Source{}, newBridge(t, bridge.KindRendezvous)); err == nil {
		t.Error("Open accepted an empty source")
	}
	if after := contexts.Size(); after != before {
		t.Errorf("registry grew from %d to %d after failed opens", before, after)
	}
}

func TestDispatchFailureSurfaced(t *testing.T) {
	loopErr := status.FromWin32(1450)
	b := newBridge(t, bridge.KindStream)
	native, h := openSession(t, b, nil)
	native.FailWith(t.Name(), loopErr)

	thread, err := h.Process()
	if err != nil {
		t.Fatal(err)
	}
	if err := thread.StopAndWait(); !errors.Is(err, loopErr) {
		t.Errorf("StopAndWait = %v, want %v", err, loopErr)
	}
	err = b.ExpectEvent(testContext(t), func(*record.EventRecord) bool { return true })
	if !errors.Is(err, status.ErrSessionClosed) || !errors.Is(err, loopErr) {
		t.Errorf("ExpectEvent = %v", err)
	}
}

func TestEveryBridgeKind(t *testing.T) {
	const n = 200
	for _, kind := range []bridge.Kind{bridge.KindRendezvous, bridge.KindChannel, bridge.KindStream, bridge.KindDirect} {
		t.Run(kind.String(), func(t *testing.T) {
			b := newBridge(t, kind)
			_, h := openSession(t, b, taggedEvents(n))
			thread, err := h.Process()
			if err != nil {
				t.Fatal(err)
			}

			ctx := testContext(t)
			for i := 1; i <= n; i++ {
				err := b.ExpectEvent(ctx, func(ev *record.EventRecord) bool {
					if tagOf(ev) != uint64(i) {
						t.Errorf("event %d has tag %d", i, tagOf(ev))
					}
					return i < n
				})
				if err != nil {
					t.Fatalf("ExpectEvent %d: %v", i, err)
				}
			}
			// The stream bridge only notices the stop on its next delivery.
			_ = thread.StopAndWait()
			if s := h.Stats(); s.Delivered != n {
				t.Errorf("delivered %d, want %d", s.Delivered, n)
			}
		})
	}
}

func TestDefaultAbortExitCode(t *testing.T) {
	if os.Getenv("TRACE_DEFAULT_ABORT") == "1" {
		defaultAbort("consumer bug")
		return
	}
	cmd := exec.Command(os.Args[0], "-test.run=^TestDefaultAbortExitCode$")
	cmd.Env = append(os.Environ(), "TRACE_DEFAULT_ABORT=1")
	err := cmd.Run()
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) || exitErr.ExitCode() != 2 {
		t.Errorf("abort exited with %v, want exit status 2", err)
	}
}

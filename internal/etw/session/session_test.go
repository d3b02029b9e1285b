package session

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unsafe"

	"github.com/google/go-cmp/cmp"

	"etw_consumer/internal/etw/bridge"
	"etw_consumer/internal/etw/record"
	"etw_consumer/internal/etw/status"
	"etw_consumer/internal/etw/trace"
)

func TestParseProvider(t *testing.T) {
	custom := record.MustParseGUID("{01853a65-418f-4f36-aefc-dc0f1d2fd235}")
	tests := []struct {
		in      string
		want    Provider
		wantErr bool
	}{
		{
			in: "Microsoft-Windows-Kernel-Process",
			want: Provider{Name: "Microsoft-Windows-Kernel-Process",
				GUID: *MicrosoftWindowsKernelProcessGUID, EnableLevel: 0xFF},
		},
		{
			in: "microsoft-windows-kernel-file:4:0x7A0",
			want: Provider{Name: "microsoft-windows-kernel-file",
				GUID: *MicrosoftWindowsKernelFileGUID, EnableLevel: 4, MatchAnyKeyword: 0x7A0},
		},
		{
			in:   "{01853a65-418f-4f36-aefc-dc0f1d2fd235}::0x10:0x1",
			want: Provider{GUID: *custom, EnableLevel: 0xFF, MatchAnyKeyword: 0x10, MatchAllKeyword: 1},
		},
		{in: "", wantErr: true},
		{in: "No-Such-Provider", wantErr: true},
		{in: "system-io:256", wantErr: true},
		{in: "system-io:5:zz", wantErr: true},
		{in: "system-io:5:1:2:3", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseProvider(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseProvider(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ParseProvider(%q) mismatch (-want +got):\n%s", tt.in, diff)
			}
		})
	}
}

func TestMergeProviders(t *testing.T) {
	disk := *MicrosoftWindowsKernelDiskGUID
	proc := *MicrosoftWindowsKernelProcessGUID
	in := []Provider{
		{GUID: proc, EnableLevel: 4, MatchAnyKeyword: 0x10},
		{Name: "disk", GUID: disk, EnableLevel: 0xFF},
		{Name: "process", GUID: proc, EnableLevel: 5, MatchAnyKeyword: 0x40, EnableProperties: EnablePropertyProcessStartKey},
	}
	want := []Provider{
		{Name: "process", GUID: proc, EnableLevel: 5, MatchAnyKeyword: 0x50, EnableProperties: EnablePropertyProcessStartKey},
		{Name: "disk", GUID: disk, EnableLevel: 0xFF},
	}
	if diff := cmp.Diff(want, MergeProviders(in)); diff != "" {
		t.Errorf("MergeProviders mismatch (-want +got):\n%s", diff)
	}
}

func TestTraceProperties(t *testing.T) {
	mode := DefaultMode()
	mode.LogFile = `C:\traces\capture.etl`
	p, err := newTraceProperties("etw_consumer", *ConsumerSessionGUID, mode)
	if err != nil {
		t.Fatal(err)
	}

	if got := p.Wnode.BufferSize; got != uint32(unsafe.Sizeof(traceProperties{})) {
		t.Errorf("Wnode.BufferSize = %d", got)
	}
	if p.Wnode.Flags&wnodeFlagTracedGUID == 0 {
		t.Error("WNODE_FLAG_TRACED_GUID not set")
	}
	if p.LogFileMode != logFileModeRealTime|logFileModeSequential {
		t.Errorf("LogFileMode = %#x", p.LogFileMode)
	}
	if p.LoggerNameOffset != 120 || p.LogFileNameOffset != 120+2*maxNameLen {
		t.Errorf("name offsets = %d, %d", p.LoggerNameOffset, p.LogFileNameOffset)
	}

	st := p.status()
	if st.Name != "etw_consumer" || st.LogFile != mode.LogFile || st.BufferSizeKB != 64 {
		t.Errorf("status = %+v", st)
	}
}

func TestTracePropertiesRealtimeOnly(t *testing.T) {
	p, err := newTraceProperties("rt", *ConsumerSessionGUID, DefaultMode())
	if err != nil {
		t.Fatal(err)
	}
	if p.LogFileMode != logFileModeRealTime || p.LogFileNameOffset != 0 {
		t.Errorf("LogFileMode = %#x, LogFileNameOffset = %d", p.LogFileMode, p.LogFileNameOffset)
	}
}

func TestSessionNameValidation(t *testing.T) {
	tests := []struct {
		name string
		ok   bool
	}{
		{"etw_consumer", true},
		{"Überwachung", true},
		{"", false},
		{"bad\x00name", false},
		{strings.Repeat("x", maxNameLen), false},
		{strings.Repeat("x", maxNameLen-1), true},
	}
	for _, tt := range tests {
		if err := validateName(tt.name); (err == nil) != tt.ok {
			t.Errorf("validateName(len %d) = %v, want ok=%v", len(tt.name), err, tt.ok)
		}
	}
}

func TestSyntheticController(t *testing.T) {
	ctrl := NewSynthetic(trace.NewSynthetic())
	providers, err := ParseProviders([]string{
		"Microsoft-Windows-Kernel-Process::0x10",
		"Microsoft-Windows-Kernel-Disk",
		"Microsoft-Windows-Kernel-Process::0x40",
	})
	if err != nil {
		t.Fatal(err)
	}

	s, err := Start(ctrl, "consumer", DefaultMode(), providers)
	if err != nil {
		t.Fatal(err)
	}
	if got := len(s.Providers()); got != 2 {
		t.Fatalf("enabled providers = %d, want 2", got)
	}
	if got := s.Providers()[0].MatchAnyKeyword; got != 0x50 {
		t.Errorf("merged keywords = %#x", got)
	}

	if err := ctrl.DisableProvider(s, providers[1]); err != nil {
		t.Fatal(err)
	}
	if err := ctrl.DisableProvider(s, providers[1]); !errors.Is(err, status.NotFound) {
		t.Errorf("second DisableProvider = %v, want not found", err)
	}

	mode := DefaultMode()
	mode.ReplaceExisting = false
	if _, err := ctrl.Open("consumer", mode); err == nil {
		t.Error("Open replaced an existing session")
	}

	if err := ctrl.Stop(s); err != nil {
		t.Fatal(err)
	}
	if err := ctrl.Stop(s); err != nil {
		t.Errorf("second Stop = %v", err)
	}
	if _, err := ctrl.Query(s); !errors.Is(err, ErrStopped) {
		t.Errorf("Query after Stop = %v", err)
	}
	if err := ctrl.EnableProvider(s, providers[0]); !errors.Is(err, ErrStopped) {
		t.Errorf("EnableProvider after Stop = %v", err)
	}
}

func TestStopEndsConsumer(t *testing.T) {
	native := trace.NewSynthetic()
	ctrl := NewSynthetic(native)
	s, err := Start(ctrl, "live", DefaultMode(), nil)
	if err != nil {
		t.Fatal(err)
	}

	ev := record.NewOwned(record.EventHeader{ProcessID: 4}, record.BufferContext{}, nil, []byte("payload"))
	if err := native.Emit(s.Name, ev, ev); err != nil {
		t.Fatal(err)
	}

	b, err := bridge.New(bridge.KindChannel)
	if err != nil {
		t.Fatal(err)
	}
	h, err := trace.Open(native, s.Source(), b)
	if err != nil {
		t.Fatal(err)
	}
	thread, err := h.Process()
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := b.ExpectEvent(ctx, func(*record.EventRecord) bool { return true }); err != nil {
		t.Fatal(err)
	}
	if err := ctrl.Stop(s); err != nil {
		t.Fatal(err)
	}

	// The buffered event is still delivered before the loop ends.
	var n int
	for range b.Events(ctx) {
		n++
	}
	if n != 1 {
		t.Errorf("events after stop = %d, want 1", n)
	}
	if err := thread.Wait(); err != nil {
		t.Errorf("Wait() = %v, want nil after the session stopped", err)
	}
}

package status

import (
	"errors"
	"fmt"
	"testing"
)

func TestFromWin32(t *testing.T) {
	tests := []struct {
		name  string
		errno uint32
		want  Code
	}{
		{"success", 0, Success},
		{"cancelled", 1223, Cancelled},
		{"timeout", 1460, Timeout},
		{"not found", 1168, NotFound},
		{"already hresult", 0x8000FFFF, Unexpected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FromWin32(tt.errno); got != tt.want {
				t.Errorf("FromWin32(%d) = 0x%08X, want 0x%08X", tt.errno, uint32(got), uint32(tt.want))
			}
		})
	}
}

func TestWin32RoundTrip(t *testing.T) {
	for _, errno := range []uint32{1223, 1460, 1168, 5, 87} {
		got, ok := FromWin32(errno).Win32()
		if !ok || got != errno {
			t.Errorf("Win32() of FromWin32(%d) = %d, %v", errno, got, ok)
		}
	}
	if _, ok := Unexpected.Win32(); ok {
		t.Error("E_UNEXPECTED should not carry a Win32 error number")
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindNone},
		{"cancelled", Cancelled, KindCancelled},
		{"wrapped timeout", fmt.Errorf("expect event: %w", Timeout), KindTimeout},
		{"unexpected", Unexpected, KindUnexpected},
		{"os failure", FromWin32(5), KindOS},
		{"foreign error", errors.New("boom"), KindUnexpected},
		{"session closed", SessionClosed(nil), KindOS},
		{"session closed by cancel", SessionClosed(Cancelled), KindCancelled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestCodeErrorsIs(t *testing.T) {
	err := fmt.Errorf("deliver: %w", Cancelled)
	if !IsCancelled(err) {
		t.Error("wrapped Cancelled not detected")
	}
	if CodeOf(err) != Cancelled {
		t.Errorf("CodeOf = %v", CodeOf(err))
	}
	if CodeOf(nil) != Success {
		t.Error("nil error should map to Success")
	}
	if Success.Err() != nil {
		t.Error("Success.Err() should be nil")
	}
	if !errors.Is(SessionClosed(Timeout), ErrSessionClosed) || !errors.Is(SessionClosed(Timeout), Timeout) {
		t.Error("SessionClosed should wrap both the sentinel and the result")
	}
}

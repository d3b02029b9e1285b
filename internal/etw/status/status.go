// Package status maps the OS-defined 32-bit result codes used across the
// event pipeline to Go errors.
package status

import (
	"errors"
	"fmt"
)

// Code is an HRESULT-style 32-bit status. A Code is a valid error value and
// compares with errors.Is by value.
type Code uint32

const (
	// Success is S_OK / ERROR_SUCCESS.
	Success Code = 0x00000000
	// Cancelled is HRESULT_FROM_WIN32(ERROR_CANCELLED).
	Cancelled Code = 0x800704C7
	// Timeout is HRESULT_FROM_WIN32(ERROR_TIMEOUT).
	Timeout Code = 0x800705B4
	// Unexpected is E_UNEXPECTED.
	Unexpected Code = 0x8000FFFF
	// NotFound is HRESULT_FROM_WIN32(ERROR_NOT_FOUND).
	NotFound Code = 0x80070490
)

// Win32 error numbers that have a dedicated Code.
const (
	errorSuccess   = 0
	errorCancelled = 1223
	errorNotFound  = 1168
	errorTimeout   = 1460

	facilityWin32 = 7
)

// Kind classifies an error for the consumer-facing surface.
type Kind int

const (
	KindNone Kind = iota
	KindCancelled
	KindTimeout
	KindUnexpected
	KindOS
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindCancelled:
		return "cancelled"
	case KindTimeout:
		return "timeout"
	case KindUnexpected:
		return "unexpected"
	case KindOS:
		return "os"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

var (
	// ErrSessionClosed is returned to a consumer waiting for an event once the
	// dispatch loop has returned. It wraps the loop's result when there is one.
	ErrSessionClosed = errors.New("trace session closed")
)

// Error implements the error interface.
func (c Code) Error() string {
	switch c {
	case Success:
		return "success"
	case Cancelled:
		return "operation cancelled (0x800704C7)"
	case Timeout:
		return "wait timed out (0x800705B4)"
	case Unexpected:
		return "unexpected failure (0x8000FFFF)"
	case NotFound:
		return "element not found (0x80070490)"
	}
	if win32, ok := c.Win32(); ok {
		return fmt.Sprintf("win32 error %d (0x%08X)", win32, uint32(c))
	}
	return fmt.Sprintf("status 0x%08X", uint32(c))
}

// Failed reports whether the severity bit is set.
func (c Code) Failed() bool {
	return int32(c) < 0
}

// Win32 returns the Win32 error number wrapped by c, if c carries the
// FACILITY_WIN32 facility.
func (c Code) Win32() (uint32, bool) {
	if c == Success {
		return errorSuccess, true
	}
	if uint32(c)&0xFFFF0000 == 0x80000000|facilityWin32<<16 {
		return uint32(c) & 0xFFFF, true
	}
	return 0, false
}

// FromWin32 maps a Win32 error number to its HRESULT form
// (HRESULT_FROM_WIN32). Zero maps to Success.
func FromWin32(errno uint32) Code {
	if errno == errorSuccess {
		return Success
	}
	if int32(errno) <= 0 {
		// Already an HRESULT.
		return Code(errno)
	}
	return Code(errno&0xFFFF | facilityWin32<<16 | 0x80000000)
}

// Err converts c to an error, returning nil for Success.
func (c Code) Err() error {
	if c == Success {
		return nil
	}
	return c
}

// CodeOf returns the status code carried by err. A nil err is Success and an
// error without a Code is Unexpected.
func CodeOf(err error) Code {
	if err == nil {
		return Success
	}
	var c Code
	if errors.As(err, &c) {
		return c
	}
	return Unexpected
}

// KindOf classifies err.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var c Code
	if !errors.As(err, &c) {
		if errors.Is(err, ErrSessionClosed) {
			return KindOS
		}
		return KindUnexpected
	}
	switch c {
	case Success:
		return KindNone
	case Cancelled:
		return KindCancelled
	case Timeout:
		return KindTimeout
	case Unexpected:
		return KindUnexpected
	default:
		return KindOS
	}
}

// IsCancelled reports whether err is a consumer-requested stop. Cancellation
// is a normal termination and is never reported as a fault.
func IsCancelled(err error) bool {
	return errors.Is(err, Cancelled)
}

// SessionClosed wraps the dispatch loop result for a waiting consumer.
func SessionClosed(result error) error {
	if result == nil {
		return ErrSessionClosed
	}
	return fmt.Errorf("%w: %w", ErrSessionClosed, result)
}

//go:build windows && (amd64 || arm64)

package session

import (
	"fmt"
	"unsafe"

	plog "github.com/phuslu/log"
	"golang.org/x/sys/windows"

	"etw_consumer/internal/etw/record"
	"etw_consumer/internal/etw/status"
	"etw_consumer/internal/logger"
)

var (
	advapi32           = windows.NewLazySystemDLL("advapi32.dll")
	procStartTraceW    = advapi32.NewProc("StartTraceW")
	procControlTraceW  = advapi32.NewProc("ControlTraceW")
	procEnableTraceEx2 = advapi32.NewProc("EnableTraceEx2")
)

// EVENT_TRACE_CONTROL_* and EVENT_CONTROL_CODE_*
const (
	eventTraceControlQuery = 0
	eventTraceControlStop  = 1

	controlCodeDisableProvider = 0
	controlCodeEnableProvider  = 1

	enableTraceParametersVersion2 = 2
)

// ENABLE_TRACE_PARAMETERS
type enableTraceParameters struct {
	Version          uint32
	EnableProperty   uint32
	ControlFlags     uint32
	SourceID         record.GUID
	EnableFilterDesc uintptr
	FilterDescCount  uint32
}

type windowsController struct {
	log plog.Logger
}

// NewController returns the advapi32 session controller.
func NewController() (Controller, error) {
	if err := advapi32.Load(); err != nil {
		return nil, fmt.Errorf("failed to load advapi32: %w", err)
	}
	return &windowsController{log: logger.NewLoggerWithContext("session")}, nil
}

func (c *windowsController) Open(name string, mode Mode) (*Session, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	s := &Session{Name: name, GUID: *ConsumerSessionGUID, Mode: mode}

	err := c.start(s)
	if code, ok := status.CodeOf(err).Win32(); ok && code == errorAlreadyExists && mode.ReplaceExisting {
		c.log.Warn().Str("session", name).Msg("Session already exists, stopping it and retrying")
		if err := controlTrace(0, name, queryProperties(), eventTraceControlStop); err != nil {
			return nil, fmt.Errorf("failed to stop stale session %s: %w", name, err)
		}
		err = c.start(s)
	}
	if err != nil {
		return nil, err
	}
	c.log.Debug().Str("session", name).Uint64("handle", s.handle).Msg("StartTrace succeeded")
	return s, nil
}

func (c *windowsController) start(s *Session) error {
	props, err := newTraceProperties(s.Name, s.GUID, s.Mode)
	if err != nil {
		return err
	}
	name, err := windows.UTF16PtrFromString(s.Name)
	if err != nil {
		return err
	}
	var handle uint64
	r1, _, _ := procStartTraceW.Call(
		uintptr(unsafe.Pointer(&handle)),
		uintptr(unsafe.Pointer(name)),
		uintptr(unsafe.Pointer(props)))
	if err := status.FromWin32(uint32(r1)).Err(); err != nil {
		return err
	}
	s.handle = handle
	s.props = props
	return nil
}

func (c *windowsController) EnableProvider(s *Session, p Provider) error {
	if err := s.checkRunning(); err != nil {
		return err
	}
	params := enableTraceParameters{
		Version:        enableTraceParametersVersion2,
		EnableProperty: p.EnableProperties,
	}
	if err := enableTrace(s.handle, p, controlCodeEnableProvider, &params); err != nil {
		return err
	}
	s.enabled(p)
	return nil
}

func (c *windowsController) DisableProvider(s *Session, p Provider) error {
	if err := s.checkRunning(); err != nil {
		return err
	}
	if err := enableTrace(s.handle, p, controlCodeDisableProvider, nil); err != nil {
		return err
	}
	s.disabled(p.GUID)
	return nil
}

func (c *windowsController) Query(s *Session) (Status, error) {
	if err := s.checkRunning(); err != nil {
		return Status{}, err
	}
	props := queryProperties()
	if err := controlTrace(s.handle, "", props, eventTraceControlQuery); err != nil {
		return Status{}, err
	}
	return props.status(), nil
}

func (c *windowsController) Stop(s *Session) error {
	if !s.markStopped() {
		return nil
	}
	props := queryProperties()
	if err := controlTrace(s.handle, "", props, eventTraceControlStop); err != nil {
		return fmt.Errorf("failed to stop session %s: %w", s.Name, err)
	}
	st := props.status()
	c.log.Debug().Str("session", s.Name).Uint32("events_lost", st.EventsLost).
		Uint32("buffers_written", st.BuffersWritten).Msg("Session stopped")
	return nil
}

func controlTrace(handle uint64, name string, props *traceProperties, code uint32) error {
	var namePtr *uint16
	if name != "" {
		var err error
		if namePtr, err = windows.UTF16PtrFromString(name); err != nil {
			return err
		}
	}
	r1, _, _ := procControlTraceW.Call(
		uintptr(handle),
		uintptr(unsafe.Pointer(namePtr)),
		uintptr(unsafe.Pointer(props)),
		uintptr(code))
	return status.FromWin32(uint32(r1)).Err()
}

func enableTrace(handle uint64, p Provider, code uint32, params *enableTraceParameters) error {
	r1, _, _ := procEnableTraceEx2.Call(
		uintptr(handle),
		uintptr(unsafe.Pointer(&p.GUID)),
		uintptr(code),
		uintptr(p.EnableLevel),
		uintptr(p.MatchAnyKeyword),
		uintptr(p.MatchAllKeyword),
		0,
		uintptr(unsafe.Pointer(params)))
	if err := status.FromWin32(uint32(r1)).Err(); err != nil {
		return fmt.Errorf("EnableTraceEx2 %s: %w", p, err)
	}
	return nil
}

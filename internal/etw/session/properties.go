package session

import (
	"errors"
	"fmt"
	"unicode/utf16"
	"unsafe"

	"etw_consumer/internal/etw/record"
)

// maxNameLen bounds session and log file names, in UTF-16 units including
// the terminator.
const maxNameLen = 1024

// WNODE_FLAG_* and EVENT_TRACE_*_MODE values used to set up a session.
const (
	wnodeFlagTracedGUID = 0x00020000

	logFileModeSequential = 0x00000001
	logFileModeRealTime   = 0x00000100

	// ClientContext: 1 = QueryPerformanceCounter timestamps.
	clockQPC = 1
)

// wnodeHeader is WNODE_HEADER.
type wnodeHeader struct {
	BufferSize        uint32
	ProviderID        uint32
	HistoricalContext uint64
	TimeStamp         int64
	GUID              record.GUID
	ClientContext     uint32
	Flags             uint32
}

// eventTraceProperties is EVENT_TRACE_PROPERTIES on 64-bit targets.
type eventTraceProperties struct {
	Wnode               wnodeHeader
	BufferSize          uint32
	MinimumBuffers      uint32
	MaximumBuffers      uint32
	MaximumFileSize     uint32
	LogFileMode         uint32
	FlushTimer          uint32
	EnableFlags         uint32
	AgeLimit            int32
	NumberOfBuffers     uint32
	FreeBuffers         uint32
	EventsLost          uint32
	BuffersWritten      uint32
	LogBuffersLost      uint32
	RealTimeBuffersLost uint32
	LoggerThreadID      uint64
	LogFileNameOffset   uint32
	LoggerNameOffset    uint32
}

var _ [120]byte = [unsafe.Sizeof(eventTraceProperties{})]byte{}

// traceProperties is the buffer StartTrace and ControlTrace operate on: the
// properties followed by the space the OS copies the names into.
type traceProperties struct {
	eventTraceProperties
	loggerName  [maxNameLen]uint16
	logFileName [maxNameLen]uint16
}

// Mode configures how a session is created.
type Mode struct {
	// LogFile makes the session write to a sequential log file in addition
	// to realtime delivery. Empty means realtime only.
	LogFile string

	BufferSizeKB   uint32
	MinimumBuffers uint32
	MaximumBuffers uint32
	FlushTimer     uint32 // seconds

	// ReplaceExisting stops a session of the same name left behind by a
	// previous run before starting ours.
	ReplaceExisting bool
}

// DefaultMode is a realtime session with 64 KB buffers.
func DefaultMode() Mode {
	return Mode{BufferSizeKB: 64, FlushTimer: 1, ReplaceExisting: true}
}

func newTraceProperties(name string, guid record.GUID, mode Mode) (*traceProperties, error) {
	p := &traceProperties{}
	if err := putName(p.loggerName[:], name); err != nil {
		return nil, fmt.Errorf("session name: %w", err)
	}
	p.Wnode.BufferSize = uint32(unsafe.Sizeof(*p))
	p.Wnode.GUID = guid
	p.Wnode.ClientContext = clockQPC
	p.Wnode.Flags = wnodeFlagTracedGUID

	p.BufferSize = mode.BufferSizeKB
	p.MinimumBuffers = mode.MinimumBuffers
	p.MaximumBuffers = mode.MaximumBuffers
	p.FlushTimer = mode.FlushTimer
	p.LogFileMode = logFileModeRealTime
	p.LoggerNameOffset = uint32(unsafe.Offsetof(p.loggerName))

	if mode.LogFile != "" {
		if err := putName(p.logFileName[:], mode.LogFile); err != nil {
			return nil, fmt.Errorf("log file name: %w", err)
		}
		p.LogFileMode |= logFileModeSequential
		p.LogFileNameOffset = uint32(unsafe.Offsetof(p.logFileName))
	}
	return p, nil
}

// queryProperties is an empty buffer for ControlTrace query and stop calls.
func queryProperties() *traceProperties {
	p := &traceProperties{}
	p.Wnode.BufferSize = uint32(unsafe.Sizeof(*p))
	p.LoggerNameOffset = uint32(unsafe.Offsetof(p.loggerName))
	p.LogFileNameOffset = uint32(unsafe.Offsetof(p.logFileName))
	return p
}

// Status is a snapshot of a running session.
type Status struct {
	Name           string
	LogFile        string
	BufferSizeKB   uint32
	Buffers        uint32
	FreeBuffers    uint32
	EventsLost     uint32
	BuffersWritten uint32
	RealTimeLost   uint32
}

func (p *traceProperties) status() Status {
	return Status{
		Name:           getName(p.loggerName[:]),
		LogFile:        getName(p.logFileName[:]),
		BufferSizeKB:   p.BufferSize,
		Buffers:        p.NumberOfBuffers,
		FreeBuffers:    p.FreeBuffers,
		EventsLost:     p.EventsLost,
		BuffersWritten: p.BuffersWritten,
		RealTimeLost:   p.RealTimeBuffersLost,
	}
}

func validateName(s string) error {
	if s == "" {
		return errors.New("session name is empty")
	}
	var buf [maxNameLen]uint16
	return putName(buf[:], s)
}

func putName(dst []uint16, s string) error {
	for i := 0; i < len(s); i++ {
		if s[i] == 0 {
			return fmt.Errorf("%q contains a NUL byte", s)
		}
	}
	u := utf16.Encode([]rune(s))
	if len(u) >= len(dst) {
		return fmt.Errorf("%q is longer than %d characters", s, len(dst)-1)
	}
	n := copy(dst, u)
	dst[n] = 0
	return nil
}

func getName(src []uint16) string {
	for i, c := range src {
		if c == 0 {
			return string(utf16.Decode(src[:i]))
		}
	}
	return string(utf16.Decode(src))
}

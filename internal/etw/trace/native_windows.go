//go:build windows && (amd64 || arm64)

package trace

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"

	"etw_consumer/internal/etw/record"
	"etw_consumer/internal/etw/status"
)

var (
	advapi32         = windows.NewLazySystemDLL("advapi32.dll")
	procOpenTraceW   = advapi32.NewProc("OpenTraceW")
	procProcessTrace = advapi32.NewProc("ProcessTrace")
	procCloseTrace   = advapi32.NewProc("CloseTrace")

	// One callback serves every trace; the trace is found by UserContext.
	eventRecordCallback = windows.NewCallback(func(raw *record.RawEventRecord) uintptr {
		dispatchEvent(raw)
		return 0
	})
)

// PROCESS_TRACE_MODE_*
const (
	processTraceModeRealTime    = 0x00000100
	processTraceModeEventRecord = 0x10000000
)

// EVENT_TRACE_HEADER
type eventTraceHeader struct {
	Size           uint16
	FieldTypeFlags uint16
	Version        uint32
	ThreadID       uint32
	ProcessID      uint32
	TimeStamp      int64
	GUID           windows.GUID
	ProcessorTime  uint64
}

// EVENT_TRACE
type eventTrace struct {
	Header           eventTraceHeader
	InstanceID       uint32
	ParentInstanceID uint32
	ParentGUID       windows.GUID
	MofData          uintptr
	MofLength        uint32
	BufferContext    record.BufferContext
}

// TRACE_LOGFILE_HEADER
type traceLogfileHeader struct {
	BufferSize         uint32
	Version            uint32
	ProviderVersion    uint32
	NumberOfProcessors uint32
	EndTime            int64
	TimerResolution    uint32
	MaximumFileSize    uint32
	LogFileMode        uint32
	BuffersWritten     uint32
	LogInstanceGUID    windows.GUID
	LoggerName         *uint16
	LogFileName        *uint16
	TimeZone           windows.Timezoneinformation
	BootTime           int64
	PerfFreq           int64
	StartTime          int64
	ReservedFlags      uint32
	BuffersLost        uint32
}

// EVENT_TRACE_LOGFILEW
type eventTraceLogfile struct {
	LogFileName         *uint16
	LoggerName          *uint16
	CurrentTime         int64
	BuffersRead         uint32
	ProcessTraceMode    uint32
	CurrentEvent        eventTrace
	LogfileHeader       traceLogfileHeader
	BufferCallback      uintptr
	BufferSize          uint32
	Filled              uint32
	EventsLost          uint32
	EventRecordCallback uintptr
	IsKernelTrace       uint32
	Context             uintptr
}

var _ [448]byte = [unsafe.Sizeof(eventTraceLogfile{})]byte{}

type windowsNative struct{}

// NewNative returns the advapi32 tracing API.
func NewNative() (Native, error) {
	if err := advapi32.Load(); err != nil {
		return nil, fmt.Errorf("failed to load advapi32: %w", err)
	}
	return windowsNative{}, nil
}

func (windowsNative) Open(src Source, userContext uint64) (NativeHandle, error) {
	var logfile eventTraceLogfile
	logfile.ProcessTraceMode = processTraceModeEventRecord
	logfile.EventRecordCallback = eventRecordCallback
	logfile.Context = uintptr(userContext)

	if src.Realtime() {
		name, err := windows.UTF16PtrFromString(src.SessionName)
		if err != nil {
			return InvalidHandle, err
		}
		logfile.LoggerName = name
		logfile.ProcessTraceMode |= processTraceModeRealTime
	} else {
		name, err := windows.UTF16PtrFromString(src.LogFile)
		if err != nil {
			return InvalidHandle, err
		}
		logfile.LogFileName = name
	}

	r1, _, errno := procOpenTraceW.Call(uintptr(unsafe.Pointer(&logfile)))
	h := NativeHandle(r1)
	if h == InvalidHandle {
		if e, ok := errno.(windows.Errno); ok && e != 0 {
			return InvalidHandle, status.FromWin32(uint32(e))
		}
		return InvalidHandle, status.Unexpected
	}
	return h, nil
}

func (windowsNative) Process(h NativeHandle) error {
	handles := [1]uint64{uint64(h)}
	r1, _, _ := procProcessTrace.Call(uintptr(unsafe.Pointer(&handles[0])), 1, 0, 0)
	return status.FromWin32(uint32(r1)).Err()
}

func (windowsNative) Close(h NativeHandle) error {
	r1, _, _ := procCloseTrace.Call(uintptr(h))
	return status.FromWin32(uint32(r1)).Err()
}

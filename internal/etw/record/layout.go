package record

import "unsafe"

// The types in this file mirror the native structures handed to an
// EventRecordCallback. Field order and sizes must not change.

// EVENT_HEADER.Flags
const (
	EVENT_HEADER_FLAG_EXTENDED_INFO   = 0x0001
	EVENT_HEADER_FLAG_PRIVATE_SESSION = 0x0002
	EVENT_HEADER_FLAG_STRING_ONLY     = 0x0004
	EVENT_HEADER_FLAG_TRACE_MESSAGE   = 0x0008
	EVENT_HEADER_FLAG_NO_CPUTIME      = 0x0010
	EVENT_HEADER_FLAG_32_BIT_HEADER   = 0x0020
	EVENT_HEADER_FLAG_64_BIT_HEADER   = 0x0040
	EVENT_HEADER_FLAG_CLASSIC_HEADER  = 0x0100
	EVENT_HEADER_FLAG_PROCESSOR_INDEX = 0x0200
)

// EVENT_HEADER_EXTENDED_DATA_ITEM.ExtType
const (
	EVENT_HEADER_EXT_TYPE_RELATED_ACTIVITYID = 0x0001
	EVENT_HEADER_EXT_TYPE_SID                = 0x0002
	EVENT_HEADER_EXT_TYPE_TS_ID              = 0x0003
	EVENT_HEADER_EXT_TYPE_INSTANCE_INFO      = 0x0004
	EVENT_HEADER_EXT_TYPE_STACK_TRACE32      = 0x0005
	EVENT_HEADER_EXT_TYPE_STACK_TRACE64      = 0x0006
	EVENT_HEADER_EXT_TYPE_PEBS_INDEX         = 0x0007
	EVENT_HEADER_EXT_TYPE_PMC_COUNTERS       = 0x0008
	EVENT_HEADER_EXT_TYPE_PSM_KEY            = 0x0009
	EVENT_HEADER_EXT_TYPE_EVENT_KEY          = 0x000A
	EVENT_HEADER_EXT_TYPE_EVENT_SCHEMA_TL    = 0x000B
	EVENT_HEADER_EXT_TYPE_PROV_TRAITS        = 0x000C
	EVENT_HEADER_EXT_TYPE_PROCESS_START_KEY  = 0x000D
	EVENT_HEADER_EXT_TYPE_CONTROL_GUID       = 0x000E
	EVENT_HEADER_EXT_TYPE_QPC_DELTA          = 0x000F
	EVENT_HEADER_EXT_TYPE_CONTAINER_ID       = 0x0010
	EVENT_HEADER_EXT_TYPE_STACK_KEY32        = 0x0011
	EVENT_HEADER_EXT_TYPE_STACK_KEY64        = 0x0012
)

// EventDescriptor is EVENT_DESCRIPTOR.
type EventDescriptor struct {
	ID      uint16
	Version uint8
	Channel uint8
	Level   uint8
	Opcode  uint8
	Task    uint16
	Keyword uint64
}

// EventHeader is EVENT_HEADER (80 bytes).
type EventHeader struct {
	Size            uint16
	HeaderType      uint16
	Flags           uint16
	EventProperty   uint16
	ThreadID        uint32
	ProcessID       uint32
	TimeStamp       int64
	ProviderID      GUID
	EventDescriptor EventDescriptor
	ProcessorTime   uint64 // union { KernelTime, UserTime }
	ActivityID      GUID
}

// KernelTime is the kernel-mode CPU time in ticks. Only meaningful when
// HasCPUTime is true.
func (h *EventHeader) KernelTime() uint32 {
	return uint32(h.ProcessorTime)
}

// UserTime is the user-mode CPU time in ticks. Only meaningful when
// HasCPUTime is true.
func (h *EventHeader) UserTime() uint32 {
	return uint32(h.ProcessorTime >> 32)
}

// HasCPUTime reports whether KernelTime and UserTime hold separate values.
func (h *EventHeader) HasCPUTime() bool {
	return h.Flags&(EVENT_HEADER_FLAG_NO_CPUTIME|EVENT_HEADER_FLAG_PRIVATE_SESSION) == 0
}

// HasExtendedInfo reports whether the extended-data flag is set.
func (h *EventHeader) HasExtendedInfo() bool {
	return h.Flags&EVENT_HEADER_FLAG_EXTENDED_INFO != 0
}

// BufferContext is ETW_BUFFER_CONTEXT.
type BufferContext struct {
	ProcessorNumber uint8
	Alignment       uint8
	LoggerID        uint16
}

// ProcessorIndex returns the union view of ProcessorNumber and Alignment,
// valid when EVENT_HEADER_FLAG_PROCESSOR_INDEX is set.
func (c BufferContext) ProcessorIndex() uint16 {
	return uint16(c.ProcessorNumber) | uint16(c.Alignment)<<8
}

// ExtendedDataItemRaw is EVENT_HEADER_EXTENDED_DATA_ITEM.
type ExtendedDataItemRaw struct {
	Reserved1 uint16
	ExtType   uint16
	Flags     uint16 // bit 0: Linkage
	DataSize  uint16
	DataPtr   uint64
}

// RawEventRecord is EVENT_RECORD. Values of this type are owned by the
// dispatch loop and are only valid during the callback they are passed to.
type RawEventRecord struct {
	EventHeader       EventHeader
	BufferContext     BufferContext
	ExtendedDataCount uint16
	UserDataLength    uint16
	ExtendedData      *ExtendedDataItemRaw
	UserData          unsafe.Pointer
	UserContext       uintptr
}

// Header layout size on the wire and in memory.
const eventHeaderSize = 80

var _ [eventHeaderSize]byte = [unsafe.Sizeof(EventHeader{})]byte{}

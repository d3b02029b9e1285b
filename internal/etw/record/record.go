// Package record models a single trace event either as a transient view over
// memory owned by the dispatch loop or as an independently owned copy.
package record

import (
	"errors"
	"iter"
	"os"
	"sync/atomic"
	"unsafe"

	"github.com/phuslu/log"
)

var (
	// ErrRecordExpired is returned (or raised) when a transient view is used
	// after the callback that produced it has returned.
	ErrRecordExpired = errors.New("event record view used after its callback returned")

	// ErrRecordTooLarge is returned when an owned record has a length that
	// a raw event record cannot describe.
	ErrRecordTooLarge = errors.New("event record too large for a raw record")
)

// abort terminates the process when the OS hands over a record whose length
// fields cannot be trusted. Continuing with corrupt offsets is never safe.
var abort = func(msg string) {
	log.Error().Str("component", "record").Msg(msg)
	os.Exit(2)
}

// ExtendedDataItem is one extended data item attached to an event. Data is
// borrowed from the record it was read from.
type ExtendedDataItem struct {
	Type  uint16
	Flags uint16
	Data  []byte
}

// Linkage reports whether the item's linkage bit is set.
func (i ExtendedDataItem) Linkage() bool {
	return i.Flags&1 != 0
}

type ownedRecord struct {
	header        EventHeader
	bufferContext BufferContext
	items         []ExtendedDataItem
	userData      []byte
}

// EventRecord is either a transient view over a RawEventRecord or an owned
// copy. A transient view is only valid until Expire is called by the code
// that created it; escaping it requires an explicit ToOwned.
//
// An owned EventRecord is immutable and safe to share between goroutines.
type EventRecord struct {
	raw     *RawEventRecord
	expired atomic.Bool
	owned   *ownedRecord
}

// NewTransient wraps memory handed to an event callback.
func NewTransient(raw *RawEventRecord) *EventRecord {
	return &EventRecord{raw: raw}
}

// NewOwned builds an owned record from its parts. The inputs are copied and
// the extended-info flag is normalized.
func NewOwned(header EventHeader, ctx BufferContext, items []ExtendedDataItem, userData []byte) *EventRecord {
	o := &ownedRecord{
		header:        header,
		bufferContext: ctx,
		userData:      cloneBytes(userData),
	}
	if len(items) > 0 {
		o.items = make([]ExtendedDataItem, len(items))
		for i, it := range items {
			o.items[i] = ExtendedDataItem{Type: it.Type, Flags: it.Flags, Data: cloneBytes(it.Data)}
		}
	}
	o.normalizeFlags()
	return &EventRecord{owned: o}
}

// IsTransient reports whether e is a view over callback-scoped memory.
func (e *EventRecord) IsTransient() bool {
	return e.owned == nil
}

// Valid reports whether e can still be read.
func (e *EventRecord) Valid() bool {
	return e.owned != nil || (e.raw != nil && !e.expired.Load())
}

// Expire invalidates a transient view. It is a no-op on owned records.
func (e *EventRecord) Expire() {
	if e.owned == nil {
		e.expired.Store(true)
	}
}

func (e *EventRecord) view() *RawEventRecord {
	if e.expired.Load() || e.raw == nil {
		panic(ErrRecordExpired)
	}
	return e.raw
}

// Header returns a copy of the event header.
func (e *EventRecord) Header() EventHeader {
	if e.owned != nil {
		return e.owned.header
	}
	return e.view().EventHeader
}

// BufferContext returns the buffer context the event was logged in.
func (e *EventRecord) BufferContext() BufferContext {
	if e.owned != nil {
		return e.owned.bufferContext
	}
	return e.view().BufferContext
}

// UserData returns the event payload. For a transient view the slice aliases
// dispatch loop memory and must not be retained.
func (e *EventRecord) UserData() []byte {
	if e.owned != nil {
		return e.owned.userData
	}
	r := e.view()
	if r.UserDataLength == 0 {
		return nil
	}
	if r.UserData == nil {
		abort("event record has a payload length but no payload")
	}
	return unsafe.Slice((*byte)(r.UserData), int(r.UserDataLength))
}

// ExtendedDataCount returns the number of extended data items.
func (e *EventRecord) ExtendedDataCount() int {
	if e.owned != nil {
		return len(e.owned.items)
	}
	return int(e.view().ExtendedDataCount)
}

// ExtendedData returns the extended data items in delivery order. Each call
// returns a fresh sequence that re-reads the record.
func (e *EventRecord) ExtendedData() iter.Seq[ExtendedDataItem] {
	return func(yield func(ExtendedDataItem) bool) {
		n := e.ExtendedDataCount()
		for i := 0; i < n; i++ {
			if !yield(e.extendedDataItem(i)) {
				return
			}
		}
	}
}

func (e *EventRecord) extendedDataItem(i int) ExtendedDataItem {
	if e.owned != nil {
		return e.owned.items[i]
	}
	r := e.view()
	if r.ExtendedData == nil {
		abort("event record has extended data items but no item array")
	}
	raw := unsafe.Slice(r.ExtendedData, int(r.ExtendedDataCount))[i]
	item := ExtendedDataItem{Type: raw.ExtType, Flags: raw.Flags}
	if raw.DataSize > 0 {
		if raw.DataPtr == 0 {
			abort("extended data item has a size but no data")
		}
		item.Data = unsafe.Slice((*byte)(unsafe.Pointer(uintptr(raw.DataPtr))), int(raw.DataSize))
	}
	return item
}

// ToOwned deep-copies the record into independently owned memory. It is the
// only way to keep an event past its callback.
func (e *EventRecord) ToOwned() (*EventRecord, error) {
	if e.owned != nil {
		return NewOwned(e.owned.header, e.owned.bufferContext, e.owned.items, e.owned.userData), nil
	}
	if e.raw == nil || e.expired.Load() {
		return nil, ErrRecordExpired
	}

	o := &ownedRecord{
		header:        e.raw.EventHeader,
		bufferContext: e.raw.BufferContext,
		userData:      cloneBytes(e.UserData()),
	}
	if n := int(e.raw.ExtendedDataCount); n > 0 {
		o.items = make([]ExtendedDataItem, 0, n)
		for item := range e.ExtendedData() {
			item.Data = cloneBytes(item.Data)
			o.items = append(o.items, item)
		}
	}
	o.normalizeFlags()

	// The producer may have expired the view while we were copying.
	if e.expired.Load() {
		return nil, ErrRecordExpired
	}
	return &EventRecord{owned: o}, nil
}

func (o *ownedRecord) normalizeFlags() {
	if len(o.items) == 0 {
		o.header.Flags &^= EVENT_HEADER_FLAG_EXTENDED_INFO
	} else {
		o.header.Flags |= EVENT_HEADER_FLAG_EXTENDED_INFO
	}
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

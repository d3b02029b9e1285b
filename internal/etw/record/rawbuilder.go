package record

import (
	"fmt"
	"math"
	"unsafe"
)

// poison is written over released scratch memory so that a view read after
// its callback returned shows garbage instead of stale data.
const poison = 0xDD

// RawBuilder lays owned records out as RawEventRecord values in reusable
// scratch memory, the way a dispatch loop hands events to its callback. The
// memory is reused by the next Build, so a record returned by Build is only
// valid until the following Release.
//
// A RawBuilder is not safe for concurrent use.
type RawBuilder struct {
	raw      RawEventRecord
	items    []ExtendedDataItemRaw
	itemData [][]byte
	userData []byte
}

// CheckRawLimits returns ErrRecordTooLarge when src cannot be laid out as a
// RawEventRecord: its payload, an extended item or the item count does not
// fit the 16-bit length fields.
func CheckRawLimits(src *EventRecord) error {
	if n := len(src.UserData()); n > math.MaxUint16 {
		return fmt.Errorf("%w: %d bytes of user data", ErrRecordTooLarge, n)
	}
	if n := src.ExtendedDataCount(); n > math.MaxUint16 {
		return fmt.Errorf("%w: %d extended data items", ErrRecordTooLarge, n)
	}
	i := 0
	for item := range src.ExtendedData() {
		if len(item.Data) > math.MaxUint16 {
			return fmt.Errorf("%w: extended data item %d holds %d bytes", ErrRecordTooLarge, i, len(item.Data))
		}
		i++
	}
	return nil
}

// MustBuild is like Build but panics on a record that does not fit.
func (b *RawBuilder) MustBuild(src *EventRecord, userContext uintptr) *RawEventRecord {
	raw, err := b.Build(src, userContext)
	if err != nil {
		panic(err)
	}
	return raw
}

// Build copies src into the scratch area and returns the raw record. The
// scratch area is left untouched when src does not fit.
func (b *RawBuilder) Build(src *EventRecord, userContext uintptr) (*RawEventRecord, error) {
	if err := CheckRawLimits(src); err != nil {
		return nil, err
	}
	header := src.Header()
	payload := src.UserData()

	b.raw = RawEventRecord{
		EventHeader:   header,
		BufferContext: src.BufferContext(),
		UserContext:   userContext,
	}

	b.userData = append(b.userData[:0], payload...)
	if len(b.userData) > 0 {
		b.raw.UserDataLength = uint16(len(b.userData))
		b.raw.UserData = unsafe.Pointer(&b.userData[0])
	}

	b.items = b.items[:0]
	n := 0
	for item := range src.ExtendedData() {
		if n == len(b.itemData) {
			b.itemData = append(b.itemData, nil)
		}
		b.itemData[n] = append(b.itemData[n][:0], item.Data...)
		raw := ExtendedDataItemRaw{
			ExtType:  item.Type,
			Flags:    item.Flags,
			DataSize: uint16(len(b.itemData[n])),
		}
		if raw.DataSize > 0 {
			raw.DataPtr = uint64(uintptr(unsafe.Pointer(&b.itemData[n][0])))
		}
		b.items = append(b.items, raw)
		n++
	}
	if n > 0 {
		b.raw.ExtendedDataCount = uint16(n)
		b.raw.ExtendedData = &b.items[0]
	}
	return &b.raw, nil
}

// Release poisons the scratch memory of the last built record.
func (b *RawBuilder) Release() {
	fill(unsafe.Slice((*byte)(unsafe.Pointer(&b.raw.EventHeader)), unsafe.Sizeof(b.raw.EventHeader)))
	fill(unsafe.Slice((*byte)(unsafe.Pointer(&b.raw.BufferContext)), unsafe.Sizeof(b.raw.BufferContext)))
	fill(b.userData)
	for i := range b.items {
		fill(b.itemData[i])
		b.items[i].ExtType = poison<<8 | poison
		b.items[i].Flags = poison<<8 | poison
	}
}

func fill(b []byte) {
	for i := range b {
		b[i] = poison
	}
}

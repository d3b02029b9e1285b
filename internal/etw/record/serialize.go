package record

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Serialized layout, all little endian:
//
//	u32 total size
//	EVENT_HEADER (80 bytes)
//	ETW_BUFFER_CONTEXT (4 bytes)
//	u16 extended item count, u16 reserved
//	per item: u16 type, u16 flags, u32 length, data
//	u32 payload length, payload
const (
	serializedFixedSize = 4 + eventHeaderSize + 4 + 4
	serializedItemSize  = 8
)

// ErrMalformed is returned when a serialized record cannot be decoded.
var ErrMalformed = errors.New("malformed serialized event record")

var le = binary.LittleEndian

// MarshalBinary encodes the record. It works on transient views too, as long
// as it is called before the view expires.
func (e *EventRecord) MarshalBinary() ([]byte, error) {
	if !e.Valid() {
		return nil, ErrRecordExpired
	}
	return e.AppendBinary(nil)
}

// AppendBinary appends the encoded record to b.
func (e *EventRecord) AppendBinary(b []byte) ([]byte, error) {
	if !e.Valid() {
		return nil, ErrRecordExpired
	}
	header := e.Header()
	payload := e.UserData()

	size := serializedFixedSize + 4 + len(payload)
	count := 0
	for item := range e.ExtendedData() {
		size += serializedItemSize + len(item.Data)
		count++
	}
	if count > math.MaxUint16 {
		return nil, fmt.Errorf("%w: %d extended data items", ErrRecordTooLarge, count)
	}
	if count > 0 {
		header.Flags |= EVENT_HEADER_FLAG_EXTENDED_INFO
	} else {
		header.Flags &^= EVENT_HEADER_FLAG_EXTENDED_INFO
	}

	start := len(b)
	b = le.AppendUint32(b, uint32(size))
	b, err := binary.Append(b, le, &header)
	if err != nil {
		return nil, fmt.Errorf("encode event header: %w", err)
	}
	b, err = binary.Append(b, le, e.BufferContext())
	if err != nil {
		return nil, fmt.Errorf("encode buffer context: %w", err)
	}
	b = le.AppendUint16(b, uint16(count))
	b = le.AppendUint16(b, 0)
	for item := range e.ExtendedData() {
		b = le.AppendUint16(b, item.Type)
		b = le.AppendUint16(b, item.Flags)
		b = le.AppendUint32(b, uint32(len(item.Data)))
		b = append(b, item.Data...)
	}
	b = le.AppendUint32(b, uint32(len(payload)))
	b = append(b, payload...)

	if len(b)-start != size {
		return nil, fmt.Errorf("encoded %d bytes, expected %d", len(b)-start, size)
	}
	return b, nil
}

// UnmarshalBinary decodes data into an owned record, replacing any previous
// contents of e.
func (e *EventRecord) UnmarshalBinary(data []byte) error {
	decoded, _, err := Decode(data)
	if err != nil {
		return err
	}
	e.raw = nil
	e.owned = decoded.owned
	return nil
}

// Decode reads one serialized record from the front of data and returns it
// together with the number of bytes consumed.
func Decode(data []byte) (*EventRecord, int, error) {
	if len(data) < serializedFixedSize+4 {
		return nil, 0, fmt.Errorf("%w: %d bytes is shorter than the fixed header", ErrMalformed, len(data))
	}
	size := int(le.Uint32(data))
	if size < serializedFixedSize+4 || size > len(data) {
		return nil, 0, fmt.Errorf("%w: declared size %d, have %d", ErrMalformed, size, len(data))
	}
	buf := data[4:size]

	o := &ownedRecord{}
	n, err := binary.Decode(buf, le, &o.header)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: header: %w", ErrMalformed, err)
	}
	buf = buf[n:]
	n, err = binary.Decode(buf, le, &o.bufferContext)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: buffer context: %w", ErrMalformed, err)
	}
	buf = buf[n:]

	count := int(le.Uint16(buf))
	buf = buf[4:]
	if count > 0 {
		o.items = make([]ExtendedDataItem, 0, count)
	}
	for i := 0; i < count; i++ {
		if len(buf) < serializedItemSize {
			return nil, 0, fmt.Errorf("%w: truncated extended item %d", ErrMalformed, i)
		}
		item := ExtendedDataItem{Type: le.Uint16(buf), Flags: le.Uint16(buf[2:])}
		length := int(le.Uint32(buf[4:]))
		buf = buf[serializedItemSize:]
		if length > len(buf) {
			return nil, 0, fmt.Errorf("%w: extended item %d length %d exceeds record", ErrMalformed, i, length)
		}
		item.Data = cloneBytes(buf[:length])
		buf = buf[length:]
		o.items = append(o.items, item)
	}

	if len(buf) < 4 {
		return nil, 0, fmt.Errorf("%w: missing payload length", ErrMalformed)
	}
	length := int(le.Uint32(buf))
	buf = buf[4:]
	if length != len(buf) {
		return nil, 0, fmt.Errorf("%w: payload length %d, %d bytes remain", ErrMalformed, length, len(buf))
	}
	o.userData = cloneBytes(buf)
	o.normalizeFlags()

	return &EventRecord{owned: o}, size, nil
}

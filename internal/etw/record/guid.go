package record

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// GUID has the memory layout of the Windows GUID structure.
type GUID struct {
	Data1 uint32
	Data2 uint16
	Data3 uint16
	Data4 [8]byte
}

// String returns the registry format, e.g. {9E814AAD-3204-11D2-9A82-006008A86939}.
func (g GUID) String() string {
	return fmt.Sprintf("{%08X-%04X-%04X-%02X%02X-%02X%02X%02X%02X%02X%02X}",
		g.Data1, g.Data2, g.Data3,
		g.Data4[0], g.Data4[1],
		g.Data4[2], g.Data4[3], g.Data4[4], g.Data4[5], g.Data4[6], g.Data4[7])
}

// IsZero reports whether g is the nil GUID.
func (g GUID) IsZero() bool {
	return g == GUID{}
}

// ParseGUID parses a GUID in the 8-4-4-4-12 format, with or without braces.
func ParseGUID(s string) (GUID, error) {
	var g GUID
	in := strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(s), "{"), "}")
	if len(in) != 36 || in[8] != '-' || in[13] != '-' || in[18] != '-' || in[23] != '-' {
		return g, fmt.Errorf("invalid GUID %q", s)
	}
	raw, err := hex.DecodeString(in[0:8] + in[9:13] + in[14:18] + in[19:23] + in[24:36])
	if err != nil {
		return g, fmt.Errorf("invalid GUID %q: %w", s, err)
	}
	g.Data1 = uint32(raw[0])<<24 | uint32(raw[1])<<16 | uint32(raw[2])<<8 | uint32(raw[3])
	g.Data2 = uint16(raw[4])<<8 | uint16(raw[5])
	g.Data3 = uint16(raw[6])<<8 | uint16(raw[7])
	copy(g.Data4[:], raw[8:16])
	return g, nil
}

// MustParseGUID is like ParseGUID but panics on malformed input. Intended for
// package-level provider identifiers.
func MustParseGUID(s string) *GUID {
	g, err := ParseGUID(s)
	if err != nil {
		panic(err)
	}
	return &g
}

package session

import (
	"fmt"
	"strconv"
	"strings"

	"etw_consumer/internal/etw/record"
)

// Well known providers, by GUID.
// https://learn.microsoft.com/en-us/windows/win32/etw/system-providers
var (
	// # System Provider GUIDs (Win11+)
	SystemProcessProviderGUID   = record.MustParseGUID("{151f55dc-467d-471f-83b5-5f889d46ff66}")
	SystemSchedulerProviderGUID = record.MustParseGUID("{599a2a76-4d91-4910-9ac7-7d33f2e97a6c}")
	SystemIoProviderGUID        = record.MustParseGUID("{3d5c43e3-0f1c-4202-b817-174c0070dc79}")
	SystemRegistryProviderGUID  = record.MustParseGUID("{16156bd9-fab4-4cfa-a232-89d1099058e3}")

	// # Manifest providers
	MicrosoftWindowsKernelEventTracingGUID = record.MustParseGUID("{b675ec37-bdb6-4648-bc92-f3fdc74d3ca2}")
	MicrosoftWindowsKernelDiskGUID         = record.MustParseGUID("{c7bde69a-e1e0-4177-b6ef-283ad1525271}")
	MicrosoftWindowsKernelProcessGUID      = record.MustParseGUID("{22fb2cd6-0e7b-422b-a0c7-2fad1fd0e716}")
	MicrosoftWindowsKernelFileGUID         = record.MustParseGUID("{edd08927-9cc4-4e65-b970-c2560fb5c289}")
	MicrosoftWindowsKernelNetworkGUID      = record.MustParseGUID("{7dd42a49-5329-4832-8dfd-43d979153a88}")
)

// knownProviders resolves provider names used in configuration. Keys are
// lower case.
var knownProviders = map[string]*record.GUID{
	"microsoft-windows-kernel-eventtracing": MicrosoftWindowsKernelEventTracingGUID,
	"microsoft-windows-kernel-disk":         MicrosoftWindowsKernelDiskGUID,
	"microsoft-windows-kernel-process":      MicrosoftWindowsKernelProcessGUID,
	"microsoft-windows-kernel-file":         MicrosoftWindowsKernelFileGUID,
	"microsoft-windows-kernel-network":      MicrosoftWindowsKernelNetworkGUID,
	"system-process":                        SystemProcessProviderGUID,
	"system-scheduler":                      SystemSchedulerProviderGUID,
	"system-io":                             SystemIoProviderGUID,
	"system-registry":                       SystemRegistryProviderGUID,
}

// EVENT_ENABLE_PROPERTY_*
const (
	EnablePropertySID             = 0x001
	EnablePropertyTSID            = 0x002
	EnablePropertyStackTrace      = 0x004
	EnablePropertyProcessStartKey = 0x080
)

// Provider is a provider to enable on a session.
type Provider struct {
	Name             string
	GUID             record.GUID
	EnableLevel      uint8
	MatchAnyKeyword  uint64
	MatchAllKeyword  uint64
	EnableProperties uint32
}

func (p Provider) String() string {
	if p.Name != "" {
		return p.Name
	}
	return p.GUID.String()
}

// ParseProvider parses a provider from configuration. The format is
//
//	name-or-guid[:level[:match_any[:match_all]]]
//
// where level defaults to 0xFF (all levels) and keywords accept any integer
// notation strconv understands, e.g. 0x10.
func ParseProvider(s string) (Provider, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) > 4 || parts[0] == "" {
		return Provider{}, fmt.Errorf("invalid provider %q", s)
	}

	p := Provider{EnableLevel: 0xFF}
	if g, ok := knownProviders[strings.ToLower(parts[0])]; ok {
		p.Name = parts[0]
		p.GUID = *g
	} else {
		g, err := record.ParseGUID(parts[0])
		if err != nil {
			return Provider{}, fmt.Errorf("unknown provider %q: %w", parts[0], err)
		}
		p.GUID = g
	}

	if len(parts) > 1 && parts[1] != "" {
		level, err := strconv.ParseUint(parts[1], 0, 8)
		if err != nil {
			return Provider{}, fmt.Errorf("invalid level in provider %q: %w", s, err)
		}
		p.EnableLevel = uint8(level)
	}
	if len(parts) > 2 && parts[2] != "" {
		kw, err := strconv.ParseUint(parts[2], 0, 64)
		if err != nil {
			return Provider{}, fmt.Errorf("invalid match_any keyword in provider %q: %w", s, err)
		}
		p.MatchAnyKeyword = kw
	}
	if len(parts) > 3 && parts[3] != "" {
		kw, err := strconv.ParseUint(parts[3], 0, 64)
		if err != nil {
			return Provider{}, fmt.Errorf("invalid match_all keyword in provider %q: %w", s, err)
		}
		p.MatchAllKeyword = kw
	}
	return p, nil
}

// ParseProviders parses and merges a provider list.
func ParseProviders(specs []string) ([]Provider, error) {
	providers := make([]Provider, 0, len(specs))
	for _, s := range specs {
		p, err := ParseProvider(s)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	return MergeProviders(providers), nil
}

// MergeProviders combines providers with the same GUID by merging their
// keywords and properties and keeping the highest level. The result keeps
// the order in which each GUID first appeared.
func MergeProviders(providers []Provider) []Provider {
	index := make(map[record.GUID]int, len(providers))
	var merged []Provider
	for _, p := range providers {
		i, ok := index[p.GUID]
		if !ok {
			index[p.GUID] = len(merged)
			merged = append(merged, p)
			continue
		}
		existing := &merged[i]
		existing.MatchAnyKeyword |= p.MatchAnyKeyword
		existing.MatchAllKeyword |= p.MatchAllKeyword
		existing.EnableProperties |= p.EnableProperties
		if p.EnableLevel > existing.EnableLevel {
			existing.EnableLevel = p.EnableLevel
		}
		if existing.Name == "" {
			existing.Name = p.Name
		}
	}
	return merged
}

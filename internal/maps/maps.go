// Package maps provides the concurrent integer-keyed maps behind the
// registries that the event callback reads on every event.
package maps

// Backend names a ConcurrentMap implementation.
type Backend string

const (
	BackendXSync Backend = "xsync"
	BackendSync  Backend = "sync"
)

// defaultBackend is used by NewConcurrentMap.
const defaultBackend = BackendXSync

// Integer is a constraint that permits any integer type.
type Integer interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uintptr
}

// ConcurrentMap is a thread-safe map with integer keys. Lookups happen on
// the dispatch goroutine while other goroutines register and remove
// entries, so Load must not block behind writers.
type ConcurrentMap[K Integer, V any] interface {
	Load(key K) (V, bool)
	Store(key K, value V)
	Delete(key K)
	// Size is the number of entries; an estimate under concurrent writes.
	Size() int
}

// NewConcurrentMap returns a map of the default backend.
func NewConcurrentMap[K Integer, V any]() ConcurrentMap[K, V] {
	return New[K, V](defaultBackend)
}

// New returns a map of backend b. Unknown backends get the default.
func New[K Integer, V any](b Backend) ConcurrentMap[K, V] {
	switch b {
	case BackendSync:
		return &syncMap[K, V]{}
	default:
		return newXSyncMap[K, V]()
	}
}

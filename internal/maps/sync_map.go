package maps

import "sync"

// syncMap wraps sync.Map.
type syncMap[K Integer, V any] struct {
	m sync.Map
}

func (m *syncMap[K, V]) Load(key K) (V, bool) {
	val, ok := m.m.Load(key)
	if !ok {
		var zero V
		return zero, false
	}
	return val.(V), true
}

func (m *syncMap[K, V]) Store(key K, value V) { m.m.Store(key, value) }
func (m *syncMap[K, V]) Delete(key K)         { m.m.Delete(key) }

// Size counts the entries with a full Range.
func (m *syncMap[K, V]) Size() int {
	n := 0
	m.m.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

package maps

import "github.com/puzpuzpuz/xsync/v4"

// xsyncMap is backed by puzpuzpuz/xsync, whose reads are lock-free.
type xsyncMap[K Integer, V any] struct {
	m *xsync.Map[K, V]
}

func newXSyncMap[K Integer, V any]() *xsyncMap[K, V] {
	return &xsyncMap[K, V]{m: xsync.NewMap[K, V]()}
}

func (m *xsyncMap[K, V]) Load(key K) (V, bool) { return m.m.Load(key) }
func (m *xsyncMap[K, V]) Store(key K, value V) { m.m.Store(key, value) }
func (m *xsyncMap[K, V]) Delete(key K)         { m.m.Delete(key) }
func (m *xsyncMap[K, V]) Size() int            { return m.m.Size() }

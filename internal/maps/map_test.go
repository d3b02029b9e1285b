package maps

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
)

const keySpace = 1024

// rwMutexMap is a benchmark baseline only.
type rwMutexMap[K Integer, V any] struct {
	mu sync.RWMutex
	m  map[K]V
}

func newRWMutexMap[K Integer, V any]() *rwMutexMap[K, V] {
	return &rwMutexMap[K, V]{m: make(map[K]V)}
}

func (m *rwMutexMap[K, V]) Load(key K) (V, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	val, ok := m.m[key]
	return val, ok
}

func (m *rwMutexMap[K, V]) Store(key K, value V) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.m[key] = value
}

func (m *rwMutexMap[K, V]) Delete(key K) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.m, key)
}

func (m *rwMutexMap[K, V]) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.m)
}

var backends = []Backend{BackendXSync, BackendSync, "unknown"}

func TestConcurrentMapOperations(t *testing.T) {
	for _, b := range backends {
		t.Run(string(b), func(t *testing.T) {
			m := New[uint64, string](b)

			if _, ok := m.Load(1); ok {
				t.Fatal("Load on empty map reported a value")
			}
			m.Store(1, "one")
			m.Store(2, "two")
			m.Store(2, "deux")
			if v, ok := m.Load(2); !ok || v != "deux" {
				t.Errorf("Load(2) = %q, %v", v, ok)
			}
			if n := m.Size(); n != 2 {
				t.Errorf("Size = %d, want 2", n)
			}

			m.Delete(1)
			m.Delete(99)
			if _, ok := m.Load(1); ok {
				t.Error("Load(1) after Delete found the key")
			}
			if n := m.Size(); n != 1 {
				t.Errorf("Size = %d, want 1", n)
			}
		})
	}
}

func TestConcurrentRegistryPattern(t *testing.T) {
	// Goroutines register, look up and remove their own entry while others
	// do the same, the way trace contexts come and go under live callbacks.
	for _, b := range backends {
		t.Run(string(b), func(t *testing.T) {
			m := New[uint64, *int](b)
			var wg sync.WaitGroup
			var misses atomic.Int64
			for g := range 16 {
				wg.Add(1)
				go func(base uint64) {
					defer wg.Done()
					for i := range uint64(200) {
						key := base*1000 + i
						v := int(key)
						m.Store(key, &v)
						if got, ok := m.Load(key); !ok || got != &v {
							misses.Add(1)
						}
						m.Delete(key)
					}
				}(uint64(g))
			}
			wg.Wait()
			if misses.Load() != 0 {
				t.Errorf("%d lookups missed their own entry", misses.Load())
			}
			if n := m.Size(); n != 0 {
				t.Errorf("Size = %d after all entries were removed", n)
			}
		})
	}
}

// runRegistryBenchmark simulates callbacks looking up a context while a
// few writers register and remove others.
func runRegistryBenchmark(b *testing.B, m ConcurrentMap[uint64, *int64], readRatio int, writers int) {
	var v int64 = 1
	for i := range keySpace {
		m.Store(uint64(i), &v)
	}
	b.ResetTimer()
	b.SetParallelism(writers)
	b.RunParallel(func(pb *testing.PB) {
		r := rand.New(rand.NewSource(rand.Int63()))
		for pb.Next() {
			key := r.Uint64() % keySpace
			if r.Intn(100) < readRatio {
				_, _ = m.Load(key)
			} else {
				m.Store(key, &v)
			}
		}
	})
}

func BenchmarkRegistryLookup(b *testing.B) {
	workloads := []struct {
		name    string
		threads int
	}{
		{"1_Thread", 1},
		{"2_Threads", 2},
		{"Max_Threads", -1},
	}
	maps := []struct {
		name string
		m    func() ConcurrentMap[uint64, *int64]
	}{
		{"XSync", func() ConcurrentMap[uint64, *int64] { return New[uint64, *int64](BackendXSync) }},
		{"SyncMap", func() ConcurrentMap[uint64, *int64] { return New[uint64, *int64](BackendSync) }},
		{"RWMutexMap", func() ConcurrentMap[uint64, *int64] { return newRWMutexMap[uint64, *int64]() }},
	}
	for _, wl := range workloads {
		b.Run(wl.name, func(b *testing.B) {
			for _, mt := range maps {
				b.Run(mt.name, func(b *testing.B) {
					runRegistryBenchmark(b, mt.m(), 99, wl.threads)
				})
			}
		})
	}
}

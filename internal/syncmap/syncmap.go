// Package syncmap provides a typed wrapper over sync.Map with a tracked
// length, used by the Request Coordinator to hold its in-flight request
// set (spec.md §2: "shared state (...the in-flight request set)").
package syncmap

import (
	"sync"
	"sync/atomic"
)

// Map is a generic sync.Map with an atomically tracked length, adapted
// from the teacher's pkg/utils/sync_map.go SyncMap. Trimmed to the subset
// the Request Coordinator actually exercises — Store/Load/Delete/Range/Len
// — rather than carrying the teacher's full CompareAndSwap/LoadOrStore/Swap
// surface, none of which the coordinator's in-flight bookkeeping needs.
type Map[K any, V any] struct {
	m   sync.Map
	len int32
}

// Store records value under key, tracking length whether or not key was
// already present.
func (sm *Map[K, V]) Store(key K, value V) {
	_, loaded := sm.m.Swap(key, value)
	if !loaded {
		atomic.AddInt32(&sm.len, 1)
	}
}

// Load returns the value stored under key, if any.
func (sm *Map[K, V]) Load(key K) (typedVal V, ok bool) {
	value, ok := sm.m.Load(key)
	if ok {
		typedVal = value.(V)
	}
	return
}

// Delete removes key, decrementing length if it was present.
func (sm *Map[K, V]) Delete(key K) {
	if _, loaded := sm.m.LoadAndDelete(key); loaded {
		atomic.AddInt32(&sm.len, -1)
	}
}

// Range calls f for every entry until f returns false.
func (sm *Map[K, V]) Range(f func(key K, value V) bool) {
	sm.m.Range(func(key, value any) bool {
		return f(key.(K), value.(V))
	})
}

// Len returns the current entry count.
func (sm *Map[K, V]) Len() int {
	return int(atomic.LoadInt32(&sm.len))
}

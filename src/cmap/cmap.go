// Package cmap contains a thread-safe sharded concurrent map.
// It is optimised for large maps (e.g. tens of thousands of entries) that are read from many
// goroutines at once; for smaller maps a plain map and mutex may do better.
//
// Values are typically written once and never updated (Add), which is what the graph's
// memo table needs, although Set is available to overwrite.
package cmap

import (
	"fmt"
	"sync"
)

// DefaultShardCount is a reasonable default shard count for large maps.
const DefaultShardCount = 1 << 8

// SmallShardCount is a shard count suitable for maps expected to hold a few hundred entries.
const SmallShardCount = 1 << 4

// A Map is the top-level map type. All functions on it are threadsafe.
// It should be constructed via New() rather than creating an instance directly.
type Map[K comparable, V any] struct {
	shards []shard[K, V]
	hasher func(K) uint64
	mask   uint64
}

// New creates a new Map using the given hasher to hash items in it.
// The shard count must be a power of 2; it will panic if not.
// Higher shard counts will improve concurrency but consume more memory.
func New[K comparable, V any](shardCount uint64, hasher func(K) uint64) *Map[K, V] {
	mask := shardCount - 1
	if shardCount == 0 || (shardCount&mask) != 0 {
		panic(fmt.Sprintf("Shard count %d is not a power of 2", shardCount))
	}
	m := &Map[K, V]{
		shards: make([]shard[K, V], shardCount),
		mask:   mask,
		hasher: hasher,
	}
	for i := range m.shards {
		m.shards[i].m = map[K]V{}
	}
	return m
}

func (m *Map[K, V]) shard(key K) *shard[K, V] {
	return &m.shards[m.hasher(key)&m.mask]
}

// Add inserts the value if the key isn't already present.
// It returns true if the item was inserted, false if it already existed (in which case it won't be inserted)
func (m *Map[K, V]) Add(key K, val V) bool {
	return m.shard(key).Add(key, val)
}

// AddOrGet inserts the value if the key isn't present, otherwise it returns the existing one.
// The returned bool is true if the value was inserted.
func (m *Map[K, V]) AddOrGet(key K, val V) (V, bool) {
	return m.shard(key).AddOrGet(key, val)
}

// Set is the equivalent of `map[key] = val`.
func (m *Map[K, V]) Set(key K, val V) {
	m.shard(key).Set(key, val)
}

// Get returns the value for a key and whether it was present.
func (m *Map[K, V]) Get(key K) (V, bool) {
	return m.shard(key).Get(key)
}

// Delete removes a key from the map, if present.
func (m *Map[K, V]) Delete(key K) {
	m.shard(key).Delete(key)
}

// Len returns the number of items currently in the map.
func (m *Map[K, V]) Len() int {
	n := 0
	for i := range m.shards {
		n += m.shards[i].Len()
	}
	return n
}

// Values returns a slice of all the current values in the map.
// No particular consistency guarantees are made.
func (m *Map[K, V]) Values() []V {
	ret := []V{}
	for i := range m.shards {
		ret = append(ret, m.shards[i].Values()...)
	}
	return ret
}

// Range calls f for every item in the map. It must not modify the map.
// Each shard is locked while it is visited, so no consistency is guaranteed across shards.
func (m *Map[K, V]) Range(f func(K, V)) {
	for i := range m.shards {
		m.shards[i].Range(f)
	}
}

// Clear removes everything from the map.
func (m *Map[K, V]) Clear() {
	for i := range m.shards {
		m.shards[i].Clear()
	}
}

// A shard is one of the individual shards of a map.
type shard[K comparable, V any] struct {
	m map[K]V
	l sync.RWMutex
}

func (s *shard[K, V]) Add(key K, val V) bool {
	_, added := s.AddOrGet(key, val)
	return added
}

func (s *shard[K, V]) AddOrGet(key K, val V) (V, bool) {
	s.l.Lock()
	defer s.l.Unlock()
	if existing, present := s.m[key]; present {
		return existing, false
	}
	s.m[key] = val
	return val, true
}

func (s *shard[K, V]) Set(key K, val V) {
	s.l.Lock()
	defer s.l.Unlock()
	s.m[key] = val
}

func (s *shard[K, V]) Get(key K) (V, bool) {
	s.l.RLock()
	defer s.l.RUnlock()
	v, ok := s.m[key]
	return v, ok
}

func (s *shard[K, V]) Delete(key K) {
	s.l.Lock()
	defer s.l.Unlock()
	delete(s.m, key)
}

func (s *shard[K, V]) Len() int {
	s.l.RLock()
	defer s.l.RUnlock()
	return len(s.m)
}

func (s *shard[K, V]) Values() []V {
	s.l.RLock()
	defer s.l.RUnlock()
	ret := make([]V, 0, len(s.m))
	for _, v := range s.m {
		ret = append(ret, v)
	}
	return ret
}

func (s *shard[K, V]) Range(f func(K, V)) {
	s.l.RLock()
	defer s.l.RUnlock()
	for k, v := range s.m {
		f(k, v)
	}
}

func (s *shard[K, V]) Clear() {
	s.l.Lock()
	defer s.l.Unlock()
	s.m = map[K]V{}
}

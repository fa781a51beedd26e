// shardmap is a concurrent map from uint64 keys to values, split into
// independently locked shards.
package shardmap

import (
	"encoding/binary"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
)

type mapShard[V any] struct {
	mu    *sync.RWMutex
	state map[uint64]V
}

type Map[V any] struct {
	shards []*mapShard[V]
}

const NSHARD uint64 = 31

func mkMapShard[V any]() *mapShard[V] {
	return &mapShard[V]{
		mu:    new(sync.RWMutex),
		state: make(map[uint64]V),
	}
}

func MkMap[V any]() *Map[V] {
	var shards []*mapShard[V]
	for i := uint64(0); i < NSHARD; i++ {
		shards = append(shards, mkMapShard[V]())
	}
	return &Map[V]{shards: shards}
}

func (m *Map[V]) GetShardNo(key uint64) uint64 {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], key)
	return xxhash.Sum64(b[:]) % NSHARD
}

func (m *Map[V]) getShard(key uint64) *mapShard[V] {
	return m.shards[m.GetShardNo(key)]
}

func (m *Map[V]) Read(key uint64) (V, bool) {
	shard := m.getShard(key)
	shard.mu.RLock()
	v, ok := shard.state[key]
	shard.mu.RUnlock()
	return v, ok
}

// ReadWith is Read, but runs f on the value while the shard lock is still
// held, so f sees a value no concurrent Delete has removed yet.
func (m *Map[V]) ReadWith(key uint64, f func(V)) (V, bool) {
	shard := m.getShard(key)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	v, ok := shard.state[key]
	if ok {
		f(v)
	}
	return v, ok
}

// LoadOrStore returns the value already stored for key, or stores and
// returns the value mk produces. mk runs under the shard lock.
func (m *Map[V]) LoadOrStore(key uint64, mk func() V) (V, bool) {
	shard := m.getShard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	if v, ok := shard.state[key]; ok {
		return v, true
	}
	v := mk()
	shard.state[key] = v
	return v, false
}

func (m *Map[V]) Write(key uint64, v V) {
	shard := m.getShard(key)
	shard.mu.Lock()
	shard.state[key] = v
	shard.mu.Unlock()
}

// DeleteIf removes key if keep reports false for its current value.
func (m *Map[V]) DeleteIf(key uint64, keep func(V) bool) bool {
	shard := m.getShard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	v, ok := shard.state[key]
	if !ok || keep(v) {
		return false
	}
	delete(shard.state, key)
	return true
}

func (m *Map[V]) Delete(key uint64) {
	shard := m.getShard(key)
	shard.mu.Lock()
	delete(shard.state, key)
	shard.mu.Unlock()
}

func (m *Map[V]) Len() int {
	n := 0
	for _, shard := range m.shards {
		shard.mu.RLock()
		n += len(shard.state)
		shard.mu.RUnlock()
	}
	return n
}

// Keys returns a sorted snapshot of the keys.
func (m *Map[V]) Keys() []uint64 {
	var keys []uint64
	for _, shard := range m.shards {
		shard.mu.RLock()
		for k := range shard.state {
			keys = append(keys, k)
		}
		shard.mu.RUnlock()
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

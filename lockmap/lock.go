// lockmap is a sharded table of blocking locks.
//
// The API is as if LockMap consisted of a lock for every possible uint64
// key; LockMap.Acquire(k) acquires the lock associated with k and
// LockMap.Release(k) releases it. Unlike sync.Mutex, a lock may be released
// by a different goroutine than the one that acquired it, which is what
// lets an I/O completion unlock a page locked by the submitter.
//
// The implementation doesn't actually maintain all of these locks; it
// instead maintains a fixed collection of shards, chosen by hashing the key.
// Acquiring a lock requires synchronizing with any threads accessing the
// same shard.
package lockmap

import (
	"encoding/binary"
	"sync"

	"github.com/cespare/xxhash/v2"
)

type lockState struct {
	held    bool
	cond    *sync.Cond
	waiters uint64
}

type lockShard struct {
	mu    *sync.Mutex
	state map[uint64]*lockState
}

func mkLockShard() *lockShard {
	state := make(map[uint64]*lockState)
	mu := new(sync.Mutex)
	a := &lockShard{
		mu:    mu,
		state: state,
	}
	return a
}

func (lmap *lockShard) acquire(key uint64) {
	lmap.mu.Lock()
	for {
		state, ok := lmap.state[key]
		if !ok {
			state = &lockState{
				held:    false,
				cond:    sync.NewCond(lmap.mu),
				waiters: 0,
			}
			lmap.state[key] = state
		}
		if !state.held {
			state.held = true
			break
		}
		state.waiters += 1
		state.cond.Wait()
		// release keeps the state alive while there are waiters
		state.waiters -= 1
	}
	lmap.mu.Unlock()
}

func (lmap *lockShard) tryAcquire(key uint64) bool {
	lmap.mu.Lock()
	defer lmap.mu.Unlock()
	state, ok := lmap.state[key]
	if ok && state.held {
		return false
	}
	if !ok {
		state = &lockState{cond: sync.NewCond(lmap.mu)}
		lmap.state[key] = state
	}
	state.held = true
	return true
}

func (lmap *lockShard) release(key uint64) {
	lmap.mu.Lock()
	state, ok := lmap.state[key]
	if !ok || !state.held {
		lmap.mu.Unlock()
		panic("release of unheld lock")
	}
	state.held = false
	if state.waiters > 0 {
		state.cond.Signal()
	} else {
		delete(lmap.state, key)
	}
	lmap.mu.Unlock()
}

func (lmap *lockShard) isHeld(key uint64) bool {
	lmap.mu.Lock()
	state, ok := lmap.state[key]
	held := ok && state.held
	lmap.mu.Unlock()
	return held
}

const NSHARD uint64 = 43

type LockMap struct {
	shards []*lockShard
}

func MkLockMap() *LockMap {
	var shards []*lockShard
	for i := uint64(0); i < NSHARD; i++ {
		shards = append(shards, mkLockShard())
	}
	a := &LockMap{
		shards: shards,
	}
	return a
}

func (lmap *LockMap) shard(key uint64) *lockShard {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], key)
	return lmap.shards[xxhash.Sum64(b[:])%NSHARD]
}

// Acquire blocks until the lock for key is free, then takes it.
func (lmap *LockMap) Acquire(key uint64) {
	lmap.shard(key).acquire(key)
}

// TryAcquire takes the lock for key if it is free and reports whether it did.
func (lmap *LockMap) TryAcquire(key uint64) bool {
	return lmap.shard(key).tryAcquire(key)
}

func (lmap *LockMap) Release(key uint64) {
	lmap.shard(key).release(key)
}

// IsHeld reports whether somebody currently holds the lock for key.
func (lmap *LockMap) IsHeld(key uint64) bool {
	return lmap.shard(key).isHeld(key)
}

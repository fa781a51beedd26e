package buf

import (
	"container/list"
	"sync"

	"github.com/mit-pdos/go-bcache/util"
)

// An Assoc lists the buffers whose contents must reach the disk when some
// object other than the device (typically a file) is synced, such as the
// file's indirect blocks. A buffer is on at most one Assoc.
type Assoc struct {
	mu   *sync.Mutex
	bufs *list.List
}

func MkAssoc() *Assoc {
	return &Assoc{
		mu:   new(sync.Mutex),
		bufs: list.New(),
	}
}

func (a *Assoc) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bufs.Len()
}

// Associate puts b on a. Associating a buffer that is already on a
// different list panics.
func (a *Assoc) Associate(b *Buf) {
	a.mu.Lock()
	defer a.mu.Unlock()
	cur := b.assoc.Load()
	if cur != nil && cur != a {
		panic("buf.Associate: buffer belongs to another object")
	}
	if cur == nil {
		b.elem = a.bufs.PushBack(b)
		b.assoc.Store(a)
	}
}

// Sync writes back every dirty buffer on a, emptying the list.
//
// The list lock is never held across I/O: each round pops the head under
// the lock, takes a reference, drops the lock, flushes, and relocks.
// Buffers associated while Sync runs are picked up by the same loop.
// Returns the first write-back error.
func (a *Assoc) Sync() error {
	var first error
	a.mu.Lock()
	for a.bufs.Len() > 0 {
		e := a.bufs.Front()
		b := e.Value.(*Buf).Get()
		a.bufs.Remove(e)
		b.elem = nil
		b.assoc.Store(nil)
		a.mu.Unlock()

		if b.IsDirty() {
			util.DPrintf(10, "assoc sync: %v\n", b)
			if err := Sync(b); err != nil && first == nil {
				first = err
			}
		}
		b.Put()

		a.mu.Lock()
	}
	a.mu.Unlock()
	return first
}

// TearDown empties a without writing anything back.
func (a *Assoc) TearDown() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for e := a.bufs.Front(); e != nil; e = e.Next() {
		b := e.Value.(*Buf)
		b.elem = nil
		b.assoc.Store(nil)
	}
	a.bufs.Init()
}

// dropAssoc takes b off its list. The association can change while the
// list lock is being acquired, so it is re-read under the lock until it is
// stable.
func (b *Buf) dropAssoc() {
	for {
		a := b.assoc.Load()
		if a == nil {
			return
		}
		a.mu.Lock()
		if b.assoc.Load() == a {
			a.bufs.Remove(b.elem)
			b.elem = nil
			b.assoc.Store(nil)
			a.mu.Unlock()
			return
		}
		a.mu.Unlock()
	}
}

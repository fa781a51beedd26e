// Package page implements the page cache: physical page frames bound to
// offsets of a backing object, with a blocking page lock, state flags and a
// write-back wait.
package page

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/mit-pdos/go-bcache/common"
)

type Flag uint32

const (
	// FlagBuffer means the page carries block buffers (see Private).
	FlagBuffer Flag = 1 << iota
	FlagUptodate
	FlagDirty
	FlagWriteback
)

func (f Flag) String() string {
	s := ""
	for _, n := range []struct {
		f    Flag
		name string
	}{{FlagBuffer, "B"}, {FlagUptodate, "U"}, {FlagDirty, "D"}, {FlagWriteback, "W"}} {
		if f&n.f != 0 {
			s += n.name
		}
	}
	if s == "" {
		return "-"
	}
	return s
}

// Private is per-page state owned by whatever subsystem populates the page
// (block buffers, for block-backed objects). The page lock protects the
// slot; the implementation guards its own contents.
type Private interface {
	// HasDirty reports whether any part of the page holds unwritten data.
	HasDirty() bool
	// HasWriteback reports whether any part of the page has write-back in
	// flight.
	HasWriteback() bool
}

// A Page is one frame of cached data at Index of its Object.
type Page struct {
	obj   *Object
	key   uint64 // page lock identity, unique per Page
	Index common.Pgoff
	Data  []byte

	flags atomic.Uint32
	refs  atomic.Int32

	wbmu   *sync.Mutex
	wbcond *sync.Cond

	priv     Private
	detached bool // removed from its object; guarded by the page lock
	foreign  bool // Data is not a cache frame
}

func newPage(obj *Object, key uint64, index common.Pgoff, data []byte) *Page {
	p := &Page{
		obj:   obj,
		key:   key,
		Index: index,
		Data:  data,
		wbmu:  new(sync.Mutex),
	}
	p.wbcond = sync.NewCond(p.wbmu)
	return p
}

func (p *Page) String() string {
	return fmt.Sprintf("page{obj %d idx %d %v ref %d}", p.obj.id, p.Index,
		Flag(p.flags.Load()), p.refs.Load())
}

func (p *Page) Object() *Object {
	return p.obj
}

// Offset is the byte offset of the page within its object.
func (p *Page) Offset() uint64 {
	return p.Index << common.PageShift
}

//
// Locking
//

// Lock blocks until the page lock is free and takes it. The lock may be
// released by any goroutine.
func (p *Page) Lock() {
	p.obj.cache.locks.Acquire(p.key)
}

func (p *Page) TryLock() bool {
	return p.obj.cache.locks.TryAcquire(p.key)
}

func (p *Page) Unlock() {
	p.obj.cache.locks.Release(p.key)
}

func (p *Page) Locked() bool {
	return p.obj.cache.locks.IsHeld(p.key)
}

func (p *Page) mustBeLocked(op string) {
	if !p.Locked() {
		panic(op + ": page not locked")
	}
}

//
// Flags
//

func (p *Page) Test(f Flag) bool {
	return Flag(p.flags.Load())&f != 0
}

func (p *Page) Set(f Flag) {
	p.SetIfClear(f)
}

// SetIfClear sets f and reports whether it was previously clear.
func (p *Page) SetIfClear(f Flag) bool {
	for {
		old := p.flags.Load()
		if Flag(old)&f == f {
			return false
		}
		if p.flags.CompareAndSwap(old, old|uint32(f)) {
			return true
		}
	}
}

// ClearIfSet clears f and reports whether it was previously set.
func (p *Page) ClearIfSet(f Flag) bool {
	for {
		old := p.flags.Load()
		if Flag(old)&f == 0 {
			return false
		}
		if p.flags.CompareAndSwap(old, old&^uint32(f)) {
			return true
		}
	}
}

func (p *Page) Clear(f Flag) {
	p.ClearIfSet(f)
}

func (p *Page) Flags() Flag {
	return Flag(p.flags.Load())
}

func (p *Page) Uptodate() bool {
	return p.Test(FlagUptodate)
}

func (p *Page) Dirty() bool {
	return p.Test(FlagDirty)
}

func (p *Page) HasBuffers() bool {
	return p.Test(FlagBuffer)
}

//
// Write-back
//

// StartWriteback marks the page as under write-back. The page must be
// locked and not already under write-back.
func (p *Page) StartWriteback() {
	p.mustBeLocked("StartWriteback")
	if !p.SetIfClear(FlagWriteback) {
		panic("StartWriteback: page already under write-back")
	}
}

// EndWriteback clears the write-back flag and wakes waiters. Called from the
// completion path, without the page lock.
func (p *Page) EndWriteback() {
	p.wbmu.Lock()
	if !p.ClearIfSet(FlagWriteback) {
		p.wbmu.Unlock()
		panic("EndWriteback: page not under write-back")
	}
	p.obj.wbEnds.Add(1)
	p.wbcond.Broadcast()
	p.wbmu.Unlock()
}

func (p *Page) Writeback() bool {
	return p.Test(FlagWriteback)
}

// WaitWriteback blocks until the page is not under write-back.
func (p *Page) WaitWriteback() {
	p.wbmu.Lock()
	for p.Test(FlagWriteback) {
		p.wbcond.Wait()
	}
	p.wbmu.Unlock()
}

//
// References
//

func (p *Page) Get() *Page {
	if p.refs.Add(1) <= 1 {
		panic("Get: page has no references")
	}
	return p
}

// Put drops a reference. The frame is returned to the allocator once the
// page has been removed from its object and the last reference is gone.
func (p *Page) Put() {
	n := p.refs.Add(-1)
	if n < 0 {
		panic("Put: negative page reference count")
	}
	if n == 0 {
		if !p.foreign {
			p.obj.cache.frames.Free(p.Data)
		}
		p.Data = nil
	}
}

func (p *Page) Refs() int32 {
	return p.refs.Load()
}

//
// Private state
//

// Private is the per-page state, or nil. Caller holds the page lock or a
// reference that keeps the page populated.
func (p *Page) Private() Private {
	return p.priv
}

// SetPrivate installs or (with nil) removes the per-page state. The page
// must be locked.
func (p *Page) SetPrivate(priv Private) {
	p.mustBeLocked("SetPrivate")
	p.priv = priv
}

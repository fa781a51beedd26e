package page

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/mit-pdos/go-bcache/common"
	"github.com/mit-pdos/go-bcache/shardmap"
	"github.com/mit-pdos/go-bcache/util"
)

// Ops is how the page cache calls back into whatever populates an object's
// pages.
type Ops interface {
	// WritePage starts write-back of p. It is called with p locked and
	// must unlock p before returning, on every path.
	WritePage(p *Page) error

	// FreePage tears down p's private state before p leaves the cache.
	// Called with p locked and not under write-back.
	FreePage(p *Page)
}

// An Object is a cached, page-indexed view of some backing store (a file or
// a block device).
type Object struct {
	id    uint64
	cache *Cache
	ops   Ops
	pages *shardmap.Map[*Page]

	dmu   *sync.Mutex
	dirty map[common.Pgoff]struct{}
	err   error // latched write-back error, guarded by dmu

	dirtyMarks atomic.Uint64
	wbEnds     atomic.Uint64
}

func (obj *Object) ID() uint64 {
	return obj.id
}

func (obj *Object) Cache() *Cache {
	return obj.cache
}

// SetOps binds the object to its populating subsystem. Must happen before
// the first page is written back or reclaimed.
func (obj *Object) SetOps(ops Ops) {
	obj.ops = ops
}

func (obj *Object) Ops() Ops {
	return obj.ops
}

// FindPage returns the cached page at index with an extra reference, or nil.
// The page is not locked.
func (obj *Object) FindPage(index common.Pgoff) *Page {
	// the table's reference keeps p alive while the shard is locked
	p, ok := obj.pages.ReadWith(index, func(p *Page) { p.Get() })
	if !ok {
		return nil
	}
	return p
}

// FindOrCreatePage returns the page at index, locked and referenced,
// allocating a fresh (not up-to-date) page if none is cached.
func (obj *Object) FindOrCreatePage(index common.Pgoff) (*Page, error) {
	for {
		if p := obj.findLocked(index); p != nil {
			return p, nil
		}
		data, err := obj.cache.frames.Alloc()
		if err != nil {
			return nil, errors.Wrapf(err, "page %d of object %d", index, obj.id)
		}
		np := newPage(obj, obj.cache.nextKey.Add(1), index, data)
		np.refs.Store(2) // the page table's and the caller's
		if !np.TryLock() {
			panic("FindOrCreatePage: fresh page lock is held")
		}
		_, found := obj.pages.LoadOrStore(index, func() *Page { return np })
		if !found {
			util.DPrintf(15, "FindOrCreatePage: new %v\n", np)
			return np, nil
		}
		// lost the race; somebody else inserted a page first
		np.Unlock()
		np.refs.Store(0)
		obj.cache.frames.Free(np.Data)
	}
}

func (obj *Object) findLocked(index common.Pgoff) *Page {
	for {
		p := obj.FindPage(index)
		if p == nil {
			return nil
		}
		p.Lock()
		if !p.detached {
			return p
		}
		// reclaimed while we waited
		p.Unlock()
		p.Put()
	}
}

//
// Dirty tracking
//

// MarkDirty records p as dirty in the object's dirty set. The page must be
// locked. The flag and the set change together under dmu, as in ClearDirty.
func (obj *Object) MarkDirty(p *Page) {
	p.mustBeLocked("MarkDirty")
	obj.dirtyMarks.Add(1)
	obj.dmu.Lock()
	if p.SetIfClear(FlagDirty) {
		obj.dirty[p.Index] = struct{}{}
	}
	obj.dmu.Unlock()
}

// ClearDirty removes p from the dirty set and reports whether it was dirty.
func (obj *Object) ClearDirty(p *Page) bool {
	obj.dmu.Lock()
	defer obj.dmu.Unlock()
	delete(obj.dirty, p.Index)
	return p.ClearIfSet(FlagDirty)
}

// DirtyPages is a sorted snapshot of the dirty page indices.
func (obj *Object) DirtyPages() []common.Pgoff {
	obj.dmu.Lock()
	idx := make([]common.Pgoff, 0, len(obj.dirty))
	for i := range obj.dirty {
		idx = append(idx, i)
	}
	obj.dmu.Unlock()
	sort.Slice(idx, func(i, j int) bool { return idx[i] < idx[j] })
	return idx
}

// DirtyMarks counts MarkDirty calls, for observing dirty propagation.
func (obj *Object) DirtyMarks() uint64 {
	return obj.dirtyMarks.Load()
}

// WritebackEnds counts completed page write-backs.
func (obj *Object) WritebackEnds() uint64 {
	return obj.wbEnds.Load()
}

// SetError latches a write-back error for the next TakeError.
func (obj *Object) SetError(err error) {
	obj.dmu.Lock()
	if obj.err == nil {
		obj.err = err
	}
	obj.dmu.Unlock()
}

// TakeError returns and clears the latched write-back error.
func (obj *Object) TakeError() error {
	obj.dmu.Lock()
	err := obj.err
	obj.err = nil
	obj.dmu.Unlock()
	return err
}

//
// Write-back and reclaim
//

// WritePages starts write-back of every dirty page. With wait it also
// waits for each started write-back to complete. Returns the first error
// from starting write-back.
func (obj *Object) WritePages(wait bool) error {
	var first error
	var started []*Page
	for _, index := range obj.DirtyPages() {
		p := obj.FindPage(index)
		if p == nil {
			continue
		}
		p.Lock()
		if p.detached || !p.Dirty() {
			p.Unlock()
			p.Put()
			continue
		}
		// one write-back in flight per page
		p.WaitWriteback()
		if err := obj.ops.WritePage(p); err != nil && first == nil {
			first = err
		}
		started = append(started, p)
	}
	for _, p := range started {
		if wait {
			p.WaitWriteback()
		}
		p.Put()
	}
	return first
}

// Reclaim evicts the page at index: a dirty page is written back first, the
// page's private state is torn down and the page leaves the object. The
// frame is freed once the last reference is dropped.
func (obj *Object) Reclaim(index common.Pgoff) error {
	p := obj.findLocked(index)
	if p == nil {
		return nil
	}
	for p.Dirty() {
		p.WaitWriteback()
		if err := obj.ops.WritePage(p); err != nil {
			p.Put()
			return errors.Wrapf(err, "reclaim page %d", index)
		}
		p.WaitWriteback()
		p.Lock()
		if p.detached {
			// another reclaimer got it while it was unlocked
			p.Unlock()
			p.Put()
			return nil
		}
	}
	p.WaitWriteback()
	if p.HasBuffers() && obj.ops != nil {
		obj.ops.FreePage(p)
	}
	if !obj.pages.DeleteIf(index, func(cur *Page) bool { return cur != p }) {
		panic("Reclaim: page table entry replaced under a locked page")
	}
	p.detached = true
	p.Unlock()
	p.Put() // the page table's reference
	p.Put()
	util.DPrintf(15, "Reclaim: %d of object %d\n", index, obj.id)
	return nil
}

// ReclaimAll reclaims every cached page, returning the first error.
func (obj *Object) ReclaimAll() error {
	var first error
	for _, index := range obj.pages.Keys() {
		if err := obj.Reclaim(index); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// NrPages is the number of pages currently cached.
func (obj *Object) NrPages() int {
	return obj.pages.Len()
}

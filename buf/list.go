package buf

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/mit-pdos/go-bcache/blockdev"
	"github.com/mit-pdos/go-bcache/common"
	"github.com/mit-pdos/go-bcache/page"
	"github.com/mit-pdos/go-bcache/util"
)

// List is the private state of a buffer-backed page: its buffers ordered
// by page offset. Structural changes need the page lock; mu guards the
// slice and is what flag scans and completions take.
type List struct {
	mu   *sync.Mutex
	bufs []*Buf
}

var _ page.Private = (*List)(nil)

// ListOf returns the buffer list of p, or nil if p has none.
func ListOf(p *page.Page) *List {
	l, _ := p.Private().(*List)
	return l
}

// Do runs f on the buffers while holding the list lock. f must not block.
func (l *List) Do(f func(bufs []*Buf)) {
	l.mu.Lock()
	f(l.bufs)
	l.mu.Unlock()
}

// Bufs is a snapshot of the list.
func (l *List) Bufs() []*Buf {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Buf(nil), l.bufs...)
}

func (l *List) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.bufs)
}

// Find returns the buffer for block blkno, or nil.
func (l *List) Find(blkno common.Bnum) *Buf {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, b := range l.bufs {
		if b.Blkno == blkno {
			return b
		}
	}
	return nil
}

func (l *List) any(f Flag) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, b := range l.bufs {
		if b.Test(f) {
			return true
		}
	}
	return false
}

func (l *List) HasDirty() bool {
	return l.any(FlagDirty)
}

func (l *List) HasWriteback() bool {
	return l.any(FlagWriteback)
}

func (l *List) first() *Buf {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.bufs) == 0 {
		return nil
	}
	return l.bufs[0]
}

func (l *List) insert(b *Buf) {
	l.mu.Lock()
	defer l.mu.Unlock()
	i := 0
	for ; i < len(l.bufs); i++ {
		o := l.bufs[i]
		if b.Off < o.Off+o.Size && o.Off < b.Off+b.Size {
			panic("buf: overlapping buffers on page")
		}
		if b.Off < o.Off {
			break
		}
	}
	l.bufs = append(l.bufs, nil)
	copy(l.bufs[i+1:], l.bufs[i:])
	l.bufs[i] = b
}

func (l *List) remove(b *Buf) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, o := range l.bufs {
		if o == b {
			l.bufs = append(l.bufs[:i], l.bufs[i+1:]...)
			return true
		}
	}
	return false
}

// HasDirty reports whether any buffer of p is dirty.
func HasDirty(p *page.Page) bool {
	l := ListOf(p)
	return l != nil && l.HasDirty()
}

// HasWriteback reports whether any buffer of p is being written.
func HasWriteback(p *page.Page) bool {
	l := ListOf(p)
	return l != nil && l.HasWriteback()
}

// Add creates a buffer for block blkno of dev at byte off of p. The page
// must be locked and marked buffer-backed. On ErrNoMem the caller tears
// down whatever it already built for the page.
func (s *Slab) Add(p *page.Page, off uint64, blkno common.Bnum, dev *blockdev.Device) (*Buf, error) {
	if !p.Locked() {
		panic("buf.Add: page not locked")
	}
	if !p.HasBuffers() {
		panic("buf.Add: page not buffer-backed")
	}
	if off+dev.BlockSize() > common.PageSize {
		panic("buf.Add: buffer crosses the page boundary")
	}
	b, err := s.alloc()
	if err != nil {
		return nil, errors.Wrapf(err, "block %d at %v", blkno, p)
	}
	b.Blkno = blkno
	b.Size = dev.BlockSize()
	b.Off = off
	b.Dev = dev
	b.page = p
	l := ListOf(p)
	if l == nil {
		l = &List{mu: new(sync.Mutex)}
		p.SetPrivate(l)
	}
	l.insert(b)
	util.DPrintf(15, "buf.Add: %v on %v\n", b, p)
	return b, nil
}

// Remove unlinks b from its page. The page must be locked.
func Remove(b *Buf) {
	if !b.page.Locked() {
		panic("buf.Remove: page not locked")
	}
	if l := ListOf(b.page); l != nil {
		l.remove(b)
	}
}

// Free writes b back if it is dirty, drops its association, unlinks it from
// its page and releases it. The caller must be the buffer's last user and
// must not hold the page lock. Returns the write-back error, if any; b is
// freed regardless.
func Free(b *Buf) error {
	p := b.page
	p.Lock()
	err := freeLocked(b)
	p.Unlock()
	return err
}

// freeLocked is Free with the page lock held. Writing a dirty buffer back
// drops and retakes the page lock.
func freeLocked(b *Buf) error {
	var err error
	if b.IsDirty() {
		err = syncLocked(b.page)
		b.page.Lock()
	}
	b.dropAssoc()
	Remove(b)
	b.slab.release(b)
	util.DPrintf(15, "buf.Free: %v\n", b)
	return err
}

// Destroy frees every buffer of p, which must be locked and
// buffer-backed, and clears the page's buffer state once no write-back of
// p is in flight.
func Destroy(p *page.Page) error {
	if !p.HasBuffers() {
		panic("buf.Destroy: page not buffer-backed")
	}
	var first error
	if l := ListOf(p); l != nil {
		for b := l.first(); b != nil; b = l.first() {
			if err := freeLocked(b); err != nil && first == nil {
				first = err
			}
		}
	}
	// completions of an in-flight write-back still walk the list
	p.WaitWriteback()
	p.SetPrivate(nil)
	p.Clear(page.FlagBuffer)
	return first
}

// RemoveRange frees the buffers of p whose page offset lies in [off, end).
// The page must be locked.
func RemoveRange(p *page.Page, off uint64, end uint64) error {
	l := ListOf(p)
	if l == nil {
		return nil
	}
	var first error
	for _, b := range l.Bufs() {
		if b.Off >= off && b.Off < end {
			if err := freeLocked(b); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}

// Dirty marks b dirty and, the first time, marks its page dirty. It takes
// the page lock, so the caller must not hold it.
func Dirty(b *Buf) {
	if !b.TestAndSet(FlagDirty) {
		return
	}
	p := b.page
	p.Lock()
	p.Object().MarkDirty(p)
	p.Unlock()
}

// DirtyLocked is Dirty for a caller that holds the page lock.
func DirtyLocked(b *Buf) {
	if !b.TestAndSet(FlagDirty) {
		return
	}
	b.page.Object().MarkDirty(b.page)
}

// Sync writes back the page holding b and waits for the write to finish.
// The whole page is written, not just b.
func Sync(b *Buf) error {
	p := b.page
	p.Lock()
	return syncLocked(p)
}

// syncLocked writes back locked page p, returning with p unlocked once the
// write has completed.
func syncLocked(p *page.Page) error {
	ops := p.Object().Ops()
	if ops == nil {
		p.Unlock()
		return errors.Wrapf(common.ErrIO, "sync %v: no write-back", p)
	}
	p.WaitWriteback()
	err := ops.WritePage(p)
	p.WaitWriteback()
	return err
}

// Forget discards b's dirty state without writing it back and drops its
// association. The page is marked clean when no other buffer on it is
// dirty. Takes the page lock and consumes a reference to b.
func Forget(b *Buf) {
	b.dropAssoc()
	p := b.page
	p.Lock()
	b.Clear(FlagDirty)
	if l := ListOf(p); l != nil && !l.HasDirty() {
		p.Object().ClearDirty(p)
	}
	p.Unlock()
	b.Put()
}

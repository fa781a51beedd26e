// Package buf manages block buffers: the per-block state of a cached page
// that is backed by a block device.
package buf

import (
	"container/list"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/mit-pdos/go-bcache/blockdev"
	"github.com/mit-pdos/go-bcache/common"
	"github.com/mit-pdos/go-bcache/page"
	"github.com/mit-pdos/go-bcache/util"
)

type Flag uint32

const (
	FlagDirty Flag = 1 << iota
	FlagUptodate
	// FlagARead means a read covering the buffer is in flight.
	FlagARead
	// FlagHole marks a block past the end of the device; it reads as
	// zeroes and is never transferred.
	FlagHole
	// FlagWriteback means a write covering the buffer is in flight.
	FlagWriteback
)

func (f Flag) String() string {
	s := ""
	for _, n := range []struct {
		f    Flag
		name string
	}{{FlagDirty, "D"}, {FlagUptodate, "U"}, {FlagARead, "R"}, {FlagHole, "H"}, {FlagWriteback, "W"}} {
		if f&n.f != 0 {
			s += n.name
		}
	}
	if s == "" {
		return "-"
	}
	return s
}

// A Buf is one device block mapped at [Off, Off+Size) of a page.
type Buf struct {
	Blkno common.Bnum
	Size  uint64
	Off   uint64
	Dev   *blockdev.Device

	page  *page.Page
	slab  *Slab
	flags atomic.Uint32
	refs  atomic.Int32

	// association; the pointer is read without a lock and re-checked
	// under the Assoc's lock
	assoc atomic.Pointer[Assoc]
	elem  *list.Element
}

func (b *Buf) String() string {
	return fmt.Sprintf("buf{blk %d off %d sz %d %v}", b.Blkno, b.Off, b.Size, b.Flags())
}

func (b *Buf) Page() *page.Page {
	return b.page
}

// Data is the buffer's bytes within its page.
func (b *Buf) Data() []byte {
	return b.page.Data[b.Off : b.Off+b.Size]
}

func (b *Buf) Test(f Flag) bool {
	return Flag(b.flags.Load())&f != 0
}

// TestAndSet sets f and reports whether it was clear before.
func (b *Buf) TestAndSet(f Flag) bool {
	for {
		old := b.flags.Load()
		if Flag(old)&f == f {
			return false
		}
		if b.flags.CompareAndSwap(old, old|uint32(f)) {
			return true
		}
	}
}

func (b *Buf) Clear(f Flag) {
	for {
		old := b.flags.Load()
		if b.flags.CompareAndSwap(old, old&^uint32(f)) {
			return
		}
	}
}

func (b *Buf) Flags() Flag {
	return Flag(b.flags.Load())
}

func (b *Buf) IsDirty() bool {
	return b.Test(FlagDirty)
}

func (b *Buf) IsUptodate() bool {
	return b.Test(FlagUptodate)
}

func (b *Buf) IsHole() bool {
	return b.Test(FlagHole)
}

// Covered reports whether the buffer lies entirely within [off, off+n) of
// its page.
func (b *Buf) Covered(off uint64, n uint64) bool {
	return b.Off >= off && b.Off+b.Size <= off+n
}

func (b *Buf) Get() *Buf {
	b.refs.Add(1)
	return b
}

func (b *Buf) Put() {
	if b.refs.Add(-1) < 0 {
		panic("buf: put of unreferenced buffer")
	}
}

func (b *Buf) Refs() int32 {
	return b.refs.Load()
}

// Associated is the association list the buffer is on, or nil.
func (b *Buf) Associated() *Assoc {
	return b.assoc.Load()
}

// Slab allocates buffers. There is one per process, created by the first
// call to Init and never torn down.
type Slab struct {
	// Fail makes an allocation report ErrNoMem when it fires.
	Fail util.Failpoint

	live   atomic.Int64
	allocs atomic.Uint64
}

var (
	slabOnce sync.Once
	theSlab  *Slab
)

// Init returns the process-wide buffer slab, creating it on first use.
func Init() *Slab {
	slabOnce.Do(func() {
		theSlab = &Slab{}
		util.DPrintf(1, "buf: slab initialized\n")
	})
	return theSlab
}

func (s *Slab) alloc() (*Buf, error) {
	if s.Fail.Hit() {
		return nil, errors.Wrap(common.ErrNoMem, "block buffer")
	}
	s.live.Add(1)
	s.allocs.Add(1)
	b := &Buf{slab: s}
	b.refs.Store(1)
	return b, nil
}

func (s *Slab) release(b *Buf) {
	b.Put()
	s.live.Add(-1)
}

// Live is the number of allocated buffers not yet freed.
func (s *Slab) Live() int64 {
	return s.live.Load()
}

func (s *Slab) Allocs() uint64 {
	return s.allocs.Load()
}

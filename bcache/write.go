package bcache

import (
	"github.com/golang/glog"
	"github.com/pkg/errors"

	"github.com/mit-pdos/go-bcache/bio"
	"github.com/mit-pdos/go-bcache/buf"
	"github.com/mit-pdos/go-bcache/common"
	"github.com/mit-pdos/go-bcache/inode"
	"github.com/mit-pdos/go-bcache/page"
	"github.com/mit-pdos/go-bcache/util"
)

// dirtySpan clears the dirty buffers of l and returns them along with the
// contiguous run of buffers from the first to the last of them. With no
// dirty buffer the run is every non-hole buffer.
func dirtySpan(l *buf.List) (dirty []*buf.Buf, span []*buf.Buf) {
	l.Do(func(bufs []*buf.Buf) {
		lo, hi := -1, -1
		for i, b := range bufs {
			if b.IsDirty() {
				if lo < 0 {
					lo = i
				}
				hi = i
				b.Clear(buf.FlagDirty)
				dirty = append(dirty, b)
			}
		}
		if lo < 0 {
			for i, b := range bufs {
				if b.IsHole() {
					continue
				}
				if lo < 0 {
					lo = i
				}
				hi = i
			}
		}
		if lo < 0 {
			return
		}
		span = append(span, bufs[lo:hi+1]...)
		for _, b := range span {
			b.TestAndSet(buf.FlagWriteback)
		}
	})
	return
}

// WritePage writes the dirty blocks of locked page p of ip back with a
// single request, from the first dirty block to the last. The page is
// unlocked on return, on every path; it stays under write-back until the
// request completes.
func (e *Engine) WritePage(ip *inode.Inode, p *page.Page) error {
	dev := ip.Dev
	l := buf.ListOf(p)
	if l == nil {
		ip.Pages.ClearDirty(p)
		p.Unlock()
		return errors.Wrapf(common.ErrIO, "write-back of %v without buffers", p)
	}
	dirty, span := dirtySpan(l)
	ip.Pages.ClearDirty(p)
	if len(span) == 0 {
		p.Unlock()
		return nil
	}
	first, last := span[0], span[len(span)-1]
	n := (last.Blkno + 1 - first.Blkno) * first.Size

	r, err := dev.Alloc(1)
	if err != nil {
		e.redirty(p, dirty, span)
		p.Unlock()
		return errors.Wrapf(common.ErrIO, "write-back of %v: %v", p, err)
	}
	r.Op = bio.OpWrite
	r.Sector = dev.BlockSector(first.Blkno)
	r.EndIO = e.writeEnd
	r.Push(p, first.Off, n)

	p.StartWriteback()
	p.Unlock()
	util.DPrintf(10, "write %v for %v\n", r, p)
	if err := dev.Submit(r); err != nil {
		r.Put()
		// never reached the device, so no completion will end it
		restore(dirty, span)
		p.EndWriteback()
		if len(dirty) > 0 {
			p.Lock()
			p.Object().MarkDirty(p)
			p.Unlock()
		}
		return errors.Wrapf(common.ErrIO, "write-back of %v: %v", p, err)
	}
	r.Put()
	return nil
}

func restore(dirty []*buf.Buf, span []*buf.Buf) {
	for _, b := range span {
		b.Clear(buf.FlagWriteback)
	}
	for _, b := range dirty {
		b.TestAndSet(buf.FlagDirty)
	}
}

// redirty restores the state of a write-back that was never submitted. The
// page must be locked.
func (e *Engine) redirty(p *page.Page, dirty []*buf.Buf, span []*buf.Buf) {
	restore(dirty, span)
	if len(dirty) > 0 {
		p.Object().MarkDirty(p)
	}
}

// writeEnd completes a page write-back. A device error is latched on the
// page's object for the next fsync.
func (e *Engine) writeEnd(r *bio.Request) {
	v := r.Vecs[0]
	p := v.Page
	if err := r.Err(); err != nil {
		glog.Warningf("bcache: write-back of %v: %v", p, err)
		p.Object().SetError(err)
	}
	buf.ListOf(p).Do(func(bufs []*buf.Buf) {
		for _, b := range bufs {
			if b.Covered(v.Off, v.Len) {
				b.Clear(buf.FlagWriteback)
			}
		}
	})
	p.EndWriteback()
}

// SyncBuffer writes b back and waits for it. The whole page holding b is
// written.
func (e *Engine) SyncBuffer(b *buf.Buf) error {
	return buf.Sync(b)
}

// PrepareWrite checks that n bytes at off within page p of ip lie on the
// device.
func (e *Engine) PrepareWrite(ip *inode.Inode, p *page.Page, off uint64, n uint64) error {
	sz := ip.Dev.Bytes()
	pos := p.Offset() + off
	if sz <= pos || sz < pos+n {
		return errors.Wrapf(common.ErrRange, "write of %d at %d on %d-byte device", n, pos, sz)
	}
	return nil
}

// FreePage tears down the buffers of locked page p before it leaves the
// cache.
func (e *Engine) FreePage(p *page.Page) {
	if !p.HasBuffers() {
		return
	}
	if err := buf.Destroy(p); err != nil {
		glog.Warningf("bcache: freeing %v: %v", p, err)
	}
}

// Fsync writes back ip's dirty pages and the buffers associated with it,
// waits for all of it, flushes the device, and reports any write-back
// error since the last Fsync.
func (e *Engine) Fsync(ip *inode.Inode) error {
	err := ip.Pages.WritePages(true)
	if aerr := ip.Assoc.Sync(); err == nil {
		err = aerr
	}
	if ferr := ip.Dev.Flush(); err == nil {
		err = ferr
	}
	if werr := ip.Pages.TakeError(); err == nil {
		err = werr
	}
	return err
}

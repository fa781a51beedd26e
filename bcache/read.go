package bcache

import (
	"github.com/golang/glog"
	"github.com/pkg/errors"

	"github.com/mit-pdos/go-bcache/addr"
	"github.com/mit-pdos/go-bcache/bio"
	"github.com/mit-pdos/go-bcache/blockdev"
	"github.com/mit-pdos/go-bcache/buf"
	"github.com/mit-pdos/go-bcache/common"
	"github.com/mit-pdos/go-bcache/inode"
	"github.com/mit-pdos/go-bcache/page"
	"github.com/mit-pdos/go-bcache/util"
)

// ReadPages populates the pages it yields from ip's device. Each page
// arrives locked and referenced; the reference is dropped here, and the
// lock is dropped once the page's reads have completed (immediately if
// none were needed). A page that ends up with every buffer up-to-date is
// marked up-to-date; a failed read leaves it not up-to-date.
//
// The first error stops the walk. Pages handled before it are unaffected.
func (e *Engine) ReadPages(ip *inode.Inode, it page.Iterator) error {
	for p := it.Next(); p != nil; p = it.Next() {
		err := e.readPage(ip.Dev, p)
		p.Put()
		if err != nil {
			return err
		}
	}
	return it.Err()
}

// setupBuffers gives a fresh page one buffer per block. Blocks past the end
// of the device become holes.
func (e *Engine) setupBuffers(dev *blockdev.Device, p *page.Page) error {
	bs := dev.BlockSize()
	first := addr.FirstBlock(p.Index, bs)
	nblocks := dev.NrBlocks()
	for i := uint64(0); i < addr.BlocksPerPage(bs); i++ {
		b, err := e.slab.Add(p, i*bs, first+i, dev)
		if err != nil {
			buf.Destroy(p)
			return err
		}
		if b.Blkno >= nblocks {
			b.TestAndSet(buf.FlagHole | buf.FlagUptodate)
		}
	}
	return nil
}

func (e *Engine) readPage(dev *blockdev.Device, p *page.Page) error {
	bs := dev.BlockSize()
	first := addr.FirstBlock(p.Index, bs)
	if p.SetIfClear(page.FlagBuffer) {
		if err := e.setupBuffers(dev, p); err != nil {
			p.Unlock()
			return err
		}
		if first+addr.BlocksPerPage(bs) <= dev.NrBlocks() {
			return e.readWhole(dev, p, first)
		}
	}

	// Claim every buffer that needs reading before submitting any, so no
	// completion can see the page's reads as finished early.
	l := buf.ListOf(p)
	var todo []*buf.Buf
	l.Do(func(bufs []*buf.Buf) {
		for _, b := range bufs {
			if b.IsUptodate() || b.IsHole() || !b.TestAndSet(buf.FlagARead) {
				continue
			}
			todo = append(todo, b)
		}
	})
	if len(todo) == 0 {
		e.settle(p)
		return nil
	}
	for i, b := range todo {
		if err := e.submitRead(dev, p, dev.BlockSector(b.Blkno), b.Off, b.Size); err != nil {
			e.abandon(p, todo[i:])
			return err
		}
	}
	return nil
}

// readWhole reads a freshly set up page with a single request.
func (e *Engine) readWhole(dev *blockdev.Device, p *page.Page, first common.Bnum) error {
	l := buf.ListOf(p)
	bufs := l.Bufs()
	l.Do(func(bufs []*buf.Buf) {
		for _, b := range bufs {
			b.TestAndSet(buf.FlagARead)
		}
	})
	if err := e.submitRead(dev, p, dev.BlockSector(first), 0, common.PageSize); err != nil {
		e.abandon(p, bufs)
		return err
	}
	return nil
}

func (e *Engine) submitRead(dev *blockdev.Device, p *page.Page, s common.Sector, off uint64, n uint64) error {
	r, err := dev.Alloc(1)
	if err != nil {
		return err
	}
	r.Op = bio.OpRead
	r.Sector = s
	r.EndIO = e.readEnd
	r.Push(p, off, n)
	util.DPrintf(10, "read %v for %v\n", r, p)
	err = dev.Submit(r)
	r.Put()
	return err
}

// settle finishes a page with no reads outstanding: marks it up-to-date if
// every buffer is, and unlocks it.
func (e *Engine) settle(p *page.Page) {
	uptodate := true
	buf.ListOf(p).Do(func(bufs []*buf.Buf) {
		for _, b := range bufs {
			if !b.IsUptodate() {
				uptodate = false
			}
		}
	})
	if uptodate {
		p.SetIfClear(page.FlagUptodate)
	}
	p.Unlock()
}

// abandon releases the claim on buffers whose reads were never submitted.
// Whoever clears the page's last in-flight read unlocks it: this path, or
// the completion of a read that was submitted.
func (e *Engine) abandon(p *page.Page, bufs []*buf.Buf) {
	last := false
	buf.ListOf(p).Do(func(all []*buf.Buf) {
		for _, b := range bufs {
			b.Clear(buf.FlagARead)
		}
		last = !anyInFlight(all)
	})
	if last {
		p.Unlock()
	}
}

func anyInFlight(bufs []*buf.Buf) bool {
	for _, b := range bufs {
		if b.Test(buf.FlagARead) {
			return true
		}
	}
	return false
}

// readEnd completes a read: covered buffers become up-to-date (unless the
// device failed), and the page is unlocked once none of its reads remain in
// flight. Runs in the device's completion context.
func (e *Engine) readEnd(r *bio.Request) {
	failed := r.Err() != nil
	if failed {
		glog.Warningf("bcache: %v", r.Err())
	}
	for _, v := range r.Vecs {
		p := v.Page
		if !p.Locked() {
			panic("readEnd: page not locked")
		}
		done, uptodate := false, true
		buf.ListOf(p).Do(func(bufs []*buf.Buf) {
			for _, b := range bufs {
				if b.Covered(v.Off, v.Len) && b.Test(buf.FlagARead) {
					if !failed {
						b.TestAndSet(buf.FlagUptodate)
					}
					b.Clear(buf.FlagARead)
				}
				if !b.IsUptodate() {
					uptodate = false
				}
			}
			done = !anyInFlight(bufs)
		})
		if done {
			if uptodate && !failed {
				p.SetIfClear(page.FlagUptodate)
			}
			p.Unlock()
		}
	}
}

// ReadPageSync reads locked page p of ip in one request and waits for it.
// The page gets a buffer per block if it has none, and the page and all of
// its buffers become up-to-date. p stays locked.
func (e *Engine) ReadPageSync(ip *inode.Inode, p *page.Page) error {
	dev := ip.Dev
	off := p.Offset()
	if off%dev.SectorSize() != 0 {
		glog.Warningf("bcache: unaligned page read at %d", off)
		return errors.Wrapf(common.ErrIO, "read at unaligned offset %d", off)
	}
	r, err := dev.Alloc(1)
	if err != nil {
		return errors.Wrap(common.ErrIO, err.Error())
	}
	r.Op = bio.OpRead
	r.Sector = off / dev.SectorSize()
	r.Push(p, 0, common.PageSize)
	err = dev.SubmitWait(r)
	r.Put()
	if err != nil {
		return err
	}
	if p.SetIfClear(page.FlagBuffer) {
		if err := e.setupBuffers(dev, p); err != nil {
			return err
		}
	}
	p.SetIfClear(page.FlagUptodate)
	markUptodate(p)
	return nil
}

// lockUptodate populates locked, referenced page p if needed and returns
// with p still locked and referenced. Errors if p could not be made
// up-to-date; p is then unlocked and released.
func (e *Engine) lockUptodate(ip *inode.Inode, p *page.Page) error {
	if p.Uptodate() {
		return nil
	}
	p.Get()
	if err := e.ReadPages(ip, page.Pages(p)); err != nil {
		p.Put()
		return err
	}
	p.Lock() // waits for the reads
	if !p.Uptodate() {
		p.Unlock()
		p.Put()
		return errors.Wrapf(common.ErrIO, "read %v", p)
	}
	return nil
}

// ReadBlock returns block blkno of dev through the device's own page cache,
// up-to-date and with a reference the caller must Put (or hand to
// buf.Forget).
func (e *Engine) ReadBlock(dev *blockdev.Device, blkno common.Bnum) (*buf.Buf, error) {
	dip := e.DeviceInode(dev)
	a := addr.MkBlockAddr(blkno, dev.BlockSize())
	p, err := dip.Pages.FindOrCreatePage(a.Pgoff)
	if err != nil {
		return nil, err
	}
	if err := e.lockUptodate(dip, p); err != nil {
		return nil, errors.Wrapf(err, "block %d", blkno)
	}
	defer p.Put()
	defer p.Unlock()
	var b *buf.Buf
	if l := buf.ListOf(p); l != nil {
		b = l.Find(blkno)
	}
	if b == nil {
		p.SetIfClear(page.FlagBuffer)
		b, err = e.slab.Add(p, a.Off, blkno, dev)
		if err != nil {
			return nil, err
		}
		b.TestAndSet(buf.FlagUptodate)
	}
	return b.Get(), nil
}

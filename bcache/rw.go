package bcache

import (
	"io"

	"github.com/mit-pdos/go-bcache/buf"
	"github.com/mit-pdos/go-bcache/common"
	"github.com/mit-pdos/go-bcache/inode"
	"github.com/mit-pdos/go-bcache/page"
	"github.com/mit-pdos/go-bcache/util"
)

// ReadAt copies ip's contents at off into b through the cache. It returns
// io.EOF when off is at or past the end of ip; a short count comes with
// the error that stopped the read.
func (e *Engine) ReadAt(ip *inode.Inode, b []byte, off uint64) (int, error) {
	size := ip.Size()
	if off >= size {
		return 0, io.EOF
	}
	if uint64(len(b)) > size-off {
		b = b[:size-off]
	}
	n := 0
	for n < len(b) {
		pos := off + uint64(n)
		idx, poff := pos/common.PageSize, pos%common.PageSize
		p, err := ip.Pages.FindOrCreatePage(idx)
		if err != nil {
			return n, err
		}
		if err := e.lockUptodate(ip, p); err != nil {
			return n, err
		}
		n += copy(b[n:], p.Data[poff:])
		p.Unlock()
		p.Put()
	}
	return n, nil
}

// WriteAt copies b into ip's pages at off and marks the touched blocks
// dirty. Pages only partly overwritten are read first. Writes stop at the
// end of the device.
func (e *Engine) WriteAt(ip *inode.Inode, b []byte, off uint64) (int, error) {
	n := 0
	for n < len(b) {
		pos := off + uint64(n)
		idx, poff := pos/common.PageSize, pos%common.PageSize
		cnt := util.Min(common.PageSize-poff, uint64(len(b)-n))
		p, err := ip.Pages.FindOrCreatePage(idx)
		if err != nil {
			return n, err
		}
		if err := e.lockUptodate(ip, p); err != nil {
			return n, err
		}
		if err := e.PrepareWrite(ip, p, poff, cnt); err != nil {
			p.Unlock()
			p.Put()
			return n, err
		}
		if p.SetIfClear(page.FlagBuffer) {
			if err := e.setupBuffers(ip.Dev, p); err != nil {
				p.Unlock()
				p.Put()
				return n, err
			}
			markUptodate(p)
		}
		copy(p.Data[poff:poff+cnt], b[n:])
		dirtyRange(p, poff, cnt)
		p.Unlock()
		p.Put()
		n += int(cnt)
		if end := pos + cnt; end > ip.Size() {
			ip.SetSize(end)
		}
	}
	return n, nil
}

// dirtyRange marks the buffers overlapping [off, off+n) of locked page p
// dirty.
func dirtyRange(p *page.Page, off uint64, n uint64) {
	for _, b := range buf.ListOf(p).Bufs() {
		if b.Off < off+n && off < b.Off+b.Size {
			buf.DirtyLocked(b)
		}
	}
}

func markUptodate(p *page.Page) {
	buf.ListOf(p).Do(func(bufs []*buf.Buf) {
		for _, b := range bufs {
			b.TestAndSet(buf.FlagUptodate)
		}
	})
}

// Package inode holds the metadata the cache needs about a file or a block
// device node: its device, size, cached pages and associated buffers.
package inode

import (
	"sync/atomic"

	"github.com/mit-pdos/go-bcache/blockdev"
	"github.com/mit-pdos/go-bcache/buf"
	"github.com/mit-pdos/go-bcache/common"
	"github.com/mit-pdos/go-bcache/page"
)

type Inum = uint64

type Inode struct {
	Ino   Inum
	Dev   *blockdev.Device
	Pages *page.Object
	Assoc *buf.Assoc

	size atomic.Uint64
}

// MkInode makes an inode of size bytes on dev whose pages live in pages.
func MkInode(ino Inum, dev *blockdev.Device, pages *page.Object, size uint64) *Inode {
	ip := &Inode{
		Ino:   ino,
		Dev:   dev,
		Pages: pages,
		Assoc: buf.MkAssoc(),
	}
	ip.size.Store(size)
	return ip
}

func (ip *Inode) Size() uint64 {
	return ip.size.Load()
}

func (ip *Inode) SetSize(sz uint64) {
	ip.size.Store(sz)
}

// NrPages is the number of pages needed to hold the inode's contents.
func (ip *Inode) NrPages() uint64 {
	return (ip.Size() + common.PageSize - 1) / common.PageSize
}

// DirtyInode marks b dirty and associates it with ip, so that syncing ip
// writes b back even though b's page belongs to another object.
func DirtyInode(b *buf.Buf, ip *Inode) {
	buf.Dirty(b)
	ip.Assoc.Associate(b)
}

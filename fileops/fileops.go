// Package fileops is the file-operations table for files backed directly by
// a block device: open, release, ioctl, buffered and vectored read and
// write, fsync, and direct I/O for files opened with O_DIRECT.
package fileops

import (
	"io"
	"sync"

	"github.com/pkg/errors"
	"github.com/tchajed/marshal"
	"golang.org/x/sys/unix"

	"github.com/mit-pdos/go-bcache/bcache"
	"github.com/mit-pdos/go-bcache/blockdev"
	"github.com/mit-pdos/go-bcache/common"
	"github.com/mit-pdos/go-bcache/inode"
	"github.com/mit-pdos/go-bcache/util"
	"github.com/mit-pdos/go-bcache/vm"
)

// BufferOps opens block-device files whose I/O goes through an engine.
type BufferOps struct {
	e *bcache.Engine
}

func MkBufferOps(e *bcache.Engine) *BufferOps {
	return &BufferOps{e: e}
}

// A File is one open of a block device.
type File struct {
	ops   *BufferOps
	dev   *blockdev.Device
	ip    *inode.Inode
	flags int
	as    *vm.AddressSpace // for O_DIRECT transfers

	mu     *sync.Mutex
	closed bool

	// posmu is held across a whole cursor-relative transfer
	posmu *sync.Mutex
	pos   uint64
}

// Open opens dev with the given open(2) flags.
func (o *BufferOps) Open(dev *blockdev.Device, flags int) *File {
	n := dev.Open()
	util.DPrintf(5, "fileops: open %s (%d opens) flags %#x\n", dev.Name, n, flags)
	f := &File{
		ops:   o,
		dev:   dev,
		ip:    o.e.DeviceInode(dev),
		flags: flags,
		mu:    new(sync.Mutex),
		posmu: new(sync.Mutex),
	}
	if f.Direct() {
		f.as = vm.NewAddressSpace(o.e.Cache())
	}
	return f
}

func (f *File) Inode() *inode.Inode {
	return f.ip
}

func (f *File) Direct() bool {
	return f.flags&unix.O_DIRECT != 0
}

func (f *File) check() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.Wrapf(common.ErrBadFile, "%s is closed", f.dev.Name)
	}
	return nil
}

// Release closes f. The last close of the device writes its cache back.
func (f *File) Release() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return errors.Wrapf(common.ErrBadFile, "%s closed twice", f.dev.Name)
	}
	f.closed = true
	f.mu.Unlock()
	if f.dev.Release() == 0 {
		return f.ops.e.Fsync(f.ip)
	}
	return nil
}

func (f *File) Fsync() error {
	if err := f.check(); err != nil {
		return err
	}
	return f.ops.e.Fsync(f.ip)
}

// putWord stores v in arg as a little-endian word of len(arg) bytes, at
// most eight.
func putWord(arg []byte, size int, v uint64) error {
	if len(arg) < size {
		return errors.Wrapf(common.ErrFault, "ioctl argument of %d bytes", len(arg))
	}
	enc := marshal.NewEnc(8)
	enc.PutInt(v)
	copy(arg[:size], enc.Finish())
	return nil
}

// Ioctl answers the block-device size queries and BLKFLSBUF, writing
// results into arg.
func (f *File) Ioctl(req uint, arg []byte) error {
	if err := f.check(); err != nil {
		return err
	}
	switch req {
	case unix.BLKGETSIZE64:
		return putWord(arg, 8, f.dev.Bytes())
	case unix.BLKGETSIZE:
		return putWord(arg, 8, f.dev.Bytes()/512)
	case unix.BLKSSZGET:
		return putWord(arg, 4, f.dev.SectorSize())
	case unix.BLKBSZGET:
		return putWord(arg, 4, f.dev.BlockSize())
	case unix.BLKFLSBUF:
		if err := f.ops.e.Fsync(f.ip); err != nil {
			return err
		}
		return f.ip.Pages.ReclaimAll()
	}
	return errors.Wrapf(common.ErrNotTTY, "ioctl %#x", req)
}

func (f *File) direct(b []byte, off uint64, write bool) (int, error) {
	va, err := f.as.MapBytes(b, !write)
	if err != nil {
		return 0, err
	}
	defer f.as.Unmap(va)
	n, err := f.ops.e.DirectIO(f.dev, off, f.as, vm.NewIter(vm.Iovec{Base: va, Len: uint64(len(b))}), write)
	return int(n), err
}

// ReadAt reads len(b) bytes at off. It returns io.EOF at the end of the
// device.
func (f *File) ReadAt(b []byte, off int64) (int, error) {
	if err := f.check(); err != nil {
		return 0, err
	}
	if off < 0 {
		return 0, errors.Wrapf(common.ErrInvalid, "offset %d", off)
	}
	if f.Direct() {
		return f.direct(b, uint64(off), false)
	}
	return f.ops.e.ReadAt(f.ip, b, uint64(off))
}

func (f *File) WriteAt(b []byte, off int64) (int, error) {
	if err := f.check(); err != nil {
		return 0, err
	}
	if off < 0 {
		return 0, errors.Wrapf(common.ErrInvalid, "offset %d", off)
	}
	if f.Direct() {
		return f.direct(b, uint64(off), true)
	}
	return f.ops.e.WriteAt(f.ip, b, uint64(off))
}

func (f *File) Seek(off int64, whence int) (int64, error) {
	f.posmu.Lock()
	defer f.posmu.Unlock()
	var base int64
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		base = int64(f.pos)
	case io.SeekEnd:
		base = int64(f.dev.Bytes())
	default:
		return 0, errors.Wrapf(common.ErrInvalid, "whence %d", whence)
	}
	if base+off < 0 {
		return 0, errors.Wrapf(common.ErrInvalid, "seek to %d", base+off)
	}
	f.pos = uint64(base + off)
	return int64(f.pos), nil
}

func (f *File) Read(b []byte) (int, error) {
	return f.Readv([][]byte{b})
}

func (f *File) Write(b []byte) (int, error) {
	return f.Writev([][]byte{b})
}

// Readv fills bufs in order from the current position. It stops at the
// first short or failed transfer and returns the bytes moved so far; an
// error is only returned if nothing was.
func (f *File) Readv(bufs [][]byte) (int, error) {
	return f.vector(bufs, f.ReadAt)
}

// Writev is the write counterpart of Readv.
func (f *File) Writev(bufs [][]byte) (int, error) {
	return f.vector(bufs, f.WriteAt)
}

func (f *File) vector(bufs [][]byte, xfer func([]byte, int64) (int, error)) (int, error) {
	f.posmu.Lock()
	defer f.posmu.Unlock()
	total := 0
	for _, b := range bufs {
		if len(b) == 0 {
			continue
		}
		n, err := xfer(b, int64(f.pos)+int64(total))
		total += n
		if err != nil || n < len(b) {
			if total == 0 {
				return 0, err
			}
			break
		}
	}
	f.pos += uint64(total)
	return total, nil
}

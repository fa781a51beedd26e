package disk

import (
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/mit-pdos/go-bcache/common"
	"github.com/mit-pdos/go-bcache/util"
)

var _ Disk = (*fileDisk)(nil)

type fileDisk struct {
	fd         int
	sectorSize uint64
	numSectors uint64
}

// NewFileDisk opens (creating if needed) path as a disk of numSectors
// sectors. Regular files are resized to fit.
func NewFileDisk(path string, sectorSize uint64, numSectors uint64) (Disk, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT, 0666)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	var stat unix.Stat_t
	err = unix.Fstat(fd, &stat)
	if err != nil {
		unix.Close(fd)
		return nil, errors.Wrapf(err, "fstat %s", path)
	}
	size := int64(numSectors * sectorSize)
	if (stat.Mode&unix.S_IFMT) == unix.S_IFREG && stat.Size != size {
		err = unix.Ftruncate(fd, size)
		if err != nil {
			unix.Close(fd)
			return nil, errors.Wrapf(err, "truncate %s", path)
		}
	}
	return &fileDisk{fd: fd, sectorSize: sectorSize, numSectors: numSectors}, nil
}

func (d *fileDisk) ReadTo(s common.Sector, buf []byte) error {
	if err := checkRange(s, len(buf), d.sectorSize, d.numSectors); err != nil {
		return err
	}
	off := int64(s * d.sectorSize)
	util.DPrintf(10, "read: sector %d len %d\n", s, len(buf))
	for len(buf) > 0 {
		n, err := unix.Pread(d.fd, buf, off)
		if err != nil {
			return errors.Wrapf(common.ErrIO, "pread at %d: %v", off, err)
		}
		if n == 0 {
			// sparse tail of a short file reads as zero
			for i := range buf {
				buf[i] = 0
			}
			break
		}
		buf = buf[n:]
		off += int64(n)
	}
	return nil
}

func (d *fileDisk) Write(s common.Sector, v []byte) error {
	if err := checkRange(s, len(v), d.sectorSize, d.numSectors); err != nil {
		return err
	}
	off := int64(s * d.sectorSize)
	for len(v) > 0 {
		n, err := unix.Pwrite(d.fd, v, off)
		if err != nil {
			return errors.Wrapf(common.ErrIO, "pwrite at %d: %v", off, err)
		}
		v = v[n:]
		off += int64(n)
	}
	util.DPrintf(10, "write: sector %d\n", s)
	return nil
}

func (d *fileDisk) SectorSize() uint64 {
	return d.sectorSize
}

func (d *fileDisk) Size() (uint64, error) {
	return d.numSectors, nil
}

func (d *fileDisk) Barrier() error {
	// NOTE: on macOS, this flushes to the drive but doesn't actually issue a
	// disk barrier; see https://golang.org/src/internal/poll/fd_fsync_darwin.go
	// for more details. The correct replacement is to issue a fcntl syscall with
	// cmd F_FULLFSYNC.
	err := unix.Fsync(d.fd)
	if err != nil {
		return errors.Wrapf(common.ErrIO, "fsync: %v", err)
	}
	util.DPrintf(10, "barrier\n")
	return nil
}

func (d *fileDisk) Close() error {
	return unix.Close(d.fd)
}

/////////////////////////
/////////////////////////

var _ Disk = (*memDisk)(nil)

type memDisk struct {
	l          *sync.RWMutex
	sectorSize uint64
	data       []byte
}

func NewMemDisk(sectorSize uint64, numSectors uint64) Disk {
	return &memDisk{
		l:          new(sync.RWMutex),
		sectorSize: sectorSize,
		data:       make([]byte, sectorSize*numSectors),
	}
}

func (d *memDisk) nsect() uint64 {
	return uint64(len(d.data)) / d.sectorSize
}

func (d *memDisk) ReadTo(s common.Sector, buf []byte) error {
	if err := checkRange(s, len(buf), d.sectorSize, d.nsect()); err != nil {
		return err
	}
	d.l.RLock()
	defer d.l.RUnlock()
	copy(buf, d.data[s*d.sectorSize:])
	return nil
}

func (d *memDisk) Write(s common.Sector, v []byte) error {
	if err := checkRange(s, len(v), d.sectorSize, d.nsect()); err != nil {
		return err
	}
	d.l.Lock()
	defer d.l.Unlock()
	copy(d.data[s*d.sectorSize:], v)
	return nil
}

func (d *memDisk) SectorSize() uint64 {
	return d.sectorSize
}

func (d *memDisk) Size() (uint64, error) {
	// this never changes so we assume it's safe to run lock-free
	return d.nsect(), nil
}

func (d *memDisk) Barrier() error { return nil }

func (d *memDisk) Close() error { return nil }

package disk

import (
	"sync"
	"sync/atomic"

	"github.com/boljen/go-bitmap"
	"github.com/pkg/errors"

	"github.com/mit-pdos/go-bcache/common"
)

var _ Disk = (*FaultDisk)(nil)

// FaultDisk wraps a Disk and fails any transfer touching a sector marked
// bad. It also counts transfers, which tests use to observe I/O.
type FaultDisk struct {
	Disk
	mu  *sync.Mutex
	bad bitmap.Bitmap
	n   uint64

	reads  atomic.Uint64
	writes atomic.Uint64
}

func NewFaultDisk(d Disk) *FaultDisk {
	n, _ := d.Size()
	return &FaultDisk{
		Disk: d,
		mu:   new(sync.Mutex),
		bad:  bitmap.NewSlice(int(n)),
		n:    n,
	}
}

func (f *FaultDisk) MarkBad(s common.Sector) {
	f.mu.Lock()
	f.bad.Set(int(s), true)
	f.mu.Unlock()
}

func (f *FaultDisk) ClearBad(s common.Sector) {
	f.mu.Lock()
	f.bad.Set(int(s), false)
	f.mu.Unlock()
}

func (f *FaultDisk) check(s common.Sector, n int) error {
	cnt := uint64(n) / f.SectorSize()
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := s; i < s+cnt && i < f.n; i++ {
		if f.bad.Get(int(i)) {
			return errors.Wrapf(common.ErrIO, "bad sector %d", i)
		}
	}
	return nil
}

func (f *FaultDisk) ReadTo(s common.Sector, b []byte) error {
	f.reads.Add(1)
	if err := f.check(s, len(b)); err != nil {
		return err
	}
	return f.Disk.ReadTo(s, b)
}

func (f *FaultDisk) Write(s common.Sector, v []byte) error {
	f.writes.Add(1)
	if err := f.check(s, len(v)); err != nil {
		return err
	}
	return f.Disk.Write(s, v)
}

// Reads is the number of ReadTo calls seen so far.
func (f *FaultDisk) Reads() uint64 {
	return f.reads.Load()
}

// Writes is the number of Write calls seen so far.
func (f *FaultDisk) Writes() uint64 {
	return f.writes.Load()
}

// Package blockdev represents an attached block device: its validated
// geometry, request queue, request allocator and open count.
package blockdev

import (
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/mit-pdos/go-bcache/bio"
	"github.com/mit-pdos/go-bcache/common"
	"github.com/mit-pdos/go-bcache/disk"
	"github.com/mit-pdos/go-bcache/util"
)

type Device struct {
	Name string
	Pool *bio.Pool

	q   bio.Device
	geo bio.Geometry

	opens atomic.Int32

	// set when the device owns its queue and disk
	queue *bio.Queue
	d     disk.Disk
}

// New attaches a device in front of an existing request queue.
func New(name string, q bio.Device, pool *bio.Pool) (*Device, error) {
	geo := q.Geometry()
	if err := geo.Validate(); err != nil {
		return nil, errors.Wrapf(err, "attach %s", name)
	}
	if pool == nil {
		pool = bio.NewPool(0)
	}
	util.DPrintf(1, "blockdev %s: sector %d block %d sectors %d\n", name,
		geo.SectorSize, geo.BlockSize, geo.NrSectors)
	return &Device{Name: name, Pool: pool, q: q, geo: geo}, nil
}

// Attach starts a request queue over d and attaches a device with the given
// logical block size to it. Close shuts the queue down and closes d.
func Attach(name string, d disk.Disk, blockSize uint64, pool *bio.Pool) (*Device, error) {
	n, err := d.Size()
	if err != nil {
		return nil, errors.Wrapf(common.ErrIO, "attach %s: %v", name, err)
	}
	geo := bio.Geometry{
		SectorSize: d.SectorSize(),
		BlockSize:  blockSize,
		NrSectors:  n,
	}
	if err := geo.Validate(); err != nil {
		return nil, errors.Wrapf(err, "attach %s", name)
	}
	q := bio.MkQueue(d, geo)
	dev, err := New(name, q, pool)
	if err != nil {
		q.Shutdown()
		return nil, err
	}
	dev.queue = q
	dev.d = d
	return dev, nil
}

func (dev *Device) Geometry() bio.Geometry {
	return dev.geo
}

func (dev *Device) SectorSize() uint64 {
	return dev.geo.SectorSize
}

func (dev *Device) BlockSize() uint64 {
	return dev.geo.BlockSize
}

func (dev *Device) NrSectors() uint64 {
	return dev.geo.NrSectors
}

// NrBlocks is the number of whole logical blocks on the device. Blocks at or
// past it are holes.
func (dev *Device) NrBlocks() uint64 {
	return dev.geo.NrBlocks()
}

// Bytes is the device capacity.
func (dev *Device) Bytes() uint64 {
	return dev.geo.Bytes()
}

// BlockSector is the first sector of block blkno.
func (dev *Device) BlockSector(blkno common.Bnum) common.Sector {
	return blkno * dev.geo.SectorsPerBlock()
}

// Queue is the device's own request queue, or nil if it was attached in
// front of a caller-owned one.
func (dev *Device) Queue() *bio.Queue {
	return dev.queue
}

func (dev *Device) Alloc(nvecs int) (*bio.Request, error) {
	return dev.Pool.Alloc(nvecs)
}

func (dev *Device) Submit(r *bio.Request) error {
	return dev.q.Submit(r)
}

func (dev *Device) SubmitWait(r *bio.Request) error {
	return dev.q.SubmitWait(r)
}

// Flush waits until writes the device has completed are durable.
func (dev *Device) Flush() error {
	r, err := dev.Alloc(0)
	if err != nil {
		return err
	}
	r.Op = bio.OpFlush
	err = dev.SubmitWait(r)
	r.Put()
	return err
}

// Open records a new opener and returns the open count.
func (dev *Device) Open() int32 {
	return dev.opens.Add(1)
}

// Release drops an opener and returns the remaining count.
func (dev *Device) Release() int32 {
	n := dev.opens.Add(-1)
	if n < 0 {
		panic("blockdev: release without open")
	}
	return n
}

func (dev *Device) Opens() int32 {
	return dev.opens.Load()
}

// Close stops an owned queue after it drains and closes the disk.
func (dev *Device) Close() error {
	if dev.queue == nil {
		return nil
	}
	dev.queue.Shutdown()
	return dev.d.Close()
}

package bio

import (
	"github.com/pkg/errors"

	"github.com/mit-pdos/go-bcache/common"
	"github.com/mit-pdos/go-bcache/util"
)

// Geometry describes a block device.
type Geometry struct {
	SectorSize uint64 // hardware sector size in bytes
	BlockSize  uint64 // logical block size in bytes
	NrSectors  uint64
}

// Validate checks that sectors and blocks are powers of two, that a block
// holds whole sectors and that a page holds whole blocks.
func (g Geometry) Validate() error {
	if !util.IsPowerOfTwo(g.SectorSize) || g.SectorSize < common.MinSectorSize {
		return errors.Wrapf(common.ErrInvalid, "sector size %d", g.SectorSize)
	}
	if !util.IsPowerOfTwo(g.BlockSize) || g.BlockSize < g.SectorSize ||
		g.BlockSize > common.PageSize {
		return errors.Wrapf(common.ErrInvalid, "block size %d with sector size %d",
			g.BlockSize, g.SectorSize)
	}
	return nil
}

func (g Geometry) SectorsPerBlock() uint64 {
	return g.BlockSize / g.SectorSize
}

func (g Geometry) NrBlocks() uint64 {
	return g.NrSectors / g.SectorsPerBlock()
}

// Bytes is the device capacity.
func (g Geometry) Bytes() uint64 {
	return g.NrSectors * g.SectorSize
}

// Device is an asynchronous block device.
type Device interface {
	Geometry() Geometry
	// Submit queues r. The request completes later, in the device's
	// completion context; an error means it was rejected and will never
	// complete.
	Submit(r *Request) error
	// SubmitWait submits r and waits for it to complete.
	SubmitWait(r *Request) error
}

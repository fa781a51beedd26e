package disk

import (
	"github.com/mit-pdos/go-bcache/common"
)

// Disk provides access to a sector-addressed backing store.
type Disk interface {
	// ReadTo reads len(b) bytes starting at sector s into b.
	//
	// Expects len(b) to be a multiple of SectorSize() and the range to lie
	// within Size().
	ReadTo(s common.Sector, b []byte) error

	// Write stores v starting at sector s.
	//
	// Same expectations as ReadTo.
	Write(s common.Sector, v []byte) error

	// SectorSize is the size of one addressable unit, in bytes.
	SectorSize() uint64

	// Size reports how big the disk is, in sectors
	Size() (uint64, error)

	// Barrier ensures data is persisted.
	//
	// When it returns, all outstanding writes are guaranteed to be durably on
	// disk
	Barrier() error

	// Close releases any resources used by the disk and makes it unusable.
	Close() error
}

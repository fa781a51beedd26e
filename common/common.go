package common

const (
	// PageSize is the size of a page frame in the page cache.
	PageSize  uint64 = 4096
	PageShift uint64 = 12

	// MinSectorSize is the smallest transfer unit a device may report.
	MinSectorSize uint64 = 512

	// DirectIOBatch bounds how many pages the direct I/O path pins at once.
	DirectIOBatch = 128
)

// Bnum is a block number in units of the device block size.
type Bnum = uint64

// Sector is a device sector number in units of the device sector size.
type Sector = uint64

// Pgoff is a page index within an object.
type Pgoff = uint64

const NULLBNUM Bnum = 0

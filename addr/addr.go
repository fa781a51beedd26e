package addr

import (
	"github.com/mit-pdos/go-bcache/common"
)

// Addr locates a block inside the page cache.
//
// Pgoff is the index of the page holding the block and Off is the byte
// offset of the block within that page. The block size is determined by the
// device the block belongs to.
type Addr struct {
	Pgoff common.Pgoff
	Off   uint64 // offset in bytes
}

// Flatid is the byte offset of the object within its backing object.
func (a Addr) Flatid() uint64 {
	return uint64(a.Pgoff)*common.PageSize + a.Off
}

func MkAddr(pgoff common.Pgoff, off uint64) Addr {
	return Addr{Pgoff: pgoff, Off: off}
}

// MkBlockAddr gives the page cache address of block blkno.
func MkBlockAddr(blkno common.Bnum, blockSize uint64) Addr {
	off := blkno * blockSize
	return MkAddr(off>>common.PageShift, off&(common.PageSize-1))
}

// Blkno is the inverse of MkBlockAddr.
func (a Addr) Blkno(blockSize uint64) common.Bnum {
	return a.Flatid() / blockSize
}

// BlocksPerPage is how many blocks of blockSize fit in one page.
func BlocksPerPage(blockSize uint64) uint64 {
	return common.PageSize / blockSize
}

// FirstBlock is the number of the first block covered by page pgoff.
func FirstBlock(pgoff common.Pgoff, blockSize uint64) common.Bnum {
	return (pgoff << common.PageShift) / blockSize
}

// BlockSector converts a block number into the device sector it starts at.
func BlockSector(blkno common.Bnum, blockSize uint64, sectorSize uint64) common.Sector {
	return blkno * (blockSize / sectorSize)
}

package disk

import (
	"sync"

	gdisk "github.com/tchajed/goose/machine/disk"

	"github.com/mit-pdos/go-bcache/common"
)

var _ Disk = (*GooseDisk)(nil)

// GooseDisk exposes a goose block disk (fixed 4096-byte blocks) as a
// sector-addressed Disk. Writes that cover part of a block read the block,
// patch it and write it back under mu.
type GooseDisk struct {
	mu         *sync.Mutex
	d          gdisk.Disk
	sectorSize uint64
	numBlocks  uint64
}

func NewGooseDisk(d gdisk.Disk, numBlocks uint64, sectorSize uint64) *GooseDisk {
	if gdisk.BlockSize%sectorSize != 0 {
		panic("sector size does not divide the goose block size")
	}
	return &GooseDisk{
		mu:         new(sync.Mutex),
		d:          d,
		sectorSize: sectorSize,
		numBlocks:  numBlocks,
	}
}

func (g *GooseDisk) nsect() uint64 {
	return g.numBlocks * gdisk.BlockSize / g.sectorSize
}

// each calls f for every block touched by the byte range [off, off+n),
// with the in-block offset and the span length.
func each(off uint64, n uint64, f func(blk uint64, boff uint64, cnt uint64)) {
	for n > 0 {
		blk := off / gdisk.BlockSize
		boff := off % gdisk.BlockSize
		cnt := gdisk.BlockSize - boff
		if cnt > n {
			cnt = n
		}
		f(blk, boff, cnt)
		off += cnt
		n -= cnt
	}
}

func (g *GooseDisk) ReadTo(s common.Sector, b []byte) error {
	if err := checkRange(s, len(b), g.sectorSize, g.nsect()); err != nil {
		return err
	}
	done := uint64(0)
	each(s*g.sectorSize, uint64(len(b)), func(blk, boff, cnt uint64) {
		data := g.d.Read(blk)
		copy(b[done:done+cnt], data[boff:boff+cnt])
		done += cnt
	})
	return nil
}

func (g *GooseDisk) Write(s common.Sector, v []byte) error {
	if err := checkRange(s, len(v), g.sectorSize, g.nsect()); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	done := uint64(0)
	each(s*g.sectorSize, uint64(len(v)), func(blk, boff, cnt uint64) {
		var data gdisk.Block
		if cnt == gdisk.BlockSize {
			data = make(gdisk.Block, gdisk.BlockSize)
		} else {
			data = g.d.Read(blk)
		}
		copy(data[boff:boff+cnt], v[done:done+cnt])
		g.d.Write(blk, data)
		done += cnt
	})
	return nil
}

func (g *GooseDisk) SectorSize() uint64 {
	return g.sectorSize
}

func (g *GooseDisk) Size() (uint64, error) {
	return g.nsect(), nil
}

func (g *GooseDisk) Barrier() error {
	g.d.Barrier()
	return nil
}

func (g *GooseDisk) Close() error {
	g.d.Close()
	return nil
}

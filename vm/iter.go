package vm

import (
	"github.com/mit-pdos/go-bcache/common"
)

// An Iovec is one contiguous range of an address space.
type Iovec struct {
	Base uint64
	Len  uint64
}

// Iter walks a vector of Iovecs. Bytes is the number of bytes left.
type Iter struct {
	vecs  []Iovec
	off   uint64 // consumed bytes of vecs[0]
	Bytes uint64
}

func NewIter(vecs ...Iovec) *Iter {
	it := &Iter{}
	for _, v := range vecs {
		if v.Len == 0 {
			continue
		}
		it.vecs = append(it.vecs, v)
		it.Bytes += v.Len
	}
	return it
}

// Cur is the unconsumed part of the current Iovec.
func (it *Iter) Cur() Iovec {
	if len(it.vecs) == 0 {
		return Iovec{}
	}
	v := it.vecs[0]
	return Iovec{Base: v.Base + it.off, Len: v.Len - it.off}
}

// Advance consumes n bytes, possibly spanning Iovecs.
func (it *Iter) Advance(n uint64) {
	if n > it.Bytes {
		panic("vm.Iter: advance past end")
	}
	it.Bytes -= n
	for n > 0 {
		left := it.vecs[0].Len - it.off
		if n < left {
			it.off += n
			return
		}
		n -= left
		it.vecs = it.vecs[1:]
		it.off = 0
	}
}

func (it *Iter) Empty() bool {
	return it.Bytes == 0
}

// Aligned reports whether every remaining Iovec starts and ends on a
// multiple of align.
func (it *Iter) Aligned(align uint64) bool {
	for i, v := range it.vecs {
		if i == 0 {
			v = it.Cur()
		}
		if v.Base%align != 0 || v.Len%align != 0 {
			return false
		}
	}
	return true
}

// PagesSpanned is the number of pages [base, base+n) touches.
func PagesSpanned(base uint64, n uint64) uint64 {
	if n == 0 {
		return 0
	}
	first := base &^ (common.PageSize - 1)
	return (base + n - first + common.PageSize - 1) / common.PageSize
}

// Pages is the number of pages the remaining Iovecs touch.
func (it *Iter) Pages() uint64 {
	n := uint64(0)
	for i, v := range it.vecs {
		if i == 0 {
			v = it.Cur()
		}
		n += PagesSpanned(v.Base, v.Len)
	}
	return n
}

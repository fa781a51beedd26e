package vm

import (
	"github.com/mit-pdos/go-bcache/common"
	"github.com/mit-pdos/go-bcache/page"
)

// Access flags for GetPhysPages.
type Access uint8

const (
	// AccessWrite pins for writing into the memory (a device read).
	AccessWrite Access = 1 << iota
	AccessUser
)

// Result of GetPhysPages.
type Result uint8

const (
	PinOK Result = 0
	// PinFault means part of the range is unmapped or lacks the
	// requested access.
	PinFault Result = 1
	// PinPFN means part of the range is a raw physical mapping.
	PinPFN Result = 2
)

// GetPhysPages pins len(out) consecutive pages starting at the page that
// holds addr. Each pinned page carries one reference for the caller. On
// failure nothing stays pinned.
func (as *AddressSpace) GetPhysPages(addr uint64, acc Access, out []*page.Page) Result {
	base := addr &^ (common.PageSize - 1)
	for i := range out {
		va := base + uint64(i)*common.PageSize
		m := as.lookup(va)
		res := PinOK
		switch {
		case m == nil:
			res = PinFault
		case m.Kind == KindPFN:
			res = PinPFN
		case acc&AccessWrite != 0 && !m.Writable:
			res = PinFault
		}
		off := uint64(0)
		if m != nil {
			off = va - m.Start
		}
		if res == PinOK && off >= uint64(len(m.mem)) {
			res = PinFault
		}
		if res != PinOK {
			for j := 0; j < i; j++ {
				out[j].Put()
			}
			clear(out)
			return res
		}
		end := off + common.PageSize
		if end > uint64(len(m.mem)) {
			end = uint64(len(m.mem))
		}
		out[i] = as.cache.NewDetached(as.obj, va>>common.PageShift, m.mem[off:end:end])
	}
	return PinOK
}

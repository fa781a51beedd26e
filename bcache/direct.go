package bcache

import (
	"github.com/golang/glog"
	"github.com/pkg/errors"

	"github.com/mit-pdos/go-bcache/bio"
	"github.com/mit-pdos/go-bcache/blockdev"
	"github.com/mit-pdos/go-bcache/common"
	"github.com/mit-pdos/go-bcache/page"
	"github.com/mit-pdos/go-bcache/util"
	"github.com/mit-pdos/go-bcache/vm"
)

// iterToRequest pins the memory described by it and builds a request with
// one segment per page. it is consumed. The returned request holds the
// page pins and releases them when it is put.
func iterToRequest(dev *blockdev.Device, as *vm.AddressSpace, it *vm.Iter, write bool) (*bio.Request, error) {
	r, err := dev.Alloc(int(it.Pages()))
	if err != nil {
		return nil, err
	}
	r.Pinned = true
	acc := vm.AccessUser
	if !write {
		acc |= vm.AccessWrite
	}
	var batch [common.DirectIOBatch]*page.Page
	for !it.Empty() {
		v := it.Cur()
		base := v.Base &^ (common.PageSize - 1)
		n := vm.PagesSpanned(v.Base, v.Len)
		if n > common.DirectIOBatch {
			n = common.DirectIOBatch
		}
		pinned := batch[:n]
		switch as.GetPhysPages(v.Base, acc, pinned) {
		case vm.PinFault:
			r.Put()
			return nil, errors.Wrapf(common.ErrFault, "direct I/O at %#x", v.Base)
		case vm.PinPFN:
			r.Put()
			return nil, errors.Wrapf(common.ErrInvalid, "direct I/O to raw mapping at %#x", v.Base)
		}
		consumed := uint64(0)
		for j, p := range pinned {
			va := base + uint64(j)*common.PageSize
			start, end := va, va+common.PageSize
			if v.Base > start {
				start = v.Base
			}
			if v.Base+v.Len < end {
				end = v.Base + v.Len
			}
			if end-va > uint64(len(p.Data)) {
				for _, q := range pinned[j:] {
					q.Put()
				}
				r.Put()
				return nil, errors.Wrapf(common.ErrFault, "direct I/O past mapped memory at %#x", va)
			}
			r.Push(p, start-va, end-start)
			consumed += end - start
		}
		it.Advance(consumed)
	}
	return r, nil
}

// DirectIO transfers between dev at byte offset off and the memory it
// describes in as, bypassing the cache. It waits for the transfer and
// returns the number of bytes moved.
func (e *Engine) DirectIO(dev *blockdev.Device, off uint64, as *vm.AddressSpace, it *vm.Iter, write bool) (uint64, error) {
	ss := dev.SectorSize()
	total := it.Bytes
	if !it.Aligned(ss) || off%ss != 0 {
		glog.Warningf("bcache: unaligned direct I/O of %d at %d", total, off)
		return 0, errors.Wrapf(common.ErrInvalid, "direct I/O of %d at %d", total, off)
	}
	if total == 0 {
		return 0, nil
	}
	if util.SumOverflows(off, total) || off+total > dev.Bytes() {
		return 0, errors.Wrapf(common.ErrRange, "direct I/O of %d at %d", total, off)
	}
	r, err := iterToRequest(dev, as, it, write)
	if err != nil {
		return 0, err
	}
	r.Sector = off / ss
	r.Op = bio.OpRead
	if write {
		r.Op = bio.OpWrite
	}
	err = dev.SubmitWait(r)
	failed := r.Status() == bio.StatusError
	r.Put()
	if err != nil || failed {
		return 0, errors.Wrapf(common.ErrIO, "direct I/O of %d at %d: %v", total, off, err)
	}
	return total, nil
}

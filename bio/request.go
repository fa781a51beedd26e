// Package bio is the block I/O request layer: scatter-gather requests over
// page segments, a request allocator and asynchronous block devices.
package bio

import (
	"fmt"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/mit-pdos/go-bcache/common"
	"github.com/mit-pdos/go-bcache/page"
	"github.com/mit-pdos/go-bcache/util"
)

type Op uint8

const (
	OpRead Op = iota
	OpWrite
	OpFlush
)

func (op Op) String() string {
	switch op {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpFlush:
		return "flush"
	}
	return fmt.Sprintf("op(%d)", uint8(op))
}

type Status uint32

const (
	StatusPending Status = iota
	StatusDone
	StatusError
)

// A Vec is one page segment of a request.
type Vec struct {
	Page *page.Page
	Off  uint64 // byte offset within the page
	Len  uint64
}

func (v Vec) bytes() []byte {
	return v.Page.Data[v.Off : v.Off+v.Len]
}

// A Request is one asynchronous operation against a block device.
//
// The submitter owns a freshly allocated request. Submitting hands the
// device its own reference; the completion callback runs in the device's
// completion context, after which the device drops that reference. The
// request goes back to its pool when the last reference is put.
type Request struct {
	Sector common.Sector
	Op     Op
	Vecs   []Vec
	// EndIO, if set, runs once the device has finished with the request.
	EndIO func(r *Request)
	// Pinned requests hold a page reference per vec, dropped on release.
	Pinned bool

	status atomic.Uint32
	err    error
	refs   atomic.Int32
	done   chan struct{}
	pool   *Pool
}

func (r *Request) String() string {
	return fmt.Sprintf("bio{%v sector %d vecs %d len %d}", r.Op, r.Sector, len(r.Vecs), r.Len())
}

// Push appends a page segment. Panics if the request is full.
func (r *Request) Push(p *page.Page, off uint64, n uint64) {
	if len(r.Vecs) == cap(r.Vecs) {
		panic("bio: too many vecs")
	}
	if off+n > common.PageSize {
		panic("bio: vec crosses the page boundary")
	}
	r.Vecs = append(r.Vecs, Vec{Page: p, Off: off, Len: n})
}

// Len is the total number of bytes the request transfers.
func (r *Request) Len() uint64 {
	n := uint64(0)
	for _, v := range r.Vecs {
		n += v.Len
	}
	return n
}

func (r *Request) Status() Status {
	return Status(r.status.Load())
}

// Err is the device-reported failure, once the request has completed.
func (r *Request) Err() error {
	if r.Status() == StatusError {
		return r.err
	}
	return nil
}

// Wait blocks until the request completes and returns its error.
func (r *Request) Wait() error {
	<-r.done
	return r.Err()
}

func (r *Request) Get() *Request {
	r.refs.Add(1)
	return r
}

// Put drops a reference, releasing the request after the last one.
func (r *Request) Put() {
	n := r.refs.Add(-1)
	if n < 0 {
		panic("bio: request put too many times")
	}
	if n > 0 {
		return
	}
	if r.Pinned {
		for _, v := range r.Vecs {
			v.Page.Put()
		}
	}
	r.pool.release(r)
}

// Complete finishes the request with err (nil for success): it records the
// status, runs EndIO and wakes waiters. Devices call it exactly once.
func (r *Request) Complete(err error) {
	if err != nil {
		r.err = errors.Wrapf(common.ErrIO, "%v: %v", r, err)
		r.status.Store(uint32(StatusError))
		util.DPrintf(3, "bio: %v failed: %v\n", r, err)
	} else {
		r.status.Store(uint32(StatusDone))
	}
	if r.EndIO != nil {
		r.EndIO(r)
	}
	close(r.done)
}

// Pool allocates requests. Allocation never blocks; it fails when the
// failpoint fires or the outstanding limit is reached.
type Pool struct {
	Fail util.Failpoint

	limit       int64
	outstanding atomic.Int64
	allocs      atomic.Uint64
}

// NewPool makes a request allocator. A positive limit caps how many
// requests may be outstanding.
func NewPool(limit int64) *Pool {
	return &Pool{limit: limit}
}

func (p *Pool) Alloc(nvecs int) (*Request, error) {
	if nvecs < 0 {
		panic("bio: negative vec count")
	}
	if p.Fail.Hit() {
		return nil, errors.Wrapf(common.ErrNoMem, "bio alloc of %d vecs", nvecs)
	}
	if n := p.outstanding.Add(1); p.limit > 0 && n > p.limit {
		p.outstanding.Add(-1)
		return nil, errors.Wrapf(common.ErrNoMem, "%d bios outstanding", n-1)
	}
	p.allocs.Add(1)
	r := &Request{
		Vecs: make([]Vec, 0, nvecs),
		done: make(chan struct{}),
		pool: p,
	}
	r.refs.Store(1)
	return r, nil
}

func (p *Pool) release(r *Request) {
	r.Vecs = nil
	r.EndIO = nil
	p.outstanding.Add(-1)
}

// Outstanding is the number of allocated requests not yet released.
func (p *Pool) Outstanding() int64 {
	return p.outstanding.Load()
}

// Allocs is the number of successful allocations so far.
func (p *Pool) Allocs() uint64 {
	return p.allocs.Load()
}

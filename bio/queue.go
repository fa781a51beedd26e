package bio

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/mit-pdos/go-bcache/common"
	"github.com/mit-pdos/go-bcache/disk"
	"github.com/mit-pdos/go-bcache/util"
)

// A TraceRecord describes one submitted request.
type TraceRecord struct {
	Op     Op
	Sector common.Sector
	Len    uint64
	Nvecs  int
}

// Queue is a Device over a synchronous disk. A single worker executes
// requests in submission order and runs their completions, so completions
// never race with each other.
type Queue struct {
	// FailSubmit rejects submissions with ErrIO when it fires.
	FailSubmit util.Failpoint

	d   disk.Disk
	geo Geometry

	mu        *sync.Mutex
	condWork  *sync.Cond
	condIdle  *sync.Cond
	condShut  *sync.Cond
	pending   []*Request
	inflight  uint64
	shutdown  bool
	nthread   uint64
	tracing   bool
	trace     []TraceRecord
	completed atomic.Uint64
}

func MkQueue(d disk.Disk, geo Geometry) *Queue {
	if d.SectorSize() != geo.SectorSize {
		panic("bio: disk and geometry disagree on sector size")
	}
	mu := new(sync.Mutex)
	q := &Queue{
		d:        d,
		geo:      geo,
		mu:       mu,
		condWork: sync.NewCond(mu),
		condIdle: sync.NewCond(mu),
		condShut: sync.NewCond(mu),
		nthread:  1,
	}
	go func() { q.worker() }()
	return q
}

func (q *Queue) Geometry() Geometry {
	return q.geo
}

func (q *Queue) check(r *Request) error {
	if r.Op == OpFlush {
		return nil
	}
	n := r.Len()
	if n == 0 || n%q.geo.SectorSize != 0 {
		return errors.Wrapf(common.ErrInvalid, "%v: length not a sector multiple", r)
	}
	if r.Sector+n/q.geo.SectorSize > q.geo.NrSectors {
		return errors.Wrapf(common.ErrIO, "%v: beyond end of device", r)
	}
	return nil
}

func (q *Queue) Submit(r *Request) error {
	if r.Status() != StatusPending {
		panic("bio: request submitted twice")
	}
	if err := q.check(r); err != nil {
		return err
	}
	if q.FailSubmit.Hit() {
		return errors.Wrapf(common.ErrIO, "%v: submit failed", r)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.shutdown {
		return errors.Wrapf(common.ErrIO, "%v: queue shut down", r)
	}
	if q.tracing {
		q.trace = append(q.trace, TraceRecord{
			Op: r.Op, Sector: r.Sector, Len: r.Len(), Nvecs: len(r.Vecs),
		})
	}
	util.DPrintf(5, "queue: submit %v\n", r)
	q.pending = append(q.pending, r.Get())
	q.inflight += 1
	q.condWork.Signal()
	return nil
}

func (q *Queue) SubmitWait(r *Request) error {
	if err := q.Submit(r); err != nil {
		return err
	}
	return r.Wait()
}

func (q *Queue) execute(r *Request) error {
	ss := q.geo.SectorSize
	switch r.Op {
	case OpFlush:
		return q.d.Barrier()
	case OpRead:
		s := r.Sector
		for _, v := range r.Vecs {
			if err := q.d.ReadTo(s, v.bytes()); err != nil {
				return err
			}
			s += v.Len / ss
		}
	case OpWrite:
		s := r.Sector
		for _, v := range r.Vecs {
			if err := q.d.Write(s, v.bytes()); err != nil {
				return err
			}
			s += v.Len / ss
		}
	}
	return nil
}

// The worker drains pending requests before it observes shutdown.
func (q *Queue) worker() {
	q.mu.Lock()
	for {
		if len(q.pending) == 0 {
			if q.shutdown {
				break
			}
			q.condWork.Wait()
			continue
		}
		r := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()

		r.Complete(q.execute(r))
		r.Put()
		q.completed.Add(1)

		q.mu.Lock()
		q.inflight -= 1
		if q.inflight == 0 {
			q.condIdle.Broadcast()
		}
	}
	util.DPrintf(1, "queue: shutdown\n")
	q.nthread -= 1
	q.condShut.Signal()
	q.mu.Unlock()
}

// Drain waits until every submitted request has completed.
func (q *Queue) Drain() {
	q.mu.Lock()
	for q.inflight > 0 {
		q.condIdle.Wait()
	}
	q.mu.Unlock()
}

// Shutdown completes outstanding requests, then stops the worker. Later
// submissions fail.
func (q *Queue) Shutdown() {
	q.mu.Lock()
	q.shutdown = true
	q.condWork.Broadcast()
	for q.nthread > 0 {
		q.condShut.Wait()
	}
	q.mu.Unlock()
}

// Completed is the number of requests the worker has finished.
func (q *Queue) Completed() uint64 {
	return q.completed.Load()
}

// Trace starts recording submissions, discarding earlier records.
func (q *Queue) Trace() {
	q.mu.Lock()
	q.tracing = true
	q.trace = nil
	q.mu.Unlock()
}

// Traced returns the submissions recorded since Trace.
func (q *Queue) Traced() []TraceRecord {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]TraceRecord(nil), q.trace...)
}

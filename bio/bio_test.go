package bio_test

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mit-pdos/go-bcache/bio"
	"github.com/mit-pdos/go-bcache/common"
	"github.com/mit-pdos/go-bcache/disk"
	"github.com/mit-pdos/go-bcache/page"
)

type env struct {
	d     *disk.FaultDisk
	q     *bio.Queue
	pool  *bio.Pool
	cache *page.Cache
	obj   *page.Object
}

func mkEnv(t *testing.T) *env {
	d := disk.NewFaultDisk(disk.NewMemDisk(512, 64))
	geo := bio.Geometry{SectorSize: 512, BlockSize: 4096, NrSectors: 64}
	require.NoError(t, geo.Validate())
	e := &env{
		d:     d,
		q:     bio.MkQueue(d, geo),
		pool:  bio.NewPool(0),
		cache: page.NewCache(nil),
	}
	e.obj = e.cache.NewObject(nil)
	t.Cleanup(func() {
		e.q.Shutdown()
		e.cache.Frames().Close()
	})
	return e
}

func (e *env) page(t *testing.T, index uint64) *page.Page {
	p, err := e.obj.FindOrCreatePage(index)
	require.NoError(t, err)
	p.Unlock()
	return p
}

func TestGeometry(t *testing.T) {
	assert := assert.New(t)
	g := bio.Geometry{SectorSize: 512, BlockSize: 1024, NrSectors: 21}
	assert.NoError(g.Validate())
	assert.Equal(uint64(2), g.SectorsPerBlock())
	assert.Equal(uint64(10), g.NrBlocks())
	assert.Equal(uint64(21*512), g.Bytes())

	for _, bad := range []bio.Geometry{
		{SectorSize: 256, BlockSize: 4096},
		{SectorSize: 512, BlockSize: 256},
		{SectorSize: 512, BlockSize: 3000},
		{SectorSize: 512, BlockSize: 8192},
		{SectorSize: 4096, BlockSize: 2048},
	} {
		assert.ErrorIs(bad.Validate(), common.ErrInvalid, "%+v", bad)
	}
}

func TestWriteThenRead(t *testing.T) {
	assert := assert.New(t)
	e := mkEnv(t)
	src := e.page(t, 0)
	for i := range src.Data {
		src.Data[i] = byte(i)
	}

	w, err := e.pool.Alloc(1)
	require.NoError(t, err)
	w.Op = bio.OpWrite
	w.Sector = 8
	w.Push(src, 0, common.PageSize)
	var ended atomic.Int32
	w.EndIO = func(r *bio.Request) { ended.Add(1) }
	require.NoError(t, e.q.SubmitWait(w))
	assert.Equal(bio.StatusDone, w.Status())
	w.Put()
	assert.Equal(int32(1), ended.Load())

	dst := e.page(t, 1)
	r, err := e.pool.Alloc(2)
	require.NoError(t, err)
	r.Op = bio.OpRead
	r.Sector = 8
	r.Push(dst, 0, 2048)
	r.Push(dst, 2048, 2048)
	assert.Equal(uint64(4096), r.Len())
	require.NoError(t, e.q.SubmitWait(r))
	r.Put()
	assert.Equal(src.Data, dst.Data)
	assert.Equal(int64(0), e.pool.Outstanding())
}

func TestDeviceError(t *testing.T) {
	e := mkEnv(t)
	e.d.MarkBad(3)
	p := e.page(t, 0)
	r, err := e.pool.Alloc(1)
	require.NoError(t, err)
	r.Op = bio.OpRead
	r.Sector = 0
	r.Push(p, 0, common.PageSize)
	var st bio.Status
	r.EndIO = func(r *bio.Request) { st = r.Status() }
	err = e.q.SubmitWait(r)
	assert.ErrorIs(t, err, common.ErrIO)
	assert.Equal(t, bio.StatusError, st)
	r.Put()
}

func TestSubmitChecks(t *testing.T) {
	assert := assert.New(t)
	e := mkEnv(t)
	p := e.page(t, 0)

	r, err := e.pool.Alloc(1)
	require.NoError(t, err)
	r.Op = bio.OpRead
	r.Push(p, 0, 100)
	assert.ErrorIs(e.q.Submit(r), common.ErrInvalid)
	r.Put()

	r, err = e.pool.Alloc(1)
	require.NoError(t, err)
	r.Op = bio.OpWrite
	r.Sector = 60
	r.Push(p, 0, common.PageSize)
	assert.ErrorIs(e.q.Submit(r), common.ErrIO, "past the end")
	r.Put()

	r, err = e.pool.Alloc(1)
	require.NoError(t, err)
	r.Op = bio.OpRead
	r.Push(p, 0, 512)
	e.q.FailSubmit.FailNth(1)
	assert.ErrorIs(e.q.Submit(r), common.ErrIO)
	assert.Equal(bio.StatusPending, r.Status())
	r.Put()
	assert.Equal(int64(0), e.pool.Outstanding())
}

func TestPoolFailure(t *testing.T) {
	assert := assert.New(t)
	pool := bio.NewPool(2)
	pool.Fail.FailNth(1)
	_, err := pool.Alloc(1)
	assert.ErrorIs(err, common.ErrNoMem)

	a, err := pool.Alloc(1)
	require.NoError(t, err)
	b, err := pool.Alloc(1)
	require.NoError(t, err)
	_, err = pool.Alloc(1)
	assert.ErrorIs(err, common.ErrNoMem, "limit reached")
	a.Put()
	b.Put()
	assert.Equal(int64(0), pool.Outstanding())
	assert.Equal(uint64(2), pool.Allocs())
	assert.Panics(func() { a.Put() })
}

func TestPushBounds(t *testing.T) {
	e := mkEnv(t)
	p := e.page(t, 0)
	r, err := e.pool.Alloc(1)
	require.NoError(t, err)
	assert.Panics(t, func() { r.Push(p, 4000, 512) })
	r.Push(p, 0, 512)
	assert.Panics(t, func() { r.Push(p, 512, 512) }, "no room")
	r.Put()
}

func TestPinnedReleasesPages(t *testing.T) {
	e := mkEnv(t)
	p := e.page(t, 0)
	assert.Equal(t, int32(2), p.Refs())
	r, err := e.pool.Alloc(1)
	require.NoError(t, err)
	r.Pinned = true
	r.Op = bio.OpWrite
	r.Push(p.Get(), 0, common.PageSize)
	require.NoError(t, e.q.SubmitWait(r))
	r.Put()
	assert.Equal(t, int32(2), p.Refs())
}

func TestCompletionOrderAndTrace(t *testing.T) {
	assert := assert.New(t)
	e := mkEnv(t)
	p := e.page(t, 0)
	e.q.Trace()
	var order []int
	for i := 0; i < 8; i++ {
		i := i
		r, err := e.pool.Alloc(1)
		require.NoError(t, err)
		r.Op = bio.OpWrite
		r.Sector = uint64(i)
		r.Push(p, 0, 512)
		r.EndIO = func(*bio.Request) { order = append(order, i) }
		require.NoError(t, e.q.Submit(r))
		r.Put()
	}
	e.q.Drain()
	assert.Equal([]int{0, 1, 2, 3, 4, 5, 6, 7}, order)
	tr := e.q.Traced()
	require.Len(t, tr, 8)
	assert.Equal(bio.TraceRecord{Op: bio.OpWrite, Sector: 7, Len: 512, Nvecs: 1}, tr[7])
	assert.Equal(uint64(8), e.q.Completed())
	assert.Equal(uint64(8), e.d.Writes())
}

func TestShutdown(t *testing.T) {
	e := mkEnv(t)
	e.q.Shutdown()
	r, err := e.pool.Alloc(0)
	require.NoError(t, err)
	r.Op = bio.OpFlush
	assert.ErrorIs(t, e.q.Submit(r), common.ErrIO)
	r.Put()
}

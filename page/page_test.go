package page_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mit-pdos/go-bcache/common"
	"github.com/mit-pdos/go-bcache/page"
)

// fakeOps writes pages back asynchronously and records what it saw.
type fakeOps struct {
	writes atomic.Int32
	frees  atomic.Int32
	delay  time.Duration
}

func (o *fakeOps) WritePage(p *page.Page) error {
	o.writes.Add(1)
	p.StartWriteback()
	p.Object().ClearDirty(p)
	p.Unlock()
	go func() {
		time.Sleep(o.delay)
		p.EndWriteback()
	}()
	return nil
}

func (o *fakeOps) FreePage(p *page.Page) {
	o.frees.Add(1)
	p.SetPrivate(nil)
	p.Clear(page.FlagBuffer)
}

type fakePriv struct{}

func (fakePriv) HasDirty() bool     { return false }
func (fakePriv) HasWriteback() bool { return false }

func newObject(t *testing.T) (*page.Cache, *page.Object, *fakeOps) {
	c := page.NewCache(page.NewFrames(4, 0))
	t.Cleanup(func() { c.Frames().Close() })
	ops := &fakeOps{delay: 5 * time.Millisecond}
	return c, c.NewObject(ops), ops
}

func TestFindOrCreate(t *testing.T) {
	assert := assert.New(t)
	_, obj, _ := newObject(t)

	assert.Nil(obj.FindPage(3))
	p, err := obj.FindOrCreatePage(3)
	require.NoError(t, err)
	assert.True(p.Locked())
	assert.False(p.Uptodate())
	assert.Equal(int32(2), p.Refs())
	assert.Equal(uint64(3*common.PageSize), p.Offset())
	assert.Len(p.Data, int(common.PageSize))
	p.Unlock()

	q := obj.FindPage(3)
	assert.Same(p, q)
	assert.Equal(int32(3), p.Refs())
	q.Put()
	p.Put()
	assert.Equal(1, obj.NrPages())
}

func TestFindOrCreateConcurrent(t *testing.T) {
	_, obj, _ := newObject(t)
	var wg sync.WaitGroup
	pages := make([]*page.Page, 16)
	for i := range pages {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := obj.FindOrCreatePage(0)
			if err != nil {
				return
			}
			pages[i] = p
			p.Unlock()
		}(i)
	}
	wg.Wait()
	for _, p := range pages {
		assert.Same(t, pages[0], p)
	}
	assert.Equal(t, 1, obj.NrPages())
}

func TestPageLockReleasedElsewhere(t *testing.T) {
	_, obj, _ := newObject(t)
	p, err := obj.FindOrCreatePage(0)
	require.NoError(t, err)
	assert.False(t, p.TryLock())
	done := make(chan struct{})
	go func() {
		p.Unlock()
		close(done)
	}()
	<-done
	p.Lock()
	p.Unlock()
	p.Put()
}

func TestFlags(t *testing.T) {
	assert := assert.New(t)
	_, obj, _ := newObject(t)
	p, err := obj.FindOrCreatePage(1)
	require.NoError(t, err)
	defer p.Put()
	defer p.Unlock()

	assert.True(p.SetIfClear(page.FlagUptodate))
	assert.False(p.SetIfClear(page.FlagUptodate))
	assert.True(p.Uptodate())
	p.Set(page.FlagBuffer)
	assert.True(p.HasBuffers())
	assert.Equal("BU", p.Flags().String())
	assert.True(p.ClearIfSet(page.FlagBuffer))
	assert.False(p.ClearIfSet(page.FlagBuffer))
	p.Clear(page.FlagUptodate)
	assert.Equal("-", p.Flags().String())
}

func TestMarkDirtyCounts(t *testing.T) {
	assert := assert.New(t)
	_, obj, _ := newObject(t)
	p, err := obj.FindOrCreatePage(2)
	require.NoError(t, err)

	obj.MarkDirty(p)
	obj.MarkDirty(p)
	assert.True(p.Dirty())
	assert.Equal(uint64(2), obj.DirtyMarks())
	assert.Equal([]common.Pgoff{2}, obj.DirtyPages())

	assert.True(obj.ClearDirty(p))
	assert.False(obj.ClearDirty(p))
	assert.Empty(obj.DirtyPages())
	p.Unlock()
	assert.Panics(func() { obj.MarkDirty(p) }, "page must be locked")
	p.Put()
}

func TestWriteback(t *testing.T) {
	assert := assert.New(t)
	_, obj, ops := newObject(t)
	for i := common.Pgoff(0); i < 3; i++ {
		p, err := obj.FindOrCreatePage(i)
		require.NoError(t, err)
		if i != 1 {
			obj.MarkDirty(p)
		}
		p.Unlock()
		p.Put()
	}
	require.NoError(t, obj.WritePages(true))
	assert.Equal(int32(2), ops.writes.Load())
	assert.Equal(uint64(2), obj.WritebackEnds())
	assert.Empty(obj.DirtyPages())

	p := obj.FindPage(0)
	assert.False(p.Writeback())
	p.Put()
}

func TestStartWritebackTwicePanics(t *testing.T) {
	_, obj, _ := newObject(t)
	p, err := obj.FindOrCreatePage(0)
	require.NoError(t, err)
	p.StartWriteback()
	assert.Panics(t, func() { p.StartWriteback() })
	p.EndWriteback()
	assert.Panics(t, func() { p.EndWriteback() })
	p.Unlock()
	p.Put()
}

func TestWaitWriteback(t *testing.T) {
	_, obj, _ := newObject(t)
	p, err := obj.FindOrCreatePage(0)
	require.NoError(t, err)
	p.StartWriteback()
	p.Unlock()
	var ended atomic.Bool
	go func() {
		time.Sleep(10 * time.Millisecond)
		ended.Store(true)
		p.EndWriteback()
	}()
	p.WaitWriteback()
	assert.True(t, ended.Load())
	p.Put()
}

func TestReclaim(t *testing.T) {
	assert := assert.New(t)
	c, obj, ops := newObject(t)
	p, err := obj.FindOrCreatePage(5)
	require.NoError(t, err)
	p.SetPrivate(fakePriv{})
	p.Set(page.FlagBuffer)
	obj.MarkDirty(p)
	p.Unlock()
	p.Put()
	assert.Equal(1, c.Frames().InUse())

	require.NoError(t, obj.Reclaim(5))
	assert.Equal(int32(1), ops.writes.Load(), "dirty page written first")
	assert.Equal(int32(1), ops.frees.Load())
	assert.Equal(0, obj.NrPages())
	assert.Equal(0, c.Frames().InUse())
	assert.Nil(obj.FindPage(5))
	require.NoError(t, obj.Reclaim(5), "reclaiming a missing page is a no-op")
}

func TestReclaimWaitsForReference(t *testing.T) {
	c, obj, _ := newObject(t)
	p, err := obj.FindOrCreatePage(0)
	require.NoError(t, err)
	p.Unlock()
	require.NoError(t, obj.ReclaimAll())
	assert.Equal(t, 1, c.Frames().InUse(), "caller still holds a reference")
	p.Put()
	assert.Equal(t, 0, c.Frames().InUse())
}

func TestFindPageDuringReclaim(t *testing.T) {
	c, obj, _ := newObject(t)
	var stop atomic.Bool
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for !stop.Load() {
				if p := obj.FindPage(0); p != nil {
					assert.NotNil(t, p.Data, "found page has a frame")
					p.Put()
				}
			}
		}()
	}
	for i := 0; i < 2000; i++ {
		p, err := obj.FindOrCreatePage(0)
		require.NoError(t, err)
		p.Unlock()
		p.Put()
		require.NoError(t, obj.Reclaim(0))
	}
	stop.Store(true)
	wg.Wait()
	assert.Equal(t, 0, obj.NrPages())
	assert.Equal(t, 0, c.Frames().InUse())
}

func TestDirtySetMatchesFlag(t *testing.T) {
	_, obj, _ := newObject(t)
	p, err := obj.FindOrCreatePage(7)
	require.NoError(t, err)
	p.Unlock()
	for i := 0; i < 1000; i++ {
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			p.Lock()
			obj.MarkDirty(p)
			p.Unlock()
		}()
		go func() {
			defer wg.Done()
			obj.ClearDirty(p)
		}()
		wg.Wait()
		require.Equal(t, p.Dirty(), len(obj.DirtyPages()) == 1, "round %d", i)
	}
	p.Put()
}

func TestErrorLatch(t *testing.T) {
	_, obj, _ := newObject(t)
	assert.NoError(t, obj.TakeError())
	obj.SetError(common.ErrIO)
	obj.SetError(common.ErrNoMem)
	assert.ErrorIs(t, obj.TakeError(), common.ErrIO)
	assert.NoError(t, obj.TakeError())
}

func TestFramesLimit(t *testing.T) {
	assert := assert.New(t)
	f := page.NewFrames(2, 3)
	defer f.Close()
	var frs [][]byte
	for i := 0; i < 3; i++ {
		fr, err := f.Alloc()
		require.NoError(t, err)
		fr[0] = 0xff
		frs = append(frs, fr)
	}
	_, err := f.Alloc()
	assert.ErrorIs(err, common.ErrNoMem)
	f.Free(frs[2])
	fr, err := f.Alloc()
	require.NoError(t, err)
	assert.Equal(byte(0), fr[0], "frames come back zeroed")
	assert.Equal(3, f.InUse())
}

func TestFramesFailpoint(t *testing.T) {
	f := page.NewFrames(0, 0)
	defer f.Close()
	f.Fail.FailNth(2)
	_, err := f.Alloc()
	require.NoError(t, err)
	_, err = f.Alloc()
	assert.ErrorIs(t, err, common.ErrNoMem)
	_, err = f.Alloc()
	assert.NoError(t, err)
}

func TestRangeIterSkipsUptodate(t *testing.T) {
	_, obj, _ := newObject(t)
	p, err := obj.FindOrCreatePage(1)
	require.NoError(t, err)
	p.Set(page.FlagUptodate)
	p.Unlock()
	p.Put()

	it := page.RangeIter(obj, 0, 3)
	var got []common.Pgoff
	for p := it.Next(); p != nil; p = it.Next() {
		assert.True(t, p.Locked())
		got = append(got, p.Index)
		p.Unlock()
		p.Put()
	}
	assert.NoError(t, it.Err())
	assert.Equal(t, []common.Pgoff{0, 2}, got)
}

func TestDetachedPage(t *testing.T) {
	c, obj, _ := newObject(t)
	mem := make([]byte, common.PageSize)
	p := c.NewDetached(obj, 0, mem)
	p.Get()
	p.Put()
	p.Put()
	assert.Equal(t, 0, c.Frames().InUse())
	assert.Equal(t, 0, obj.NrPages())
}

package page

import (
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/mit-pdos/go-bcache/common"
	"github.com/mit-pdos/go-bcache/util"
)

// Frames hands out page-sized frames carved from anonymous mmap arenas.
// Freed frames go back on a free list; arenas are only unmapped by Close.
type Frames struct {
	mu       *sync.Mutex
	free     [][]byte
	arenas   [][]byte
	perArena int
	inuse    int
	limit    int

	Fail util.Failpoint
}

// NewFrames makes an allocator that maps perArena frames at a time. A
// positive limit caps the number of frames in use at once.
func NewFrames(perArena int, limit int) *Frames {
	if perArena <= 0 {
		perArena = 64
	}
	return &Frames{
		mu:       new(sync.Mutex),
		perArena: perArena,
		limit:    limit,
	}
}

func (f *Frames) grow() error {
	sz := f.perArena * int(common.PageSize)
	arena, err := unix.Mmap(-1, 0, sz, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return errors.Wrapf(common.ErrNoMem, "mmap arena: %v", err)
	}
	f.arenas = append(f.arenas, arena)
	for i := 0; i < f.perArena; i++ {
		off := i * int(common.PageSize)
		f.free = append(f.free, arena[off:off+int(common.PageSize):off+int(common.PageSize)])
	}
	util.DPrintf(5, "frames: mapped arena %d (%d frames)\n", len(f.arenas), f.perArena)
	return nil
}

// Alloc returns a zeroed frame.
func (f *Frames) Alloc() ([]byte, error) {
	if f.Fail.Hit() {
		return nil, errors.Wrap(common.ErrNoMem, "frame allocation")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.limit > 0 && f.inuse >= f.limit {
		return nil, errors.Wrapf(common.ErrNoMem, "%d frames in use", f.inuse)
	}
	if len(f.free) == 0 {
		if err := f.grow(); err != nil {
			return nil, err
		}
	}
	fr := f.free[len(f.free)-1]
	f.free = f.free[:len(f.free)-1]
	f.inuse++
	return fr, nil
}

func (f *Frames) Free(fr []byte) {
	clear(fr)
	f.mu.Lock()
	f.free = append(f.free, fr)
	f.inuse--
	f.mu.Unlock()
}

// InUse is the number of frames handed out and not yet freed.
func (f *Frames) InUse() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inuse
}

// Close unmaps every arena. No frame may be used afterwards.
func (f *Frames) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var first error
	for _, a := range f.arenas {
		if err := unix.Munmap(a); err != nil && first == nil {
			first = err
		}
	}
	f.arenas = nil
	f.free = nil
	return first
}

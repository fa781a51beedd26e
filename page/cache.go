package page

import (
	"sync"
	"sync/atomic"

	"github.com/mit-pdos/go-bcache/lockmap"
	"github.com/mit-pdos/go-bcache/shardmap"
)

// Cache owns the page frames, the page lock table and the registry of live
// objects.
type Cache struct {
	locks   *lockmap.LockMap
	frames  *Frames
	nextKey atomic.Uint64
	nextObj atomic.Uint64

	mu      *sync.Mutex
	objects map[uint64]*Object
}

func NewCache(frames *Frames) *Cache {
	if frames == nil {
		frames = NewFrames(0, 0)
	}
	return &Cache{
		locks:   lockmap.MkLockMap(),
		frames:  frames,
		mu:      new(sync.Mutex),
		objects: make(map[uint64]*Object),
	}
}

func (c *Cache) Frames() *Frames {
	return c.frames
}

// NewObject registers a new, empty object.
func (c *Cache) NewObject(ops Ops) *Object {
	obj := &Object{
		id:    c.nextObj.Add(1),
		cache: c,
		ops:   ops,
		pages: shardmap.MkMap[*Page](),
		dmu:   new(sync.Mutex),
		dirty: make(map[uint64]struct{}),
	}
	c.mu.Lock()
	c.objects[obj.id] = obj
	c.mu.Unlock()
	return obj
}

// Forget drops obj from the registry. Its pages should already be
// reclaimed.
func (c *Cache) Forget(obj *Object) {
	c.mu.Lock()
	delete(c.objects, obj.id)
	c.mu.Unlock()
}

// Objects is a snapshot of the registered objects.
func (c *Cache) Objects() []*Object {
	c.mu.Lock()
	defer c.mu.Unlock()
	objs := make([]*Object, 0, len(c.objects))
	for _, o := range c.objects {
		objs = append(objs, o)
	}
	return objs
}

// NewDetached wraps frame in a page that belongs to no page table, as used
// for anonymous user memory. It starts with one reference, and frame is
// never returned to the allocator.
func (c *Cache) NewDetached(obj *Object, index uint64, frame []byte) *Page {
	p := newPage(obj, c.nextKey.Add(1), index, frame)
	p.refs.Store(1)
	p.detached = true
	p.foreign = true
	return p
}

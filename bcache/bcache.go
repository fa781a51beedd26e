// Package bcache is the buffer cache engine for block-backed objects: it
// populates pages from the device, writes dirty block ranges back, and
// transfers directly between devices and user memory.
package bcache

import (
	"sync"
	"time"

	"github.com/mit-pdos/go-bcache/blockdev"
	"github.com/mit-pdos/go-bcache/buf"
	"github.com/mit-pdos/go-bcache/inode"
	"github.com/mit-pdos/go-bcache/page"
	"github.com/mit-pdos/go-bcache/util"
)

type Config struct {
	// FlushInterval, if positive, starts a background flusher that writes
	// dirty pages back this often.
	FlushInterval time.Duration
	// Slab allocates block buffers; nil means the process-wide slab.
	Slab *buf.Slab
	// Frames backs cached pages; nil means a fresh, unlimited allocator.
	Frames *page.Frames
}

func DefaultConfig() Config {
	return Config{
		FlushInterval: 5 * time.Second,
	}
}

type Engine struct {
	slab    *buf.Slab
	cache   *page.Cache
	flusher *Flusher

	mu      *sync.Mutex
	inodes  map[*page.Object]*inode.Inode
	devinos map[*blockdev.Device]*inode.Inode
	nextIno inode.Inum
}

func MkEngine(cfg Config) *Engine {
	slab := cfg.Slab
	if slab == nil {
		slab = buf.Init()
	}
	e := &Engine{
		slab:    slab,
		cache:   page.NewCache(cfg.Frames),
		mu:      new(sync.Mutex),
		inodes:  make(map[*page.Object]*inode.Inode),
		devinos: make(map[*blockdev.Device]*inode.Inode),
		nextIno: 1,
	}
	if cfg.FlushInterval > 0 {
		e.flusher = startFlusher(e, cfg.FlushInterval)
	}
	return e
}

func (e *Engine) Cache() *page.Cache {
	return e.cache
}

func (e *Engine) Slab() *buf.Slab {
	return e.slab
}

// Flusher is the background flusher, or nil if none was configured.
func (e *Engine) Flusher() *Flusher {
	return e.flusher
}

// inodeOps routes page write-back and teardown for one inode's pages back
// into the engine.
type inodeOps struct {
	e  *Engine
	ip *inode.Inode
}

func (o *inodeOps) WritePage(p *page.Page) error {
	return o.e.WritePage(o.ip, p)
}

func (o *inodeOps) FreePage(p *page.Page) {
	o.e.FreePage(p)
}

// NewInode creates an inode of size bytes whose data lives on dev.
func (e *Engine) NewInode(dev *blockdev.Device, size uint64) *inode.Inode {
	obj := e.cache.NewObject(nil)
	e.mu.Lock()
	ip := inode.MkInode(e.nextIno, dev, obj, size)
	e.nextIno++
	e.inodes[obj] = ip
	e.mu.Unlock()
	obj.SetOps(&inodeOps{e: e, ip: ip})
	util.DPrintf(5, "bcache: inode %d on %s size %d\n", ip.Ino, dev.Name, size)
	return ip
}

// DeviceInode is the inode of dev itself, whose pages cache the raw device.
func (e *Engine) DeviceInode(dev *blockdev.Device) *inode.Inode {
	e.mu.Lock()
	ip, ok := e.devinos[dev]
	e.mu.Unlock()
	if ok {
		return ip
	}
	ip = e.NewInode(dev, dev.Bytes())
	e.mu.Lock()
	defer e.mu.Unlock()
	if cur, ok := e.devinos[dev]; ok {
		delete(e.inodes, ip.Pages)
		e.cache.Forget(ip.Pages)
		return cur
	}
	e.devinos[dev] = ip
	return ip
}

// Inodes is a snapshot of the live inodes.
func (e *Engine) Inodes() []*inode.Inode {
	e.mu.Lock()
	defer e.mu.Unlock()
	ips := make([]*inode.Inode, 0, len(e.inodes))
	for _, ip := range e.inodes {
		ips = append(ips, ip)
	}
	return ips
}

// Evict drops ip: its pages are written back and reclaimed, and its
// association list is torn down without being flushed.
func (e *Engine) Evict(ip *inode.Inode) error {
	err := ip.Pages.ReclaimAll()
	ip.Assoc.TearDown()
	e.mu.Lock()
	delete(e.inodes, ip.Pages)
	for dev, dip := range e.devinos {
		if dip == ip {
			delete(e.devinos, dev)
		}
	}
	e.mu.Unlock()
	e.cache.Forget(ip.Pages)
	return err
}

// WritebackAll starts write-back of every dirty page of every inode, and
// with wait also waits for it. Returns the first error.
func (e *Engine) WritebackAll(wait bool) error {
	var first error
	for _, ip := range e.Inodes() {
		if err := ip.Pages.WritePages(wait); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Shutdown stops the flusher and writes everything back.
func (e *Engine) Shutdown() error {
	if e.flusher != nil {
		e.flusher.Stop()
	}
	return e.WritebackAll(true)
}

// Package vm models the address spaces direct I/O transfers to and from:
// mapped regions of memory whose pages can be pinned for the duration of
// a request.
package vm

import (
	"fmt"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/mit-pdos/go-bcache/common"
	"github.com/mit-pdos/go-bcache/page"
	"github.com/mit-pdos/go-bcache/util"
)

type Kind uint8

const (
	// KindAnon is ordinary memory; its pages can be pinned.
	KindAnon Kind = iota
	// KindPFN is a raw physical mapping (device memory) with no page
	// structures behind it; it cannot be pinned.
	KindPFN
)

type Mapping struct {
	Start    uint64
	Len      uint64
	Kind     Kind
	Writable bool
	mem      []byte
}

func (m *Mapping) String() string {
	return fmt.Sprintf("map{%#x+%#x kind %d w %v}", m.Start, m.Len, m.Kind, m.Writable)
}

func (m *Mapping) contains(addr uint64) bool {
	return addr >= m.Start && addr < m.Start+m.Len
}

// AddressSpace is a set of non-overlapping, page-aligned mappings.
type AddressSpace struct {
	mu    *sync.RWMutex
	maps  []*Mapping // sorted by Start
	cache *page.Cache
	obj   *page.Object // owner of pinned pages
	next  uint64
}

const mmapBase = uint64(0x10000000)

func NewAddressSpace(cache *page.Cache) *AddressSpace {
	return &AddressSpace{
		mu:    new(sync.RWMutex),
		cache: cache,
		obj:   cache.NewObject(nil),
		next:  mmapBase,
	}
}

func (as *AddressSpace) insert(m *Mapping) error {
	if m.Start%common.PageSize != 0 || m.Len == 0 || m.Len%common.PageSize != 0 {
		return errors.Wrapf(common.ErrInvalid, "unaligned mapping %v", m)
	}
	i := sort.Search(len(as.maps), func(i int) bool { return as.maps[i].Start >= m.Start })
	if i > 0 && as.maps[i-1].Start+as.maps[i-1].Len > m.Start {
		return errors.Wrapf(common.ErrInvalid, "%v overlaps %v", m, as.maps[i-1])
	}
	if i < len(as.maps) && m.Start+m.Len > as.maps[i].Start {
		return errors.Wrapf(common.ErrInvalid, "%v overlaps %v", m, as.maps[i])
	}
	as.maps = append(as.maps, nil)
	copy(as.maps[i+1:], as.maps[i:])
	as.maps[i] = m
	if end := m.Start + m.Len; end > as.next {
		as.next = end
	}
	util.DPrintf(10, "vm: map %v\n", m)
	return nil
}

// Map creates a zero-filled mapping of length bytes at addr.
func (as *AddressSpace) Map(addr uint64, length uint64, kind Kind, writable bool) (*Mapping, error) {
	m := &Mapping{Start: addr, Len: length, Kind: kind, Writable: writable}
	if kind == KindAnon {
		m.mem = make([]byte, length)
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	if err := as.insert(m); err != nil {
		return nil, err
	}
	return m, nil
}

// MapBytes maps mem at a free page-aligned address and returns that
// address. Transfers through the mapping read and write mem itself; the
// tail of the last page past len(mem) is not accessible.
func (as *AddressSpace) MapBytes(mem []byte, writable bool) (uint64, error) {
	n := util.RoundUp(uint64(len(mem)), common.PageSize) * common.PageSize
	if n == 0 {
		n = common.PageSize
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	m := &Mapping{Start: as.next, Len: n, Kind: KindAnon, Writable: writable, mem: mem}
	if err := as.insert(m); err != nil {
		return 0, err
	}
	return m.Start, nil
}

// Bytes returns the memory backing the anonymous mapping at addr.
func (as *AddressSpace) Bytes(addr uint64) []byte {
	m := as.lookup(addr)
	if m == nil {
		return nil
	}
	return m.mem
}

func (as *AddressSpace) Unmap(addr uint64) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	for i, m := range as.maps {
		if m.Start == addr {
			as.maps = append(as.maps[:i], as.maps[i+1:]...)
			return nil
		}
	}
	return errors.Wrapf(common.ErrInvalid, "no mapping at %#x", addr)
}

func (as *AddressSpace) lookup(addr uint64) *Mapping {
	as.mu.RLock()
	defer as.mu.RUnlock()
	i := sort.Search(len(as.maps), func(i int) bool {
		return as.maps[i].Start+as.maps[i].Len > addr
	})
	if i < len(as.maps) && as.maps[i].contains(addr) {
		return as.maps[i]
	}
	return nil
}

// Copy moves len(b) bytes between b and the address space at addr: into
// the address space when toUser is set, out of it otherwise.
func (as *AddressSpace) Copy(addr uint64, b []byte, toUser bool) error {
	for len(b) > 0 {
		m := as.lookup(addr)
		if m == nil || m.Kind != KindAnon {
			return errors.Wrapf(common.ErrFault, "address %#x", addr)
		}
		if toUser && !m.Writable {
			return errors.Wrapf(common.ErrFault, "read-only address %#x", addr)
		}
		off := addr - m.Start
		if off >= uint64(len(m.mem)) {
			return errors.Wrapf(common.ErrFault, "address %#x", addr)
		}
		var n int
		if toUser {
			n = copy(m.mem[off:], b)
		} else {
			n = copy(b, m.mem[off:])
		}
		b = b[n:]
		addr += uint64(n)
	}
	return nil
}

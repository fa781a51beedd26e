package page

import (
	"github.com/mit-pdos/go-bcache/common"
)

// An Iterator yields pages that are locked and referenced. The consumer
// becomes responsible for both.
type Iterator interface {
	// Next returns the next page or nil when done.
	Next() *Page
	// Err reports why iteration stopped early, if it did.
	Err() error
}

type rangeIter struct {
	obj  *Object
	next common.Pgoff
	end  common.Pgoff
	err  error
}

// RangeIter yields pages [start, start+n) of obj that are not yet
// up-to-date, creating them as needed. Cached up-to-date pages are skipped.
func RangeIter(obj *Object, start common.Pgoff, n uint64) Iterator {
	return &rangeIter{obj: obj, next: start, end: start + n}
}

func (it *rangeIter) Next() *Page {
	for it.err == nil && it.next < it.end {
		index := it.next
		it.next++
		p, err := it.obj.FindOrCreatePage(index)
		if err != nil {
			it.err = err
			return nil
		}
		if p.Uptodate() {
			p.Unlock()
			p.Put()
			continue
		}
		return p
	}
	return nil
}

func (it *rangeIter) Err() error {
	return it.err
}

type sliceIter struct {
	pages []*Page
}

// Pages yields the given pages, which the caller has already locked and
// referenced on the consumer's behalf.
func Pages(pages ...*Page) Iterator {
	return &sliceIter{pages: pages}
}

func (it *sliceIter) Next() *Page {
	if len(it.pages) == 0 {
		return nil
	}
	p := it.pages[0]
	it.pages = it.pages[1:]
	return p
}

func (it *sliceIter) Err() error {
	return nil
}

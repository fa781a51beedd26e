package util

import (
	"sync/atomic"
)

// Failpoint makes the n-th future call to Hit report true, once. A zero
// Failpoint never fires.
type Failpoint struct {
	countdown atomic.Int64
}

// FailNth arms the failpoint so that the n-th call to Hit (counting from 1)
// fires. n <= 0 disarms it.
func (f *Failpoint) FailNth(n int64) {
	if n < 0 {
		n = 0
	}
	f.countdown.Store(n)
}

func (f *Failpoint) Disarm() {
	f.countdown.Store(0)
}

func (f *Failpoint) Hit() bool {
	for {
		c := f.countdown.Load()
		if c <= 0 {
			return false
		}
		if f.countdown.CompareAndSwap(c, c-1) {
			return c == 1
		}
	}
}

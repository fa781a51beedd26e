package bcache

import (
	"sync/atomic"
	"time"

	"github.com/golang/glog"

	"github.com/mit-pdos/go-bcache/util"
)

// Flusher periodically starts write-back of every dirty page the engine
// caches.
type Flusher struct {
	e        *Engine
	interval time.Duration
	kick     chan struct{}
	stop     chan struct{}
	done     chan struct{}
	rounds   atomic.Uint64
}

func startFlusher(e *Engine, interval time.Duration) *Flusher {
	f := &Flusher{
		e:        e,
		interval: interval,
		kick:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go func() { f.run() }()
	return f
}

func (f *Flusher) run() {
	defer close(f.done)
	t := time.NewTicker(f.interval)
	defer t.Stop()
	for {
		select {
		case <-f.stop:
			util.DPrintf(1, "flusher: shutdown\n")
			return
		case <-t.C:
		case <-f.kick:
		}
		if err := f.e.WritebackAll(false); err != nil {
			glog.Warningf("flusher: %v", err)
		}
		f.rounds.Add(1)
	}
}

// Kick asks for a round now rather than at the next tick.
func (f *Flusher) Kick() {
	select {
	case f.kick <- struct{}{}:
	default:
	}
}

// Rounds is the number of completed write-back rounds.
func (f *Flusher) Rounds() uint64 {
	return f.rounds.Load()
}

// Stop ends the flusher and waits for a round in progress to finish.
func (f *Flusher) Stop() {
	select {
	case <-f.stop:
	default:
		close(f.stop)
	}
	<-f.done
}

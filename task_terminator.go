package pcgc

import (
	"runtime"
	"sync/atomic"
	"time"
)

// taskTerminator lets workers agree that no work is left.
// Work only appears through workers that are not offering termination.
type taskTerminator struct {
	gang    *workerGang
	workers int32
	idle    int32
	hasWork func() bool
}

func newTaskTerminator(gang *workerGang, hasWork func() bool) *taskTerminator {
	return &taskTerminator{gang: gang, workers: int32(gang.workers), hasWork: hasWork}
}

func (terminator *taskTerminator) idleWorkers() int32 {
	return atomic.LoadInt32(&terminator.idle)
}

// offerTermination returns true once every worker is idle, false when work showed up
func (terminator *taskTerminator) offerTermination() bool {
	atomic.AddInt32(&terminator.idle, 1)
	for spins := 0; ; spins++ {
		terminator.gang.checkAborted()
		if atomic.LoadInt32(&terminator.idle) == terminator.workers {
			return true
		}
		if terminator.hasWork() {
			atomic.AddInt32(&terminator.idle, -1)
			return false
		}
		if spins < 64 {
			runtime.Gosched()
		} else {
			time.Sleep(50 * time.Microsecond)
		}
	}
}

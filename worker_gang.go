package pcgc

import (
	"context"
	"github.com/v2pro/plz/concurrent"
	"github.com/v2pro/plz/countlog"
	"sync"
	"sync/atomic"
)

type gangAbortedSignal struct{}

// workerGang runs one task per worker to completion. A panicking worker aborts
// the others and its panic is raised again in the caller of runParallel.
type workerGang struct {
	executor *concurrent.UnboundedExecutor
	workers  int
	aborted  int32
}

func newWorkerGang(executor *concurrent.UnboundedExecutor, workers int) *workerGang {
	return &workerGang{executor: executor, workers: workers}
}

func (gang *workerGang) isAborted() bool {
	return atomic.LoadInt32(&gang.aborted) != 0
}

// checkAborted unwinds a worker stuck waiting on an aborted gang
func (gang *workerGang) checkAborted() {
	if gang.isAborted() {
		panic(gangAbortedSignal{})
	}
}

func (gang *workerGang) runParallel(taskName string, task func(workerID int)) {
	atomic.StoreInt32(&gang.aborted, 0)
	var wg sync.WaitGroup
	var firstPanicLock sync.Mutex
	var firstPanic interface{}
	for i := 0; i < gang.workers; i++ {
		workerID := i
		wg.Add(1)
		gang.executor.Go(func(ctx context.Context) {
			defer wg.Done()
			defer func() {
				recovered := recover()
				if recovered == nil {
					return
				}
				if recovered == concurrent.StopSignal {
					panic(concurrent.StopSignal)
				}
				atomic.StoreInt32(&gang.aborted, 1)
				if _, isAbort := recovered.(gangAbortedSignal); isAbort {
					return
				}
				countlog.LogPanic(recovered)
				countlog.Error("event!gang.worker panicked", "task", taskName, "workerID", workerID, "err", recovered)
				firstPanicLock.Lock()
				if firstPanic == nil {
					firstPanic = recovered
				}
				firstPanicLock.Unlock()
			}()
			task(workerID)
		})
	}
	wg.Wait()
	if firstPanic != nil {
		panic(firstPanic)
	}
}

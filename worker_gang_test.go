package pcgc

import (
	"context"
	"github.com/stretchr/testify/require"
	"github.com/v2pro/plz/concurrent"
	"sync/atomic"
	"testing"
)

func Test_gang_raises_worker_panic(t *testing.T) {
	should := require.New(t)
	executor := concurrent.NewUnboundedExecutor()
	defer executor.StopAndWait(context.Background())
	gang := newWorkerGang(executor, 2)
	terminator := newTaskTerminator(gang, func() bool {
		return false
	})
	var terminated int32
	should.PanicsWithValue("boom", func() {
		gang.runParallel("failing", func(workerID int) {
			if workerID == 0 {
				panic("boom")
			}
			// the waiting worker is unwound instead of seeing a normal termination
			terminator.offerTermination()
			atomic.StoreInt32(&terminated, 1)
		})
	})
	should.True(gang.isAborted())
	should.Equal(int32(0), atomic.LoadInt32(&terminated))
}

func Test_gang_terminates_idle_workers(t *testing.T) {
	should := require.New(t)
	executor := concurrent.NewUnboundedExecutor()
	defer executor.StopAndWait(context.Background())
	gang := newWorkerGang(executor, 4)
	terminator := newTaskTerminator(gang, func() bool {
		return false
	})
	var terminated int32
	gang.runParallel("idle", func(workerID int) {
		if terminator.offerTermination() {
			atomic.AddInt32(&terminated, 1)
		}
	})
	should.False(gang.isAborted())
	should.Equal(int32(4), terminated)
}

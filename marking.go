package pcgc

import (
	"github.com/v2pro/plz/countlog"
	"sync"
	"sync/atomic"
)

// sharedMarkStack takes what workers spill from their local stacks
type sharedMarkStack struct {
	mutex    sync.Mutex
	objs     []Addr
	capacity int
	size     int64
}

func newSharedMarkStack(capacity int) *sharedMarkStack {
	return &sharedMarkStack{capacity: capacity}
}

func (stack *sharedMarkStack) isEmpty() bool {
	return atomic.LoadInt64(&stack.size) == 0
}

func (stack *sharedMarkStack) push(objs []Addr) {
	stack.mutex.Lock()
	defer stack.mutex.Unlock()
	if len(stack.objs)+len(objs) > stack.capacity {
		panic(&FatalError{Cause: MarkStackOverflowError, Event: "shared mark stack exhausted",
			Properties: []interface{}{"capacity", stack.capacity, "pushing", len(objs)}})
	}
	stack.objs = append(stack.objs, objs...)
	atomic.StoreInt64(&stack.size, int64(len(stack.objs)))
}

// popInto moves up to max objects onto local
func (stack *sharedMarkStack) popInto(local []Addr, max int) []Addr {
	stack.mutex.Lock()
	defer stack.mutex.Unlock()
	count := len(stack.objs)
	if count > max {
		count = max
	}
	local = append(local, stack.objs[len(stack.objs)-count:]...)
	stack.objs = stack.objs[:len(stack.objs)-count]
	atomic.StoreInt64(&stack.size, int64(len(stack.objs)))
	return local
}

type marker struct {
	ctx        *CollectionContext
	shared     *sharedMarkStack
	terminator *taskTerminator
	capacity   int
	local      []Addr
	marked     uint64
}

func (marker *marker) markAndPush(obj Addr) {
	if !marker.ctx.markObject(obj) {
		return
	}
	marker.marked++
	if len(marker.local) >= marker.capacity {
		half := len(marker.local) / 2
		marker.shared.push(marker.local[:half])
		marker.local = append(marker.local[:0], marker.local[half:]...)
	}
	marker.local = append(marker.local, obj)
}

func (marker *marker) drain() {
	ctx := marker.ctx
	for len(marker.local) > 0 {
		obj := marker.local[len(marker.local)-1]
		marker.local = marker.local[:len(marker.local)-1]
		ctx.model.VisitReferences(ctx.heap, obj, func(slot Addr) {
			if target := Addr(ctx.heap.Load(slot)); target != 0 {
				marker.markAndPush(target)
			}
		})
		// feed idle workers
		if len(marker.local) > 1 && marker.shared.isEmpty() && marker.terminator.idleWorkers() > 0 {
			half := len(marker.local) / 2
			marker.shared.push(marker.local[:half])
			marker.local = append(marker.local[:0], marker.local[half:]...)
		}
	}
}

func (marker *marker) run(roots []Addr, workerID int, workers int) {
	for i := workerID; i < len(roots); i += workers {
		marker.markAndPush(roots[i])
	}
	for {
		marker.drain()
		marker.local = marker.shared.popInto(marker.local, marker.capacity/2+1)
		if len(marker.local) > 0 {
			continue
		}
		if marker.terminator.offerTermination() {
			return
		}
	}
}

// markingPhase marks everything reachable from the roots and accounts it in the compaction map
func (collector *Collector) markingPhase(ctx *CollectionContext) {
	var roots []Addr
	collector.roots.ForEachRoot(func(root *Addr) {
		if *root != 0 {
			roots = append(roots, *root)
		}
	})
	gang := collector.gang
	shared := newSharedMarkStack(collector.cfg.OverflowStackCapacity)
	terminator := newTaskTerminator(gang, func() bool {
		return !shared.isEmpty()
	})
	markers := make([]*marker, gang.workers)
	for i := range markers {
		markers[i] = &marker{
			ctx:        ctx,
			shared:     shared,
			terminator: terminator,
			capacity:   collector.cfg.MarkStackCapacity,
			local:      make([]Addr, 0, collector.cfg.MarkStackCapacity),
		}
	}
	gang.runParallel("marking", func(workerID int) {
		markers[workerID].run(roots, workerID, gang.workers)
	})
	for _, marker := range markers {
		ctx.stats.MarkedObjects += marker.marked
	}
	for id := range ctx.spaces {
		space := ctx.spaces[id].space
		if space.Bottom() == space.Top() {
			continue
		}
		ctx.stats.LiveWords += ctx.bitmap.LiveWordsInRange(space.Bottom(), space.Top())
	}
	countlog.Debug("event!marking.done",
		"cycle", ctx.cycle,
		"roots", len(roots),
		"markedObjects", ctx.stats.MarkedObjects,
		"liveWords", ctx.stats.LiveWords)
}

package pcgc

import (
	"bytes"
	"context"
	"fmt"
	"github.com/esdb/pcgc/gcdump"
	"github.com/hashicorp/golang-lru"
	"github.com/v2pro/plz"
	"github.com/v2pro/plz/concurrent"
	"github.com/v2pro/plz/countlog"
	"io"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"
)

// Collector compacts one heap. Collections are serialized, the queries may be called
// from any goroutine including a PhaseListener.
type Collector struct {
	// first for 64 bit atomic alignment
	invocations     uint64
	cfg             Config
	heap            *Heap
	model           ObjectModel
	roots           RootProvider
	bitmap          *MarkBitmap
	cmap            *CompactionMap
	forwardingCache *lru.ARCCache
	executor        *concurrent.UnboundedExecutor
	gang            *workerGang
	dumper          *gcdump.Dumper
	mutex           *sync.Mutex
	// *CollectionContext of the latest cycle, kept until the next one starts
	currentContext         unsafe.Pointer
	maximumCompactionCycle uint64
	broken                 bool
	closed                 bool
}

func NewCollector(vm VirtualMemory, heap *Heap, model ObjectModel, roots RootProvider, cfg Config) (*Collector, error) {
	cfg.fillDefaults(heap.Log2RegionSize())
	bitmap, err := NewMarkBitmap(vm, heap.Base(), heap.End())
	if err != nil {
		return nil, err
	}
	cmap, err := NewCompactionMap(vm, bitmap, heap.Log2RegionSize(), cfg.Log2BlockSize)
	if err != nil {
		bitmap.Close()
		return nil, err
	}
	forwardingCache, err := lru.NewARC(cfg.ForwardingCacheSize)
	if err != nil {
		plz.CloseAll([]io.Closer{cmap, bitmap})
		return nil, err
	}
	var dumper *gcdump.Dumper
	if cfg.DumpDirectory != "" {
		dumper, err = gcdump.New(cfg.DumpDirectory)
		if err != nil {
			plz.CloseAll([]io.Closer{cmap, bitmap})
			return nil, err
		}
	}
	executor := concurrent.NewUnboundedExecutor()
	collector := &Collector{
		cfg:             cfg,
		heap:            heap,
		model:           model,
		roots:           roots,
		bitmap:          bitmap,
		cmap:            cmap,
		forwardingCache: forwardingCache,
		executor:        executor,
		gang:            newWorkerGang(executor, cfg.ParallelGCThreads),
		dumper:          dumper,
		mutex:           &sync.Mutex{},
	}
	countlog.Debug("event!collector.created",
		"workers", cfg.ParallelGCThreads,
		"regions", cmap.RegionCount(),
		"blockSize", cmap.BlockSize())
	return collector, nil
}

// Invoke runs a full collection, false means the live data could not be planned into the heap
func (collector *Collector) Invoke(maximumEffort bool) bool {
	_, err := collector.Collect(maximumEffort)
	if err != nil {
		countlog.Warn("event!collector.invoke failed", "err", err)
		return false
	}
	return true
}

// Collect marks, plans and compacts the heap. A FatalError is panicked when an invariant
// breaks in the middle of moving objects, the collector refuses to run afterwards.
func (collector *Collector) Collect(maximumEffort bool) (*CollectionStats, error) {
	collector.mutex.Lock()
	defer collector.mutex.Unlock()
	if collector.closed {
		return nil, CollectorClosedError
	}
	if collector.broken {
		return nil, CollectorBrokenError
	}
	if err := collector.releaseContext(); err != nil {
		return nil, err
	}
	cycle := atomic.AddUint64(&collector.invocations, 1)
	ctx := newCollectionContext(cycle, collector.heap, collector.model,
		collector.bitmap, collector.cmap, collector.forwardingCache)
	atomic.StorePointer(&collector.currentContext, unsafe.Pointer(ctx))
	countlog.Info("event!collector.start",
		"cycle", ctx.cycle,
		"maximumEffort", maximumEffort,
		"oldUsed", collector.heap.Space(OldSpace).UsedWords(),
		"edenUsed", collector.heap.Space(EdenSpace).UsedWords())
	defer func() {
		recovered := recover()
		if recovered == nil {
			return
		}
		collector.broken = true
		collector.reportFatal(ctx, recovered)
		panic(recovered)
	}()

	start := time.Now()
	collector.markingPhase(ctx)
	ctx.stats.MarkingTime = time.Since(start)
	collector.enterPhase(ctx, PhaseMarked)

	start = time.Now()
	err := collector.summaryPhase(ctx, maximumEffort)
	ctx.stats.SummaryTime = time.Since(start)
	ctx.stats.MaximumCompaction = ctx.maximumCompaction
	if err != nil {
		countlog.Error("event!collector.planning failed", "cycle", ctx.cycle, "err", err)
		stats := ctx.stats
		return &stats, err
	}
	collector.enterPhase(ctx, PhaseSummarized)

	start = time.Now()
	collector.compactionPhase(ctx)
	for id := SpaceID(0); id < spaceCount; id++ {
		collector.heap.setTop(id, ctx.spaces[id].newTop)
	}
	ctx.stats.CompactionTime = time.Since(start)
	collector.enterPhase(ctx, PhaseCompacted)

	if collector.cfg.VerifyAfterCompaction {
		if err := VerifyHeap(collector.heap, collector.model); err != nil {
			panic(&FatalError{Cause: err, Event: "heap not parsable after compaction", Properties: []interface{}{
				"cycle", ctx.cycle,
			}})
		}
	}
	countlog.Info("event!collector.done",
		"cycle", ctx.cycle,
		"maximumCompaction", ctx.stats.MaximumCompaction,
		"liveWords", ctx.stats.LiveWords,
		"movedWords", ctx.stats.MovedWords,
		"markingTime", ctx.stats.MarkingTime,
		"summaryTime", ctx.stats.SummaryTime,
		"compactionTime", ctx.stats.CompactionTime)
	stats := ctx.stats
	return &stats, nil
}

func (collector *Collector) enterPhase(ctx *CollectionContext, phase Phase) {
	ctx.setPhase(phase)
	countlog.Trace("event!collector.phase", "cycle", ctx.cycle, "phase", phase)
	if collector.cfg.PhaseListener != nil {
		collector.cfg.PhaseListener(phase)
	}
}

// releaseContext drops the previous cycle, waiting for readers still holding it
func (collector *Collector) releaseContext() error {
	ctx := (*CollectionContext)(atomic.SwapPointer(&collector.currentContext, nil))
	if ctx == nil {
		return nil
	}
	ctx.Close()
	return ctx.Wait()
}

// acquireContext returns nil before the first cycle, the caller must Close what it gets
func (collector *Collector) acquireContext() *CollectionContext {
	ctx := (*CollectionContext)(atomic.LoadPointer(&collector.currentContext))
	if ctx == nil || !ctx.Acquire() {
		return nil
	}
	return ctx
}

// IsMarked reports whether marking in the latest cycle found an object starting at addr.
// The answer refers to addresses before compaction.
func (collector *Collector) IsMarked(addr Addr) bool {
	ctx := collector.acquireContext()
	if ctx == nil {
		return false
	}
	defer ctx.Close()
	if !collector.heap.Contains(addr) {
		return false
	}
	return ctx.bitmap.IsMarked(addr)
}

// CalcNewPointer maps the address of a live object to where the latest cycle moves it
func (collector *Collector) CalcNewPointer(addr Addr) (Addr, bool) {
	ctx := collector.acquireContext()
	if ctx == nil {
		return 0, false
	}
	defer ctx.Close()
	if ctx.Phase() < PhaseSummarized || !collector.heap.Contains(addr) || !ctx.bitmap.IsMarked(addr) {
		return 0, false
	}
	if cached, found := ctx.forwardingCache.Get(addr); found {
		return cached.(Addr), true
	}
	newAddr := ctx.cmap.CalcNewPointer(addr)
	ctx.forwardingCache.Add(addr, newAddr)
	return newAddr, true
}

// NewTop is the planned top of the space, its current top until a plan exists
func (collector *Collector) NewTop(id SpaceID) Addr {
	ctx := collector.acquireContext()
	if ctx == nil {
		return collector.heap.Space(id).Top()
	}
	defer ctx.Close()
	if ctx.Phase() < PhaseSummarized {
		return collector.heap.Space(id).Top()
	}
	return ctx.spaces[id].newTop
}

// DensePrefix is where compaction of the space starts, its bottom until a plan exists
func (collector *Collector) DensePrefix(id SpaceID) Addr {
	ctx := collector.acquireContext()
	if ctx == nil {
		return collector.heap.Space(id).Bottom()
	}
	defer ctx.Close()
	if ctx.Phase() < PhaseSummarized {
		return collector.heap.Space(id).Bottom()
	}
	return ctx.spaces[id].densePrefix
}

// Invocations counts started cycles, it does not wait for a running one
func (collector *Collector) Invocations() uint64 {
	return atomic.LoadUint64(&collector.invocations)
}

// PrintOnError writes the plan and the region table of the latest cycle
func (collector *Collector) PrintOnError(writer io.Writer) {
	ctx := collector.acquireContext()
	if ctx == nil {
		fmt.Fprintln(writer, "no collection yet")
		return
	}
	defer ctx.Close()
	printSnapshot(writer, ctx.snapshot(""))
}

// DumpRegions writes the region table of the latest cycle and returns the dump sequence
func (collector *Collector) DumpRegions(reason string) (uint64, error) {
	if collector.dumper == nil {
		return 0, DumpDisabledError
	}
	ctx := collector.acquireContext()
	if ctx == nil {
		return 0, fmt.Errorf("no collection to dump")
	}
	defer ctx.Close()
	return collector.dumper.Write(ctx.snapshot(reason))
}

func (collector *Collector) reportFatal(ctx *CollectionContext, recovered interface{}) {
	countlog.Fatal("event!collector.fatal",
		"cycle", ctx.cycle,
		"phase", ctx.Phase(),
		"err", recovered,
		"stacktrace", countlog.ProvideStacktrace)
	var buf bytes.Buffer
	printSnapshot(&buf, ctx.snapshot(fmt.Sprint(recovered)))
	countlog.Error("event!collector.region statistics", "cycle", ctx.cycle, "regions", buf.String())
	if collector.dumper == nil {
		return
	}
	seq, err := collector.dumper.Write(ctx.snapshot(fmt.Sprint(recovered)))
	countlog.TraceCall("callee!gcdump.Write", err, "seq", seq, "directory", collector.dumper.Directory())
}

func (collector *Collector) Close() error {
	collector.mutex.Lock()
	defer collector.mutex.Unlock()
	if collector.closed {
		return nil
	}
	collector.closed = true
	releaseErr := collector.releaseContext()
	collector.executor.StopAndWait(context.Background())
	return mergeErrors(releaseErr, collector.cmap.Close(), collector.bitmap.Close())
}

package pcgc

import (
	"fmt"
	"github.com/esdb/pcgc/ref"
	"github.com/hashicorp/golang-lru"
	"github.com/v2pro/plz/countlog"
	"io"
	"sync/atomic"
	"time"
)

// SpaceInfo is the plan of one space for the current cycle
type SpaceInfo struct {
	space       *Space
	newTop      Addr
	densePrefix Addr
	split       SplitInfo
	// object starting in the dense prefix and ending past it, updated after compaction
	deferredObj Addr
}

func (info *SpaceInfo) Space() *Space {
	return info.space
}

func (info *SpaceInfo) NewTop() Addr {
	return info.newTop
}

func (info *SpaceInfo) DensePrefix() Addr {
	return info.densePrefix
}

func (info *SpaceInfo) SplitInfo() *SplitInfo {
	return &info.split
}

type CollectionStats struct {
	Cycle             uint64
	MaximumCompaction bool
	MarkedObjects     uint64
	LiveWords         uint64
	MovedWords        uint64
	FilledRegions     uint64
	ShadowRegions     uint64
	DeferredObjects   uint64
	DeadWoodWords     uint64
	MarkingTime       time.Duration
	SummaryTime       time.Duration
	CompactionTime    time.Duration
}

// CollectionContext carries the state of one cycle to every task.
// Releasing the last reference resets the mark bitmap and the compaction map for the next cycle.
type CollectionContext struct {
	*ref.ReferenceCounted
	cycle             uint64
	heap              *Heap
	model             ObjectModel
	bitmap            *MarkBitmap
	cmap              *CompactionMap
	forwardingCache   *lru.ARCCache
	spaces            [spaceCount]SpaceInfo
	maximumCompaction bool
	phase             int32
	stats             CollectionStats
}

type tableReset struct {
	bitmap          *MarkBitmap
	cmap            *CompactionMap
	forwardingCache *lru.ARCCache
}

func (reset *tableReset) Close() error {
	reset.forwardingCache.Purge()
	return mergeErrors(reset.bitmap.Clear(), reset.cmap.Clear())
}

func newCollectionContext(cycle uint64, heap *Heap, model ObjectModel,
	bitmap *MarkBitmap, cmap *CompactionMap, forwardingCache *lru.ARCCache) *CollectionContext {
	ctx := &CollectionContext{
		cycle:           cycle,
		heap:            heap,
		model:           model,
		bitmap:          bitmap,
		cmap:            cmap,
		forwardingCache: forwardingCache,
		stats:           CollectionStats{Cycle: cycle},
	}
	for id := SpaceID(0); id < spaceCount; id++ {
		space := heap.Space(id)
		ctx.spaces[id] = SpaceInfo{space: space, newTop: space.Top(), densePrefix: space.Bottom()}
	}
	ctx.ReferenceCounted = ref.NewReferenceCounted(fmt.Sprintf("collection %d", cycle), []io.Closer{
		&tableReset{bitmap: bitmap, cmap: cmap, forwardingCache: forwardingCache},
	}...)
	return ctx
}

func (ctx *CollectionContext) Cycle() uint64 {
	return ctx.cycle
}

func (ctx *CollectionContext) SpaceInfo(id SpaceID) *SpaceInfo {
	return &ctx.spaces[id]
}

func (ctx *CollectionContext) Phase() Phase {
	return Phase(atomic.LoadInt32(&ctx.phase))
}

func (ctx *CollectionContext) setPhase(phase Phase) {
	atomic.StoreInt32(&ctx.phase, int32(phase))
}

// markObject returns true when obj was not marked before
func (ctx *CollectionContext) markObject(obj Addr) bool {
	if !ctx.heap.Contains(obj) {
		panic(newFatalError("reference outside of heap", "obj", obj))
	}
	words := ctx.model.SizeOf(ctx.heap, obj)
	if !ctx.bitmap.Mark(obj, words) {
		return false
	}
	ctx.cmap.AddObj(obj, words)
	return true
}

// updateContents rewrites every reference held by the object at obj to its new location
func (ctx *CollectionContext) updateContents(obj Addr) {
	ctx.model.VisitReferences(ctx.heap, obj, func(slot Addr) {
		target := Addr(ctx.heap.Load(slot))
		if target == 0 {
			return
		}
		ctx.heap.Store(slot, uint64(ctx.calcNewPointer(target)))
	})
}

func (ctx *CollectionContext) calcNewPointer(obj Addr) Addr {
	if !ctx.heap.Contains(obj) {
		panic(newFatalError("reference outside of heap", "obj", obj))
	}
	return ctx.cmap.CalcNewPointer(obj)
}

func (ctx *CollectionContext) spaceOf(addr Addr) *SpaceInfo {
	return &ctx.spaces[ctx.heap.SpaceOf(addr)]
}

func (ctx *CollectionContext) logSpaces(event string) {
	if !countlog.ShouldLog(countlog.LevelDebug) {
		return
	}
	for id := range ctx.spaces {
		info := &ctx.spaces[id]
		countlog.Debug(event,
			"cycle", ctx.cycle,
			"space", info.space.ID(),
			"bottom", info.space.Bottom(),
			"top", info.space.Top(),
			"newTop", info.newTop,
			"densePrefix", info.densePrefix,
			"splitRegion", info.split.SrcRegionIdx())
	}
}

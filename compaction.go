package pcgc

import (
	"github.com/v2pro/plz/countlog"
	"sync/atomic"
)

type compactionTask struct {
	ctx          *CollectionContext
	cfg          *compactionConfig
	gang         *workerGang
	workers      []*compactionWorker
	shadows      *regionStack
	terminator   *taskTerminator
	oldNewTopIdx uint64
}

type compactionWorker struct {
	task  *compactionTask
	ctx   *CollectionContext
	id    int
	stack *regionStack
	// next old space region this worker tries to fill through a shadow region
	nextShadowRegion uint64
	filledRegions    uint64
	shadowRegions    uint64
	movedWords       uint64
}

// compactionPhase moves every live object to the place planned by the summary phase
func (collector *Collector) compactionPhase(ctx *CollectionContext) {
	collector.roots.ForEachRoot(func(root *Addr) {
		if *root != 0 {
			*root = ctx.calcNewPointer(*root)
		}
	})
	task := newCompactionTask(ctx, &collector.cfg.compactionConfig, collector.gang)
	task.prepareRegionDraining()
	if !task.cfg.DisableShadowRegions {
		task.prepareShadowRegions()
	}
	task.gang.runParallel("compaction", func(workerID int) {
		worker := task.workers[workerID]
		worker.updateDensePrefix()
		worker.drainRegions()
	})
	task.updateDeferredObjects()
	task.verifyCompleted()
	for _, worker := range task.workers {
		ctx.stats.FilledRegions += worker.filledRegions
		ctx.stats.ShadowRegions += worker.shadowRegions
		ctx.stats.MovedWords += worker.movedWords
	}
	countlog.Debug("event!compaction.done",
		"cycle", ctx.cycle,
		"filledRegions", ctx.stats.FilledRegions,
		"shadowRegions", ctx.stats.ShadowRegions,
		"movedWords", ctx.stats.MovedWords,
		"deferredObjects", ctx.stats.DeferredObjects)
}

func newCompactionTask(ctx *CollectionContext, cfg *compactionConfig, gang *workerGang) *compactionTask {
	task := &compactionTask{
		ctx:     ctx,
		cfg:     cfg,
		gang:    gang,
		shadows: &regionStack{},
	}
	task.workers = make([]*compactionWorker, gang.workers)
	for i := range task.workers {
		task.workers[i] = &compactionWorker{
			task:  task,
			ctx:   ctx,
			id:    i,
			stack: &regionStack{},
		}
	}
	task.terminator = newTaskTerminator(gang, task.hasWork)
	return task
}

// prepareRegionDraining hands the regions that can be filled right away to the workers, round robin
func (task *compactionTask) prepareRegionDraining() {
	cmap := task.ctx.cmap
	workerID := 0
	for id := ToSpace; id >= OldSpace; id-- {
		info := &task.ctx.spaces[id]
		begIdx := cmap.AddrToRegionIdx(info.densePrefix)
		endIdx := cmap.AddrToRegionIdx(cmap.RegionAlignUp(info.newTop))
		for cur := endIdx; cur > begIdx; cur-- {
			region := cmap.Region(cur - 1)
			if !region.ClaimUnsafe() {
				continue
			}
			region.MarkNormal()
			task.workers[workerID].stack.push(cur - 1)
			workerID = (workerID + 1) % len(task.workers)
		}
	}
}

// prepareShadowRegions pools the regions no live data will ever land in
func (task *compactionTask) prepareShadowRegions() {
	cmap := task.ctx.cmap
	for id := range task.ctx.spaces {
		info := &task.ctx.spaces[id]
		space := info.space
		begIdx := cmap.AddrToRegionIdx(cmap.RegionAlignUp(maxAddr(info.newTop, space.Top())))
		endIdx := cmap.AddrToRegionIdx(cmap.RegionAlignDown(space.End()))
		for cur := begIdx; cur < endIdx; cur++ {
			if cur == 0 {
				continue
			}
			task.shadows.push(cur)
		}
	}
	old := &task.ctx.spaces[OldSpace]
	task.oldNewTopIdx = cmap.AddrToRegionIdx(old.newTop)
	firstIdx := cmap.AddrToRegionIdx(old.densePrefix)
	for i, worker := range task.workers {
		worker.nextShadowRegion = firstIdx + uint64(i)
	}
	countlog.Trace("event!compaction.shadow regions",
		"pooled", task.shadows.len(), "firstIdx", firstIdx, "oldNewTopIdx", task.oldNewTopIdx)
}

func (task *compactionTask) hasWork() bool {
	for _, worker := range task.workers {
		if !worker.stack.isEmpty() {
			return true
		}
	}
	if task.cfg.DisableShadowRegions || task.shadows.isEmpty() {
		return false
	}
	for _, worker := range task.workers {
		if atomic.LoadUint64(&worker.nextShadowRegion) < task.oldNewTopIdx {
			return true
		}
	}
	return false
}

func (task *compactionTask) copyBack(shadowIdx uint64, regionIdx uint64) {
	cmap := task.ctx.cmap
	task.ctx.heap.CopyWords(cmap.RegionToAddr(shadowIdx), cmap.RegionToAddr(regionIdx), cmap.RegionSize())
}

func (worker *compactionWorker) drainRegions() {
	task := worker.task
	useShadows := !task.cfg.DisableShadowRegions
	for {
		if useShadows && task.cfg.PreferShadowRegions && worker.fillThroughShadow() {
			continue
		}
		if regionIdx, found := worker.stack.pop(); found {
			worker.fillAndUpdateRegion(regionIdx)
			continue
		}
		if regionIdx, found := worker.steal(); found {
			worker.fillAndUpdateRegion(regionIdx)
			continue
		}
		if useShadows && worker.fillThroughShadow() {
			continue
		}
		if task.terminator.offerTermination() {
			return
		}
	}
}

func (worker *compactionWorker) steal() (uint64, bool) {
	workers := worker.task.workers
	for i := 1; i < len(workers); i++ {
		victim := workers[(worker.id+i)%len(workers)]
		if regionIdx, found := victim.stack.pop(); found {
			return regionIdx, true
		}
	}
	return 0, false
}

func (worker *compactionWorker) fillAndUpdateRegion(regionIdx uint64) {
	worker.fillRegion(newMoveAndUpdateClosure(worker.ctx, regionIdx), regionIdx)
}

// fillThroughShadow fills an old space region whose data is still needed into a spare region.
// The copy back happens once the destination count of the region drops to zero.
func (worker *compactionWorker) fillThroughShadow() bool {
	regionIdx, shadowIdx, found := worker.stealUnavailableRegion()
	if !found {
		return false
	}
	region := worker.ctx.cmap.Region(regionIdx)
	if region.Claimed() {
		// became available before it was filled, whoever claimed it left it to us
		region.ShadowToNormal()
		worker.task.shadows.push(shadowIdx)
		worker.fillAndUpdateRegion(regionIdx)
		return true
	}
	worker.shadowRegions++
	worker.fillRegion(newMoveAndUpdateShadowClosure(worker.ctx, regionIdx, shadowIdx), regionIdx)
	return true
}

func (worker *compactionWorker) stealUnavailableRegion() (uint64, uint64, bool) {
	task := worker.task
	if atomic.LoadUint64(&worker.nextShadowRegion) >= task.oldNewTopIdx {
		return 0, 0, false
	}
	shadowIdx, found := task.shadows.pop()
	if !found {
		return 0, 0, false
	}
	step := uint64(len(task.workers))
	for {
		next := atomic.LoadUint64(&worker.nextShadowRegion)
		if next >= task.oldNewTopIdx {
			break
		}
		atomic.StoreUint64(&worker.nextShadowRegion, next+step)
		if worker.ctx.cmap.Region(next).MarkShadow() {
			return next, shadowIdx, true
		}
	}
	task.shadows.push(shadowIdx)
	return 0, 0, false
}

func (worker *compactionWorker) fillRegion(closure *moveAndUpdateClosure, regionIdx uint64) {
	ctx := worker.ctx
	cmap := ctx.cmap
	bitmap := ctx.bitmap
	region := cmap.Region(regionIdx)

	srcRegionIdx := region.SourceRegion()
	srcInfo := ctx.spaceOf(cmap.RegionToAddr(srcRegionIdx))
	srcSpaceTop := srcInfo.space.Top()
	destAddr := cmap.RegionToAddr(regionIdx)
	closure.SetSource(worker.firstSrcAddr(destAddr, srcInfo, srcRegionIdx))

	// a region copied into itself does not count itself as a destination
	if srcRegionIdx == regionIdx {
		srcRegionIdx++
	}

	if bitmap.IsUnmarked(closure.source) {
		// the first source word is inside an object, its reference updates are deferred
		// to whoever copies the start of that object
		oldSrcAddr := closure.source
		closure.copyPartialObj()
		if closure.isFull() {
			worker.decrementDestinationCounts(srcInfo, srcRegionIdx, closure.source)
			region.SetDeferredObjAddr(0)
			worker.completeRegion(closure, regionIdx)
			return
		}
		endAddr := cmap.RegionAlignDown(closure.source)
		if cmap.RegionAlignDown(oldSrcAddr) != endAddr {
			// the partial object was copied from more than one source region
			worker.decrementDestinationCounts(srcInfo, srcRegionIdx, endAddr)
			srcInfo, srcSpaceTop, srcRegionIdx = worker.nextSrcRegion(closure, srcInfo, srcSpaceTop, endAddr)
		}
	}

	for {
		curAddr := closure.source
		endAddr := minAddr(cmap.RegionAlignUp(curAddr+1), srcSpaceTop)
		status := bitmap.Iterate(closure, curAddr, endAddr)
		if status == IterationIncomplete {
			// the last object starting in the source region ends in a later one
			objBeg := closure.source
			rangeEnd := minAddr(objBeg+Addr(closure.wordsRemaining), srcSpaceTop)
			objEnd := bitmap.FindObjEnd(objBeg, rangeEnd)
			if objEnd < rangeEnd {
				status = closure.DoAddr(objBeg, bitmap.ObjSize(objBeg, objEnd))
			} else {
				status = IterationWouldOverflow
			}
		}
		switch status {
		case IterationWouldOverflow:
			// copy what fits, the references get updated once the whole object is in place
			region.SetDeferredObjAddr(closure.destination)
			closure.copyUntilFull()
			worker.decrementDestinationCounts(srcInfo, srcRegionIdx, closure.source)
			worker.completeRegion(closure, regionIdx)
			return
		case IterationFull:
			worker.decrementDestinationCounts(srcInfo, srcRegionIdx, closure.source)
			region.SetDeferredObjAddr(0)
			worker.completeRegion(closure, regionIdx)
			return
		}
		worker.decrementDestinationCounts(srcInfo, srcRegionIdx, endAddr)
		srcInfo, srcSpaceTop, srcRegionIdx = worker.nextSrcRegion(closure, srcInfo, srcSpaceTop, endAddr)
	}
}

func (worker *compactionWorker) completeRegion(closure *moveAndUpdateClosure, regionIdx uint64) {
	region := worker.ctx.cmap.Region(regionIdx)
	worker.filledRegions++
	worker.movedWords += closure.movedWords
	if !closure.isShadow() {
		region.SetCompleted()
		return
	}
	region.SetShadowRegion(closure.shadowRegion)
	region.MarkFilled()
	// the worker draining the last source of the region copies back if we lose this race
	if ((region.Available() && region.Claim()) || region.Claimed()) && region.MarkCopied() {
		worker.task.copyBack(closure.shadowRegion, regionIdx)
		worker.task.shadows.push(closure.shadowRegion)
		region.SetCompleted()
	}
}

// firstSrcAddr finds the first live word that belongs at destAddr
func (worker *compactionWorker) firstSrcAddr(destAddr Addr, srcInfo *SpaceInfo, srcRegionIdx uint64) Addr {
	split := &srcInfo.split
	if split.DestRegionAddr() == destAddr {
		return split.FirstSrcAddr()
	}
	cmap := worker.ctx.cmap
	bitmap := worker.ctx.bitmap
	srcRegion := cmap.Region(srcRegionIdx)
	partialObjSize := srcRegion.PartialObjSize()
	srcRegionDestination := srcRegion.Destination()
	if destAddr < srcRegionDestination || srcRegion.DataSize() == 0 {
		panic(newFatalError("wrong source region",
			"destAddr", destAddr, "srcRegion", srcRegionIdx, "srcDestination", srcRegionDestination))
	}
	srcRegionBeg := cmap.RegionToAddr(srcRegionIdx)
	srcRegionEnd := srcRegionBeg + Addr(cmap.RegionSize())
	addr := srcRegionBeg
	if destAddr == srcRegionDestination {
		if partialObjSize == 0 {
			addr = bitmap.FindObjBeg(addr, srcRegionEnd)
		}
		return addr
	}
	wordsToSkip := uint64(destAddr - srcRegionDestination)
	if partialObjSize >= wordsToSkip {
		addr += Addr(wordsToSkip)
		if partialObjSize == wordsToSkip {
			addr = bitmap.FindObjBeg(addr, srcRegionEnd)
		}
		return addr
	}
	if partialObjSize != 0 {
		wordsToSkip -= partialObjSize
		addr += Addr(partialObjSize)
	}
	return worker.skipLiveWords(addr, srcRegionEnd, wordsToSkip)
}

// skipLiveWords returns the address count live words past beg
func (worker *compactionWorker) skipLiveWords(beg Addr, end Addr, count uint64) Addr {
	bitmap := worker.ctx.bitmap
	cur := beg
	for count > 0 {
		cur = bitmap.FindObjBeg(cur, end)
		if cur >= end {
			panic(newFatalError("ran out of live words to skip", "beg", beg, "end", end, "count", count))
		}
		objSize := bitmap.ObjSizeAt(cur)
		if objSize > count {
			return cur + Addr(count)
		}
		count -= objSize
		cur += Addr(objSize)
	}
	if cur >= end {
		panic(newFatalError("no live word after skipping", "beg", beg, "end", end))
	}
	return bitmap.FindObjBeg(cur, end)
}

// nextSrcRegion moves the closure past empty regions, into the next space that
// compacts elsewhere when the current one is exhausted
func (worker *compactionWorker) nextSrcRegion(closure *moveAndUpdateClosure,
	srcInfo *SpaceInfo, srcSpaceTop Addr, endAddr Addr) (*SpaceInfo, Addr, uint64) {
	ctx := worker.ctx
	cmap := ctx.cmap
	idx := cmap.AddrToRegionIdx(cmap.RegionAlignUp(endAddr))
	topIdx := cmap.AddrToRegionIdx(cmap.RegionAlignUp(srcSpaceTop))
	for idx < topIdx && cmap.Region(idx).DataSize() == 0 {
		idx++
	}
	if idx < topIdx {
		if addr := cmap.RegionToAddr(idx); addr > closure.source {
			closure.SetSource(addr)
		}
		return srcInfo, srcSpaceTop, idx
	}
	for id := srcInfo.space.ID() + 1; id < spaceCount; id++ {
		info := &ctx.spaces[id]
		space := info.space
		if space.Bottom() == space.Top() {
			continue
		}
		// spaces compacting into themselves are not sources for another space
		if cmap.AddrToRegion(space.Bottom()).Destination() == space.Bottom() {
			continue
		}
		topIdx := cmap.AddrToRegionIdx(cmap.RegionAlignUp(space.Top()))
		for idx := cmap.AddrToRegionIdx(space.Bottom()); idx < topIdx; idx++ {
			if cmap.Region(idx).LiveObjSize() > 0 {
				closure.SetSource(cmap.RegionToAddr(idx))
				return info, space.Top(), idx
			}
		}
	}
	panic(newFatalError("no source region left",
		"destination", closure.destination, "wordsRemaining", closure.wordsRemaining))
}

// decrementDestinationCounts tells the source regions in [begIdx, endAddr) one of their
// destinations is done reading them. Regions becoming free are claimed and queued,
// or copied back from their shadow region.
func (worker *compactionWorker) decrementDestinationCounts(srcInfo *SpaceInfo, begIdx uint64, endAddr Addr) {
	cmap := worker.ctx.cmap
	endIdx := cmap.AddrToRegionIdx(cmap.RegionAlignUp(endAddr))
	enqueueEnd := cmap.AddrToRegionIdx(cmap.RegionAlignUp(srcInfo.newTop))
	for cur := begIdx; cur < endIdx; cur++ {
		region := cmap.Region(cur)
		region.DecrementDestinationCount()
		if cur >= enqueueEnd || !region.Available() || !region.Claim() {
			continue
		}
		if region.MarkNormal() {
			worker.stack.push(cur)
		} else if region.MarkCopied() {
			shadowIdx := region.ShadowRegion()
			worker.task.copyBack(shadowIdx, cur)
			worker.task.shadows.push(shadowIdx)
			region.SetCompleted()
		}
	}
}

// updateDensePrefix updates references in this worker's share of every dense prefix
// and stamps fillers over the dead space there
func (worker *compactionWorker) updateDensePrefix() {
	ctx := worker.ctx
	cmap := ctx.cmap
	workers := uint64(len(worker.task.workers))
	for id := range ctx.spaces {
		info := &ctx.spaces[id]
		bottomIdx := cmap.AddrToRegionIdx(info.space.Bottom())
		densePrefixIdx := cmap.AddrToRegionIdx(info.densePrefix)
		count := densePrefixIdx - bottomIdx
		begIdx := bottomIdx + count*uint64(worker.id)/workers
		endIdx := bottomIdx + count*uint64(worker.id+1)/workers
		if begIdx == endIdx {
			continue
		}
		worker.updateDensePrefixChunk(info, begIdx, endIdx)
		for idx := begIdx; idx < endIdx; idx++ {
			region := cmap.Region(idx)
			if !region.Claim() {
				panic(newFatalError("dense prefix region not available", "region", idx))
			}
			region.SetCompleted()
		}
	}
}

func (worker *compactionWorker) updateDensePrefixChunk(info *SpaceInfo, begIdx uint64, endIdx uint64) {
	ctx := worker.ctx
	cmap := ctx.cmap
	bitmap := ctx.bitmap
	densePrefix := info.densePrefix
	beg := cmap.RegionToAddr(begIdx)
	end := cmap.RegionToAddr(endIdx)
	if cmap.Region(begIdx).PartialObjSize() != 0 {
		beg = cmap.PartialObjEnd(begIdx)
	} else if beg > info.space.Bottom() && bitmap.IsUnmarked(beg) && !bitmap.IsObjEnd(beg-1) {
		// dead space crossing into the chunk is filled by the chunk before
		beg = bitmap.FindObjBeg(beg, end)
	}
	if beg >= end {
		return
	}
	closure := &updateOnlyClosure{ctx: ctx}
	fillDead := func(addr Addr, words uint64) {
		ctx.model.FillDead(ctx.heap, addr, words)
	}
	status := bitmap.IterateWithDead(closure, fillDead, beg, end, densePrefix)
	if status != IterationIncomplete {
		return
	}
	obj := closure.source
	objEnd := bitmap.FindObjEnd(obj, bitmap.End())
	if objEnd < densePrefix {
		ctx.updateContents(obj)
		return
	}
	// its tail is moved around by the compaction of the first region after the prefix
	info.deferredObj = obj
}

func (task *compactionTask) updateDeferredObjects() {
	ctx := task.ctx
	cmap := ctx.cmap
	for id := range ctx.spaces {
		info := &ctx.spaces[id]
		begIdx := cmap.AddrToRegionIdx(info.densePrefix)
		endIdx := cmap.AddrToRegionIdx(cmap.RegionAlignUp(info.newTop))
		for idx := begIdx; idx < endIdx; idx++ {
			if obj := cmap.Region(idx).DeferredObjAddr(); obj != 0 {
				ctx.updateContents(obj)
				ctx.stats.DeferredObjects++
			}
		}
		if info.deferredObj != 0 {
			ctx.updateContents(info.deferredObj)
			ctx.stats.DeferredObjects++
		}
	}
}

// verifyCompleted catches destination regions nobody could fill, a cycle in the plan
func (task *compactionTask) verifyCompleted() {
	cmap := task.ctx.cmap
	for id := range task.ctx.spaces {
		info := &task.ctx.spaces[id]
		begIdx := cmap.AddrToRegionIdx(info.densePrefix)
		endIdx := cmap.AddrToRegionIdx(cmap.RegionAlignUp(info.newTop))
		for idx := begIdx; idx < endIdx; idx++ {
			region := cmap.Region(idx)
			if !region.Completed() {
				panic(newFatalError("destination region not filled",
					"space", info.space.ID(),
					"region", idx,
					"destinationCount", region.DestinationCount(),
					"shadowState", region.ShadowState()))
			}
		}
	}
}

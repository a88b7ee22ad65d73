package pcgc

import (
	"github.com/aclements/go-moremath/stats"
	"github.com/v2pro/plz/countlog"
	"math"
)

// summaryPhase plans the new location of every live object. It only writes the compaction map,
// a failed plan leaves the heap as marking found it.
func (collector *Collector) summaryPhase(ctx *CollectionContext, maximumCompaction bool) error {
	cmap := ctx.cmap
	// summarize every space into itself to learn how much is live
	totalLive := uint64(0)
	for id := range ctx.spaces {
		info := &ctx.spaces[id]
		space := info.space
		info.split.Clear()
		info.densePrefix = space.Bottom()
		info.newTop = space.Bottom()
		info.deferredObj = 0
		if space.Bottom() == space.Top() {
			continue
		}
		if !cmap.Summarize(&info.split, space.Bottom(), space.Top(), nil,
			space.Bottom(), space.End(), &info.newTop) {
			panic(newFatalError("space does not fit into itself", "space", space.ID()))
		}
		totalLive += uint64(info.newTop - space.Bottom())
	}
	old := &ctx.spaces[OldSpace]
	if totalLive > old.space.CapacityWords() {
		countlog.Debug("event!summary.live data exceeds old space",
			"totalLive", totalLive, "oldCapacity", old.space.CapacityWords())
		maximumCompaction = true
	}
	collector.summarizeSpace(ctx, OldSpace, maximumCompaction)

	// young spaces spill into the current target, whatever does not fit stays in its own space
	// which then becomes the target
	dstEnd := old.space.End()
	newTopAddr := &old.newTop
	for id := EdenSpace; id < spaceCount; id++ {
		info := &ctx.spaces[id]
		space := info.space
		live := uint64(info.newTop - space.Bottom())
		if live == 0 {
			continue
		}
		available := uint64(dstEnd - *newTopAddr)
		if live <= available {
			if !cmap.Summarize(&info.split, space.Bottom(), space.Top(), nil,
				*newTopAddr, dstEnd, newTopAddr) {
				return PlanningInfeasibleError
			}
			info.newTop = space.Bottom()
			continue
		}
		var srcNext Addr
		cmap.Summarize(&info.split, space.Bottom(), space.Top(), &srcNext,
			*newTopAddr, dstEnd, newTopAddr)
		if srcNext == 0 {
			countlog.Error("event!summary.no split point", "space", space.ID())
			return PlanningInfeasibleError
		}
		dstEnd = space.End()
		newTopAddr = &info.newTop
		if !cmap.Summarize(&info.split, srcNext, space.Top(), nil,
			space.Bottom(), space.End(), &info.newTop) {
			return PlanningInfeasibleError
		}
	}
	ctx.logSpaces("event!summary.planned")
	return nil
}

// summarizeSpace picks the dense prefix of the space and plans what follows it
func (collector *Collector) summarizeSpace(ctx *CollectionContext, id SpaceID, maximumCompaction bool) {
	cmap := ctx.cmap
	info := &ctx.spaces[id]
	space := info.space
	if info.newTop == space.Bottom() {
		return
	}
	densePrefix := collector.computeDensePrefix(ctx, id, maximumCompaction)
	info.densePrefix = densePrefix
	ctx.stats.DeadWoodWords += uint64(densePrefix - cmap.AddrToRegion(densePrefix).Destination())
	if maximumCompaction || densePrefix == space.Bottom() {
		return
	}
	cmap.SummarizeDensePrefix(space.Bottom(), densePrefix)
	if !cmap.Summarize(&info.split, densePrefix, space.Top(), nil,
		densePrefix, space.End(), &info.newTop) {
		panic(newFatalError("space does not fit into itself after the dense prefix", "space", id))
	}
}

// computeDensePrefix returns the first address that will be compacted
func (collector *Collector) computeDensePrefix(ctx *CollectionContext, id SpaceID, maximumCompaction bool) Addr {
	cmap := ctx.cmap
	cfg := &collector.cfg.summaryConfig
	info := &ctx.spaces[id]
	space := info.space
	bottom, top, newTop := space.Bottom(), space.Top(), info.newTop
	begIdx := cmap.AddrToRegionIdx(bottom)
	topIdx := cmap.AddrToRegionIdx(cmap.RegionAlignUp(top))
	newTopIdx := cmap.AddrToRegionIdx(cmap.RegionAlignUp(newTop))

	// full regions at the bottom never move
	fullIdx := firstDeadSpaceRegion(cmap, begIdx, newTopIdx)

	sinceMaximum := ctx.cycle - collector.maximumCompactionCycle
	intervalEnded := (cfg.MaximumCompactionInterval >= 0 && sinceMaximum > uint64(cfg.MaximumCompactionInterval)) ||
		(cfg.FirstMaximumCompactionCount >= 0 && ctx.cycle == uint64(cfg.FirstMaximumCompactionCount))
	if maximumCompaction || fullIdx == topIdx || intervalEnded {
		collector.maximumCompactionCycle = ctx.cycle
		ctx.maximumCompaction = true
		countlog.Debug("event!summary.maximum compaction",
			"space", id, "cycle", ctx.cycle, "requested", maximumCompaction, "intervalEnded", intervalEnded)
		return cmap.RegionToAddr(fullIdx)
	}

	spaceLive := uint64(newTop - bottom)
	spaceUsed := space.UsedWords()
	spaceCapacity := space.CapacityWords()
	density := float64(spaceLive) / float64(spaceCapacity)
	limiter := cfg.deadWoodLimiter(density)
	deadWoodMax := spaceUsed - spaceLive
	deadWoodLimit := uint64(float64(spaceCapacity) * limiter)
	if deadWoodLimit > deadWoodMax {
		deadWoodLimit = deadWoodMax
	}
	limitIdx := deadWoodLimitRegion(cmap, fullIdx, topIdx, deadWoodLimit)

	bestIdx := fullIdx
	bestRatio := 0.0
	for idx := fullIdx; idx < limitIdx; idx++ {
		ratio := reclaimedRatio(cmap, idx, bottom, top, newTop)
		if ratio > bestRatio {
			bestIdx = idx
			bestRatio = ratio
		}
	}
	countlog.Debug("event!summary.dense prefix",
		"space", id,
		"density", density,
		"limiter", limiter,
		"deadWoodLimit", deadWoodLimit,
		"fullRegion", fullIdx,
		"limitRegion", limitIdx,
		"bestRegion", bestIdx,
		"bestRatio", bestRatio)
	return cmap.RegionToAddr(bestIdx)
}

// deadWoodLimiter is the fraction of the space allowed to stay dead in the dense prefix.
// It follows a normal distribution over the density of live data, shifted so that a
// completely live space gets MarkSweepDeadRatio.
func (cfg *summaryConfig) deadWoodLimiter(density float64) float64 {
	dist := stats.NormalDist{
		Mu:    float64(cfg.DeadWoodLimiterMean) / 100,
		Sigma: float64(cfg.DeadWoodLimiterStdDev) / 100,
	}
	limit := dist.PDF(density) - dist.PDF(1.0) + float64(cfg.MarkSweepDeadRatio)/100
	return math.Max(limit, 0)
}

// firstDeadSpaceRegion skips the leading regions that are live to the last word
func firstDeadSpaceRegion(cmap *CompactionMap, begIdx uint64, endIdx uint64) uint64 {
	if endIdx <= begIdx {
		return begIdx
	}
	for idx := begIdx; idx < endIdx; idx++ {
		region := cmap.Region(idx)
		if region.Destination() < cmap.RegionToAddr(idx) || region.DataSize() < cmap.RegionSize() {
			return idx
		}
	}
	return endIdx - 1
}

// deadWoodLimitRegion is the first region with at least deadWords dead words to its left
func deadWoodLimitRegion(cmap *CompactionMap, begIdx uint64, endIdx uint64, deadWords uint64) uint64 {
	if endIdx <= begIdx {
		return begIdx
	}
	for idx := begIdx; idx < endIdx; idx++ {
		deadToLeft := uint64(cmap.RegionToAddr(idx) - cmap.Region(idx).Destination())
		if deadToLeft >= deadWords {
			return idx
		}
	}
	return endIdx - 1
}

// reclaimedRatio weighs the words freed by compacting from region idx against the work:
// updating the prefix and moving, at a higher cost, what follows
func reclaimedRatio(cmap *CompactionMap, idx uint64, bottom Addr, top Addr, newTop Addr) float64 {
	destination := cmap.Region(idx).Destination()
	densePrefixLive := uint64(destination - bottom)
	compactedLive := uint64(newTop - destination)
	compactedUsed := uint64(top - cmap.RegionToAddr(idx))
	reclaimable := compactedUsed - compactedLive
	divisor := float64(densePrefixLive) + 1.25*float64(compactedLive)
	return float64(reclaimable) / divisor
}

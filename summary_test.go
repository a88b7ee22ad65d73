package pcgc

import (
	"github.com/stretchr/testify/require"
	"github.com/v2pro/plz"
	"testing"
)

// scenarioA fills regions 0 to 9 of the old space with 16 word objects.
// Regions 2, 5 and 8 hold garbage, the rest is one reachable chain.
func scenarioA(should *require.Assertions, th *testHeap) (live []Addr, dead []Addr) {
	seed := uint64(1)
	for region := 0; region < 10; region++ {
		for i := 0; i < 4; i++ {
			obj := th.newObject(should, OldSpace, 16, 1, seed)
			seed++
			if region == 2 || region == 5 || region == 8 {
				dead = append(dead, obj)
				continue
			}
			if len(live) > 0 {
				th.link(live[len(live)-1], 0, obj)
			}
			live = append(live, obj)
		}
	}
	// garbage pointing at live data does not keep anything alive
	for _, obj := range dead {
		th.link(obj, 0, live[0])
	}
	th.roots.Add(live[0])
	return
}

func scenarioAHeap(should *require.Assertions) *testHeap {
	return newTestHeap(should, HeapConfig{Log2RegionSize: 6, OldRegions: 16, EdenRegions: 4, SurvivorRegions: 2})
}

func Test_dead_wood_limiter(t *testing.T) {
	should := require.New(t)
	cfg := Config{}
	cfg.fillDefaults(6)
	should.InDelta(0.0970, cfg.deadWoodLimiter(7.0/16), 0.0005)
	should.InDelta(0.01, cfg.deadWoodLimiter(1.0), 1e-9)
	should.True(cfg.deadWoodLimiter(0.5) > cfg.deadWoodLimiter(0.9))
	strict := summaryConfig{DeadWoodLimiterMean: 100, DeadWoodLimiterStdDev: 10}
	should.Equal(0.0, strict.deadWoodLimiter(0.2))
}

func Test_dense_prefix_of_scenario_a(t *testing.T) {
	should := require.New(t)
	th := scenarioAHeap(should)
	defer plz.Close(th)
	scenarioA(should, th)
	collector := th.newCollector(should, Config{markingConfig: markingConfig{ParallelGCThreads: 2}})
	defer plz.Close(collector)
	ctx := newCollectionContext(1, th.heap, th.model, collector.bitmap, collector.cmap, collector.forwardingCache)
	defer ctx.Close()
	collector.markingPhase(ctx)
	should.Equal(uint64(28), ctx.stats.MarkedObjects)
	should.Equal(uint64(7*64), ctx.stats.LiveWords)
	should.NoError(collector.summaryPhase(ctx, false))
	old := ctx.SpaceInfo(OldSpace)
	bottom := th.heap.Space(OldSpace).Bottom()
	should.False(ctx.maximumCompaction)
	should.Equal(bottom+2*64, old.DensePrefix())
	should.Equal(bottom+7*64, old.NewTop())
	should.Equal(uint64(0), ctx.stats.DeadWoodWords)
	cmap := ctx.cmap
	should.Equal(uint64(3), cmap.Region(2).SourceRegion())
	should.Equal(uint32(1), cmap.Region(3).DestinationCount())
	should.Equal(uint32(0), cmap.Region(5).DestinationCount())
	should.Equal(bottom+6*64, cmap.Region(9).Destination())
	should.Equal(bottom+64, cmap.Region(1).Destination())
	for id := EdenSpace; id < spaceCount; id++ {
		should.Equal(th.heap.Space(id).Bottom(), ctx.SpaceInfo(id).NewTop())
	}
}

func Test_maximum_compaction_keeps_no_dead_wood(t *testing.T) {
	should := require.New(t)
	th := scenarioAHeap(should)
	defer plz.Close(th)
	scenarioA(should, th)
	collector := th.newCollector(should, Config{markingConfig: markingConfig{ParallelGCThreads: 2}})
	defer plz.Close(collector)
	ctx := newCollectionContext(1, th.heap, th.model, collector.bitmap, collector.cmap, collector.forwardingCache)
	defer ctx.Close()
	collector.markingPhase(ctx)
	should.NoError(collector.summaryPhase(ctx, true))
	should.True(ctx.maximumCompaction)
	old := ctx.SpaceInfo(OldSpace)
	bottom := th.heap.Space(OldSpace).Bottom()
	// the full regions at the bottom stay where they are even then
	should.Equal(bottom+2*64, old.DensePrefix())
	should.Equal(bottom+7*64, old.NewTop())
	should.Equal(uint64(1), collector.maximumCompactionCycle)
}

func Test_first_maximum_compaction_count(t *testing.T) {
	should := require.New(t)
	th := scenarioAHeap(should)
	defer plz.Close(th)
	scenarioA(should, th)
	collector := th.newCollector(should, Config{markingConfig: markingConfig{ParallelGCThreads: 2}})
	defer plz.Close(collector)
	ctx := newCollectionContext(3, th.heap, th.model, collector.bitmap, collector.cmap, collector.forwardingCache)
	defer ctx.Close()
	collector.markingPhase(ctx)
	should.NoError(collector.summaryPhase(ctx, false))
	should.True(ctx.maximumCompaction)
	should.Equal(uint64(3), collector.maximumCompactionCycle)
}

func Test_dead_wood_in_dense_prefix(t *testing.T) {
	should := require.New(t)
	th := scenarioAHeap(should)
	defer plz.Close(th)
	// regions 0 to 7 end with two dead words each, regions 8 and 9 are garbage
	var live []Addr
	for region := 0; region < 10; region++ {
		if region >= 8 {
			th.newObject(should, OldSpace, 64, 0, uint64(region))
			continue
		}
		obj := th.newObject(should, OldSpace, 62, 1, uint64(region))
		th.newObject(should, OldSpace, 2, 0, 100+uint64(region))
		if len(live) > 0 {
			th.link(live[len(live)-1], 0, obj)
		}
		live = append(live, obj)
	}
	th.roots.Add(live[0])
	collector := th.newCollector(should, Config{markingConfig: markingConfig{ParallelGCThreads: 2}})
	defer plz.Close(collector)
	ctx := newCollectionContext(1, th.heap, th.model, collector.bitmap, collector.cmap, collector.forwardingCache)
	defer ctx.Close()
	collector.markingPhase(ctx)
	should.NoError(collector.summaryPhase(ctx, false))
	bottom := th.heap.Space(OldSpace).Bottom()
	old := ctx.SpaceInfo(OldSpace)
	should.Equal(bottom+8*64, old.DensePrefix())
	should.Equal(bottom+8*64, old.NewTop())
	should.Equal(uint64(16), ctx.stats.DeadWoodWords)
}

func Test_dead_space_region_search(t *testing.T) {
	should := require.New(t)
	mgr, bitmap, cmap := newTestCompactionMap(should)
	defer plz.Close(mgr)
	markLive(bitmap, cmap, 64, 64)
	markLive(bitmap, cmap, 128, 60)
	markLive(bitmap, cmap, 192, 64)
	var split SplitInfo
	var newTop Addr
	should.True(cmap.Summarize(&split, 64, 256, nil, 64, 704, &newTop))
	should.Equal(uint64(1), firstDeadSpaceRegion(cmap, 0, 3))
	should.Equal(uint64(2), deadWoodLimitRegion(cmap, 0, 3, 4))
	should.Equal(uint64(2), deadWoodLimitRegion(cmap, 0, 3, 100))
	should.Equal(uint64(0), deadWoodLimitRegion(cmap, 0, 3, 0))
	// compacting from region 1 frees its last 4 words by moving 124
	should.InDelta(4.0/(64+1.25*124), reclaimedRatio(cmap, 1, 64, 256, newTop), 1e-9)
	should.Equal(0.0, reclaimedRatio(cmap, 2, 64, 256, newTop))
}

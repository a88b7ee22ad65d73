package pcgc

import (
	"errors"
	"github.com/stretchr/testify/require"
	"github.com/v2pro/plz"
	"math/rand"
	"os"
	"strings"
	"testing"
)

func graphHeap(should *require.Assertions) *testHeap {
	return newTestHeap(should, HeapConfig{Log2RegionSize: 6, OldRegions: 64, EdenRegions: 32, SurvivorRegions: 4})
}

// randomGraph allocates count objects with up to 3 random references each
// and roots a few of them
func randomGraph(should *require.Assertions, th *testHeap, rng *rand.Rand, id SpaceID, count int) []Addr {
	objs := make([]Addr, 0, count)
	for i := 0; i < count; i++ {
		refs := rng.Intn(4)
		words := 1 + refs + rng.Intn(8)
		objs = append(objs, th.newObject(should, id, words, refs, uint64(i)))
	}
	for _, obj := range objs {
		_, _, refs := DecodeHeader(th.heap.Load(obj))
		for i := 0; i < int(refs); i++ {
			if rng.Intn(5) == 0 {
				continue
			}
			th.link(obj, i, objs[rng.Intn(len(objs))])
		}
	}
	for i := 0; i < 4; i++ {
		th.roots.Add(objs[rng.Intn(len(objs))])
	}
	return objs
}

// reachable walks the graph without the collector
func (th *testHeap) reachable() map[Addr]bool {
	found := map[Addr]bool{}
	var queue []Addr
	th.roots.ForEachRoot(func(root *Addr) {
		if *root != 0 && !found[*root] {
			found[*root] = true
			queue = append(queue, *root)
		}
	})
	for len(queue) > 0 {
		obj := queue[0]
		queue = queue[1:]
		th.model.VisitReferences(th.heap, obj, func(slot Addr) {
			target := Addr(th.heap.Load(slot))
			if target != 0 && !found[target] {
				found[target] = true
				queue = append(queue, target)
			}
		})
	}
	return found
}

func (th *testHeap) liveWords(objs map[Addr]bool) uint64 {
	words := uint64(0)
	for obj := range objs {
		words += th.model.SizeOf(th.heap, obj)
	}
	return words
}

// collectRecovering returns what Collect panicked with
func collectRecovering(collector *Collector) (recovered interface{}) {
	defer func() {
		recovered = recover()
	}()
	collector.Collect(false)
	return nil
}

func Test_marking_finds_reachable_objects(t *testing.T) {
	should := require.New(t)
	th := graphHeap(should)
	defer plz.Close(th)
	objs := randomGraph(should, th, rand.New(rand.NewSource(17)), OldSpace, 300)
	reachable := th.reachable()
	liveWords := th.liveWords(reachable)
	collector := th.newCollector(should, Config{markingConfig: markingConfig{ParallelGCThreads: 4}})
	defer plz.Close(collector)
	stats, err := collector.Collect(false)
	should.NoError(err)
	should.Equal(uint64(len(reachable)), stats.MarkedObjects)
	should.Equal(liveWords, stats.LiveWords)
	for _, obj := range objs {
		should.Equal(reachable[obj], collector.IsMarked(obj), "object at %d", obj)
	}
}

func Test_marking_spills_small_local_stacks(t *testing.T) {
	should := require.New(t)
	th := graphHeap(should)
	defer plz.Close(th)
	randomGraph(should, th, rand.New(rand.NewSource(29)), EdenSpace, 150)
	// a wide fan out keeps the local stacks busy
	hub := th.newObject(should, OldSpace, 41, 40, 1)
	for i := 0; i < 40; i++ {
		th.link(hub, i, th.newObject(should, OldSpace, 3, 1, uint64(100+i)))
	}
	th.roots.Add(hub)
	reachable := th.reachable()
	collector := th.newCollector(should, Config{markingConfig: markingConfig{
		ParallelGCThreads: 4,
		MarkStackCapacity: 4,
	}})
	defer plz.Close(collector)
	ctx := newCollectionContext(1, th.heap, th.model, collector.bitmap, collector.cmap, collector.forwardingCache)
	defer ctx.Close()
	collector.markingPhase(ctx)
	should.Equal(uint64(len(reachable)), ctx.stats.MarkedObjects)
	should.Equal(th.liveWords(reachable), ctx.stats.LiveWords)
	for obj := range reachable {
		should.True(ctx.bitmap.IsMarked(obj))
	}
}

func Test_marking_without_roots(t *testing.T) {
	should := require.New(t)
	th := graphHeap(should)
	defer plz.Close(th)
	th.newObject(should, OldSpace, 10, 0, 1)
	th.roots.Add(0)
	collector := th.newCollector(should, Config{markingConfig: markingConfig{ParallelGCThreads: 2}})
	defer plz.Close(collector)
	stats, err := collector.Collect(false)
	should.NoError(err)
	should.Equal(uint64(0), stats.MarkedObjects)
	should.Equal(th.heap.Space(OldSpace).Bottom(), th.heap.Space(OldSpace).Top())
}

func Test_mark_stack_overflow_is_fatal(t *testing.T) {
	should := require.New(t)
	dir := "/tmp/pcgc_overflow"
	os.RemoveAll(dir)
	th := graphHeap(should)
	defer plz.Close(th)
	root := th.newObject(should, EdenSpace, 9, 8, 1)
	for i := 0; i < 8; i++ {
		th.link(root, i, th.newObject(should, EdenSpace, 2, 0, uint64(10+i)))
	}
	th.roots.Add(root)
	collector := th.newCollector(should, Config{
		markingConfig: markingConfig{
			ParallelGCThreads:     1,
			MarkStackCapacity:     2,
			OverflowStackCapacity: 1,
		},
		DumpDirectory: dir,
	})
	defer plz.Close(collector)
	recovered := collectRecovering(collector)
	fatal, isFatal := recovered.(*FatalError)
	should.True(isFatal, "recovered %v", recovered)
	should.True(errors.Is(fatal, MarkStackOverflowError))
	_, err := collector.Collect(false)
	should.Equal(CollectorBrokenError, err)
	should.False(collector.Invoke(false))

	seqs, err := collector.dumper.List()
	should.NoError(err)
	should.Len(seqs, 1)
	snapshot, err := collector.dumper.Read(seqs[0])
	should.NoError(err)
	should.Equal(uint64(1), snapshot.Cycle)
	should.True(strings.Contains(snapshot.Reason, "mark stack"), snapshot.Reason)
}

package pcgc

import (
	"github.com/esdb/pcgc/mheap"
	"github.com/stretchr/testify/require"
	"github.com/v2pro/plz"
	"github.com/v2pro/plz/concurrent"
	"github.com/v2pro/plz/countlog"
	"testing"
)

func TestMain(m *testing.M) {
	defer concurrent.GlobalUnboundedExecutor.StopAndWaitForever()
	plz.LogLevel = countlog.LevelDebug
	plz.PlugAndPlay()
	m.Run()
}

// testHeap bundles a heap with the default object model and a root set
type testHeap struct {
	mgr   *mheap.MemoryManager
	heap  *Heap
	model *HeaderObjectModel
	roots *RootSet
}

func newTestHeap(should *require.Assertions, cfg HeapConfig) *testHeap {
	mgr := mheap.New(0)
	heap, err := NewHeap(mgr, cfg)
	should.NoError(err)
	return &testHeap{mgr: mgr, heap: heap, model: &HeaderObjectModel{}, roots: NewRootSet()}
}

func (th *testHeap) Close() error {
	return th.mgr.Close()
}

// newObject allocates an object of words words, the payload is stamped with seed
func (th *testHeap) newObject(should *require.Assertions, id SpaceID, words int, refs int, seed uint64) Addr {
	obj, err := th.model.NewObject(th.heap, id, refs, words-1-refs)
	should.NoError(err)
	for i := 0; i < words-1-refs; i++ {
		th.model.SetPayload(th.heap, obj, i, seed*1000+uint64(i))
	}
	return obj
}

func (th *testHeap) link(obj Addr, index int, target Addr) {
	th.model.SetReference(th.heap, obj, index, target)
}

func (th *testHeap) ref(obj Addr, index int) Addr {
	return th.model.Reference(th.heap, obj, index)
}

func (th *testHeap) newCollector(should *require.Assertions, cfg Config) *Collector {
	collector, err := NewCollector(th.mgr, th.heap, th.model, th.roots, cfg)
	should.NoError(err)
	return collector
}

func (th *testHeap) checksum() uint64 {
	return GraphChecksum(th.heap, th.model, th.roots)
}

func Test_heap_layout(t *testing.T) {
	should := require.New(t)
	th := newTestHeap(should, HeapConfig{Log2RegionSize: 6, OldRegions: 4, EdenRegions: 2, SurvivorRegions: 1})
	defer plz.Close(th)
	heap := th.heap
	should.Equal(Addr(64), heap.Base())
	should.Equal(Addr(64+8*64), heap.End())
	should.Equal(uint64(64), heap.RegionSize())
	old := heap.Space(OldSpace)
	should.Equal(Addr(64), old.Bottom())
	should.Equal(Addr(320), old.End())
	should.Equal(old.Bottom(), old.Top())
	should.Equal(Addr(320), heap.Space(EdenSpace).Bottom())
	should.Equal(Addr(448), heap.Space(FromSpace).Bottom())
	should.Equal(Addr(512), heap.Space(ToSpace).Bottom())
	should.Equal(uint64(256), old.CapacityWords())
	should.Equal("eden", EdenSpace.String())
}

func Test_space_of_counts_end_as_part_of_space(t *testing.T) {
	should := require.New(t)
	th := newTestHeap(should, HeapConfig{Log2RegionSize: 6, OldRegions: 4, EdenRegions: 2, SurvivorRegions: 1})
	defer plz.Close(th)
	heap := th.heap
	should.Equal(OldSpace, heap.SpaceOf(64))
	should.Equal(OldSpace, heap.SpaceOf(319))
	should.Equal(EdenSpace, heap.SpaceOf(320))
	should.Equal(ToSpace, heap.SpaceOf(heap.End()))
	should.Panics(func() {
		heap.SpaceOf(heap.End() + 1)
	})
}

func Test_allocate_words(t *testing.T) {
	should := require.New(t)
	th := newTestHeap(should, HeapConfig{Log2RegionSize: 6, OldRegions: 1, EdenRegions: 1, SurvivorRegions: 1})
	defer plz.Close(th)
	heap := th.heap
	addr, err := heap.AllocateWords(EdenSpace, 60)
	should.NoError(err)
	should.Equal(heap.Space(EdenSpace).Bottom(), addr)
	_, err = heap.AllocateWords(EdenSpace, 5)
	should.Equal(SpaceExhaustedError, err)
	addr, err = heap.AllocateWords(EdenSpace, 4)
	should.NoError(err)
	should.Equal(heap.Space(EdenSpace).Bottom()+60, addr)
	should.Equal(uint64(64), heap.Space(EdenSpace).UsedWords())
}

func Test_copy_overlapping_words(t *testing.T) {
	should := require.New(t)
	th := newTestHeap(should, HeapConfig{Log2RegionSize: 6, OldRegions: 1, EdenRegions: 1, SurvivorRegions: 1})
	defer plz.Close(th)
	heap := th.heap
	base := heap.Base()
	for i := Addr(0); i < 10; i++ {
		heap.Store(base+i, uint64(i))
	}
	heap.CopyWords(base+2, base, 6)
	for i := Addr(0); i < 6; i++ {
		should.Equal(uint64(i+2), heap.Load(base+i))
	}
	should.Equal(uint64(6), heap.Load(base+6))
}

func Test_new_heap_rejects_bad_region_size(t *testing.T) {
	should := require.New(t)
	mgr := mheap.New(0)
	defer plz.Close(mgr)
	_, err := NewHeap(mgr, HeapConfig{Log2RegionSize: 30})
	should.Error(err)
}

package pcgc

import (
	"github.com/stretchr/testify/require"
	"github.com/v2pro/plz"
	"testing"
)

func Test_header_round_trip(t *testing.T) {
	should := require.New(t)
	kind, words, refs := DecodeHeader(EncodeHeader(KindInstance, 70, 3))
	should.Equal(KindInstance, kind)
	should.Equal(uint64(70), words)
	should.Equal(uint64(3), refs)
}

func Test_new_object(t *testing.T) {
	should := require.New(t)
	th := newTestHeap(should, HeapConfig{Log2RegionSize: 6, OldRegions: 2, EdenRegions: 1, SurvivorRegions: 1})
	defer plz.Close(th)
	a := th.newObject(should, OldSpace, 10, 2, 1)
	b := th.newObject(should, OldSpace, 4, 0, 2)
	should.Equal(a+10, b)
	should.Equal(uint64(10), th.model.SizeOf(th.heap, a))
	th.link(a, 1, b)
	var slots []Addr
	th.model.VisitReferences(th.heap, a, func(slot Addr) {
		slots = append(slots, slot)
	})
	should.Equal([]Addr{a + 1, a + 2}, slots)
	should.Equal(Addr(0), th.ref(a, 0))
	should.Equal(b, th.ref(a, 1))
	should.Equal(uint64(1000), th.model.Payload(th.heap, a, 0))
	should.Equal(uint64(2002), th.model.Payload(th.heap, b, 2))
}

func Test_filler_has_no_references(t *testing.T) {
	should := require.New(t)
	th := newTestHeap(should, HeapConfig{Log2RegionSize: 6, OldRegions: 2, EdenRegions: 1, SurvivorRegions: 1})
	defer plz.Close(th)
	obj := th.newObject(should, OldSpace, 8, 3, 1)
	th.model.FillDead(th.heap, obj, 8)
	should.Equal(uint64(8), th.model.SizeOf(th.heap, obj))
	visited := 0
	th.model.VisitReferences(th.heap, obj, func(slot Addr) {
		visited++
	})
	should.Equal(0, visited)
}

func Test_size_of_garbage_panics(t *testing.T) {
	should := require.New(t)
	th := newTestHeap(should, HeapConfig{Log2RegionSize: 6, OldRegions: 2, EdenRegions: 1, SurvivorRegions: 1})
	defer plz.Close(th)
	should.Panics(func() {
		th.model.SizeOf(th.heap, th.heap.Base())
	})
}

func Test_root_set(t *testing.T) {
	should := require.New(t)
	roots := NewRootSet(100)
	should.Equal(1, roots.Add(200))
	roots.Set(0, 300)
	var seen []Addr
	roots.ForEachRoot(func(root *Addr) {
		seen = append(seen, *root)
		*root++
	})
	should.Equal([]Addr{300, 200}, seen)
	should.Equal(Addr(201), roots.Get(1))
	should.Equal(2, roots.Len())
}

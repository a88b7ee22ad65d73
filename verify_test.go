package pcgc

import (
	"errors"
	"github.com/stretchr/testify/require"
	"github.com/v2pro/plz"
	"testing"
)

func Test_verify_heap(t *testing.T) {
	should := require.New(t)
	th := newTestHeap(should, HeapConfig{Log2RegionSize: 6, OldRegions: 2, EdenRegions: 1, SurvivorRegions: 1})
	defer plz.Close(th)
	th.newObject(should, OldSpace, 10, 0, 1)
	obj := th.newObject(should, OldSpace, 20, 2, 2)
	should.NoError(VerifyHeap(th.heap, th.model))

	th.heap.Store(obj, 0)
	err := VerifyHeap(th.heap, th.model)
	should.True(errors.Is(err, HeapCorruptedError), "%v", err)

	th.heap.Store(obj, EncodeHeader(KindInstance, 30, 2))
	err = VerifyHeap(th.heap, th.model)
	should.True(errors.Is(err, HeapCorruptedError), "%v", err)
	should.Contains(err.Error(), "crosses top")
}

func Test_graph_checksum_ignores_layout(t *testing.T) {
	should := require.New(t)
	build := func(gap int) *testHeap {
		th := newTestHeap(should, HeapConfig{Log2RegionSize: 6, OldRegions: 2, EdenRegions: 1, SurvivorRegions: 1})
		a := th.newObject(should, OldSpace, 4, 2, 1)
		if gap > 0 {
			th.newObject(should, OldSpace, gap, 0, 9)
		}
		b := th.newObject(should, OldSpace, 3, 1, 2)
		th.link(a, 0, b)
		th.link(a, 1, a)
		th.link(b, 0, a)
		th.roots.Add(a)
		return th
	}
	packed := build(0)
	defer plz.Close(packed)
	spread := build(7)
	defer plz.Close(spread)
	should.Equal(packed.checksum(), spread.checksum())

	spread.model.SetPayload(spread.heap, spread.roots.Get(0), 0, 42)
	should.NotEqual(packed.checksum(), spread.checksum())
	spread.model.SetPayload(spread.heap, spread.roots.Get(0), 0, 1000)
	should.Equal(packed.checksum(), spread.checksum())
	spread.link(spread.roots.Get(0), 1, 0)
	should.NotEqual(packed.checksum(), spread.checksum())
}

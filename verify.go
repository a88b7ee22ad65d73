package pcgc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"github.com/cespare/xxhash/v2"
)

var HeapCorruptedError = errors.New("heap not parsable")

// VerifyHeap walks every space from bottom to top object by object
func VerifyHeap(heap *Heap, model ObjectModel) error {
	for id := SpaceID(0); id < spaceCount; id++ {
		space := heap.Space(id)
		for addr := space.Bottom(); addr < space.Top(); {
			words, err := sizeOf(heap, model, addr)
			if err != nil {
				return fmt.Errorf("%w: space %s at %d: %v", HeapCorruptedError, id, addr, err)
			}
			if words == 0 {
				return fmt.Errorf("%w: space %s at %d: empty object", HeapCorruptedError, id, addr)
			}
			if addr+Addr(words) > space.Top() {
				return fmt.Errorf("%w: space %s at %d: object of %d words crosses top %d",
					HeapCorruptedError, id, addr, words, space.Top())
			}
			addr += Addr(words)
		}
	}
	return nil
}

func sizeOf(heap *Heap, model ObjectModel, addr Addr) (words uint64, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("%v", recovered)
		}
	}()
	return model.SizeOf(heap, addr), nil
}

// GraphChecksum hashes the object graph reachable from the roots independent of where the
// objects are. References are hashed as the breadth first visit order of their target.
func GraphChecksum(heap *Heap, model ObjectModel, roots RootProvider) uint64 {
	digest := xxhash.New()
	var buf [8]byte
	hashWord := func(word uint64) {
		binary.LittleEndian.PutUint64(buf[:], word)
		digest.Write(buf[:])
	}
	visited := map[Addr]uint64{}
	var queue []Addr
	visit := func(obj Addr) uint64 {
		if obj == 0 {
			return 0
		}
		if order, found := visited[obj]; found {
			return order
		}
		order := uint64(len(visited) + 1)
		visited[obj] = order
		queue = append(queue, obj)
		return order
	}
	roots.ForEachRoot(func(root *Addr) {
		hashWord(visit(*root))
	})
	for len(queue) > 0 {
		obj := queue[0]
		queue = queue[1:]
		slots := map[Addr]bool{}
		model.VisitReferences(heap, obj, func(slot Addr) {
			slots[slot] = true
		})
		words := model.SizeOf(heap, obj)
		hashWord(words)
		for addr := obj; addr < obj+Addr(words); addr++ {
			if slots[addr] {
				hashWord(visit(Addr(heap.Load(addr))))
				continue
			}
			hashWord(heap.Load(addr))
		}
	}
	return digest.Sum64()
}

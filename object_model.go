package pcgc

import "fmt"

// Memory is the word store objects live in
type Memory interface {
	Load(addr Addr) uint64
	Store(addr Addr, value uint64)
}

// ObjectModel tells the collector how objects are shaped.
// VisitReferences must report every reference slot of obj in increasing address order
// and must only read words of obj itself.
type ObjectModel interface {
	SizeOf(mem Memory, obj Addr) uint64
	VisitReferences(mem Memory, obj Addr, visit func(slot Addr))
	RelocateMark(mem Memory, obj Addr, newLocation Addr)
	FillDead(mem Memory, addr Addr, words uint64)
}

type ObjectKind uint8

const (
	KindInvalid ObjectKind = iota
	KindInstance
	KindFiller
)

const (
	headerSizeMask  = 1<<32 - 1
	headerRefsShift = 32
	headerRefsMask  = 1<<16 - 1
	headerKindShift = 48
)

// HeaderObjectModel keeps shape in one header word:
// size in words in bits 0-31, reference count in bits 32-47, kind in bits 48-55.
// Reference slots follow the header, payload follows the slots.
type HeaderObjectModel struct {
}

func EncodeHeader(kind ObjectKind, words uint64, refs uint64) uint64 {
	return uint64(kind)<<headerKindShift | (refs&headerRefsMask)<<headerRefsShift | words&headerSizeMask
}

func DecodeHeader(header uint64) (ObjectKind, uint64, uint64) {
	return ObjectKind(header >> headerKindShift), header & headerSizeMask, (header >> headerRefsShift) & headerRefsMask
}

func (model *HeaderObjectModel) SizeOf(mem Memory, obj Addr) uint64 {
	kind, words, _ := DecodeHeader(mem.Load(obj))
	if kind == KindInvalid || words == 0 {
		panic(fmt.Sprintf("no object header at %d", obj))
	}
	return words
}

func (model *HeaderObjectModel) VisitReferences(mem Memory, obj Addr, visit func(slot Addr)) {
	kind, _, refs := DecodeHeader(mem.Load(obj))
	if kind != KindInstance {
		return
	}
	for i := uint64(1); i <= refs; i++ {
		visit(obj + Addr(i))
	}
}

func (model *HeaderObjectModel) RelocateMark(mem Memory, obj Addr, newLocation Addr) {
}

func (model *HeaderObjectModel) FillDead(mem Memory, addr Addr, words uint64) {
	mem.Store(addr, EncodeHeader(KindFiller, words, 0))
}

// NewObject allocates an instance with refs nil reference slots and payload zeroed words
func (model *HeaderObjectModel) NewObject(heap *Heap, id SpaceID, refs int, payload int) (Addr, error) {
	words := uint64(1 + refs + payload)
	obj, err := heap.AllocateWords(id, words)
	if err != nil {
		return 0, err
	}
	heap.Store(obj, EncodeHeader(KindInstance, words, uint64(refs)))
	for i := uint64(1); i < words; i++ {
		heap.Store(obj+Addr(i), 0)
	}
	return obj, nil
}

func (model *HeaderObjectModel) SetReference(mem Memory, obj Addr, index int, target Addr) {
	mem.Store(obj+Addr(1+index), uint64(target))
}

func (model *HeaderObjectModel) Reference(mem Memory, obj Addr, index int) Addr {
	return Addr(mem.Load(obj + Addr(1+index)))
}

func (model *HeaderObjectModel) SetPayload(mem Memory, obj Addr, index int, value uint64) {
	_, _, refs := DecodeHeader(mem.Load(obj))
	mem.Store(obj+Addr(1+refs)+Addr(index), value)
}

func (model *HeaderObjectModel) Payload(mem Memory, obj Addr, index int) uint64 {
	_, _, refs := DecodeHeader(mem.Load(obj))
	return mem.Load(obj + Addr(1+refs) + Addr(index))
}

// RootProvider enumerates root slots, the collector rewrites them after planning
type RootProvider interface {
	ForEachRoot(visit func(root *Addr))
}

type RootSet struct {
	roots []Addr
}

func NewRootSet(roots ...Addr) *RootSet {
	return &RootSet{roots: roots}
}

// Add returns the index of the new root
func (set *RootSet) Add(root Addr) int {
	set.roots = append(set.roots, root)
	return len(set.roots) - 1
}

func (set *RootSet) Get(index int) Addr {
	return set.roots[index]
}

func (set *RootSet) Set(index int, root Addr) {
	set.roots[index] = root
}

func (set *RootSet) Len() int {
	return len(set.roots)
}

func (set *RootSet) ForEachRoot(visit func(root *Addr)) {
	for i := range set.roots {
		visit(&set.roots[i])
	}
}

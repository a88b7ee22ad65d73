package pcgc

import (
	"errors"
	"fmt"
	"github.com/esdb/pcgc/mheap"
	"github.com/v2pro/plz/countlog"
)

// Addr is a word address, zero is the nil reference
type Addr uint64

type SpaceID int

const (
	OldSpace SpaceID = iota
	EdenSpace
	FromSpace
	ToSpace
	spaceCount
)

var spaceNames = [spaceCount]string{"old", "eden", "from", "to"}

func (id SpaceID) String() string {
	if id < 0 || id >= spaceCount {
		return fmt.Sprintf("space(%d)", int(id))
	}
	return spaceNames[id]
}

var SpaceExhaustedError = errors.New("space exhausted")

// VirtualMemory backs the heap and the collector side tables
type VirtualMemory interface {
	Reserve(name string, words uint64) (*mheap.Reservation, error)
}

type HeapConfig struct {
	Log2RegionSize  uint8
	OldRegions      int
	EdenRegions     int
	SurvivorRegions int
}

type Space struct {
	id     SpaceID
	bottom Addr
	top    Addr
	end    Addr
}

func (space *Space) ID() SpaceID {
	return space.id
}

func (space *Space) Bottom() Addr {
	return space.bottom
}

func (space *Space) Top() Addr {
	return space.top
}

func (space *Space) End() Addr {
	return space.end
}

func (space *Space) UsedWords() uint64 {
	return uint64(space.top - space.bottom)
}

func (space *Space) CapacityWords() uint64 {
	return uint64(space.end - space.bottom)
}

func (space *Space) Contains(addr Addr) bool {
	return addr >= space.bottom && addr < space.end
}

// Heap lays its spaces out in address order old, eden, from, to.
// The first word of the heap sits one region above zero so that no object lives at nil.
type Heap struct {
	cfg            *HeapConfig
	reservation    *mheap.Reservation
	words          []uint64
	base           Addr
	end            Addr
	log2RegionSize uint8
	regionSize     uint64
	spaces         [spaceCount]*Space
}

func NewHeap(vm VirtualMemory, cfg HeapConfig) (*Heap, error) {
	if cfg.Log2RegionSize == 0 {
		cfg.Log2RegionSize = 9
	}
	if cfg.OldRegions == 0 {
		cfg.OldRegions = 64
	}
	if cfg.EdenRegions == 0 {
		cfg.EdenRegions = 32
	}
	if cfg.SurvivorRegions == 0 {
		cfg.SurvivorRegions = 8
	}
	if cfg.Log2RegionSize < 2 || cfg.Log2RegionSize > 24 {
		return nil, fmt.Errorf("log2 region size %d out of range", cfg.Log2RegionSize)
	}
	regionSize := uint64(1) << cfg.Log2RegionSize
	regionCounts := [spaceCount]int{cfg.OldRegions, cfg.EdenRegions, cfg.SurvivorRegions, cfg.SurvivorRegions}
	totalRegions := 0
	for _, count := range regionCounts {
		if count < 0 {
			return nil, fmt.Errorf("negative region count %d", count)
		}
		totalRegions += count
	}
	reservation, err := vm.Reserve("heap", uint64(totalRegions)*regionSize)
	countlog.TraceCall("callee!VirtualMemory.Reserve", err, "regions", totalRegions)
	if err != nil {
		return nil, err
	}
	words, err := reservation.Commit(uint64(totalRegions) * regionSize)
	if err != nil {
		reservation.Close()
		return nil, err
	}
	heap := &Heap{
		cfg:            &cfg,
		reservation:    reservation,
		words:          words,
		base:           Addr(regionSize),
		log2RegionSize: cfg.Log2RegionSize,
		regionSize:     regionSize,
	}
	cursor := heap.base
	for id, count := range regionCounts {
		end := cursor + Addr(uint64(count)*regionSize)
		heap.spaces[id] = &Space{id: SpaceID(id), bottom: cursor, top: cursor, end: end}
		cursor = end
	}
	heap.end = cursor
	countlog.Debug("event!heap.created",
		"regionSize", regionSize, "regions", totalRegions,
		"base", heap.base, "end", heap.end)
	return heap, nil
}

func (heap *Heap) Close() error {
	return heap.reservation.Close()
}

func (heap *Heap) Space(id SpaceID) *Space {
	return heap.spaces[id]
}

func (heap *Heap) Base() Addr {
	return heap.base
}

func (heap *Heap) End() Addr {
	return heap.end
}

func (heap *Heap) RegionSize() uint64 {
	return heap.regionSize
}

func (heap *Heap) Log2RegionSize() uint8 {
	return heap.log2RegionSize
}

func (heap *Heap) Contains(addr Addr) bool {
	return addr >= heap.base && addr < heap.end
}

// SpaceOf returns the space holding addr, the end of a space counts as part of it
func (heap *Heap) SpaceOf(addr Addr) SpaceID {
	for _, space := range heap.spaces {
		if addr >= space.bottom && addr < space.end {
			return space.id
		}
	}
	for _, space := range heap.spaces {
		if addr == space.end {
			return space.id
		}
	}
	panic(fmt.Sprintf("address %d outside of heap [%d, %d)", addr, heap.base, heap.end))
}

func (heap *Heap) Load(addr Addr) uint64 {
	return heap.words[addr-heap.base]
}

func (heap *Heap) Store(addr Addr, value uint64) {
	heap.words[addr-heap.base] = value
}

// CopyWords moves words from src to dst, the ranges may overlap
func (heap *Heap) CopyWords(src Addr, dst Addr, words uint64) {
	if words == 0 || src == dst {
		return
	}
	from := heap.words[src-heap.base : uint64(src-heap.base)+words]
	to := heap.words[dst-heap.base : uint64(dst-heap.base)+words]
	copy(to, from)
}

// AllocateWords bumps the top of the space
func (heap *Heap) AllocateWords(id SpaceID, words uint64) (Addr, error) {
	space := heap.spaces[id]
	if words == 0 || uint64(space.end-space.top) < words {
		return 0, SpaceExhaustedError
	}
	addr := space.top
	space.top += Addr(words)
	return addr, nil
}

func (heap *Heap) setTop(id SpaceID, top Addr) {
	heap.spaces[id].top = top
}

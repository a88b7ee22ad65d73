package pcgc

import (
	"fmt"
	"sync/atomic"
)

// the destination count lives in the high half of dcAndLos, live object size in the low half
const (
	dcShift     = 32
	dcOne       = uint64(1) << dcShift
	dcMask      = ^(dcOne - 1)
	losMask     = dcOne - 1
	dcClaimed   = uint64(0x8) << dcShift
	dcCompleted = uint64(0xc) << dcShift
)

type ShadowState uint32

const (
	ShadowUnused ShadowState = iota
	ShadowNormal
	ShadowActive
	ShadowFilled
	ShadowCopied
)

func (state ShadowState) String() string {
	switch state {
	case ShadowUnused:
		return "unused"
	case ShadowNormal:
		return "normal"
	case ShadowActive:
		return "shadow"
	case ShadowFilled:
		return "filled"
	case ShadowCopied:
		return "copied"
	}
	return fmt.Sprintf("shadow_state(%d)", uint32(state))
}

// RegionData is one compaction map entry. It lives in mmap'd memory so it holds no Go pointers.
type RegionData struct {
	destination     Addr
	sourceRegion    uint64
	partialObjAddr  Addr
	partialObjSize  uint64
	dcAndLos        uint64
	deferredObjAddr Addr
	shadowState     uint32
	blocksFilled    uint32
}

func (region *RegionData) Destination() Addr {
	return region.destination
}

func (region *RegionData) SetDestination(addr Addr) {
	region.destination = addr
}

func (region *RegionData) SourceRegion() uint64 {
	return region.sourceRegion
}

func (region *RegionData) SetSourceRegion(idx uint64) {
	region.sourceRegion = idx
}

// ShadowRegion shares its field with SourceRegion, the source is no longer needed once the region is filled
func (region *RegionData) ShadowRegion() uint64 {
	return region.sourceRegion
}

func (region *RegionData) SetShadowRegion(idx uint64) {
	region.sourceRegion = idx
}

func (region *RegionData) PartialObjAddr() Addr {
	return region.partialObjAddr
}

func (region *RegionData) SetPartialObjAddr(addr Addr) {
	region.partialObjAddr = addr
}

func (region *RegionData) PartialObjSize() uint64 {
	return region.partialObjSize
}

func (region *RegionData) SetPartialObjSize(words uint64) {
	region.partialObjSize = words
}

func (region *RegionData) DeferredObjAddr() Addr {
	return Addr(atomic.LoadUint64((*uint64)(&region.deferredObjAddr)))
}

func (region *RegionData) SetDeferredObjAddr(addr Addr) {
	atomic.StoreUint64((*uint64)(&region.deferredObjAddr), uint64(addr))
}

func (region *RegionData) LiveObjSize() uint64 {
	return atomic.LoadUint64(&region.dcAndLos) & losMask
}

// DataSize counts the partial object words too
func (region *RegionData) DataSize() uint64 {
	return region.partialObjSize + region.LiveObjSize()
}

// DestinationCount is meaningless once claimed
func (region *RegionData) DestinationCount() uint32 {
	return uint32(atomic.LoadUint64(&region.dcAndLos) >> dcShift)
}

func (region *RegionData) SetDestinationCount(count uint32) {
	if uint64(count)<<dcShift >= dcClaimed {
		panic(fmt.Sprintf("destination count %d collides with claimed", count))
	}
	los := atomic.LoadUint64(&region.dcAndLos) & losMask
	atomic.StoreUint64(&region.dcAndLos, uint64(count)<<dcShift|los)
}

func (region *RegionData) SetLiveObjSize(words uint64) {
	if words > losMask {
		panic(fmt.Sprintf("live object size %d overflows", words))
	}
	dc := atomic.LoadUint64(&region.dcAndLos) & dcMask
	atomic.StoreUint64(&region.dcAndLos, dc|words)
}

// AddLiveObj is safe to call from many markers at once
func (region *RegionData) AddLiveObj(words uint64) {
	atomic.AddUint64(&region.dcAndLos, words)
}

func (region *RegionData) Available() bool {
	return atomic.LoadUint64(&region.dcAndLos) < dcOne
}

func (region *RegionData) Claimed() bool {
	return atomic.LoadUint64(&region.dcAndLos) >= dcClaimed
}

func (region *RegionData) Completed() bool {
	return atomic.LoadUint64(&region.dcAndLos) >= dcCompleted
}

// Claim succeeds for exactly one caller once the destination count is zero
func (region *RegionData) Claim() bool {
	los := atomic.LoadUint64(&region.dcAndLos) & losMask
	return atomic.CompareAndSwapUint64(&region.dcAndLos, los, dcClaimed|los)
}

// ClaimUnsafe is for single threaded setup
func (region *RegionData) ClaimUnsafe() bool {
	if !region.Available() {
		return false
	}
	region.dcAndLos |= dcClaimed
	return true
}

// DecrementDestinationCount is called once a region feeding this one is drained
func (region *RegionData) DecrementDestinationCount() {
	for {
		old := atomic.LoadUint64(&region.dcAndLos)
		if old < dcOne || old >= dcClaimed {
			panic(newFatalError("destination count decremented past zero", "dcAndLos", old))
		}
		if atomic.CompareAndSwapUint64(&region.dcAndLos, old, old-dcOne) {
			return
		}
	}
}

func (region *RegionData) SetCompleted() {
	for {
		old := atomic.LoadUint64(&region.dcAndLos)
		if old < dcClaimed {
			panic(newFatalError("completing a region that was not claimed", "dcAndLos", old))
		}
		if old >= dcCompleted {
			panic(newFatalError("region completed twice", "dcAndLos", old))
		}
		if atomic.CompareAndSwapUint64(&region.dcAndLos, old, dcCompleted|old&losMask) {
			return
		}
	}
}

func (region *RegionData) BlocksFilled() bool {
	return atomic.LoadUint32(&region.blocksFilled) != 0
}

func (region *RegionData) SetBlocksFilled() {
	atomic.StoreUint32(&region.blocksFilled, 1)
}

func (region *RegionData) ShadowState() ShadowState {
	return ShadowState(atomic.LoadUint32(&region.shadowState))
}

func (region *RegionData) MarkNormal() bool {
	return atomic.CompareAndSwapUint32(&region.shadowState, uint32(ShadowUnused), uint32(ShadowNormal))
}

func (region *RegionData) MarkShadow() bool {
	if atomic.LoadUint32(&region.shadowState) != uint32(ShadowUnused) {
		return false
	}
	return atomic.CompareAndSwapUint32(&region.shadowState, uint32(ShadowUnused), uint32(ShadowActive))
}

func (region *RegionData) MarkFilled() {
	if !atomic.CompareAndSwapUint32(&region.shadowState, uint32(ShadowActive), uint32(ShadowFilled)) {
		panic(newFatalError("shadow region filled twice", "shadowState", region.ShadowState()))
	}
}

func (region *RegionData) MarkCopied() bool {
	return atomic.CompareAndSwapUint32(&region.shadowState, uint32(ShadowFilled), uint32(ShadowCopied))
}

// ShadowToNormal reverts a region picked for shadowing that became available before it was filled
func (region *RegionData) ShadowToNormal() bool {
	return atomic.CompareAndSwapUint32(&region.shadowState, uint32(ShadowActive), uint32(ShadowNormal))
}

func (region *RegionData) clear() {
	*region = RegionData{}
}

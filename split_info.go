package pcgc

import "fmt"

// SplitInfo describes the one region per space whose partial object was sent to
// a different destination space than the data following it
type SplitInfo struct {
	srcRegionIdx     uint64
	partialObjSize   uint64
	destination      Addr
	destinationCount uint32
	// set when the first word copied into the region at destRegionAddr comes from the partial object
	destRegionAddr Addr
	firstSrcAddr   Addr
}

// region 0 of the heap can never carry a partial object
func (info *SplitInfo) IsValid() bool {
	return info.srcRegionIdx > 0
}

func (info *SplitInfo) IsSplit(regionIdx uint64) bool {
	return info.srcRegionIdx == regionIdx && info.IsValid()
}

func (info *SplitInfo) SrcRegionIdx() uint64 {
	return info.srcRegionIdx
}

func (info *SplitInfo) PartialObjSize() uint64 {
	return info.partialObjSize
}

func (info *SplitInfo) Destination() Addr {
	return info.destination
}

func (info *SplitInfo) DestinationCount() uint32 {
	return info.destinationCount
}

func (info *SplitInfo) DestRegionAddr() Addr {
	return info.destRegionAddr
}

func (info *SplitInfo) FirstSrcAddr() Addr {
	return info.firstSrcAddr
}

func (info *SplitInfo) Record(cmap *CompactionMap, srcRegionIdx uint64, partialObjSize uint64, destination Addr) {
	if srcRegionIdx == 0 || partialObjSize == 0 || destination == 0 {
		panic(fmt.Sprintf("invalid split: region %d partial %d destination %d",
			srcRegionIdx, partialObjSize, destination))
	}
	info.Clear()
	info.srcRegionIdx = srcRegionIdx
	info.partialObjSize = partialObjSize
	info.destination = destination
	lastWord := destination + Addr(partialObjSize) - 1
	begRegionAddr := cmap.RegionAlignDown(destination)
	endRegionAddr := cmap.RegionAlignDown(lastWord)
	if begRegionAddr == endRegionAddr {
		info.destinationCount = 1
		if endRegionAddr == destination {
			info.destRegionAddr = endRegionAddr
			info.firstSrcAddr = cmap.RegionToAddr(srcRegionIdx)
		}
		return
	}
	// the partial object crosses a destination region boundary,
	// a word inside it is the first one copied to the second region
	info.destinationCount = 2
	info.destRegionAddr = endRegionAddr
	info.firstSrcAddr = cmap.RegionToAddr(srcRegionIdx) + (endRegionAddr - destination)
}

func (info *SplitInfo) Clear() {
	*info = SplitInfo{}
}

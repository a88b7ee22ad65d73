package pcgc

import (
	"fmt"
	"github.com/esdb/pcgc/mheap"
	"github.com/v2pro/plz/countlog"
	"sync/atomic"
	"unsafe"
)

const regionDataWords = uint64(unsafe.Sizeof(RegionData{})+7) / 8

// CompactionMap holds the per region summary and the per block offsets.
// Region indexes count from the base of the heap.
type CompactionMap struct {
	bitmap            *MarkBitmap
	regionReservation *mheap.Reservation
	blockReservation  *mheap.Reservation
	base              Addr
	end               Addr
	log2RegionSize    uint8
	regionSize        uint64
	log2BlockSize     uint8
	blockSize         uint64
	regionCount       uint64
	blockCount        uint64
	regions           []RegionData
	blocks            []uint64
}

func NewCompactionMap(vm VirtualMemory, bitmap *MarkBitmap, log2RegionSize uint8, log2BlockSize uint8) (*CompactionMap, error) {
	if log2BlockSize > log2RegionSize {
		return nil, fmt.Errorf("block size 2^%d larger than region size 2^%d", log2BlockSize, log2RegionSize)
	}
	base, end := bitmap.Base(), bitmap.End()
	regionSize := uint64(1) << log2RegionSize
	if uint64(base)%regionSize != 0 || uint64(end)%regionSize != 0 {
		return nil, fmt.Errorf("covered range [%d, %d) is not region aligned", base, end)
	}
	cmap := &CompactionMap{
		bitmap:         bitmap,
		base:           base,
		end:            end,
		log2RegionSize: log2RegionSize,
		regionSize:     regionSize,
		log2BlockSize:  log2BlockSize,
		blockSize:      uint64(1) << log2BlockSize,
		regionCount:    uint64(end-base) >> log2RegionSize,
		blockCount:     uint64(end-base) >> log2BlockSize,
	}
	var err error
	cmap.regionReservation, err = vm.Reserve("region table", cmap.regionCount*regionDataWords)
	countlog.TraceCall("callee!VirtualMemory.Reserve", err, "regionCount", cmap.regionCount)
	if err != nil {
		return nil, err
	}
	cmap.blockReservation, err = vm.Reserve("block table", cmap.blockCount)
	countlog.TraceCall("callee!VirtualMemory.Reserve", err, "blockCount", cmap.blockCount)
	if err != nil {
		cmap.regionReservation.Close()
		return nil, err
	}
	if err = cmap.commit(); err != nil {
		cmap.Close()
		return nil, err
	}
	return cmap, nil
}

func (cmap *CompactionMap) commit() error {
	regionWords, err := cmap.regionReservation.Commit(cmap.regionCount * regionDataWords)
	if err != nil {
		return err
	}
	cmap.regions = unsafe.Slice((*RegionData)(unsafe.Pointer(&regionWords[0])), cmap.regionCount)
	cmap.blocks, err = cmap.blockReservation.Commit(cmap.blockCount)
	return err
}

// Clear resets every region and block, not safe to call while compacting
func (cmap *CompactionMap) Clear() error {
	err := cmap.regionReservation.Uncommit()
	if err != nil {
		return err
	}
	err = cmap.blockReservation.Uncommit()
	if err != nil {
		return err
	}
	return cmap.commit()
}

func (cmap *CompactionMap) Close() error {
	return mergeErrors(cmap.regionReservation.Close(), cmap.blockReservation.Close())
}

func (cmap *CompactionMap) RegionSize() uint64 {
	return cmap.regionSize
}

func (cmap *CompactionMap) BlockSize() uint64 {
	return cmap.blockSize
}

func (cmap *CompactionMap) RegionCount() uint64 {
	return cmap.regionCount
}

func (cmap *CompactionMap) Region(idx uint64) *RegionData {
	return &cmap.regions[idx]
}

func (cmap *CompactionMap) AddrToRegionIdx(addr Addr) uint64 {
	if addr < cmap.base || addr > cmap.end {
		panic(fmt.Sprintf("address %d outside of compaction map [%d, %d]", addr, cmap.base, cmap.end))
	}
	return uint64(addr-cmap.base) >> cmap.log2RegionSize
}

func (cmap *CompactionMap) AddrToRegion(addr Addr) *RegionData {
	return cmap.Region(cmap.AddrToRegionIdx(addr))
}

func (cmap *CompactionMap) RegionToAddr(idx uint64) Addr {
	return cmap.base + Addr(idx<<cmap.log2RegionSize)
}

func (cmap *CompactionMap) RegionOffset(addr Addr) uint64 {
	return uint64(addr-cmap.base) & (cmap.regionSize - 1)
}

func (cmap *CompactionMap) RegionAlignDown(addr Addr) Addr {
	return addr - Addr(cmap.RegionOffset(addr))
}

func (cmap *CompactionMap) RegionAlignUp(addr Addr) Addr {
	return cmap.RegionAlignDown(addr + Addr(cmap.regionSize) - 1)
}

func (cmap *CompactionMap) IsRegionAligned(addr Addr) bool {
	return cmap.RegionOffset(addr) == 0
}

func (cmap *CompactionMap) AddrToBlockIdx(addr Addr) uint64 {
	return uint64(addr-cmap.base) >> cmap.log2BlockSize
}

func (cmap *CompactionMap) BlockAlignDown(addr Addr) Addr {
	return addr - Addr(uint64(addr-cmap.base)&(cmap.blockSize-1))
}

// BlockOffset is the number of live words in the region left of the first object starting in the block
func (cmap *CompactionMap) BlockOffset(blockIdx uint64) uint64 {
	return atomic.LoadUint64(&cmap.blocks[blockIdx])
}

// AddObj accounts a marked object, words landing in later regions become their partial object
func (cmap *CompactionMap) AddObj(addr Addr, words uint64) {
	begRegion := cmap.AddrToRegionIdx(addr)
	endRegion := cmap.AddrToRegionIdx(addr + Addr(words) - 1)
	if begRegion == endRegion {
		cmap.Region(begRegion).AddLiveObj(words)
		return
	}
	cmap.Region(begRegion).AddLiveObj(cmap.regionSize - cmap.RegionOffset(addr))
	for idx := begRegion + 1; idx < endRegion; idx++ {
		region := cmap.Region(idx)
		region.SetPartialObjSize(cmap.regionSize)
		region.SetPartialObjAddr(addr)
	}
	last := cmap.Region(endRegion)
	last.SetPartialObjSize(cmap.RegionOffset(addr+Addr(words)-1) + 1)
	last.SetPartialObjAddr(addr)
}

// PartialObjEnd is the first word after the partial object covering the start of the region
func (cmap *CompactionMap) PartialObjEnd(regionIdx uint64) Addr {
	result := cmap.RegionToAddr(regionIdx)
	for idx := regionIdx; idx < cmap.regionCount; idx++ {
		partial := cmap.Region(idx).PartialObjSize()
		result += Addr(partial)
		if partial != cmap.regionSize {
			break
		}
	}
	return result
}

// SummarizeDensePrefix makes every region in [beg, end) its own destination and look completely live
func (cmap *CompactionMap) SummarizeDensePrefix(beg Addr, end Addr) {
	endRegion := cmap.AddrToRegionIdx(end)
	for idx := cmap.AddrToRegionIdx(beg); idx < endRegion; idx++ {
		region := cmap.Region(idx)
		region.SetDestination(cmap.RegionToAddr(idx))
		region.SetDestinationCount(0)
		region.SetSourceRegion(idx)
		region.SetLiveObjSize(cmap.regionSize - region.PartialObjSize())
	}
}

// Summarize assigns destinations to the regions of [srcBeg, srcEnd) packed from tgtBeg.
// It returns false when the data does not fit below tgtEnd. With srcNext given the overflowing
// region is split and srcNext tells where to continue, without it planning has failed.
func (cmap *CompactionMap) Summarize(split *SplitInfo,
	srcBeg Addr, srcEnd Addr, srcNext *Addr,
	tgtBeg Addr, tgtEnd Addr, tgtNext *Addr) bool {
	endRegion := cmap.AddrToRegionIdx(cmap.RegionAlignUp(srcEnd))
	dest := tgtBeg
	for cur := cmap.AddrToRegionIdx(srcBeg); cur < endRegion; cur++ {
		region := cmap.Region(cur)
		region.SetDestination(dest)
		words := region.DataSize()
		if words == 0 {
			continue
		}
		if dest+Addr(words) > tgtEnd {
			if srcNext == nil {
				countlog.Debug("event!summary.region does not fit",
					"region", cur, "words", words, "dest", dest, "tgtEnd", tgtEnd)
				return false
			}
			*srcNext = cmap.summarizeSplitSpace(cur, split, srcBeg, dest, tgtEnd, tgtNext)
			return false
		}
		// a region compacting into itself does not count itself
		count := uint32(0)
		if split.IsSplit(cur) {
			count = split.DestinationCount()
			if split.DestRegionAddr() != 0 {
				cmap.AddrToRegion(split.DestRegionAddr()).SetSourceRegion(cur)
			}
		}
		lastAddr := dest + Addr(words) - 1
		destRegion1 := cmap.AddrToRegionIdx(dest)
		destRegion2 := cmap.AddrToRegionIdx(lastAddr)
		if cur != destRegion2 {
			count++
		}
		if destRegion1 != destRegion2 {
			count++
			cmap.Region(destRegion2).SetSourceRegion(cur)
		} else if cmap.IsRegionAligned(dest) {
			cmap.Region(destRegion1).SetSourceRegion(cur)
		}
		region.SetDestinationCount(count)
		dest += Addr(words)
	}
	*tgtNext = dest
	return true
}

// summarizeSplitSpace picks the split point for a region that overflows the target:
// right after the partial object of the region holding the start of the overflowing object.
// A zero result means no split point exists inside the summarized range.
func (cmap *CompactionMap) summarizeSplitSpace(srcRegion uint64, split *SplitInfo,
	srcBeg Addr, destination Addr, tgtEnd Addr, tgtNext *Addr) Addr {
	splitRegion := srcRegion
	splitDestination := destination
	partialObjSize := cmap.Region(srcRegion).PartialObjSize()
	if destination+Addr(partialObjSize) > tgtEnd {
		overflowObj := cmap.Region(srcRegion).PartialObjAddr()
		splitRegion = cmap.AddrToRegionIdx(overflowObj)
		if splitRegion < cmap.AddrToRegionIdx(srcBeg) {
			countlog.Debug("event!summary.no split point",
				"srcRegion", srcRegion, "overflowObj", overflowObj, "srcBeg", srcBeg)
			return 0
		}
		sr := cmap.Region(splitRegion)
		// regions filled from data past the split point no longer have a source here
		begIdx := cmap.AddrToRegionIdx(cmap.RegionAlignUp(sr.Destination() + Addr(sr.PartialObjSize())))
		endIdx := cmap.AddrToRegionIdx(tgtEnd)
		for idx := begIdx; idx < endIdx; idx++ {
			cmap.Region(idx).SetSourceRegion(0)
		}
		splitDestination = sr.Destination()
		partialObjSize = sr.PartialObjSize()
	}
	if partialObjSize != 0 {
		cmap.Region(splitRegion).SetPartialObjSize(0)
		split.Record(cmap, splitRegion, partialObjSize, splitDestination)
	}
	*tgtNext = splitDestination + Addr(partialObjSize)
	srcNext := cmap.RegionToAddr(splitRegion) + Addr(partialObjSize)
	countlog.Trace("event!summary.split",
		"splitRegion", splitRegion, "partialObjSize", partialObjSize,
		"splitDestination", splitDestination, "srcNext", srcNext)
	return srcNext
}

// CalcNewPointer maps the start of a live object to where it lands after compaction
func (cmap *CompactionMap) CalcNewPointer(addr Addr) Addr {
	regionIdx := cmap.AddrToRegionIdx(addr)
	region := cmap.Region(regionIdx)
	result := region.Destination()
	if region.DataSize() == cmap.regionSize {
		return result + Addr(cmap.RegionOffset(addr))
	}
	// racing fills write the same offsets
	if !region.BlocksFilled() {
		cmap.fillBlocks(regionIdx)
		region.SetBlocksFilled()
	}
	blockOffset := cmap.BlockOffset(cmap.AddrToBlockIdx(addr))
	live := cmap.bitmap.LiveWordsInRange(cmap.BlockAlignDown(addr), addr)
	return result + Addr(blockOffset+live)
}

func (cmap *CompactionMap) fillBlocks(regionIdx uint64) {
	partialObjSize := cmap.Region(regionIdx).PartialObjSize()
	if partialObjSize >= cmap.regionSize {
		return
	}
	beg := cmap.RegionToAddr(regionIdx)
	end := beg + Addr(cmap.regionSize)
	live := partialObjSize
	curBlock := cmap.blockCount
	cur := cmap.bitmap.FindObjBeg(beg+Addr(partialObjSize), end)
	for cur < end {
		block := cmap.AddrToBlockIdx(cur)
		if block != curBlock {
			curBlock = block
			atomic.StoreUint64(&cmap.blocks[block], live)
		}
		objEnd := cmap.bitmap.FindObjEnd(cur, cmap.end)
		live += cmap.bitmap.ObjSize(cur, objEnd)
		if objEnd+1 >= end {
			return
		}
		cur = cmap.bitmap.FindObjBeg(objEnd+1, end)
	}
}

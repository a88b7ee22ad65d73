package pcgc

import (
	"fmt"
	"github.com/esdb/biter"
	"github.com/esdb/pcgc/mheap"
	"github.com/v2pro/plz/countlog"
	"sync/atomic"
	"unsafe"
)

type IterationStatus int

const (
	// IterationComplete means the whole range was scanned
	IterationComplete IterationStatus = iota
	// IterationIncomplete is returned by a closure to keep going, and by Iterate when
	// the last object starting in range extends past its end
	IterationIncomplete
	// IterationFull means the closure filled its destination, the source points past the last object copied
	IterationFull
	// IterationWouldOverflow means the object at the source does not fit the space left in the destination
	IterationWouldOverflow
)

func (status IterationStatus) String() string {
	switch status {
	case IterationComplete:
		return "complete"
	case IterationIncomplete:
		return "incomplete"
	case IterationFull:
		return "full"
	case IterationWouldOverflow:
		return "would_overflow"
	}
	return fmt.Sprintf("status(%d)", int(status))
}

// LiveClosure receives the live objects found by Iterate
type LiveClosure interface {
	DoAddr(addr Addr, words uint64) IterationStatus
	SetSource(addr Addr)
}

// MarkBitmap keeps a begin bit and an end bit per heap word
type MarkBitmap struct {
	reservation *mheap.Reservation
	base        Addr
	end         Addr
	wordsPerVec uint64
	begBits     []biter.Bits
	endBits     []biter.Bits
}

func NewMarkBitmap(vm VirtualMemory, base Addr, end Addr) (*MarkBitmap, error) {
	wordsPerVec := (uint64(end-base) + 63) >> 6
	reservation, err := vm.Reserve("mark bitmap", 2*wordsPerVec)
	countlog.TraceCall("callee!VirtualMemory.Reserve", err, "wordsPerVec", wordsPerVec)
	if err != nil {
		return nil, err
	}
	bitmap := &MarkBitmap{
		reservation: reservation,
		base:        base,
		end:         end,
		wordsPerVec: wordsPerVec,
	}
	if err = bitmap.commit(); err != nil {
		reservation.Close()
		return nil, err
	}
	return bitmap, nil
}

func (bitmap *MarkBitmap) commit() error {
	words, err := bitmap.reservation.Commit(2 * bitmap.wordsPerVec)
	if err != nil {
		return err
	}
	all := unsafe.Slice((*biter.Bits)(unsafe.Pointer(&words[0])), len(words))
	bitmap.begBits = all[:bitmap.wordsPerVec]
	bitmap.endBits = all[bitmap.wordsPerVec:]
	return nil
}

// Clear drops every mark, not safe to call while marking
func (bitmap *MarkBitmap) Clear() error {
	if err := bitmap.reservation.Uncommit(); err != nil {
		return err
	}
	return bitmap.commit()
}

func (bitmap *MarkBitmap) Close() error {
	return bitmap.reservation.Close()
}

func (bitmap *MarkBitmap) Base() Addr {
	return bitmap.base
}

func (bitmap *MarkBitmap) End() Addr {
	return bitmap.end
}

// Mark sets the begin bit of addr and the end bit of its last word,
// false means the object was already marked
func (bitmap *MarkBitmap) Mark(addr Addr, size uint64) bool {
	bitmap.checkAddr(addr)
	if size == 0 || addr+Addr(size) > bitmap.end {
		panic(fmt.Sprintf("object [%d, +%d) does not fit bitmap [%d, %d)", addr, size, bitmap.base, bitmap.end))
	}
	if !setBit(bitmap.begBits, bitmap.toBit(addr)) {
		return false
	}
	setBit(bitmap.endBits, bitmap.toBit(addr+Addr(size)-1))
	return true
}

func (bitmap *MarkBitmap) IsMarked(addr Addr) bool {
	bitmap.checkAddr(addr)
	return isSet(bitmap.begBits, bitmap.toBit(addr))
}

func (bitmap *MarkBitmap) IsUnmarked(addr Addr) bool {
	return !bitmap.IsMarked(addr)
}

func (bitmap *MarkBitmap) IsObjEnd(addr Addr) bool {
	bitmap.checkAddr(addr)
	return isSet(bitmap.endBits, bitmap.toBit(addr))
}

// FindObjBeg returns the first begin bit in [beg, end), or end
func (bitmap *MarkBitmap) FindObjBeg(beg Addr, end Addr) Addr {
	bitmap.checkRange(beg, end)
	return bitmap.toAddr(findNext(bitmap.begBits, bitmap.toBit(beg), bitmap.toBit(end)))
}

// FindObjEnd returns the first end bit in [beg, end), or end
func (bitmap *MarkBitmap) FindObjEnd(beg Addr, end Addr) Addr {
	bitmap.checkRange(beg, end)
	return bitmap.toAddr(findNext(bitmap.endBits, bitmap.toBit(beg), bitmap.toBit(end)))
}

// FindObjBegReverse returns the last begin bit in [beg, end), or end
func (bitmap *MarkBitmap) FindObjBegReverse(beg Addr, end Addr) Addr {
	bitmap.checkRange(beg, end)
	return bitmap.toAddr(findPrev(bitmap.begBits, bitmap.toBit(beg), bitmap.toBit(end)))
}

// ObjSize is the size of an object given its first word and its last word
func (bitmap *MarkBitmap) ObjSize(beg Addr, end Addr) uint64 {
	return uint64(end-beg) + 1
}

// ObjSizeAt finds the end bit of the marked object at addr
func (bitmap *MarkBitmap) ObjSizeAt(addr Addr) uint64 {
	objEnd := bitmap.FindObjEnd(addr, bitmap.end)
	if objEnd == bitmap.end {
		panic(fmt.Sprintf("no end bit for object at %d", addr))
	}
	return bitmap.ObjSize(addr, objEnd)
}

// LiveWordsInRange sums the sizes of the marked objects starting in [beg, end)
func (bitmap *MarkBitmap) LiveWordsInRange(beg Addr, end Addr) uint64 {
	bitmap.checkRange(beg, end)
	live := uint64(0)
	cur := bitmap.FindObjBeg(beg, end)
	for cur < end {
		objEnd := bitmap.FindObjEnd(cur, bitmap.end)
		live += bitmap.ObjSize(cur, objEnd)
		if objEnd+1 >= end {
			break
		}
		cur = bitmap.FindObjBeg(objEnd+1, end)
	}
	return live
}

// Iterate visits the objects that start and end inside [beg, end)
func (bitmap *MarkBitmap) Iterate(closure LiveClosure, beg Addr, end Addr) IterationStatus {
	bitmap.checkRange(beg, end)
	cur := bitmap.FindObjBeg(beg, end)
	for cur < end {
		objEnd := bitmap.FindObjEnd(cur, end)
		if objEnd >= end {
			closure.SetSource(cur)
			return IterationIncomplete
		}
		status := closure.DoAddr(cur, bitmap.ObjSize(cur, objEnd))
		if status != IterationIncomplete {
			return status
		}
		cur = bitmap.FindObjBeg(objEnd+1, end)
	}
	closure.SetSource(end)
	return IterationComplete
}

// IterateWithDead also hands every gap between live objects to dead,
// gaps are cut off at deadEnd
func (bitmap *MarkBitmap) IterateWithDead(
	live LiveClosure, dead func(addr Addr, words uint64), beg Addr, end Addr, deadEnd Addr) IterationStatus {
	bitmap.checkRange(beg, end)
	bitmap.checkRange(beg, deadEnd)
	cur := beg
	if beg < end && bitmap.IsUnmarked(beg) {
		cur = bitmap.FindObjBeg(beg+1, deadEnd)
		gapEnd := minAddr(cur, deadEnd)
		dead(beg, uint64(gapEnd-beg))
	}
	for cur < end {
		objEnd := bitmap.FindObjEnd(cur, end)
		if objEnd >= end {
			live.SetSource(cur)
			return IterationIncomplete
		}
		status := live.DoAddr(cur, bitmap.ObjSize(cur, objEnd))
		if status != IterationIncomplete {
			return status
		}
		gapBeg := objEnd + 1
		if gapBeg >= deadEnd {
			cur = gapBeg
			break
		}
		cur = bitmap.FindObjBeg(gapBeg, deadEnd)
		if cur > gapBeg {
			dead(gapBeg, uint64(minAddr(cur, deadEnd)-gapBeg))
		}
	}
	live.SetSource(end)
	return IterationComplete
}

func (bitmap *MarkBitmap) toBit(addr Addr) uint64 {
	return uint64(addr - bitmap.base)
}

func (bitmap *MarkBitmap) toAddr(bit uint64) Addr {
	return bitmap.base + Addr(bit)
}

func (bitmap *MarkBitmap) checkAddr(addr Addr) {
	if addr < bitmap.base || addr >= bitmap.end {
		panic(fmt.Sprintf("address %d outside of bitmap [%d, %d)", addr, bitmap.base, bitmap.end))
	}
}

func (bitmap *MarkBitmap) checkRange(beg Addr, end Addr) {
	if beg < bitmap.base || end > bitmap.end || beg > end {
		panic(fmt.Sprintf("range [%d, %d) outside of bitmap [%d, %d)", beg, end, bitmap.base, bitmap.end))
	}
}

// slotsFrom[i] holds the slots i and above, slotsBefore[i] the slots below i
var slotsFrom, slotsBefore [64]biter.Bits

func init() {
	for i := 0; i < 64; i++ {
		for slot := 0; slot < 64; slot++ {
			if slot >= i {
				slotsFrom[i] |= biter.SetBits[slot]
			} else {
				slotsBefore[i] |= biter.SetBits[slot]
			}
		}
	}
}

func loadBits(vec []biter.Bits, index uint64) biter.Bits {
	return biter.Bits(atomic.LoadUint64((*uint64)(unsafe.Pointer(&vec[index]))))
}

func isSet(vec []biter.Bits, bit uint64) bool {
	return loadBits(vec, bit>>6)&biter.SetBits[bit&63] != 0
}

func setBit(vec []biter.Bits, bit uint64) bool {
	word := (*uint64)(unsafe.Pointer(&vec[bit>>6]))
	mask := uint64(biter.SetBits[bit&63])
	for {
		old := atomic.LoadUint64(word)
		if old&mask != 0 {
			return false
		}
		if atomic.CompareAndSwapUint64(word, old, old|mask) {
			return true
		}
	}
}

func findNext(vec []biter.Bits, beg uint64, end uint64) uint64 {
	if beg >= end {
		return end
	}
	index := beg >> 6
	lastIndex := (end - 1) >> 6
	bits := loadBits(vec, index) & slotsFrom[beg&63]
	for {
		if index == lastIndex && end&63 != 0 {
			bits &= slotsBefore[end&63]
		}
		if bits != 0 {
			return index<<6 + uint64(bits.ScanForward()())
		}
		if index == lastIndex {
			return end
		}
		index++
		bits = loadBits(vec, index)
	}
}

func findPrev(vec []biter.Bits, beg uint64, end uint64) uint64 {
	if beg >= end {
		return end
	}
	firstIndex := beg >> 6
	index := (end - 1) >> 6
	for {
		bits := loadBits(vec, index)
		if index == firstIndex {
			bits &= slotsFrom[beg&63]
		}
		if index == (end-1)>>6 && end&63 != 0 {
			bits &= slotsBefore[end&63]
		}
		if bits != 0 {
			iter := bits.ScanForward()
			last := biter.NotFound
			for slot := iter(); slot != biter.NotFound; slot = iter() {
				last = slot
			}
			return index<<6 + uint64(last)
		}
		if index == firstIndex {
			return end
		}
		index--
	}
}

func minAddr(a Addr, b Addr) Addr {
	if a < b {
		return a
	}
	return b
}

func maxAddr(a Addr, b Addr) Addr {
	if a > b {
		return a
	}
	return b
}

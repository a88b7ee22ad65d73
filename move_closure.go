package pcgc

// moveAndUpdateClosure copies live objects into one destination region and rewrites
// their references. With a shadow region the copies land in the shadow at the same offset.
type moveAndUpdateClosure struct {
	ctx            *CollectionContext
	source         Addr
	destination    Addr
	wordsRemaining uint64
	offset         Addr
	shadowRegion   uint64
	movedWords     uint64
}

func newMoveAndUpdateClosure(ctx *CollectionContext, regionIdx uint64) *moveAndUpdateClosure {
	destination := ctx.cmap.RegionToAddr(regionIdx)
	info := ctx.spaceOf(destination)
	words := ctx.cmap.RegionSize()
	if info.newTop > destination && uint64(info.newTop-destination) < words {
		words = uint64(info.newTop - destination)
	}
	return &moveAndUpdateClosure{
		ctx:            ctx,
		destination:    destination,
		wordsRemaining: words,
	}
}

func newMoveAndUpdateShadowClosure(ctx *CollectionContext, regionIdx uint64, shadowRegion uint64) *moveAndUpdateClosure {
	closure := newMoveAndUpdateClosure(ctx, regionIdx)
	closure.shadowRegion = shadowRegion
	// wraps around when the shadow sits below the region
	closure.offset = ctx.cmap.RegionToAddr(shadowRegion) - closure.destination
	return closure
}

func (closure *moveAndUpdateClosure) isShadow() bool {
	return closure.shadowRegion != 0
}

func (closure *moveAndUpdateClosure) copyDestination() Addr {
	return closure.destination + closure.offset
}

func (closure *moveAndUpdateClosure) isFull() bool {
	return closure.wordsRemaining == 0
}

func (closure *moveAndUpdateClosure) SetSource(addr Addr) {
	closure.source = addr
}

func (closure *moveAndUpdateClosure) DoAddr(addr Addr, words uint64) IterationStatus {
	closure.source = addr
	if words > closure.wordsRemaining {
		return IterationWouldOverflow
	}
	heap := closure.ctx.heap
	copyDestination := closure.copyDestination()
	closure.copyWords(words)
	closure.ctx.model.RelocateMark(heap, copyDestination, closure.destination)
	closure.ctx.updateContents(copyDestination)
	closure.updateState(words)
	if closure.isFull() {
		return IterationFull
	}
	return IterationIncomplete
}

// copyPartialObj copies the tail of the object the source points into, or as much as fits
func (closure *moveAndUpdateClosure) copyPartialObj() {
	bitmap := closure.ctx.bitmap
	words := closure.wordsRemaining
	rangeEnd := minAddr(closure.source+Addr(words), bitmap.End())
	endAddr := bitmap.FindObjEnd(closure.source, rangeEnd)
	if endAddr < rangeEnd {
		words = bitmap.ObjSize(closure.source, endAddr)
	}
	closure.copyWords(words)
	closure.updateState(words)
}

func (closure *moveAndUpdateClosure) copyUntilFull() {
	words := closure.wordsRemaining
	closure.copyWords(words)
	closure.updateState(words)
}

// copyWords leaves words that already sit at their copy destination alone,
// the dense prefix straddler gets its references updated in place
func (closure *moveAndUpdateClosure) copyWords(words uint64) {
	copyDestination := closure.copyDestination()
	if copyDestination == closure.source {
		return
	}
	closure.ctx.heap.CopyWords(closure.source, copyDestination, words)
	closure.movedWords += words
}

func (closure *moveAndUpdateClosure) updateState(words uint64) {
	closure.source += Addr(words)
	closure.destination += Addr(words)
	closure.wordsRemaining -= words
}

// updateOnlyClosure rewrites references of objects that do not move
type updateOnlyClosure struct {
	ctx     *CollectionContext
	source  Addr
	updated uint64
}

func (closure *updateOnlyClosure) DoAddr(addr Addr, words uint64) IterationStatus {
	closure.ctx.updateContents(addr)
	closure.updated++
	return IterationIncomplete
}

func (closure *updateOnlyClosure) SetSource(addr Addr) {
	closure.source = addr
}

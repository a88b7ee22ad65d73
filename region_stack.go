package pcgc

import (
	"sync"
	"sync/atomic"
)

// regionStack holds region indexes, it is shared by the owner and thieves
type regionStack struct {
	mutex   sync.Mutex
	regions []uint64
	size    int64
}

func (stack *regionStack) isEmpty() bool {
	return atomic.LoadInt64(&stack.size) == 0
}

func (stack *regionStack) len() int {
	return int(atomic.LoadInt64(&stack.size))
}

func (stack *regionStack) push(regionIdx uint64) {
	stack.mutex.Lock()
	stack.regions = append(stack.regions, regionIdx)
	atomic.StoreInt64(&stack.size, int64(len(stack.regions)))
	stack.mutex.Unlock()
}

func (stack *regionStack) pop() (uint64, bool) {
	if stack.isEmpty() {
		return 0, false
	}
	stack.mutex.Lock()
	defer stack.mutex.Unlock()
	if len(stack.regions) == 0 {
		return 0, false
	}
	regionIdx := stack.regions[len(stack.regions)-1]
	stack.regions = stack.regions[:len(stack.regions)-1]
	atomic.StoreInt64(&stack.size, int64(len(stack.regions)))
	return regionIdx, true
}

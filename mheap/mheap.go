package mheap

import (
	"errors"
	"fmt"
	"github.com/edsrzf/mmap-go"
	"github.com/v2pro/plz"
	"github.com/v2pro/plz/countlog"
	"sync"
	"unsafe"
)

const wordSize = 8

var ReservationClosedError = errors.New("reservation already closed")
var CommitOverflowError = errors.New("commit exceeds reserved range")

// MemoryManager hands out anonymous word ranges backed by mmap.
// It is thread safe, a Reservation is not.
type MemoryManager struct {
	mutex        *sync.Mutex
	reservations map[*Reservation]struct{}
	reserved     uint64
	// zero means unlimited
	maxReservedWords uint64
}

// Reservation is a contiguous range of words, reserved up front and committed from the low end
type Reservation struct {
	mgr       *MemoryManager
	name      string
	region    mmap.MMap
	words     []uint64
	committed uint64
}

func New(maxReservedWords uint64) *MemoryManager {
	return &MemoryManager{
		mutex:            &sync.Mutex{},
		reservations:     map[*Reservation]struct{}{},
		maxReservedWords: maxReservedWords,
	}
}

func (mgr *MemoryManager) Reserve(name string, words uint64) (*Reservation, error) {
	if words == 0 {
		words = 1
	}
	mgr.mutex.Lock()
	defer mgr.mutex.Unlock()
	if mgr.maxReservedWords != 0 && mgr.reserved+words > mgr.maxReservedWords {
		countlog.Error("event!mheap.reserve exceeds limit",
			"name", name, "words", words,
			"reserved", mgr.reserved, "maxReservedWords", mgr.maxReservedWords)
		return nil, fmt.Errorf("reserve %s: %d words exceeds limit %d", name, words, mgr.maxReservedWords)
	}
	// COPY makes the mapping private, only private pages are zeroed by releasePages
	region, err := mmap.MapRegion(nil, int(words*wordSize), mmap.COPY, mmap.ANON, 0)
	countlog.TraceCall("callee!mmap.MapRegion", err, "name", name, "words", words)
	if err != nil {
		return nil, fmt.Errorf("reserve %s: %s", name, err.Error())
	}
	reservation := &Reservation{
		mgr:    mgr,
		name:   name,
		region: region,
		words:  unsafe.Slice((*uint64)(unsafe.Pointer(&region[0])), words),
	}
	mgr.reservations[reservation] = struct{}{}
	mgr.reserved += words
	return reservation, nil
}

func (mgr *MemoryManager) ReservedWords() uint64 {
	mgr.mutex.Lock()
	defer mgr.mutex.Unlock()
	return mgr.reserved
}

func (mgr *MemoryManager) Close() error {
	mgr.mutex.Lock()
	reservations := mgr.reservations
	mgr.reservations = map[*Reservation]struct{}{}
	mgr.mutex.Unlock()
	var errs []error
	for reservation := range reservations {
		err := reservation.unmap()
		if err != nil {
			errs = append(errs, err)
		}
	}
	return plz.MergeErrors(errs...)
}

func (reservation *Reservation) Name() string {
	return reservation.name
}

func (reservation *Reservation) ReservedWords() uint64 {
	return uint64(len(reservation.words))
}

func (reservation *Reservation) CommittedWords() uint64 {
	return reservation.committed
}

// Commit grows the committed range to at least the given number of words,
// the returned slice covers the whole committed range
func (reservation *Reservation) Commit(words uint64) ([]uint64, error) {
	if reservation.region == nil {
		return nil, ReservationClosedError
	}
	if words > uint64(len(reservation.words)) {
		countlog.Error("event!mheap.commit overflow",
			"name", reservation.name, "words", words, "reserved", len(reservation.words))
		return nil, CommitOverflowError
	}
	if words > reservation.committed {
		reservation.committed = words
	}
	return reservation.words[:reservation.committed], nil
}

// Words is the committed range
func (reservation *Reservation) Words() []uint64 {
	return reservation.words[:reservation.committed]
}

// Uncommit hands the physical pages back, committed words read as zero afterwards
func (reservation *Reservation) Uncommit() error {
	if reservation.region == nil {
		return ReservationClosedError
	}
	committed := reservation.words[:reservation.committed]
	reservation.committed = 0
	err := releasePages(reservation.region[:len(committed)*wordSize], committed)
	countlog.TraceCall("callee!mheap.releasePages", err, "name", reservation.name)
	return err
}

// Close releases the mapping, the slices handed out must not be used afterwards
func (reservation *Reservation) Close() error {
	reservation.mgr.mutex.Lock()
	_, owned := reservation.mgr.reservations[reservation]
	if owned {
		delete(reservation.mgr.reservations, reservation)
		reservation.mgr.reserved -= uint64(len(reservation.words))
	}
	reservation.mgr.mutex.Unlock()
	if !owned {
		return nil
	}
	return reservation.unmap()
}

func (reservation *Reservation) unmap() error {
	if reservation.region == nil {
		return nil
	}
	err := reservation.region.Unmap()
	countlog.TraceCall("callee!mmap.Unmap", err, "name", reservation.name)
	reservation.region = nil
	reservation.words = nil
	reservation.committed = 0
	return err
}

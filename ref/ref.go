package ref

import (
	"github.com/v2pro/plz"
	"github.com/v2pro/plz/countlog"
	"io"
	"sync/atomic"
)

// ReferenceCounted closes its resources when the last holder lets go.
// The creator holds the first reference.
type ReferenceCounted struct {
	resourceName     string
	referenceCounter uint32
	resources        []io.Closer
	released         chan struct{}
	closeErr         error
}

func NewReferenceCounted(resourceName string, resources ...io.Closer) *ReferenceCounted {
	return &ReferenceCounted{
		resourceName:     resourceName,
		referenceCounter: 1,
		resources:        resources,
		released:         make(chan struct{}),
	}
}

// Acquire fails once the resources are released
func (refCnt *ReferenceCounted) Acquire() bool {
	for {
		counter := atomic.LoadUint32(&refCnt.referenceCounter)
		if counter == 0 {
			return false
		}
		if atomic.CompareAndSwapUint32(&refCnt.referenceCounter, counter, counter+1) {
			return true
		}
	}
}

func (refCnt *ReferenceCounted) Close() error {
	if !refCnt.decreaseReference() {
		return nil
	}
	countlog.Trace("event!ref.release reference counted resource", "resourceName", refCnt.resourceName)
	var errs []error
	for _, res := range refCnt.resources {
		if err := res.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	refCnt.closeErr = plz.MergeErrors(errs...)
	close(refCnt.released)
	return refCnt.closeErr
}

// Released is closed after the resources are closed
func (refCnt *ReferenceCounted) Released() <-chan struct{} {
	return refCnt.released
}

// Wait blocks until released and reports what closing the resources returned
func (refCnt *ReferenceCounted) Wait() error {
	<-refCnt.released
	return refCnt.closeErr
}

func (refCnt *ReferenceCounted) References() uint32 {
	return atomic.LoadUint32(&refCnt.referenceCounter)
}

func (refCnt *ReferenceCounted) decreaseReference() bool {
	for {
		counter := atomic.LoadUint32(&refCnt.referenceCounter)
		if counter == 0 {
			return false
		}
		if atomic.CompareAndSwapUint32(&refCnt.referenceCounter, counter, counter-1) {
			return counter == 1
		}
	}
}

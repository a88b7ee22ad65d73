package pcgc

import (
	"errors"
	"fmt"
	"github.com/v2pro/plz"
	"strings"
)

var PlanningInfeasibleError = errors.New("live data does not fit the heap")
var MarkStackOverflowError = errors.New("mark stack overflow")
var CollectorClosedError = errors.New("collector closed")
var CollectorBrokenError = errors.New("collector aborted by an earlier fatal error")
var DumpDisabledError = errors.New("no dump directory configured")

// FatalError is panicked when an invariant of the collection breaks, the heap is
// not usable afterwards
type FatalError struct {
	Cause      error
	Event      string
	Properties []interface{}
}

func newFatalError(event string, properties ...interface{}) *FatalError {
	return &FatalError{Event: event, Properties: properties}
}

func (err *FatalError) Error() string {
	var buf strings.Builder
	if err.Cause != nil {
		buf.WriteString(err.Cause.Error())
		buf.WriteString(": ")
	}
	buf.WriteString(err.Event)
	for i := 0; i+1 < len(err.Properties); i += 2 {
		fmt.Fprintf(&buf, " %v=%v", err.Properties[i], err.Properties[i+1])
	}
	return buf.String()
}

func (err *FatalError) Unwrap() error {
	return err.Cause
}

// mergeErrors drops the nil errors before merging
func mergeErrors(errs ...error) error {
	var failed []error
	for _, err := range errs {
		if err != nil {
			failed = append(failed, err)
		}
	}
	if len(failed) == 0 {
		return nil
	}
	return plz.MergeErrors(failed...)
}

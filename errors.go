package scratchnet

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfig marks an ExperimentConfig that cannot describe a run
	ErrInvalidConfig = errors.New("invalid experiment config")

	// ErrFlowTiming marks a flow whose window is empty or leaves [0, stopTime]
	ErrFlowTiming = errors.New("flow timing error")

	// ErrAddressSpaceExhausted marks an address block too small for the nodes
	ErrAddressSpaceExhausted = errors.New("address space exhausted")

	// ErrInvalidDriverState marks a driver operation called out of order
	ErrInvalidDriverState = errors.New("invalid driver state")

	// ErrMissingFlowRecord marks a scheduled flow the engine reported nothing for
	ErrMissingFlowRecord = errors.New("missing flow record")
)

// FlowTimingError describes the window of one offending flow
type FlowTimingError struct {
	Index    int
	Start    float64
	Stop     float64
	StopTime float64
}

func (e *FlowTimingError) Error() string {
	return fmt.Sprintf("flow %d window [%g, %g] must satisfy 0 <= start < stop <= %g",
		e.Index, e.Start, e.Stop, e.StopTime)
}

func (e *FlowTimingError) Unwrap() error {
	return ErrFlowTiming
}

// MissingFlowRecordError reports a scheduled flow without an engine record
type MissingFlowRecordError struct {
	FlowID FlowID
}

func (e *MissingFlowRecordError) Error() string {
	return fmt.Sprintf("flow %d: no flow record observed", e.FlowID)
}

func (e *MissingFlowRecordError) Unwrap() error {
	return ErrMissingFlowRecord
}

// ReportErrs collects the non-nil errors of the list into one error, nil if there are none.
// errors.Is sees through to each constituent
func ReportErrs(errs []error) error {
	return errors.Join(errs...)
}

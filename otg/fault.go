package otg

import (
	"errors"
	"fmt"
)

var (
	// ErrHalted is returned by every access after the controller hit a Fault.
	ErrHalted = errors.New("usb controller halted after fault")

	// ErrClosed is returned by accesses made after Close.
	ErrClosed = errors.New("usb controller closed")
)

// FaultKind classifies an emulation invariant violation.
type FaultKind int

const (
	FaultBadEndpoint FaultKind = iota + 1
	FaultBadRegister
	FaultBadFIFO
	FaultFIFOOverflow
	FaultNoTransport
)

func (k FaultKind) String() string {
	switch k {
	case FaultBadEndpoint:
		return "endpoint out of range"
	case FaultBadRegister:
		return "unmapped register"
	case FaultBadFIFO:
		return "fifo out of range"
	case FaultFIFOOverflow:
		return "fifo buffer overflow"
	case FaultNoTransport:
		return "no transport"
	}

	return fmt.Sprintf("fault(%d)", int(k))
}

// Fault is an unrecoverable emulation error. It is not a guest visible
// condition: once raised, the controller stops serving accesses.
type Fault struct {
	Kind FaultKind
	Msg  string
}

func (f *Fault) Error() string {
	return fmt.Sprintf("usb_synopsys: %s: %s", f.Kind, f.Msg)
}

// Is makes errors.Is match any Fault of the same kind.
func (f *Fault) Is(target error) bool {
	var t *Fault
	if !errors.As(target, &t) {
		return false
	}

	return t.Kind == f.Kind
}

func fault(kind FaultKind, format string, args ...interface{}) {
	panic(&Fault{Kind: kind, Msg: fmt.Sprintf(format, args...)})
}

// IsFault reports whether err carries a Fault.
func IsFault(err error) bool {
	var f *Fault

	return errors.As(err, &f)
}

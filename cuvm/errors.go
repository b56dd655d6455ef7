package cuvm

// Stage and OpError are defined on a separate cgo-free file so `go tool
// enumer` works on it.

import (
	"fmt"

	"github.com/growmem/gocuvm/cuvm/cudriver"
)

// Stage identifies which step of a segment operation failed. The stages of a
// map are Context, Affinity, Create, Map and SetAccess (in that order); of an
// unmap, Context, Unmap and Release; Reserve and AddressFree bracket the
// whole lifecycle.
type Stage int

//go:generate go tool enumer -type=Stage -trimprefix=Stage errors.go

const (
	// StageArgs is argument validation, before any driver call is issued.
	StageArgs Stage = iota
	StageContext
	StageAffinity
	StageReserve
	StageCreate
	StageMap
	StageSetAccess
	StageUnmap
	StageRelease
	StageAddressFree
)

const numStages = int(StageAddressFree) + 1

// OpError is the structured failure of an Allocator operation: which
// operation, on which device, at which stage, and -- for the chunked stages
// -- which chunk failed and how many chunks completed the failing stage
// before the abort.
//
// There is no automatic rollback: Chunk and Done describe exactly the state
// the operation left behind, so callers can retry, roll back that prefix, or
// leak-track it. Err is the underlying *cudriver.Error (or a validation
// error) and is exposed through Unwrap.
type OpError struct {
	Op     string
	Device cudriver.Device
	Stage  Stage
	Chunk  int // Failing chunk index; -1 when the stage is not chunk-specific.
	Done   int // Chunks that completed the failing stage before the abort.
	Err    error
}

// Error implements the error interface.
func (e *OpError) Error() string {
	if e.Chunk >= 0 {
		return fmt.Sprintf("%s on device %d failed at stage %s for chunk %d (%d chunks had completed the stage): %v",
			e.Op, e.Device, e.Stage, e.Chunk, e.Done, e.Err)
	}
	return fmt.Sprintf("%s on device %d failed at stage %s: %v", e.Op, e.Device, e.Stage, e.Err)
}

// Unwrap exposes the underlying error, so errors.As reaches the
// *cudriver.Error and its Result code.
func (e *OpError) Unwrap() error {
	return e.Err
}

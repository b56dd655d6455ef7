package cudriver

import (
	"errors"
	"fmt"
)

// Result mirrors the driver's CUresult status codes, restricted to the codes
// the VMM entry points used here can produce.
type Result int32

// Values match cuda.h.
const (
	Success             Result = 0
	ErrorInvalidValue   Result = 1
	ErrorOutOfMemory    Result = 2
	ErrorNotInitialized Result = 3
	ErrorDeinitialized  Result = 4
	ErrorNoDevice       Result = 100
	ErrorInvalidDevice  Result = 101
	ErrorInvalidContext Result = 201
	ErrorMapFailed      Result = 205
	ErrorAlreadyMapped  Result = 208
	ErrorNotMapped      Result = 211
	ErrorNotPermitted   Result = 800
	ErrorNotSupported   Result = 801
	ErrorUnknown        Result = 999
)

var resultNames = map[Result]string{
	Success:             "CUDA_SUCCESS",
	ErrorInvalidValue:   "CUDA_ERROR_INVALID_VALUE",
	ErrorOutOfMemory:    "CUDA_ERROR_OUT_OF_MEMORY",
	ErrorNotInitialized: "CUDA_ERROR_NOT_INITIALIZED",
	ErrorDeinitialized:  "CUDA_ERROR_DEINITIALIZED",
	ErrorNoDevice:       "CUDA_ERROR_NO_DEVICE",
	ErrorInvalidDevice:  "CUDA_ERROR_INVALID_DEVICE",
	ErrorInvalidContext: "CUDA_ERROR_INVALID_CONTEXT",
	ErrorMapFailed:      "CUDA_ERROR_MAP_FAILED",
	ErrorAlreadyMapped:  "CUDA_ERROR_ALREADY_MAPPED",
	ErrorNotMapped:      "CUDA_ERROR_NOT_MAPPED",
	ErrorNotPermitted:   "CUDA_ERROR_NOT_PERMITTED",
	ErrorNotSupported:   "CUDA_ERROR_NOT_SUPPORTED",
	ErrorUnknown:        "CUDA_ERROR_UNKNOWN",
}

// String returns the driver's symbolic name for the code, or a numeric form
// for codes this module doesn't know by name.
func (r Result) String() string {
	if name, ok := resultNames[r]; ok {
		return name
	}
	return fmt.Sprintf("CUresult(%d)", int32(r))
}

// Error is a failed driver call: which entry point, its Result code, and the
// driver's error string when one could be fetched.
type Error struct {
	Call   string
	Code   Result
	Detail string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s failed with %s: %s", e.Call, e.Code, e.Detail)
	}
	return fmt.Sprintf("%s failed with %s", e.Call, e.Code)
}

// ErrorCode extracts the driver Result from an error chain, if err wraps a
// *Error. Returns Success and false otherwise.
func ErrorCode(err error) (Result, bool) {
	var drvErr *Error
	if errors.As(err, &drvErr) {
		return drvErr.Code, true
	}
	return Success, false
}

//go:build !linux || !cgo

package cudriver

import (
	"runtime"

	"github.com/pkg/errors"
)

// LibraryPathEnv overrides the path the CUDA driver library is loaded from.
// Only honored on Linux.
const LibraryPathEnv = "GOCUVM_LIBCUDA_PATH"

// Open is only supported on Linux; elsewhere it always fails. Use the
// drivertest package for a hardware-free Driver.
func Open() (Driver, error) {
	return nil, errors.Errorf("loading the CUDA driver library is not supported on %s", runtime.GOOS)
}

// Package affinity pins the calling OS thread to a CPU set. The allocator
// uses it to keep driver-call issuance on the NUMA node local to the target
// device; callers treat failures as a lost optimization, never as fatal.
//
// Bind acts on the calling thread only, so the caller must hold
// runtime.LockOSThread for the binding to mean anything. The previous
// affinity mask is not saved: a caller that needs it back must save and
// restore it itself.
package affinity

import (
	"github.com/pkg/errors"
	"k8s.io/utils/cpuset"
)

// Bind pins the calling OS thread to the given CPU set.
func Bind(cpus cpuset.CPUSet) error {
	if cpus.IsEmpty() {
		return errors.New("cannot bind the thread to an empty CPU set")
	}
	return bind(cpus)
}

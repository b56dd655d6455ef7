//go:build linux

package affinity

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
	"k8s.io/utils/cpuset"
)

// bind sets the calling thread's affinity mask. Pid 0 means "the calling
// thread" for sched_setaffinity(2).
func bind(cpus cpuset.CPUSet) error {
	var set unix.CPUSet
	for _, cpu := range cpus.List() {
		set.Set(cpu)
	}
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return errors.Wrapf(err, "sched_setaffinity to CPUs %s failed", cpus)
	}
	return nil
}

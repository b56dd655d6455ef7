//go:build !linux

package affinity

import (
	"runtime"

	"github.com/pkg/errors"
	"k8s.io/utils/cpuset"
)

func bind(cpus cpuset.CPUSet) error {
	return errors.Errorf("thread CPU affinity is not supported on %s", runtime.GOOS)
}

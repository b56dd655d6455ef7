//go:build linux

package affinity

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
	"k8s.io/utils/cpuset"
)

func TestBind(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	// Save the current mask and restore it so the test doesn't perturb the
	// rest of the test binary.
	var saved unix.CPUSet
	require.NoError(t, unix.SchedGetaffinity(0, &saved))
	defer func() { _ = unix.SchedSetaffinity(0, &saved) }()

	cpu := -1
	for ii := 0; ii < 1024; ii++ {
		if saved.IsSet(ii) {
			cpu = ii
			break
		}
	}
	require.GreaterOrEqual(t, cpu, 0, "no usable CPU in the current affinity mask")

	require.NoError(t, Bind(cpuset.New(cpu)))

	var bound unix.CPUSet
	require.NoError(t, unix.SchedGetaffinity(0, &bound))
	require.Equal(t, 1, bound.Count())
	require.True(t, bound.IsSet(cpu))
}

func TestBindEmptySet(t *testing.T) {
	require.Error(t, Bind(cpuset.New()))
}

func TestBindImpossibleCPU(t *testing.T) {
	// CPU numbers far beyond anything the host has: the syscall must fail,
	// and the caller is expected to treat that as non-fatal.
	require.Error(t, Bind(cpuset.New(1022, 1023)))
}

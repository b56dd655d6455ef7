package cuvm

import (
	"testing"

	"github.com/growmem/gocuvm/cuvm/cudriver"
	"github.com/growmem/gocuvm/cuvm/drivertest"

	"github.com/stretchr/testify/require"
)

func TestEnsureContextRetainsOnce(t *testing.T) {
	a, sim := newTestAllocator(t)

	require.NoError(t, a.EnsureContext())
	require.Equal(t, 1, sim.PrimaryRetainCount(0))

	ctx, err := sim.CtxGetCurrent()
	require.NoError(t, err)
	require.NotZero(t, ctx)

	// A second call trusts the existing current context: no new retain.
	require.NoError(t, a.EnsureContext())
	require.Equal(t, 1, sim.PrimaryRetainCount(0))
}

func TestEnsureContextTrustsForeignContext(t *testing.T) {
	// The documented gap: with device 0's context current, device 1's guard
	// does nothing. Callers mixing devices on one thread own this.
	sim := drivertest.New(2, 1<<30)
	sim.SetGranularity(testGranularity)
	require.NoError(t, sim.Init())

	a0, err := New(sim, 0, WithChunkSize(testChunkSize))
	require.NoError(t, err)
	a1, err := New(sim, 1, WithChunkSize(testChunkSize))
	require.NoError(t, err)

	require.NoError(t, a0.EnsureContext())
	require.NoError(t, a1.EnsureContext())
	require.Equal(t, 1, sim.PrimaryRetainCount(0))
	require.Zero(t, sim.PrimaryRetainCount(1))
}

func TestEnsureContextFailures(t *testing.T) {
	a, sim := newTestAllocator(t)

	sim.FailNext(drivertest.CallCtxGetCurrent, cudriver.ErrorDeinitialized)
	err := a.EnsureContext()
	requireOpError(t, err, StageContext, -1, 0)
	code, ok := cudriver.ErrorCode(err)
	require.True(t, ok)
	require.Equal(t, cudriver.ErrorDeinitialized, code)

	sim.FailNext(drivertest.CallCtxSetCurrent, cudriver.ErrorInvalidContext)
	requireOpError(t, a.EnsureContext(), StageContext, -1, 0)
}

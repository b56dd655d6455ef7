package cuvm

import (
	"testing"

	"github.com/growmem/gocuvm/cuvm/cudriver"
	"github.com/growmem/gocuvm/cuvm/drivertest"

	"github.com/stretchr/testify/require"
)

func TestReserveMapFreeLifecycle(t *testing.T) {
	a, sim := newTestAllocator(t)
	requested := 3*a.ChunkSize() + 1

	seg, err := a.Reserve(requested)
	require.NoError(t, err)
	require.Equal(t, cudriver.Device(0), seg.Device())
	require.Equal(t, requested, seg.Size())
	require.Equal(t, a.AlignUp(requested), seg.AlignedSize())
	require.False(t, seg.Mapped())
	require.Equal(t, 1, sim.LiveReservations())
	require.Zero(t, sim.LiveHandles())

	require.NoError(t, a.Map(seg))
	require.True(t, seg.Mapped())
	require.Equal(t, seg.AlignedSize(), sim.DeviceUsed(0))

	// Mapping twice is refused.
	requireOpError(t, a.Map(seg), StageArgs, -1, 0)

	require.NoError(t, a.Free(seg))
	require.False(t, seg.Mapped())
	require.NoError(t, sim.LeakCheck())

	// The segment is dead after Free.
	requireOpError(t, a.Free(seg), StageArgs, -1, 0)
	requireOpError(t, a.Map(seg), StageArgs, -1, 0)
}

func TestUnmapKeepsReservation(t *testing.T) {
	a, sim := newTestAllocator(t)

	seg, err := a.Alloc(2 * a.ChunkSize())
	require.NoError(t, err)

	require.NoError(t, a.Unmap(seg))
	require.False(t, seg.Mapped())
	require.Zero(t, sim.LiveHandles())
	require.Equal(t, 1, sim.LiveReservations())

	// The same reservation can be backed again, at the same base.
	base := seg.Base()
	require.NoError(t, a.Map(seg))
	require.Equal(t, base, seg.Base())
	require.True(t, seg.Mapped())

	require.NoError(t, a.Free(seg))
	require.NoError(t, sim.LeakCheck())
}

func TestAllocMapFailureKeepsReservation(t *testing.T) {
	a, sim := newTestAllocator(t)

	sim.FailAfter(drivertest.CallMemCreate, 1, cudriver.ErrorOutOfMemory)
	seg, err := a.Alloc(3 * a.ChunkSize())
	requireOpError(t, err, StageCreate, 1, 1)

	// No rollback: the reservation (and the created chunk) survive; the
	// segment is returned so the caller can clean up.
	require.NotNil(t, seg)
	require.False(t, seg.Mapped())
	require.Equal(t, 1, sim.LiveReservations())
	require.Equal(t, 1, sim.LiveHandles())

	require.NoError(t, sim.MemRelease(seg.Handles()[0]))
	require.NoError(t, a.Free(seg))
	require.NoError(t, sim.LeakCheck())
}

func TestReserveValidation(t *testing.T) {
	a, _ := newTestAllocator(t)
	_, err := a.Reserve(0)
	requireOpError(t, err, StageArgs, -1, 0)
}

func TestSegmentDeviceMismatch(t *testing.T) {
	sim := drivertest.New(2, 256*1024*1024)
	sim.SetGranularity(testGranularity)
	require.NoError(t, sim.Init())

	a0, err := New(sim, 0, WithChunkSize(testChunkSize))
	require.NoError(t, err)
	a1, err := New(sim, 1, WithChunkSize(testChunkSize))
	require.NoError(t, err)

	seg, err := a0.Reserve(testChunkSize)
	require.NoError(t, err)
	requireOpError(t, a1.Map(seg), StageArgs, -1, 0)
	require.NoError(t, a0.Free(seg))
}

func TestStatsAccounting(t *testing.T) {
	a, _ := newTestAllocator(t, WithLeakStacks())

	seg, err := a.Alloc(4 * a.ChunkSize())
	require.NoError(t, err)

	stats := a.Stats()
	require.Equal(t, uint64(1), stats.Reserves)
	require.Equal(t, uint64(4), stats.ChunksCreated)
	require.Equal(t, uint64(4), stats.ChunksMapped)
	require.Equal(t, int64(seg.AlignedSize()), stats.BytesMapped)

	require.NoError(t, a.Free(seg))
	stats = a.Stats()
	require.Equal(t, uint64(4), stats.ChunksUnmapped)
	require.Equal(t, uint64(4), stats.ChunksReleased)
	require.Zero(t, stats.BytesMapped)
	require.Empty(t, stats.Failures)
}

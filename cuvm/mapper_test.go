package cuvm

import (
	"sync"
	"testing"

	"github.com/growmem/gocuvm/cuvm/cudriver"
	"github.com/growmem/gocuvm/cuvm/drivertest"
	"github.com/growmem/gocuvm/cuvm/topology"

	"github.com/stretchr/testify/require"
	"k8s.io/utils/cpuset"
)

// reserveRaw reserves an address range directly on the driver, mirroring a
// caller that manages its own bookkeeping around MapSegment/UnmapSegment.
func reserveRaw(t *testing.T, a *Allocator, total uint64) cudriver.DevicePtr {
	t.Helper()
	require.NoError(t, a.EnsureContext())
	base, err := a.Driver().MemAddressReserve(total, a.Granularity(), 0)
	require.NoError(t, err)
	return base
}

func requireOpError(t *testing.T, err error, stage Stage, chunk, done int) *OpError {
	t.Helper()
	require.Error(t, err)
	opErr, ok := err.(*OpError)
	require.True(t, ok, "not an *OpError: %v", err)
	require.Equal(t, stage, opErr.Stage, "unexpected stage in %v", err)
	require.Equal(t, chunk, opErr.Chunk, "unexpected chunk in %v", err)
	require.Equal(t, done, opErr.Done, "unexpected completed prefix in %v", err)
	return opErr
}

func TestMapUnmapRoundTrip(t *testing.T) {
	a, sim := newTestAllocator(t)
	total := a.AlignUp(3*a.ChunkSize() + 1)
	sizes := a.ChunkSizes(total)
	handles := make([]cudriver.AllocationHandle, len(sizes))
	base := reserveRaw(t, a, total)

	require.NoError(t, a.MapSegment(base, total, handles, sizes))
	for ii, handle := range handles {
		require.NotZero(t, handle, "chunk %d has no handle", ii)
	}
	require.Equal(t, len(sizes), sim.MappedChunks())
	require.Equal(t, total, sim.DeviceUsed(0))

	require.NoError(t, a.UnmapSegment(base, total, handles, sizes))
	require.Zero(t, sim.MappedChunks())
	require.Zero(t, sim.LiveHandles())
	require.Zero(t, sim.DeviceUsed(0))

	require.NoError(t, sim.MemAddressFree(base, total))
	require.NoError(t, sim.LeakCheck())

	stats := a.Stats()
	require.Equal(t, uint64(len(sizes)), stats.ChunksCreated)
	require.Equal(t, uint64(len(sizes)), stats.ChunksReleased)
	require.Zero(t, stats.BytesMapped)
	require.Empty(t, stats.Failures)
}

func TestMapSegmentArgValidation(t *testing.T) {
	a, sim := newTestAllocator(t)
	g := a.Granularity()
	base := reserveRaw(t, a, 4*g)
	handles := make([]cudriver.AllocationHandle, 2)

	// No chunks.
	requireOpError(t, a.MapSegment(base, 0, nil, nil), StageArgs, -1, 0)
	// Handle/size count mismatch.
	requireOpError(t, a.MapSegment(base, 4*g, handles[:1], []uint64{2 * g, 2 * g}), StageArgs, -1, 0)
	// Unaligned chunk size.
	requireOpError(t, a.MapSegment(base, 4*g, handles, []uint64{2 * g, g + 1}), StageArgs, -1, 0)
	// Sizes don't sum to the total.
	requireOpError(t, a.MapSegment(base, 4*g, handles, []uint64{g, g}), StageArgs, -1, 0)

	// Nothing was issued to the driver.
	require.Zero(t, sim.Calls(drivertest.CallMemCreate))
	require.Zero(t, sim.LiveHandles())
}

func TestMapSegmentCreateFailureLeavesPrefix(t *testing.T) {
	a, sim := newTestAllocator(t)
	total := 3 * a.ChunkSize()
	sizes := a.ChunkSizes(total)
	handles := make([]cudriver.AllocationHandle, len(sizes))
	base := reserveRaw(t, a, total)

	sim.FailAfter(drivertest.CallMemCreate, 1, cudriver.ErrorOutOfMemory)
	err := a.MapSegment(base, total, handles, sizes)
	opErr := requireOpError(t, err, StageCreate, 1, 1)

	code, ok := cudriver.ErrorCode(opErr)
	require.True(t, ok)
	require.Equal(t, cudriver.ErrorOutOfMemory, code)

	// Chunks [0, 1) created but unmapped, [1, n) untouched.
	require.Equal(t, 1, sim.LiveHandles())
	require.Zero(t, sim.MappedChunks())
	require.NotZero(t, handles[0])
	require.Zero(t, handles[1])
	require.Zero(t, handles[2])
}

func TestMapSegmentMapFailureLeavesPrefix(t *testing.T) {
	a, sim := newTestAllocator(t)
	total := 3 * a.ChunkSize()
	sizes := a.ChunkSizes(total)
	handles := make([]cudriver.AllocationHandle, len(sizes))
	base := reserveRaw(t, a, total)

	sim.FailAfter(drivertest.CallMemMap, 1, cudriver.ErrorMapFailed)
	err := a.MapSegment(base, total, handles, sizes)
	requireOpError(t, err, StageMap, 1, 1)

	// All chunks created, only the first mapped.
	require.Equal(t, len(sizes), sim.LiveHandles())
	require.Equal(t, 1, sim.MappedChunks())
}

func TestMapSegmentSetAccessFailureLeavesMapped(t *testing.T) {
	a, sim := newTestAllocator(t)
	total := 2 * a.ChunkSize()
	sizes := a.ChunkSizes(total)
	handles := make([]cudriver.AllocationHandle, len(sizes))
	base := reserveRaw(t, a, total)

	sim.FailNext(drivertest.CallMemSetAccess, cudriver.ErrorInvalidValue)
	err := a.MapSegment(base, total, handles, sizes)
	requireOpError(t, err, StageSetAccess, -1, len(sizes))

	// Mapped but inaccessible: copies into the range fail.
	require.Equal(t, len(sizes), sim.MappedChunks())
	require.Error(t, sim.MemcpyHtoD(base, []byte{1, 2, 3}))

	// The same bookkeeping can still be torn down.
	require.NoError(t, a.UnmapSegment(base, total, handles, sizes))
	require.Zero(t, sim.LiveHandles())
}

func TestMapSegmentContextFailure(t *testing.T) {
	a, sim := newTestAllocator(t)
	total := a.ChunkSize()
	sizes := a.ChunkSizes(total)
	handles := make([]cudriver.AllocationHandle, len(sizes))
	base := reserveRaw(t, a, total)

	// Clear the current context and make retaining a new one fail.
	require.NoError(t, sim.CtxSetCurrent(0))
	sim.FailNext(drivertest.CallDevicePrimaryCtxRetain, cudriver.ErrorInvalidDevice)
	err := a.MapSegment(base, total, handles, sizes)
	requireOpError(t, err, StageContext, -1, 0)
	require.Zero(t, sim.Calls(drivertest.CallMemCreate))
}

func TestUnmapSegmentFailuresLeavePrefix(t *testing.T) {
	a, sim := newTestAllocator(t)
	total := 3 * a.ChunkSize()
	sizes := a.ChunkSizes(total)
	handles := make([]cudriver.AllocationHandle, len(sizes))
	base := reserveRaw(t, a, total)
	require.NoError(t, a.MapSegment(base, total, handles, sizes))

	// Unmap pass aborts at chunk 1: chunk 0 unmapped, 1 and 2 still mapped,
	// nothing released.
	sim.FailAfter(drivertest.CallMemUnmap, 1, cudriver.ErrorUnknown)
	err := a.UnmapSegment(base, total, handles, sizes)
	requireOpError(t, err, StageUnmap, 1, 1)
	require.Equal(t, len(sizes)-1, sim.MappedChunks())
	require.Equal(t, len(sizes), sim.LiveHandles())

	// Remap chunk 0 so the bookkeeping is whole again, then fail the
	// release pass at chunk 0: everything unmapped, nothing released.
	require.NoError(t, sim.MemMap(base, sizes[0], 0, handles[0]))
	sim.FailNext(drivertest.CallMemRelease, cudriver.ErrorUnknown)
	err = a.UnmapSegment(base, total, handles, sizes)
	requireOpError(t, err, StageRelease, 0, 0)
	require.Zero(t, sim.MappedChunks())
	require.Equal(t, len(sizes), sim.LiveHandles())

	// A retry of just the release pass is possible with the same handles.
	for _, handle := range handles {
		require.NoError(t, sim.MemRelease(handle))
	}
	require.Zero(t, sim.LiveHandles())
}

func TestAffinityFailureIsNonFatal(t *testing.T) {
	// CPUs no host has: binding fails, mapping must still succeed.
	table, err := topology.New(topology.Node{
		ID:      0,
		CPUs:    cpuset.New(1022, 1023),
		Devices: []cudriver.Device{0},
	})
	require.NoError(t, err)

	sim := drivertest.New(1, 256*1024*1024)
	sim.SetGranularity(testGranularity)
	require.NoError(t, sim.Init())
	a, err := New(sim, 0, WithChunkSize(testChunkSize), WithTopology(table))
	require.NoError(t, err)

	total := 2 * a.ChunkSize()
	sizes := a.ChunkSizes(total)
	handles := make([]cudriver.AllocationHandle, len(sizes))
	base := reserveRaw(t, a, total)

	require.NoError(t, a.MapSegment(base, total, handles, sizes))
	require.NoError(t, a.UnmapSegment(base, total, handles, sizes))

	stats := a.Stats()
	require.NotZero(t, stats.Failures[StageAffinity])
}

func TestDataIntegrityAcrossChunkBoundary(t *testing.T) {
	a, sim := newTestAllocator(t)
	chunk := a.ChunkSize()

	// Two unequal chunks: the second absorbs the remainder.
	total := chunk + a.Granularity()
	seg, err := a.Alloc(total)
	require.NoError(t, err)
	require.Len(t, seg.ChunkSizes(), 2)

	// A pattern spanning the chunk boundary: if offsets were wrong or the
	// chunks not contiguous, the read-back would not match.
	span := 4 * 1024
	pattern := make([]byte, 2*span)
	for ii := range pattern {
		pattern[ii] = byte(ii*31 + 7)
	}
	boundary := seg.Base() + cudriver.DevicePtr(chunk)
	writeAt := boundary - cudriver.DevicePtr(span)
	require.NoError(t, sim.MemcpyHtoD(writeAt, pattern))

	readBack := make([]byte, len(pattern))
	require.NoError(t, sim.MemcpyDtoH(readBack, writeAt))
	require.Equal(t, pattern, readBack)

	require.NoError(t, a.Free(seg))
	require.NoError(t, sim.LeakCheck())
}

func TestMultiDeviceConcurrentMapping(t *testing.T) {
	sim := drivertest.New(2, 256*1024*1024)
	sim.SetGranularity(testGranularity)
	require.NoError(t, sim.Init())

	total := uint64(8 * testChunkSize)
	segs := make([]*Segment, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for dev := cudriver.Device(0); dev < 2; dev++ {
		wg.Add(1)
		go func(dev cudriver.Device) {
			defer wg.Done()
			a, err := New(sim, dev, WithChunkSize(testChunkSize))
			if err != nil {
				errs[dev] = err
				return
			}
			segs[dev], errs[dev] = a.Alloc(total)
		}(dev)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	// Both mapped, with disjoint virtual ranges.
	require.Equal(t, total, sim.DeviceUsed(0))
	require.Equal(t, total, sim.DeviceUsed(1))
	lo, hi := segs[0], segs[1]
	if lo.Base() > hi.Base() {
		lo, hi = hi, lo
	}
	require.LessOrEqual(t, uint64(lo.Base())+lo.AlignedSize(), uint64(hi.Base()),
		"segments overlap: %s vs %s", lo, hi)
}

package drivertest

import (
	"testing"

	"github.com/growmem/gocuvm/cuvm/cudriver"

	"github.com/stretchr/testify/require"
)

const testGranularity = uint64(64 * 1024)

func newTestSim(t *testing.T) *Sim {
	s := New(2, 64*1024*1024)
	s.SetGranularity(testGranularity)
	require.NoError(t, s.Init())
	ctx, err := s.DevicePrimaryCtxRetain(0)
	require.NoError(t, err)
	require.NoError(t, s.CtxSetCurrent(ctx))
	return s
}

func testProp(dev cudriver.Device) *cudriver.AllocationProp {
	return &cudriver.AllocationProp{
		Type:            cudriver.AllocationTypePinned,
		Location:        cudriver.Location{Type: cudriver.LocationTypeDevice, ID: int32(dev)},
		CompressionType: cudriver.CompressionNone,
	}
}

func requireCode(t *testing.T, err error, want cudriver.Result) {
	t.Helper()
	require.Error(t, err)
	code, ok := cudriver.ErrorCode(err)
	require.True(t, ok, "not a driver error: %v", err)
	require.Equal(t, want, code, "unexpected driver error: %v", err)
}

func TestSimRequiresInit(t *testing.T) {
	s := New(1, 1<<20)
	_, err := s.DeviceCount()
	requireCode(t, err, cudriver.ErrorNotInitialized)
}

func TestSimRequiresContext(t *testing.T) {
	s := New(1, 64*1024*1024)
	s.SetGranularity(testGranularity)
	require.NoError(t, s.Init())

	// Granularity and enumeration work without a context.
	granularity, err := s.MemGetAllocationGranularity(testProp(0), cudriver.GranularityMinimum)
	require.NoError(t, err)
	require.Equal(t, testGranularity, granularity)

	// VMM calls do not.
	_, err = s.MemAddressReserve(testGranularity, testGranularity, 0)
	requireCode(t, err, cudriver.ErrorInvalidContext)
	_, err = s.MemCreate(testGranularity, testProp(0))
	requireCode(t, err, cudriver.ErrorInvalidContext)
}

func TestSimOrderingRules(t *testing.T) {
	s := newTestSim(t)

	base, err := s.MemAddressReserve(4*testGranularity, testGranularity, 0)
	require.NoError(t, err)
	handle, err := s.MemCreate(2*testGranularity, testProp(0))
	require.NoError(t, err)

	// Release while mapped must fail; unmap first.
	require.NoError(t, s.MemMap(base, 2*testGranularity, 0, handle))
	requireCode(t, s.MemRelease(handle), cudriver.ErrorNotPermitted)

	// Double-map of the same handle.
	requireCode(t, s.MemMap(base+cudriver.DevicePtr(2*testGranularity), 2*testGranularity, 0, handle),
		cudriver.ErrorAlreadyMapped)

	// Address free while a mapping remains.
	requireCode(t, s.MemAddressFree(base, 4*testGranularity), cudriver.ErrorInvalidValue)

	require.NoError(t, s.MemUnmap(base, 2*testGranularity))
	require.NoError(t, s.MemRelease(handle))
	requireCode(t, s.MemRelease(handle), cudriver.ErrorInvalidValue)
	require.NoError(t, s.MemAddressFree(base, 4*testGranularity))
	require.NoError(t, s.LeakCheck())
}

func TestSimAccessControlsCopies(t *testing.T) {
	s := newTestSim(t)

	base, err := s.MemAddressReserve(testGranularity, testGranularity, 0)
	require.NoError(t, err)
	handle, err := s.MemCreate(testGranularity, testProp(0))
	require.NoError(t, err)
	require.NoError(t, s.MemMap(base, testGranularity, 0, handle))

	// Mapped but no access granted yet: copies fail.
	payload := []byte("mapped but inaccessible")
	requireCode(t, s.MemcpyHtoD(base, payload), cudriver.ErrorInvalidValue)

	descs := []cudriver.AccessDesc{{
		Location: cudriver.Location{Type: cudriver.LocationTypeDevice, ID: 0},
		Flags:    cudriver.AccessProtReadWrite,
	}}
	require.NoError(t, s.MemSetAccess(base, testGranularity, descs))
	require.NoError(t, s.MemcpyHtoD(base, payload))
	readBack := make([]byte, len(payload))
	require.NoError(t, s.MemcpyDtoH(readBack, base))
	require.Equal(t, payload, readBack)
}

func TestSimSetAccessRequiresFullMapping(t *testing.T) {
	s := newTestSim(t)

	base, err := s.MemAddressReserve(2*testGranularity, testGranularity, 0)
	require.NoError(t, err)
	handle, err := s.MemCreate(testGranularity, testProp(0))
	require.NoError(t, err)
	require.NoError(t, s.MemMap(base, testGranularity, 0, handle))

	descs := []cudriver.AccessDesc{{
		Location: cudriver.Location{Type: cudriver.LocationTypeDevice, ID: 0},
		Flags:    cudriver.AccessProtReadWrite,
	}}
	// Second half of the range is unmapped.
	requireCode(t, s.MemSetAccess(base, 2*testGranularity, descs), cudriver.ErrorInvalidValue)
	require.NoError(t, s.MemSetAccess(base, testGranularity, descs))
}

func TestSimOutOfMemory(t *testing.T) {
	s := New(1, 4*testGranularity)
	s.SetGranularity(testGranularity)
	require.NoError(t, s.Init())
	ctx, err := s.DevicePrimaryCtxRetain(0)
	require.NoError(t, err)
	require.NoError(t, s.CtxSetCurrent(ctx))

	handle, err := s.MemCreate(4*testGranularity, testProp(0))
	require.NoError(t, err)
	_, err = s.MemCreate(testGranularity, testProp(0))
	requireCode(t, err, cudriver.ErrorOutOfMemory)

	// Releasing returns the memory to the device.
	require.NoError(t, s.MemRelease(handle))
	require.Zero(t, s.DeviceUsed(0))
	_, err = s.MemCreate(testGranularity, testProp(0))
	require.NoError(t, err)
}

func TestSimFailureInjection(t *testing.T) {
	s := newTestSim(t)
	s.FailAfter(CallMemCreate, 2, cudriver.ErrorOutOfMemory)

	for ii := 0; ii < 2; ii++ {
		_, err := s.MemCreate(testGranularity, testProp(0))
		require.NoError(t, err)
	}
	_, err := s.MemCreate(testGranularity, testProp(0))
	requireCode(t, err, cudriver.ErrorOutOfMemory)

	// One-shot: the next call succeeds again.
	_, err = s.MemCreate(testGranularity, testProp(0))
	require.NoError(t, err)
	require.Equal(t, 4, s.Calls(CallMemCreate))
}

func TestSimLeakCheck(t *testing.T) {
	s := newTestSim(t)

	_, err := s.MemAddressReserve(testGranularity, testGranularity, 0)
	require.NoError(t, err)
	handle, err := s.MemCreate(testGranularity, testProp(0))
	require.NoError(t, err)

	err = s.LeakCheck()
	require.Error(t, err)
	require.Contains(t, err.Error(), "reservation")
	require.Contains(t, err.Error(), "handle")

	require.NoError(t, s.MemRelease(handle))
	err = s.LeakCheck()
	require.Error(t, err)
	require.NotContains(t, err.Error(), "handle")
}

func TestSimPrimaryContextIsStable(t *testing.T) {
	s := newTestSim(t)
	require.Equal(t, 1, s.PrimaryRetainCount(0))

	ctx1, err := s.DevicePrimaryCtxRetain(0)
	require.NoError(t, err)
	ctx2, err := s.DevicePrimaryCtxRetain(0)
	require.NoError(t, err)
	require.Equal(t, ctx1, ctx2)
	require.Equal(t, 3, s.PrimaryRetainCount(0))

	ctxOther, err := s.DevicePrimaryCtxRetain(1)
	require.NoError(t, err)
	require.NotEqual(t, ctx1, ctxOther)
}

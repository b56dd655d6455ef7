// Package drivertest provides Sim, an in-memory cudriver.Driver that models
// the driver's virtual-memory-management protocol: reservations, physical
// allocations, mappings, access grants and their ordering rules. It backs all
// memory-management tests (and `cuvm-stress --sim` dry runs) so none of them
// need a GPU.
//
// Sim enforces the same ordering the real driver does: memory must be created
// before it is mapped, mapped before it is accessible, unmapped before it is
// released, and fully unmapped before its reservation is freed.
//
// Sim keeps a single "current context" slot rather than one per OS thread: it
// models one context-sensitive call sequence at a time. Concurrent use from
// multiple goroutines is safe (everything is mutex-guarded) and works because
// the VMM calls only require that *some* context is current, taking the
// target device from the allocation properties -- mirroring how the
// allocator's own context guard trusts whatever context is already current.
package drivertest

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/growmem/gocuvm/cuvm/cudriver"

	"github.com/pkg/errors"
)

// DefaultGranularity is Sim's allocation granularity unless overridden with
// SetGranularity. 2 MiB matches common GPU VMM granularity.
const DefaultGranularity = 2 * 1024 * 1024

// vaBase is where simulated reservations start. An arbitrary address that is
// recognizable in test failures.
const vaBase = 0x7000_0000_0000

// Call identifies one driver entry point, for call counting and failure
// injection. Values are the driver's symbol names.
type Call string

const (
	CallInit                        Call = "cuInit"
	CallDeviceGetCount              Call = "cuDeviceGetCount"
	CallDeviceGetName               Call = "cuDeviceGetName"
	CallDeviceTotalMem              Call = "cuDeviceTotalMem"
	CallDeviceGetPCIBusID           Call = "cuDeviceGetPCIBusId"
	CallCtxGetCurrent               Call = "cuCtxGetCurrent"
	CallCtxSetCurrent               Call = "cuCtxSetCurrent"
	CallDevicePrimaryCtxRetain      Call = "cuDevicePrimaryCtxRetain"
	CallMemGetAllocationGranularity Call = "cuMemGetAllocationGranularity"
	CallMemAddressReserve           Call = "cuMemAddressReserve"
	CallMemAddressFree              Call = "cuMemAddressFree"
	CallMemCreate                   Call = "cuMemCreate"
	CallMemRelease                  Call = "cuMemRelease"
	CallMemMap                      Call = "cuMemMap"
	CallMemUnmap                    Call = "cuMemUnmap"
	CallMemSetAccess                Call = "cuMemSetAccess"
	CallMemcpyHtoD                  Call = "cuMemcpyHtoD"
	CallMemcpyDtoH                  Call = "cuMemcpyDtoH"
)

type simDevice struct {
	name  string
	busID string
	total uint64
	used  uint64
}

type allocation struct {
	handle   cudriver.AllocationHandle
	device   cudriver.Device
	size     uint64
	mapped   bool
	released bool
	data     []byte
}

type mapping struct {
	addr   cudriver.DevicePtr
	size   uint64
	alloc  *allocation
	access cudriver.AccessFlags
}

type reservation struct {
	base     cudriver.DevicePtr
	size     uint64
	mappings []*mapping // sorted by addr
}

type injectedFailure struct {
	remaining int
	code      cudriver.Result
}

// Sim is an in-memory cudriver.Driver. Create one with New; the zero value is
// not usable.
type Sim struct {
	mu sync.Mutex

	granularity uint64
	devices     []*simDevice
	initialized bool

	current      cudriver.Context
	primary      map[cudriver.Device]cudriver.Context
	retainCounts map[cudriver.Device]int
	nextCtx      uintptr

	nextVA       cudriver.DevicePtr
	nextHandle   cudriver.AllocationHandle
	reservations map[cudriver.DevicePtr]*reservation
	allocations  map[cudriver.AllocationHandle]*allocation

	calls    map[Call]int
	failures map[Call]*injectedFailure
}

var _ cudriver.Driver = (*Sim)(nil)

// New returns a Sim with numDevices simulated devices of bytesPerDevice
// memory each and DefaultGranularity.
func New(numDevices int, bytesPerDevice uint64) *Sim {
	s := &Sim{
		granularity:  DefaultGranularity,
		primary:      make(map[cudriver.Device]cudriver.Context),
		retainCounts: make(map[cudriver.Device]int),
		nextCtx:      1,
		nextVA:       vaBase,
		nextHandle:   1,
		reservations: make(map[cudriver.DevicePtr]*reservation),
		allocations:  make(map[cudriver.AllocationHandle]*allocation),
		calls:        make(map[Call]int),
		failures:     make(map[Call]*injectedFailure),
	}
	for ii := 0; ii < numDevices; ii++ {
		s.devices = append(s.devices, &simDevice{
			name:  fmt.Sprintf("Simulated GPU %d", ii),
			busID: fmt.Sprintf("0000:%02x:00.0", 0x10*(ii+1)),
			total: bytesPerDevice,
		})
	}
	return s
}

// SetGranularity overrides the simulated allocation granularity. Call it
// before issuing any allocations.
func (s *Sim) SetGranularity(granularity uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.granularity = granularity
}

// FailAfter arranges for the (n+1)-th subsequent invocation of call to fail
// with code. The injection is one-shot: it clears once it fires. n=0 fails
// the next invocation.
func (s *Sim) FailAfter(call Call, n int, code cudriver.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[call] = &injectedFailure{remaining: n, code: code}
}

// FailNext is FailAfter(call, 0, code).
func (s *Sim) FailNext(call Call, code cudriver.Result) {
	s.FailAfter(call, 0, code)
}

// Calls returns how many times the given driver call was invoked (including
// invocations that failed).
func (s *Sim) Calls(call Call) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[call]
}

// enter counts the call and fires any injected failure. Callers must hold
// s.mu.
func (s *Sim) enter(call Call) error {
	s.calls[call]++
	f := s.failures[call]
	if f == nil {
		return nil
	}
	if f.remaining > 0 {
		f.remaining--
		return nil
	}
	delete(s.failures, call)
	return &cudriver.Error{Call: string(call), Code: f.code, Detail: "injected failure"}
}

func (s *Sim) failf(call Call, code cudriver.Result, format string, args ...any) error {
	return &cudriver.Error{Call: string(call), Code: code, Detail: fmt.Sprintf(format, args...)}
}

func (s *Sim) device(call Call, dev cudriver.Device) (*simDevice, error) {
	if !s.initialized {
		return nil, s.failf(call, cudriver.ErrorNotInitialized, "cuInit not called")
	}
	if dev < 0 || int(dev) >= len(s.devices) {
		return nil, s.failf(call, cudriver.ErrorInvalidDevice, "device %d out of range", dev)
	}
	return s.devices[dev], nil
}

func (s *Sim) requireContext(call Call) error {
	if !s.initialized {
		return s.failf(call, cudriver.ErrorNotInitialized, "cuInit not called")
	}
	if s.current == 0 {
		return s.failf(call, cudriver.ErrorInvalidContext, "no current context")
	}
	return nil
}

func (s *Sim) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(CallInit); err != nil {
		return err
	}
	s.initialized = true
	return nil
}

func (s *Sim) DeviceCount() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(CallDeviceGetCount); err != nil {
		return 0, err
	}
	if !s.initialized {
		return 0, s.failf(CallDeviceGetCount, cudriver.ErrorNotInitialized, "cuInit not called")
	}
	return len(s.devices), nil
}

func (s *Sim) DeviceName(dev cudriver.Device) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(CallDeviceGetName); err != nil {
		return "", err
	}
	d, err := s.device(CallDeviceGetName, dev)
	if err != nil {
		return "", err
	}
	return d.name, nil
}

func (s *Sim) DeviceTotalMem(dev cudriver.Device) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(CallDeviceTotalMem); err != nil {
		return 0, err
	}
	d, err := s.device(CallDeviceTotalMem, dev)
	if err != nil {
		return 0, err
	}
	return d.total, nil
}

func (s *Sim) DevicePCIBusID(dev cudriver.Device) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(CallDeviceGetPCIBusID); err != nil {
		return "", err
	}
	d, err := s.device(CallDeviceGetPCIBusID, dev)
	if err != nil {
		return "", err
	}
	return d.busID, nil
}

func (s *Sim) CtxGetCurrent() (cudriver.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(CallCtxGetCurrent); err != nil {
		return 0, err
	}
	if !s.initialized {
		return 0, s.failf(CallCtxGetCurrent, cudriver.ErrorNotInitialized, "cuInit not called")
	}
	return s.current, nil
}

func (s *Sim) CtxSetCurrent(ctx cudriver.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(CallCtxSetCurrent); err != nil {
		return err
	}
	if !s.initialized {
		return s.failf(CallCtxSetCurrent, cudriver.ErrorNotInitialized, "cuInit not called")
	}
	if ctx != 0 {
		known := false
		for _, primary := range s.primary {
			if primary == ctx {
				known = true
				break
			}
		}
		if !known {
			return s.failf(CallCtxSetCurrent, cudriver.ErrorInvalidContext, "unknown context %#x", uintptr(ctx))
		}
	}
	s.current = ctx
	return nil
}

func (s *Sim) DevicePrimaryCtxRetain(dev cudriver.Device) (cudriver.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(CallDevicePrimaryCtxRetain); err != nil {
		return 0, err
	}
	if _, err := s.device(CallDevicePrimaryCtxRetain, dev); err != nil {
		return 0, err
	}
	ctx, ok := s.primary[dev]
	if !ok {
		ctx = cudriver.Context(s.nextCtx)
		s.nextCtx++
		s.primary[dev] = ctx
	}
	s.retainCounts[dev]++
	return ctx, nil
}

func (s *Sim) MemGetAllocationGranularity(prop *cudriver.AllocationProp, flag cudriver.GranularityFlag) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(CallMemGetAllocationGranularity); err != nil {
		return 0, err
	}
	if err := s.checkProp(CallMemGetAllocationGranularity, prop); err != nil {
		return 0, err
	}
	if flag != cudriver.GranularityMinimum && flag != cudriver.GranularityRecommended {
		return 0, s.failf(CallMemGetAllocationGranularity, cudriver.ErrorInvalidValue, "bad granularity flag %d", flag)
	}
	return s.granularity, nil
}

func (s *Sim) checkProp(call Call, prop *cudriver.AllocationProp) error {
	if !s.initialized {
		return s.failf(call, cudriver.ErrorNotInitialized, "cuInit not called")
	}
	if prop == nil {
		return s.failf(call, cudriver.ErrorInvalidValue, "nil allocation properties")
	}
	if prop.Type != cudriver.AllocationTypePinned {
		return s.failf(call, cudriver.ErrorInvalidValue, "unsupported allocation type %d", prop.Type)
	}
	if prop.Location.Type != cudriver.LocationTypeDevice {
		return s.failf(call, cudriver.ErrorInvalidValue, "unsupported location type %d", prop.Location.Type)
	}
	if prop.Location.ID < 0 || int(prop.Location.ID) >= len(s.devices) {
		return s.failf(call, cudriver.ErrorInvalidDevice, "device %d out of range", prop.Location.ID)
	}
	return nil
}

func (s *Sim) MemAddressReserve(size, alignment uint64, fixed cudriver.DevicePtr) (cudriver.DevicePtr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(CallMemAddressReserve); err != nil {
		return 0, err
	}
	if err := s.requireContext(CallMemAddressReserve); err != nil {
		return 0, err
	}
	if size == 0 || size%s.granularity != 0 {
		return 0, s.failf(CallMemAddressReserve, cudriver.ErrorInvalidValue,
			"size %d is not a positive multiple of the %d-byte granularity", size, s.granularity)
	}
	if fixed != 0 {
		return 0, s.failf(CallMemAddressReserve, cudriver.ErrorNotSupported, "fixed-address reservations not simulated")
	}
	if alignment == 0 {
		alignment = s.granularity
	}
	base := s.nextVA
	if rem := uint64(base) % alignment; rem != 0 {
		base += cudriver.DevicePtr(alignment - rem)
	}
	// Leave a granularity-sized hole after each reservation so adjacent
	// ranges are never confused with one another.
	s.nextVA = base + cudriver.DevicePtr(size+s.granularity)
	s.reservations[base] = &reservation{base: base, size: size}
	return base, nil
}

func (s *Sim) MemAddressFree(ptr cudriver.DevicePtr, size uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(CallMemAddressFree); err != nil {
		return err
	}
	if err := s.requireContext(CallMemAddressFree); err != nil {
		return err
	}
	res, ok := s.reservations[ptr]
	if !ok || res.size != size {
		return s.failf(CallMemAddressFree, cudriver.ErrorInvalidValue,
			"no reservation of %d bytes at %#x", size, uint64(ptr))
	}
	if len(res.mappings) > 0 {
		return s.failf(CallMemAddressFree, cudriver.ErrorInvalidValue,
			"reservation at %#x still has %d mappings", uint64(ptr), len(res.mappings))
	}
	delete(s.reservations, ptr)
	return nil
}

func (s *Sim) MemCreate(size uint64, prop *cudriver.AllocationProp) (cudriver.AllocationHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(CallMemCreate); err != nil {
		return 0, err
	}
	if err := s.requireContext(CallMemCreate); err != nil {
		return 0, err
	}
	if err := s.checkProp(CallMemCreate, prop); err != nil {
		return 0, err
	}
	if size == 0 || size%s.granularity != 0 {
		return 0, s.failf(CallMemCreate, cudriver.ErrorInvalidValue,
			"size %d is not a positive multiple of the %d-byte granularity", size, s.granularity)
	}
	dev := s.devices[prop.Location.ID]
	if dev.used+size > dev.total {
		return 0, s.failf(CallMemCreate, cudriver.ErrorOutOfMemory,
			"device %d has %d of %d bytes in use, cannot allocate %d more",
			prop.Location.ID, dev.used, dev.total, size)
	}
	dev.used += size
	handle := s.nextHandle
	s.nextHandle++
	s.allocations[handle] = &allocation{
		handle: handle,
		device: cudriver.Device(prop.Location.ID),
		size:   size,
		data:   make([]byte, size),
	}
	return handle, nil
}

func (s *Sim) MemRelease(handle cudriver.AllocationHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(CallMemRelease); err != nil {
		return err
	}
	if err := s.requireContext(CallMemRelease); err != nil {
		return err
	}
	alloc, ok := s.allocations[handle]
	if !ok || alloc.released {
		return s.failf(CallMemRelease, cudriver.ErrorInvalidValue, "unknown or already released handle %d", handle)
	}
	if alloc.mapped {
		return s.failf(CallMemRelease, cudriver.ErrorNotPermitted, "handle %d is still mapped", handle)
	}
	alloc.released = true
	alloc.data = nil
	s.devices[alloc.device].used -= alloc.size
	return nil
}

func (s *Sim) MemMap(addr cudriver.DevicePtr, size, offset uint64, handle cudriver.AllocationHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(CallMemMap); err != nil {
		return err
	}
	if err := s.requireContext(CallMemMap); err != nil {
		return err
	}
	if offset != 0 {
		return s.failf(CallMemMap, cudriver.ErrorInvalidValue, "non-zero mapping offset %d", offset)
	}
	res := s.reservationCovering(addr, size)
	if res == nil {
		return s.failf(CallMemMap, cudriver.ErrorInvalidValue,
			"[%#x, %#x) is not inside a reserved range", uint64(addr), uint64(addr)+size)
	}
	alloc, ok := s.allocations[handle]
	if !ok || alloc.released {
		return s.failf(CallMemMap, cudriver.ErrorInvalidValue, "unknown or released handle %d", handle)
	}
	if alloc.mapped {
		return s.failf(CallMemMap, cudriver.ErrorAlreadyMapped, "handle %d is already mapped", handle)
	}
	if size != alloc.size {
		return s.failf(CallMemMap, cudriver.ErrorInvalidValue,
			"mapping size %d does not match allocation size %d", size, alloc.size)
	}
	for _, m := range res.mappings {
		if addr < m.addr+cudriver.DevicePtr(m.size) && m.addr < addr+cudriver.DevicePtr(size) {
			return s.failf(CallMemMap, cudriver.ErrorAlreadyMapped,
				"[%#x, %#x) overlaps an existing mapping", uint64(addr), uint64(addr)+size)
		}
	}
	alloc.mapped = true
	res.mappings = append(res.mappings, &mapping{addr: addr, size: size, alloc: alloc})
	sort.Slice(res.mappings, func(i, j int) bool { return res.mappings[i].addr < res.mappings[j].addr })
	return nil
}

func (s *Sim) MemUnmap(addr cudriver.DevicePtr, size uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(CallMemUnmap); err != nil {
		return err
	}
	if err := s.requireContext(CallMemUnmap); err != nil {
		return err
	}
	res := s.reservationCovering(addr, size)
	if res == nil {
		return s.failf(CallMemUnmap, cudriver.ErrorInvalidValue,
			"[%#x, %#x) is not inside a reserved range", uint64(addr), uint64(addr)+size)
	}
	for ii, m := range res.mappings {
		if m.addr == addr && m.size == size {
			m.alloc.mapped = false
			res.mappings = append(res.mappings[:ii], res.mappings[ii+1:]...)
			return nil
		}
	}
	return s.failf(CallMemUnmap, cudriver.ErrorNotMapped,
		"[%#x, %#x) is not an exactly mapped chunk", uint64(addr), uint64(addr)+size)
}

func (s *Sim) MemSetAccess(addr cudriver.DevicePtr, size uint64, descs []cudriver.AccessDesc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(CallMemSetAccess); err != nil {
		return err
	}
	if err := s.requireContext(CallMemSetAccess); err != nil {
		return err
	}
	if len(descs) == 0 {
		return s.failf(CallMemSetAccess, cudriver.ErrorInvalidValue, "no access descriptors")
	}
	for _, desc := range descs {
		if desc.Location.Type != cudriver.LocationTypeDevice {
			return s.failf(CallMemSetAccess, cudriver.ErrorInvalidValue, "unsupported location type %d", desc.Location.Type)
		}
		if desc.Location.ID < 0 || int(desc.Location.ID) >= len(s.devices) {
			return s.failf(CallMemSetAccess, cudriver.ErrorInvalidDevice, "device %d out of range", desc.Location.ID)
		}
		switch desc.Flags {
		case cudriver.AccessProtNone, cudriver.AccessProtRead, cudriver.AccessProtReadWrite:
		default:
			return s.failf(CallMemSetAccess, cudriver.ErrorInvalidValue, "bad access flags %d", desc.Flags)
		}
	}
	res := s.reservationCovering(addr, size)
	if res == nil {
		return s.failf(CallMemSetAccess, cudriver.ErrorInvalidValue,
			"[%#x, %#x) is not inside a reserved range", uint64(addr), uint64(addr)+size)
	}
	covered, err := s.mappingsCovering(CallMemSetAccess, res, addr, size)
	if err != nil {
		return err
	}
	for _, m := range covered {
		m.access = descs[len(descs)-1].Flags
	}
	return nil
}

// mappingsCovering returns the mappings that exactly tile [addr, addr+size),
// or an error when any byte of the span is unmapped or a mapping straddles
// the span's edge.
func (s *Sim) mappingsCovering(call Call, res *reservation, addr cudriver.DevicePtr, size uint64) ([]*mapping, error) {
	var covered []*mapping
	cursor := addr
	end := addr + cudriver.DevicePtr(size)
	for _, m := range res.mappings {
		if m.addr+cudriver.DevicePtr(m.size) <= cursor {
			continue
		}
		if m.addr != cursor {
			break
		}
		covered = append(covered, m)
		cursor = m.addr + cudriver.DevicePtr(m.size)
		if cursor >= end {
			break
		}
	}
	if cursor < end {
		return nil, s.failf(call, cudriver.ErrorInvalidValue,
			"[%#x, %#x) is not fully mapped (first gap at %#x)", uint64(addr), uint64(end), uint64(cursor))
	}
	if cursor != end {
		return nil, s.failf(call, cudriver.ErrorInvalidValue,
			"a mapping straddles the end of [%#x, %#x)", uint64(addr), uint64(end))
	}
	return covered, nil
}

func (s *Sim) reservationCovering(addr cudriver.DevicePtr, size uint64) *reservation {
	for _, res := range s.reservations {
		if addr >= res.base && addr+cudriver.DevicePtr(size) <= res.base+cudriver.DevicePtr(res.size) {
			return res
		}
	}
	return nil
}

func (s *Sim) MemcpyHtoD(dst cudriver.DevicePtr, src []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(CallMemcpyHtoD); err != nil {
		return err
	}
	if err := s.requireContext(CallMemcpyHtoD); err != nil {
		return err
	}
	return s.copySpan(CallMemcpyHtoD, dst, uint64(len(src)), func(m *mapping, chunkOff, spanOff, n uint64) error {
		if m.access != cudriver.AccessProtReadWrite {
			return s.failf(CallMemcpyHtoD, cudriver.ErrorInvalidValue,
				"mapping at %#x is not writable (access %d)", uint64(m.addr), m.access)
		}
		copy(m.alloc.data[chunkOff:chunkOff+n], src[spanOff:spanOff+n])
		return nil
	})
}

func (s *Sim) MemcpyDtoH(dst []byte, src cudriver.DevicePtr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(CallMemcpyDtoH); err != nil {
		return err
	}
	if err := s.requireContext(CallMemcpyDtoH); err != nil {
		return err
	}
	return s.copySpan(CallMemcpyDtoH, src, uint64(len(dst)), func(m *mapping, chunkOff, spanOff, n uint64) error {
		if m.access&cudriver.AccessProtRead == 0 {
			return s.failf(CallMemcpyDtoH, cudriver.ErrorInvalidValue,
				"mapping at %#x is not readable (access %d)", uint64(m.addr), m.access)
		}
		copy(dst[spanOff:spanOff+n], m.alloc.data[chunkOff:chunkOff+n])
		return nil
	})
}

// copySpan walks the mappings backing [addr, addr+size) and hands each
// covered piece to fn as (mapping, offset into the chunk's backing array,
// offset into the host span, length). The span may cross chunk boundaries
// but every byte must be mapped.
func (s *Sim) copySpan(call Call, addr cudriver.DevicePtr, size uint64,
	fn func(m *mapping, chunkOff, spanOff, n uint64) error) error {
	if size == 0 {
		return nil
	}
	res := s.reservationCovering(addr, size)
	if res == nil {
		return s.failf(call, cudriver.ErrorInvalidValue,
			"[%#x, %#x) is not inside a reserved range", uint64(addr), uint64(addr)+size)
	}
	end := addr + cudriver.DevicePtr(size)
	cursor := addr
	for _, m := range res.mappings {
		mEnd := m.addr + cudriver.DevicePtr(m.size)
		if mEnd <= cursor || m.addr >= end {
			continue
		}
		if m.addr > cursor {
			break // Gap before this mapping.
		}
		n := uint64(min(mEnd, end) - cursor)
		if err := fn(m, uint64(cursor-m.addr), uint64(cursor-addr), n); err != nil {
			return err
		}
		cursor += cudriver.DevicePtr(n)
		if cursor >= end {
			return nil
		}
	}
	return s.failf(call, cudriver.ErrorInvalidValue,
		"[%#x, %#x) is not fully mapped (first gap at %#x)", uint64(addr), uint64(end), uint64(cursor))
}

// Introspection helpers for tests.

// LiveHandles returns the number of created, not-yet-released allocations.
func (s *Sim) LiveHandles() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, alloc := range s.allocations {
		if !alloc.released {
			n++
		}
	}
	return n
}

// MappedChunks returns the number of currently mapped allocations.
func (s *Sim) MappedChunks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, alloc := range s.allocations {
		if alloc.mapped {
			n++
		}
	}
	return n
}

// LiveReservations returns the number of address ranges still reserved.
func (s *Sim) LiveReservations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reservations)
}

// DeviceUsed returns the bytes of physical memory currently allocated on the
// device.
func (s *Sim) DeviceUsed(dev cudriver.Device) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dev < 0 || int(dev) >= len(s.devices) {
		return 0
	}
	return s.devices[dev].used
}

// PrimaryRetainCount returns how many times the device's primary context was
// retained.
func (s *Sim) PrimaryRetainCount(dev cudriver.Device) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retainCounts[dev]
}

// AccessAt reports the access flags of the mapping containing addr, and
// whether addr is mapped at all.
func (s *Sim) AccessAt(addr cudriver.DevicePtr) (cudriver.AccessFlags, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, res := range s.reservations {
		for _, m := range res.mappings {
			if addr >= m.addr && addr < m.addr+cudriver.DevicePtr(m.size) {
				return m.access, true
			}
		}
	}
	return cudriver.AccessProtNone, false
}

// LeakCheck returns nil when no reservations, mappings or unreleased handles
// remain, and otherwise an error describing everything still live.
func (s *Sim) LeakCheck() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var lines []string
	for _, res := range s.reservations {
		lines = append(lines, fmt.Sprintf("reservation [%#x, %#x) with %d mappings",
			uint64(res.base), uint64(res.base)+res.size, len(res.mappings)))
	}
	for _, alloc := range s.allocations {
		if alloc.released {
			continue
		}
		state := "unmapped"
		if alloc.mapped {
			state = "mapped"
		}
		lines = append(lines, fmt.Sprintf("handle %d: %d bytes on device %d, %s",
			alloc.handle, alloc.size, alloc.device, state))
	}
	if len(lines) == 0 {
		return nil
	}
	sort.Strings(lines)
	return errors.Errorf("leaked driver resources:\n  %s", strings.Join(lines, "\n  "))
}

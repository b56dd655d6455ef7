// Package cudriver exposes the small slice of the CUDA driver API that chunked
// virtual-memory allocation needs: context management, the VMM entry points
// (reserve/create/map/set-access and their inverses), granularity queries, and
// the device-enumeration and memcpy calls the demo tooling uses.
//
// The Driver interface is what the rest of the module programs against. The
// real backend (see Open) loads libcuda with dlopen and resolves each entry
// point once, so no CUDA toolkit is required at build time. Tests use the
// in-memory implementation in package drivertest.
package cudriver

// Device identifies a physical accelerator, as returned by the driver's
// device enumeration (0-based ordinal).
type Device int32

// Context is an opaque driver context handle. The zero value means
// "no context".
type Context uintptr

// DevicePtr is a device virtual address.
type DevicePtr uint64

// AllocationHandle identifies one physical memory allocation created with
// MemCreate. It is only a handle: the memory is not addressable until mapped
// into a reserved virtual range with MemMap.
type AllocationHandle uint64

// AllocationType selects the kind of physical allocation.
type AllocationType int32

// LocationType says how a Location identifies placement.
type LocationType int32

// CompressionType selects the compression applied to an allocation.
type CompressionType int32

// HandleType selects the exportable OS handle type requested for an
// allocation. This module never exports handles.
type HandleType int32

// AccessFlags are the access rights granted by MemSetAccess.
type AccessFlags uint32

// GranularityFlag selects which granularity MemGetAllocationGranularity
// reports.
type GranularityFlag int32

// Values mirror the driver's CUmem* enums.
const (
	AllocationTypePinned AllocationType = 1

	LocationTypeDevice LocationType = 1

	CompressionNone CompressionType = 0

	HandleTypeNone HandleType = 0

	AccessProtNone      AccessFlags = 0
	AccessProtRead      AccessFlags = 1
	AccessProtReadWrite AccessFlags = 3

	GranularityMinimum     GranularityFlag = 0
	GranularityRecommended GranularityFlag = 1
)

// Location describes where an allocation physically lives.
type Location struct {
	Type LocationType
	ID   int32
}

// AllocationProp describes a physical allocation to MemCreate and to the
// granularity query. One shared descriptor is typically reused for every
// chunk of a segment.
type AllocationProp struct {
	Type                 AllocationType
	RequestedHandleTypes HandleType
	Location             Location
	CompressionType      CompressionType
}

// AccessDesc grants AccessFlags over a mapped range to one Location.
type AccessDesc struct {
	Location Location
	Flags    AccessFlags
}

// Driver is the CUDA driver surface consumed by this module.
//
// All methods are synchronous control-plane calls: they complete (or fail)
// before returning, and none of them take a timeout. Every failure is
// reported as a *Error carrying the driver call name and Result code.
//
// Context-sensitive calls (everything below CtxGetCurrent) act on the calling
// OS thread's current context; callers are responsible for thread-locking
// and for establishing a context first.
type Driver interface {
	// Init initializes the driver. Must be called once before anything else.
	Init() error

	// DeviceCount returns the number of compute-capable devices.
	DeviceCount() (int, error)

	// DeviceName returns the human-readable name of the device.
	DeviceName(dev Device) (string, error)

	// DeviceTotalMem returns the total device memory in bytes.
	DeviceTotalMem(dev Device) (uint64, error)

	// DevicePCIBusID returns the PCI bus identifier of the device, in the
	// "domain:bus:device.function" form sysfs uses.
	DevicePCIBusID(dev Device) (string, error)

	// CtxGetCurrent returns the calling thread's current context, or the
	// zero Context when there is none (which is not an error).
	CtxGetCurrent() (Context, error)

	// CtxSetCurrent makes ctx the calling thread's current context.
	CtxSetCurrent(ctx Context) error

	// DevicePrimaryCtxRetain retains the device's primary context,
	// incrementing its reference count. It does not make it current.
	DevicePrimaryCtxRetain(dev Device) (Context, error)

	// MemGetAllocationGranularity returns the allocation granularity for
	// allocations described by prop.
	MemGetAllocationGranularity(prop *AllocationProp, flag GranularityFlag) (uint64, error)

	// MemAddressReserve reserves a virtual address range of size bytes,
	// aligned to alignment. A non-zero fixed address asks the driver to
	// place the range there.
	MemAddressReserve(size, alignment uint64, fixed DevicePtr) (DevicePtr, error)

	// MemAddressFree releases a reserved address range. All mappings in the
	// range must have been unmapped first.
	MemAddressFree(ptr DevicePtr, size uint64) error

	// MemCreate creates a physical allocation of size bytes described by
	// prop. Size must be a multiple of the granularity for prop.
	MemCreate(size uint64, prop *AllocationProp) (AllocationHandle, error)

	// MemRelease releases a physical allocation. The handle must not be
	// mapped anywhere.
	MemRelease(handle AllocationHandle) error

	// MemMap maps a physical allocation at addr. Offset is the offset into
	// the allocation and must currently be 0 per the driver contract.
	MemMap(addr DevicePtr, size, offset uint64, handle AllocationHandle) error

	// MemUnmap unmaps the range [addr, addr+size), which must exactly cover
	// previously mapped allocations.
	MemUnmap(addr DevicePtr, size uint64) error

	// MemSetAccess grants access rights over a fully mapped range.
	MemSetAccess(addr DevicePtr, size uint64, descs []AccessDesc) error

	// MemcpyHtoD copies len(src) bytes from host memory to device address
	// dst.
	MemcpyHtoD(dst DevicePtr, src []byte) error

	// MemcpyDtoH copies len(dst) bytes from device address src to host
	// memory.
	MemcpyDtoH(dst []byte, src DevicePtr) error
}

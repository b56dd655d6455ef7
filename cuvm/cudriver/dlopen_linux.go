//go:build linux

package cudriver

// This file implements the real Driver backend for Linux: it loads the CUDA
// driver library at runtime with `dlopen`(3) and resolves every entry point
// once with `dlsym`(3). The library handle is never closed -- it lives until
// the process exits.

// #cgo LDFLAGS: -ldl
/*
#include <stdlib.h>
#include <dlfcn.h>
#include "cuvmdl.h"
*/
import "C"
import (
	"os"
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// LibraryPathEnv overrides the path the CUDA driver library is loaded
	// from.
	LibraryPathEnv = "GOCUVM_LIBCUDA_PATH"
)

// defaultLibraryNames are tried in order when LibraryPathEnv is not set.
// libcuda.so.1 is what the driver package installs; the unversioned name
// usually comes from a toolkit install.
var defaultLibraryNames = []string{"libcuda.so.1", "libcuda.so"}

var (
	muOpen    sync.Mutex
	opened    *libcuda
	openedErr error
)

// Open loads the CUDA driver library and returns a Driver backed by it.
//
// The loaded library is a process-wide singleton: repeated calls return the
// same Driver (or the same error). Open does not call Init; that is left to
// the caller.
func Open() (Driver, error) {
	muOpen.Lock()
	defer muOpen.Unlock()
	if opened != nil || openedErr != nil {
		return opened, openedErr
	}
	names := defaultLibraryNames
	if override := os.Getenv(LibraryPathEnv); override != "" {
		names = []string{override}
	}
	opened, openedErr = loadLibcuda(names)
	return opened, openedErr
}

// libcuda holds the dlopen handle and the resolved entry points.
type libcuda struct {
	handle unsafe.Pointer

	cuInit                        unsafe.Pointer
	cuDeviceGetCount              unsafe.Pointer
	cuDeviceGetName               unsafe.Pointer
	cuDeviceTotalMem              unsafe.Pointer
	cuDeviceGetPCIBusId           unsafe.Pointer
	cuCtxGetCurrent               unsafe.Pointer
	cuCtxSetCurrent               unsafe.Pointer
	cuDevicePrimaryCtxRetain      unsafe.Pointer
	cuMemGetAllocationGranularity unsafe.Pointer
	cuMemAddressReserve           unsafe.Pointer
	cuMemAddressFree              unsafe.Pointer
	cuMemCreate                   unsafe.Pointer
	cuMemRelease                  unsafe.Pointer
	cuMemMap                      unsafe.Pointer
	cuMemUnmap                    unsafe.Pointer
	cuMemSetAccess                unsafe.Pointer
	cuMemcpyHtoD                  unsafe.Pointer
	cuMemcpyDtoH                  unsafe.Pointer
	cuGetErrorName                unsafe.Pointer
	cuGetErrorString              unsafe.Pointer
}

var _ Driver = (*libcuda)(nil)

func loadLibcuda(names []string) (*libcuda, error) {
	var handle unsafe.Pointer
	var loadedName string
	for _, name := range names {
		nameC := C.CString(name)
		klog.V(2).Infof("trying to load CUDA driver library %q", name)
		handle = C.dlopen(nameC, C.RTLD_LAZY)
		C.free(unsafe.Pointer(nameC))
		if handle != nil {
			loadedName = name
			break
		}
	}
	if handle == nil {
		return nil, errors.Errorf("failed to load the CUDA driver library with any of the names %q "+
			"-- is the NVIDIA driver installed? (set %s to override the path)", names, LibraryPathEnv)
	}
	klog.V(1).Infof("loaded CUDA driver library %q", loadedName)

	l := &libcuda{handle: handle}
	var err error
	resolve := func(target *unsafe.Pointer, symbols ...string) {
		if err != nil {
			return
		}
		*target, err = dlsymAny(handle, symbols...)
		if err != nil {
			err = errors.WithMessagef(err, "while resolving symbols in %q", loadedName)
		}
	}
	// Versioned symbols first, where the driver exports them.
	resolve(&l.cuInit, "cuInit")
	resolve(&l.cuDeviceGetCount, "cuDeviceGetCount")
	resolve(&l.cuDeviceGetName, "cuDeviceGetName")
	resolve(&l.cuDeviceTotalMem, "cuDeviceTotalMem_v2", "cuDeviceTotalMem")
	resolve(&l.cuDeviceGetPCIBusId, "cuDeviceGetPCIBusId")
	resolve(&l.cuCtxGetCurrent, "cuCtxGetCurrent")
	resolve(&l.cuCtxSetCurrent, "cuCtxSetCurrent")
	resolve(&l.cuDevicePrimaryCtxRetain, "cuDevicePrimaryCtxRetain")
	resolve(&l.cuMemGetAllocationGranularity, "cuMemGetAllocationGranularity")
	resolve(&l.cuMemAddressReserve, "cuMemAddressReserve")
	resolve(&l.cuMemAddressFree, "cuMemAddressFree")
	resolve(&l.cuMemCreate, "cuMemCreate")
	resolve(&l.cuMemRelease, "cuMemRelease")
	resolve(&l.cuMemMap, "cuMemMap")
	resolve(&l.cuMemUnmap, "cuMemUnmap")
	resolve(&l.cuMemSetAccess, "cuMemSetAccess")
	resolve(&l.cuMemcpyHtoD, "cuMemcpyHtoD_v2", "cuMemcpyHtoD")
	resolve(&l.cuMemcpyDtoH, "cuMemcpyDtoH_v2", "cuMemcpyDtoH")
	resolve(&l.cuGetErrorName, "cuGetErrorName")
	resolve(&l.cuGetErrorString, "cuGetErrorString")
	if err != nil {
		C.dlclose(handle)
		return nil, err
	}
	return l, nil
}

// dlsymAny resolves the first of the given symbol names that the library
// exports.
func dlsymAny(handle unsafe.Pointer, symbols ...string) (unsafe.Pointer, error) {
	for _, symbol := range symbols {
		symbolC := C.CString(symbol)
		C.dlerror()
		ptr := C.dlsym(handle, symbolC)
		C.free(unsafe.Pointer(symbolC))
		if e := C.dlerror(); e != nil {
			klog.V(2).Infof("symbol %q not found: %s", symbol, C.GoString(e))
			continue
		}
		if ptr != nil {
			return ptr, nil
		}
	}
	return nil, errors.Errorf("none of the symbols %q found", symbols)
}

// toError converts a CUresult to a Go error, attaching the driver's error
// string when it can be fetched. Returns nil on CUDA_SUCCESS.
func (l *libcuda) toError(call string, res C.CUresult) error {
	if res == 0 {
		return nil
	}
	return &Error{Call: call, Code: Result(res), Detail: l.errorString(Result(res))}
}

func (l *libcuda) errorString(code Result) string {
	var str *C.char
	if res := C.call_cuGetErrorString(l.cuGetErrorString, C.CUresult(code), &str); res != 0 || str == nil {
		return ""
	}
	return C.GoString(str)
}

func (l *libcuda) cProp(prop *AllocationProp) C.CUmemAllocationProp {
	var cProp C.CUmemAllocationProp
	cProp._type = C.int(prop.Type)
	cProp.requestedHandleTypes = C.int(prop.RequestedHandleTypes)
	cProp.location._type = C.int(prop.Location.Type)
	cProp.location.id = C.int(prop.Location.ID)
	cProp.allocFlags.compressionType = C.uchar(prop.CompressionType)
	return cProp
}

func (l *libcuda) Init() error {
	return l.toError("cuInit", C.call_cuInit(l.cuInit, 0))
}

func (l *libcuda) DeviceCount() (int, error) {
	var count C.int
	err := l.toError("cuDeviceGetCount", C.call_cuDeviceGetCount(l.cuDeviceGetCount, &count))
	if err != nil {
		return 0, err
	}
	return int(count), nil
}

func (l *libcuda) DeviceName(dev Device) (string, error) {
	var buf [256]C.char
	err := l.toError("cuDeviceGetName",
		C.call_cuDeviceGetName(l.cuDeviceGetName, &buf[0], C.int(len(buf)), C.CUdevice(dev)))
	if err != nil {
		return "", err
	}
	return C.GoString(&buf[0]), nil
}

func (l *libcuda) DeviceTotalMem(dev Device) (uint64, error) {
	var bytes C.size_t
	err := l.toError("cuDeviceTotalMem",
		C.call_cuDeviceTotalMem(l.cuDeviceTotalMem, &bytes, C.CUdevice(dev)))
	if err != nil {
		return 0, err
	}
	return uint64(bytes), nil
}

func (l *libcuda) DevicePCIBusID(dev Device) (string, error) {
	var buf [32]C.char
	err := l.toError("cuDeviceGetPCIBusId",
		C.call_cuDeviceGetPCIBusId(l.cuDeviceGetPCIBusId, &buf[0], C.int(len(buf)), C.CUdevice(dev)))
	if err != nil {
		return "", err
	}
	return C.GoString(&buf[0]), nil
}

func (l *libcuda) CtxGetCurrent() (Context, error) {
	var ctx C.CUcontext
	err := l.toError("cuCtxGetCurrent", C.call_cuCtxGetCurrent(l.cuCtxGetCurrent, &ctx))
	if err != nil {
		return 0, err
	}
	return Context(uintptr(unsafe.Pointer(ctx))), nil
}

func (l *libcuda) CtxSetCurrent(ctx Context) error {
	return l.toError("cuCtxSetCurrent",
		C.call_cuCtxSetCurrent(l.cuCtxSetCurrent, C.CUcontext(unsafe.Pointer(uintptr(ctx)))))
}

func (l *libcuda) DevicePrimaryCtxRetain(dev Device) (Context, error) {
	var ctx C.CUcontext
	err := l.toError("cuDevicePrimaryCtxRetain",
		C.call_cuDevicePrimaryCtxRetain(l.cuDevicePrimaryCtxRetain, &ctx, C.CUdevice(dev)))
	if err != nil {
		return 0, err
	}
	return Context(uintptr(unsafe.Pointer(ctx))), nil
}

func (l *libcuda) MemGetAllocationGranularity(prop *AllocationProp, flag GranularityFlag) (uint64, error) {
	cProp := l.cProp(prop)
	var granularity C.size_t
	err := l.toError("cuMemGetAllocationGranularity",
		C.call_cuMemGetAllocationGranularity(l.cuMemGetAllocationGranularity, &granularity, &cProp, C.int(flag)))
	if err != nil {
		return 0, err
	}
	return uint64(granularity), nil
}

func (l *libcuda) MemAddressReserve(size, alignment uint64, fixed DevicePtr) (DevicePtr, error) {
	var ptr C.CUdeviceptr
	err := l.toError("cuMemAddressReserve",
		C.call_cuMemAddressReserve(l.cuMemAddressReserve, &ptr, C.size_t(size), C.size_t(alignment), C.CUdeviceptr(fixed), 0))
	if err != nil {
		return 0, err
	}
	return DevicePtr(ptr), nil
}

func (l *libcuda) MemAddressFree(ptr DevicePtr, size uint64) error {
	return l.toError("cuMemAddressFree",
		C.call_cuMemAddressFree(l.cuMemAddressFree, C.CUdeviceptr(ptr), C.size_t(size)))
}

func (l *libcuda) MemCreate(size uint64, prop *AllocationProp) (AllocationHandle, error) {
	cProp := l.cProp(prop)
	var handle C.CUmemGenericAllocationHandle
	err := l.toError("cuMemCreate",
		C.call_cuMemCreate(l.cuMemCreate, &handle, C.size_t(size), &cProp, 0))
	if err != nil {
		return 0, err
	}
	return AllocationHandle(handle), nil
}

func (l *libcuda) MemRelease(handle AllocationHandle) error {
	return l.toError("cuMemRelease",
		C.call_cuMemRelease(l.cuMemRelease, C.CUmemGenericAllocationHandle(handle)))
}

func (l *libcuda) MemMap(addr DevicePtr, size, offset uint64, handle AllocationHandle) error {
	return l.toError("cuMemMap",
		C.call_cuMemMap(l.cuMemMap, C.CUdeviceptr(addr), C.size_t(size), C.size_t(offset),
			C.CUmemGenericAllocationHandle(handle), 0))
}

func (l *libcuda) MemUnmap(addr DevicePtr, size uint64) error {
	return l.toError("cuMemUnmap",
		C.call_cuMemUnmap(l.cuMemUnmap, C.CUdeviceptr(addr), C.size_t(size)))
}

func (l *libcuda) MemSetAccess(addr DevicePtr, size uint64, descs []AccessDesc) error {
	if len(descs) == 0 {
		return &Error{Call: "cuMemSetAccess", Code: ErrorInvalidValue, Detail: "no access descriptors"}
	}
	cDescs := make([]C.CUmemAccessDesc, len(descs))
	for ii, desc := range descs {
		cDescs[ii].location._type = C.int(desc.Location.Type)
		cDescs[ii].location.id = C.int(desc.Location.ID)
		cDescs[ii].flags = C.uint(desc.Flags)
	}
	return l.toError("cuMemSetAccess",
		C.call_cuMemSetAccess(l.cuMemSetAccess, C.CUdeviceptr(addr), C.size_t(size),
			&cDescs[0], C.size_t(len(cDescs))))
}

func (l *libcuda) MemcpyHtoD(dst DevicePtr, src []byte) error {
	if len(src) == 0 {
		return nil
	}
	return l.toError("cuMemcpyHtoD",
		C.call_cuMemcpyHtoD(l.cuMemcpyHtoD, C.CUdeviceptr(dst),
			unsafe.Pointer(unsafe.SliceData(src)), C.size_t(len(src))))
}

func (l *libcuda) MemcpyDtoH(dst []byte, src DevicePtr) error {
	if len(dst) == 0 {
		return nil
	}
	return l.toError("cuMemcpyDtoH",
		C.call_cuMemcpyDtoH(l.cuMemcpyDtoH, unsafe.Pointer(unsafe.SliceData(dst)),
			C.CUdeviceptr(src), C.size_t(len(dst))))
}

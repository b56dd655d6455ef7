package cuvm

import (
	"k8s.io/klog/v2"

	"github.com/growmem/gocuvm/cuvm/cudriver"
)

// QueryGranularity returns the device's minimum allocation granularity for
// pinned, device-located, uncompressed memory -- the unit every segment and
// chunk size must be rounded up to. It returns 0 on failure (logged); treat
// a 0 as "skip this device", never as a valid granularity.
func QueryGranularity(drv cudriver.Driver, dev cudriver.Device) uint64 {
	granularity, err := drv.MemGetAllocationGranularity(allocationProp(dev), cudriver.GranularityMinimum)
	if err != nil {
		klog.Errorf("failed to query the allocation granularity of device %d: %v", dev, err)
		return 0
	}
	return granularity
}

// allocationProp is the one allocation-property descriptor this package ever
// uses: pinned memory located on the device, no compression, no exportable
// handles. Shared by the granularity query and every chunk creation.
func allocationProp(dev cudriver.Device) *cudriver.AllocationProp {
	return &cudriver.AllocationProp{
		Type:                 cudriver.AllocationTypePinned,
		RequestedHandleTypes: cudriver.HandleTypeNone,
		Location:             cudriver.Location{Type: cudriver.LocationTypeDevice, ID: int32(dev)},
		CompressionType:      cudriver.CompressionNone,
	}
}

func alignUp(n, granularity uint64) uint64 {
	if n == 0 {
		return 0
	}
	return (n + granularity - 1) / granularity * granularity
}

// Granularity returns the device's allocation granularity, cached at New.
func (a *Allocator) Granularity() uint64 {
	return a.granularity
}

// ChunkSize returns the nominal chunk size, rounded up to the granularity.
func (a *Allocator) ChunkSize() uint64 {
	return a.chunkSize
}

// AlignUp rounds n up to the next multiple of the device granularity.
// AlignUp(0) is 0.
func (a *Allocator) AlignUp(n uint64) uint64 {
	return alignUp(n, a.granularity)
}

// ChunkSizes partitions a segment of total bytes into chunk sizes: every
// chunk is the nominal chunk size except the last, which absorbs the
// remainder of the granularity-aligned total. The returned sizes sum to
// AlignUp(total). Returns nil for total 0.
func (a *Allocator) ChunkSizes(total uint64) []uint64 {
	if total == 0 {
		return nil
	}
	aligned := a.AlignUp(total)
	count := (aligned + a.chunkSize - 1) / a.chunkSize
	sizes := make([]uint64, count)
	for ii := range sizes {
		sizes[ii] = a.chunkSize
	}
	if rem := aligned % a.chunkSize; rem != 0 {
		sizes[count-1] = rem
	}
	return sizes
}

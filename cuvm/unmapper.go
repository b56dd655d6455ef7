package cuvm

import (
	"runtime"

	"github.com/growmem/gocuvm/cuvm/cudriver"

	"k8s.io/klog/v2"
)

// UnmapSegment is the exact inverse of MapSegment, with the same bookkeeping
// arguments: it unmaps every chunk of [base, base+total) in ascending order,
// then releases every chunk's physical allocation in ascending order. All
// unmaps happen before any release -- the driver refuses to release a handle
// that is still mapped -- and the two passes never interleave per chunk.
//
// Like MapSegment it aborts on the first failure with an *OpError and does
// not roll back: after a failure at chunk i of the unmap pass, chunks [i,n)
// stay mapped; after the release pass, handles [i,n) stay allocated with
// their mappings already gone.
func (a *Allocator) UnmapSegment(base cudriver.DevicePtr, total uint64,
	handles []cudriver.AllocationHandle, sizes []uint64) error {
	if err := a.checkChunkArgs(total, len(handles), sizes); err != nil {
		return a.fail("UnmapSegment", StageArgs, -1, 0, err)
	}
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if err := a.ensureContext(); err != nil {
		return a.fail("UnmapSegment", StageContext, -1, 0, err)
	}
	a.bindAffinity()

	var offset uint64
	for ii, size := range sizes {
		if err := a.drv.MemUnmap(base+cudriver.DevicePtr(offset), size); err != nil {
			klog.Errorf("failed to unmap chunk %d of %d at offset %d on device %d: %v",
				ii, len(sizes), offset, a.dev, err)
			return a.fail("UnmapSegment", StageUnmap, ii, ii, err)
		}
		a.counters.chunksUnmapped.Add(1)
		offset += size
	}

	for ii, handle := range handles {
		if err := a.drv.MemRelease(handle); err != nil {
			klog.Errorf("failed to release chunk %d of %d (handle %d) on device %d: %v",
				ii, len(handles), handle, a.dev, err)
			return a.fail("UnmapSegment", StageRelease, ii, ii, err)
		}
		a.counters.chunksReleased.Add(1)
	}

	a.counters.bytesMapped.Add(-int64(total))
	klog.V(1).Infof("unmapped and released %d bytes in %d chunks at %#x on device %d",
		total, len(sizes), uint64(base), a.dev)
	return nil
}

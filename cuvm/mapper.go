package cuvm

import (
	"runtime"

	"github.com/growmem/gocuvm/cuvm/cudriver"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// MapSegment backs the reserved virtual range [base, base+total) with
// physical memory in chunks and grants the device read-write access over the
// whole range.
//
// The caller owns the bookkeeping: base must be a range of at least total
// bytes already reserved at granularity alignment (see Reserve for the
// managed path), sizes[i] must be granularity multiples summing to total,
// and handles must have one slot per chunk -- MapSegment writes the created
// handle of chunk i into handles[i].
//
// Protocol, in strict order: establish a context and bind NUMA affinity
// (non-fatal); create one physical allocation per chunk, ascending; map each
// chunk at the running-sum offset from base, ascending; grant read-write
// access over the full range. On the first failure MapSegment aborts and
// returns an *OpError naming the stage, chunk and completed prefix -- there
// is no automatic rollback, so after a failure at chunk i of the create
// stage, handles [0,i) are created but unmapped and handles [i,n) are
// untouched; after the map stage, all handles exist and chunks [0,i) are
// mapped; after a set-access failure the range is fully mapped but
// inaccessible. The caller decides whether to unwind (UnmapSegment accepts
// the same bookkeeping) or leak-track.
func (a *Allocator) MapSegment(base cudriver.DevicePtr, total uint64,
	handles []cudriver.AllocationHandle, sizes []uint64) error {
	if err := a.checkChunkArgs(total, len(handles), sizes); err != nil {
		return a.fail("MapSegment", StageArgs, -1, 0, err)
	}
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if err := a.ensureContext(); err != nil {
		return a.fail("MapSegment", StageContext, -1, 0, err)
	}
	a.bindAffinity()

	prop := allocationProp(a.dev)
	for ii, size := range sizes {
		handle, err := a.drv.MemCreate(size, prop)
		if err != nil {
			klog.Errorf("failed to create chunk %d of %d (%d bytes) on device %d: %v",
				ii, len(sizes), size, a.dev, err)
			return a.fail("MapSegment", StageCreate, ii, ii, err)
		}
		handles[ii] = handle
		a.counters.chunksCreated.Add(1)
		klog.V(2).Infof("created chunk %d/%d on device %d: %d bytes, handle %d",
			ii, len(sizes), a.dev, size, handle)
	}

	var offset uint64
	for ii, size := range sizes {
		if err := a.drv.MemMap(base+cudriver.DevicePtr(offset), size, 0, handles[ii]); err != nil {
			klog.Errorf("failed to map chunk %d of %d at offset %d on device %d: %v",
				ii, len(sizes), offset, a.dev, err)
			return a.fail("MapSegment", StageMap, ii, ii, err)
		}
		a.counters.chunksMapped.Add(1)
		klog.V(2).Infof("mapped chunk %d/%d on device %d at %#x (+%d)",
			ii, len(sizes), a.dev, uint64(base)+offset, offset)
		offset += size
	}

	descs := []cudriver.AccessDesc{{
		Location: cudriver.Location{Type: cudriver.LocationTypeDevice, ID: int32(a.dev)},
		Flags:    cudriver.AccessProtReadWrite,
	}}
	if err := a.drv.MemSetAccess(base, total, descs); err != nil {
		klog.Errorf("failed to grant access over [%#x, %#x) on device %d: %v",
			uint64(base), uint64(base)+total, a.dev, err)
		return a.fail("MapSegment", StageSetAccess, -1, len(sizes), err)
	}

	a.counters.bytesMapped.Add(int64(total))
	klog.V(1).Infof("mapped %d bytes in %d chunks at %#x on device %d",
		total, len(sizes), uint64(base), a.dev)
	return nil
}

// checkChunkArgs validates the caller-supplied chunk bookkeeping before any
// driver call is issued.
func (a *Allocator) checkChunkArgs(total uint64, numHandles int, sizes []uint64) error {
	if len(sizes) == 0 {
		return errors.New("a segment needs at least one chunk")
	}
	if numHandles != len(sizes) {
		return errors.Errorf("%d chunk handles for %d chunk sizes", numHandles, len(sizes))
	}
	var sum uint64
	for ii, size := range sizes {
		if size == 0 || size%a.granularity != 0 {
			return errors.Errorf("chunk %d size %d is not a positive multiple of the %d-byte granularity",
				ii, size, a.granularity)
		}
		sum += size
	}
	if sum != total {
		return errors.Errorf("chunk sizes sum to %d, want the segment total %d", sum, total)
	}
	return nil
}

package cuvm

import (
	"fmt"
	"runtime"

	"github.com/growmem/gocuvm/cuvm/cudriver"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Segment is a reserved, contiguous device virtual address range together
// with the chunk bookkeeping needed to back it: the per-chunk sizes and the
// physical-allocation handles, in mapping order (chunk i lives at the
// running sum of the sizes before it).
//
// Segments are created by Allocator.Reserve (or Alloc) and torn down by
// Allocator.Free. A Segment garbage collected while still holding driver
// resources is logged as a leak; it is never freed automatically, because
// the device memory may still be in use by the device.
//
// A Segment is not safe for concurrent use.
type Segment struct {
	state *segmentState
}

type segmentState struct {
	device      cudriver.Device
	base        cudriver.DevicePtr
	size        uint64 // As requested by the caller.
	alignedSize uint64 // Rounded up to the granularity; the reserved size.
	chunkSizes  []uint64
	handles     []cudriver.AllocationHandle
	mapped      bool
	freed       bool
	stack       []byte
}

// Device returns the device the segment is associated with.
func (s *Segment) Device() cudriver.Device { return s.state.device }

// Base returns the segment's base virtual address. It never changes for the
// lifetime of the reservation, mapped or not.
func (s *Segment) Base() cudriver.DevicePtr { return s.state.base }

// Size returns the originally requested size in bytes.
func (s *Segment) Size() uint64 { return s.state.size }

// AlignedSize returns the reserved size: Size rounded up to the device
// granularity. This is the mapped extent.
func (s *Segment) AlignedSize() uint64 { return s.state.alignedSize }

// ChunkSizes returns the per-chunk sizes, in mapping order.
func (s *Segment) ChunkSizes() []uint64 { return s.state.chunkSizes }

// Handles returns the per-chunk physical-allocation handles. Only populated
// while the segment is mapped.
func (s *Segment) Handles() []cudriver.AllocationHandle { return s.state.handles }

// Mapped reports whether the segment is currently backed by physical memory.
func (s *Segment) Mapped() bool { return s.state.mapped }

// String implements fmt.Stringer.
func (s *Segment) String() string {
	state := "reserved"
	if s.state.mapped {
		state = "mapped"
	}
	if s.state.freed {
		state = "freed"
	}
	return fmt.Sprintf("Segment{device %d, [%#x, %#x), %d chunks, %s}",
		s.state.device, uint64(s.state.base), uint64(s.state.base)+s.state.alignedSize,
		len(s.state.chunkSizes), state)
}

// Reserve reserves a virtual address range for size bytes (rounded up to the
// granularity) and prepares the chunk bookkeeping, without creating any
// physical memory yet. Pair with Free.
func (a *Allocator) Reserve(size uint64) (*Segment, error) {
	if size == 0 {
		return nil, a.fail("Reserve", StageArgs, -1, 0, errors.New("cannot reserve an empty segment"))
	}
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if err := a.ensureContext(); err != nil {
		return nil, a.fail("Reserve", StageContext, -1, 0, err)
	}
	aligned := a.AlignUp(size)
	base, err := a.drv.MemAddressReserve(aligned, a.granularity, 0)
	if err != nil {
		klog.Errorf("failed to reserve %d bytes of address space on device %d: %v", aligned, a.dev, err)
		return nil, a.fail("Reserve", StageReserve, -1, 0, err)
	}
	a.counters.reserves.Add(1)

	chunkSizes := a.ChunkSizes(aligned)
	state := &segmentState{
		device:      a.dev,
		base:        base,
		size:        size,
		alignedSize: aligned,
		chunkSizes:  chunkSizes,
		handles:     make([]cudriver.AllocationHandle, len(chunkSizes)),
	}
	seg := &Segment{state: state}
	if a.leakStacks {
		buf := make([]byte, 10*1024)
		n := runtime.Stack(buf, false)
		state.stack = buf[:n]
	}
	runtime.AddCleanup(seg, func(state *segmentState) {
		if state.freed {
			return
		}
		// The backing memory may still be in use by the device, so nothing
		// is freed here; a leak with a warning beats a use-after-free.
		if state.stack == nil {
			klog.Errorf("Segment of %d bytes at %#x on device %d garbage collected without being freed",
				state.alignedSize, uint64(state.base), state.device)
		} else {
			klog.Errorf("Segment of %d bytes at %#x on device %d garbage collected without being freed. Created at:\n%s\n",
				state.alignedSize, uint64(state.base), state.device, state.stack)
		}
	}, state)
	klog.V(1).Infof("reserved %s", seg)
	return seg, nil
}

// Map backs the whole segment with physical memory via MapSegment.
func (a *Allocator) Map(seg *Segment) error {
	if err := a.checkSegment(seg, "map"); err != nil {
		return err
	}
	if seg.state.mapped {
		return a.fail("Map", StageArgs, -1, 0, errors.Errorf("%s is already mapped", seg))
	}
	err := a.MapSegment(seg.state.base, seg.state.alignedSize, seg.state.handles, seg.state.chunkSizes)
	if err != nil {
		return err
	}
	seg.state.mapped = true
	return nil
}

// Unmap removes the segment's physical backing via UnmapSegment. The address
// range stays reserved and can be mapped again.
func (a *Allocator) Unmap(seg *Segment) error {
	if err := a.checkSegment(seg, "unmap"); err != nil {
		return err
	}
	if !seg.state.mapped {
		return a.fail("Unmap", StageArgs, -1, 0, errors.Errorf("%s is not mapped", seg))
	}
	err := a.UnmapSegment(seg.state.base, seg.state.alignedSize, seg.state.handles, seg.state.chunkSizes)
	if err != nil {
		return err
	}
	seg.state.mapped = false
	clear(seg.state.handles)
	return nil
}

// Free tears the segment down: unmaps it if it is still mapped, then frees
// the address reservation. The Segment is unusable afterwards; calling Free
// again is an error.
func (a *Allocator) Free(seg *Segment) error {
	if err := a.checkSegment(seg, "free"); err != nil {
		return err
	}
	if seg.state.mapped {
		if err := a.Unmap(seg); err != nil {
			return err
		}
	}
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if err := a.ensureContext(); err != nil {
		return a.fail("Free", StageContext, -1, 0, err)
	}
	if err := a.drv.MemAddressFree(seg.state.base, seg.state.alignedSize); err != nil {
		klog.Errorf("failed to free the address range of %s: %v", seg, err)
		return a.fail("Free", StageAddressFree, -1, 0, err)
	}
	seg.state.freed = true
	klog.V(1).Infof("freed %s", seg)
	return nil
}

// Alloc is Reserve followed by Map. On a mapping failure the returned
// segment is non-nil and still reserved (no rollback); the caller owns it
// and should Free it once any partially created chunks have been dealt
// with.
func (a *Allocator) Alloc(size uint64) (*Segment, error) {
	seg, err := a.Reserve(size)
	if err != nil {
		return nil, err
	}
	if err := a.Map(seg); err != nil {
		return seg, err
	}
	return seg, nil
}

func (a *Allocator) checkSegment(seg *Segment, what string) error {
	if seg == nil || seg.state == nil {
		return a.fail("Segment", StageArgs, -1, 0, errors.Errorf("cannot %s a nil segment", what))
	}
	if seg.state.freed {
		return a.fail("Segment", StageArgs, -1, 0, errors.Errorf("cannot %s %s", what, seg))
	}
	if seg.state.device != a.dev {
		return a.fail("Segment", StageArgs, -1, 0,
			errors.Errorf("cannot %s %s with the allocator for device %d", what, seg, a.dev))
	}
	return nil
}

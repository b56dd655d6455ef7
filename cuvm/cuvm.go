// Package cuvm implements a chunked, growable virtual-memory allocator for
// GPU device memory, built on the driver's virtual-memory-management API
// (package cudriver), which separates address reservation, physical-memory
// creation and mapping into distinct steps.
//
// The shape of an allocation: reserve a large virtual address range once,
// then back it with physical memory in fixed-size chunks mapped contiguously
// from the base address, and finally grant access rights over the whole
// range. Chunks let very large segments avoid one oversized creation call and
// leave room for mapping sub-ranges independently later; the base pointer
// never moves. Teardown runs the exact protocol in reverse: unmap every
// chunk, then release every handle, then free the reservation.
//
// An Allocator is the per-device front end. Its four primitives --
// EnsureContext, MapSegment, UnmapSegment and QueryGranularity -- operate on
// caller-owned bookkeeping (the chunk handle and size slices), while
// Reserve/Alloc/Free manage a Segment that carries that bookkeeping for you.
//
// Failure semantics are strict-order, abort-on-first-failure, no automatic
// rollback: every error is an *OpError naming the stage, the failing chunk
// and the completed prefix, so callers can decide to retry, roll back or
// leak-track. See the package-level documentation of each method.
//
// Allocator methods issue context-sensitive driver calls and therefore pin
// the calling goroutine to its OS thread for the duration of each call
// (current contexts and CPU affinity are per-thread resources). At most one
// goroutine may operate on a given segment at a time; different devices or
// segments may be driven concurrently from different goroutines.
package cuvm

import (
	"github.com/growmem/gocuvm/cuvm/affinity"
	"github.com/growmem/gocuvm/cuvm/cudriver"
	"github.com/growmem/gocuvm/cuvm/topology"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DefaultChunkSize is the nominal chunk size used when WithChunkSize is not
// given. Large segments are backed by chunks of this size (rounded up to the
// device granularity), with the last chunk absorbing the remainder.
const DefaultChunkSize = 2 * 1024 * 1024

// Allocator allocates chunked device-memory segments on one device.
//
// Create one with New. The Allocator itself is stateless driver
// orchestration plus accounting counters: all allocation bookkeeping lives
// in the caller's handle/size slices (MapSegment/UnmapSegment) or in a
// Segment (Reserve/Alloc).
type Allocator struct {
	drv cudriver.Driver
	dev cudriver.Device

	granularity uint64
	chunkSize   uint64

	topo       *topology.Table
	noAffinity bool
	leakStacks bool

	counters counters
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithTopology injects the device-to-NUMA-CPU table used for thread affinity
// binding. Without a table no binding is attempted.
func WithTopology(table *topology.Table) Option {
	return func(a *Allocator) { a.topo = table }
}

// WithAffinityDisabled turns off NUMA affinity binding even when a topology
// table is configured.
func WithAffinityDisabled() Option {
	return func(a *Allocator) { a.noAffinity = true }
}

// WithChunkSize sets the nominal chunk size. It is rounded up to the device
// granularity.
func WithChunkSize(bytes uint64) Option {
	return func(a *Allocator) { a.chunkSize = bytes }
}

// WithLeakStacks records a creation stack on every Segment, included in the
// log message when a Segment is garbage collected while still holding driver
// resources. Costs a stack capture per Reserve.
func WithLeakStacks() Option {
	return func(a *Allocator) { a.leakStacks = true }
}

// New creates an Allocator for the device. It queries the device's
// allocation granularity once; a device that reports no usable granularity
// is rejected here, so callers can skip it.
func New(drv cudriver.Driver, dev cudriver.Device, options ...Option) (*Allocator, error) {
	a := &Allocator{
		drv:       drv,
		dev:       dev,
		chunkSize: DefaultChunkSize,
	}
	for _, option := range options {
		option(a)
	}
	if a.chunkSize == 0 {
		return nil, errors.Errorf("chunk size must be positive")
	}
	a.granularity = QueryGranularity(drv, dev)
	if a.granularity == 0 {
		return nil, errors.Errorf("device %d reported no usable allocation granularity, skipping it", dev)
	}
	a.chunkSize = alignUp(a.chunkSize, a.granularity)
	klog.V(1).Infof("allocator for device %d: granularity=%d, chunk size=%d", dev, a.granularity, a.chunkSize)
	return a, nil
}

// Device returns the device this Allocator allocates on.
func (a *Allocator) Device() cudriver.Device {
	return a.dev
}

// Driver returns the underlying driver.
func (a *Allocator) Driver() cudriver.Driver {
	return a.drv
}

// bindAffinity pins the calling thread to the CPUs local to the device, when
// a topology table is configured. Binding is an optimization: every failure
// is logged and swallowed, never returned. The previous affinity mask is not
// restored.
func (a *Allocator) bindAffinity() {
	if a.noAffinity || a.topo == nil {
		return
	}
	cpus, ok := a.topo.CPUs(a.dev)
	if !ok {
		klog.V(1).Infof("device %d is not in the topology table, not binding affinity", a.dev)
		return
	}
	if err := affinity.Bind(cpus); err != nil {
		a.counters.failures[StageAffinity].Add(1)
		klog.Errorf("failed to bind thread affinity for device %d to CPUs %s (continuing unpinned): %v",
			a.dev, cpus, err)
		return
	}
	klog.V(2).Infof("bound thread affinity for device %d to CPUs %s", a.dev, cpus)
}

// fail counts the failure and wraps err into an *OpError.
func (a *Allocator) fail(op string, stage Stage, chunk, done int, err error) *OpError {
	a.counters.failures[stage].Add(1)
	return &OpError{Op: op, Device: a.dev, Stage: stage, Chunk: chunk, Done: done, Err: err}
}

package cuvm

import (
	"k8s.io/klog/v2"
)

// EnsureContext guarantees the calling thread has a current driver context
// before any VMM call touches the device: if the thread already has one it is
// used, otherwise the device's primary context is retained (bumping its
// driver-side reference count) and made current. The retained reference is
// never released by this package; it lives until process-level driver
// teardown.
//
// An already-current context is trusted as-is, without verifying it belongs
// to this Allocator's device. A thread that interleaves operations on
// several devices must keep that precondition itself -- a known gap
// inherited from the protocol this package implements.
//
// Contexts are per-thread: the caller must hold runtime.LockOSThread for the
// established context to still be current on its next driver call.
// MapSegment, UnmapSegment, Reserve and Free call EnsureContext themselves,
// with the thread locked, so most callers never need it directly.
func (a *Allocator) EnsureContext() error {
	if err := a.ensureContext(); err != nil {
		return a.fail("EnsureContext", StageContext, -1, 0, err)
	}
	return nil
}

func (a *Allocator) ensureContext() error {
	ctx, err := a.drv.CtxGetCurrent()
	if err != nil {
		klog.Errorf("failed to query the current context for device %d: %v", a.dev, err)
		return err
	}
	if ctx != 0 {
		// Trusted as-is, even when it belongs to another device; see the
		// EnsureContext doc.
		return nil
	}
	ctx, err = a.drv.DevicePrimaryCtxRetain(a.dev)
	if err != nil {
		klog.Errorf("failed to retain the primary context of device %d: %v", a.dev, err)
		return err
	}
	if err := a.drv.CtxSetCurrent(ctx); err != nil {
		klog.Errorf("failed to make the primary context of device %d current: %v", a.dev, err)
		return err
	}
	klog.V(1).Infof("made the primary context of device %d current", a.dev)
	return nil
}

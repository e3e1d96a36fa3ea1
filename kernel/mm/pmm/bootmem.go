package pmm

import (
	"kestrel/kernel"
	"kestrel/kernel/kfmt"
	"kestrel/kernel/mm"
)

var (
	errBootAllocOutOfMemory = mm.ErrOutOfMemory
)

// BootAllocator is a bump allocator that hands out the frames of a single
// physical range in increasing order. Frames obtained from it are permanent:
// FreeFrame always fails. The kernel uses it for the page tables that it
// needs while bootstrapping the BitmapAllocator.
type BootAllocator struct {
	// allocCount tracks the total number of allocated frames.
	allocCount uint64

	// nextFrame is the next frame to be handed out and lastFrame the last
	// frame of the range.
	nextFrame, lastFrame mm.Frame
}

// Init sets up the allocator to serve the whole frames contained in r.
func (alloc *BootAllocator) Init(r mm.PhysRange) {
	alloc.allocCount = 0
	alloc.nextFrame = mm.PhysAddr(mm.AlignUp(uintptr(r.Start), mm.PageSize)).Frame()
	alloc.lastFrame = mm.PhysAddr(mm.AlignDown(uintptr(r.End()), mm.PageSize)).Frame() - 1
}

// AllocFrame returns the next free frame or mm.ErrOutOfMemory if the range
// has been exhausted.
func (alloc *BootAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	if alloc.nextFrame > alloc.lastFrame || alloc.lastFrame == mm.InvalidFrame {
		return mm.InvalidFrame, errBootAllocOutOfMemory
	}

	frame := alloc.nextFrame
	alloc.nextFrame++
	alloc.allocCount++
	return frame, nil
}

// FreeFrame always returns ErrFrameNotAllocated as boot frames are never
// released.
func (alloc *BootAllocator) FreeFrame(_ mm.Frame) *kernel.Error {
	return ErrFrameNotAllocated
}

// AllocCount returns the number of frames handed out so far.
func (alloc *BootAllocator) AllocCount() uint64 {
	return alloc.allocCount
}

// PrintStats logs the allocator's usage.
func (alloc *BootAllocator) PrintStats() {
	kfmt.Printf("[boot_mem_alloc] allocated %d frames; next free frame 0x%x\n", alloc.allocCount, uintptr(alloc.nextFrame))
}

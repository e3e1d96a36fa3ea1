package mm

import "kestrel/kernel"

// FrameAllocator hands out exclusively owned physical frames.
type FrameAllocator interface {
	// AllocFrame reserves a free frame. It returns ErrOutOfMemory when no
	// frames are available.
	AllocFrame() (Frame, *kernel.Error)

	// FreeFrame returns a frame obtained from AllocFrame to the free set.
	// Freeing a frame that is not currently allocated is a programming
	// error and is reported as such.
	FreeFrame(Frame) *kernel.Error
}

// PhysTranslator maps physical addresses to virtual addresses through which
// the memory contents can be accessed by the kernel.
type PhysTranslator interface {
	PhysToVirt(PhysAddr) VirtAddr
}

// OffsetTranslator translates physical addresses by applying a fixed
// offset. The physmap and host-side test arenas both work this way.
type OffsetTranslator struct {
	Base VirtAddr
}

// PhysToVirt returns Base + addr.
func (t OffsetTranslator) PhysToVirt(addr PhysAddr) VirtAddr {
	return t.Base + VirtAddr(addr)
}

// PhysMap returns the translator for the kernel's physmap.
func PhysMap() OffsetTranslator {
	return OffsetTranslator{Base: PhysMapBase}
}

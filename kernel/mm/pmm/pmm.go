// Package pmm implements the physical frame allocators.
//
// Two allocators are provided. BootAllocator is a bump allocator over a
// fixed frame range; the kernel uses it to obtain page tables before the
// memory map has been parsed. BitmapAllocator is the allocator used for the
// rest of the kernel's lifetime; it tracks every usable frame reported by
// the bootloader with one bit per frame.
package pmm

import (
	"kestrel/kernel"
	"kestrel/kernel/mm"
)

var (
	// ErrFrameNotAllocated is returned when freeing a frame that is not
	// currently allocated. It always indicates a bug in the caller.
	ErrFrameNotAllocated = &kernel.Error{Module: "pmm", Message: "frame not allocated by this allocator"}
)

// UsableRangeVisitor invokes visit for each usable physical memory range
// until visit returns false.
type UsableRangeVisitor func(visit func(mm.PhysRange) bool)

// Interface checks.
var (
	_ mm.FrameAllocator = (*BitmapAllocator)(nil)
	_ mm.FrameAllocator = (*BootAllocator)(nil)
)

// Package mm defines the address, frame and range types shared by the
// physical and virtual memory managers.
//
// Physical and virtual addresses are distinct types. Converting between them
// always goes through a named operation: applying a known offset via a
// PhysTranslator or walking a page table hierarchy.
package mm

import "math"

// PhysAddr is a physical memory address.
type PhysAddr uintptr

// VirtAddr is a virtual memory address in the currently active address
// space.
type VirtAddr uintptr

// Frame describes a physical memory page index.
type Frame uintptr

// Page describes a virtual memory page index.
type Page uintptr

// Size represents a memory block size in bytes.
type Size uint64

// Common memory block sizes.
const (
	Byte Size = 1
	Kb        = 1024 * Byte
	Mb        = 1024 * Kb
	Gb        = 1024 * Mb
)

const (
	// InvalidFrame is returned by page allocators when
	// they fail to reserve the requested frame.
	InvalidFrame = Frame(math.MaxUint64)
)

// Frame returns the frame that contains this address.
func (a PhysAddr) Frame() Frame {
	return Frame(a >> PageShift)
}

// PageOffset returns the offset of this address within its frame.
func (a PhysAddr) PageOffset() uintptr {
	return uintptr(a) & (PageSize - 1)
}

// Page returns the page that contains this address.
func (a VirtAddr) Page() Page {
	return Page(a >> PageShift)
}

// PageOffset returns the offset of this address within its page.
func (a VirtAddr) PageOffset() uintptr {
	return uintptr(a) & (PageSize - 1)
}

// Pointer returns the address as a uintptr suitable for dereferencing.
func (a VirtAddr) Pointer() uintptr {
	return uintptr(a)
}

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical address of the start of this frame.
func (f Frame) Address() PhysAddr {
	return PhysAddr(f << PageShift)
}

// Address returns the virtual address of the start of this page.
func (p Page) Address() VirtAddr {
	return VirtAddr(p << PageShift)
}

// Pages returns the number of pages needed to hold s bytes.
func (s Size) Pages() uintptr {
	return uintptr((s + Size(PageSize) - 1) >> PageShift)
}

// PageAligned returns true if v is a multiple of the page size.
func PageAligned(v uintptr) bool {
	return v&(PageSize-1) == 0
}

// AlignDown rounds v down to a multiple of align, which must be a power of 2.
func AlignDown(v, align uintptr) uintptr {
	return v &^ (align - 1)
}

// AlignUp rounds v up to a multiple of align, which must be a power of 2.
func AlignUp(v, align uintptr) uintptr {
	return (v + align - 1) &^ (align - 1)
}

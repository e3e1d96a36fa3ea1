package mm

import "kestrel/kernel"

// VirtRange is a contiguous range of virtual addresses.
type VirtRange struct {
	Start VirtAddr
	Size  Size
}

// End returns the first address past the range.
func (r VirtRange) End() VirtAddr {
	return r.Start + VirtAddr(r.Size)
}

// PageCount returns the number of pages in the range.
func (r VirtRange) PageCount() uintptr {
	return r.Size.Pages()
}

// Contains returns true if addr lies within the range.
func (r VirtRange) Contains(addr VirtAddr) bool {
	return addr >= r.Start && addr-r.Start < VirtAddr(r.Size)
}

// Validate checks that the range is non-empty, page-aligned, does not wrap
// around the end of the address space and lies entirely within one of the two
// canonical halves.
func (r VirtRange) Validate() *kernel.Error {
	if !PageAligned(uintptr(r.Start)) || !PageAligned(uintptr(r.Size)) {
		return ErrMisaligned
	}

	if r.Size == 0 {
		return ErrInvalidRange
	}

	// the last byte of the range; an overflowing range wraps below Start
	last := r.Start + VirtAddr(r.Size-1)
	if last < r.Start {
		return ErrInvalidRange
	}

	switch {
	case last < canonicalLowEnd:
	case r.Start >= KernelHalfBase:
	default:
		return ErrInvalidRange
	}

	return nil
}

// PhysRange is a contiguous range of physical addresses.
type PhysRange struct {
	Start PhysAddr
	Size  Size
}

// End returns the first address past the range.
func (r PhysRange) End() PhysAddr {
	return r.Start + PhysAddr(r.Size)
}

// Frames returns the range of whole frames covered by r. Partial frames at
// either end are included, so that excluding the result from a free set
// never leaves a partially reserved frame available.
func (r PhysRange) Frames() (first, last Frame) {
	first = r.Start.Frame()
	last = PhysAddr(AlignUp(uintptr(r.End()), PageSize)).Frame() - 1
	return first, last
}

// Overlaps returns true if the two ranges share at least one byte.
func (r PhysRange) Overlaps(other PhysRange) bool {
	return r.Size != 0 && other.Size != 0 && r.Start < other.End() && other.Start < r.End()
}

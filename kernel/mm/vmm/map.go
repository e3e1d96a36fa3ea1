package vmm

import (
	"kestrel/kernel"
	"kestrel/kernel/mm"
)

// FrameSource describes where the frames backing a Map call come from.
type FrameSource struct {
	// base is the first frame of a borrowed physically contiguous run.
	base mm.Frame

	// owned is set when frames are allocated per page and returned to the
	// allocator on unmap.
	owned bool
}

// Allocate returns a FrameSource that backs each page with a zeroed frame
// from the address space's allocator. The frames are owned by the address
// space and are released by Unmap and Destroy.
func Allocate() FrameSource {
	return FrameSource{base: mm.InvalidFrame, owned: true}
}

// Borrow returns a FrameSource that maps the range onto the physically
// contiguous frames starting at base. The frames are not owned by the
// address space: Unmap leaves them alone. Borrowed ranges may be mapped
// with huge pages when their virtual and physical addresses are suitably
// aligned.
func Borrow(base mm.Frame) FrameSource {
	return FrameSource{base: base}
}

// Map establishes translations for every page in r using frames from src.
// The permission flags may include any of FlagRW, FlagUserAccessible,
// FlagWriteThroughCaching, FlagDoNotCache, FlagGlobal and FlagNoExecute;
// FlagPresent is implied.
//
// Map fails with mm.ErrAlreadyMapped, without modifying anything, if any
// page in r is already mapped. If the frame allocator runs out of memory
// part way, the pages mapped by this call are unmapped again before
// mm.ErrOutOfMemory is returned; intermediate tables allocated on the way
// are kept.
func (as *AddressSpace) Map(r mm.VirtRange, src FrameSource, flags PageTableEntryFlag) *kernel.Error {
	if err := as.checkRange(r); err != nil {
		return err
	}

	as.lock.Acquire()
	defer as.lock.Release()

	start, end := r.Start.Page(), r.Start.Page()+mm.Page(r.PageCount())
	for page := start; page < end; {
		pte, level := as.lookup(page)
		if pte != nil {
			return mm.ErrAlreadyMapped
		}
		page = levelStart(page, level) + mm.Page(levelPages(level))
	}

	leafFlags := (flags & permissionMask) | FlagPresent
	if !src.owned {
		leafFlags |= FlagBorrowed
	}

	for page := start; page < end; {
		_, freeLevel := as.lookup(page)
		frame := src.base + mm.Frame(page-start)
		level := as.leafLevelFor(page, end, frame, src.owned, freeLevel)

		pte, err := as.entryAt(page, level)
		if err == nil && src.owned {
			frame, err = as.allocZeroedFrame()
		}

		if err != nil {
			as.unmapPages(start, page)
			return err
		}

		entryFlags := leafFlags
		if level != leafLevel {
			entryFlags |= FlagHugePage
		}
		*pte = newEntry(frame, entryFlags)
		as.flush(page)

		page += mm.Page(levelPages(level))
	}

	return nil
}

// checkRange validates r and rejects upper half ranges in address spaces
// that share the kernel half.
func (as *AddressSpace) checkRange(r mm.VirtRange) *kernel.Error {
	if err := r.Validate(); err != nil {
		return err
	}

	if as.sharesKernelHalf && r.Start >= mm.KernelHalfBase {
		return mm.ErrInvalidRange
	}

	return nil
}

// leafLevelFor selects the table level at which the leaf for page is
// installed. Huge pages are only used for borrowed frames when the virtual
// and physical addresses are aligned to the huge page size and
// the rest of the range covers the whole huge page. Levels above freeLevel,
// where page still has a present entry, are never selected.
func (as *AddressSpace) leafLevelFor(page, end mm.Page, frame mm.Frame, owned bool, freeLevel uint8) uint8 {
	if owned {
		return leafLevel
	}

	for level := freeLevel; level < leafLevel; level++ {
		if level == 0 || (level == 1 && !as.giantPages) {
			continue
		}

		span := levelPages(level)
		if uintptr(page)&(span-1) == 0 && uintptr(frame)&(span-1) == 0 && uintptr(end-page) >= span {
			return level
		}
	}

	return leafLevel
}

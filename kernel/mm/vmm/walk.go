package vmm

import (
	"kestrel/kernel"
	"kestrel/kernel/mm"
	"unsafe"
)

// entryIndex returns the index of the entry that covers page in a table at
// the given level.
func entryIndex(page mm.Page, level uint8) uintptr {
	return (uintptr(page) >> (pageLevelShifts[level] - uint8(mm.PageShift))) & (entriesPerTable - 1)
}

// levelPages returns the number of 4Kb pages spanned by a single entry of a
// table at the given level.
func levelPages(level uint8) uintptr {
	return 1 << (pageLevelShifts[level] - uint8(mm.PageShift))
}

// levelStart returns the first page of the level-sized block containing page.
func levelStart(page mm.Page, level uint8) mm.Page {
	return page &^ mm.Page(levelPages(level)-1)
}

// table returns the page table stored in frame.
func (as *AddressSpace) table(frame mm.Frame) *pageTable {
	return (*pageTable)(unsafe.Pointer(as.tr.PhysToVirt(frame.Address()).Pointer()))
}

// pageTableWalker is invoked by walk with the entry that covers the walked
// page at each level. Returning false aborts the walk.
type pageTableWalker func(level uint8, pte *pageTableEntry) bool

// walk visits the entries that translate page, starting at the root table.
// The walk stops after visiting a non-present entry or a leaf entry.
func (as *AddressSpace) walk(page mm.Page, walkFn pageTableWalker) {
	tableFrame := as.root
	for level := uint8(0); level < pageLevels; level++ {
		pte := &as.table(tableFrame)[entryIndex(page, level)]
		if !walkFn(level, pte) {
			return
		}

		if !pte.HasFlags(FlagPresent) || level == leafLevel || pte.HasFlags(FlagHugePage) {
			return
		}
		tableFrame = pte.Frame()
	}
}

// lookup returns the present leaf entry translating page and its level. If
// page is not mapped, lookup returns a nil entry and the level of the first
// non-present entry; no page within that entry's span is mapped.
func (as *AddressSpace) lookup(page mm.Page) (*pageTableEntry, uint8) {
	var (
		leaf      *pageTableEntry
		stopLevel uint8
	)

	as.walk(page, func(level uint8, pte *pageTableEntry) bool {
		stopLevel = level
		if pte.HasFlags(FlagPresent) {
			leaf = pte
		} else {
			leaf = nil
		}
		return true
	})

	return leaf, stopLevel
}

// entryAt returns the entry for page in the table at the given level,
// allocating any missing intermediate tables on the way down.
func (as *AddressSpace) entryAt(page mm.Page, level uint8) (*pageTableEntry, *kernel.Error) {
	tableFrame := as.root
	for l := uint8(0); l < level; l++ {
		pte := &as.table(tableFrame)[entryIndex(page, l)]
		if !pte.HasFlags(FlagPresent) {
			frame, err := as.allocZeroedFrame()
			if err != nil {
				return nil, err
			}
			*pte = newEntry(frame, intermediateFlags)
		} else if pte.HasFlags(FlagHugePage) {
			return nil, mm.ErrAlreadyMapped
		}
		tableFrame = pte.Frame()
	}

	return &as.table(tableFrame)[entryIndex(page, level)], nil
}

// allocZeroedFrame allocates a frame and clears its contents.
func (as *AddressSpace) allocZeroedFrame() (mm.Frame, *kernel.Error) {
	frame, err := as.frames.AllocFrame()
	if err != nil {
		return mm.InvalidFrame, err
	}

	memsetFn(as.tr.PhysToVirt(frame.Address()).Pointer(), 0, mm.PageSize)
	return frame, nil
}

package vmm

import (
	"kestrel/kernel"
	"kestrel/kernel/mm"
)

// Unmap removes the translations for every page in r. Frames owned by the
// address space are returned to the frame allocator; borrowed frames are
// not.
//
// Unmap fails with mm.ErrNotMapped, without modifying anything, if any page
// in r is not mapped. Huge pages that straddle the edges of r are first
// split into smaller pages; if that requires a table that cannot be
// allocated, mm.ErrOutOfMemory is returned and no translation is changed.
func (as *AddressSpace) Unmap(r mm.VirtRange) *kernel.Error {
	return as.updateRange(r, func(pte *pageTableEntry, level uint8) {
		as.releaseLeaf(*pte, level)
		*pte = 0
	})
}

// Protect replaces the permission flags of every page in r without changing
// the frames they map. It has the same preconditions and failure modes as
// Unmap.
func (as *AddressSpace) Protect(r mm.VirtRange, flags PageTableEntryFlag) *kernel.Error {
	return as.updateRange(r, func(pte *pageTableEntry, _ uint8) {
		pte.ClearFlags(permissionMask)
		pte.SetFlags(flags & permissionMask)
	})
}

// updateRange applies updateFn to each leaf covering r once it has verified
// that every page is mapped and no huge page extends past either edge.
func (as *AddressSpace) updateRange(r mm.VirtRange, updateFn func(*pageTableEntry, uint8)) *kernel.Error {
	if err := as.checkRange(r); err != nil {
		return err
	}

	as.lock.Acquire()
	defer as.lock.Release()

	start, end := r.Start.Page(), r.Start.Page()+mm.Page(r.PageCount())
	for page := start; page < end; {
		pte, level := as.lookup(page)
		if pte == nil {
			return mm.ErrNotMapped
		}
		page = levelStart(page, level) + mm.Page(levelPages(level))
	}

	if err := as.splitAt(start); err != nil {
		return err
	}
	if err := as.splitAt(end); err != nil {
		return err
	}

	as.updatePages(start, end, updateFn)
	return nil
}

// unmapPages clears the leaves covering [start, end) which must all be
// present and lie entirely within the range.
func (as *AddressSpace) unmapPages(start, end mm.Page) {
	as.updatePages(start, end, func(pte *pageTableEntry, level uint8) {
		as.releaseLeaf(*pte, level)
		*pte = 0
	})
}

func (as *AddressSpace) updatePages(start, end mm.Page, updateFn func(*pageTableEntry, uint8)) {
	for page := start; page < end; {
		pte, level := as.lookup(page)
		updateFn(pte, level)
		as.flush(page)
		page += mm.Page(levelPages(level))
	}
}

// splitAt makes sure that no huge page spans the boundary right before
// page by splitting it into pages of the next smaller size, repeatedly if
// needed. The translations themselves do not change.
func (as *AddressSpace) splitAt(page mm.Page) *kernel.Error {
	// the boundary past the top of the address space
	if page.Address() == 0 {
		return nil
	}

	for {
		pte, level := as.lookup(page)
		if pte == nil || level == leafLevel || levelStart(page, level) == page {
			return nil
		}

		if err := as.split(pte, level, levelStart(page, level)); err != nil {
			return err
		}
	}
}

// split replaces the huge leaf pte, which maps the block starting at page,
// with a table of entries one level down that map the same frames with the
// same flags.
func (as *AddressSpace) split(pte *pageTableEntry, level uint8, page mm.Page) *kernel.Error {
	tableFrame, err := as.allocZeroedFrame()
	if err != nil {
		return err
	}

	var (
		childLevel = level + 1
		childSpan  = mm.Frame(levelPages(childLevel))
		childFlags = pte.Flags()
		table      = as.table(tableFrame)
	)

	if childLevel == leafLevel {
		childFlags &^= FlagHugePage
	}

	for index := range table {
		table[index] = newEntry(pte.Frame()+mm.Frame(index)*childSpan, childFlags)
	}

	*pte = newEntry(tableFrame, intermediateFlags)
	as.flush(page)
	return nil
}

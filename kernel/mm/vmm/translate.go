package vmm

import (
	"kestrel/kernel"
	"kestrel/kernel/mm"
)

// Translate returns the frame and permission flags of the page containing
// v. The last return value is false if v is not mapped.
func (as *AddressSpace) Translate(v mm.VirtAddr) (mm.Frame, PageTableEntryFlag, bool) {
	as.lock.Acquire()
	defer as.lock.Release()

	page := v.Page()
	pte, level := as.lookup(page)
	if pte == nil {
		return mm.InvalidFrame, 0, false
	}

	frame := pte.Frame() + mm.Frame(uintptr(page)&(levelPages(level)-1))
	return frame, pte.Flags() & permissionMask, true
}

// VirtToPhys returns the physical address that v translates to.
func (as *AddressSpace) VirtToPhys(v mm.VirtAddr) (mm.PhysAddr, *kernel.Error) {
	frame, _, ok := as.Translate(v)
	if !ok {
		return 0, mm.ErrNotMapped
	}

	return frame.Address() + mm.PhysAddr(v.PageOffset()), nil
}

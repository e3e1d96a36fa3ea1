package vmm

const (
	// pageLevels indicates the number of page levels supported by the amd64 architecture.
	pageLevels = 4

	// leafLevel is the level of the tables whose entries map 4Kb pages.
	leafLevel = pageLevels - 1

	// entriesPerTable is the number of entries in a page table at any level.
	entriesPerTable = 512

	// kernelHalfFirstEntry is the first PML4 entry of the upper half of
	// the address space.
	kernelHalfFirstEntry = entriesPerTable / 2

	// ptePhysPageMask is a mask that allows us to extract the physical memory
	// address pointed to by a page table entry. For this particular architecture,
	// bits 12-51 contain the physical memory address.
	ptePhysPageMask = uintptr(0x000ffffffffff000)
)

var (
	// pageLevelShifts defines the shift required to access each page table component
	// of a virtual address.
	pageLevelShifts = [pageLevels]uint8{
		39,
		30,
		21,
		12,
	}
)

const (
	// FlagPresent is set when the page is available in memory and not swapped out.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUserAccessible is set if user-mode processes can access this page. If
	// not set only kernel code can access this page.
	FlagUserAccessible

	// FlagWriteThroughCaching implies write-through caching when set and write-back
	// caching if cleared.
	FlagWriteThroughCaching

	// FlagDoNotCache prevents this page from being cached if set.
	FlagDoNotCache

	// FlagAccessed is set by the CPU when this page is accessed.
	FlagAccessed

	// FlagDirty is set by the CPU when this page is modified.
	FlagDirty

	// FlagHugePage is set on PDPT and PD entries that map a 1Gb or 2Mb
	// page instead of pointing to the next table level.
	FlagHugePage

	// FlagGlobal if set, prevents the TLB from flushing the cached memory address
	// for this page when the swapping page tables by updating the CR3 register.
	FlagGlobal

	// FlagBorrowed marks a leaf whose frame is not owned by the address
	// space; unmapping it does not return the frame to the allocator. It
	// occupies one of the bits that the MMU ignores.
	FlagBorrowed PageTableEntryFlag = 1 << 9

	// FlagNoExecute if set, indicates that a page contains non-executable code.
	FlagNoExecute PageTableEntryFlag = 1 << 63
)

const (
	// permissionMask covers the flags that callers may set through Map and
	// Protect. All other bits are managed by the address space.
	permissionMask = FlagRW | FlagUserAccessible | FlagWriteThroughCaching |
		FlagDoNotCache | FlagGlobal | FlagNoExecute

	// intermediateFlags are applied to entries that point to a lower level
	// table. They grant every permission; the leaf entry restricts access.
	intermediateFlags = FlagPresent | FlagRW | FlagUserAccessible
)

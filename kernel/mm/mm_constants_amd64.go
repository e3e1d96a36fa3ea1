package mm

const (
	// PointerShift is equal to log2(unsafe.Sizeof(uintptr)). The pointer
	// size for this architecture is defined as (1 << PointerShift).
	PointerShift = uintptr(3)

	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert a physical address to a page number (shift right by PageShift)
	// and vice-versa.
	PageShift = uintptr(12)

	// PageSize defines the system's page size in bytes.
	PageSize = uintptr(1 << PageShift)

	// HugePageSize is the size of a page mapped by a page directory entry.
	HugePageSize = uintptr(2 * Mb)

	// GiantPageSize is the size of a page mapped by a PDPT entry.
	GiantPageSize = uintptr(1 * Gb)

	// canonicalLowEnd is the first non-canonical address above the lower
	// half of the 48-bit address space.
	canonicalLowEnd = VirtAddr(0x0000800000000000)

	// KernelHalfBase is the first canonical address of the upper half. All
	// PML4 entries at and above this address are shared by every address
	// space.
	KernelHalfBase = VirtAddr(0xffff800000000000)

	// PhysMapBase is the virtual address at which all of physical memory
	// is mapped once the kernel has finished initializing.
	PhysMapBase = KernelHalfBase

	// PhysMapMaxSize bounds the amount of physical memory the physmap can
	// cover (64Tb).
	PhysMapMaxSize = Size(64 * 1024 * Gb)

	// LowMemoryEnd is the end of the first megabyte of physical memory
	// which is never handed out by the frame allocator.
	LowMemoryEnd = PhysAddr(0x100000)
)

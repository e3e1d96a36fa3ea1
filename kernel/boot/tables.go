package boot

import (
	"kestrel/kernel/mm"
	"unsafe"
)

const (
	bootStackSize   = 16 * mm.Kb
	kernelStackSize = 64 * mm.Kb

	// earlyTableFrames is the number of frames reserved for page tables
	// that are allocated before the frame allocator is available.
	earlyTableFrames = 512

	entriesPerTable = 512
)

// bootTables holds the tables built by buildBootTables. The identity tables
// map the load address of the image with 2Mb pages and the kernel tables
// map the linked address range with 4Kb pages.
//
// The identity window may straddle a 1Gb or 512Gb boundary. The second
// identPD and identPDPT cover the part that lies beyond it.
type bootTables struct {
	pml4      [entriesPerTable]uint64
	identPDPT [2][entriesPerTable]uint64
	identPD   [2][entriesPerTable]uint64
	kernPDPT  [entriesPerTable]uint64
	kernPD    [entriesPerTable]uint64
	kernPT    [kernelPTCount][entriesPerTable]uint64
}

// bootTables must consist of whole pages.
var _ = [1]struct{}{}[unsafe.Sizeof(bootTables{})-(7+kernelPTCount)*mm.PageSize]

var (
	// The following pools are over-allocated by one page so that their
	// page aligned part has the required size.
	bootTablePool  [unsafe.Sizeof(bootTables{}) + mm.PageSize]byte
	earlyTablePool [(earlyTableFrames + 1) * mm.PageSize]byte

	bootStack   [bootStackSize]byte
	kernelStack [kernelStackSize]byte
)

// buildBootTables fills in t so that the image linked at [virtStart,
// virtEnd) is mapped both at its load address physStart and at its linked
// address. It uses no privileged instructions and only writes to t, which
// must be zeroed. Images larger than MaxKernelImageSize are truncated.
//
// The tables reference each other using the address of t, so t must be
// identity mapped when the tables are loaded.
func buildBootTables(t *bootTables, physStart, virtStart, virtEnd uintptr)

// EarlyTablePool returns the page aligned block of the image that is used
// for page tables before the frame allocator is initialized.
func EarlyTablePool() mm.VirtRange {
	start := mm.AlignUp(uintptr(unsafe.Pointer(&earlyTablePool[0])), mm.PageSize)
	return mm.VirtRange{
		Start: mm.VirtAddr(start),
		Size:  mm.Size(earlyTableFrames * mm.PageSize),
	}
}

// KernelStack returns the bounds of the stack that kernel_main runs on.
func KernelStack() (lo, hi mm.VirtAddr) {
	lo = mm.VirtAddr(uintptr(unsafe.Pointer(&kernelStack[0])))
	return lo, lo + mm.VirtAddr(kernelStackSize)
}

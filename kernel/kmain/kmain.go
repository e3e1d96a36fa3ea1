// Package kmain contains the kernel's one-time initialization sequence.
//
// Kmain takes over from the boot trampoline while the CPU still runs on the
// trampoline's page tables. It adopts those tables as the kernel address
// space, maps the boot data, builds the physmap, seeds the frame allocator
// and finally tightens the permissions of the kernel image. The kernel
// address space and the frame allocator are owned by this package and are
// handed to the memory managers by pointer.
package kmain

import (
	"kestrel/kernel"
	"kestrel/kernel/boot"
	"kestrel/kernel/bootinfo"
	"kestrel/kernel/cpu"
	"kestrel/kernel/kfmt"
	"kestrel/kernel/mm"
	"kestrel/kernel/mm/pmm"
	"kestrel/kernel/mm/vmm"
	"unsafe"
)

// config holds the options parsed from the kernel command line.
type config struct {
	// verbose enables the memory map and allocator dumps.
	verbose bool

	// quiet suppresses informational messages.
	quiet bool

	// giantPages is set if the physmap may use 1Gb pages.
	giantPages bool
}

var (
	errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}
	errNoBootData    = &kernel.Error{Module: "kmain", Message: "the loader did not supply any boot data"}
	errRootMismatch  = &kernel.Error{Module: "kmain", Message: "handoff root table is not the active page table"}

	// The following functions are mocked by tests.
	panicFn          = kfmt.Panic
	hasGiantPagesFn  = cpu.HasGiantPages
	activePDTFn      = cpu.ActivePDT
	newKernelSpaceFn = vmm.NewKernel

	cfg config

	// memMapDump indents the entries of the verbose memory map dump.
	memMapDump = kfmt.PrefixWriter{Prefix: []byte("    ")}

	// layout is a copy of the image layout recorded by the trampoline.
	layout boot.Layout

	// physMap reaches all of physical memory once mapPhysMem has run.
	physMap mm.PhysTranslator = mm.PhysMap()

	// composite is the translator used by the kernel address space once
	// the physmap is available.
	composite = imageTranslator{image: &layout}

	bootAllocator  pmm.BootAllocator
	frameAllocator pmm.BitmapAllocator
	kernelSpace    *vmm.AddressSpace

	// reservedRanges lists the physical memory that the frame allocator
	// must never hand out.
	reservedRanges [3]mm.PhysRange
)

// initStep is a single stage of the initialization sequence.
type initStep func(h *boot.HandoffInfo) *kernel.Error

// initSteps run in order; the sequence stops at the first failing step.
// Tests replace individual entries.
var initSteps = []initStep{
	validateLayout,
	func(h *boot.HandoffInfo) *kernel.Error { return initEarlySpace(h, boot.EarlyTablePool()) },
	func(h *boot.HandoffInfo) *kernel.Error {
		data, err := mapBootData(h)
		if err != nil {
			return err
		}
		return parseBootData(data)
	},
	mapPhysMem,
	switchToPhysMap,
	initFrameAllocator,
	finalizeKernelSpace,
	printSummary,
}

// Kmain is the only Go symbol that is called by the rt0 initialization
// code. It is invoked by the trampoline after switching to the high half
// page tables and the kernel stack. The trampoline passes the values it
// received from the loader: the physical load address of the image and the
// physical address and size of the boot data.
//
// Kmain is not expected to return. If it does, the rt0 code will halt the CPU.
//
//go:noinline
func Kmain(kernelPhys, bootDataPhys, bootDataSize uintptr) {
	infof("[kmain] image loaded at 0x%x; boot data at 0x%x (%d bytes)\n", kernelPhys, bootDataPhys, bootDataSize)

	for _, step := range initSteps {
		if err := step(&boot.Handoff); err != nil {
			panicFn(err)
			return
		}
	}

	// Use panicFn instead of panic to prevent the compiler from
	// treating kfmt.Panic as dead-code and eliminating it.
	panicFn(errKmainReturned)
}

// infof logs an informational message unless the quiet option is set.
func infof(format string, args ...interface{}) {
	if !cfg.quiet {
		kfmt.Printf(format, args...)
	}
}

// validateLayout copies the image layout out of the handoff block and
// checks it.
func validateLayout(h *boot.HandoffInfo) *kernel.Error {
	layout = h.Layout
	return layout.Validate()
}

// initEarlySpace adopts the trampoline's page tables as the kernel address
// space. Until the physmap exists, new tables come from pool, a block
// inside the kernel image, and all tables are reached through the image
// layout.
func initEarlySpace(h *boot.HandoffInfo, pool mm.VirtRange) *kernel.Error {
	if active := activePDTFn() &^ (mm.PageSize - 1); active != uintptr(h.RootTable) {
		return errRootMismatch
	}

	bootAllocator.Init(mm.PhysRange{Start: layout.VirtToPhys(pool.Start), Size: pool.Size})
	kernelSpace = newKernelSpaceFn(h.RootTable.Frame(), &bootAllocator, &layout)
	return nil
}

// bootDataRange returns the page aligned virtual range that maps the boot
// data at virtual address base.
func bootDataRange(h *boot.HandoffInfo, base mm.VirtAddr) mm.VirtRange {
	start := mm.AlignDown(uintptr(base), mm.PageSize)
	end := mm.AlignUp(uintptr(base)+h.BootDataSize, mm.PageSize)
	return mm.VirtRange{Start: mm.VirtAddr(start), Size: mm.Size(end - start)}
}

// mapBootData maps the boot data read-only at its identity address and
// returns its contents.
func mapBootData(h *boot.HandoffInfo) ([]byte, *kernel.Error) {
	if h.BootDataPhys == 0 || h.BootDataSize == 0 {
		return nil, errNoBootData
	}

	r := bootDataRange(h, mm.VirtAddr(h.BootDataPhys))
	if err := kernelSpace.Map(r, vmm.Borrow(h.BootDataPhys.Frame()), vmm.FlagNoExecute); err != nil {
		return nil, err
	}

	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(h.BootDataPhys))), h.BootDataSize), nil
}

// parseBootData hands the boot data to bootinfo and applies the command
// line options.
func parseBootData(data []byte) *kernel.Error {
	if err := bootinfo.Init(data); err != nil {
		return err
	}

	cmdline := bootinfo.CmdLine()
	cfg.verbose = cmdline.Flag("mm.verbose")
	level, _ := cmdline.Lookup("loglevel")
	cfg.quiet = string(level) == "quiet"
	cfg.giantPages = hasGiantPagesFn() && !cmdline.Flag("mm.nogiant")
	kernelSpace.EnableGiantPages(cfg.giantPages)

	if cfg.verbose {
		kfmt.Printf("[kmain] command line: %s\n", []byte(cmdline))
		kfmt.Printf("[kmain] system memory map:\n")
		bootinfo.VisitMemRanges(func(r *bootinfo.MemoryRange) bool {
			pr := r.PhysRange()
			kfmt.Fprintf(&memMapDump, "[0x%16x - 0x%16x], size: %10d, type: %s\n", uintptr(pr.Start), uintptr(pr.End()), uint64(pr.Size), r.Kind.String())
			return true
		})
	}

	return nil
}

// inPhysMap returns true if memory of the given kind is mapped in the
// physmap.
func inPhysMap(kind bootinfo.MemoryKind) bool {
	return kind == bootinfo.MemUsable || kind == bootinfo.MemACPITables
}

// mapPhysMem maps every usable and ACPI range of the memory map into the
// physmap. Ranges beyond mm.PhysMapMaxSize are skipped.
func mapPhysMem(_ *boot.HandoffInfo) *kernel.Error {
	var (
		err    *kernel.Error
		mapped mm.Size
	)

	bootinfo.VisitMemRanges(func(r *bootinfo.MemoryRange) bool {
		pr := r.PhysRange()
		if !inPhysMap(r.Kind) || pr.Size == 0 {
			return true
		}

		if uint64(pr.End()) > uint64(mm.PhysMapMaxSize) {
			kfmt.Printf("[kmain] physmap: skipping [0x%x - 0x%x]\n", uintptr(pr.Start), uintptr(pr.End()))
			return true
		}

		vr := mm.VirtRange{Start: physMap.PhysToVirt(pr.Start), Size: pr.Size}
		if err = kernelSpace.Map(vr, vmm.Borrow(pr.Start.Frame()), vmm.FlagRW|vmm.FlagNoExecute|vmm.FlagGlobal); err != nil {
			return false
		}

		mapped += pr.Size
		return true
	})

	if err == nil {
		infof("[kmain] physmap covers %dMb\n", uint64(mapped/mm.Mb))
	}
	return err
}

// switchToPhysMap moves the kernel address space and bootinfo over to the
// physmap and drops the identity mapping of the boot data.
func switchToPhysMap(h *boot.HandoffInfo) *kernel.Error {
	dataVirt := physMap.PhysToVirt(h.BootDataPhys)

	// the loader may have placed the boot data outside of the ranges
	// covered by the physmap
	r := bootDataRange(h, dataVirt)
	for page := r.Start; page < r.End(); page += mm.VirtAddr(mm.PageSize) {
		if _, _, mapped := kernelSpace.Translate(page); mapped {
			continue
		}

		frame := h.BootDataPhys.Frame() + mm.Frame(uintptr(page-r.Start)>>mm.PageShift)
		pageRange := mm.VirtRange{Start: page, Size: mm.Size(mm.PageSize)}
		if err := kernelSpace.Map(pageRange, vmm.Borrow(frame), vmm.FlagNoExecute|vmm.FlagGlobal); err != nil {
			return err
		}
	}

	if err := bootinfo.Init(unsafe.Slice((*byte)(unsafe.Pointer(dataVirt.Pointer())), h.BootDataSize)); err != nil {
		return err
	}

	if err := kernelSpace.Unmap(bootDataRange(h, mm.VirtAddr(h.BootDataPhys))); err != nil {
		return err
	}

	composite.fallback = physMap
	kernelSpace.SetTranslator(&composite)
	return nil
}

// initFrameAllocator seeds the frame allocator with the usable memory that
// is not occupied by the kernel image, the boot data or the first megabyte
// and makes it the kernel address space's allocator.
func initFrameAllocator(h *boot.HandoffInfo) *kernel.Error {
	reservedRanges[0] = layout.PhysRange()
	reservedRanges[1] = mm.PhysRange{Start: h.BootDataPhys, Size: mm.Size(h.BootDataSize)}
	reservedRanges[2] = mm.PhysRange{Start: 0, Size: mm.Size(mm.LowMemoryEnd)}

	visitUsable := func(visit func(mm.PhysRange) bool) {
		bootinfo.VisitMemRanges(func(r *bootinfo.MemoryRange) bool {
			if r.Kind != bootinfo.MemUsable {
				return true
			}
			return visit(r.PhysRange())
		})
	}

	if err := frameAllocator.Init(visitUsable, reservedRanges[:], &composite); err != nil {
		return err
	}

	kernelSpace.SetFrameAllocator(&frameAllocator)
	return nil
}

// sectionRange returns the pages spanned by [start, end).
func sectionRange(start, end mm.VirtAddr) mm.VirtRange {
	alignedStart := mm.AlignDown(uintptr(start), mm.PageSize)
	alignedEnd := mm.AlignUp(uintptr(end), mm.PageSize)
	return mm.VirtRange{Start: mm.VirtAddr(alignedStart), Size: mm.Size(alignedEnd - alignedStart)}
}

// finalizeKernelSpace pre-allocates the tables of the kernel half and
// applies the final permissions to the kernel image sections. Sections are
// processed so that, if two sections share a page, text and data take
// precedence over rodata.
func finalizeKernelSpace(_ *boot.HandoffInfo) *kernel.Error {
	if err := kernelSpace.PopulateKernelHalf(); err != nil {
		return err
	}

	sections := [...]struct {
		start, end mm.VirtAddr
		flags      vmm.PageTableEntryFlag
	}{
		{layout.RodataStart, layout.RodataEnd, vmm.FlagNoExecute | vmm.FlagGlobal},
		{layout.DataStart, layout.DataEnd, vmm.FlagRW | vmm.FlagNoExecute | vmm.FlagGlobal},
		{layout.BootTextStart, layout.TextEnd, vmm.FlagGlobal},
	}

	for _, section := range sections {
		if section.end <= section.start {
			continue
		}

		if err := kernelSpace.Protect(sectionRange(section.start, section.end), section.flags); err != nil {
			return err
		}
	}

	return nil
}

// printSummary logs the state of the memory managers.
func printSummary(_ *boot.HandoffInfo) *kernel.Error {
	if cfg.verbose {
		bootAllocator.PrintStats()
		frameAllocator.PrintStats()
	}

	free := frameAllocator.FreeCount()
	infof("[kmain] %d/%d frames free (%dMb); kernel root table at 0x%x\n",
		free, frameAllocator.TotalCount(), free*uint64(mm.PageSize)>>20, uintptr(kernelSpace.Root().Address()),
	)
	return nil
}

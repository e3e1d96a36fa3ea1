// Package boot contains the position-independent entry point of the kernel
// image and the state it hands over to the rest of the kernel.
//
// The loader jumps to _kestrel_start at whatever physical address it placed
// the image. The trampoline builds a minimal set of page tables that map the
// image both at its load address and at its linked high-half address,
// switches to them and calls kernel_main on the high-half kernel stack. The
// details of the hand-over are recorded in Handoff.
package boot

import (
	"kestrel/kernel"
	"kestrel/kernel/mm"
)

const (
	// MaxKernelImageSize is the largest kernel image (from __virt_start
	// to __virt_end) that the boot page tables can map.
	MaxKernelImageSize = 8 * mm.Mb

	// identityMapEntries is the number of 2Mb pages used to identity map
	// the image while the trampoline switches to the high half. The extra
	// entry covers a load address that is not 2Mb aligned.
	identityMapEntries = uintptr(MaxKernelImageSize)/mm.HugePageSize + 1

	// kernelPTCount is the number of page tables needed to map the image
	// in the high half with 4Kb pages.
	kernelPTCount = uintptr(MaxKernelImageSize) / mm.HugePageSize
)

var (
	errMisalignedImage = &kernel.Error{Module: "boot", Message: "kernel image must be linked at a 2Mb aligned address"}
	errImageTooLarge   = &kernel.Error{Module: "boot", Message: "kernel image exceeds the maximum supported size"}
)

// Layout describes where the kernel image was linked and where it was
// loaded. All virtual addresses are link-time addresses in the high half.
type Layout struct {
	// PhysStart is the physical address that VirtStart was loaded at.
	PhysStart mm.PhysAddr

	// VirtStart and VirtEnd delimit the whole image.
	VirtStart mm.VirtAddr
	VirtEnd   mm.VirtAddr

	// BootTextStart is the start of the trampoline code which precedes
	// the regular text section.
	BootTextStart mm.VirtAddr

	TextStart   mm.VirtAddr
	TextEnd     mm.VirtAddr
	RodataStart mm.VirtAddr
	RodataEnd   mm.VirtAddr
	DataStart   mm.VirtAddr
	DataEnd     mm.VirtAddr
}

// Size returns the size of the image.
func (l *Layout) Size() mm.Size {
	return mm.Size(l.VirtEnd - l.VirtStart)
}

// Delta returns the value that must be added to a linked address to obtain
// the matching physical address.
func (l *Layout) Delta() uintptr {
	return uintptr(l.PhysStart) - uintptr(l.VirtStart)
}

// PhysRange returns the physical memory occupied by the image.
func (l *Layout) PhysRange() mm.PhysRange {
	return mm.PhysRange{Start: l.PhysStart, Size: l.Size()}
}

// ContainsPhys returns true if addr lies within the loaded image.
func (l *Layout) ContainsPhys(addr mm.PhysAddr) bool {
	return addr >= l.PhysStart && uintptr(addr-l.PhysStart) < uintptr(l.Size())
}

// PhysToVirt returns the linked address of a physical address inside the
// image. It implements mm.PhysTranslator for frames that belong to the
// image, such as the early page table pool.
func (l *Layout) PhysToVirt(addr mm.PhysAddr) mm.VirtAddr {
	return mm.VirtAddr(uintptr(addr) - l.Delta())
}

// VirtToPhys returns the physical address of a linked address inside the
// image.
func (l *Layout) VirtToPhys(addr mm.VirtAddr) mm.PhysAddr {
	return mm.PhysAddr(uintptr(addr) + l.Delta())
}

// Validate checks that the layout can be mapped by the boot page tables.
func (l *Layout) Validate() *kernel.Error {
	if uintptr(l.VirtStart)&(mm.HugePageSize-1) != 0 {
		return errMisalignedImage
	}

	if l.VirtEnd < l.VirtStart || l.Size() > MaxKernelImageSize {
		return errImageTooLarge
	}

	return nil
}

// HandoffInfo is filled in by the trampoline before it calls kernel_main.
type HandoffInfo struct {
	// KernelPhys, BootDataPhys and BootDataSize are the values passed by
	// the loader. If the loader passed a zero size, BootDataSize is the
	// size read from the boot data header.
	KernelPhys   mm.PhysAddr
	BootDataPhys mm.PhysAddr
	BootDataSize uintptr

	// RootTable is the physical address of the PML4 loaded in CR3.
	RootTable mm.PhysAddr

	Layout Layout
}

// Handoff describes the state left behind by the trampoline.
var Handoff HandoffInfo

// Package vmm manages page table hierarchies.
//
// An AddressSpace owns a four-level amd64 page table hierarchy. Tables are
// frames obtained from a mm.FrameAllocator and are reached through a
// mm.PhysTranslator: the hierarchy is an arena indexed by physical frame
// rather than a tree of Go pointers. This lets the same code run against
// the kernel's physmap and against host memory in tests.
package vmm

import (
	"kestrel/kernel"
	"kestrel/kernel/cpu"
	"kestrel/kernel/kfmt"
	"kestrel/kernel/mm"
	"kestrel/kernel/sync"
)

var (
	// The following functions are mocked by tests; the underlying
	// instructions are privileged.
	flushTLBEntryFn = cpu.FlushTLBEntry
	switchPDTFn     = cpu.SwitchPDT

	memsetFn = kernel.Memset
	panicFn  = kfmt.Panic

	// activeSpace is the address space whose root is loaded in CR3.
	activeSpace *AddressSpace

	errPermanentSpace = &kernel.Error{Module: "vmm", Message: "the kernel address space cannot be destroyed"}
	errActiveSpace    = &kernel.Error{Module: "vmm", Message: "cannot destroy the active address space"}
)

// AddressSpace is a page table hierarchy together with the allocator that
// supplies its tables and owned frames.
type AddressSpace struct {
	lock sync.Spinlock

	root   mm.Frame
	frames mm.FrameAllocator
	tr     mm.PhysTranslator

	// kernel is set for the permanent kernel address space.
	kernel bool

	// sharesKernelHalf is set when the upper half PML4 entries are
	// borrowed from the kernel address space.
	sharesKernelHalf bool

	// giantPages enables 1Gb leaf entries.
	giantPages bool
}

// NewKernel adopts the page table hierarchy rooted at root as the kernel
// address space. The hierarchy is assumed to be the one currently loaded
// in CR3.
func NewKernel(root mm.Frame, frames mm.FrameAllocator, tr mm.PhysTranslator) *AddressSpace {
	as := &AddressSpace{root: root, frames: frames, tr: tr, kernel: true}
	activeSpace = as
	return as
}

// New creates an empty address space with a freshly allocated root table.
func New(frames mm.FrameAllocator, tr mm.PhysTranslator) (*AddressSpace, *kernel.Error) {
	as := &AddressSpace{frames: frames, tr: tr}

	root, err := as.allocZeroedFrame()
	if err != nil {
		return nil, err
	}
	as.root = root

	return as, nil
}

// Root returns the frame holding the top-level table.
func (as *AddressSpace) Root() mm.Frame {
	return as.root
}

// EnableGiantPages allows Map to install 1Gb pages. It must only be called
// if the CPU supports them.
func (as *AddressSpace) EnableGiantPages(enabled bool) {
	as.lock.Acquire()
	as.giantPages = enabled
	as.lock.Release()
}

// SetFrameAllocator replaces the allocator used for new tables and owned
// frames. Frames allocated through the previous allocator remain in use.
func (as *AddressSpace) SetFrameAllocator(frames mm.FrameAllocator) {
	as.lock.Acquire()
	as.frames = frames
	as.lock.Release()
}

// SetTranslator replaces the translator used to access the tables. The new
// translator must cover every frame referenced by the hierarchy.
func (as *AddressSpace) SetTranslator(tr mm.PhysTranslator) {
	as.lock.Acquire()
	as.tr = tr
	as.lock.Release()
}

// PopulateKernelHalf makes sure that every upper half PML4 entry points to a
// table. Address spaces created afterwards share these tables, so mappings
// that the kernel adds later become visible in all of them.
func (as *AddressSpace) PopulateKernelHalf() *kernel.Error {
	as.lock.Acquire()
	defer as.lock.Release()

	root := as.table(as.root)
	for index := kernelHalfFirstEntry; index < entriesPerTable; index++ {
		if root[index].HasFlags(FlagPresent) {
			continue
		}

		frame, err := as.allocZeroedFrame()
		if err != nil {
			return err
		}
		root[index] = newEntry(frame, intermediateFlags)
	}

	return nil
}

// ShareKernelHalf copies the upper half PML4 entries of kernelSpace into
// this address space. Afterwards, Map rejects ranges in the upper half.
func (as *AddressSpace) ShareKernelHalf(kernelSpace *AddressSpace) {
	kernelSpace.lock.Acquire()
	as.lock.Acquire()

	src, dst := kernelSpace.table(kernelSpace.root), as.table(as.root)
	copy(dst[kernelHalfFirstEntry:], src[kernelHalfFirstEntry:])
	as.sharesKernelHalf = true

	as.lock.Release()
	kernelSpace.lock.Release()
}

// Activate loads this address space's root table into CR3.
func (as *AddressSpace) Activate() {
	switchPDTFn(uintptr(as.root.Address()))
	activeSpace = as
}

// Active returns true if this address space is loaded in CR3.
func (as *AddressSpace) Active() bool {
	return activeSpace == as
}

// flush invalidates the TLB entry for page if the address space is active.
func (as *AddressSpace) flush(page mm.Page) {
	if as.Active() {
		flushTLBEntryFn(uintptr(page.Address()))
	}
}

// Destroy releases every table and owned frame of the address space. Tables
// shared with the kernel address space are left untouched. The kernel
// address space and the active address space cannot be destroyed.
func (as *AddressSpace) Destroy() *kernel.Error {
	switch {
	case as.kernel:
		return errPermanentSpace
	case as.Active():
		return errActiveSpace
	}

	as.lock.Acquire()
	defer as.lock.Release()

	lastEntry := entriesPerTable
	if as.sharesKernelHalf {
		lastEntry = kernelHalfFirstEntry
	}

	as.freeTable(as.root, 0, lastEntry)
	as.root = mm.InvalidFrame
	return nil
}

// freeTable releases the first entryCount entries of the table at the given
// level, then the table itself.
func (as *AddressSpace) freeTable(frame mm.Frame, level uint8, entryCount int) {
	table := as.table(frame)
	for index := 0; index < entryCount; index++ {
		pte := table[index]
		switch {
		case !pte.HasFlags(FlagPresent):
			continue
		case level == leafLevel || pte.HasFlags(FlagHugePage):
			as.releaseLeaf(pte, level)
		default:
			as.freeTable(pte.Frame(), level+1, entriesPerTable)
		}
	}

	as.freeFrame(frame)
}

// releaseLeaf returns the frames mapped by an owned leaf to the allocator.
func (as *AddressSpace) releaseLeaf(pte pageTableEntry, level uint8) {
	if pte.HasFlags(FlagBorrowed) {
		return
	}

	for i := uintptr(0); i < levelPages(level); i++ {
		as.freeFrame(pte.Frame() + mm.Frame(i))
	}
}

func (as *AddressSpace) freeFrame(frame mm.Frame) {
	if err := as.frames.FreeFrame(frame); err != nil {
		panicFn(err)
	}
}

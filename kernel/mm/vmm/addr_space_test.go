package vmm

import (
	"kestrel/kernel"
	"kestrel/kernel/mm"
	"kestrel/kernel/mm/memtest"
	"kestrel/kernel/mm/pmm"
	"testing"
)

const testArenaBase = mm.PhysAddr(0x1000000)

// testEnv bundles the simulated RAM and the allocator that hands out its
// frames.
type testEnv struct {
	arena *memtest.Arena
	alloc *pmm.BitmapAllocator

	flushCount int
}

func newTestEnv(t *testing.T, size mm.Size) *testEnv {
	arena, err := memtest.NewArena(testArenaBase, size)
	if err != nil {
		t.Fatal(err)
	}

	// page tables must never rely on the previous contents of a frame
	arena.Fill(0xaa)

	env := &testEnv{arena: arena, alloc: new(pmm.BitmapAllocator)}
	visitArena := func(visit func(mm.PhysRange) bool) { visit(arena.Range()) }
	if err := env.alloc.Init(visitArena, nil, arena); err != nil {
		t.Fatal(err)
	}

	origFlushTLBEntry, origSwitchPDT := flushTLBEntryFn, switchPDTFn
	flushTLBEntryFn = func(uintptr) { env.flushCount++ }
	switchPDTFn = func(uintptr) {}

	t.Cleanup(func() {
		flushTLBEntryFn, switchPDTFn = origFlushTLBEntry, origSwitchPDT
		activeSpace = nil
		arena.Close()
	})

	return env
}

func (env *testEnv) newSpace(t *testing.T) *AddressSpace {
	as, err := New(env.alloc, env.arena)
	if err != nil {
		t.Fatal(err)
	}
	return as
}

// limitedAllocator fails with mm.ErrOutOfMemory once it has handed out
// remaining frames.
type limitedAllocator struct {
	mm.FrameAllocator
	remaining int
}

func (alloc *limitedAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	if alloc.remaining == 0 {
		return mm.InvalidFrame, mm.ErrOutOfMemory
	}
	alloc.remaining--
	return alloc.FrameAllocator.AllocFrame()
}

func pageRange(start uintptr, pages int) mm.VirtRange {
	return mm.VirtRange{Start: mm.VirtAddr(start), Size: mm.Size(pages) * mm.Size(mm.PageSize)}
}

func assertUnmapped(t *testing.T, as *AddressSpace, addrs ...uintptr) {
	t.Helper()
	for _, addr := range addrs {
		if frame, _, ok := as.Translate(mm.VirtAddr(addr)); ok {
			t.Errorf("expected 0x%x to be unmapped; translates to frame 0x%x", addr, frame)
		}
	}
}

func assertTranslation(t *testing.T, as *AddressSpace, addr uintptr, expFrame mm.Frame, expFlags PageTableEntryFlag) {
	t.Helper()
	frame, flags, ok := as.Translate(mm.VirtAddr(addr))
	switch {
	case !ok:
		t.Errorf("expected 0x%x to be mapped", addr)
	case frame != expFrame:
		t.Errorf("expected 0x%x to translate to frame 0x%x; got 0x%x", addr, expFrame, frame)
	case flags != expFlags:
		t.Errorf("expected 0x%x to have flags 0x%x; got 0x%x", addr, expFlags, flags)
	}
}

func TestMapTranslateUnmap(t *testing.T) {
	env := newTestEnv(t, 1*mm.Mb)
	as := env.newSpace(t)

	freeBefore := env.alloc.FreeCount()
	r := pageRange(0x400000, 1)
	if err := as.Map(r, Allocate(), FlagRW|FlagNoExecute); err != nil {
		t.Fatal(err)
	}

	// PDPT, PD, PT and the page itself
	if exp, got := freeBefore-4, env.alloc.FreeCount(); got != exp {
		t.Fatalf("expected %d free frames after Map; got %d", exp, got)
	}

	frame, flags, ok := as.Translate(r.Start + 0x123)
	if !ok {
		t.Fatal("expected mapped page to translate")
	}
	if exp := FlagRW | FlagNoExecute; flags != exp {
		t.Errorf("expected flags 0x%x; got 0x%x", exp, flags)
	}
	for i, b := range env.arena.Frame(frame) {
		if b != 0 {
			t.Fatalf("expected owned frame to be zeroed; byte %d is 0x%x", i, b)
		}
	}

	phys, err := as.VirtToPhys(r.Start + 0x123)
	if err != nil {
		t.Fatal(err)
	}
	if exp := frame.Address() + 0x123; phys != exp {
		t.Errorf("expected VirtToPhys to return 0x%x; got 0x%x", exp, phys)
	}

	if err := as.Unmap(r); err != nil {
		t.Fatal(err)
	}
	assertUnmapped(t, as, 0x400000)

	if _, err := as.VirtToPhys(r.Start); err != mm.ErrNotMapped {
		t.Errorf("expected mm.ErrNotMapped; got %v", err)
	}

	// tables stay until the address space is destroyed
	if exp, got := freeBefore-3, env.alloc.FreeCount(); got != exp {
		t.Fatalf("expected %d free frames after Unmap; got %d", exp, got)
	}
}

func TestMapNonAlignedRange(t *testing.T) {
	env := newTestEnv(t, 1*mm.Mb)
	as := env.newSpace(t)

	// the range crosses a page table boundary
	r := pageRange(0x1ff000, 3)
	if err := as.Map(r, Borrow(mm.Frame(0x5000)), FlagRW); err != nil {
		t.Fatal(err)
	}

	for i := uintptr(0); i < 3; i++ {
		assertTranslation(t, as, 0x1ff000+i*mm.PageSize, mm.Frame(0x5000+i), FlagRW)
	}
	assertUnmapped(t, as, 0x1fe000, 0x1fefff, 0x202000)
}

func TestMapValidation(t *testing.T) {
	env := newTestEnv(t, 1*mm.Mb)
	as := env.newSpace(t)

	specs := []struct {
		r      mm.VirtRange
		expErr *kernel.Error
	}{
		{mm.VirtRange{Start: 0x400800, Size: 4 * mm.Kb}, mm.ErrMisaligned},
		{mm.VirtRange{Start: 0x400000, Size: 100}, mm.ErrMisaligned},
		{mm.VirtRange{Start: 0x400000}, mm.ErrInvalidRange},
		{pageRange(0x00007ffffffff000, 2), mm.ErrInvalidRange},
		{pageRange(0x0000800000000000, 1), mm.ErrInvalidRange},
		{pageRange(0xfffffffffffff000, 2), mm.ErrInvalidRange},
	}

	freeBefore := env.alloc.FreeCount()
	for specIndex, spec := range specs {
		if err := as.Map(spec.r, Allocate(), FlagRW); err != spec.expErr {
			t.Errorf("[spec %d] expected Map to return %v; got %v", specIndex, spec.expErr, err)
		}
		if err := as.Unmap(spec.r); err != spec.expErr {
			t.Errorf("[spec %d] expected Unmap to return %v; got %v", specIndex, spec.expErr, err)
		}
		if err := as.Protect(spec.r, FlagRW); err != spec.expErr {
			t.Errorf("[spec %d] expected Protect to return %v; got %v", specIndex, spec.expErr, err)
		}
	}

	if got := env.alloc.FreeCount(); got != freeBefore {
		t.Fatalf("expected rejected calls not to allocate; free count went from %d to %d", freeBefore, got)
	}
}

func TestMapAlreadyMapped(t *testing.T) {
	env := newTestEnv(t, 1*mm.Mb)
	as := env.newSpace(t)

	if err := as.Map(pageRange(0x400000, 1), Borrow(0x1234), FlagRW); err != nil {
		t.Fatal(err)
	}

	freeBefore := env.alloc.FreeCount()
	if err := as.Map(pageRange(0x3ff000, 3), Allocate(), FlagUserAccessible); err != mm.ErrAlreadyMapped {
		t.Fatalf("expected mm.ErrAlreadyMapped; got %v", err)
	}

	if got := env.alloc.FreeCount(); got != freeBefore {
		t.Errorf("expected the failed Map not to allocate; free count went from %d to %d", freeBefore, got)
	}
	assertTranslation(t, as, 0x400000, 0x1234, FlagRW)
	assertUnmapped(t, as, 0x3ff000, 0x401000)
}

func TestMapRollbackOnOutOfMemory(t *testing.T) {
	env := newTestEnv(t, 1*mm.Mb)
	as := env.newSpace(t)

	freeBefore := env.alloc.FreeCount()

	// PDPT, PD and PT followed by 4 of the 8 requested pages
	as.SetFrameAllocator(&limitedAllocator{FrameAllocator: env.alloc, remaining: 7})
	r := pageRange(0x400000, 8)
	if err := as.Map(r, Allocate(), FlagRW); err != mm.ErrOutOfMemory {
		t.Fatalf("expected mm.ErrOutOfMemory; got %v", err)
	}

	for page := uintptr(0); page < 8; page++ {
		assertUnmapped(t, as, 0x400000+page*mm.PageSize)
	}

	if exp, got := freeBefore-3, env.alloc.FreeCount(); got != exp {
		t.Fatalf("expected the owned frames to be returned leaving %d free frames; got %d", exp, got)
	}

	as.SetFrameAllocator(env.alloc)
	if err := as.Map(r, Allocate(), FlagRW); err != nil {
		t.Fatalf("expected Map to succeed after the allocator recovered; got %v", err)
	}
}

func TestProtect(t *testing.T) {
	env := newTestEnv(t, 1*mm.Mb)
	as := env.newSpace(t)

	r := pageRange(0x600000, 2)
	if err := as.Map(r, Allocate(), FlagRW); err != nil {
		t.Fatal(err)
	}

	var frames [2]mm.Frame
	for i := range frames {
		frames[i], _, _ = as.Translate(r.Start + mm.VirtAddr(i)*mm.VirtAddr(mm.PageSize))
	}

	// FlagPresent and FlagHugePage are not permission flags and are ignored
	if err := as.Protect(r, FlagNoExecute|FlagUserAccessible|FlagPresent|FlagHugePage); err != nil {
		t.Fatal(err)
	}

	for i, frame := range frames {
		assertTranslation(t, as, 0x600000+uintptr(i)*mm.PageSize, frame, FlagNoExecute|FlagUserAccessible)
	}

	if err := as.Protect(pageRange(0x601000, 2), FlagRW); err != mm.ErrNotMapped {
		t.Fatalf("expected mm.ErrNotMapped; got %v", err)
	}
	assertTranslation(t, as, 0x601000, frames[1], FlagNoExecute|FlagUserAccessible)
}

func TestUnmapNotMapped(t *testing.T) {
	env := newTestEnv(t, 1*mm.Mb)
	as := env.newSpace(t)

	if err := as.Map(pageRange(0x400000, 2), Borrow(0x800), FlagRW); err != nil {
		t.Fatal(err)
	}

	for specIndex, r := range []mm.VirtRange{
		pageRange(0x3ff000, 2),
		pageRange(0x401000, 2),
		pageRange(0x8000000000, 1),
	} {
		if err := as.Unmap(r); err != mm.ErrNotMapped {
			t.Errorf("[spec %d] expected mm.ErrNotMapped; got %v", specIndex, err)
		}
	}

	assertTranslation(t, as, 0x400000, 0x800, FlagRW)
	assertTranslation(t, as, 0x401000, 0x801, FlagRW)
}

func TestMapHugePageSelection(t *testing.T) {
	specs := []struct {
		giantPages bool
		start      uintptr
		base       mm.Frame
		pages      int

		// number of tables allocated below the root
		expTables uint64
		expLevel  uint8
	}{
		// 2Mb aligned both ways
		{false, 0x200000, 0x200, 512, 2, 2},
		// physically misaligned
		{false, 0x200000, 0x201, 512, 3, leafLevel},
		// virtually misaligned
		{false, 0x201000, 0x200, 512, 4, leafLevel},
		// too short
		{false, 0x200000, 0x200, 511, 3, leafLevel},
		// giant pages disabled
		{false, 0x40000000, 0x40000, 512 * 512, 2, 2},
		// giant pages enabled
		{true, 0x40000000, 0x40000, 512 * 512, 1, 1},
	}

	for specIndex, spec := range specs {
		env := newTestEnv(t, 1*mm.Mb)
		as := env.newSpace(t)
		as.EnableGiantPages(spec.giantPages)

		freeBefore := env.alloc.FreeCount()
		if err := as.Map(pageRange(spec.start, spec.pages), Borrow(spec.base), FlagRW); err != nil {
			t.Errorf("[spec %d] unexpected error: %v", specIndex, err)
			continue
		}

		if got := freeBefore - env.alloc.FreeCount(); got != spec.expTables {
			t.Errorf("[spec %d] expected %d tables to be allocated; got %d", specIndex, spec.expTables, got)
		}

		if _, level := as.lookup(mm.VirtAddr(spec.start).Page()); level != spec.expLevel {
			t.Errorf("[spec %d] expected leaf at level %d; got %d", specIndex, spec.expLevel, level)
		}

		// every 4Kb page resolves to its own frame, including the last one
		last := uintptr(spec.pages - 1)
		assertTranslation(t, as, spec.start, spec.base, FlagRW)
		assertTranslation(t, as, spec.start+last*mm.PageSize+0xfff, spec.base+mm.Frame(last), FlagRW)
		assertUnmapped(t, as, spec.start+uintptr(spec.pages)*mm.PageSize)
	}
}

func TestMapRefusesHugeLeafOverExistingTable(t *testing.T) {
	env := newTestEnv(t, 1*mm.Mb)
	as := env.newSpace(t)

	// leave an empty page table behind for the first 2Mb region
	if err := as.Map(pageRange(0x200000, 1), Allocate(), FlagRW); err != nil {
		t.Fatal(err)
	}
	if err := as.Unmap(pageRange(0x200000, 1)); err != nil {
		t.Fatal(err)
	}

	freeBefore := env.alloc.FreeCount()
	if err := as.Map(pageRange(0x200000, 1024), Borrow(0x200), FlagRW); err != nil {
		t.Fatal(err)
	}

	if _, level := as.lookup(mm.VirtAddr(0x200000).Page()); level != leafLevel {
		t.Errorf("expected 4Kb leaves below the existing table; got level %d", level)
	}
	if _, level := as.lookup(mm.VirtAddr(0x400000).Page()); level != 2 {
		t.Errorf("expected a 2Mb leaf for the second region; got level %d", level)
	}
	if got := env.alloc.FreeCount(); got != freeBefore {
		t.Errorf("expected no new tables; free count went from %d to %d", freeBefore, got)
	}
}

func TestUnmapSplitsHugePages(t *testing.T) {
	env := newTestEnv(t, 1*mm.Mb)
	as := env.newSpace(t)

	if err := as.Map(pageRange(0x200000, 1024), Borrow(0x200), FlagRW|FlagGlobal); err != nil {
		t.Fatal(err)
	}

	freeBefore := env.alloc.FreeCount()
	if err := as.Unmap(pageRange(0x201000, 1)); err != nil {
		t.Fatal(err)
	}

	// one page table for the split; borrowed frames are not released
	if exp, got := freeBefore-1, env.alloc.FreeCount(); got != exp {
		t.Errorf("expected %d free frames; got %d", exp, got)
	}

	assertTranslation(t, as, 0x200000, 0x200, FlagRW|FlagGlobal)
	assertUnmapped(t, as, 0x201000)
	assertTranslation(t, as, 0x202000, 0x202, FlagRW|FlagGlobal)
	assertTranslation(t, as, 0x3ff000, 0x3ff, FlagRW|FlagGlobal)
	assertTranslation(t, as, 0x400000, 0x400, FlagRW|FlagGlobal)

	if _, level := as.lookup(mm.VirtAddr(0x400000).Page()); level != 2 {
		t.Errorf("expected the second 2Mb page to stay intact; got level %d", level)
	}

	// protecting exactly one 2Mb page needs no split
	if err := as.Protect(pageRange(0x400000, 512), FlagNoExecute); err != nil {
		t.Fatal(err)
	}
	if exp, got := freeBefore-1, env.alloc.FreeCount(); got != exp {
		t.Errorf("expected %d free frames; got %d", exp, got)
	}
	assertTranslation(t, as, 0x5ff000, 0x5ff, FlagNoExecute)
}

func TestUnmapSplitsGiantPages(t *testing.T) {
	env := newTestEnv(t, 1*mm.Mb)
	as := env.newSpace(t)
	as.EnableGiantPages(true)

	if err := as.Map(pageRange(0x40000000, 512*512), Borrow(0x40000), FlagRW); err != nil {
		t.Fatal(err)
	}

	freeBefore := env.alloc.FreeCount()
	if err := as.Protect(pageRange(0x40201000, 2), FlagNoExecute); err != nil {
		t.Fatal(err)
	}

	// a page directory and a page table
	if exp, got := freeBefore-2, env.alloc.FreeCount(); got != exp {
		t.Errorf("expected %d free frames; got %d", exp, got)
	}

	assertTranslation(t, as, 0x40200000, 0x40200, FlagRW)
	assertTranslation(t, as, 0x40201000, 0x40201, FlagNoExecute)
	assertTranslation(t, as, 0x40202000, 0x40202, FlagNoExecute)
	assertTranslation(t, as, 0x40203000, 0x40203, FlagRW)
	assertTranslation(t, as, 0x7ffff000, 0x7ffff, FlagRW)

	if _, level := as.lookup(mm.VirtAddr(0x40400000).Page()); level != 2 {
		t.Errorf("expected neighbouring 2Mb pages after the split; got level %d", level)
	}
}

func TestSplitOutOfMemory(t *testing.T) {
	env := newTestEnv(t, 1*mm.Mb)
	as := env.newSpace(t)

	if err := as.Map(pageRange(0x200000, 512), Borrow(0x200), FlagRW); err != nil {
		t.Fatal(err)
	}

	as.SetFrameAllocator(&limitedAllocator{FrameAllocator: env.alloc})
	if err := as.Unmap(pageRange(0x210000, 1)); err != mm.ErrOutOfMemory {
		t.Fatalf("expected mm.ErrOutOfMemory; got %v", err)
	}

	assertTranslation(t, as, 0x210000, 0x210, FlagRW)
	if _, level := as.lookup(mm.VirtAddr(0x200000).Page()); level != 2 {
		t.Errorf("expected the 2Mb page to stay intact; got level %d", level)
	}
}

func TestFlushOnlyWhenActive(t *testing.T) {
	env := newTestEnv(t, 1*mm.Mb)
	as := env.newSpace(t)

	if err := as.Map(pageRange(0x400000, 3), Allocate(), FlagRW); err != nil {
		t.Fatal(err)
	}
	if env.flushCount != 0 {
		t.Fatalf("expected no TLB flushes for an inactive address space; got %d", env.flushCount)
	}

	var loadedRoot uintptr
	switchPDTFn = func(root uintptr) { loadedRoot = root }

	as.Activate()
	if !as.Active() {
		t.Fatal("expected address space to be active")
	}
	if exp := uintptr(as.Root().Address()); loadedRoot != exp {
		t.Fatalf("expected CR3 to be loaded with 0x%x; got 0x%x", exp, loadedRoot)
	}

	if err := as.Unmap(pageRange(0x400000, 3)); err != nil {
		t.Fatal(err)
	}
	if exp := 3; env.flushCount != exp {
		t.Fatalf("expected %d TLB flushes; got %d", exp, env.flushCount)
	}

	if err := as.Destroy(); err != errActiveSpace {
		t.Fatalf("expected errActiveSpace; got %v", err)
	}
}

func TestDestroy(t *testing.T) {
	env := newTestEnv(t, 1*mm.Mb)

	freeBefore := env.alloc.FreeCount()
	as := env.newSpace(t)

	if err := as.Map(pageRange(0x400000, 4), Allocate(), FlagRW); err != nil {
		t.Fatal(err)
	}
	if err := as.Map(pageRange(0x7f0000000000, 2), Allocate(), FlagRW); err != nil {
		t.Fatal(err)
	}
	if err := as.Map(pageRange(0x600000, 512), Borrow(0x200), FlagRW); err != nil {
		t.Fatal(err)
	}
	if err := as.Map(pageRange(0xffff800000000000, 1), Allocate(), FlagRW); err != nil {
		t.Fatal(err)
	}

	if err := as.Destroy(); err != nil {
		t.Fatal(err)
	}

	if got := env.alloc.FreeCount(); got != freeBefore {
		t.Fatalf("expected every frame to be returned leaving %d free frames; got %d", freeBefore, got)
	}
}

func TestSharedKernelHalf(t *testing.T) {
	env := newTestEnv(t, 2*mm.Mb)

	rootFrame, err := env.alloc.AllocFrame()
	if err != nil {
		t.Fatal(err)
	}
	clear(env.arena.Frame(rootFrame))

	kernelSpace := NewKernel(rootFrame, env.alloc, env.arena)
	if !kernelSpace.Active() {
		t.Fatal("expected the kernel address space to be active")
	}

	if err := kernelSpace.PopulateKernelHalf(); err != nil {
		t.Fatal(err)
	}

	freeBefore := env.alloc.FreeCount()
	as := env.newSpace(t)
	as.ShareKernelHalf(kernelSpace)

	// mappings added to the kernel half later are visible everywhere
	kernelPage := uintptr(0xffff800000200000)
	if err := kernelSpace.Map(pageRange(kernelPage, 1), Borrow(0x42), FlagRW|FlagGlobal); err != nil {
		t.Fatal(err)
	}
	assertTranslation(t, as, kernelPage, 0x42, FlagRW|FlagGlobal)

	if err := as.Map(pageRange(0xffff900000000000, 1), Allocate(), FlagRW); err != mm.ErrInvalidRange {
		t.Fatalf("expected mm.ErrInvalidRange; got %v", err)
	}
	if err := as.Map(pageRange(0x400000, 2), Allocate(), FlagRW|FlagUserAccessible); err != nil {
		t.Fatal(err)
	}

	if err := kernelSpace.Destroy(); err != errPermanentSpace {
		t.Fatalf("expected errPermanentSpace; got %v", err)
	}

	// the shared kernel tables and the kernel mapping survive
	freeAfterKernelMap := freeBefore - 2 // PD and PT for kernelPage
	if err := as.Destroy(); err != nil {
		t.Fatal(err)
	}
	if got := env.alloc.FreeCount(); got != freeAfterKernelMap {
		t.Fatalf("expected %d free frames after Destroy; got %d", freeAfterKernelMap, got)
	}
	assertTranslation(t, kernelSpace, kernelPage, 0x42, FlagRW|FlagGlobal)
}

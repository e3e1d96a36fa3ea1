//go:build linux

// Package memtest provides host-backed stand-ins for physical memory so
// that page tables, frame bitmaps and thread stacks can be exercised by
// ordinary Go tests.
//
// An Arena is an anonymous mmap region that plays the role of RAM. Its
// simulated physical addresses start at the arena's configured base
// address and are translated by adding a fixed offset, the same way the
// kernel translates through the physmap. The memory lives outside of the Go
// heap, which allows the code under test to overlay raw page-table
// structures on it.
package memtest

import (
	"fmt"
	"golang.org/x/sys/unix"
	"kestrel/kernel/mm"
	"unsafe"
)

// Arena is a block of host memory posing as a physical address range.
type Arena struct {
	mem  []byte
	base mm.PhysAddr
}

// NewArena maps size bytes of zeroed host memory and exposes them as the
// physical address range [base, base+size). Both base and size must be page
// aligned.
func NewArena(base mm.PhysAddr, size mm.Size) (*Arena, error) {
	if !mm.PageAligned(uintptr(base)) || !mm.PageAligned(uintptr(size)) || size == 0 {
		return nil, fmt.Errorf("memtest: arena base 0x%x and size 0x%x must be non-zero multiples of the page size", base, size)
	}

	if pageSize := unix.Getpagesize(); uintptr(pageSize) != mm.PageSize {
		return nil, fmt.Errorf("memtest: host page size %d does not match the kernel page size", pageSize)
	}

	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("memtest: mmap arena: %w", err)
	}

	return &Arena{mem: mem, base: base}, nil
}

// Close releases the host memory backing the arena.
func (a *Arena) Close() error {
	if a.mem == nil {
		return nil
	}

	err := unix.Munmap(a.mem)
	a.mem = nil
	return err
}

// Range returns the simulated physical range covered by the arena.
func (a *Arena) Range() mm.PhysRange {
	return mm.PhysRange{Start: a.base, Size: mm.Size(len(a.mem))}
}

// PhysToVirt returns the host address that backs the simulated physical
// address. It implements mm.PhysTranslator.
func (a *Arena) PhysToVirt(addr mm.PhysAddr) mm.VirtAddr {
	return mm.VirtAddr(uintptr(unsafe.Pointer(&a.mem[0])) - uintptr(a.base) + uintptr(addr))
}

// Frame returns the contents of the supplied frame.
func (a *Arena) Frame(f mm.Frame) []byte {
	offset := uintptr(f.Address() - a.base)
	return a.mem[offset : offset+mm.PageSize]
}

// Fill sets every byte of the arena to value; tests use it to make sure
// that code which promises zeroed memory actually zeroes it.
func (a *Arena) Fill(value byte) {
	for i := range a.mem {
		a.mem[i] = value
	}
}

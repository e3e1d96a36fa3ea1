//go:build linux

package memtest

import (
	"fmt"
	"golang.org/x/sys/unix"
	"kestrel/kernel/mm"
	"unsafe"
)

// Stack is a host-allocated thread stack with an inaccessible guard page
// below its lowest usable address. Overflowing the stack faults instead of
// silently corrupting adjacent memory.
type Stack struct {
	mem []byte
}

// NewStack maps a stack with size usable bytes (rounded up to whole pages)
// plus a guard page.
func NewStack(size mm.Size) (*Stack, error) {
	usable := mm.AlignUp(uintptr(size), mm.PageSize)
	if usable == 0 {
		return nil, fmt.Errorf("memtest: stack size must be non-zero")
	}

	mem, err := unix.Mmap(-1, 0, int(usable+mm.PageSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("memtest: mmap stack: %w", err)
	}

	if err = unix.Mprotect(mem[:mm.PageSize], unix.PROT_NONE); err != nil {
		unix.Munmap(mem)
		return nil, fmt.Errorf("memtest: protect stack guard page: %w", err)
	}

	return &Stack{mem: mem}, nil
}

// Top returns the address just past the highest usable byte of the stack.
// It is always page aligned.
func (s *Stack) Top() mm.VirtAddr {
	return mm.VirtAddr(uintptr(unsafe.Pointer(&s.mem[0])) + uintptr(len(s.mem)))
}

// Bottom returns the lowest usable address of the stack.
func (s *Stack) Bottom() mm.VirtAddr {
	return mm.VirtAddr(uintptr(unsafe.Pointer(&s.mem[0])) + mm.PageSize)
}

// Close unmaps the stack.
func (s *Stack) Close() error {
	if s.mem == nil {
		return nil
	}

	err := unix.Munmap(s.mem)
	s.mem = nil
	return err
}

package boot

import "unsafe"

const (
	gdtFlagExecutable = 1 << 43
	gdtFlagNonSystem  = 1 << 44
	gdtFlagPresent    = 1 << 47
	gdtFlagLongMode   = 1 << 53

	// kernelCodeSelector is the selector of the ring 0 code descriptor.
	kernelCodeSelector = 0x08
)

// gdt is loaded by the trampoline. Long mode ignores segment bases and
// limits so a single code descriptor is all the kernel needs; data segment
// registers are loaded with the null selector.
var gdt = [2]uint64{
	0,
	gdtFlagExecutable | gdtFlagNonSystem | gdtFlagPresent | gdtFlagLongMode,
}

// The trampoline loads the GDTR limit from gdtLimit.
const gdtLimit = 2*8 - 1

var _ = [1]struct{}{}[unsafe.Sizeof(gdt)-(gdtLimit+1)]

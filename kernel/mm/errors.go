package mm

import "kestrel/kernel"

// The closed set of recoverable memory management errors. Callers compare
// returned errors against these values.
var (
	// ErrOutOfMemory is returned when the frame allocator has no free
	// frames left.
	ErrOutOfMemory = &kernel.Error{Module: "mm", Message: "out of memory"}

	// ErrAlreadyMapped is returned when mapping over a present translation.
	ErrAlreadyMapped = &kernel.Error{Module: "mm", Message: "virtual address already mapped"}

	// ErrNotMapped is returned when unmapping or protecting a page that has
	// no present translation.
	ErrNotMapped = &kernel.Error{Module: "mm", Message: "virtual address not mapped"}

	// ErrMisaligned is returned for addresses or sizes that are not page
	// aligned.
	ErrMisaligned = &kernel.Error{Module: "mm", Message: "address or size not page-aligned"}

	// ErrInvalidRange is returned for empty ranges, ranges that overflow
	// the address space and ranges that touch non-canonical addresses.
	ErrInvalidRange = &kernel.Error{Module: "mm", Message: "invalid address range"}
)

// Package bootinfo parses the boot data blob handed over by the loader.
//
// The blob is a container item whose payload is a sequence of items. Every
// item starts with an 8-byte header holding its kind and payload length and
// is followed by the payload, padded so that the next item starts at an
// 8-byte aligned offset. The container header carries a magic kind value
// and the length of everything that follows it.
package bootinfo

import (
	"kestrel/kernel"
	"kestrel/kernel/mm"
	"unsafe"
)

// ItemKind identifies the contents of a boot data item.
type ItemKind uint32

const (
	// containerKind is the kind of the outermost item.
	containerKind ItemKind = 0xb007b081

	// ItemMemoryMap holds an array of MemoryRange entries.
	ItemMemoryMap ItemKind = 1

	// ItemCommandLine holds the kernel command line.
	ItemCommandLine ItemKind = 2

	// ItemFramebuffer holds a FramebufferInfo.
	ItemFramebuffer ItemKind = 3

	// ItemEFISystemTable holds the physical address of the EFI system
	// table.
	ItemEFISystemTable ItemKind = 4
)

const (
	itemHeaderSize = 8
	itemAlign      = 8
)

// itemHeader precedes the payload of every item, including the container.
type itemHeader struct {
	kind       ItemKind
	payloadLen uint32
}

var (
	// blob covers the container header and its payload.
	blob []byte

	errBadMagic   = &kernel.Error{Module: "bootinfo", Message: "boot data does not start with a container header"}
	errTruncated  = &kernel.Error{Module: "bootinfo", Message: "boot data item extends past the end of the blob"}
	errMisaligned = &kernel.Error{Module: "bootinfo", Message: "boot data is not 8-byte aligned"}
)

// TotalSize returns the size of the boot data described by the container
// header at the start of header, or zero if header does not start with a
// container header.
func TotalSize(header []byte) uintptr {
	if len(header) < itemHeaderSize {
		return 0
	}

	hdr := (*itemHeader)(unsafe.Pointer(&header[0]))
	if hdr.kind != containerKind {
		return 0
	}

	return itemHeaderSize + uintptr(hdr.payloadLen)
}

// Init validates the supplied boot data and makes it the source for all
// other functions exported by this package. The blob must stay mapped for
// as long as the package is used.
func Init(data []byte) *kernel.Error {
	if len(data) < itemHeaderSize {
		return errTruncated
	}

	if uintptr(unsafe.Pointer(&data[0]))&(itemAlign-1) != 0 {
		return errMisaligned
	}

	size := TotalSize(data)
	switch {
	case size == 0:
		return errBadMagic
	case size > uintptr(len(data)):
		return errTruncated
	}

	data = data[:size]
	for offset := uintptr(itemHeaderSize); offset < size; {
		if size-offset < itemHeaderSize {
			return errTruncated
		}

		hdr := (*itemHeader)(unsafe.Pointer(&data[offset]))
		if end := offset + itemHeaderSize + uintptr(hdr.payloadLen); end > size {
			return errTruncated
		}

		offset = nextItem(offset, hdr)
	}

	blob = data
	return nil
}

// nextItem returns the offset of the item that follows the one at offset.
func nextItem(offset uintptr, hdr *itemHeader) uintptr {
	return (offset + itemHeaderSize + uintptr(hdr.payloadLen) + itemAlign - 1) &^ (itemAlign - 1)
}

// findItem returns the payload of the first item of the given kind or nil
// if the boot data does not contain such an item.
func findItem(kind ItemKind) []byte {
	size := uintptr(len(blob))
	for offset := uintptr(itemHeaderSize); offset < size; {
		hdr := (*itemHeader)(unsafe.Pointer(&blob[offset]))
		if hdr.kind == kind {
			start := offset + itemHeaderSize
			return blob[start : start+uintptr(hdr.payloadLen)]
		}

		offset = nextItem(offset, hdr)
	}

	return nil
}

// MemoryKind describes how a MemoryRange may be used.
type MemoryKind uint32

const (
	// MemReserved memory must not be touched.
	MemReserved MemoryKind = iota

	// MemUsable memory is free for the kernel to use.
	MemUsable

	// MemFirmware memory is used by firmware runtime services.
	MemFirmware

	// MemACPITables memory holds ACPI tables.
	MemACPITables

	// MemUnusable memory is defective.
	MemUnusable
)

// String implements fmt.Stringer for MemoryKind.
func (k MemoryKind) String() string {
	switch k {
	case MemReserved:
		return "reserved"
	case MemUsable:
		return "usable"
	case MemFirmware:
		return "firmware"
	case MemACPITables:
		return "ACPI tables"
	case MemUnusable:
		return "unusable"
	default:
		return "unknown"
	}
}

// MemoryRange describes a run of physical pages with the same kind.
type MemoryRange struct {
	StartPage uint64
	PageCount uint64
	Kind      MemoryKind
	_         uint32
}

// PhysRange returns the physical address range covered by r.
func (r *MemoryRange) PhysRange() mm.PhysRange {
	return mm.PhysRange{
		Start: mm.Frame(r.StartPage).Address(),
		Size:  mm.Size(r.PageCount) * mm.Size(mm.PageSize),
	}
}

// MemRangeVisitor is invoked by VisitMemRanges for each memory range. The
// visitor must return true to continue or false to abort the scan.
type MemRangeVisitor func(*MemoryRange) bool

// VisitMemRanges invokes visitor for each entry of the memory map. Entries
// with an unknown kind are reported as MemReserved.
func VisitMemRanges(visitor MemRangeVisitor) {
	payload := findItem(ItemMemoryMap)

	var entry MemoryRange
	entrySize := unsafe.Sizeof(entry)
	for offset := uintptr(0); offset+entrySize <= uintptr(len(payload)); offset += entrySize {
		entry = *(*MemoryRange)(unsafe.Pointer(&payload[offset]))
		if entry.Kind > MemUnusable {
			entry.Kind = MemReserved
		}

		if !visitor(&entry) {
			return
		}
	}
}

// FramebufferInfo describes the linear framebuffer set up by the loader.
type FramebufferInfo struct {
	// Physical address and size in bytes of the framebuffer.
	Paddr uint64
	Size  uint64

	// Dimensions in pixels.
	Width, Height uint32

	// Row pitch in pixels.
	Stride uint32

	// Pixel format as reported by the firmware.
	Format uint32
}

// Framebuffer returns the framebuffer description, if the loader supplied
// one.
func Framebuffer() (*FramebufferInfo, bool) {
	payload := findItem(ItemFramebuffer)
	if uintptr(len(payload)) < unsafe.Sizeof(FramebufferInfo{}) {
		return nil, false
	}

	return (*FramebufferInfo)(unsafe.Pointer(&payload[0])), true
}

// EFISystemTable returns the physical address of the EFI system table, if
// the loader supplied one.
func EFISystemTable() (mm.PhysAddr, bool) {
	payload := findItem(ItemEFISystemTable)
	if len(payload) < 8 {
		return 0, false
	}

	return mm.PhysAddr(*(*uint64)(unsafe.Pointer(&payload[0]))), true
}

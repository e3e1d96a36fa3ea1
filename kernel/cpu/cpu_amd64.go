// Package cpu exposes the privileged amd64 instructions used by the memory
// management and context switching code.
package cpu

var (
	cpuidFn = ID
)

const (
	// extFeatureLeaf is the CPUID leaf that reports extended processor
	// features in EDX.
	extFeatureLeaf = 0x80000001

	// extFeatureGiantPages is set in the EDX output of extFeatureLeaf when
	// 1Gb pages are supported.
	extFeatureGiantPages = 1 << 26
)

// SaveFlagsAndDisableInterrupts disables interrupt handling and returns the
// value of RFLAGS before interrupts were disabled.
func SaveFlagsAndDisableInterrupts() uintptr

// RestoreFlags loads RFLAGS with a value previously returned by
// SaveFlagsAndDisableInterrupts.
func RestoreFlags(flags uintptr)

// Halt stops instruction execution.
func Halt()

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr)

// SwitchPDT sets the root page table directory to point to the specified
// physical address and flushes the TLB.
func SwitchPDT(pdtPhysAddr uintptr)

// ActivePDT returns the physical address of the currently active page table.
func ActivePDT() uintptr

// ID returns information about the CPU and its features. It
// is implemented as a CPUID instruction with EAX=leaf and
// returns the values in EAX, EBX, ECX and EDX.
func ID(leaf uint32) (uint32, uint32, uint32, uint32)

// HasGiantPages returns true if the processor supports 1Gb pages.
func HasGiantPages() bool {
	if maxExt, _, _, _ := cpuidFn(0x80000000); maxExt < extFeatureLeaf {
		return false
	}

	_, _, _, edx := cpuidFn(extFeatureLeaf)
	return edx&extFeatureGiantPages != 0
}

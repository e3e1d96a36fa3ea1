// Package threadtest provides the register harness used by the tests of
// package thread. The assembly calls thread's switchContext directly, so
// the package may only be linked into binaries that also contain package
// thread.
package threadtest

import "unsafe"

// RoundTrip is shared between a test and the assembly harness.
type RoundTrip struct {
	// Main and Ping point at the thread.SavedContext of the caller of Run
	// and of the thread started at PingAddr.
	Main, Ping unsafe.Pointer

	// BX, BP, R12, R13, R14 and R15 as loaded before switching away and
	// as observed after switching back.
	Sentinels [6]uintptr
	Observed  [6]uintptr

	SPBefore, SPAfter uintptr

	// recorded by the ping thread
	PingArg, PingCount, PingScratch, PingSPAlign uintptr
}

// Run loads the sentinels into the callee-saved registers, switches from
// rt.Main to rt.Ping and records the registers once the ping thread
// switches back. rt must not live on the goroutine stack because the ping
// thread keeps its address.
func Run(rt *RoundTrip)

// PingAddr returns the entry point of the thread on the other side of the
// round trip. The thread expects its *RoundTrip in RDI.
func PingAddr() uintptr

// StackBounds returns the stack fields of the running g.
func StackBounds() (lo, hi, guard uintptr)

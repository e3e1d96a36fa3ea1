// Package thread implements the low-level context switch between kernel
// threads. Scheduling policy is left to callers: Switch is the only point
// at which a thread gives up the CPU.
//
// All kernel threads share the g that the Go code runs as. Switch moves the
// stack bounds of the resumed thread into that g so that the split-stack
// checks in Go function prologues test against the right stack.
package thread

import (
	"kestrel/kernel"
	"kestrel/kernel/cpu"
	"kestrel/kernel/kfmt"
	"kestrel/kernel/mm"
	"unsafe"
)

// stackGuard is the distance between the bottom of a thread stack and the
// stack guard installed for it. It matches the runtime's guard on amd64.
const stackGuard = 928

var (
	// The following functions are mocked by tests.
	saveFlagsFn     = cpu.SaveFlagsAndDisableInterrupts
	restoreFlagsFn  = cpu.RestoreFlags
	switchContextFn = switchContext
	panicFn         = kfmt.Panic

	errMisalignedStack = &kernel.Error{Module: "thread", Message: "thread stack top must be 16-byte aligned"}
	errThreadReturned  = &kernel.Error{Module: "thread", Message: "thread entry point returned"}
)

// SavedContext holds the state of a thread that is not running. The
// callee-saved registers and the resume address live on the thread's own
// stack; the context records where, together with the stack bounds that
// the thread runs with.
type SavedContext struct {
	sp uintptr

	// stackLo, stackHi and stackGuard mirror the stack fields of the
	// running g. A zero stackHi leaves the g untouched when the thread is
	// resumed.
	stackLo    uintptr
	stackHi    uintptr
	stackGuard uintptr

	// fn and arg are the entry point of a thread prepared by InitFunc.
	fn  func(arg uintptr)
	arg uintptr
}

// initialFrame is the stack layout that Init prepares for a new thread,
// from the lowest address up. The first seven words mirror what
// switchContext pushes; threadStart consumes arg and returns into entry.
type initialFrame struct {
	rbx, rbp, r12, r13, r14, r15 uintptr
	rip                          uintptr

	arg   uintptr
	entry uintptr

	// guard is the return address seen by entry. Returning from a
	// thread entry point jumps to address 0 and faults.
	guard uintptr
}

// Init prepares ctx so that the first Switch to it calls entry(arg) on the
// stack ending at stackTop. The entry point receives arg in RDI and runs
// with the stack alignment of a regular function call. stackTop must be
// 16-byte aligned.
//
// entry runs with the stack bounds of the thread that switched to it and
// must not call Go functions that check for stack overflow. Use InitFunc
// for Go entry points.
func Init(ctx *SavedContext, stackTop mm.VirtAddr, entry, arg uintptr) {
	if uintptr(stackTop)&15 != 0 {
		panicFn(errMisalignedStack)
		return
	}

	frame := (*initialFrame)(unsafe.Pointer(uintptr(stackTop) - unsafe.Sizeof(initialFrame{})))
	*frame = initialFrame{
		rip:   threadStartAddr(),
		arg:   arg,
		entry: entry,
	}

	*ctx = SavedContext{sp: uintptr(unsafe.Pointer(frame))}
}

// InitFunc prepares ctx so that the first Switch to it calls fn(arg) on
// stack. The end of stack must be 16-byte aligned. ctx is referenced by the
// new thread and must outlive it. fn must never return; if it does, the
// kernel panics.
func InitFunc(ctx *SavedContext, stack mm.VirtRange, fn func(arg uintptr), arg uintptr) {
	if uintptr(stack.End())&15 != 0 {
		panicFn(errMisalignedStack)
		return
	}

	Init(ctx, stack.End(), goEntryAddr(), uintptr(unsafe.Pointer(ctx)))
	ctx.stackLo = uintptr(stack.Start)
	ctx.stackHi = uintptr(stack.End())
	ctx.stackGuard = ctx.stackLo + stackGuard
	ctx.fn, ctx.arg = fn, arg
}

// Switch suspends the calling thread, saving its state in from, and resumes
// the thread saved in to. It returns when another thread switches back to
// from. Interrupts are disabled while the stacks are exchanged and the
// interrupt state of the suspended thread is restored when it resumes.
func Switch(from, to *SavedContext) {
	flags := saveFlagsFn()
	switchContextFn(from, to)
	restoreFlagsFn(flags)
}

// runFunc is called by goEntry on the stack of a thread prepared by
// InitFunc.
func runFunc(ctx *SavedContext) {
	ctx.fn(ctx.arg)
	panicFn(errThreadReturned)
}

// switchContext pushes the callee-saved registers onto the current stack,
// records the stack pointer and the stack bounds of the running g in from,
// installs the bounds of to and pops the registers of the thread being
// resumed before returning on its stack.
//
//go:noescape
func switchContext(from, to *SavedContext)

// threadStart is the first code executed by a thread prepared with Init.
// It is never called directly.
func threadStart()

// threadStartAddr returns the entry address of threadStart.
func threadStartAddr() uintptr

// goEntry is the entry point that InitFunc passes to Init. It calls runFunc
// with the context it receives in RDI and is never called directly.
func goEntry()

// goEntryAddr returns the entry address of goEntry.
func goEntryAddr() uintptr

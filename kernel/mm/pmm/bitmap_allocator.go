package pmm

import (
	"kestrel/kernel"
	"kestrel/kernel/kfmt"
	"kestrel/kernel/mm"
	"kestrel/kernel/sync"
	"math/bits"
	"unsafe"
)

const (
	// maxPools is the maximum number of disjoint frame pools tracked by a
	// BitmapAllocator. Usable memory ranges beyond this limit are ignored.
	maxPools = 64

	// staticBitmapWords is the number of bitmap words embedded in the
	// allocator itself. Memory maps whose usable frames fit in
	// staticBitmapWords*64 bits (128Mb) need no additional storage.
	staticBitmapWords = 512

	// maxReserved is the maximum number of reserved ranges accepted by Init.
	maxReserved = 8
)

var (
	errTooManyReservedRanges = &kernel.Error{Module: "pmm", Message: "too many reserved ranges"}

	// memsetFn is mocked by tests.
	memsetFn = kernel.Memset

	// poolDump indents the per-pool lines of PrintStats.
	poolDump = kfmt.PrefixWriter{Prefix: []byte("[pmm]   ")}
)

// framePool tracks a contiguous run of usable frames.
type framePool struct {
	// startFrame is the frame number for the first page in this pool.
	// each free bitmap entry i corresponds to frame (startFrame + i).
	startFrame mm.Frame

	// endFrame is the last frame in the pool.
	endFrame mm.Frame

	// freeCount tracks the available pages in this pool. The allocator
	// uses it to skip fully allocated pools without scanning the bitmap.
	freeCount uint64

	// freeBitmap has one bit per frame; a set bit marks an allocated frame.
	freeBitmap []uint64
}

func (pool *framePool) frameCount() uint64 {
	return uint64(pool.endFrame-pool.startFrame) + 1
}

func (pool *framePool) contains(frame mm.Frame) bool {
	return frame >= pool.startFrame && frame <= pool.endFrame
}

// markAllocated sets the bit for frame and returns false if it was already
// set.
func (pool *framePool) markAllocated(frame mm.Frame) bool {
	index := uint64(frame - pool.startFrame)
	mask := uint64(1) << (index & 63)
	if pool.freeBitmap[index>>6]&mask != 0 {
		return false
	}

	pool.freeBitmap[index>>6] |= mask
	pool.freeCount--
	return true
}

// BitmapAllocator implements a physical frame allocator that tracks frame
// reservations across the available memory pools using bitmaps. Allocation
// always returns the lowest free frame so that, for a given free set, the
// sequence of returned frames is deterministic.
type BitmapAllocator struct {
	lock sync.Spinlock

	// totalFrames tracks the total number of frames across all pools.
	totalFrames uint64

	poolCount int
	pools     [maxPools]framePool

	staticBitmap [staticBitmapWords]uint64
}

// Init seeds the allocator with the usable ranges reported by visitUsable
// minus the supplied reserved ranges. Frames that are only partially usable
// are never handed out.
//
// If the bitmaps do not fit in the allocator's static storage, they are
// placed in frames taken from the largest pool. Those frames are accessed
// through tr and marked as allocated.
func (alloc *BitmapAllocator) Init(visitUsable UsableRangeVisitor, reserved []mm.PhysRange, tr mm.PhysTranslator) *kernel.Error {
	if len(reserved) > maxReserved {
		return errTooManyReservedRanges
	}

	alloc.lock.Acquire()
	defer alloc.lock.Release()

	alloc.totalFrames = 0
	alloc.poolCount = 0

	visitUsable(func(r mm.PhysRange) bool {
		// round inwards so that partially usable frames are skipped
		first := mm.PhysAddr(mm.AlignUp(uintptr(r.Start), mm.PageSize)).Frame()
		end := mm.PhysAddr(mm.AlignDown(uintptr(r.End()), mm.PageSize)).Frame()
		if end > first {
			alloc.addPool(first, end-1, reserved)
		}
		return true
	})

	return alloc.setupPoolBitmaps(tr)
}

// addPool registers the frames [first, last] as a pool after carving out any
// frames that overlap a reserved range.
func (alloc *BitmapAllocator) addPool(first, last mm.Frame, reserved []mm.PhysRange) {
	for i, r := range reserved {
		if r.Size == 0 {
			continue
		}

		resFirst, resLast := r.Frames()
		if resLast < first || resFirst > last {
			continue
		}

		if resFirst > first {
			alloc.addPool(first, resFirst-1, reserved[i+1:])
		}
		if resLast < last {
			alloc.addPool(resLast+1, last, reserved[i+1:])
		}
		return
	}

	if alloc.poolCount == maxPools {
		kfmt.Printf("[pmm] pool limit reached; ignoring frames 0x%x-0x%x\n", uintptr(first), uintptr(last))
		return
	}

	alloc.pools[alloc.poolCount] = framePool{startFrame: first, endFrame: last}
	alloc.poolCount++
	alloc.totalFrames += uint64(last-first) + 1
}

// setupPoolBitmaps assigns bitmap storage to each pool and initializes it.
func (alloc *BitmapAllocator) setupPoolBitmaps(tr mm.PhysTranslator) *kernel.Error {
	var requiredWords uintptr
	for i := 0; i < alloc.poolCount; i++ {
		requiredWords += bitmapWords(alloc.pools[i].frameCount())
	}

	var (
		storage     []uint64
		storagePool *framePool
		storagePage mm.Frame
		storageLen  uintptr
	)

	if requiredWords <= staticBitmapWords {
		storage = alloc.staticBitmap[:requiredWords]
	} else {
		storageLen = mm.Size(requiredWords << mm.PointerShift).Pages()

		// carve the bitmaps from the end of the largest pool
		for i := 0; i < alloc.poolCount; i++ {
			if storagePool == nil || alloc.pools[i].frameCount() > storagePool.frameCount() {
				storagePool = &alloc.pools[i]
			}
		}

		if storagePool == nil || uintptr(storagePool.frameCount()) <= storageLen {
			return mm.ErrOutOfMemory
		}

		storagePage = storagePool.endFrame - mm.Frame(storageLen) + 1
		addr := tr.PhysToVirt(storagePage.Address())
		memsetFn(addr.Pointer(), 0, storageLen<<mm.PageShift)
		storage = unsafe.Slice((*uint64)(unsafe.Pointer(addr.Pointer())), requiredWords)
	}

	for i := 0; i < alloc.poolCount; i++ {
		pool := &alloc.pools[i]
		words := bitmapWords(pool.frameCount())

		pool.freeBitmap, storage = storage[:words:words], storage[words:]
		for w := range pool.freeBitmap {
			pool.freeBitmap[w] = 0
		}
		pool.freeCount = pool.frameCount()

		// bits past the end of the pool must never be handed out
		if tail := pool.frameCount() & 63; tail != 0 {
			pool.freeBitmap[words-1] = ^uint64(0) << tail
		}
	}

	for i := uintptr(0); i < storageLen; i++ {
		storagePool.markAllocated(storagePage + mm.Frame(i))
	}

	return nil
}

// bitmapWords returns the number of uint64 words needed to track frameCount
// frames.
func bitmapWords(frameCount uint64) uintptr {
	return uintptr(frameCount+63) >> 6
}

// AllocFrame reserves and returns the lowest free frame. It returns
// mm.ErrOutOfMemory if no frames are available.
func (alloc *BitmapAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	for i := 0; i < alloc.poolCount; i++ {
		pool := &alloc.pools[i]
		if pool.freeCount == 0 {
			continue
		}

		for w, word := range pool.freeBitmap {
			if word == ^uint64(0) {
				continue
			}

			frame := pool.startFrame + mm.Frame(w<<6+bits.TrailingZeros64(^word))
			pool.markAllocated(frame)
			return frame, nil
		}
	}

	return mm.InvalidFrame, mm.ErrOutOfMemory
}

// FreeFrame releases a frame previously returned by AllocFrame. It returns
// ErrFrameNotAllocated if the frame does not belong to any pool or is
// already free.
func (alloc *BitmapAllocator) FreeFrame(frame mm.Frame) *kernel.Error {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	for i := 0; i < alloc.poolCount; i++ {
		pool := &alloc.pools[i]
		if !pool.contains(frame) {
			continue
		}

		index := uint64(frame - pool.startFrame)
		mask := uint64(1) << (index & 63)
		if pool.freeBitmap[index>>6]&mask == 0 {
			return ErrFrameNotAllocated
		}

		pool.freeBitmap[index>>6] &^= mask
		pool.freeCount++
		return nil
	}

	return ErrFrameNotAllocated
}

// FreeCount returns the number of frames currently available.
func (alloc *BitmapAllocator) FreeCount() uint64 {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	var count uint64
	for i := 0; i < alloc.poolCount; i++ {
		count += alloc.pools[i].freeCount
	}
	return count
}

// TotalCount returns the number of frames managed by the allocator.
func (alloc *BitmapAllocator) TotalCount() uint64 {
	return alloc.totalFrames
}

// PrintStats logs the pool layout and the allocator's usage.
func (alloc *BitmapAllocator) PrintStats() {
	kfmt.Printf("[pmm] %d pools:\n", alloc.poolCount)
	for i := 0; i < alloc.poolCount; i++ {
		pool := &alloc.pools[i]
		kfmt.Fprintf(&poolDump, "%d: frames 0x%x-0x%x, %d/%d free\n",
			i, uintptr(pool.startFrame), uintptr(pool.endFrame), pool.freeCount, pool.frameCount(),
		)
	}

	free := alloc.FreeCount()
	kfmt.Printf("[pmm] %d/%d frames free (%dKb)\n", free, alloc.totalFrames, free*uint64(mm.PageSize)>>10)
}

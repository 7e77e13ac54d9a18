//go:build go1.22

// Package arena provides the slot-arena allocator that backs the garbage
// collector's managed heap.
//
// An [Arena] is a single contiguous buffer split into a leading occupancy
// bitmap followed by equal-sized slots. Freed slots are threaded into an
// embedded LIFO free list using the slot's own first machine word, so the
// arena carries zero per-slot bookkeeping overhead beyond the bitmap. A
// separate "raw" mode treats the same buffer as a bump region for
// container backings that are not individually tracked by the bitmap.
//
// This design descends from a general-purpose bump/recycle arena, narrowed
// to the fixed-size-class, bitmap-liveness shape the collector requires:
// every live slot has its bitmap bit set, and the arena as a whole is only
// safe to reclaim once the bitmap is entirely clear and no raw allocation
// is outstanding ([Arena.DropCheck]).
package arena

import (
	"math/bits"

	"github.com/emberheap/ember/internal/debug"
	"github.com/emberheap/ember/pkg/xunsafe"
)

// wordBits is the width of one bitmap word.
const wordBits = 64

// minSlotSize is the smallest slot size an Arena can be initialized with;
// a slot must be able to hold a free-list "next" pointer.
const minSlotSize = 8

// Arena is a fixed-size buffer of the form [bitmap][slot_0 … slot_N].
//
// The zero value is not usable; construct one with [NewArena].
type Arena struct {
	buf []byte

	slotSize  int
	slotCount int
	maxAlign  int

	bitmapWords int
	bitmap      xunsafe.Addr[uint64]
	slotBase    xunsafe.Addr[byte]
	slotEnd     xunsafe.Addr[byte]

	bump     xunsafe.Addr[byte]
	freeHead xunsafe.Addr[byte]

	live      int
	activeRaw int
}

// NewArena initializes an Arena with slots of slotSize bytes over a backing
// buffer of totalCapacity bytes. maxAlign is the largest alignment
// [Arena.AllocBytes] accepts; the buffer itself is not realigned to it.
//
// slotSize must be at least 8 bytes, since a freed slot stores a free-list
// link in its first machine word. The leading bitmap is sized to track
// every slot that could possibly fit in totalCapacity, then the remaining
// space is divided into slots.
func NewArena(slotSize, totalCapacity, maxAlign int) *Arena {
	debug.Assert(slotSize >= minSlotSize, "slotSize must be at least %d bytes, got %d", minSlotSize, slotSize)
	debug.Assert(totalCapacity > 0, "totalCapacity must be positive, got %d", totalCapacity)
	debug.Assert(maxAlign > 0, "maxAlign must be positive, got %d", maxAlign)

	estimatedSlots := totalCapacity / slotSize
	bitmapWords := (estimatedSlots + wordBits - 1) / wordBits
	if bitmapWords == 0 {
		bitmapWords = 1
	}
	bitmapBytes := bitmapWords * 8

	slotCount := (totalCapacity - bitmapBytes) / slotSize
	if slotCount < 0 {
		slotCount = 0
	}

	buf := make([]byte, bitmapBytes+slotCount*slotSize)

	a := &Arena{
		buf:         buf,
		slotSize:    slotSize,
		slotCount:   slotCount,
		maxAlign:    maxAlign,
		bitmapWords: bitmapWords,
	}

	a.bitmap = xunsafe.AddrOf(xunsafe.Cast[uint64](&buf[0]))
	a.slotBase = xunsafe.AddrOf(&buf[0]).ByteAdd(bitmapBytes)
	a.slotEnd = a.slotBase.ByteAdd(slotCount * slotSize)
	a.bump = a.slotBase

	return a
}

// SlotSize returns the size in bytes of each slot in this arena.
func (a *Arena) SlotSize() int { return a.slotSize }

// SlotCount returns the number of slots this arena can hold.
func (a *Arena) SlotCount() int { return a.slotCount }

// Live returns the number of currently-occupied slots.
func (a *Arena) Live() int { return a.live }

// Size returns the total size in bytes of the arena's backing buffer.
func (a *Arena) Size() int { return len(a.buf) }

// loadNext reads the free-list "next" pointer stored in a freed slot's
// first machine word.
func loadNext(p xunsafe.Addr[byte]) xunsafe.Addr[byte] {
	return xunsafe.Addr[byte](*xunsafe.Cast[uintptr](p.AssertValid()))
}

// storeNext writes v as the free-list "next" pointer into the first machine
// word of the slot at p.
func storeNext(p xunsafe.Addr[byte], v xunsafe.Addr[byte]) {
	*xunsafe.Cast[uintptr](p.AssertValid()) = uintptr(v)
}

// AllocSlot allocates one slot, returning its address and true on success.
//
// If the free list is non-empty its head is popped (reading the "next"
// pointer from the freed slot's first word); otherwise the next untouched
// slot is bump-allocated. Either way the corresponding bitmap bit is set
// and live is incremented.
func (a *Arena) AllocSlot() (xunsafe.Addr[byte], bool) {
	if a.freeHead != 0 {
		p := a.freeHead
		a.freeHead = loadNext(p)

		idx := a.slotIndex(p)
		debug.Assert(!a.isMarkedIndex(idx), "free-list slot %d already has its bitmap bit set", idx)
		a.setBitIndex(idx)
		a.live++

		return p, true
	}

	if a.bump.Add(a.slotSize) > a.slotEnd {
		return 0, false
	}

	p := a.bump
	a.bump = a.bump.ByteAdd(a.slotSize)

	idx := a.slotIndex(p)
	a.setBitIndex(idx)
	a.live++

	return p, true
}

// FreeSlot returns a previously allocated slot to the free list.
//
// In debug builds, freeing a slot whose bitmap bit is already clear (a
// double free) is caught before it can corrupt the free list.
func (a *Arena) FreeSlot(p xunsafe.Addr[byte]) {
	debug.Assert(a.Owns(p), "freed pointer %v is not owned by this arena", p)

	idx := a.slotIndex(p)
	debug.Assert(a.isMarkedIndex(idx), "double free of slot %d", idx)

	a.clearBitIndex(idx)
	storeNext(p, a.freeHead)
	a.freeHead = p
	a.live--
}

// Owns reports whether ptr falls within this arena's slot region.
func (a *Arena) Owns(ptr xunsafe.Addr[byte]) bool {
	return ptr >= a.slotBase && ptr < a.slotEnd
}

// slotIndex computes the slot index of ptr, which must be slot-aligned and
// owned by this arena.
func (a *Arena) slotIndex(ptr xunsafe.Addr[byte]) int {
	return ptr.Sub(a.slotBase) / a.slotSize
}

// MarkBit sets the bitmap bit for the slot at ptr.
//
// Used by the collector to mark liveness for arena-resident nodes (such as
// ephemerons) that do not carry a color in a header word.
func (a *Arena) MarkBit(ptr xunsafe.Addr[byte]) {
	a.setBitIndex(a.slotIndex(ptr))
}

// IsMarked reports whether the bitmap bit for the slot at ptr is set.
func (a *Arena) IsMarked(ptr xunsafe.Addr[byte]) bool {
	return a.isMarkedIndex(a.slotIndex(ptr))
}

// ClearBit clears the bitmap bit for the slot at ptr, without touching the
// free list or the live counter. Used when a mark-only bit (as opposed to
// a true alloc/free transition) needs to be reset between cycles.
func (a *Arena) ClearBit(ptr xunsafe.Addr[byte]) {
	a.clearBitIndex(a.slotIndex(ptr))
}

func (a *Arena) word(i int) *uint64 {
	return xunsafe.Add(a.bitmap.AssertValid(), i/wordBits)
}

func (a *Arena) setBitIndex(i int) {
	w := a.word(i)
	*w |= uint64(1) << uint(i%wordBits)
}

func (a *Arena) clearBitIndex(i int) {
	w := a.word(i)
	*w &^= uint64(1) << uint(i%wordBits)
}

func (a *Arena) isMarkedIndex(i int) bool {
	w := *a.word(i)
	return w&(uint64(1)<<uint(i%wordBits)) != 0
}

// Popcount returns the number of set bitmap bits, i.e. the number of live
// slots as tracked by the bitmap alone. Used by tests to check the
// `live == popcount(bitmap)` invariant.
func (a *Arena) Popcount() int {
	n := 0
	for i := 0; i < a.bitmapWords; i++ {
		n += bits.OnesCount64(*xunsafe.Add(a.bitmap.AssertValid(), i))
	}
	return n
}

// bitmapBytes returns the number of bytes reserved for the bitmap.
func (a *Arena) bitmapBytes() int {
	return a.bitmapWords * 8
}

// AllocBytes carves out n bytes of raw, untracked storage from the arena's
// bump region, for container backings that don't go through the slot
// allocator. Returns false if the arena has insufficient remaining space
// or cannot satisfy the requested alignment.
//
// Raw allocation always starts at max(bitmapBytes, bump), so it can never
// clobber the bitmap — relevant on an arena's first raw allocation, when
// bump still points at slotBase rather than past any prior raw carve-out.
func (a *Arena) AllocBytes(size, align int) (xunsafe.Addr[byte], bool) {
	debug.Assert(size >= 0, "size must not be negative, got %d", size)
	if align > a.maxAlign {
		return 0, false
	}

	start := a.bump
	floor := xunsafe.AddrOf(&a.buf[0]).ByteAdd(a.bitmapBytes())
	if start < floor {
		start = floor
	}

	start = start.RoundUpTo(align)

	end := xunsafe.AddrOf(&a.buf[0]).ByteAdd(len(a.buf))
	if start.ByteAdd(size) > end {
		return 0, false
	}

	a.bump = start.ByteAdd(size)
	a.activeRaw++

	return start, true
}

// DeallocBytes records that one outstanding raw allocation has been
// released. It does not reclaim the bump-region space, which is only
// freed in bulk when the whole arena is dropped.
func (a *Arena) DeallocBytes() {
	debug.Assert(a.activeRaw > 0, "DeallocBytes called with no outstanding raw allocations")
	a.activeRaw--
}

// ShrinkBytesInPlace attempts to shrink a raw allocation that sits at the
// very end of the bump region, rewinding the bump pointer by the freed
// tail. Returns false (a no-op) if ptr+oldSize is not the current bump
// position.
func (a *Arena) ShrinkBytesInPlace(ptr xunsafe.Addr[byte], oldSize, newSize int) bool {
	debug.Assert(newSize <= oldSize, "ShrinkBytesInPlace: newSize %d exceeds oldSize %d", newSize, oldSize)

	if ptr.ByteAdd(oldSize) != a.bump {
		return false
	}

	a.bump = ptr.ByteAdd(newSize)

	return true
}

// DropCheck reports whether the arena is empty and safe to reclaim: no
// live slots, no outstanding raw allocations, and an all-zero bitmap.
func (a *Arena) DropCheck() bool {
	if a.live != 0 || a.activeRaw != 0 {
		return false
	}

	for i := 0; i < a.bitmapWords; i++ {
		if *xunsafe.Add(a.bitmap.AssertValid(), i) != 0 {
			return false
		}
	}

	return true
}

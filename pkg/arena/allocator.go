//go:build go1.22

package arena

import (
	"github.com/emberheap/ember/internal/debug"
	"github.com/emberheap/ember/pkg/res"
	"github.com/emberheap/ember/pkg/xunsafe"
)

// SizeClasses is the fixed, non-decreasing table of slot sizes that typed
// arenas are created with. Every managed object rounds up to the smallest
// class at least as large as its header-inclusive size.
var SizeClasses = [...]int{16, 24, 32, 48, 64, 96, 128, 192, 256, 512, 1024, 2048}

// MaxObjectSize is the largest header-inclusive object size the fixed
// size-class table can satisfy.
const MaxObjectSize = 2048

// DefaultArenaSize is the buffer size new arenas are created with when the
// allocator is not otherwise configured.
const DefaultArenaSize = 4096

// DefaultHeapThreshold is the soft heap ceiling new allocators start with.
const DefaultHeapThreshold = 2 * 1024 * 1024

// defaultMaxAlign is the alignment every typed arena is created with; it
// comfortably covers every Go scalar and pointer alignment.
const defaultMaxAlign = 16

// rawMargin pads a raw arena's requested capacity to leave slack for the
// bitmap header and alignment rounding.
const rawMargin = 64

// noCache marks an alloc/free cache slot as not pointing at any arena.
const noCache = -1

// ArenaAllocator is the multi-arena front-end. It owns a growing collection
// of [Arena] values partitioned into *typed* arenas (used by the collector
// for GC object slots) and *raw* arenas (bump regions for container
// backings), routes requests to the smallest fitting size class, and
// tracks total heap bytes against a soft threshold.
type ArenaAllocator struct {
	arenaSize     int
	heapThreshold int
	heapSize      int

	typed []*Arena
	raw   []*Arena

	// allocCache[k] is the index into typed of the arena that most
	// recently satisfied an allocation for SizeClasses[k]; noCache means
	// unset.
	allocCache [len(SizeClasses)]int
	freeCache  int

	rawCache int
}

// New constructs an ArenaAllocator with the default arena size and heap
// threshold.
func New() *ArenaAllocator {
	a := &ArenaAllocator{
		arenaSize:     DefaultArenaSize,
		heapThreshold: DefaultHeapThreshold,
		freeCache:     noCache,
		rawCache:      noCache,
	}
	for i := range a.allocCache {
		a.allocCache[i] = noCache
	}
	return a
}

// WithArenaSize overrides the buffer size new arenas are created with.
func (a *ArenaAllocator) WithArenaSize(n int) *ArenaAllocator {
	debug.Assert(n > 0, "arena size must be positive, got %d", n)
	a.arenaSize = n
	return a
}

// WithHeapThreshold overrides the soft heap ceiling.
func (a *ArenaAllocator) WithHeapThreshold(n int) *ArenaAllocator {
	debug.Assert(n > 0, "heap threshold must be positive, got %d", n)
	a.heapThreshold = n
	return a
}

// HeapSize returns the sum of every arena's buffer size, typed and raw.
func (a *ArenaAllocator) HeapSize() int { return a.heapSize }

// HeapThreshold returns the current soft heap ceiling.
func (a *ArenaAllocator) HeapThreshold() int { return a.heapThreshold }

// ArenaSize returns the buffer size newly created arenas are given.
func (a *ArenaAllocator) ArenaSize() int { return a.arenaSize }

// TypedArenasLen returns the number of live typed arenas.
func (a *ArenaAllocator) TypedArenasLen() int { return len(a.typed) }

// RawArenasLen returns the number of live raw arenas.
func (a *ArenaAllocator) RawArenasLen() int { return len(a.raw) }

// IsBelowThreshold reports whether the heap has 25% headroom remaining
// before heapThreshold, the point at which a collection should be
// triggered pre-emptively rather than waiting for the very last page.
func (a *ArenaAllocator) IsBelowThreshold() bool {
	return a.heapSize <= a.heapThreshold-a.heapThreshold/4
}

// GrowThreshold raises heapThreshold by four arena sizes. Called when a
// collection failed to bring the allocator back under threshold.
func (a *ArenaAllocator) GrowThreshold() {
	a.heapThreshold += a.arenaSize * 4
}

// SizeClassIndexFor returns the index into SizeClasses of the smallest
// class able to hold needed bytes, and false if needed exceeds
// MaxObjectSize.
func SizeClassIndexFor(needed int) (int, bool) {
	for i, sz := range SizeClasses {
		if sz >= needed {
			return i, true
		}
	}
	return 0, false
}

// Alloc finds or creates a typed arena for a needed-byte allocation and
// returns a slot from it. needed is rounded up to the smallest size class
// that can hold it; allocations larger than MaxObjectSize are a debug
// assertion failure, since the size-class table does not extend that far.
func (a *ArenaAllocator) Alloc(needed int) res.Result[Slot] {
	if needed < minSlotSize {
		needed = minSlotSize
	}

	k, ok := SizeClassIndexFor(needed)
	debug.Assert(ok, "object of size %d exceeds MaxObjectSize %d", needed, MaxObjectSize)
	if !ok {
		return res.Err[Slot](&LayoutError{Size: needed})
	}
	sc := SizeClasses[k]

	if idx := a.allocCache[k]; idx != noCache {
		if ar := a.typed[idx]; ar.SlotSize() == sc {
			if p, ok := ar.AllocSlot(); ok {
				return res.Ok(Slot{Ptr: p, SizeClass: k, Arena: ar})
			}
		}
	}

	for i := len(a.typed) - 1; i >= 0; i-- {
		ar := a.typed[i]
		if ar.SlotSize() != sc {
			continue
		}
		if p, ok := ar.AllocSlot(); ok {
			a.allocCache[k] = i
			return res.Ok(Slot{Ptr: p, SizeClass: k, Arena: ar})
		}
	}

	size := a.arenaSize
	if need := sc * 4; need > size {
		size = need
	}

	if a.heapSize+size > a.heapThreshold {
		return res.Err[Slot](&OutOfMemory{Requested: needed, HeapSize: a.heapSize, HeapThreshold: a.heapThreshold})
	}

	ar := NewArena(sc, size, defaultMaxAlign)
	a.typed = append(a.typed, ar)
	a.heapSize += ar.Size()
	idx := len(a.typed) - 1
	a.allocCache[k] = idx
	debug.Log(nil, "new typed arena", "class=%d slots=%d heapSize=%d", sc, ar.SlotCount(), a.heapSize)

	p, ok := ar.AllocSlot()
	debug.Assert(ok, "freshly created arena of size class %d could not satisfy its own allocation", sc)

	return res.Ok(Slot{Ptr: p, SizeClass: k, Arena: ar})
}

// Slot is a slot returned by [ArenaAllocator.Alloc], identifying both the
// memory and the arena/size-class it was drawn from so it can later be
// freed via [ArenaAllocator.FreeSlot].
type Slot struct {
	Ptr       xunsafe.Addr[byte]
	SizeClass int
	Arena     *Arena
}

// FreeSlot returns ptr, previously allocated from the size class sc, to
// its arena. Consults freeCache first, then scans the typed-arena vector
// in reverse. Freeing a pointer owned by no typed arena is a contract
// violation caught by a debug assertion.
func (a *ArenaAllocator) FreeSlot(ptr xunsafe.Addr[byte], sc int) {
	if a.freeCache != noCache {
		if ar := a.typed[a.freeCache]; ar.Owns(ptr) {
			ar.FreeSlot(ptr)
			return
		}
	}

	for i := len(a.typed) - 1; i >= 0; i-- {
		if ar := a.typed[i]; ar.Owns(ptr) {
			ar.FreeSlot(ptr)
			a.freeCache = i
			return
		}
	}

	debug.Assert(false, "FreeSlot: pointer %v is not owned by any typed arena", ptr)
}

// AllocBytes carves out size bytes of raw, untracked storage aligned to
// align, for container backings that aren't tracked individually by an
// arena's bitmap.
func (a *ArenaAllocator) AllocBytes(size, align int) res.Result[xunsafe.Addr[byte]] {
	maxAlign := align
	if maxAlign < defaultMaxAlign {
		maxAlign = defaultMaxAlign
	}

	if a.rawCache != noCache {
		ar := a.raw[a.rawCache]
		if p, ok := ar.AllocBytes(size, align); ok {
			return res.Ok(p)
		}
	}

	for i := len(a.raw) - 1; i >= 0; i-- {
		ar := a.raw[i]
		if align > ar.maxAlign {
			continue
		}
		if p, ok := ar.AllocBytes(size, align); ok {
			a.rawCache = i
			return res.Ok(p)
		}
	}

	need := size + align + rawMargin
	arenaSize := a.arenaSize
	if need > arenaSize {
		arenaSize = need
	}

	if a.heapSize+arenaSize > a.heapThreshold {
		return res.Err[xunsafe.Addr[byte]](&OutOfMemory{Requested: size, HeapSize: a.heapSize, HeapThreshold: a.heapThreshold})
	}

	ar := NewArena(minSlotSize, arenaSize, maxAlign)
	a.raw = append(a.raw, ar)
	a.heapSize += ar.Size()
	a.rawCache = len(a.raw) - 1

	p, ok := ar.AllocBytes(size, align)
	if !ok {
		return res.Err[xunsafe.Addr[byte]](&AlignmentImpossible{Requested: align, MaxAlign: maxAlign})
	}

	return res.Ok(p)
}

// ReclaimEmpty drops every typed and raw arena whose [Arena.DropCheck]
// holds, and invalidates the alloc/free caches, since cached indices may
// no longer refer to the same arenas once the slices are compacted.
func (a *ArenaAllocator) ReclaimEmpty() {
	a.typed, a.heapSize = reclaim(a.typed, a.heapSize)
	a.raw, a.heapSize = reclaim(a.raw, a.heapSize)

	for i := range a.allocCache {
		a.allocCache[i] = noCache
	}
	a.freeCache = noCache
	a.rawCache = noCache
}

func reclaim(arenas []*Arena, heapSize int) ([]*Arena, int) {
	kept := arenas[:0]
	for _, ar := range arenas {
		if ar.DropCheck() {
			heapSize -= ar.Size()
			continue
		}
		kept = append(kept, ar)
	}
	return kept, heapSize
}

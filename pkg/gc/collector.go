//go:build go1.22

package gc

import (
	"github.com/emberheap/ember/internal/debug"
	"github.com/emberheap/ember/pkg/arena"
	"github.com/emberheap/ember/pkg/xerrors"
	"github.com/emberheap/ember/pkg/xunsafe"
	"github.com/emberheap/ember/pkg/xunsafe/layout"
)

// objectEntry is one slot in the root queue: an erased object node plus
// enough bookkeeping (its size class) to free it back to the allocator.
type objectEntry struct {
	ptr       xunsafe.Addr[byte]
	sizeClass int
}

// ephemeronEntry is one slot in the ephemeron queue, mirroring objectEntry.
type ephemeronEntry struct {
	ptr       xunsafe.Addr[byte]
	sizeClass int
}

// Collector is a single-threaded, embeddable tracing garbage collector. It
// owns an [arena.ArenaAllocator] and two work queues — the root queue of
// every object node it has allocated, and the ephemeron queue of every
// weak-key/strong-value node — plus pending mirrors of each that buffer
// allocations made while a collection is already in progress.
type Collector struct {
	A *arena.ArenaAllocator

	rootQueue      []objectEntry
	ephemeronQueue []ephemeronEntry

	pendingRoots      []objectEntry
	pendingEphemerons []ephemeronEntry

	weakMaps []*weakMapInner

	// epochColor is the color that will play the role of "unmarked until
	// proven otherwise" (sweepColor) in the *next* call to Collect; the
	// complementary color, epochColor.flip(), is what every object born
	// since the last epoch flip is tagged with.
	epochColor Color

	collectNeeded bool
	isCollecting  bool
}

// New constructs a Collector whose allocator creates arenas of arenaSize
// bytes and tracks heap usage against heapThreshold.
func New(arenaSize, heapThreshold int) *Collector {
	return &Collector{
		A:          arena.New().WithArenaSize(arenaSize).WithHeapThreshold(heapThreshold),
		epochColor: White,
	}
}

// aliveColor returns the color that currently means "known reachable",
// i.e. the tag every freshly allocated node carries and every node the
// mark phase actually reaches is recolored to.
func (c *Collector) aliveColor() Color {
	return c.epochColor.flip()
}

// RootQueueLen, EphemeronQueueLen, EpochColor, and HeapSize are debug
// counters queryable by tests and embedders, per the collector's debug
// surface.
func (c *Collector) RootQueueLen() int      { return len(c.rootQueue) }
func (c *Collector) EphemeronQueueLen() int { return len(c.ephemeronQueue) }
func (c *Collector) EpochColor() Color      { return c.epochColor }
func (c *Collector) HeapSize() int          { return c.A.HeapSize() }
func (c *Collector) TypedArenasLen() int    { return c.A.TypedArenasLen() }

// Shutdown implements the collector's drop-time policy: release every weak
// map's storage, then either run a forced sweep of both queues (no
// outstanding StrongRoot remains) or leak all outstanding storage so that
// handles an embedder forgot to drop don't dangle. Go has no deterministic
// destructors, so embedders call this explicitly when tearing down a
// Collector instead of relying on a Drop impl.
func (c *Collector) Shutdown() {
	for _, m := range c.weakMaps {
		m.isAlive = false
	}
	c.weakMaps = nil

	for _, e := range c.rootQueue {
		if headerAt(e.ptr).hdr.IsRooted() {
			return
		}
	}

	for _, e := range c.ephemeronQueue {
		h := ephemeronHeaderAt(e.ptr)
		if h.active {
			h.vt.finalize(e.ptr)
		}
		c.A.FreeSlot(e.ptr, e.sizeClass)
	}
	c.ephemeronQueue = nil

	for _, e := range c.rootQueue {
		h := headerAt(e.ptr)
		h.vt.drop(e.ptr)
		c.A.FreeSlot(e.ptr, e.sizeClass)
	}
	c.rootQueue = nil

	c.A.ReclaimEmpty()
}

// allocObjectNode allocates and constructs an ObjectNode[T] in the arena,
// returning its erased address. A deferred collection requested by an
// earlier cycle runs first; a failure to allocate then triggers an
// immediate collection and retry, then a threshold growth and one final retry,
// matching the allocator's failure semantics; if all of that still fails,
// the allocation is treated as fatal to the hosting interpreter.
func allocObjectNode[T Traceable](c *Collector, value T) xunsafe.Addr[byte] {
	if c.collectNeeded && !c.isCollecting {
		c.Collect()
	}

	needed := layout.Of[ObjectNode[T]]().Size

	slot := c.allocSlotOrFatal(needed)

	node := xunsafe.Cast[ObjectNode[T]](slot.Ptr.AssertValid())
	node.hdr = newHeader(c.aliveColor())
	node.hdr.IncRoot()
	node.vt = vtableFor[T]()
	node.Value = value

	entry := objectEntry{ptr: slot.Ptr, sizeClass: slot.SizeClass}
	if c.isCollecting {
		c.pendingRoots = append(c.pendingRoots, entry)
	} else {
		c.rootQueue = append(c.rootQueue, entry)
	}

	return slot.Ptr
}

// allocEphemeronNode is the shared implementation behind the public
// [AllocEphemeron] entry point, [WeakMap.Insert], and [StrongRoot.Downgrade].
func allocEphemeronNode[K, V Traceable](c *Collector, key Ref[K], value V) xunsafe.Addr[byte] {
	if c.collectNeeded && !c.isCollecting {
		c.Collect()
	}

	needed := layout.Of[ephemeronNode[K, V]]().Size

	slot := c.allocSlotOrFatal(needed)

	node := xunsafe.Cast[ephemeronNode[K, V]](slot.Ptr.AssertValid())
	node.hdr = newHeader(c.aliveColor())
	node.vt = ephemeronVTableFor[K, V]()
	node.key = key.ptr
	node.active = true
	node.value = value

	entry := ephemeronEntry{ptr: slot.Ptr, sizeClass: slot.SizeClass}
	if c.isCollecting {
		c.pendingEphemerons = append(c.pendingEphemerons, entry)
	} else {
		c.ephemeronQueue = append(c.ephemeronQueue, entry)
	}

	return slot.Ptr
}

// allocSlotOrFatal implements the retry ladder from the failure-semantics
// section: try once, run a collection (skipped when one is already running)
// and retry, grow the threshold and retry once more, then give up. Only
// [arena.OutOfMemory] is worth retrying
// — an [arena.LayoutError] reports a precondition violation no amount of
// collecting or growing can fix, so it surfaces immediately.
func (c *Collector) allocSlotOrFatal(needed int) arena.Slot {
	r := c.A.Alloc(needed)
	if r.IsErr() {
		if _, ok := xerrors.AsA[*arena.LayoutError](r.UnwrapErr()); ok {
			return r.Expect("gc: allocation failed")
		}

		if !c.isCollecting {
			c.Collect()
		}
		r = c.A.Alloc(needed)
	}
	if r.IsErr() {
		c.A.GrowThreshold()
		r = c.A.Alloc(needed)
	}

	return r.Expect("gc: allocation failed")
}

// collectGuard restores isCollecting on every exit path, including a
// panic unwinding out of user trace/finalize/drop code, the Go analogue
// of an RAII guard around the cooperative-scheduling invariant.
type collectGuard struct{ c *Collector }

func (g collectGuard) release() { g.c.isCollecting = false }

// Collect runs one full mark–sweep cycle: mark, weak-map prune, sweep,
// epoch flip, arena reclaim, then flushes anything allocated mid-cycle
// into the main queues. It is idempotent at steady state: calling it
// twice with no intervening allocation leaves both queues unchanged.
func (c *Collector) Collect() {
	debug.Assert(!c.isCollecting, "Collect must not be called reentrantly from trace/finalize/drop")

	c.isCollecting = true
	guard := collectGuard{c}
	defer guard.release()

	sweepColor := c.epochColor
	aliveColor := sweepColor.flip()

	debug.Log(nil, "collect", "start: roots=%d ephemerons=%d sweepColor=%v", len(c.rootQueue), len(c.ephemeronQueue), sweepColor)

	c.mark(aliveColor)
	c.pruneWeakMaps(aliveColor)
	stillOOM := c.sweep(sweepColor, aliveColor)

	c.epochColor = sweepColor.flip()
	c.A.ReclaimEmpty()

	debug.Log(nil, "collect", "done: roots=%d ephemerons=%d epochColor=%v stillOOM=%v", len(c.rootQueue), len(c.ephemeronQueue), c.epochColor, stillOOM)

	c.rootQueue = append(c.rootQueue, c.pendingRoots...)
	c.ephemeronQueue = append(c.ephemeronQueue, c.pendingEphemerons...)
	c.pendingRoots = c.pendingRoots[:0]
	c.pendingEphemerons = c.pendingEphemerons[:0]

	c.collectNeeded = stillOOM
}

// mark walks the root queue, tracing from every object with a positive
// root count, then iterates the ephemeron queue to a fixed point: marking
// a reachable ephemeron's value can itself make another ephemeron's key
// reachable (an ephemeron chain), so a single pass only suffices for
// non-chained uses.
func (c *Collector) mark(aliveColor Color) {
	t := &Tracer{c: c, color: aliveColor}

	for _, e := range c.rootQueue {
		h := headerAt(e.ptr)
		if h.hdr.IsRooted() {
			t.Mark(e.ptr)
		}
	}

	for {
		changed := false

		for _, e := range c.ephemeronQueue {
			if !isEphemeronReachable(e.ptr, aliveColor) {
				continue
			}

			h := ephemeronHeaderAt(e.ptr)
			if h.hdr.Color() == aliveColor {
				continue
			}

			h.vt.trace(e.ptr, t)
			changed = true
		}

		if !changed {
			break
		}
	}
}

// pruneWeakMaps retains only entries whose backing ephemeron is still
// reachable under aliveColor, and releases the storage of any weak map
// whose user-visible handle has already been dropped.
func (c *Collector) pruneWeakMaps(aliveColor Color) {
	kept := c.weakMaps[:0]

	for _, m := range c.weakMaps {
		if !m.isAlive {
			continue
		}

		m.entries.Retain(func(_ uintptr, eph xunsafe.Addr[byte]) bool {
			return isEphemeronReachable(eph, aliveColor)
		})

		kept = append(kept, m)
	}

	c.weakMaps = kept
}

// sweep frees every object and ephemeron node not reachable under
// sweepColor, finalizing each first. Ephemerons are swept before roots
// so a key and its value are reclaimed within the same cycle. It returns
// whether the allocator is still above its soft threshold afterward.
func (c *Collector) sweep(sweepColor, aliveColor Color) bool {
	keptEph := c.ephemeronQueue[:0]
	for _, e := range c.ephemeronQueue {
		h := ephemeronHeaderAt(e.ptr)

		if !h.active {
			c.A.FreeSlot(e.ptr, e.sizeClass)
			continue
		}

		if h.hdr.Color() == sweepColor {
			h.vt.finalize(e.ptr)
			c.A.FreeSlot(e.ptr, e.sizeClass)
			continue
		}

		keptEph = append(keptEph, e)
	}
	c.ephemeronQueue = keptEph

	keptRoots := c.rootQueue[:0]
	for _, e := range c.rootQueue {
		h := headerAt(e.ptr)

		if h.hdr.Color() == sweepColor {
			h.vt.finalize(e.ptr)

			// Revival: finalize may have re-rooted the object, or the
			// object may have acquired new references during finalize.
			if h.hdr.IsRooted() {
				t := &Tracer{c: c, color: aliveColor}
				t.Mark(e.ptr)
				keptRoots = append(keptRoots, e)
				continue
			}

			h.vt.drop(e.ptr)
			c.A.FreeSlot(e.ptr, e.sizeClass)
			continue
		}

		keptRoots = append(keptRoots, e)
	}
	c.rootQueue = keptRoots

	return !c.A.IsBelowThreshold()
}

//go:build go1.22

package gc

import (
	"github.com/emberheap/ember/pkg/opt"
	"github.com/emberheap/ember/pkg/xunsafe"
)

// unit is the value type WeakRef uses to wrap a key-only ephemeron, since
// Ephemeron<K, ()> in the source design needs some value type to satisfy
// the ephemeron machinery even when the user only cares about the key.
type unit struct{}

// TraceRefs implements [Traceable]; unit has no children to visit.
func (unit) TraceRefs(*Tracer) {}

// StrongRoot owns one unit of root_count on its object: as long as at
// least one StrongRoot to an object exists, the collector treats it as
// reachable regardless of whether anything else points to it.
type StrongRoot[T Traceable] struct {
	c   *Collector
	ptr xunsafe.Addr[byte]
}

// Alloc constructs a new managed T and returns a StrongRoot to it. Since
// allocation failure at this point would be fatal to the hosting
// interpreter, it panics rather than returning an error — callers that
// need to handle allocation failure should watch [Collector.HeapSize]
// against [arena.ArenaAllocator.HeapThreshold] themselves.
func Alloc[T Traceable](c *Collector, value T) StrongRoot[T] {
	return StrongRoot[T]{c: c, ptr: allocObjectNode(c, value)}
}

// Get returns a pointer to the managed value. The pointer must not be
// retained past the root's lifetime.
func (r StrongRoot[T]) Get() *T {
	return &nodeOf[T](r.ptr).Value
}

// AsRef returns a non-owning [Ref] to the same object. Unlike StrongRoot,
// a Ref does not affect root_count and is only valid for as long as some
// root keeps the object reachable.
func (r StrongRoot[T]) AsRef() Ref[T] {
	return Ref[T]{ptr: r.ptr}
}

// Clone returns a new StrongRoot to the same object, incrementing its
// root_count.
func (r StrongRoot[T]) Clone() StrongRoot[T] {
	headerAt(r.ptr).hdr.IncRoot()
	return StrongRoot[T]{c: r.c, ptr: r.ptr}
}

// Destroy decrements the object's root_count. It does not free the slot
// immediately or trigger a collection: reclamation happens at the next
// [Collector.Collect] call, per the collector's explicit-plus-deferred
// collection model.
func (r StrongRoot[T]) Destroy() {
	headerAt(r.ptr).hdr.DecRoot()
}

// Downgrade wraps this object in a [WeakRef], which can later be upgraded
// back to a [Ref] only while the object remains independently reachable.
func (r StrongRoot[T]) Downgrade() WeakRef[T] {
	eph := allocEphemeronNode[T, unit](r.c, r.AsRef(), unit{})
	return WeakRef[T]{c: r.c, eph: eph}
}

// Ref is a copyable, non-owning address of a live object. It does not
// touch root_count, and is only valid under a reachability proof: held
// alive by some StrongRoot, or reached by tracing from one.
type Ref[T Traceable] struct {
	ptr xunsafe.Addr[byte]
}

// Get returns a pointer to the referenced value.
func (r Ref[T]) Get() *T {
	return &nodeOf[T](r.ptr).Value
}

// Trace marks the referenced object reachable, recursing into its own
// children. A type's TraceRefs implementation calls this once per Ref
// field it holds.
func (r Ref[T]) Trace(t *Tracer) {
	t.Mark(r.ptr)
}

// WeakRef wraps an ephemeron keyed on T with a unit value: the user
// cannot extract a bare pointer from it, only attempt an upgrade that
// checks reachability first.
type WeakRef[T Traceable] struct {
	c   *Collector
	eph xunsafe.Addr[byte]
}

// Upgrade returns a live [Ref] to the wrapped object if it is still
// reachable, or [opt.None] if it has been collected.
//
// A rooted key is always reachable regardless of color. An unrooted key is
// judged against epochColor rather than the fresh aliveColor a Collect in
// progress would use: epochColor is the alive tag the *most recently
// completed* cycle settled on, which is what a header's color actually
// reflects in between cycles (aliveColor always names next cycle's tag, the
// opposite value, and so never matches a settled survivor's color here).
func (w WeakRef[T]) Upgrade() opt.Option[Ref[T]] {
	h := ephemeronHeaderAt(w.eph)
	if !h.active || h.key == 0 {
		return opt.None[Ref[T]]()
	}

	kh := headerAt(h.key)
	if !kh.hdr.IsRooted() && kh.hdr.Color() != w.c.epochColor {
		return opt.None[Ref[T]]()
	}

	return opt.Some(Ref[T]{ptr: h.key})
}

// EphemeronPointer is an erased handle to a collector-owned ephemeron
// node, returned by [AllocEphemeron]. It is the building block [WeakMap]
// and [WeakRef] are both implemented on top of.
type EphemeronPointer[K, V Traceable] struct {
	ptr xunsafe.Addr[byte]
}

// AllocEphemeron allocates a (weak-key, strong-value) node: value is kept
// alive only while key remains independently reachable.
func AllocEphemeron[K, V Traceable](c *Collector, key Ref[K], value V) EphemeronPointer[K, V] {
	return EphemeronPointer[K, V]{ptr: allocEphemeronNode[K, V](c, key, value)}
}

// Value returns the ephemeron's current value, regardless of whether its
// key is still reachable; the value itself is only reclaimed once the
// key dies and a collection sweeps this ephemeron.
func (e EphemeronPointer[K, V]) Value() V {
	return xunsafe.Cast[ephemeronNode[K, V]](e.ptr.AssertValid()).value
}

// IsReachable reports whether this ephemeron's key is currently
// independently reachable, which is what keeps its value alive. Like
// [WeakRef.Upgrade], a rooted key always counts as reachable; an unrooted
// key is judged against epochColor, the tag the most recently completed
// cycle settled survivors on.
func (e EphemeronPointer[K, V]) IsReachable(c *Collector) bool {
	h := ephemeronHeaderAt(e.ptr)
	if !h.active || h.key == 0 {
		return false
	}

	kh := headerAt(h.key)
	return kh.hdr.IsRooted() || kh.hdr.Color() == c.epochColor
}

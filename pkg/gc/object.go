//go:build go1.22

package gc

import (
	"github.com/emberheap/ember/pkg/xunsafe"
)

// Traceable is the trait every managed type must implement: visiting every
// reachable child so the collector can propagate marking through it.
//
// TraceRefs must call [Tracer.Mark] (directly or via a [Ref]
// field's own Trace helper) on every child handle reachable from the
// receiver. It must be sound under the tracer's current color: marking a
// child twice in the same pass is harmless (Mark is idempotent per cycle),
// but failing to visit a reachable child will free it out from under its
// parent.
type Traceable interface {
	TraceRefs(t *Tracer)
}

// Finalizer is an optional hook a managed type may implement to run
// user-visible cleanup immediately before its storage is reclaimed. It has
// no default side effect; most types need not implement it.
type Finalizer interface {
	Finalize()
}

// nodeHeader is the fixed prefix shared by every [ObjectNode][T], laid out
// so that a type-erased pointer into an arena slot can always be cast back
// to *nodeHeader regardless of T, since the header and vtable pointer
// never move and never depend on T's own size.
type nodeHeader struct {
	hdr Header
	vt  *objectVTable
}

// ObjectNode is the in-arena representation of one managed T: a header,
// a pointer to T's static vtable, and the value itself.
type ObjectNode[T Traceable] struct {
	nodeHeader
	Value T
}

// headerAt casts an erased slot pointer back to its leading nodeHeader.
func headerAt(p xunsafe.Addr[byte]) *nodeHeader {
	return xunsafe.Cast[nodeHeader](p.AssertValid())
}

// nodeOf casts an erased slot pointer back to its concrete ObjectNode[T].
// The caller must already know, via the node's vtable, that p really does
// point at an ObjectNode[T].
func nodeOf[T Traceable](p xunsafe.Addr[byte]) *ObjectNode[T] {
	return xunsafe.Cast[ObjectNode[T]](p.AssertValid())
}

//go:build go1.22

package gc

import (
	"reflect"
	"sync"

	"github.com/emberheap/ember/pkg/xunsafe"
	"github.com/emberheap/ember/pkg/xunsafe/layout"
)

// objectVTable is the per-concrete-type dispatch table every ObjectNode[T]
// points to. Two nodes of the same concrete T always share the same
// *objectVTable instance, built once and cached for the lifetime of the
// program: Go has no per-instantiation package-level statics the way a
// const-generic vtable_of::<T>() does, so the cache plays that role.
type objectVTable struct {
	trace    func(p xunsafe.Addr[byte], t *Tracer)
	finalize func(p xunsafe.Addr[byte])
	drop     func(p xunsafe.Addr[byte])
	size     int
	typeID   reflect.Type
}

var objectVTables sync.Map // map[reflect.Type]*objectVTable

// vtableFor returns the shared vtable for T, building and caching it on
// first use.
func vtableFor[T Traceable]() *objectVTable {
	rt := reflect.TypeFor[T]()

	if v, ok := objectVTables.Load(rt); ok {
		return v.(*objectVTable)
	}

	vt := &objectVTable{
		trace: func(p xunsafe.Addr[byte], t *Tracer) {
			nodeOf[T](p).Value.TraceRefs(t)
		},
		finalize: func(p xunsafe.Addr[byte]) {
			if f, ok := any(&nodeOf[T](p).Value).(Finalizer); ok {
				f.Finalize()
			}
		},
		drop: func(p xunsafe.Addr[byte]) {
			var zero T
			nodeOf[T](p).Value = zero
		},
		size:   layout.Of[ObjectNode[T]]().Size,
		typeID: rt,
	}

	actual, _ := objectVTables.LoadOrStore(rt, vt)

	return actual.(*objectVTable)
}

// Tracer is handed to a type's TraceRefs implementation during the mark
// phase. It closes over the collector and the color that means "reachable
// this cycle".
type Tracer struct {
	c     *Collector
	color Color
}

// Mark marks the object node at ptr reachable, recursing into its children
// via its vtable's trace function. Marking an already-current-colored node
// is a no-op, which both short-circuits repeated work and terminates
// recursion through reference cycles.
func (t *Tracer) Mark(ptr xunsafe.Addr[byte]) {
	if ptr == 0 {
		return
	}

	h := headerAt(ptr)
	if h.hdr.Color() == t.color {
		return
	}

	h.hdr.MarkGrey()
	h.vt.trace(ptr, t)
	h.hdr.setColor(t.color)
}

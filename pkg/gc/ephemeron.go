//go:build go1.22

package gc

import (
	"reflect"
	"sync"

	"github.com/emberheap/ember/pkg/xunsafe"
)

// ephemeronNode is a (weak-key, strong-value) node: the value is kept
// alive only while key, a weak reference, is independently reachable.
// It carries its own Header for the value's mark state rather than
// wrapping a full ObjectNode, since the ephemeron's own slot liveness is
// tracked by its arena's bitmap instead of by a header.
//
// The first four fields (hdr, vt, key, active) form a fixed-offset
// prefix shared by every instantiation, regardless of V's size, mirroring
// [nodeHeader] for ordinary objects: V is appended last so its size never
// shifts the earlier fields. [ephemeronHeader] must stay in sync with
// this prefix.
type ephemeronNode[K, V Traceable] struct {
	hdr    Header
	vt     *ephemeronVTable
	key    xunsafe.Addr[byte] // erased pointer to the key's nodeHeader; weak, not root-counted
	active bool
	value  V
}

// ephemeronVTable is the per-(K,V) dispatch table for ephemeron nodes,
// polymorphic over two type parameters the way a hand-built function
// pointer table stands in for a trait object in a systems language.
type ephemeronVTable struct {
	trace     func(p xunsafe.Addr[byte], t *Tracer)
	finalize  func(p xunsafe.Addr[byte])
	keyType   reflect.Type
	valueType reflect.Type
}

type ephemeronVTableKey struct {
	key, value reflect.Type
}

var ephemeronVTables sync.Map // map[ephemeronVTableKey]*ephemeronVTable

func ephemeronVTableFor[K, V Traceable]() *ephemeronVTable {
	k := ephemeronVTableKey{reflect.TypeFor[K](), reflect.TypeFor[V]()}

	if v, ok := ephemeronVTables.Load(k); ok {
		return v.(*ephemeronVTable)
	}

	vt := &ephemeronVTable{
		trace: func(p xunsafe.Addr[byte], t *Tracer) {
			n := xunsafe.Cast[ephemeronNode[K, V]](p.AssertValid())
			n.hdr.MarkGrey()
			n.value.TraceRefs(t)
			n.hdr.setColor(t.color)
		},
		finalize: func(p xunsafe.Addr[byte]) {
			n := xunsafe.Cast[ephemeronNode[K, V]](p.AssertValid())
			if f, ok := any(&n.value).(Finalizer); ok {
				f.Finalize()
			}
		},
		keyType:   k.key,
		valueType: k.value,
	}

	actual, _ := ephemeronVTables.LoadOrStore(k, vt)

	return actual.(*ephemeronVTable)
}

// ephemeronHeader is the fixed-offset prefix shared by every
// ephemeronNode[K, V], letting the collector inspect and mutate an
// ephemeron's mark state, key, and active flag without knowing K or V.
type ephemeronHeader struct {
	hdr    Header
	vt     *ephemeronVTable
	key    xunsafe.Addr[byte]
	active bool
}

func ephemeronHeaderAt(p xunsafe.Addr[byte]) *ephemeronHeader {
	return xunsafe.Cast[ephemeronHeader](p.AssertValid())
}

// isEphemeronReachable reports whether the ephemeron at p should keep its
// value alive this cycle: it must still be active, and its key must be
// independently reachable, i.e. colored as alive-this-cycle.
func isEphemeronReachable(p xunsafe.Addr[byte], color Color) bool {
	h := ephemeronHeaderAt(p)
	return h.active && h.key != 0 && headerAt(h.key).hdr.Color() == color
}

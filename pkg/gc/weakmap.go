//go:build go1.22

package gc

import (
	"github.com/dolthub/maphash"

	"github.com/emberheap/ember/internal/debug"
	"github.com/emberheap/ember/pkg/xunsafe"
)

// ephemeronTable is the collector-owned key-address → ephemeron-pointer
// table backing every [WeakMap]. It is a small linear-probing hash table
// over uintptr keys, grounded in the same dolthub/maphash-driven approach
// the dropped generic swiss map used, but narrowed to this package's one
// fixed key type instead of being a general-purpose container adapter.
type ephemeronTable struct {
	hash  maphash.Hasher[uintptr]
	keys  []uintptr
	vals  []xunsafe.Addr[byte]
	used  []bool
	count int
}

const tombstoneKey = ^uintptr(0)

func newEphemeronTable() *ephemeronTable {
	t := &ephemeronTable{hash: maphash.NewHasher[uintptr]()}
	t.reset(16)
	return t
}

func (t *ephemeronTable) reset(n int) {
	t.keys = make([]uintptr, n)
	t.vals = make([]xunsafe.Addr[byte], n)
	t.used = make([]bool, n)
	t.count = 0
}

func (t *ephemeronTable) Len() int { return t.count }

func (t *ephemeronTable) slot(key uintptr) int {
	return int(t.hash.Hash(key) % uint64(len(t.keys)))
}

// find returns the index of key's live slot, or the first empty/tombstone
// slot on the probe path if key is absent.
func (t *ephemeronTable) find(key uintptr) (idx int, found bool) {
	i := t.slot(key)
	firstFree := -1

	for probed := 0; probed < len(t.keys); probed++ {
		if !t.used[i] {
			if firstFree == -1 {
				firstFree = i
			}
			return firstFree, false
		}
		if t.keys[i] == key {
			return i, true
		}
		if t.keys[i] == tombstoneKey && firstFree == -1 {
			firstFree = i
		}
		i = (i + 1) % len(t.keys)
	}

	return firstFree, false
}

func (t *ephemeronTable) maybeGrow() {
	if t.count*4 < len(t.keys)*3 {
		return
	}

	old := *t
	t.reset(len(old.keys) * 2)
	for i, used := range old.used {
		if used && old.keys[i] != tombstoneKey {
			t.Insert(old.keys[i], old.vals[i])
		}
	}
}

// Insert records key → val, overwriting any previous entry for key.
func (t *ephemeronTable) Insert(key uintptr, val xunsafe.Addr[byte]) {
	t.maybeGrow()

	idx, found := t.find(key)
	debug.Assert(idx >= 0, "ephemeronTable.Insert: probe exhausted without finding a slot")

	if !found {
		t.count++
	}
	t.keys[idx] = key
	t.vals[idx] = val
	t.used[idx] = true
}

// Get returns the ephemeron pointer stored for key, if any.
func (t *ephemeronTable) Get(key uintptr) (xunsafe.Addr[byte], bool) {
	idx, found := t.find(key)
	if !found {
		return 0, false
	}
	return t.vals[idx], true
}

// Delete removes key's entry, if present, leaving a tombstone so later
// probes over the same chain still terminate correctly.
func (t *ephemeronTable) Delete(key uintptr) {
	idx, found := t.find(key)
	if !found {
		return
	}
	t.keys[idx] = tombstoneKey
	t.count--
}

// Retain keeps only entries for which keep returns true, deleting the rest.
func (t *ephemeronTable) Retain(keep func(key uintptr, val xunsafe.Addr[byte]) bool) {
	for i, used := range t.used {
		if !used || t.keys[i] == tombstoneKey {
			continue
		}
		if !keep(t.keys[i], t.vals[i]) {
			t.keys[i] = tombstoneKey
			t.count--
		}
	}
}

// weakMapInner is the collector-owned table backing a [WeakMap]. The
// user-visible handle only ever holds a pointer to one of these; its
// lifetime is decoupled from the handle via isAlive, which the handle's
// [WeakMap.Release] method clears so the collector can reclaim the inner at the next
// cycle instead of via reference counting.
type weakMapInner struct {
	entries *ephemeronTable
	isAlive bool
}

func (c *Collector) newWeakMapInner() *weakMapInner {
	inner := &weakMapInner{entries: newEphemeronTable(), isAlive: true}
	c.weakMaps = append(c.weakMaps, inner)
	return inner
}

// WeakMap is a user-facing handle over a collector-owned table from a
// live key object's address to a value, where entries vanish once their
// key becomes unreachable. Insert, Get, and Remove are all O(1) average.
type WeakMap[K, V Traceable] struct {
	c     *Collector
	inner *weakMapInner
}

// NewWeakMap constructs an empty weak map owned by c.
func NewWeakMap[K, V Traceable](c *Collector) *WeakMap[K, V] {
	return &WeakMap[K, V]{c: c, inner: c.newWeakMapInner()}
}

// Insert maps key to value. If key already has an entry, the previous
// ephemeron is invalidated (its active flag cleared) before the new one
// is created, so it is reclaimed as dead weight at the next cycle rather
// than leaking.
func (m *WeakMap[K, V]) Insert(key Ref[K], value V) {
	addr := uintptr(key.ptr)

	if old, ok := m.inner.entries.Get(addr); ok {
		setEphemeronActive(old, false)
	}

	eph := allocEphemeronNode[K, V](m.c, key, value)
	m.inner.entries.Insert(addr, eph)
}

// Get returns the value mapped to key, if key has a live entry.
func (m *WeakMap[K, V]) Get(key Ref[K]) (V, bool) {
	addr := uintptr(key.ptr)

	p, ok := m.inner.entries.Get(addr)
	if !ok || !ephemeronHeaderAt(p).active {
		var zero V
		return zero, false
	}

	return xunsafe.Cast[ephemeronNode[K, V]](p.AssertValid()).value, true
}

// IsKeyAlive reports whether key currently has a live entry in this map.
func (m *WeakMap[K, V]) IsKeyAlive(key Ref[K]) bool {
	_, ok := m.Get(key)
	return ok
}

// Remove marks key's entry inactive and drops it from the table. The
// underlying ephemeron storage is reclaimed at the next sweep, not
// immediately.
func (m *WeakMap[K, V]) Remove(key Ref[K]) {
	addr := uintptr(key.ptr)

	p, ok := m.inner.entries.Get(addr)
	if !ok {
		return
	}

	setEphemeronActive(p, false)
	m.inner.entries.Delete(addr)
}

// Release marks the backing inner dead; the collector reclaims its
// storage at the next cycle. Call this once the WeakMap handle itself is
// no longer reachable from user code.
func (m *WeakMap[K, V]) Release() {
	m.inner.isAlive = false
}

func setEphemeronActive(p xunsafe.Addr[byte], active bool) {
	ephemeronHeaderAt(p).active = active
}

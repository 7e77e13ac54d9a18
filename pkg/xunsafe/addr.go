//go:build go1.23

package xunsafe

import (
	"fmt"
	"unsafe"

	"github.com/emberheap/ember/pkg/xunsafe/layout"
)

// Addr is an untyped address, i.e., a uintptr that is not tracked by the
// garbage collector.
//
// Values of this type must be converted back with [Addr.AssertValid] before
// they are dereferenced. Keeping pointers around as addresses instead of
// *T avoids write barriers on hot paths, at the cost of needing to keep the
// backing memory alive through some other means.
type Addr[T any] uintptr

// AddrOf returns the address of p.
func AddrOf[T any](p *T) Addr[T] {
	return Addr[T](uintptr(unsafe.Pointer(p)))
}

// EndOf returns the address just past the end of s.
func EndOf[S ~[]E, E any](s S) Addr[E] {
	size := layout.Size[E]()
	return Addr[E](uintptr(unsafe.Pointer(unsafe.SliceData(s))) + uintptr(len(s))*uintptr(size))
}

// AssertValid converts this address back into a pointer.
//
// The caller is responsible for ensuring that the memory this address points
// to is still alive; this function performs no such check.
func (a Addr[T]) AssertValid() *T {
	return (*T)(unsafe.Pointer(uintptr(a)))
}

// Add adds n elements worth of offset to a, scaled by the size of T.
func (a Addr[T]) Add(n int) Addr[T] {
	return a + Addr[T](n*layout.Size[T]())
}

// ByteAdd adds n bytes of offset to a, unscaled.
func (a Addr[T]) ByteAdd(n int) Addr[T] {
	return a + Addr[T](n)
}

// Sub computes the number of T-sized elements between a and b.
func (a Addr[T]) Sub(b Addr[T]) int {
	return int(a-b) / layout.Size[T]()
}

// Padding returns the number of bytes needed to round a up to align.
func (a Addr[T]) Padding(align int) int {
	return layout.Padding(int(a), align)
}

// RoundUpTo rounds a up to the given alignment.
func (a Addr[T]) RoundUpTo(align int) Addr[T] {
	return Addr[T](layout.RoundUp(int(a), align))
}

// SignBit returns whether the top bit of a is set.
//
// This is used as a tag bit by packages that steal the top bit of an address
// to distinguish two kinds of addresses (such as on-arena vs. off-arena
// allocations).
func (a Addr[T]) SignBit() bool {
	return a&(1<<(unsafe.Sizeof(uintptr(0))*8-1)) != 0
}

// SignBitMask returns all-ones if the sign bit is set, else all-zeros.
func (a Addr[T]) SignBitMask() Addr[T] {
	return Addr[T](int(a) >> (unsafe.Sizeof(uintptr(0))*8 - 1))
}

// ClearSignBit clears the top bit of a.
func (a Addr[T]) ClearSignBit() Addr[T] {
	return a &^ (1 << (unsafe.Sizeof(uintptr(0))*8 - 1))
}

// String implements [fmt.Stringer].
func (a Addr[T]) String() string {
	return fmt.Sprintf("%#x", uintptr(a))
}

// Format implements [fmt.Formatter], so that %x formats the bare hex digits.
func (a Addr[T]) Format(s fmt.State, verb rune) {
	switch verb {
	case 'x':
		fmt.Fprintf(s, "%x", uintptr(a))
	default:
		fmt.Fprintf(s, "%#x", uintptr(a))
	}
}

//go:build go1.22

package arena

import "fmt"

// LayoutError reports that a size/alignment pair violated an allocator
// precondition, such as requesting an alignment the allocator's arenas
// cannot provide.
type LayoutError struct {
	Size, Align int
}

func (e *LayoutError) Error() string {
	return fmt.Sprintf("arena: invalid layout: size=%d align=%d", e.Size, e.Align)
}

// OutOfMemory reports that no existing arena could satisfy a request and
// growing the pool would exceed the allocator's heap threshold.
type OutOfMemory struct {
	Requested     int
	HeapSize      int
	HeapThreshold int
}

func (e *OutOfMemory) Error() string {
	return fmt.Sprintf("arena: out of memory: requested %d bytes, heap_size=%d heap_threshold=%d",
		e.Requested, e.HeapSize, e.HeapThreshold)
}

// AlignmentImpossible reports that a raw-byte allocation demanded more
// alignment than any arena in the pool could provide.
type AlignmentImpossible struct {
	Requested int
	MaxAlign  int
}

func (e *AlignmentImpossible) Error() string {
	return fmt.Sprintf("arena: alignment impossible: requested align=%d, max supported=%d", e.Requested, e.MaxAlign)
}

//go:build go1.22

package gc

import "fmt"

// Header is the one-machine-word mark state every managed object node
// carries: two color bits plus a 16-bit root count, packed so that other
// bits remain free for future flags.
//
// Layout (low to high bit):
//
//	bits  0- 1: color (see [Color])
//	bits  2-15: reserved, must be preserved across recolors
//	bits 16-31: root count
//
// maxRootCount overflowing is a fatal condition (the hosting interpreter
// created more than 65535 live strong roots to the same object); underflow
// below zero saturates instead of wrapping, since destructor paths may
// decrement a count that debug assertions elsewhere have already caught.
type Header uint32

const rootShift = 16
const rootMask Header = 0xFFFF << rootShift
const maxRootCount = 0xFFFF

// newHeader returns a header with the given initial color and a root count
// of zero.
func newHeader(c Color) Header {
	return Header(c)
}

// Color returns the header's current tricolor state.
func (h Header) Color() Color {
	return Color(h & colorMask)
}

// IsWhite, IsGrey, and IsBlack report the header's exact color.
func (h Header) IsWhite() bool { return h.Color() == White }
func (h Header) IsGrey() bool  { return h.Color() == Grey }
func (h Header) IsBlack() bool { return h.Color() == Black }

// setColor replaces the color bits in place, preserving every other bit.
// An earlier design that cleared all flag bits on a White transition lost
// reserved bits across Black→Grey; this always masks only colorMask.
func (h *Header) setColor(c Color) {
	*h = (*h &^ colorMask) | Header(c)
}

// MarkGrey, MarkBlack, and MarkWhite transition the header's color,
// preserving the root count and any reserved bits.
func (h *Header) MarkGrey()  { h.setColor(Grey) }
func (h *Header) MarkBlack() { h.setColor(Black) }
func (h *Header) MarkWhite() { h.setColor(White) }

// RootCount returns the number of live [StrongRoot] handles to this object.
func (h Header) RootCount() uint16 {
	return uint16((h & rootMask) >> rootShift)
}

// IsRooted reports whether this object has at least one strong root.
func (h Header) IsRooted() bool {
	return h.RootCount() > 0
}

// IncRoot increments the root count. Overflowing past 65535 live roots to
// a single object is a fatal condition in the hosting interpreter, not a
// recoverable error.
func (h *Header) IncRoot() {
	rc := h.RootCount()
	if rc >= maxRootCount {
		panic(fmt.Sprintf("gc: root count overflow: more than %d live roots to one object", maxRootCount))
	}
	*h = (*h &^ rootMask) | Header(uint32(rc+1)<<rootShift)
}

// DecRoot decrements the root count, saturating at zero rather than
// wrapping, since destructor paths may race a count that is already at
// zero in release builds.
func (h *Header) DecRoot() {
	rc := h.RootCount()
	if rc == 0 {
		return
	}
	*h = (*h &^ rootMask) | Header(uint32(rc-1)<<rootShift)
}

// Package wire carries the small, shared primitives every transport agrees
// on: sequence numbers and the maximum frame size.
package wire

// MaxPayload is the largest application payload carried in a single frame,
// per the wire data model.
const MaxPayload = 64 * 1024

// SeqNo is a monotone per-direction, per-connection counter that wraps
// modulo 2^32.
type SeqNo uint32

// Next returns the sequence number following s, wrapping at 2^32.
func (s SeqNo) Next() SeqNo {
	return s + 1
}

// Less reports whether a precedes b in sequence-number space, accounting for
// one wraparound (serial number arithmetic, RFC 1982 style).
func (a SeqNo) Less(b SeqNo) bool {
	return int32(a-b) < 0
}

// LessEq reports a <= b in sequence-number space.
func (a SeqNo) LessEq(b SeqNo) bool {
	return a == b || a.Less(b)
}

package bitset

import "math/bits"

// BitSet is a fixed-size set of pool indices backed by 64-bit words.
type BitSet []uint64

// NewBitSet returns a BitSet able to hold indices [0, n).
func NewBitSet(n int) BitSet {
	return make(BitSet, (n+63)/64)
}

func word(index int) (int, uint64) {
	return index >> 6, uint64(1) << (uint(index) & 63)
}

// IsSet reports whether index is in the set. Indices beyond the capacity are never set.
func (b BitSet) IsSet(index int) bool {
	w, mask := word(index)
	if index < 0 || w >= len(b) {
		return false
	}
	return b[w]&mask != 0
}

// Set adds index to the set.
func (b BitSet) Set(index int) {
	w, mask := word(index)
	b[w] |= mask
}

// Unset removes index from the set.
func (b BitSet) Unset(index int) {
	w, mask := word(index)
	b[w] &^= mask
}

// Count returns the number of indices in the set.
func (b BitSet) Count() int {
	n := 0
	for _, w := range b {
		n += bits.OnesCount64(w)
	}
	return n
}

// Indices returns the members of the set in ascending order.
func (b BitSet) Indices() []int {
	out := make([]int, 0, b.Count())
	for i, w := range b {
		for w != 0 {
			tz := bits.TrailingZeros64(w)
			out = append(out, i*64+tz)
			w &= w - 1
		}
	}
	return out
}

// Clone returns an independent copy of the set.
func (b BitSet) Clone() BitSet {
	c := make(BitSet, len(b))
	copy(c, b)
	return c
}

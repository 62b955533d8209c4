package quantize

import "math/bits"

// Template is a quantized fingerprint as a packed bitstring. Each bit
// marks an occupied (grid cell, angle bucket) pair. Templates are value
// types; Clone before mutating a shared instance.
type Template struct {
	Bits []byte // packed bitstring, LSB-first within each byte
	Len  int    // number of bits (may not be a multiple of 8)
}

// NewTemplate creates an all-zero template with the given number of bits.
func NewTemplate(numBits int) Template {
	numBytes := (numBits + 7) / 8
	return Template{
		Bits: make([]byte, numBytes),
		Len:  numBits,
	}
}

// SetBit sets or clears the bit at the given index. Out-of-range indexes
// are ignored.
func (t *Template) SetBit(index int, value bool) {
	if index < 0 || index >= t.Len {
		return
	}

	byteIndex := index / 8
	bitIndex := uint(index % 8)

	if value {
		t.Bits[byteIndex] |= 1 << bitIndex
	} else {
		t.Bits[byteIndex] &^= 1 << bitIndex
	}
}

// FlipBit inverts the bit at the given index. Out-of-range indexes
// are ignored.
func (t *Template) FlipBit(index int) {
	if index < 0 || index >= t.Len {
		return
	}
	t.Bits[index/8] ^= 1 << uint(index%8)
}

// Bit returns the bit value at the given index, or false out of range.
func (t Template) Bit(index int) bool {
	if index < 0 || index >= t.Len {
		return false
	}
	return (t.Bits[index/8] & (1 << uint(index%8))) != 0
}

// OnesCount returns the number of set bits.
func (t Template) OnesCount() int {
	n := 0
	for _, b := range t.Bits {
		n += bits.OnesCount8(b)
	}
	return n
}

// Clone returns a deep copy of the template.
func (t Template) Clone() Template {
	c := Template{
		Bits: make([]byte, len(t.Bits)),
		Len:  t.Len,
	}
	copy(c.Bits, t.Bits)
	return c
}

// Equal reports whether two templates have identical length and bits.
func (t Template) Equal(other Template) bool {
	if t.Len != other.Len {
		return false
	}
	for i := range t.Bits {
		if t.Bits[i] != other.Bits[i] {
			return false
		}
	}
	return true
}

// HammingDistance counts differing bits between two templates.
// Returns -1 if the templates have different lengths.
func HammingDistance(a, b Template) int {
	if a.Len != b.Len {
		return -1
	}

	distance := 0
	for i := range a.Bits {
		distance += bits.OnesCount8(a.Bits[i] ^ b.Bits[i])
	}
	return distance
}

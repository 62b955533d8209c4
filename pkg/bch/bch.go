// Package bch implements the binary BCH code of length 127 correcting
// up to 10 bit errors, used as the error-correcting layer of the fuzzy
// extractor.
//
// The package works in syndrome form rather than generator form. A
// 127-bit word w is summarized by its 20-component syndrome
//
//	S_j(w) = sum over set bits i of alpha^(i*j),  j = 1..20
//
// over GF(2^7) with primitive polynomial x^7 + x^3 + 1. Syndromes are
// linear: S(a xor b) = S(a) xor S(b). Given the syndrome of an unknown
// error pattern with at most 10 set bits, Decode recovers the exact bit
// positions via Berlekamp-Massey and a Chien search. Callers that hold
// a noisy copy w' of an enrolled word w therefore compute
// Syndrome(w') xor sketch, decode the difference, and flip the returned
// positions in w'.
//
// Decoding beyond the error capacity is detected on a best-effort
// basis. A pattern with more than 10 errors usually fails with
// ErrTooManyErrors, but can occasionally alias to a different
// low-weight pattern; callers must authenticate the corrected word
// before using it.
package bch

import "errors"

const (
	// BlockBits is the code length n. Words longer than one block are
	// sketched block by block.
	BlockBits = 127

	// BlockBytes is the packed size of one block. The top bit of the
	// last byte is outside the code and must stay zero.
	BlockBytes = 16

	// DataBits is the code dimension k. A sketch reveals up to
	// BlockBits-DataBits bits of information about the word it was
	// taken from.
	DataBits = 64

	// MaxErrors is the correction capacity t per block.
	MaxErrors = 10

	// SyndromeBytes is the size of one block's syndrome, one field
	// element per component.
	SyndromeBytes = 2 * MaxErrors
)

var (
	// ErrTooManyErrors indicates the syndrome does not correspond to
	// any error pattern within the correction capacity.
	ErrTooManyErrors = errors.New("bch: error count exceeds correction capacity")

	// ErrInvalidSyndrome indicates a syndrome component outside the
	// field.
	ErrInvalidSyndrome = errors.New("bch: syndrome component is not a field element")
)

// GF(2^7) log and antilog tables. expTable is doubled so products of
// two logs index it without a reduction.
const (
	fieldSize     = 128
	groupOrder    = fieldSize - 1
	primitivePoly = 0x89 // x^7 + x^3 + 1
)

var (
	expTable [2 * groupOrder]byte
	logTable [fieldSize]int
)

func init() {
	x := 1
	for i := 0; i < groupOrder; i++ {
		expTable[i] = byte(x)
		logTable[x] = i
		x <<= 1
		if x&fieldSize != 0 {
			x ^= primitivePoly
		}
	}
	for i := groupOrder; i < 2*groupOrder; i++ {
		expTable[i] = expTable[i-groupOrder]
	}
}

func gfMul(a, b byte) byte {
	if a == 0 || b == 0 {
		return 0
	}
	return expTable[logTable[a]+logTable[b]]
}

func gfInv(a byte) byte {
	return expTable[(groupOrder-logTable[a])%groupOrder]
}

func gfDiv(a, b byte) byte {
	if a == 0 {
		return 0
	}
	return expTable[(logTable[a]+groupOrder-logTable[b])%groupOrder]
}

// Word is one 127-bit block, packed LSB-first within each byte. Bit
// 127 of the backing array is unused and must stay zero.
type Word [BlockBytes]byte

// Bit returns the bit at the given position, or false out of range.
func (w Word) Bit(i int) bool {
	if i < 0 || i >= BlockBits {
		return false
	}
	return (w[i/8] & (1 << uint(i%8))) != 0
}

// SetBit sets or clears the bit at the given position. Out-of-range
// positions are ignored.
func (w *Word) SetBit(i int, value bool) {
	if i < 0 || i >= BlockBits {
		return
	}
	if value {
		w[i/8] |= 1 << uint(i%8)
	} else {
		w[i/8] &^= 1 << uint(i%8)
	}
}

// FlipBit inverts the bit at the given position. Out-of-range
// positions are ignored.
func (w *Word) FlipBit(i int) {
	if i < 0 || i >= BlockBits {
		return
	}
	w[i/8] ^= 1 << uint(i%8)
}

// Syndrome computes the 20-component syndrome of a block. The zero
// word yields the zero syndrome.
func Syndrome(w Word) [SyndromeBytes]byte {
	var s [SyndromeBytes]byte
	for i := 0; i < BlockBits; i++ {
		if !w.Bit(i) {
			continue
		}
		for j := 1; j <= SyndromeBytes; j++ {
			s[j-1] ^= expTable[(i*j)%groupOrder]
		}
	}
	return s
}

// Decode recovers the error positions of the pattern whose syndrome is
// given. It returns the positions in ascending order, nil for the zero
// syndrome, and ErrTooManyErrors when no pattern of at most MaxErrors
// bits matches.
func Decode(s [SyndromeBytes]byte) ([]int, error) {
	allZero := true
	for _, c := range s {
		if c >= fieldSize {
			return nil, ErrInvalidSyndrome
		}
		if c != 0 {
			allZero = false
		}
	}
	if allZero {
		return nil, nil
	}

	locator := berlekampMassey(s)
	degree := len(locator) - 1
	if degree > MaxErrors {
		return nil, ErrTooManyErrors
	}

	positions := chienSearch(locator)
	if len(positions) != degree {
		return nil, ErrTooManyErrors
	}
	return positions, nil
}

// berlekampMassey finds the shortest LFSR generating the syndrome
// sequence and returns its connection polynomial, the error locator
// Lambda with Lambda[0] = 1, trimmed of trailing zeros.
func berlekampMassey(s [SyndromeBytes]byte) []byte {
	lambda := []byte{1}
	prev := []byte{1}
	length := 0
	shift := 1
	prevDiscrepancy := byte(1)

	for n := 0; n < SyndromeBytes; n++ {
		d := s[n]
		for i := 1; i <= length && i < len(lambda); i++ {
			d ^= gfMul(lambda[i], s[n-i])
		}

		switch {
		case d == 0:
			shift++
		case 2*length <= n:
			saved := make([]byte, len(lambda))
			copy(saved, lambda)
			lambda = polyAddScaledShifted(lambda, prev, gfDiv(d, prevDiscrepancy), shift)
			length = n + 1 - length
			prev = saved
			prevDiscrepancy = d
			shift = 1
		default:
			lambda = polyAddScaledShifted(lambda, prev, gfDiv(d, prevDiscrepancy), shift)
			shift++
		}
	}

	for len(lambda) > 1 && lambda[len(lambda)-1] == 0 {
		lambda = lambda[:len(lambda)-1]
	}
	return lambda
}

// polyAddScaledShifted returns a + coef * x^shift * b.
func polyAddScaledShifted(a, b []byte, coef byte, shift int) []byte {
	size := len(a)
	if len(b)+shift > size {
		size = len(b) + shift
	}

	out := make([]byte, size)
	copy(out, a)
	for i, c := range b {
		out[i+shift] ^= gfMul(coef, c)
	}
	return out
}

// chienSearch returns the bit positions whose locators are roots of
// the error locator polynomial, in ascending order.
func chienSearch(locator []byte) []int {
	var positions []int
	for i := 0; i < BlockBits; i++ {
		point := expTable[(groupOrder-i)%groupOrder]
		if evalPoly(locator, point) == 0 {
			positions = append(positions, i)
		}
	}
	return positions
}

func evalPoly(p []byte, x byte) byte {
	acc := p[len(p)-1]
	for i := len(p) - 2; i >= 0; i-- {
		acc = gfMul(acc, x) ^ p[i]
	}
	return acc
}

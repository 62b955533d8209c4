// Package fuzzy derives stable cryptographic keys from noisy biometric
// templates.
//
// Generate takes a quantized template and produces a key together with
// public helper data; Reproduce takes a fresh capture of the same
// finger plus the helper data and yields the same key, as long as the
// new template differs from the enrolled one by at most 10 bits per
// 127-bit block. The helper data holds a BCH syndrome sketch of the
// enrolled template, a random salt, and an authenticator, and is safe
// to store in the open: it reveals at most 63 bits per block about the
// template and nothing about the key. The key itself is a pure
// function of the template, so re-enrolling the same finger
// reproduces the same key and an enrollment attempt can recompute its
// would-be identifier to discover an existing registration. The salt
// only separates authenticator values across enrollments; guessing a
// template can be confirmed against the authenticator either way, so
// the salt never protected against that.
//
// Reproduce deliberately reports a single failure mode. Whether the
// capture was too noisy, the helper data was tampered with, or the
// finger is simply a different one, the caller sees
// ErrExtractionFailed and nothing else.
package fuzzy

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"golang.org/x/crypto/hkdf"

	"github.com/dactylid/dactylid/pkg/bch"
	"github.com/dactylid/dactylid/pkg/quantize"
)

const (
	// KeySize is the length of derived keys.
	KeySize = 32

	// SaltSize is the length of the random salt stored in helper data.
	SaltSize = 16

	// TagSize is the length of the helper data authenticator.
	TagSize = 32

	// FormatVersion is the current helper data wire version.
	FormatVersion = 1

	keyContext  = "dactylid/fuzzy/v1/key"
	authContext = "dactylid/fuzzy/v1/auth"
)

var (
	// ErrExtractionFailed indicates the capture could not reproduce
	// the enrolled key. No further detail is exposed.
	ErrExtractionFailed = errors.New("fuzzy: key extraction failed")

	// ErrInvalidHelper indicates malformed or inconsistent helper data.
	ErrInvalidHelper = errors.New("fuzzy: invalid helper data")

	// ErrUnsupportedVersion indicates helper data written by an
	// unknown format version.
	ErrUnsupportedVersion = errors.New("fuzzy: unsupported helper data version")

	// ErrTemplateMismatch indicates a template whose length does not
	// match the helper data parameters.
	ErrTemplateMismatch = errors.New("fuzzy: template length does not match helper data")
)

// Key is a derived biometric key.
type Key [KeySize]byte

// HelperData is the public recovery information produced at
// enrollment. It carries the quantization parameters so a verifier can
// rebuild the template grid, the syndrome sketch, a salt separating
// authenticator values across enrollments, and the authenticator over
// the derived key.
type HelperData struct {
	Params  quantize.Params
	Bits    int
	Sketch  []byte
	Salt    [SaltSize]byte
	AuthTag [TagSize]byte
}

// sketchSize returns the sketch length in bytes for a template of the
// given bit length.
func sketchSize(bits int) int {
	return blockCount(bits) * bch.SyndromeBytes
}

func blockCount(bits int) int {
	return (bits + bch.BlockBits - 1) / bch.BlockBits
}

// Generate derives a key from a quantized template and returns it with
// the helper data needed to reproduce it. The template length must
// match the parameter grid. Randomness is drawn from rng, or from
// crypto/rand when rng is nil.
func Generate(tpl quantize.Template, params quantize.Params, rng io.Reader) (Key, *HelperData, error) {
	if err := params.Validate(); err != nil {
		return Key{}, nil, err
	}
	if tpl.Len == 0 || tpl.Len != params.TemplateBits() {
		return Key{}, nil, fmt.Errorf("%w: got %d bits, grid yields %d",
			ErrTemplateMismatch, tpl.Len, params.TemplateBits())
	}
	if rng == nil {
		rng = rand.Reader
	}

	helper := &HelperData{
		Params: params,
		Bits:   tpl.Len,
		Sketch: make([]byte, 0, sketchSize(tpl.Len)),
	}
	if _, err := io.ReadFull(rng, helper.Salt[:]); err != nil {
		return Key{}, nil, fmt.Errorf("fuzzy: reading salt: %w", err)
	}

	for b := 0; b < blockCount(tpl.Len); b++ {
		s := bch.Syndrome(blockWord(tpl, b))
		helper.Sketch = append(helper.Sketch, s[:]...)
	}

	key := deriveKey(tpl.Bits)
	helper.AuthTag = computeTag(key, helper.Salt)

	return key, helper, nil
}

// Reproduce recovers the enrolled key from a fresh template of the
// same finger. It returns ErrExtractionFailed when the capture is too
// far from the enrolled one or the helper data does not authenticate.
func Reproduce(tpl quantize.Template, helper *HelperData) (Key, error) {
	if helper == nil {
		return Key{}, ErrInvalidHelper
	}
	if err := helper.validate(); err != nil {
		return Key{}, err
	}
	if tpl.Len != helper.Bits {
		return Key{}, fmt.Errorf("%w: got %d bits, helper data covers %d",
			ErrTemplateMismatch, tpl.Len, helper.Bits)
	}

	corrected := tpl.Clone()
	for b := 0; b < blockCount(tpl.Len); b++ {
		word := blockWord(tpl, b)
		observed := bch.Syndrome(word)

		var diff [bch.SyndromeBytes]byte
		enrolled := helper.Sketch[b*bch.SyndromeBytes : (b+1)*bch.SyndromeBytes]
		for j := range diff {
			diff[j] = observed[j] ^ enrolled[j]
		}

		positions, err := bch.Decode(diff)
		if err != nil {
			return Key{}, ErrExtractionFailed
		}
		for _, p := range positions {
			corrected.FlipBit(b*bch.BlockBits + p)
		}
	}

	key := deriveKey(corrected.Bits)
	tag := computeTag(key, helper.Salt)
	if subtle.ConstantTimeCompare(tag[:], helper.AuthTag[:]) != 1 {
		return Key{}, ErrExtractionFailed
	}
	return key, nil
}

// blockWord extracts one 127-bit block from the template. Bits past
// the template length read as zero.
func blockWord(tpl quantize.Template, block int) bch.Word {
	var w bch.Word
	base := block * bch.BlockBits
	for i := 0; i < bch.BlockBits; i++ {
		if tpl.Bit(base + i) {
			w.SetBit(i, true)
		}
	}
	return w
}

// deriveKey maps a template to its key. The mapping is deterministic;
// duplicate detection depends on one biometric always reaching one
// identifier.
func deriveKey(template []byte) Key {
	var key Key
	r := hkdf.New(sha256.New, template, nil, []byte(keyContext))
	if _, err := io.ReadFull(r, key[:]); err != nil {
		// hkdf only fails past its output limit, far beyond KeySize.
		panic(err)
	}
	return key
}

func computeTag(key Key, salt [SaltSize]byte) [TagSize]byte {
	mac := hmac.New(sha256.New, key[:])
	mac.Write([]byte(authContext))
	mac.Write(salt[:])

	var tag [TagSize]byte
	copy(tag[:], mac.Sum(nil))
	return tag
}

func (h *HelperData) validate() error {
	if err := h.Params.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidHelper, err)
	}
	if h.Bits != h.Params.TemplateBits() {
		return fmt.Errorf("%w: bit length %d does not match parameter grid %d",
			ErrInvalidHelper, h.Bits, h.Params.TemplateBits())
	}
	if len(h.Sketch) != sketchSize(h.Bits) {
		return fmt.Errorf("%w: sketch is %d bytes, want %d",
			ErrInvalidHelper, len(h.Sketch), sketchSize(h.Bits))
	}
	return nil
}

// Binary helper data layout, all integers big endian:
//
//	version   uint8
//	cellSize  float64 bits
//	angleBins uint16
//	minutiae  uint16
//	bits      uint32
//	salt      [16]byte
//	tag       [32]byte
//	sketch    variable, length implied by bits
const headerSize = 1 + 8 + 2 + 2 + 4

// MarshalBinary encodes the helper data in its versioned wire form.
func (h *HelperData) MarshalBinary() ([]byte, error) {
	if err := h.validate(); err != nil {
		return nil, err
	}

	out := make([]byte, 0, headerSize+SaltSize+TagSize+len(h.Sketch))
	out = append(out, FormatVersion)
	out = binary.BigEndian.AppendUint64(out, math.Float64bits(h.Params.CellSize))
	out = binary.BigEndian.AppendUint16(out, uint16(h.Params.AngleBins))
	out = binary.BigEndian.AppendUint16(out, uint16(h.Params.MinMinutiae))
	out = binary.BigEndian.AppendUint32(out, uint32(h.Bits))
	out = append(out, h.Salt[:]...)
	out = append(out, h.AuthTag[:]...)
	out = append(out, h.Sketch...)
	return out, nil
}

// UnmarshalBinary decodes helper data produced by MarshalBinary.
func (h *HelperData) UnmarshalBinary(data []byte) error {
	if len(data) < headerSize+SaltSize+TagSize {
		return fmt.Errorf("%w: %d bytes is below the fixed header", ErrInvalidHelper, len(data))
	}
	if data[0] != FormatVersion {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, data[0])
	}

	h.Params.CellSize = math.Float64frombits(binary.BigEndian.Uint64(data[1:9]))
	h.Params.AngleBins = int(binary.BigEndian.Uint16(data[9:11]))
	h.Params.MinMinutiae = int(binary.BigEndian.Uint16(data[11:13]))
	h.Bits = int(binary.BigEndian.Uint32(data[13:17]))

	rest := data[headerSize:]
	copy(h.Salt[:], rest[:SaltSize])
	copy(h.AuthTag[:], rest[SaltSize:SaltSize+TagSize])

	sketch := rest[SaltSize+TagSize:]
	if len(sketch) != sketchSize(h.Bits) {
		return fmt.Errorf("%w: sketch is %d bytes, want %d",
			ErrInvalidHelper, len(sketch), sketchSize(h.Bits))
	}
	h.Sketch = make([]byte, len(sketch))
	copy(h.Sketch, sketch)

	return h.validate()
}

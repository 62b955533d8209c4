// Package biometric defines the vocabulary types shared across the
// fingerprint pipeline: minutiae samples, finger positions, and the
// per-capture finger template handed to the quantizer.
//
// Values of these types originate in an external capture collaborator
// (scanner driver plus feature extraction) and are consumed exactly once
// per enrollment or verification attempt. None of them are persisted.
package biometric

import (
	"errors"
	"fmt"
)

// Validation errors.
var (
	// ErrUnknownPosition is returned when a finger position is outside the
	// ten defined hand positions.
	ErrUnknownPosition = errors.New("biometric: unknown finger position")

	// ErrQualityOutOfRange is returned when a capture quality score is not
	// within [0, 100].
	ErrQualityOutOfRange = errors.New("biometric: quality score out of range")
)

// Minutia is one ridge feature extracted from a fingerprint image:
// a position on the sensor plane and the ridge orientation at that point,
// in radians.
type Minutia struct {
	X     float64
	Y     float64
	Angle float64
}

// FingerPosition identifies one of the ten fingers.
type FingerPosition uint8

// The ten finger positions, thumb to little finger, right hand first.
// The numeric order is part of the canonical aggregation order and must
// not be rearranged.
const (
	RightThumb FingerPosition = iota
	RightIndex
	RightMiddle
	RightRing
	RightLittle
	LeftThumb
	LeftIndex
	LeftMiddle
	LeftRing
	LeftLittle

	// NumPositions is the number of defined finger positions.
	NumPositions = 10
)

var positionNames = [NumPositions]string{
	"right-thumb",
	"right-index",
	"right-middle",
	"right-ring",
	"right-little",
	"left-thumb",
	"left-index",
	"left-middle",
	"left-ring",
	"left-little",
}

// String returns the kebab-case name of the position, or "unknown" for
// values outside the defined range.
func (p FingerPosition) String() string {
	if !p.Valid() {
		return "unknown"
	}
	return positionNames[p]
}

// Valid reports whether the position is one of the ten defined fingers.
func (p FingerPosition) Valid() bool {
	return p < NumPositions
}

// ParseFingerPosition converts a kebab-case position name (as produced by
// String) back into a FingerPosition.
func ParseFingerPosition(s string) (FingerPosition, error) {
	for i, name := range positionNames {
		if name == s {
			return FingerPosition(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownPosition, s)
}

// FingerTemplate is one finger's capture: the extracted minutiae plus the
// capture quality score reported by the scanner, in [0, 100].
type FingerTemplate struct {
	Position FingerPosition
	Minutiae []Minutia
	Quality  float64
}

// Validate checks the structural invariants of the template: a defined
// finger position and an in-range quality score. Minutiae count minimums
// are enforced by the quantizer, which owns that policy.
func (t FingerTemplate) Validate() error {
	if !t.Position.Valid() {
		return fmt.Errorf("%w: %d", ErrUnknownPosition, t.Position)
	}
	if t.Quality < 0 || t.Quality > 100 {
		return fmt.Errorf("%w: %v", ErrQualityOutOfRange, t.Quality)
	}
	return nil
}

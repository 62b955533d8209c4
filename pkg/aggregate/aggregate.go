// Package aggregate combines per-finger keys into a single identity
// commitment.
//
// The combination is order independent: inputs are sorted into
// canonical position order before hashing, so capturing fingers in a
// different sequence yields the identical commitment. Which fingers
// are required is a policy decision expressed as a quality ladder,
// tried rung by rung: many fingers at moderate quality, or
// progressively fewer at higher quality.
//
// The commitment is secret-equivalent. Possession proves "same
// person", so it must never be logged or transmitted; only the
// identifier derived from it is public.
package aggregate

import (
	"errors"
	"fmt"
	"sort"

	"golang.org/x/crypto/blake2b"

	"github.com/dactylid/dactylid/pkg/biometric"
	"github.com/dactylid/dactylid/pkg/fuzzy"
)

// Size is the commitment length in bytes.
const Size = 32

const domainTag = "dactylid/aggregate/v1"

var (
	// ErrInsufficientFingers indicates no ladder rung could be
	// satisfied by the supplied fingers.
	ErrInsufficientFingers = errors.New("aggregate: quality ladder not satisfied")

	// ErrDuplicatePosition indicates two inputs for one finger.
	ErrDuplicatePosition = errors.New("aggregate: duplicate finger position")

	// ErrInvalidPolicy indicates an unusable quality ladder.
	ErrInvalidPolicy = errors.New("aggregate: invalid policy")
)

// Commitment is the combined digest of an enrolled finger set.
type Commitment [Size]byte

// Input is one finger's contribution: the position it was captured
// from, the key the fuzzy extractor derived for it, and the capture
// quality used for ladder selection.
type Input struct {
	Position biometric.FingerPosition
	Key      fuzzy.Key
	Quality  float64
}

// Rung is one step of the quality ladder: at least MinFingers inputs,
// each with quality at or above MinQuality.
type Rung struct {
	MinFingers int
	MinQuality float64
}

// Policy is the ordered ladder of acceptable finger combinations. The
// first satisfiable rung wins.
type Policy struct {
	Ladder []Rung
}

// DefaultPolicy accepts four fingers of moderate quality, three good
// ones, or two excellent ones.
func DefaultPolicy() Policy {
	return Policy{Ladder: []Rung{
		{MinFingers: 4, MinQuality: 40},
		{MinFingers: 3, MinQuality: 60},
		{MinFingers: 2, MinQuality: 75},
	}}
}

// Validate checks that the ladder is non-empty and every rung is
// within range. Rungs require between 2 and 10 fingers.
func (p Policy) Validate() error {
	if len(p.Ladder) == 0 {
		return fmt.Errorf("%w: empty ladder", ErrInvalidPolicy)
	}
	for i, r := range p.Ladder {
		if r.MinFingers < 2 || r.MinFingers > int(biometric.NumPositions) {
			return fmt.Errorf("%w: rung %d requires %d fingers", ErrInvalidPolicy, i, r.MinFingers)
		}
		if r.MinQuality < 0 || r.MinQuality > 100 {
			return fmt.Errorf("%w: rung %d quality %v out of [0, 100]", ErrInvalidPolicy, i, r.MinQuality)
		}
	}
	return nil
}

// Commit selects the first ladder rung the inputs satisfy and combines
// every input meeting that rung's quality floor. It returns the
// commitment and the rung that was satisfied. All supplied fingers
// meeting the floor participate, so a verifier must present the same
// finger set to reproduce the commitment.
func Commit(inputs []Input, policy Policy) (Commitment, Rung, error) {
	if err := policy.Validate(); err != nil {
		return Commitment{}, Rung{}, err
	}
	if err := validateInputs(inputs); err != nil {
		return Commitment{}, Rung{}, err
	}

	for _, rung := range policy.Ladder {
		var qualifying []Input
		for _, in := range inputs {
			if in.Quality >= rung.MinQuality {
				qualifying = append(qualifying, in)
			}
		}
		if len(qualifying) >= rung.MinFingers {
			return combine(qualifying), rung, nil
		}
	}

	return Commitment{}, Rung{}, fmt.Errorf("%w: %d fingers supplied", ErrInsufficientFingers, len(inputs))
}

// CommitAll combines every input unconditionally. Verification uses it
// to rebuild the commitment from exactly the enrolled finger set,
// where ladder selection would be wrong.
func CommitAll(inputs []Input) (Commitment, error) {
	if err := validateInputs(inputs); err != nil {
		return Commitment{}, err
	}
	if len(inputs) < 2 {
		return Commitment{}, fmt.Errorf("%w: %d fingers supplied", ErrInsufficientFingers, len(inputs))
	}
	return combine(inputs), nil
}

func validateInputs(inputs []Input) error {
	var seen [biometric.NumPositions]bool
	for i, in := range inputs {
		if !in.Position.Valid() {
			return fmt.Errorf("aggregate: input %d: %w", i, biometric.ErrUnknownPosition)
		}
		if in.Quality < 0 || in.Quality > 100 {
			return fmt.Errorf("aggregate: input %d: %w", i, biometric.ErrQualityOutOfRange)
		}
		if seen[in.Position] {
			return fmt.Errorf("%w: %s", ErrDuplicatePosition, in.Position)
		}
		seen[in.Position] = true
	}
	return nil
}

// combine hashes the inputs in canonical position order under a
// domain tag. Positions are unique here, so position order is total.
func combine(inputs []Input) Commitment {
	sorted := make([]Input, len(inputs))
	copy(sorted, inputs)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Position < sorted[j].Position
	})

	buf := make([]byte, 0, len(domainTag)+len(sorted)*(1+fuzzy.KeySize))
	buf = append(buf, domainTag...)
	for _, in := range sorted {
		buf = append(buf, byte(in.Position))
		buf = append(buf, in.Key[:]...)
	}

	return blake2b.Sum256(buf)
}

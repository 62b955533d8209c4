// Package quantize converts variable-length minutiae sets into
// fixed-length bit templates. Minutiae are snapped onto a spatial grid
// over the sensor extent and their angles into a fixed number of
// buckets; each occupied (cell, bucket) pair sets one bit. Nearby
// captures of the same finger land in mostly the same cells, so the
// resulting templates differ in few bits and stay within reach of the
// fuzzy extractor's error correction.
package quantize

import (
	"errors"
	"fmt"
	"math"

	"github.com/dactylid/dactylid/pkg/biometric"
)

// SensorExtent is the coordinate domain of minutiae positions. All
// captures are normalized to [0, SensorExtent) on both axes before
// quantization; out-of-range coordinates are clamped to the border
// cells.
const SensorExtent = 512.0

var (
	// ErrInsufficientMinutiae indicates the capture carries too few
	// minutiae to produce a meaningful template.
	ErrInsufficientMinutiae = errors.New("quantize: insufficient minutiae")

	// ErrInvalidParams indicates quantization parameters outside their
	// accepted ranges.
	ErrInvalidParams = errors.New("quantize: invalid parameters")
)

// Params controls the quantization grid. Identical parameters always
// produce identical templates from identical input; they are part of
// the enrollment and must be replayed at verification.
type Params struct {
	// CellSize is the spatial grid pitch in sensor units. The extent
	// divides into ceil(SensorExtent/CellSize) cells per axis.
	CellSize float64

	// AngleBins is the number of angle buckets over [0, 2pi).
	AngleBins int

	// MinMinutiae is the minimum number of minutiae required per
	// capture. Zero selects DefaultMinMinutiae.
	MinMinutiae int
}

// DefaultMinMinutiae is the capture floor applied when Params leaves
// MinMinutiae at zero.
const DefaultMinMinutiae = 10

// DefaultParams returns the standard grid: 8x8 cells of 64 sensor
// units with 8 angle buckets, for a 512-bit template.
func DefaultParams() Params {
	return Params{
		CellSize:    64.0,
		AngleBins:   8,
		MinMinutiae: DefaultMinMinutiae,
	}
}

// Validate checks that the parameters describe a usable grid.
func (p Params) Validate() error {
	if p.CellSize <= 0 || p.CellSize > SensorExtent {
		return fmt.Errorf("%w: cell size %v out of (0, %v]", ErrInvalidParams, p.CellSize, SensorExtent)
	}
	if p.AngleBins < 1 {
		return fmt.Errorf("%w: angle bins %d below 1", ErrInvalidParams, p.AngleBins)
	}
	if p.MinMinutiae < 0 {
		return fmt.Errorf("%w: negative minutiae floor %d", ErrInvalidParams, p.MinMinutiae)
	}
	return nil
}

// CellsPerAxis returns the grid width in cells.
func (p Params) CellsPerAxis() int {
	return int(math.Ceil(SensorExtent / p.CellSize))
}

// TemplateBits returns the template length in bits produced by these
// parameters. The length depends only on the parameters, never on the
// capture.
func (p Params) TemplateBits() int {
	cells := p.CellsPerAxis()
	return cells * cells * p.AngleBins
}

func (p Params) minMinutiae() int {
	if p.MinMinutiae == 0 {
		return DefaultMinMinutiae
	}
	return p.MinMinutiae
}

// Quantize maps a finger capture onto the parameter grid and returns
// the packed template. The mapping is deterministic and insensitive to
// minutiae order: each minutia independently sets the bit for its
// (cell, angle bucket) pair, and repeated hits on one bit are
// idempotent.
func Quantize(tpl biometric.FingerTemplate, params Params) (Template, error) {
	if err := params.Validate(); err != nil {
		return Template{}, err
	}
	if err := tpl.Validate(); err != nil {
		return Template{}, err
	}
	if len(tpl.Minutiae) < params.minMinutiae() {
		return Template{}, fmt.Errorf("%w: got %d, need %d",
			ErrInsufficientMinutiae, len(tpl.Minutiae), params.minMinutiae())
	}

	cells := params.CellsPerAxis()
	out := NewTemplate(params.TemplateBits())

	for _, m := range tpl.Minutiae {
		cellX := clampCell(int(m.X/params.CellSize), cells)
		cellY := clampCell(int(m.Y/params.CellSize), cells)
		bin := angleBin(m.Angle, params.AngleBins)

		index := (cellY*cells+cellX)*params.AngleBins + bin
		out.SetBit(index, true)
	}

	return out, nil
}

func clampCell(c, cells int) int {
	if c < 0 {
		return 0
	}
	if c >= cells {
		return cells - 1
	}
	return c
}

// angleBin buckets an angle in radians into [0, bins). Angles are
// normalized into [0, 2pi) first, so negative and wrapped inputs that
// describe the same direction share a bucket.
func angleBin(angle float64, bins int) int {
	norm := math.Mod(angle, 2*math.Pi)
	if norm < 0 {
		norm += 2 * math.Pi
	}

	bin := int(norm / (2 * math.Pi / float64(bins)))
	if bin >= bins {
		bin = bins - 1
	}
	return bin
}

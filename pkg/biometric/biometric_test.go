package biometric

import (
	"errors"
	"testing"
)

func TestFingerPositionString(t *testing.T) {
	cases := []struct {
		pos  FingerPosition
		want string
	}{
		{RightThumb, "right-thumb"},
		{RightLittle, "right-little"},
		{LeftThumb, "left-thumb"},
		{LeftLittle, "left-little"},
		{FingerPosition(10), "unknown"},
		{FingerPosition(255), "unknown"},
	}

	for _, c := range cases {
		if got := c.pos.String(); got != c.want {
			t.Errorf("FingerPosition(%d).String() = %q, want %q", c.pos, got, c.want)
		}
	}
}

func TestParseFingerPositionRoundTrip(t *testing.T) {
	for p := FingerPosition(0); p < NumPositions; p++ {
		parsed, err := ParseFingerPosition(p.String())
		if err != nil {
			t.Fatalf("ParseFingerPosition(%q) error = %v", p.String(), err)
		}
		if parsed != p {
			t.Errorf("round trip of %v = %v", p, parsed)
		}
	}
}

func TestParseFingerPositionUnknown(t *testing.T) {
	_, err := ParseFingerPosition("right-pinky")
	if !errors.Is(err, ErrUnknownPosition) {
		t.Errorf("error = %v, want ErrUnknownPosition", err)
	}
}

func TestFingerPositionValid(t *testing.T) {
	if !LeftLittle.Valid() {
		t.Error("LeftLittle should be valid")
	}
	if FingerPosition(NumPositions).Valid() {
		t.Error("position 10 should be invalid")
	}
}

func TestFingerTemplateValidate(t *testing.T) {
	valid := FingerTemplate{
		Position: RightIndex,
		Minutiae: []Minutia{{X: 10, Y: 20, Angle: 1.5}},
		Quality:  80,
	}
	if err := valid.Validate(); err != nil {
		t.Errorf("valid template: Validate() = %v", err)
	}

	badPos := valid
	badPos.Position = FingerPosition(42)
	if err := badPos.Validate(); !errors.Is(err, ErrUnknownPosition) {
		t.Errorf("bad position: error = %v, want ErrUnknownPosition", err)
	}

	badQuality := valid
	badQuality.Quality = 101
	if err := badQuality.Validate(); !errors.Is(err, ErrQualityOutOfRange) {
		t.Errorf("quality 101: error = %v, want ErrQualityOutOfRange", err)
	}

	negQuality := valid
	negQuality.Quality = -1
	if err := negQuality.Validate(); !errors.Is(err, ErrQualityOutOfRange) {
		t.Errorf("quality -1: error = %v, want ErrQualityOutOfRange", err)
	}
}

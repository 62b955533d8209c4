// Package capture handles enrollment session files dropped by scanner
// tooling: decoding a session's finger templates, watching capture
// directories for new drops, and writing the outcome file the operator
// tooling picks up afterward.
//
// A capture file carries the templates of one session as JSON. The
// agent never modifies capture files; outcomes go to a separate
// .enrollment.json file.
package capture

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dactylid/dactylid/pkg/biometric"
)

const (
	// FileSuffix marks enrollment session drops.
	FileSuffix = ".capture.json"

	// ResultSuffix marks outcome files written back by the agent.
	ResultSuffix = ".enrollment.json"
)

// ErrNoFingers is returned when a session file carries no fingers.
var ErrNoFingers = errors.New("capture: session carries no fingers")

// Session is one decoded capture drop. Wallet may be empty when the
// enrollee relies on the agent's configured default controller.
type Session struct {
	ID      string
	Wallet  string
	Fingers []biometric.FingerTemplate
}

type sessionJSON struct {
	Session string       `json:"session,omitempty"`
	Wallet  string       `json:"wallet,omitempty"`
	Fingers []fingerJSON `json:"fingers"`
}

type fingerJSON struct {
	Position string        `json:"position"`
	Quality  float64       `json:"quality"`
	Minutiae []minutiaJSON `json:"minutiae"`
}

type minutiaJSON struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Angle float64 `json:"angle"`
}

// Decode parses a session file. Finger positions use the kebab-case
// names of biometric.FingerPosition, angles are radians.
func Decode(data []byte) (*Session, error) {
	var raw sessionJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("capture: decoding session: %w", err)
	}
	if len(raw.Fingers) == 0 {
		return nil, ErrNoFingers
	}

	s := &Session{ID: raw.Session, Wallet: raw.Wallet}
	for _, f := range raw.Fingers {
		pos, err := biometric.ParseFingerPosition(f.Position)
		if err != nil {
			return nil, fmt.Errorf("capture: finger %q: %w", f.Position, err)
		}
		minutiae := make([]biometric.Minutia, len(f.Minutiae))
		for i, m := range f.Minutiae {
			minutiae[i] = biometric.Minutia{X: m.X, Y: m.Y, Angle: m.Angle}
		}
		tpl := biometric.FingerTemplate{Position: pos, Minutiae: minutiae, Quality: f.Quality}
		if err := tpl.Validate(); err != nil {
			return nil, fmt.Errorf("capture: finger %s: %w", pos, err)
		}
		s.Fingers = append(s.Fingers, tpl)
	}
	return s, nil
}

// ReadFile reads and decodes one capture drop.
func ReadFile(path string) (*Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("capture: reading session: %w", err)
	}
	return Decode(data)
}

// IsCaptureFile reports whether the path names a session drop.
func IsCaptureFile(path string) bool {
	return strings.HasSuffix(filepath.Base(path), FileSuffix)
}

// SessionName extracts the session name from a capture path, so
// "fair-booth-07.capture.json" yields "fair-booth-07".
func SessionName(path string) string {
	return strings.TrimSuffix(filepath.Base(path), FileSuffix)
}

// ResultPath maps a capture path to its outcome path. With outputDir
// empty the outcome lands next to the capture file.
func ResultPath(capturePath, outputDir string) string {
	name := SessionName(capturePath) + ResultSuffix
	if outputDir == "" {
		return filepath.Join(filepath.Dir(capturePath), name)
	}
	return filepath.Join(outputDir, name)
}

// Outcome statuses.
const (
	StatusEnrolled  = "enrolled"
	StatusDuplicate = "duplicate"
	StatusFailed    = "failed"
)

// Result is the outcome written after processing one session. For
// duplicates it names the existing registration's controllers so the
// operator can offer adding a wallet instead.
type Result struct {
	Session     string          `json:"session"`
	Status      string          `json:"status"`
	DID         string          `json:"did,omitempty"`
	Fingers     []string        `json:"fingers,omitempty"`
	MinQuality  float64         `json:"min_quality,omitempty"`
	Controllers []string        `json:"controllers,omitempty"`
	Record      json.RawMessage `json:"record,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// WriteResult writes the outcome as indented JSON, readable by the
// owner only since the embedded record carries helper payloads.
func WriteResult(path string, res *Result) error {
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return fmt.Errorf("capture: encoding result: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0600); err != nil {
		return fmt.Errorf("capture: writing result: %w", err)
	}
	return nil
}

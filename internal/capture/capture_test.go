package capture

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dactylid/dactylid/pkg/biometric"
)

const sampleSession = `{
	"session": "fair-booth-07",
	"wallet": "addr_test1qalice",
	"fingers": [
		{
			"position": "right-thumb",
			"quality": 82.5,
			"minutiae": [
				{"x": 120.5, "y": 240.25, "angle": 1.57},
				{"x": 310.0, "y": 88.75, "angle": 4.2}
			]
		},
		{
			"position": "right-index",
			"quality": 74,
			"minutiae": [
				{"x": 55.5, "y": 410.0, "angle": 0.3}
			]
		}
	]
}`

func TestDecode(t *testing.T) {
	s, err := Decode([]byte(sampleSession))
	require.NoError(t, err)

	assert.Equal(t, "fair-booth-07", s.ID)
	assert.Equal(t, "addr_test1qalice", s.Wallet)
	require.Len(t, s.Fingers, 2)

	thumb := s.Fingers[0]
	assert.Equal(t, biometric.RightThumb, thumb.Position)
	assert.Equal(t, 82.5, thumb.Quality)
	require.Len(t, thumb.Minutiae, 2)
	assert.Equal(t, biometric.Minutia{X: 120.5, Y: 240.25, Angle: 1.57}, thumb.Minutiae[0])

	assert.Equal(t, biometric.RightIndex, s.Fingers[1].Position)
}

func TestDecodeOptionalFields(t *testing.T) {
	s, err := Decode([]byte(`{"fingers":[{"position":"left-ring","quality":60,"minutiae":[{"x":1,"y":2,"angle":3}]}]}`))
	require.NoError(t, err)
	assert.Empty(t, s.ID)
	assert.Empty(t, s.Wallet)
	require.Len(t, s.Fingers, 1)
	assert.Equal(t, biometric.LeftRing, s.Fingers[0].Position)
}

func TestDecodeRejects(t *testing.T) {
	_, err := Decode([]byte("not json"))
	assert.Error(t, err)

	_, err = Decode([]byte(`{"fingers":[]}`))
	assert.ErrorIs(t, err, ErrNoFingers)

	_, err = Decode([]byte(`{"fingers":[{"position":"sixth-finger","quality":80,"minutiae":[{"x":1,"y":2,"angle":3}]}]}`))
	assert.ErrorIs(t, err, biometric.ErrUnknownPosition)

	_, err = Decode([]byte(`{"fingers":[{"position":"right-thumb","quality":180,"minutiae":[{"x":1,"y":2,"angle":3}]}]}`))
	assert.ErrorIs(t, err, biometric.ErrQualityOutOfRange)
}

func TestReadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "s1.capture.json")
	require.NoError(t, os.WriteFile(path, []byte(sampleSession), 0600))

	s, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "fair-booth-07", s.ID)

	_, err = ReadFile(filepath.Join(dir, "absent.capture.json"))
	assert.Error(t, err)
}

func TestPathHelpers(t *testing.T) {
	assert.True(t, IsCaptureFile("/drops/s1.capture.json"))
	assert.False(t, IsCaptureFile("/drops/s1.enrollment.json"))
	assert.False(t, IsCaptureFile("/drops/s1.json"))
	assert.False(t, IsCaptureFile("/drops/capture.json.bak"))

	assert.Equal(t, "s1", SessionName("/drops/s1.capture.json"))

	assert.Equal(t, filepath.Join("/drops", "s1.enrollment.json"),
		ResultPath("/drops/s1.capture.json", ""))
	assert.Equal(t, filepath.Join("/out", "s1.enrollment.json"),
		ResultPath("/drops/s1.capture.json", "/out"))
}

func TestWriteResult(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "s1.enrollment.json")

	res := &Result{
		Session: "s1",
		Status:  StatusEnrolled,
		DID:     "did:cardano:preprod:zExample",
		Fingers: []string{"right-thumb", "right-index"},
		Record:  json.RawMessage(`{"0":{"v":"1.1"}}`),
	}
	require.NoError(t, WriteResult(path, res))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var got Result
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, res.Session, got.Session)
	assert.Equal(t, res.Status, got.Status)
	assert.Equal(t, res.DID, got.DID)
	assert.Equal(t, res.Fingers, got.Fingers)
	assert.JSONEq(t, string(res.Record), string(got.Record))
	assert.Empty(t, got.Error)
}

func TestWriteResultFailure(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.enrollment.json")

	res := &Result{Session: "bad", Status: StatusFailed, Error: "session carries no fingers"}
	require.NoError(t, WriteResult(path, res))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var got Result
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "session carries no fingers", got.Error)
	assert.Empty(t, got.DID)
}

package enroll

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dactylid/dactylid/internal/dupcheck"
	"github.com/dactylid/dactylid/internal/helperstore"
	"github.com/dactylid/dactylid/internal/ledger"
	"github.com/dactylid/dactylid/internal/metadata"
	"github.com/dactylid/dactylid/pkg/aggregate"
	"github.com/dactylid/dactylid/pkg/biometric"
	"github.com/dactylid/dactylid/pkg/did"
	"github.com/dactylid/dactylid/pkg/fuzzy"
	"github.com/dactylid/dactylid/pkg/quantize"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testDetector(t *testing.T, index ledger.Index) *dupcheck.Detector {
	t.Helper()
	det, err := dupcheck.NewWithLogger(index, dupcheck.Config{}, quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { det.Close() })
	return det
}

func testService(t *testing.T, index ledger.Index) *Service {
	t.Helper()
	return testServiceWithConfig(t, index, Config{
		Network: did.Preprod,
		Params:  quantize.DefaultParams(),
		Policy:  aggregate.DefaultPolicy(),
	})
}

func testServiceWithConfig(t *testing.T, index ledger.Index, cfg Config) *Service {
	t.Helper()
	svc, err := NewServiceWithLogger(testDetector(t, index), helperstore.NewInline(), nil, cfg, quietLogger())
	require.NoError(t, err)
	return svc
}

// personCaptures synthesizes reproducible four-finger captures for one
// simulated person. The same seed always yields the same minutiae.
func personCaptures(seed int64, quality float64) []biometric.FingerTemplate {
	rng := rand.New(rand.NewSource(seed))
	positions := []biometric.FingerPosition{
		biometric.RightThumb,
		biometric.RightIndex,
		biometric.RightMiddle,
		biometric.RightRing,
	}

	captures := make([]biometric.FingerTemplate, len(positions))
	for i, pos := range positions {
		minutiae := make([]biometric.Minutia, 30)
		for j := range minutiae {
			minutiae[j] = biometric.Minutia{
				X:     rng.Float64() * quantize.SensorExtent,
				Y:     rng.Float64() * quantize.SensorExtent,
				Angle: rng.Float64() * 2 * math.Pi,
			}
		}
		captures[i] = biometric.FingerTemplate{Position: pos, Minutiae: minutiae, Quality: quality}
	}
	return captures
}

// jitterCaptures applies sub-cell sensor noise, the kind two captures
// of the same finger differ by.
func jitterCaptures(captures []biometric.FingerTemplate, seed int64) []biometric.FingerTemplate {
	rng := rand.New(rand.NewSource(seed))
	out := make([]biometric.FingerTemplate, len(captures))
	for i, c := range captures {
		minutiae := make([]biometric.Minutia, len(c.Minutiae))
		for j, m := range c.Minutiae {
			minutiae[j] = biometric.Minutia{
				X:     m.X + (rng.Float64()-0.5)*0.8,
				Y:     m.Y + (rng.Float64()-0.5)*0.8,
				Angle: m.Angle + (rng.Float64()-0.5)*0.02,
			}
		}
		out[i] = biometric.FingerTemplate{Position: c.Position, Minutiae: minutiae, Quality: c.Quality}
	}
	return out
}

// submit encodes a record and appends it to the index, the way a
// signed transaction would land on the ledger.
func submit(t *testing.T, index *ledger.MemoryIndex, rec *metadata.EnrollmentRecord, txHash string) {
	t.Helper()
	raw, err := rec.Encode()
	require.NoError(t, err)
	index.Add(dupcheck.DefaultLabel, ledger.LabeledMetadata{TxHash: txHash, JSON: raw})
}

// failingIndex always reports the ledger as unreachable.
type failingIndex struct{}

var errLedgerDown = errors.New("ledger offline")

func (failingIndex) MetadataByLabel(ctx context.Context, label string, page, count int) ([]ledger.LabeledMetadata, error) {
	return nil, errLedgerDown
}

// ============================================================================
// Enrollment
// ============================================================================

func TestEnroll(t *testing.T) {
	svc := testService(t, ledger.NewMemoryIndex())
	captures := personCaptures(1, 80)

	enr, err := svc.Enroll(context.Background(), captures, "addr_test1alice")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(enr.DID.String(), "did:cardano:preprod:"), "got %s", enr.DID)
	assert.Equal(t, metadata.SchemaV11, enr.Record.Schema)
	assert.Equal(t, []string{"addr_test1alice"}, enr.Record.Controllers)
	assert.False(t, enr.Record.Revoked)
	assert.Equal(t, 4, enr.Rung.MinFingers)
	assert.Len(t, enr.Fingers, 4)

	require.Len(t, enr.Record.Helpers, 4)
	for _, pos := range enr.Fingers {
		ref, ok := enr.Record.Helpers[pos.String()]
		require.True(t, ok, "no helper for %s", pos)
		assert.Equal(t, metadata.StorageInline, ref.Storage)
		assert.NotEmpty(t, ref.Data)
	}
}

func TestEnrollSameBiometricSameDID(t *testing.T) {
	captures := personCaptures(2, 80)

	first, err := testService(t, ledger.NewMemoryIndex()).
		Enroll(context.Background(), captures, "addr_test1alice")
	require.NoError(t, err)

	second, err := testService(t, ledger.NewMemoryIndex()).
		Enroll(context.Background(), captures, "addr_test1mallory")
	require.NoError(t, err)

	// The identifier depends on the biometric and network only. A
	// different wallet cannot mint a second identity.
	assert.Equal(t, first.DID.String(), second.DID.String())
}

func TestEnrollDetectsDuplicate(t *testing.T) {
	index := ledger.NewMemoryIndex()
	captures := personCaptures(3, 80)

	enr, err := testService(t, index).Enroll(context.Background(), captures, "addr_test1alice")
	require.NoError(t, err)
	submit(t, index, enr.Record, "tx-enroll-1")

	_, err = testService(t, index).Enroll(context.Background(), captures, "addr_test1mallory")
	require.Error(t, err)

	var already *dupcheck.AlreadyRegisteredError
	require.ErrorAs(t, err, &already)
	assert.Equal(t, enr.DID.String(), already.Record.DID)
	assert.Equal(t, []string{"addr_test1alice"}, already.Record.Controllers)
}

func TestEnrollDifferentPeopleDifferentDIDs(t *testing.T) {
	index := ledger.NewMemoryIndex()

	a, err := testService(t, index).Enroll(context.Background(), personCaptures(4, 80), "addr_test1alice")
	require.NoError(t, err)
	b, err := testService(t, index).Enroll(context.Background(), personCaptures(5, 80), "addr_test1bob")
	require.NoError(t, err)

	assert.NotEqual(t, a.DID.String(), b.DID.String())
}

func TestEnrollBlocksWhenLedgerUnavailable(t *testing.T) {
	svc := testService(t, failingIndex{})

	_, err := svc.Enroll(context.Background(), personCaptures(6, 80), "addr_test1alice")
	assert.ErrorIs(t, err, dupcheck.ErrUnavailable)
	assert.ErrorIs(t, err, errLedgerDown)
}

func TestEnrollWarnPolicyProceeds(t *testing.T) {
	svc := testServiceWithConfig(t, failingIndex{}, Config{
		Network:           did.Preprod,
		Params:            quantize.DefaultParams(),
		Policy:            aggregate.DefaultPolicy(),
		WarnOnUnavailable: true,
	})

	enr, err := svc.Enroll(context.Background(), personCaptures(7, 80), "addr_test1alice")
	require.NoError(t, err)
	assert.NotEmpty(t, enr.DID.String())
}

func TestEnrollRequiresController(t *testing.T) {
	svc := testService(t, ledger.NewMemoryIndex())

	_, err := svc.Enroll(context.Background(), personCaptures(8, 80), "")
	assert.ErrorIs(t, err, metadata.ErrNoControllers)
}

func TestEnrollBelowEveryRung(t *testing.T) {
	svc := testService(t, ledger.NewMemoryIndex())

	_, err := svc.Enroll(context.Background(), personCaptures(9, 30), "addr_test1alice")
	assert.ErrorIs(t, err, aggregate.ErrInsufficientFingers)
}

func TestEnrollLadderKeepsQualifyingFingersOnly(t *testing.T) {
	svc := testService(t, ledger.NewMemoryIndex())

	captures := personCaptures(10, 90)
	captures[2].Quality = 30
	captures[3].Quality = 30

	enr, err := svc.Enroll(context.Background(), captures, "addr_test1alice")
	require.NoError(t, err)

	// Two fingers at 90 satisfy the 2-at-75 rung; the low-quality
	// captures stay out of the commitment and get no helper.
	assert.Equal(t, 2, enr.Rung.MinFingers)
	assert.Equal(t, 75.0, enr.Rung.MinQuality)
	assert.Equal(t, []biometric.FingerPosition{biometric.RightThumb, biometric.RightIndex}, enr.Fingers)
	assert.Len(t, enr.Record.Helpers, 2)
	_, hasLow := enr.Record.Helpers[biometric.RightMiddle.String()]
	assert.False(t, hasLow)
}

func TestEnrollInsufficientMinutiae(t *testing.T) {
	svc := testService(t, ledger.NewMemoryIndex())

	captures := personCaptures(11, 80)
	captures[0].Minutiae = captures[0].Minutiae[:5]

	_, err := svc.Enroll(context.Background(), captures, "addr_test1alice")
	assert.ErrorIs(t, err, quantize.ErrInsufficientMinutiae)
}

// ============================================================================
// Verification
// ============================================================================

// enrollAndSubmit runs a full enrollment and lands the record on the
// index, returning the identifier.
func enrollAndSubmit(t *testing.T, index *ledger.MemoryIndex, captures []biometric.FingerTemplate) string {
	t.Helper()
	enr, err := testService(t, index).Enroll(context.Background(), captures, "addr_test1alice")
	require.NoError(t, err)
	submit(t, index, enr.Record, "tx-enroll")
	return enr.DID.String()
}

func TestVerifySameCaptures(t *testing.T) {
	index := ledger.NewMemoryIndex()
	captures := personCaptures(20, 80)
	identifier := enrollAndSubmit(t, index, captures)

	v, err := testService(t, index).Verify(context.Background(), captures, identifier)
	require.NoError(t, err)
	assert.Equal(t, identifier, v.DID)
	assert.Len(t, v.Fingers, 4)
}

func TestVerifyNoisyCaptures(t *testing.T) {
	index := ledger.NewMemoryIndex()
	captures := personCaptures(21, 80)
	identifier := enrollAndSubmit(t, index, captures)

	noisy := jitterCaptures(captures, 99)
	v, err := testService(t, index).Verify(context.Background(), noisy, identifier)
	require.NoError(t, err)
	assert.Equal(t, identifier, v.DID)
}

func TestVerifyWrongPerson(t *testing.T) {
	index := ledger.NewMemoryIndex()
	identifier := enrollAndSubmit(t, index, personCaptures(22, 80))

	impostor := personCaptures(23, 80)
	_, err := testService(t, index).Verify(context.Background(), impostor, identifier)
	assert.ErrorIs(t, err, ErrVerificationFailed)
	assert.ErrorIs(t, err, fuzzy.ErrExtractionFailed)
}

func TestVerifyMissingFinger(t *testing.T) {
	index := ledger.NewMemoryIndex()
	captures := personCaptures(24, 80)
	identifier := enrollAndSubmit(t, index, captures)

	_, err := testService(t, index).Verify(context.Background(), captures[:3], identifier)
	assert.ErrorIs(t, err, ErrMissingFinger)
}

func TestVerifyExtraCapturesIgnored(t *testing.T) {
	index := ledger.NewMemoryIndex()
	captures := personCaptures(25, 80)
	captures[3].Quality = 30 // stays out of the enrollment
	identifier := enrollAndSubmit(t, index, captures)

	v, err := testService(t, index).Verify(context.Background(), captures, identifier)
	require.NoError(t, err)
	assert.Len(t, v.Fingers, 3)
}

func TestVerifyUnknownIdentifier(t *testing.T) {
	svc := testService(t, ledger.NewMemoryIndex())

	_, err := svc.Verify(context.Background(), personCaptures(26, 80), "did:cardano:preprod:zUnknown")
	assert.ErrorIs(t, err, ErrNotEnrolled)
}

func TestVerifyRevokedRecord(t *testing.T) {
	index := ledger.NewMemoryIndex()
	captures := personCaptures(27, 80)

	enr, err := testService(t, index).Enroll(context.Background(), captures, "addr_test1alice")
	require.NoError(t, err)
	require.NoError(t, enr.Record.Revoke(enr.Record.EnrolledAt.Add(1)))
	submit(t, index, enr.Record, "tx-revoked")

	_, err = testService(t, index).Verify(context.Background(), captures, enr.DID.String())
	assert.ErrorIs(t, err, metadata.ErrRecordRevoked)
}

func TestVerifyCombinedHelperRecord(t *testing.T) {
	index := ledger.NewMemoryIndex()
	captures := personCaptures(28, 80)

	// A schema 1 record carries one combined payload instead of
	// per-finger helpers; the pipeline cannot replay it.
	enr, err := testService(t, index).Enroll(context.Background(), captures, "addr_test1alice")
	require.NoError(t, err)

	builder := metadata.NewBuilder(metadata.BuilderConfig{})
	legacy, err := builder.BuildLegacy(enr.DID.String(), "addr_test1alice",
		&metadata.HelperRef{Storage: metadata.StorageInline, Data: []byte{1, 2, 3}})
	require.NoError(t, err)
	submit(t, index, legacy, "tx-legacy")

	_, err = testService(t, index).Verify(context.Background(), captures, enr.DID.String())
	assert.ErrorIs(t, err, ErrCombinedHelper)
}

// ============================================================================
// Controller and revocation flows
// ============================================================================

func TestAddController(t *testing.T) {
	index := ledger.NewMemoryIndex()
	captures := personCaptures(30, 80)
	identifier := enrollAndSubmit(t, index, captures)

	rec, err := testService(t, index).AddController(context.Background(), captures, identifier, "addr_test1bob")
	require.NoError(t, err)
	assert.Equal(t, []string{"addr_test1alice", "addr_test1bob"}, rec.Controllers)
}

func TestAddControllerRejectsDuplicate(t *testing.T) {
	index := ledger.NewMemoryIndex()
	captures := personCaptures(35, 80)

	enr, err := testService(t, index).Enroll(context.Background(), captures, "addr_test1alice")
	require.NoError(t, err)
	require.NoError(t, enr.Record.AddController("addr_test1bob"))
	submit(t, index, enr.Record, "tx-two-controllers")

	_, err = testService(t, index).AddController(context.Background(), captures, enr.DID.String(), "addr_test1bob")
	assert.ErrorIs(t, err, metadata.ErrDuplicateController)
}

func TestAddControllerRequiresMatchingBiometric(t *testing.T) {
	index := ledger.NewMemoryIndex()
	identifier := enrollAndSubmit(t, index, personCaptures(31, 80))

	_, err := testService(t, index).AddController(
		context.Background(), personCaptures(32, 80), identifier, "addr_test1mallory")
	assert.ErrorIs(t, err, ErrVerificationFailed)
}

func TestRevoke(t *testing.T) {
	index := ledger.NewMemoryIndex()
	captures := personCaptures(33, 80)
	identifier := enrollAndSubmit(t, index, captures)

	rec, err := testService(t, index).Revoke(context.Background(), captures, identifier)
	require.NoError(t, err)
	assert.True(t, rec.Revoked)
	require.NotNil(t, rec.RevokedAt)
}

func TestResolve(t *testing.T) {
	index := ledger.NewMemoryIndex()
	identifier := enrollAndSubmit(t, index, personCaptures(34, 80))

	svc := testService(t, index)
	rec, err := svc.Resolve(context.Background(), identifier)
	require.NoError(t, err)
	assert.Equal(t, identifier, rec.DID)

	_, err = svc.Resolve(context.Background(), "did:cardano:preprod:zNobody")
	assert.ErrorIs(t, err, ErrNotEnrolled)
}

// ============================================================================
// Service construction and counters
// ============================================================================

func TestNewServiceRejects(t *testing.T) {
	index := ledger.NewMemoryIndex()
	det := testDetector(t, index)
	cfg := Config{
		Network: did.Preprod,
		Params:  quantize.DefaultParams(),
		Policy:  aggregate.DefaultPolicy(),
	}

	_, err := NewServiceWithLogger(det, helperstore.NewInline(), nil,
		Config{Network: "devnet", Params: cfg.Params, Policy: cfg.Policy}, quietLogger())
	assert.ErrorIs(t, err, did.ErrUnknownNetwork)

	_, err = NewServiceWithLogger(nil, helperstore.NewInline(), nil, cfg, quietLogger())
	assert.Error(t, err)

	_, err = NewServiceWithLogger(det, nil, nil, cfg, quietLogger())
	assert.Error(t, err)
}

func TestStats(t *testing.T) {
	index := ledger.NewMemoryIndex()
	captures := personCaptures(40, 80)

	svc := testService(t, index)
	enr, err := svc.Enroll(context.Background(), captures, "addr_test1alice")
	require.NoError(t, err)
	submit(t, index, enr.Record, "tx-enroll")

	_, err = svc.Verify(context.Background(), captures, enr.DID.String())
	require.NoError(t, err)

	_, err = svc.Verify(context.Background(), personCaptures(41, 80), enr.DID.String())
	require.Error(t, err)

	enrolled, duplicates, verified, failed := svc.Stats()
	assert.Equal(t, uint64(1), enrolled)
	assert.Equal(t, uint64(0), duplicates)
	assert.Equal(t, uint64(1), verified)
	assert.Equal(t, uint64(1), failed)
}

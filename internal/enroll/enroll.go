// Package enroll runs the end-to-end identity flows. Enrollment
// quantizes each captured finger, derives a key and helper data per
// finger, aggregates the keys into a commitment, mints the identifier,
// checks the ledger for an existing registration, stores helper data,
// and assembles the on-chain record. Verification replays the pipeline
// from a record's helper data and compares the rebuilt identifier
// against the claimed one.
//
// The crypto pipeline is synchronous and pure; only the duplicate
// check touches the network, through the injected detector.
//
// Raw templates, finger keys, and commitments stay inside a single
// call. Nothing in this package logs or persists them.
package enroll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/dactylid/dactylid/internal/dupcheck"
	"github.com/dactylid/dactylid/internal/helperstore"
	"github.com/dactylid/dactylid/internal/metadata"
	"github.com/dactylid/dactylid/pkg/aggregate"
	"github.com/dactylid/dactylid/pkg/biometric"
	"github.com/dactylid/dactylid/pkg/did"
	"github.com/dactylid/dactylid/pkg/fuzzy"
	"github.com/dactylid/dactylid/pkg/quantize"
)

var (
	// ErrVerificationFailed indicates the presented captures do not
	// reproduce the claimed identity.
	ErrVerificationFailed = errors.New("enroll: captures do not reproduce the claimed identity")

	// ErrNotEnrolled indicates no enrollment record exists for the
	// identifier.
	ErrNotEnrolled = errors.New("enroll: identifier has no enrollment record")

	// ErrMissingFinger indicates the verifier did not present a
	// capture for a finger that participated at enrollment.
	ErrMissingFinger = errors.New("enroll: capture missing for an enrolled finger")

	// ErrCombinedHelper indicates a schema 1 record whose single
	// combined helper predates per-finger recovery and cannot drive
	// the current verification pipeline.
	ErrCombinedHelper = errors.New("enroll: record carries a combined helper, which cannot be verified")
)

// Config carries the service's operating parameters.
type Config struct {
	// Network namespaces minted identifiers.
	Network did.Network

	// Params is the quantization grid used for new enrollments.
	// Verification reads the grid from each helper instead.
	Params quantize.Params

	// Policy is the finger quality ladder.
	Policy aggregate.Policy

	// WarnOnUnavailable lets enrollment proceed when the duplicate
	// check cannot reach the ledger. The default refuses, leaving
	// ledger consensus as the only remaining uniqueness arbiter.
	WarnOnUnavailable bool
}

// Validate checks the configuration for errors.
func (c Config) Validate() error {
	if !c.Network.Valid() {
		return fmt.Errorf("%w: %q", did.ErrUnknownNetwork, c.Network)
	}
	if err := c.Params.Validate(); err != nil {
		return err
	}
	return c.Policy.Validate()
}

// Enrollment is the outcome of a successful enrollment. The record is
// ready for ledger submission; signing and broadcast happen elsewhere.
type Enrollment struct {
	DID     did.DID
	Record  *metadata.EnrollmentRecord
	Rung    aggregate.Rung
	Fingers []biometric.FingerPosition
}

// Verification is the outcome of a successful identity check.
type Verification struct {
	DID     string
	Record  *metadata.EnrollmentRecord
	Fingers []biometric.FingerPosition
}

// Service composes the pipeline components. It is safe for concurrent
// use; the pipeline itself is stateless and the collaborators manage
// their own synchronization.
type Service struct {
	cfg      Config
	detector *dupcheck.Detector
	store    helperstore.Backend
	builder  *metadata.Builder
	logger   *slog.Logger

	enrolled        uint64
	duplicatesFound uint64
	verified        uint64
	verifyFailed    uint64
}

// NewService creates a service using the default logger.
func NewService(detector *dupcheck.Detector, store helperstore.Backend, builder *metadata.Builder, cfg Config) (*Service, error) {
	return NewServiceWithLogger(detector, store, builder, cfg, slog.Default())
}

// NewServiceWithLogger creates a service with an explicit logger. A
// nil builder gets a default one with the system clock and no
// deprecation hook.
func NewServiceWithLogger(detector *dupcheck.Detector, store helperstore.Backend, builder *metadata.Builder, cfg Config, logger *slog.Logger) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if detector == nil {
		return nil, errors.New("enroll: detector is required")
	}
	if store == nil {
		return nil, errors.New("enroll: helper store is required")
	}
	if builder == nil {
		builder = metadata.NewBuilder(metadata.BuilderConfig{})
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Service{
		cfg:      cfg,
		detector: detector,
		store:    store,
		builder:  builder,
		logger:   logger,
	}, nil
}

// fingerResult pairs one finger's aggregation input with the helper
// data that can later reproduce its key.
type fingerResult struct {
	input  aggregate.Input
	helper *fuzzy.HelperData
}

// Enroll runs the full enrollment pipeline for one person and returns
// the minted identifier with its assembled record. It does not submit
// anything to the ledger.
//
// When the identifier is already registered, the error is a
// *dupcheck.AlreadyRegisteredError carrying the existing record, so
// callers can offer adding the wallet as a controller instead.
func (s *Service) Enroll(ctx context.Context, captures []biometric.FingerTemplate, controller string) (*Enrollment, error) {
	if controller == "" {
		return nil, metadata.ErrNoControllers
	}

	fingers, err := s.deriveFingers(captures)
	if err != nil {
		return nil, err
	}

	inputs := make([]aggregate.Input, len(fingers))
	for i, f := range fingers {
		inputs[i] = f.input
	}
	commitment, rung, err := aggregate.Commit(inputs, s.cfg.Policy)
	if err != nil {
		return nil, err
	}

	id, err := did.Generate(commitment, s.cfg.Network)
	if err != nil {
		return nil, err
	}

	existing, err := s.checkDuplicate(ctx, id.String())
	if err != nil {
		return nil, err
	}
	if existing != nil {
		atomic.AddUint64(&s.duplicatesFound, 1)
		s.logger.Info("identifier already registered",
			"did", id.String(),
			"controllers", len(existing.Controllers),
			"revoked", existing.Revoked,
		)
		return nil, &dupcheck.AlreadyRegisteredError{Record: existing}
	}

	// Only fingers that met the satisfied rung's floor participated
	// in the commitment, so only their helpers are recorded.
	refs := make(map[string]metadata.HelperRef)
	var positions []biometric.FingerPosition
	for _, f := range fingers {
		if f.input.Quality < rung.MinQuality {
			continue
		}
		ref, err := s.storeHelper(ctx, f.helper)
		if err != nil {
			return nil, fmt.Errorf("store helper for %s: %w", f.input.Position, err)
		}
		refs[f.input.Position.String()] = ref
		positions = append(positions, f.input.Position)
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i] < positions[j] })

	record, err := s.builder.Build(id.String(), []string{controller}, refs)
	if err != nil {
		return nil, err
	}

	// The duplicate check just cached this identifier as absent. The
	// caller is about to submit the record, so drop that entry.
	s.detector.Invalidate(id.String())

	atomic.AddUint64(&s.enrolled, 1)
	s.logger.Info("enrollment complete",
		"did", id.String(),
		"schema", record.Schema,
		"fingers", len(positions),
		"min_quality", rung.MinQuality,
	)

	return &Enrollment{
		DID:     id,
		Record:  record,
		Rung:    rung,
		Fingers: positions,
	}, nil
}

// Verify checks fresh captures against the claimed identifier. Every
// finger that participated at enrollment must be presented; extra
// captures are ignored. The rebuilt commitment must reproduce the
// identifier exactly.
func (s *Service) Verify(ctx context.Context, captures []biometric.FingerTemplate, identifier string) (*Verification, error) {
	record, err := s.Resolve(ctx, identifier)
	if err != nil {
		return nil, err
	}
	if record.Revoked {
		return nil, fmt.Errorf("%w: %s", metadata.ErrRecordRevoked, identifier)
	}

	byPosition := make(map[biometric.FingerPosition]biometric.FingerTemplate, len(captures))
	for _, capture := range captures {
		byPosition[capture.Position] = capture
	}

	var inputs []aggregate.Input
	var positions []biometric.FingerPosition
	for key, ref := range record.Helpers {
		if key == metadata.CombinedKey {
			return nil, fmt.Errorf("%w: %s", ErrCombinedHelper, identifier)
		}
		pos, err := biometric.ParseFingerPosition(key)
		if err != nil {
			return nil, fmt.Errorf("record helper %q: %w", key, err)
		}

		capture, ok := byPosition[pos]
		if !ok {
			s.failVerify(identifier, "missing finger")
			return nil, fmt.Errorf("%w: %s", ErrMissingFinger, pos)
		}

		helper, err := s.resolveHelper(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("helper for %s: %w", pos, err)
		}

		tpl, err := quantize.Quantize(capture, helper.Params)
		if err != nil {
			return nil, fmt.Errorf("quantize %s: %w", pos, err)
		}

		key, err := fuzzy.Reproduce(tpl, helper)
		if err != nil {
			s.failVerify(identifier, "extraction failed")
			return nil, fmt.Errorf("%w: finger %s: %w", ErrVerificationFailed, pos, err)
		}

		inputs = append(inputs, aggregate.Input{
			Position: pos,
			Key:      key,
			Quality:  capture.Quality,
		})
		positions = append(positions, pos)
	}

	commitment, err := aggregate.CommitAll(inputs)
	if err != nil {
		return nil, err
	}

	if err := s.matchIdentifier(commitment, identifier); err != nil {
		s.failVerify(identifier, "commitment mismatch")
		return nil, err
	}

	sort.Slice(positions, func(i, j int) bool { return positions[i] < positions[j] })
	atomic.AddUint64(&s.verified, 1)
	s.logger.Info("verification passed", "did", identifier, "fingers", len(positions))

	return &Verification{
		DID:     identifier,
		Record:  record,
		Fingers: positions,
	}, nil
}

// Resolve fetches the enrollment record for an identifier.
func (s *Service) Resolve(ctx context.Context, identifier string) (*metadata.EnrollmentRecord, error) {
	record, err := s.detector.CheckExists(ctx, identifier)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", identifier, err)
	}
	if record == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotEnrolled, identifier)
	}
	return record, nil
}

// AddController verifies the person and adds a wallet to their
// record's controller set. The updated record is returned for ledger
// submission; the detector cache entry is dropped so the next read
// refetches.
func (s *Service) AddController(ctx context.Context, captures []biometric.FingerTemplate, identifier, address string) (*metadata.EnrollmentRecord, error) {
	v, err := s.Verify(ctx, captures, identifier)
	if err != nil {
		return nil, err
	}
	if err := v.Record.AddController(address); err != nil {
		return nil, err
	}
	s.detector.Invalidate(identifier)
	s.logger.Info("controller added", "did", identifier, "controllers", len(v.Record.Controllers))
	return v.Record, nil
}

// Revoke verifies the person and marks their record revoked. The
// transition is one way.
func (s *Service) Revoke(ctx context.Context, captures []biometric.FingerTemplate, identifier string) (*metadata.EnrollmentRecord, error) {
	v, err := s.Verify(ctx, captures, identifier)
	if err != nil {
		return nil, err
	}
	if err := v.Record.Revoke(time.Now()); err != nil {
		return nil, err
	}
	s.detector.Invalidate(identifier)
	s.logger.Info("enrollment revoked", "did", identifier)
	return v.Record, nil
}

// Stats returns the service's operation counters.
func (s *Service) Stats() (enrolled, duplicates, verified, failed uint64) {
	return atomic.LoadUint64(&s.enrolled),
		atomic.LoadUint64(&s.duplicatesFound),
		atomic.LoadUint64(&s.verified),
		atomic.LoadUint64(&s.verifyFailed)
}

// deriveFingers quantizes each capture and derives its key and helper
// data. Position uniqueness is left to the aggregator.
func (s *Service) deriveFingers(captures []biometric.FingerTemplate) ([]fingerResult, error) {
	results := make([]fingerResult, 0, len(captures))
	for _, capture := range captures {
		tpl, err := quantize.Quantize(capture, s.cfg.Params)
		if err != nil {
			return nil, fmt.Errorf("quantize %s: %w", capture.Position, err)
		}
		key, helper, err := fuzzy.Generate(tpl, s.cfg.Params, nil)
		if err != nil {
			return nil, fmt.Errorf("derive key for %s: %w", capture.Position, err)
		}
		results = append(results, fingerResult{
			input: aggregate.Input{
				Position: capture.Position,
				Key:      key,
				Quality:  capture.Quality,
			},
			helper: helper,
		})
	}
	return results, nil
}

// checkDuplicate consults the detector, applying the unavailability
// policy. It returns the existing record if one was found.
func (s *Service) checkDuplicate(ctx context.Context, identifier string) (*metadata.EnrollmentRecord, error) {
	record, err := s.detector.CheckExists(ctx, identifier)
	if err == nil {
		return record, nil
	}
	if s.cfg.WarnOnUnavailable && errors.Is(err, dupcheck.ErrUnavailable) {
		s.logger.Warn("duplicate check unavailable, proceeding with enrollment",
			"did", identifier, "error", err)
		return nil, nil
	}
	return nil, fmt.Errorf("duplicate check: %w", err)
}

// storeHelper persists helper data and translates the storage
// reference into its on-chain form.
func (s *Service) storeHelper(ctx context.Context, helper *fuzzy.HelperData) (metadata.HelperRef, error) {
	ref, err := s.store.Store(ctx, helper)
	if err != nil {
		return metadata.HelperRef{}, err
	}
	if ref.Scheme == helperstore.SchemeInline {
		data, err := helper.MarshalBinary()
		if err != nil {
			return metadata.HelperRef{}, err
		}
		return metadata.HelperRef{Storage: metadata.StorageInline, Data: data}, nil
	}
	return metadata.HelperRef{Storage: metadata.StorageExternal, URI: ref.String()}, nil
}

// resolveHelper loads helper data back from its on-chain reference.
func (s *Service) resolveHelper(ctx context.Context, ref metadata.HelperRef) (*fuzzy.HelperData, error) {
	switch ref.Storage {
	case metadata.StorageInline:
		var helper fuzzy.HelperData
		if err := helper.UnmarshalBinary(ref.Data); err != nil {
			return nil, err
		}
		return &helper, nil
	case metadata.StorageExternal:
		parsed, err := helperstore.ParseRef(ref.URI)
		if err != nil {
			return nil, err
		}
		return s.store.Retrieve(ctx, parsed)
	default:
		return nil, fmt.Errorf("%w: storage %q", metadata.ErrInvalidHelperRef, ref.Storage)
	}
}

// matchIdentifier checks a rebuilt commitment against either
// identifier format.
func (s *Service) matchIdentifier(c aggregate.Commitment, identifier string) error {
	if parsed, err := did.Parse(identifier); err == nil {
		regenerated, err := did.Generate(c, parsed.Network)
		if err != nil {
			return err
		}
		if regenerated.String() != identifier {
			return fmt.Errorf("%w: %s", ErrVerificationFailed, identifier)
		}
		return nil
	}

	if legacy, err := did.ParseLegacy(identifier); err == nil {
		if !legacy.Matches(c) {
			return fmt.Errorf("%w: %s", ErrVerificationFailed, identifier)
		}
		return nil
	}

	return fmt.Errorf("%w: unrecognized identifier %q", ErrVerificationFailed, identifier)
}

func (s *Service) failVerify(identifier, reason string) {
	atomic.AddUint64(&s.verifyFailed, 1)
	s.logger.Info("verification failed", "did", identifier, "reason", reason)
}

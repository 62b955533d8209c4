// Package metadata assembles and reads the enrollment records attached
// to ledger transactions.
//
// Two schema generations exist on chain. Version 1 records carry a
// single walletAddress and at most one helper payload; version 1.1
// records carry a controllers array, an enrollment timestamp,
// revocation state, and per-finger helper references. Both decode into
// one canonical EnrollmentRecord so the rest of the system never
// branches on schema age. Building a version 1 record for a new
// enrollment still works, for replaying old flows, but emits a
// structured deprecation notice through the builder's hook.
package metadata

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dactylid/dactylid/pkg/did"
)

// Schema versions as they appear in the version field on chain.
const (
	SchemaV1  = "1"
	SchemaV11 = "1.1"
)

// CombinedKey is the helper map key used when a record predates
// per-finger references and carries a single combined payload.
const CombinedKey = "combined"

var (
	// ErrNoControllers indicates a record built without any
	// controlling wallet.
	ErrNoControllers = errors.New("metadata: record needs at least one controller")

	// ErrInvalidHelperRef indicates a helper reference whose payload
	// does not match its storage mode.
	ErrInvalidHelperRef = errors.New("metadata: invalid helper reference")

	// ErrAlreadyRevoked indicates a second revocation attempt.
	ErrAlreadyRevoked = errors.New("metadata: record is already revoked")

	// ErrRecordRevoked indicates a mutation attempted on a revoked
	// record.
	ErrRecordRevoked = errors.New("metadata: record is revoked")

	// ErrUnknownSchema indicates a version field outside the known
	// generations.
	ErrUnknownSchema = errors.New("metadata: unknown schema version")

	// ErrMalformedRecord indicates on-chain metadata that does not
	// decode into a usable record.
	ErrMalformedRecord = errors.New("metadata: malformed record")

	// ErrDuplicateController indicates an address already present in
	// the controller set.
	ErrDuplicateController = errors.New("metadata: controller already present")
)

// HelperStorage tags where a helper payload lives.
type HelperStorage string

const (
	// StorageInline embeds the helper bytes in the record itself.
	StorageInline HelperStorage = "inline"

	// StorageExternal points at the helper through a URI.
	StorageExternal HelperStorage = "external"
)

// HelperRef is one helper payload as recorded on chain: either the
// bytes inline or a URI into external storage.
type HelperRef struct {
	Storage HelperStorage
	Data    []byte
	URI     string
}

// Validate checks that the payload matches the storage mode.
func (h HelperRef) Validate() error {
	switch h.Storage {
	case StorageInline:
		if len(h.Data) == 0 || h.URI != "" {
			return fmt.Errorf("%w: inline reference needs data and no uri", ErrInvalidHelperRef)
		}
	case StorageExternal:
		if h.URI == "" || len(h.Data) != 0 {
			return fmt.Errorf("%w: external reference needs a uri and no data", ErrInvalidHelperRef)
		}
	default:
		return fmt.Errorf("%w: storage %q", ErrInvalidHelperRef, h.Storage)
	}
	return nil
}

// EnrollmentRecord is the canonical in-memory shape of one enrollment,
// regardless of which schema generation carried it.
type EnrollmentRecord struct {
	DID         string
	Schema      string
	Controllers []string
	EnrolledAt  time.Time
	Revoked     bool
	RevokedAt   *time.Time
	IDHash      string
	Helpers     map[string]HelperRef
}

// AddController appends a wallet to the controller set. The set stays
// sorted and duplicate-free, and revoked records reject the change.
func (r *EnrollmentRecord) AddController(address string) error {
	if address == "" {
		return ErrNoControllers
	}
	if r.Revoked {
		return ErrRecordRevoked
	}
	for _, c := range r.Controllers {
		if c == address {
			return fmt.Errorf("%w: %s", ErrDuplicateController, address)
		}
	}
	r.Controllers = append(r.Controllers, address)
	sort.Strings(r.Controllers)
	return nil
}

// Revoke marks the record revoked at the given time. The transition is
// one way; a second call fails and the original timestamp stands.
func (r *EnrollmentRecord) Revoke(at time.Time) error {
	if r.Revoked {
		return ErrAlreadyRevoked
	}
	at = at.UTC().Truncate(time.Second)
	r.Revoked = true
	r.RevokedAt = &at
	return nil
}

// Controls reports whether the address is in the controller set.
func (r *EnrollmentRecord) Controls(address string) bool {
	for _, c := range r.Controllers {
		if c == address {
			return true
		}
	}
	return false
}

// DeprecationNotice is the structured signal emitted when a legacy
// schema is chosen for a new record.
type DeprecationNotice struct {
	Schema string
	DID    string
	Reason string
}

// BuilderConfig carries the builder's injectable collaborators. Zero
// values select time.Now and no deprecation hook.
type BuilderConfig struct {
	Clock         func() time.Time
	OnDeprecation func(DeprecationNotice)
}

// Builder produces enrollment records with validated invariants.
type Builder struct {
	clock         func() time.Time
	onDeprecation func(DeprecationNotice)
}

// NewBuilder creates a builder from the given configuration.
func NewBuilder(cfg BuilderConfig) *Builder {
	b := &Builder{
		clock:         cfg.Clock,
		onDeprecation: cfg.OnDeprecation,
	}
	if b.clock == nil {
		b.clock = time.Now
	}
	return b
}

// Build assembles a current-schema record: deduplicated sorted
// controllers, enrollment time fixed once, revocation cleared.
func (b *Builder) Build(identifier string, controllers []string, helpers map[string]HelperRef) (*EnrollmentRecord, error) {
	idHash, err := idHashOf(identifier)
	if err != nil {
		return nil, err
	}
	cleaned, err := cleanControllers(controllers)
	if err != nil {
		return nil, err
	}
	for key, h := range helpers {
		if err := h.Validate(); err != nil {
			return nil, fmt.Errorf("helper %q: %w", key, err)
		}
	}

	copied := make(map[string]HelperRef, len(helpers))
	for key, h := range helpers {
		copied[key] = h
	}

	return &EnrollmentRecord{
		DID:         identifier,
		Schema:      SchemaV11,
		Controllers: cleaned,
		EnrolledAt:  b.clock().UTC().Truncate(time.Second),
		IDHash:      idHash,
		Helpers:     copied,
	}, nil
}

// BuildLegacy assembles a version 1 record with a single wallet and an
// optional combined helper payload, and fires the deprecation hook.
func (b *Builder) BuildLegacy(identifier, wallet string, helper *HelperRef) (*EnrollmentRecord, error) {
	idHash, err := idHashOf(identifier)
	if err != nil {
		return nil, err
	}
	if wallet == "" {
		return nil, ErrNoControllers
	}

	helpers := map[string]HelperRef{}
	if helper != nil {
		if err := helper.Validate(); err != nil {
			return nil, err
		}
		helpers[CombinedKey] = *helper
	}

	if b.onDeprecation != nil {
		b.onDeprecation(DeprecationNotice{
			Schema: SchemaV1,
			DID:    identifier,
			Reason: "schema 1 limits a record to one controller; new enrollments should use schema 1.1",
		})
	}

	return &EnrollmentRecord{
		DID:         identifier,
		Schema:      SchemaV1,
		Controllers: []string{wallet},
		EnrolledAt:  b.clock().UTC().Truncate(time.Second),
		IDHash:      idHash,
		Helpers:     helpers,
	}, nil
}

// idHashOf extracts the hash component of either identifier format.
func idHashOf(identifier string) (string, error) {
	if d, err := did.Parse(identifier); err == nil {
		return d.ID, nil
	}
	if d, err := did.ParseLegacy(identifier); err == nil {
		return d.Digest, nil
	}
	return "", fmt.Errorf("%w: identifier %q", ErrMalformedRecord, identifier)
}

func cleanControllers(controllers []string) ([]string, error) {
	seen := make(map[string]bool, len(controllers))
	var cleaned []string
	for _, c := range controllers {
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		cleaned = append(cleaned, c)
	}
	if len(cleaned) == 0 {
		return nil, ErrNoControllers
	}
	sort.Strings(cleaned)
	return cleaned, nil
}

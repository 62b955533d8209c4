package metadata

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// On-chain JSON shapes. Version 1.1 is the current generation; version
// 1 is read for old records and written only through BuildLegacy.

type helperRefJSON struct {
	Storage string `json:"storage"`
	Data    []byte `json:"data,omitempty"`
	URI     string `json:"uri,omitempty"`
}

type biometricV11 struct {
	IDHash  string                   `json:"idHash"`
	Helpers map[string]helperRefJSON `json:"helpers,omitempty"`
}

type recordV11 struct {
	Version     json.Number  `json:"version"`
	DID         string       `json:"did"`
	Controllers []string     `json:"controllers"`
	EnrolledAt  time.Time    `json:"enrollmentTimestamp"`
	Revoked     bool         `json:"revoked"`
	RevokedAt   *time.Time   `json:"revokedAt"`
	Biometric   biometricV11 `json:"biometric"`
}

type biometricV1 struct {
	IDHash        string `json:"idHash"`
	HelperStorage string `json:"helperStorage,omitempty"`
	HelperData    []byte `json:"helperData,omitempty"`
	HelperURI     string `json:"helperUri,omitempty"`
}

type recordV1 struct {
	Version    json.Number  `json:"version"`
	DID        string       `json:"did"`
	Wallet     string       `json:"walletAddress"`
	EnrolledAt *time.Time   `json:"enrollmentTimestamp,omitempty"`
	Biometric  *biometricV1 `json:"biometric,omitempty"`
}

// Encode renders the record in the wire shape of its schema version.
func (r *EnrollmentRecord) Encode() ([]byte, error) {
	switch r.Schema {
	case SchemaV11:
		return r.encodeV11()
	case SchemaV1:
		return r.encodeV1()
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownSchema, r.Schema)
	}
}

func (r *EnrollmentRecord) encodeV11() ([]byte, error) {
	if len(r.Controllers) == 0 {
		return nil, ErrNoControllers
	}

	out := recordV11{
		Version:     json.Number(SchemaV11),
		DID:         r.DID,
		Controllers: r.Controllers,
		EnrolledAt:  r.EnrolledAt,
		Revoked:     r.Revoked,
		RevokedAt:   r.RevokedAt,
		Biometric:   biometricV11{IDHash: r.IDHash},
	}
	if len(r.Helpers) > 0 {
		out.Biometric.Helpers = make(map[string]helperRefJSON, len(r.Helpers))
		for key, h := range r.Helpers {
			if err := h.Validate(); err != nil {
				return nil, fmt.Errorf("helper %q: %w", key, err)
			}
			out.Biometric.Helpers[key] = helperRefJSON{
				Storage: string(h.Storage),
				Data:    h.Data,
				URI:     h.URI,
			}
		}
	}
	return json.Marshal(out)
}

func (r *EnrollmentRecord) encodeV1() ([]byte, error) {
	if len(r.Controllers) == 0 {
		return nil, ErrNoControllers
	}

	out := recordV1{
		Version:   json.Number(SchemaV1),
		DID:       r.DID,
		Wallet:    r.Controllers[0],
		Biometric: &biometricV1{IDHash: r.IDHash},
	}
	if !r.EnrolledAt.IsZero() {
		t := r.EnrolledAt
		out.EnrolledAt = &t
	}
	if h, ok := r.Helpers[CombinedKey]; ok {
		if err := h.Validate(); err != nil {
			return nil, err
		}
		out.Biometric.HelperStorage = string(h.Storage)
		out.Biometric.HelperData = h.Data
		out.Biometric.HelperURI = h.URI
	}
	return json.Marshal(out)
}

// Normalize decodes on-chain metadata of either schema generation into
// the canonical record shape.
func Normalize(raw []byte) (*EnrollmentRecord, error) {
	var envelope struct {
		Version json.Number `json:"version"`
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}

	switch envelope.Version.String() {
	case SchemaV1:
		return normalizeV1(raw)
	case SchemaV11:
		return normalizeV11(raw)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownSchema, envelope.Version.String())
	}
}

func normalizeV11(raw []byte) (*EnrollmentRecord, error) {
	var in recordV11
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	if in.DID == "" {
		return nil, fmt.Errorf("%w: missing did", ErrMalformedRecord)
	}
	cleaned, err := cleanControllers(in.Controllers)
	if err != nil {
		return nil, err
	}

	rec := &EnrollmentRecord{
		DID:         in.DID,
		Schema:      SchemaV11,
		Controllers: cleaned,
		EnrolledAt:  in.EnrolledAt.UTC(),
		Revoked:     in.Revoked,
		RevokedAt:   in.RevokedAt,
		IDHash:      in.Biometric.IDHash,
		Helpers:     map[string]HelperRef{},
	}
	for key, h := range in.Biometric.Helpers {
		ref := HelperRef{Storage: HelperStorage(h.Storage), Data: h.Data, URI: h.URI}
		if err := ref.Validate(); err != nil {
			return nil, fmt.Errorf("helper %q: %w", key, err)
		}
		rec.Helpers[key] = ref
	}
	return rec, nil
}

func normalizeV1(raw []byte) (*EnrollmentRecord, error) {
	var in recordV1
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	if in.DID == "" {
		return nil, fmt.Errorf("%w: missing did", ErrMalformedRecord)
	}
	if in.Wallet == "" {
		return nil, ErrNoControllers
	}

	rec := &EnrollmentRecord{
		DID:         in.DID,
		Schema:      SchemaV1,
		Controllers: []string{in.Wallet},
		Helpers:     map[string]HelperRef{},
	}
	if in.EnrolledAt != nil {
		rec.EnrolledAt = in.EnrolledAt.UTC()
	}
	if in.Biometric != nil {
		rec.IDHash = in.Biometric.IDHash
		if in.Biometric.HelperStorage != "" {
			ref := HelperRef{
				Storage: HelperStorage(in.Biometric.HelperStorage),
				Data:    in.Biometric.HelperData,
				URI:     in.Biometric.HelperURI,
			}
			if err := ref.Validate(); err != nil {
				return nil, err
			}
			rec.Helpers[CombinedKey] = ref
		}
	}
	return rec, nil
}

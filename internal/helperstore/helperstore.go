// Package helperstore persists helper data outside the enrollment
// record.
//
// Three backends cover the deployment spectrum: inline encodes the
// payload into the reference itself for records small enough to ride
// on chain, file writes content-addressed files under a directory, and
// cas keeps the payloads in an embedded Badger store. The backend is a
// closed set chosen by configuration; references are self-describing
// strings of the form scheme:value, so a record read back later knows
// where its payload lives.
package helperstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dactylid/dactylid/pkg/fuzzy"
)

// Scheme names a storage backend.
type Scheme string

const (
	// SchemeInline carries the payload inside the reference.
	SchemeInline Scheme = "inline"

	// SchemeFile stores payloads as content-addressed files.
	SchemeFile Scheme = "file"

	// SchemeCAS stores payloads in an embedded key-value store.
	SchemeCAS Scheme = "cas"
)

var (
	// ErrUnknownScheme indicates a scheme outside the closed set.
	ErrUnknownScheme = errors.New("helperstore: unknown storage scheme")

	// ErrInvalidRef indicates a reference that does not parse or was
	// handed to a backend of a different scheme.
	ErrInvalidRef = errors.New("helperstore: invalid reference")

	// ErrNotFound indicates the referenced payload is absent.
	ErrNotFound = errors.New("helperstore: helper data not found")

	// ErrCorrupted indicates a stored payload that no longer matches
	// its content address.
	ErrCorrupted = errors.New("helperstore: stored helper data is corrupted")
)

// Ref locates one stored helper payload.
type Ref struct {
	Scheme Scheme
	Value  string
}

// String renders the reference as scheme:value.
func (r Ref) String() string {
	return string(r.Scheme) + ":" + r.Value
}

// ParseRef splits a scheme:value reference string.
func ParseRef(s string) (Ref, error) {
	scheme, value, ok := strings.Cut(s, ":")
	if !ok || value == "" {
		return Ref{}, fmt.Errorf("%w: %q", ErrInvalidRef, s)
	}
	switch Scheme(scheme) {
	case SchemeInline, SchemeFile, SchemeCAS:
		return Ref{Scheme: Scheme(scheme), Value: value}, nil
	default:
		return Ref{}, fmt.Errorf("%w: %q", ErrUnknownScheme, scheme)
	}
}

// Backend stores and retrieves helper data. Implementations are safe
// for concurrent use.
type Backend interface {
	Store(ctx context.Context, helper *fuzzy.HelperData) (Ref, error)
	Retrieve(ctx context.Context, ref Ref) (*fuzzy.HelperData, error)
	Close() error
}

// Open creates the backend for a scheme. dir is required for the file
// and cas schemes and ignored for inline.
func Open(scheme Scheme, dir string) (Backend, error) {
	switch scheme {
	case SchemeInline:
		return NewInline(), nil
	case SchemeFile:
		return NewFileStore(dir)
	case SchemeCAS:
		return OpenCAS(dir)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownScheme, scheme)
	}
}

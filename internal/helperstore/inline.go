package helperstore

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/dactylid/dactylid/pkg/fuzzy"
)

// Inline is the backend for payloads small enough to travel inside
// the record itself; the reference value is the encoded payload.
type Inline struct{}

// NewInline creates the inline backend.
func NewInline() *Inline {
	return &Inline{}
}

// Store encodes the helper data into the returned reference.
func (*Inline) Store(ctx context.Context, helper *fuzzy.HelperData) (Ref, error) {
	if err := ctx.Err(); err != nil {
		return Ref{}, err
	}
	raw, err := helper.MarshalBinary()
	if err != nil {
		return Ref{}, err
	}
	return Ref{Scheme: SchemeInline, Value: base64.StdEncoding.EncodeToString(raw)}, nil
}

// Retrieve decodes the helper data carried by the reference.
func (*Inline) Retrieve(ctx context.Context, ref Ref) (*fuzzy.HelperData, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if ref.Scheme != SchemeInline {
		return nil, fmt.Errorf("%w: scheme %q not served by the inline store", ErrInvalidRef, ref.Scheme)
	}

	raw, err := base64.StdEncoding.DecodeString(ref.Value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRef, err)
	}

	var helper fuzzy.HelperData
	if err := helper.UnmarshalBinary(raw); err != nil {
		return nil, err
	}
	return &helper, nil
}

// Close is a no-op for the inline backend.
func (*Inline) Close() error {
	return nil
}

package helperstore

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v3"
	"golang.org/x/crypto/blake2b"

	"github.com/dactylid/dactylid/pkg/fuzzy"
)

// CAS keeps helper payloads in an embedded Badger store, keyed by
// their BLAKE2b-256 digest.
type CAS struct {
	db *badger.DB
}

// OpenCAS opens or creates the store under dir.
func OpenCAS(dir string) (*CAS, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: cas store needs a directory", ErrInvalidRef)
	}

	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open cas store: %w", err)
	}
	return &CAS{db: db}, nil
}

// Store writes the payload under its digest and returns the
// content-addressed reference.
func (s *CAS) Store(ctx context.Context, helper *fuzzy.HelperData) (Ref, error) {
	if err := ctx.Err(); err != nil {
		return Ref{}, err
	}
	raw, err := helper.MarshalBinary()
	if err != nil {
		return Ref{}, err
	}
	digest := blake2b.Sum256(raw)

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(digest[:], raw)
	})
	if err != nil {
		return Ref{}, fmt.Errorf("failed to store helper data: %w", err)
	}

	return Ref{Scheme: SchemeCAS, Value: hex.EncodeToString(digest[:])}, nil
}

// Retrieve loads a payload by its content address and verifies the
// digest before decoding.
func (s *CAS) Retrieve(ctx context.Context, ref Ref) (*fuzzy.HelperData, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if ref.Scheme != SchemeCAS {
		return nil, fmt.Errorf("%w: scheme %q not served by the cas store", ErrInvalidRef, ref.Scheme)
	}
	key, err := hex.DecodeString(ref.Value)
	if err != nil || len(key) != blake2b.Size256 {
		return nil, fmt.Errorf("%w: %q is not a content address", ErrInvalidRef, ref.Value)
	}

	var raw []byte
	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return nil, fmt.Errorf("failed to read helper data: %w", err)
	}

	got := blake2b.Sum256(raw)
	if hex.EncodeToString(got[:]) != ref.Value {
		return nil, fmt.Errorf("%w: %s", ErrCorrupted, ref)
	}

	var helper fuzzy.HelperData
	if err := helper.UnmarshalBinary(raw); err != nil {
		return nil, err
	}
	return &helper, nil
}

// Close releases the underlying store.
func (s *CAS) Close() error {
	return s.db.Close()
}

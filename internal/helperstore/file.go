package helperstore

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/blake2b"

	"github.com/dactylid/dactylid/pkg/fuzzy"
)

// FileStore keeps helper payloads as content-addressed files. The
// reference value is the BLAKE2b-256 digest of the payload, so storing
// the same helper twice lands on the same file and retrieval can
// verify integrity.
type FileStore struct {
	dir string
}

// NewFileStore creates a file backend rooted at dir, creating the
// directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: file store needs a directory", ErrInvalidRef)
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Store writes the helper payload atomically and returns its
// content-addressed reference. Storing an already-present payload is
// a no-op.
func (s *FileStore) Store(ctx context.Context, helper *fuzzy.HelperData) (Ref, error) {
	if err := ctx.Err(); err != nil {
		return Ref{}, err
	}
	raw, err := helper.MarshalBinary()
	if err != nil {
		return Ref{}, err
	}

	digest := blake2b.Sum256(raw)
	name := hex.EncodeToString(digest[:])
	path := filepath.Join(s.dir, name+".helper")

	if _, err := os.Stat(path); err == nil {
		return Ref{Scheme: SchemeFile, Value: name}, nil
	}

	// Atomic write: temp file in the same directory, sync, rename.
	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return Ref{}, fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := f.Write(raw); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return Ref{}, fmt.Errorf("failed to write helper data: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return Ref{}, fmt.Errorf("failed to sync file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return Ref{}, fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return Ref{}, fmt.Errorf("failed to rename temp file: %w", err)
	}

	return Ref{Scheme: SchemeFile, Value: name}, nil
}

// Retrieve reads a payload back by its content address and verifies
// the digest before decoding.
func (s *FileStore) Retrieve(ctx context.Context, ref Ref) (*fuzzy.HelperData, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if ref.Scheme != SchemeFile {
		return nil, fmt.Errorf("%w: scheme %q not served by the file store", ErrInvalidRef, ref.Scheme)
	}
	want, err := hex.DecodeString(ref.Value)
	if err != nil || len(want) != blake2b.Size256 {
		return nil, fmt.Errorf("%w: %q is not a content address", ErrInvalidRef, ref.Value)
	}

	raw, err := os.ReadFile(filepath.Join(s.dir, ref.Value+".helper"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
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

// Close is a no-op for the file backend.
func (*FileStore) Close() error {
	return nil
}

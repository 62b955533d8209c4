// Package did mints and parses the ledger-namespaced identifiers
// derived from biometric commitments.
//
// An identifier is a pure function of the aggregate commitment and the
// target network: the same person enrolling on the same network always
// receives byte-for-byte the same identifier, no matter which wallet
// or device performs the enrollment. That determinism is what makes
// duplicate detection possible at all, so Generate takes no randomness
// and reads no ambient state.
//
// A deprecated legacy format that mixed the controlling wallet into
// the identifier is still parsed and validated for records minted
// before the deterministic scheme, but never issued anew.
package did

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/blake2b"

	"github.com/dactylid/dactylid/pkg/aggregate"
)

// Method is the DID method name.
const Method = "cardano"

// RawSize is the length of the hash encoded into an identifier.
const RawSize = 32

var (
	// ErrUnknownNetwork indicates a network name outside the
	// supported set.
	ErrUnknownNetwork = errors.New("did: unknown network")

	// ErrInvalidDID indicates a string that does not parse as an
	// identifier of the expected format.
	ErrInvalidDID = errors.New("did: malformed identifier")
)

// Network is the ledger namespace an identifier is minted for.
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
	Preprod Network = "preprod"
)

// Valid reports whether the network is one of the supported names.
func (n Network) Valid() bool {
	switch n {
	case Mainnet, Testnet, Preprod:
		return true
	}
	return false
}

// ParseNetwork converts a configuration string into a Network.
func ParseNetwork(s string) (Network, error) {
	n := Network(s)
	if !n.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownNetwork, s)
	}
	return n, nil
}

// DID is a parsed identifier of the deterministic format
// did:cardano:<network>:<base58 hash>.
type DID struct {
	Network Network
	ID      string
}

// String renders the identifier in its canonical text form.
func (d DID) String() string {
	return "did:" + Method + ":" + string(d.Network) + ":" + d.ID
}

// Generate derives the identifier for a commitment on a network. It is
// deterministic and side-effect free.
func Generate(c aggregate.Commitment, network Network) (DID, error) {
	if !network.Valid() {
		return DID{}, fmt.Errorf("%w: %q", ErrUnknownNetwork, network)
	}

	buf := make([]byte, 0, aggregate.Size+len(network))
	buf = append(buf, c[:]...)
	buf = append(buf, network...)
	raw := blake2b.Sum256(buf)

	return DID{Network: network, ID: base58.Encode(raw[:])}, nil
}

// Parse validates and splits an identifier in the deterministic
// format. Legacy wallet-bound identifiers do not parse here; use
// ParseLegacy.
func Parse(s string) (DID, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 4 || parts[0] != "did" {
		return DID{}, fmt.Errorf("%w: %q", ErrInvalidDID, s)
	}
	if parts[1] != Method {
		return DID{}, fmt.Errorf("%w: method %q", ErrInvalidDID, parts[1])
	}

	network, err := ParseNetwork(parts[2])
	if err != nil {
		return DID{}, err
	}

	raw, err := base58.Decode(parts[3])
	if err != nil {
		return DID{}, fmt.Errorf("%w: %v", ErrInvalidDID, err)
	}
	if len(raw) != RawSize {
		return DID{}, fmt.Errorf("%w: payload is %d bytes, want %d", ErrInvalidDID, len(raw), RawSize)
	}

	return DID{Network: network, ID: parts[3]}, nil
}

// legacyDigestSize is the truncated hash length of the legacy format.
const legacyDigestSize = 20

// LegacyDID is the wallet-bound identifier format
// did:cardano:<wallet>#<hex digest>.
//
// Deprecated: the wallet address participates in the digest, so the
// same person enrolling from two wallets receives two identifiers,
// which defeats duplicate detection. Supported for reading records
// minted before the deterministic format only.
type LegacyDID struct {
	Wallet string
	Digest string
}

// String renders the legacy identifier in its canonical text form.
func (d LegacyDID) String() string {
	return "did:" + Method + ":" + d.Wallet + "#" + d.Digest
}

// GenerateLegacy recomputes a legacy identifier from its inputs.
//
// Deprecated: only for validating records that already carry a legacy
// identifier. New enrollments use Generate.
func GenerateLegacy(wallet string, c aggregate.Commitment) (LegacyDID, error) {
	if wallet == "" || strings.ContainsAny(wallet, ":#") {
		return LegacyDID{}, fmt.Errorf("%w: wallet %q", ErrInvalidDID, wallet)
	}

	buf := make([]byte, 0, len(wallet)+aggregate.Size)
	buf = append(buf, wallet...)
	buf = append(buf, c[:]...)
	sum := blake2b.Sum256(buf)

	return LegacyDID{
		Wallet: wallet,
		Digest: hex.EncodeToString(sum[:legacyDigestSize]),
	}, nil
}

// ParseLegacy validates and splits a legacy wallet-bound identifier.
func ParseLegacy(s string) (LegacyDID, error) {
	prefix := "did:" + Method + ":"
	if !strings.HasPrefix(s, prefix) {
		return LegacyDID{}, fmt.Errorf("%w: %q", ErrInvalidDID, s)
	}

	rest := s[len(prefix):]
	sep := strings.IndexByte(rest, '#')
	if sep <= 0 {
		return LegacyDID{}, fmt.Errorf("%w: missing wallet or digest in %q", ErrInvalidDID, s)
	}

	wallet, digest := rest[:sep], rest[sep+1:]
	if strings.ContainsRune(wallet, ':') {
		return LegacyDID{}, fmt.Errorf("%w: wallet %q", ErrInvalidDID, wallet)
	}
	raw, err := hex.DecodeString(digest)
	if err != nil {
		return LegacyDID{}, fmt.Errorf("%w: %v", ErrInvalidDID, err)
	}
	if len(raw) != legacyDigestSize {
		return LegacyDID{}, fmt.Errorf("%w: digest is %d bytes, want %d", ErrInvalidDID, len(raw), legacyDigestSize)
	}

	return LegacyDID{Wallet: wallet, Digest: digest}, nil
}

// Matches reports whether the legacy identifier was derived from the
// given commitment.
//
// Deprecated: exists to verify pre-deterministic records.
func (d LegacyDID) Matches(c aggregate.Commitment) bool {
	expected, err := GenerateLegacy(d.Wallet, c)
	if err != nil {
		return false
	}
	return expected.Digest == d.Digest
}

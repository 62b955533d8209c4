// Package wallet derives controller wallets and keeps them on disk in
// passphrase-encrypted keystores. A wallet here is only an identity
// that can control an enrollment record; transaction signing and
// submission happen outside this system.
package wallet

import (
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/blake2b"

	"github.com/dactylid/dactylid/pkg/did"
)

// ErrInvalidMnemonic is returned when an invalid BIP-39 mnemonic
// phrase is provided.
var ErrInvalidMnemonic = errors.New("wallet: invalid mnemonic phrase")

// Address header bytes for payment-key addresses: address type in the
// high nibble, network id in the low nibble.
const (
	headerMainnet = 0x61
	headerTestnet = 0x60
)

// Wallet is one controller identity: an Ed25519 key pair and the
// ledger address derived from it.
type Wallet struct {
	SigningKey ed25519.PrivateKey
	VerifyKey  ed25519.PublicKey
	Address    string
	Network    did.Network
}

// New generates a wallet with a fresh 24-word recovery mnemonic.
// The mnemonic is returned once and never stored in the clear.
func New(network did.Network) (*Wallet, string, error) {
	entropy, err := bip39.NewEntropy(256) // 24 words
	if err != nil {
		return nil, "", err
	}

	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return nil, "", err
	}

	w, err := FromMnemonic(mnemonic, network)
	if err != nil {
		return nil, "", err
	}
	return w, mnemonic, nil
}

// FromMnemonic recovers a wallet from its mnemonic. This is
// deterministic; the same mnemonic always produces the same wallet.
func FromMnemonic(mnemonic string, network did.Network) (*Wallet, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}
	if !network.Valid() {
		return nil, fmt.Errorf("%w: %q", did.ErrUnknownNetwork, network)
	}

	// Derive seed from mnemonic (no passphrase); first 32 bytes seed
	// the Ed25519 key.
	seed := bip39.NewSeed(mnemonic, "")
	signingKey := ed25519.NewKeyFromSeed(seed[:32])
	verifyKey := signingKey.Public().(ed25519.PublicKey)

	address, err := addressFor(verifyKey, network)
	if err != nil {
		return nil, err
	}

	return &Wallet{
		SigningKey: signingKey,
		VerifyKey:  verifyKey,
		Address:    address,
		Network:    network,
	}, nil
}

// addressFor builds the bech32 payment address: a header byte plus
// the BLAKE2b-224 hash of the verification key.
func addressFor(verifyKey ed25519.PublicKey, network did.Network) (string, error) {
	hasher, err := blake2b.New(28, nil)
	if err != nil {
		return "", err
	}
	hasher.Write(verifyKey)
	keyHash := hasher.Sum(nil)

	header := byte(headerTestnet)
	hrp := "addr_test"
	if network == did.Mainnet {
		header = headerMainnet
		hrp = "addr"
	}

	payload := append([]byte{header}, keyHash...)
	converted, err := bech32.ConvertBits(payload, 8, 5, true)
	if err != nil {
		return "", fmt.Errorf("wallet: encoding address: %w", err)
	}
	return bech32.Encode(hrp, converted)
}

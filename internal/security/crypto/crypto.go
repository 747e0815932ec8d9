// Package crypto provides the signing and hashing primitives the security
// core is built on: Ed25519 keypairs for signing audit entries, capability
// tokens and allowances, and BLAKE3 content hashes for the audit chain.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"lukechampine.com/blake3"
)

// ErrInvalidSignature is returned when a signature fails verification.
var ErrInvalidSignature = errors.New("crypto: invalid signature")

// KeyID is a short, deterministic identifier derived from a public key.
type KeyID string

// KeyPair is an Ed25519 signing key. The runtime holds exactly one of
// these for its own signing identity (§9 "global mutable state");
// individual capability issuers may hold their own.
type KeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// GenerateKeyPair creates a fresh Ed25519 keypair.
func GenerateKeyPair() (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("crypto: generate key: %w", err)
	}
	return KeyPair{Public: pub, Private: priv}, nil
}

// KeyPairFromSeed reconstructs a keypair from a 32-byte seed, so that a
// runtime key can be persisted and reloaded across process restarts.
func KeyPairFromSeed(seed []byte) (KeyPair, error) {
	if len(seed) != ed25519.SeedSize {
		return KeyPair{}, fmt.Errorf("crypto: seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return KeyPair{Public: priv.Public().(ed25519.PublicKey), Private: priv}, nil
}

// ID returns the deterministic key-id for this keypair: the first 16 hex
// characters of the BLAKE3 hash of the public key bytes.
func (k KeyPair) ID() KeyID {
	return KeyIDFromPublic(k.Public)
}

// KeyIDFromPublic derives a key-id from a bare public key, so verifiers
// that only hold the public half can compute the same id as the issuer.
func KeyIDFromPublic(pub ed25519.PublicKey) KeyID {
	h := blake3.Sum256(pub)
	return KeyID(hex.EncodeToString(h[:])[:16])
}

// Sign signs the canonical bytes of a message with the private key.
func (k KeyPair) Sign(canonical []byte) []byte {
	return ed25519.Sign(k.Private, canonical)
}

// Verify checks a signature against a public key and the canonical bytes
// it was produced over.
func Verify(pub ed25519.PublicKey, canonical, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, canonical, sig)
}

// ContentHash is a BLAKE3-256 digest of a canonical encoding.
type ContentHash [32]byte

// Zero is the all-zeros hash used as the genesis `previous_hash` of a
// session's audit chain (§4.6).
var Zero ContentHash

// Hash computes the content hash of canonical bytes.
func Hash(canonical []byte) ContentHash {
	return blake3.Sum256(canonical)
}

// IsZero reports whether this is the genesis hash.
func (h ContentHash) IsZero() bool {
	return h == Zero
}

// String renders the hash as lowercase hex.
func (h ContentHash) String() string {
	return hex.EncodeToString(h[:])
}

// ContentHashFromHex parses a hex-encoded hash, as stored under
// `chain_heads:{session_id}` (§6.1).
func ContentHashFromHex(s string) (ContentHash, error) {
	var h ContentHash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("crypto: decode hash: %w", err)
	}
	if len(b) != len(h) {
		return h, fmt.Errorf("crypto: hash must be %d bytes, got %d", len(h), len(b))
	}
	copy(h[:], b)
	return h, nil
}

// MarshalText implements encoding.TextMarshaler so ContentHash round-trips
// through JSON as a hex string.
func (h ContentHash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *ContentHash) UnmarshalText(text []byte) error {
	parsed, err := ContentHashFromHex(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

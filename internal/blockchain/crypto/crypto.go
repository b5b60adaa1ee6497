// Package crypto provides the Ed25519 signing and SHA-256 hashing primitives
// used everywhere a value needs a content hash or a signature. Every node
// must agree on the bytes being hashed or signed, so all of it funnels
// through the canon package's deterministic encoding.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/postchain/postchain/internal/blockchain/canon"
)

// PublicKeySize and SignatureSize mirror the spec's fixed wire sizes:
// accounts are identified by a 32-byte Ed25519 public key, and every signed
// transaction carries a 64-byte Ed25519 signature.
const (
	PublicKeySize  = ed25519.PublicKeySize  // 32
	PrivateKeySize = ed25519.PrivateKeySize // 64 (seed + public key)
	SignatureSize  = ed25519.SignatureSize  // 64
	HashSize       = sha256.Size            // 32
)

// ZeroHash is the hash value used to stand in for "no parent" when hashing
// the genesis block's header.
var ZeroHash Hash

// PublicKey identifies an account. It is the raw 32-byte Ed25519 public key.
type PublicKey [PublicKeySize]byte

// String returns the hex encoding of the public key, used as the canonical
// textual account identifier throughout logs, RPC payloads and the wire
// protocol.
func (pk PublicKey) String() string {
	return hex.EncodeToString(pk[:])
}

// IsZero reports whether pk is the zero value, i.e. an unset key field.
func (pk PublicKey) IsZero() bool {
	return pk == PublicKey{}
}

// ParsePublicKey decodes a hex-encoded 32-byte public key.
func ParsePublicKey(s string) (PublicKey, error) {
	var pk PublicKey
	b, err := hex.DecodeString(s)
	if err != nil {
		return pk, fmt.Errorf("invalid public key encoding: %w", err)
	}
	if len(b) != PublicKeySize {
		return pk, fmt.Errorf("invalid public key length, got %d, exp %d", len(b), PublicKeySize)
	}
	copy(pk[:], b)
	return pk, nil
}

// Hash is a 32-byte SHA-256 digest, used for both transaction content
// hashes and block hashes.
type Hash [HashSize]byte

// String returns the hex encoding of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether h is the zero hash.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// ParseHash decodes a hex-encoded 32-byte hash.
func ParseHash(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("invalid hash encoding: %w", err)
	}
	if len(b) != HashSize {
		return h, fmt.Errorf("invalid hash length, got %d, exp %d", len(b), HashSize)
	}
	copy(h[:], b)
	return h, nil
}

// Signature is a 64-byte Ed25519 signature.
type Signature [SignatureSize]byte

// String returns the hex encoding of the signature.
func (s Signature) String() string {
	return hex.EncodeToString(s[:])
}

// ParseSignature decodes a hex-encoded 64-byte signature, used to parse a
// signature field out of an RPC request body.
func ParseSignature(s string) (Signature, error) {
	var sig Signature
	b, err := hex.DecodeString(s)
	if err != nil {
		return sig, fmt.Errorf("invalid signature encoding: %w", err)
	}
	if len(b) != SignatureSize {
		return sig, fmt.Errorf("invalid signature length, got %d, exp %d", len(b), SignatureSize)
	}
	copy(sig[:], b)
	return sig, nil
}

// =============================================================================

// HashBytes returns the SHA-256 digest of raw bytes.
func HashBytes(b []byte) Hash {
	return sha256.Sum256(b)
}

// HashValue canonically serializes v and returns its SHA-256 digest. This
// is the single function consensus-critical hashing (transaction content
// hashes, block hashes) must go through.
func HashValue(v any) (Hash, error) {
	b, err := canon.Encode(v)
	if err != nil {
		return Hash{}, err
	}
	return HashBytes(b), nil
}

// KeyPair is a generated Ed25519 key pair held by a client or a miner.
type KeyPair struct {
	Public  PublicKey
	private ed25519.PrivateKey
}

// GenerateKeyPair creates a new random Ed25519 key pair.
func GenerateKeyPair() (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, err
	}

	var kp KeyPair
	copy(kp.Public[:], pub)
	kp.private = priv
	return kp, nil
}

// NewKeyPairFromSeed reconstructs a key pair from a 32-byte seed, the form
// a wallet persists to disk.
func NewKeyPairFromSeed(seed []byte) (KeyPair, error) {
	if len(seed) != ed25519.SeedSize {
		return KeyPair{}, fmt.Errorf("invalid seed length, got %d, exp %d", len(seed), ed25519.SeedSize)
	}

	priv := ed25519.NewKeyFromSeed(seed)
	var kp KeyPair
	copy(kp.Public[:], priv.Public().(ed25519.PublicKey))
	kp.private = priv
	return kp, nil
}

// Seed returns the 32-byte seed backing the private key, suitable for
// persisting to disk.
func (kp KeyPair) Seed() []byte {
	return kp.private.Seed()
}

// Sign signs the canonical encoding of v and returns the resulting
// signature. v must not include its own signature field: callers hash and
// sign the transaction with the signature field omitted, never set to null.
func (kp KeyPair) Sign(v any) (Signature, error) {
	data, err := canon.Encode(v)
	if err != nil {
		return Signature{}, err
	}

	var sig Signature
	copy(sig[:], ed25519.Sign(kp.private, data))
	return sig, nil
}

// Verify reports whether sig is a valid Ed25519 signature by pk over the
// canonical encoding of v.
func Verify(pk PublicKey, v any, sig Signature) (bool, error) {
	data, err := canon.Encode(v)
	if err != nil {
		return false, err
	}
	return ed25519.Verify(ed25519.PublicKey(pk[:]), data, sig[:]), nil
}

// ErrInvalidSignature describes a signature that does not verify against
// the claimed signer's public key. Verify and tx.Tx.VerifySignature report
// such a signature as false and do not return this error.
var ErrInvalidSignature = errors.New("crypto: invalid signature")

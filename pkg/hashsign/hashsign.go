// Package hashsign implements GrabNet's content hashing and identity signing
// primitives as specified in §4.A: BLAKE3 digests and Ed25519 keypair
// generation, signing, and verification.
package hashsign

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"

	"lukechampine.com/blake3"
)

// HashSize is the length in bytes of a BLAKE3 digest used throughout GrabNet
// as a content identifier.
const HashSize = 32

// Hash is a 32-byte BLAKE3 digest.
type Hash [HashSize]byte

// String returns the lowercase hex encoding of the hash.
func (h Hash) String() string {
	return fmt.Sprintf("%x", h[:])
}

// IsZero reports whether h is the zero hash.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// Sum computes the BLAKE3-256 digest of data.
func Sum(data []byte) Hash {
	var h Hash
	sum := blake3.Sum256(data)
	copy(h[:], sum[:])
	return h
}

// Hasher computes a BLAKE3-256 digest incrementally over a single-pass
// streaming write sequence. It is not safe for concurrent use.
type Hasher struct {
	h *blake3.Hasher
}

// NewHasher returns a Hasher ready to accept writes.
func NewHasher() *Hasher {
	return &Hasher{h: blake3.New(HashSize, nil)}
}

// Write implements io.Writer.
func (h *Hasher) Write(p []byte) (int, error) {
	return h.h.Write(p)
}

// Sum returns the digest of all bytes written so far without resetting
// the hasher's internal state.
func (h *Hasher) Sum() Hash {
	var out Hash
	copy(out[:], h.h.Sum(nil))
	return out
}

// HashReader streams r through a Hasher and returns the digest of its
// entire contents.
func HashReader(r io.Reader) (Hash, error) {
	h := NewHasher()
	if _, err := io.Copy(h, r); err != nil {
		return Hash{}, fmt.Errorf("hashsign: hash reader: %w", err)
	}
	return h.Sum(), nil
}

const (
	// PublicKeySize is the length in bytes of an Ed25519 public key.
	PublicKeySize = ed25519.PublicKeySize
	// SignatureSize is the length in bytes of an Ed25519 signature.
	SignatureSize = ed25519.SignatureSize
)

// PublicKey is an Ed25519 public key.
type PublicKey []byte

// PrivateKey is an Ed25519 private key (includes the public half).
type PrivateKey []byte

// Signature is an Ed25519 signature.
type Signature []byte

// GenerateKeypair creates a fresh Ed25519 keypair using the platform CSPRNG.
func GenerateKeypair() (PublicKey, PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("hashsign: generate keypair: %w", err)
	}
	return PublicKey(pub), PrivateKey(priv), nil
}

// Sign signs msg with priv.
func Sign(priv PrivateKey, msg []byte) Signature {
	return Signature(ed25519.Sign(ed25519.PrivateKey(priv), msg))
}

// Verify reports whether sig is a valid signature of msg under pub.
func Verify(pub PublicKey, msg []byte, sig Signature) bool {
	if len(pub) != PublicKeySize || len(sig) != SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), msg, []byte(sig))
}

// Package identity provides the cryptographic identity capability set
// consumed by the transport core: keypair generation, signing and
// signature validation, HKDF key derivation, and cryptographically
// secure randomness. Per spec, the identity module itself — including
// destination-hash derivation and link-key negotiation — is an external
// collaborator; this package exposes only the narrow capability surface
// the transport calls through (Sign/Verify for announces and IFAC,
// DeriveKeystream for IFAC masking, RandomBytes for nonces and tags).
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"fmt"
	"io"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

var (
	ErrInvalidPubKeySize  = errors.New("identity: invalid public key size")
	ErrInvalidPrivKeySize = errors.New("identity: invalid private key size")
	ErrInvalidSignature   = errors.New("identity: signature verification failed")
)

// KeyPair holds an Ed25519 identity key pair.
type KeyPair struct {
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
}

// Generate creates a new random Ed25519 key pair.
func Generate() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating key pair: %w", err)
	}
	return &KeyPair{PublicKey: pub, PrivateKey: priv}, nil
}

// FromPrivateKey reconstructs a KeyPair from a 64-byte Ed25519 private key.
func FromPrivateKey(privKey []byte) (*KeyPair, error) {
	if len(privKey) != ed25519.PrivateKeySize {
		return nil, ErrInvalidPrivKeySize
	}
	priv := make(ed25519.PrivateKey, ed25519.PrivateKeySize)
	copy(priv, privKey)
	pub := priv.Public().(ed25519.PublicKey)
	return &KeyPair{PublicKey: pub, PrivateKey: priv}, nil
}

// Sign signs an arbitrary message. Used both for announce signatures and
// for computing an interface's IFAC value (§4.1: ifac = sign(raw)).
func (kp *KeyPair) Sign(message []byte) []byte {
	return ed25519.Sign(kp.PrivateKey, message)
}

// Verify validates a signature against a public key. Returns
// ErrInvalidSignature rather than a bool so call sites can wrap it with
// context via %w, matching the rest of the codebase's error idiom.
func Verify(pubKey ed25519.PublicKey, message, sig []byte) error {
	if len(pubKey) != ed25519.PublicKeySize {
		return ErrInvalidPubKeySize
	}
	if !ed25519.Verify(pubKey, message, sig) {
		return ErrInvalidSignature
	}
	return nil
}

// RandomBytes returns n cryptographically secure random bytes. Used for
// announce random blobs, path-request tags, and tunnel synthesize nonces.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, fmt.Errorf("reading random bytes: %w", err)
	}
	return b, nil
}

// DeriveKeystream expands (salt, ikm) into a keystream of the requested
// length via HKDF-SHA256. This is the primitive behind IFAC masking
// (§4.1): the caller supplies ifac_key as salt and the computed IFAC
// value as ikm.
func DeriveKeystream(salt, ikm []byte, length int) ([]byte, error) {
	r := hkdf.New(sha256.New, ikm, salt, nil)
	out := make([]byte, length)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("deriving keystream: %w", err)
	}
	return out, nil
}

// ToX25519Public converts an Ed25519 public key to its X25519 (Montgomery)
// equivalent. Retained as part of the identity capability surface for ECDH
// use cases outside transport's direct call path (see core/identity's
// package doc and DESIGN.md).
func ToX25519Public(edPubKey []byte) ([]byte, error) {
	point, err := new(edwards25519.Point).SetBytes(edPubKey)
	if err != nil {
		return nil, fmt.Errorf("invalid Ed25519 public key: %w", err)
	}
	return point.BytesMontgomery(), nil
}

// ToX25519Private converts an Ed25519 private key to its X25519
// equivalent following RFC 8032's clamping procedure.
func ToX25519Private(edPrivKey ed25519.PrivateKey) ([]byte, error) {
	if len(edPrivKey) != ed25519.PrivateKeySize {
		return nil, ErrInvalidPrivKeySize
	}
	seed := edPrivKey.Seed()
	h := sha512.Sum512(seed)
	h[0] &= 248
	h[31] &= 127
	h[31] |= 64
	return h[:32], nil
}

// ECDH derives a shared secret from a local Ed25519 private key and a
// remote Ed25519 public key via X25519.
func ECDH(localPriv ed25519.PrivateKey, remotePub []byte) ([]byte, error) {
	if len(remotePub) != ed25519.PublicKeySize {
		return nil, ErrInvalidPubKeySize
	}
	xPriv, err := ToX25519Private(localPriv)
	if err != nil {
		return nil, fmt.Errorf("converting private key: %w", err)
	}
	xPub, err := ToX25519Public(remotePub)
	if err != nil {
		return nil, fmt.Errorf("converting public key: %w", err)
	}
	secret, err := curve25519.X25519(xPriv, xPub)
	if err != nil {
		return nil, fmt.Errorf("ECDH: %w", err)
	}
	return secret, nil
}

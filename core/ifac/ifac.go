// Package ifac implements Interface Access Code framing: per-interface
// optional obfuscation and authentication of on-wire packet bytes. An
// interface that carries an IFAC identity and key masks every packet it
// sends and unmasks (and authenticates) every packet it receives.
package ifac

import (
	"crypto/ed25519"
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/quillmesh/transport/core/codec"
	"github.com/quillmesh/transport/core/identity"
)

var (
	ErrTooShort      = errors.New("ifac: frame too short")
	ErrFlagNotSet    = errors.New("ifac: IFAC flag not set on masked frame")
	ErrMismatch      = errors.New("ifac: recomputed IFAC does not match")
	ErrInvalidConfig = errors.New("ifac: size must be positive and no larger than a signature")
)

// headerSize is the width of the unmasked header prefix (header byte + hops
// byte) that precedes the IFAC field on the wire.
const headerSize = 2

// Config configures a Framer. Identity and Key are shared out-of-band by
// every interface participant (a passphrase-derived keypair and salt, not a
// node's own transport identity) so that any member can both produce and
// verify the IFAC.
type Config struct {
	Identity *identity.KeyPair
	Key      []byte
	Size     int
}

// Framer masks and unmasks packets for one IFAC-protected interface.
type Framer struct {
	identity *identity.KeyPair
	key      []byte
	size     int
}

// New builds a Framer from cfg.
func New(cfg Config) (*Framer, error) {
	if cfg.Identity == nil {
		return nil, fmt.Errorf("%w: identity required", ErrInvalidConfig)
	}
	if cfg.Size <= 0 || cfg.Size > ed25519.SignatureSize {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidConfig, cfg.Size)
	}
	return &Framer{identity: cfg.Identity, key: cfg.Key, size: cfg.Size}, nil
}

// Mask signs raw, assembles header(2) ∥ ifac ∥ payload, and XORs the whole
// frame with a keystream derived from the IFAC value, leaving the IFAC
// bytes themselves untouched, then re-asserts the IFAC flag on byte 0.
func (f *Framer) Mask(raw []byte) ([]byte, error) {
	if len(raw) < headerSize {
		return nil, ErrTooShort
	}

	sig := f.identity.Sign(raw)
	ifacBytes := ifacFromSignature(sig, f.size)

	assembled := make([]byte, headerSize+f.size+len(raw)-headerSize)
	copy(assembled[:headerSize], raw[:headerSize])
	copy(assembled[headerSize:headerSize+f.size], ifacBytes)
	copy(assembled[headerSize+f.size:], raw[headerSize:])

	ks, err := identity.DeriveKeystream(f.key, ifacBytes, len(assembled))
	if err != nil {
		return nil, fmt.Errorf("deriving mask keystream: %w", err)
	}

	for i := range assembled {
		if i >= headerSize && i < headerSize+f.size {
			continue
		}
		assembled[i] ^= ks[i]
	}
	assembled[0] |= codec.IFACFlag

	return assembled, nil
}

// Unmask reverses Mask: it extracts the (unmasked) IFAC bytes, derives the
// same keystream, unmasks header and payload, clears the IFAC flag, then
// recomputes the expected IFAC over the cleaned bytes and accepts only on
// equality.
func (f *Framer) Unmask(masked []byte) ([]byte, error) {
	if len(masked) < headerSize+f.size {
		return nil, ErrTooShort
	}
	if masked[0]&codec.IFACFlag == 0 {
		return nil, ErrFlagNotSet
	}

	ifacBytes := make([]byte, f.size)
	copy(ifacBytes, masked[headerSize:headerSize+f.size])

	ks, err := identity.DeriveKeystream(f.key, ifacBytes, len(masked))
	if err != nil {
		return nil, fmt.Errorf("deriving unmask keystream: %w", err)
	}

	cleaned := make([]byte, len(masked))
	copy(cleaned, masked)
	for i := range cleaned {
		if i >= headerSize && i < headerSize+f.size {
			continue
		}
		cleaned[i] ^= ks[i]
	}
	cleaned[0] &^= codec.IFACFlag

	raw := make([]byte, len(cleaned)-f.size)
	copy(raw[:headerSize], cleaned[:headerSize])
	copy(raw[headerSize:], cleaned[headerSize+f.size:])

	expected := ifacFromSignature(f.identity.Sign(raw), f.size)
	if subtle.ConstantTimeCompare(expected, ifacBytes) != 1 {
		return nil, ErrMismatch
	}

	return raw, nil
}

// ifacFromSignature truncates a signature to its trailing size bytes, the
// IFAC value per §4.1.
func ifacFromSignature(sig []byte, size int) []byte {
	if size > len(sig) {
		size = len(sig)
	}
	return sig[len(sig)-size:]
}

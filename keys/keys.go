package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/tv42/zbase32"
)

const (
	// PublicKeySize is the length of an Ed25519 verification key.
	PublicKeySize = ed25519.PublicKeySize
	// SignatureSize is the length of a detached Ed25519 signature.
	SignatureSize = ed25519.SignatureSize
	// SeedSize is the length of the secret seed a KeyPair is derived from.
	SeedSize = ed25519.SeedSize
)

// ErrSignature should be returned when a payload fails signature
// verification under the claimed public key.
var ErrSignature = errors.New("signature verification failed")

// ErrKeyLength is returned for a public key that is not 32 bytes.
var ErrKeyLength = errors.New("public key must be 32 bytes")

// ErrKeyEncoding is returned for a key string that is not valid z-base-32.
var ErrKeyEncoding = errors.New("public key is not valid z-base-32")

// ErrSeedLength is returned for a secret seed that is not 32 bytes.
var ErrSeedLength = errors.New("secret seed must be 32 bytes")

// PublicKey is an Ed25519 verification key. It identifies the signer of a
// record set and doubles as the lookup target under which that signer's
// records are stored in the DHT.
type PublicKey struct {
	key ed25519.PublicKey
}

// PublicKeyFromBytes copies b into a PublicKey.
func PublicKeyFromBytes(b []byte) (PublicKey, error) {
	if len(b) != PublicKeySize {
		return PublicKey{}, fmt.Errorf("%w: got %d", ErrKeyLength, len(b))
	}
	key := make(ed25519.PublicKey, PublicKeySize)
	copy(key, b)
	return PublicKey{key: key}, nil
}

// PublicKeyFromString parses the z-base-32 text form of a public key.
func PublicKeyFromString(s string) (PublicKey, error) {
	b, err := zbase32.DecodeString(s)
	if err != nil {
		return PublicKey{}, ErrKeyEncoding
	}
	return PublicKeyFromBytes(b)
}

// Verify checks sig over message. It has no side effects and returns
// ErrSignature on mismatch.
func (p PublicKey) Verify(message, sig []byte) error {
	if len(sig) != SignatureSize || !ed25519.Verify(p.key, message, sig) {
		return ErrSignature
	}
	return nil
}

// Bytes returns a copy of the raw 32-byte key.
func (p PublicKey) Bytes() []byte {
	out := make([]byte, PublicKeySize)
	copy(out, p.key)
	return out
}

// String returns the z-base-32 text form of the key.
func (p PublicKey) String() string {
	return zbase32.EncodeToString(p.key)
}

func (p PublicKey) Equal(other PublicKey) bool {
	return p.key.Equal(other.key)
}

// KeyPair owns an Ed25519 secret key. The secret never leaves the struct;
// callers only get signatures and the derived PublicKey.
type KeyPair struct {
	secret ed25519.PrivateKey
}

// NewKeyPair generates a fresh random key pair.
func NewKeyPair() (*KeyPair, error) {
	_, secret, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &KeyPair{secret: secret}, nil
}

// KeyPairFromSeed derives the key pair for a 32-byte secret seed.
func KeyPairFromSeed(seed []byte) (*KeyPair, error) {
	if len(seed) != SeedSize {
		return nil, fmt.Errorf("%w: got %d", ErrSeedLength, len(seed))
	}
	return &KeyPair{secret: ed25519.NewKeyFromSeed(seed)}, nil
}

// Sign returns the deterministic Ed25519 signature over message.
func (k *KeyPair) Sign(message []byte) []byte {
	return ed25519.Sign(k.secret, message)
}

// PublicKey returns the verification key derived from the secret.
func (k *KeyPair) PublicKey() PublicKey {
	return PublicKey{key: k.secret.Public().(ed25519.PublicKey)}
}

// Seed returns a copy of the secret seed, for identity persistence.
func (k *KeyPair) Seed() []byte {
	return k.secret.Seed()
}

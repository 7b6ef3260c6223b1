package identity

import (
	"crypto/ed25519"
	"encoding/base64"
	"os"
	"strings"

	"github.com/libp2p/go-libp2p/core/crypto"

	"github.com/pkdns-network/pkdns/keys"
)

var IdentityFileName = "identity.key"

// GenIdentity generates a fresh key pair and its persistable text form, a
// base64 Ed25519 seed.
func GenIdentity() (*keys.KeyPair, string, error) {
	keypair, err := keys.NewKeyPair()
	if err != nil {
		return nil, "", err
	}
	return keypair, base64.StdEncoding.EncodeToString(keypair.Seed()), nil
}

// LoadIdentity parses the persisted text form back into a key pair.
func LoadIdentity(encoded string) (*keys.KeyPair, error) {
	seed, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, err
	}
	return keys.KeyPairFromSeed(seed)
}

// GenIdentityFile writes a new identity file; an existing one is loaded
// instead so re-running init never rotates the node identity.
func GenIdentityFile(filePath string) (*keys.KeyPair, error) {
	if _, err := os.Stat(filePath); err == nil {
		return LoadIdentityFile(filePath)
	}
	keypair, encoded, err := GenIdentity()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filePath, []byte(encoded), 0600); err != nil {
		return nil, err
	}
	return keypair, nil
}

func LoadIdentityFile(filePath string) (*keys.KeyPair, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	return LoadIdentity(string(data))
}

// Libp2pPrivKey converts the node identity into the host key type, so the
// peer ID is derived from the same Ed25519 key that signs packets.
func Libp2pPrivKey(keypair *keys.KeyPair) (crypto.PrivKey, error) {
	secret := ed25519.NewKeyFromSeed(keypair.Seed())
	return crypto.UnmarshalEd25519PrivateKey(secret)
}

package kadengine

import (
	"errors"

	record "github.com/libp2p/go-libp2p-record"
	"github.com/multiformats/go-base32"

	"github.com/pkdns-network/pkdns/keys"
)

// Namespace is the record namespace all signed packets live under.
const Namespace = "pkdns"

// ErrInvalidRecordKey is returned for record keys outside the pkdns
// namespace or whose key part does not decode to a public key.
var ErrInvalidRecordKey = errors.New("kadengine: invalid record key")

// RecordKey returns the routing key a public key's packet is stored under.
// The key part is base32 so the full key stays string-safe in datastores and
// logs.
func RecordKey(publicKey keys.PublicKey) string {
	return "/" + Namespace + "/" + base32.RawStdEncoding.EncodeToString(publicKey.Bytes())
}

// publicKeyFromRecordKey recovers the owner public key from a routing key.
func publicKeyFromRecordKey(fullKey string) (keys.PublicKey, error) {
	ns, key, err := record.SplitKey(fullKey)
	if err != nil || ns != Namespace {
		return keys.PublicKey{}, ErrInvalidRecordKey
	}
	raw, err := base32.RawStdEncoding.DecodeString(key)
	if err != nil {
		return keys.PublicKey{}, ErrInvalidRecordKey
	}
	publicKey, err := keys.PublicKeyFromBytes(raw)
	if err != nil {
		return keys.PublicKey{}, ErrInvalidRecordKey
	}
	return publicKey, nil
}

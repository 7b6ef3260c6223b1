package kadengine

import (
	"bytes"
	"encoding/binary"
	"errors"

	record "github.com/libp2p/go-libp2p-record"

	"github.com/pkdns-network/pkdns/packet"
)

var _ record.Validator = Validator{}

// Validator verifies and orders signed packet records. Validation rejects
// anything the owning public key did not sign; selection keeps the highest
// sequence number so replicas converge on the most recent publication no
// matter the arrival order.
type Validator struct{}

func (Validator) Validate(fullKey string, value []byte) error {
	publicKey, err := publicKeyFromRecordKey(fullKey)
	if err != nil {
		return err
	}
	if _, err := packet.ParseRelayPayload(publicKey, value); err != nil {
		return err
	}
	return nil
}

// Select picks the record with the highest sequence number; ties fall back
// to a byte comparison so concurrent equal-sequence publications still agree
// on one winner everywhere.
func (Validator) Select(fullKey string, vals [][]byte) (int, error) {
	switch len(vals) {
	case 0:
		return -1, errors.New("no usable records in given set")
	case 1:
		return 0, nil
	}
	best := 0
	for j := 1; j < len(vals); j++ {
		if compareWire(vals[best], vals[j]) < 0 {
			best = j
		}
	}
	return best, nil
}

func compareWire(a, b []byte) int {
	sa, sb := wireSequence(a), wireSequence(b)
	if sa != sb {
		if sa < sb {
			return -1
		}
		return 1
	}
	return bytes.Compare(a, b)
}

// wireSequence reads the big-endian sequence field; undersized values sort
// lowest so a valid record always beats a mangled one.
func wireSequence(v []byte) uint64 {
	if len(v) < 72 {
		return 0
	}
	return binary.BigEndian.Uint64(v[64:72])
}

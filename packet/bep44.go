package packet

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"time"

	"github.com/pkdns-network/pkdns/keys"
)

const (
	signatureLen = keys.SignatureSize
	sequenceLen  = 8
	headerLen    = signatureLen + sequenceLen
)

// Envelope is the BEP44 mutable item wire unit: a detached signature, a
// sequence number and the raw value bytes. The signature always covers the
// canonical signable encoding of (sequence, value).
type Envelope struct {
	signature [signatureLen]byte
	sequence  uint64
	value     []byte
}

// Signable returns the canonical byte string covered by the signature:
// the ASCII framing "3:seqi<sequence>e1:v<len(value)>:" immediately followed
// by the raw value. The network mandates this exact layout; it must be
// reproduced bit for bit to interoperate.
func Signable(sequence uint64, value []byte) []byte {
	head := "3:seqi" + strconv.FormatUint(sequence, 10) + "e1:v" + strconv.Itoa(len(value)) + ":"
	out := make([]byte, 0, len(head)+len(value))
	out = append(out, head...)
	out = append(out, value...)
	return out
}

// SequenceNow returns a publish-time sequence number: the wall clock in
// microseconds since the Unix epoch. Keeping the clock-derived sequence
// matches what other network participants publish.
func SequenceNow() uint64 {
	return uint64(time.Now().UnixMicro())
}

// newEnvelope signs value under keypair with a clock-derived sequence.
func newEnvelope(keypair *keys.KeyPair, value []byte) (*Envelope, error) {
	if len(value) > MaxValueSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrValueTooLarge, len(value))
	}
	e := &Envelope{sequence: SequenceNow(), value: value}
	copy(e.signature[:], keypair.Sign(Signable(e.sequence, value)))
	return e, nil
}

// ParseRelayPayload splits payload as signature(64) || sequence(8,
// big-endian) || value, rebuilds the canonical signable string and verifies
// it against publicKey. Malformed input is rejected before verification.
func ParseRelayPayload(publicKey keys.PublicKey, payload []byte) (*Envelope, error) {
	if len(payload) < signatureLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrSignatureTooShort, len(payload))
	}
	if len(payload) < headerLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrSequenceTooShort, len(payload)-signatureLen)
	}
	e := &Envelope{
		sequence: binary.BigEndian.Uint64(payload[signatureLen:headerLen]),
		value:    append([]byte(nil), payload[headerLen:]...),
	}
	copy(e.signature[:], payload[:signatureLen])

	if len(e.value) > MaxValueSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrValueTooLarge, len(e.value))
	}
	if err := publicKey.Verify(Signable(e.sequence, e.value), e.signature[:]); err != nil {
		return nil, err
	}
	return e, nil
}

// ToRelayPayload serializes the envelope to the wire format. It is the exact
// inverse of ParseRelayPayload and is used both for publish bodies and for
// answering fetches.
func (e *Envelope) ToRelayPayload() []byte {
	out := make([]byte, headerLen, headerLen+len(e.value))
	copy(out, e.signature[:])
	binary.BigEndian.PutUint64(out[signatureLen:], e.sequence)
	return append(out, e.value...)
}

func (e *Envelope) Sequence() uint64 {
	return e.sequence
}

// Value returns the raw value bytes. Callers must not modify them.
func (e *Envelope) Value() []byte {
	return e.value
}

func (e *Envelope) Signature() []byte {
	return e.signature[:]
}

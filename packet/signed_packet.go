package packet

import (
	"fmt"

	"github.com/miekg/dns"

	"github.com/pkdns-network/pkdns/keys"
)

// SignedPacket is a signed, versioned DNS record set owned by a public key.
// It is immutable once built; a later publication by the same key replaces
// it wholesale rather than mutating it.
type SignedPacket struct {
	publicKey keys.PublicKey
	envelope  *Envelope
}

// FromPacket signs the compressed wire form of msg under keypair, stamping
// it with a clock-derived sequence number.
func FromPacket(keypair *keys.KeyPair, msg *dns.Msg) (*SignedPacket, error) {
	msg.Compress = true
	value, err := msg.Pack()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRecordSet, err)
	}
	envelope, err := newEnvelope(keypair, value)
	if err != nil {
		return nil, err
	}
	return &SignedPacket{publicKey: keypair.PublicKey(), envelope: envelope}, nil
}

// FromRelayPayload parses and verifies wire bytes fetched for publicKey.
func FromRelayPayload(publicKey keys.PublicKey, payload []byte) (*SignedPacket, error) {
	envelope, err := ParseRelayPayload(publicKey, payload)
	if err != nil {
		return nil, err
	}
	return &SignedPacket{publicKey: publicKey, envelope: envelope}, nil
}

func (s *SignedPacket) PublicKey() keys.PublicKey {
	return s.publicKey
}

func (s *SignedPacket) Sequence() uint64 {
	return s.envelope.sequence
}

// Value returns the opaque record payload bytes.
func (s *SignedPacket) Value() []byte {
	return s.envelope.value
}

func (s *SignedPacket) Signature() []byte {
	return s.envelope.Signature()
}

func (s *SignedPacket) ToRelayPayload() []byte {
	return s.envelope.ToRelayPayload()
}

// MoreRecentThan reports whether s supersedes other under the per-key
// ordering rule: strictly greater sequence wins, equal sequences are
// duplicates.
func (s *SignedPacket) MoreRecentThan(other *SignedPacket) bool {
	return s.envelope.sequence > other.envelope.sequence
}

// Packet decodes the DNS record set carried in the value bytes.
func (s *SignedPacket) Packet() (*dns.Msg, error) {
	msg := new(dns.Msg)
	if err := msg.Unpack(s.envelope.value); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRecordSet, err)
	}
	return msg, nil
}

// MinRecordTTL returns the smallest TTL advertised by the packet's answer
// records, or 0 when the record set cannot be decoded or has no answers.
// Expiry computation clamps this into configured bounds, so 0 simply means
// "use the minimum".
func (s *SignedPacket) MinRecordTTL() uint32 {
	msg, err := s.Packet()
	if err != nil {
		Logger.Debugf("SignedPacket->MinRecordTTL: undecodable record set {key: %s}: %v", s.publicKey, err)
		return 0
	}
	var min uint32
	for i, rr := range msg.Answer {
		ttl := rr.Header().Ttl
		if i == 0 || ttl < min {
			min = ttl
		}
	}
	return min
}

func (s *SignedPacket) String() string {
	return fmt.Sprintf("SignedPacket{key: %s, seq: %d, value: %d bytes}",
		s.publicKey, s.envelope.sequence, len(s.envelope.value))
}

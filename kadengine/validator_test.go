package kadengine

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/pkdns-network/pkdns/keys"
	"github.com/pkdns-network/pkdns/packet"
)

func wireWithSeq(t *testing.T, keypair *keys.KeyPair, seq uint64, value []byte) []byte {
	t.Helper()
	sig := keypair.Sign(packet.Signable(seq, value))
	wire := make([]byte, 0, 72+len(value))
	wire = append(wire, sig...)
	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], seq)
	wire = append(wire, seqBuf[:]...)
	wire = append(wire, value...)
	return wire
}

func TestRecordKeyRoundtrip(t *testing.T) {
	keypair, err := keys.NewKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	fullKey := RecordKey(keypair.PublicKey())
	got, err := publicKeyFromRecordKey(fullKey)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(keypair.PublicKey()) {
		t.Fatal("record key does not round trip")
	}

	for _, bad := range []string{"", "/other/abc", "/pkdns/!!!!", "/pkdns/"} {
		if _, err := publicKeyFromRecordKey(bad); !errors.Is(err, ErrInvalidRecordKey) {
			t.Fatalf("expected ErrInvalidRecordKey for %q, got %v", bad, err)
		}
	}
}

func TestValidateAcceptsOwnedRecord(t *testing.T) {
	keypair, err := keys.NewKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	fullKey := RecordKey(keypair.PublicKey())
	wire := wireWithSeq(t, keypair, 7, []byte("record set"))

	if err := (Validator{}).Validate(fullKey, wire); err != nil {
		t.Fatal(err)
	}
}

func TestValidateRejectsForeignRecord(t *testing.T) {
	owner, err := keys.NewKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	intruder, err := keys.NewKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	// Signed by the intruder but stored under the owner's key.
	wire := wireWithSeq(t, intruder, 7, []byte("record set"))

	err = (Validator{}).Validate(RecordKey(owner.PublicKey()), wire)
	if !errors.Is(err, keys.ErrSignature) {
		t.Fatalf("expected signature failure, got %v", err)
	}
}

func TestValidateRejectsTruncatedRecord(t *testing.T) {
	keypair, err := keys.NewKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	fullKey := RecordKey(keypair.PublicKey())

	err = (Validator{}).Validate(fullKey, make([]byte, 40))
	if !errors.Is(err, packet.ErrSignatureTooShort) {
		t.Fatalf("expected ErrSignatureTooShort, got %v", err)
	}
	err = (Validator{}).Validate(fullKey, make([]byte, 70))
	if !errors.Is(err, packet.ErrSequenceTooShort) {
		t.Fatalf("expected ErrSequenceTooShort, got %v", err)
	}
}

func TestSelectHighestSequence(t *testing.T) {
	keypair, err := keys.NewKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	fullKey := RecordKey(keypair.PublicKey())

	older := wireWithSeq(t, keypair, 100, []byte("older"))
	newer := wireWithSeq(t, keypair, 200, []byte("newer"))

	i, err := (Validator{}).Select(fullKey, [][]byte{older, newer})
	if err != nil {
		t.Fatal(err)
	}
	if i != 1 {
		t.Fatalf("expected index 1 (seq 200), got %d", i)
	}
	i, err = (Validator{}).Select(fullKey, [][]byte{newer, older})
	if err != nil {
		t.Fatal(err)
	}
	if i != 0 {
		t.Fatalf("expected index 0 (seq 200), got %d", i)
	}
}

func TestSelectTieBreaksDeterministically(t *testing.T) {
	keypair, err := keys.NewKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	fullKey := RecordKey(keypair.PublicKey())

	a := wireWithSeq(t, keypair, 100, []byte("aaaa"))
	b := wireWithSeq(t, keypair, 100, []byte("bbbb"))

	ab, err := (Validator{}).Select(fullKey, [][]byte{a, b})
	if err != nil {
		t.Fatal(err)
	}
	ba, err := (Validator{}).Select(fullKey, [][]byte{b, a})
	if err != nil {
		t.Fatal(err)
	}
	// Either order must elect the same record.
	if string([][]byte{a, b}[ab]) != string([][]byte{b, a}[ba]) {
		t.Fatal("tie break depends on ordering")
	}
}

func TestSelectSingleAndEmpty(t *testing.T) {
	keypair, err := keys.NewKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	fullKey := RecordKey(keypair.PublicKey())

	i, err := (Validator{}).Select(fullKey, [][]byte{wireWithSeq(t, keypair, 1, nil)})
	if err != nil || i != 0 {
		t.Fatalf("single record must select index 0, got %d, %v", i, err)
	}
	if _, err := (Validator{}).Select(fullKey, nil); err == nil {
		t.Fatal("empty set must error")
	}
}

package resolver

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/miekg/dns"

	"github.com/pkdns-network/pkdns/cache"
	"github.com/pkdns-network/pkdns/dht"
	"github.com/pkdns-network/pkdns/keys"
	"github.com/pkdns-network/pkdns/packet"
)

type fakeEngine struct {
	mu        sync.Mutex
	lookups   []keys.PublicKey
	responses []*dht.GetMutableResponse
	defaults  []dht.RequestBody
	packets   map[string]*packet.SignedPacket
	lookupErr error

	gate chan struct{} // when non-nil, Lookup blocks on it after registering
	done chan struct{} // one send per finished Lookup
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		packets: make(map[string]*packet.SignedPacket),
		done:    make(chan struct{}, 16),
	}
}

func (e *fakeEngine) ID() []byte { return []byte("fake-responder-id") }

func (e *fakeEngine) Respond(to net.Addr, transactionID uint16, res *dht.GetMutableResponse) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.responses = append(e.responses, res)
}

func (e *fakeEngine) Lookup(ctx context.Context, target keys.PublicKey, resolvers []net.Addr) (*packet.SignedPacket, error) {
	e.mu.Lock()
	e.lookups = append(e.lookups, target)
	gate := e.gate
	p := e.packets[target.String()]
	err := e.lookupErr
	e.mu.Unlock()

	if gate != nil {
		<-gate
	}
	defer func() { e.done <- struct{}{} }()
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, errors.New("routing: not found")
	}
	return p, nil
}

func (e *fakeEngine) Put(ctx context.Context, p *packet.SignedPacket) error { return nil }

func (e *fakeEngine) HandleDefault(from net.Addr, transactionID uint16, body dht.RequestBody) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.defaults = append(e.defaults, body)
}

func (e *fakeEngine) lookupCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.lookups)
}

func (e *fakeEngine) responseCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.responses)
}

func (e *fakeEngine) waitDone(t *testing.T) {
	t.Helper()
	select {
	case <-e.done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for lookup completion")
	}
}

func packetWithSeq(t *testing.T, keypair *keys.KeyPair, seq uint64, ttl uint32) *packet.SignedPacket {
	t.Helper()
	rr, err := dns.NewRR("_svc.example. 30 IN TXT \"payload\"")
	if err != nil {
		t.Fatal(err)
	}
	rr.Header().Ttl = ttl
	msg := new(dns.Msg)
	msg.Answer = append(msg.Answer, rr)
	msg.Compress = true
	value, err := msg.Pack()
	if err != nil {
		t.Fatal(err)
	}

	sig := keypair.Sign(packet.Signable(seq, value))
	wire := make([]byte, 0, 72+len(value))
	wire = append(wire, sig...)
	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], seq)
	wire = append(wire, seqBuf[:]...)
	wire = append(wire, value...)

	p, err := packet.FromRelayPayload(keypair.PublicKey(), wire)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

type responderFixture struct {
	engine    *fakeEngine
	cache     *cache.MemoryCache
	limiter   *IPRateLimiter
	responder *Responder
	clock     *clock.Mock
}

func newResponderFixture(t *testing.T, limiterCfg RateLimiterConfig) *responderFixture {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Unix(1_700_000_000, 0))

	c, err := cache.NewMemoryCacheWithClock(100, mock)
	if err != nil {
		t.Fatal(err)
	}
	engine := newFakeEngine()
	limiter := NewIPRateLimiterWithClock(limiterCfg, mock)
	responder := NewResponderWithClock(engine, c, limiter, ResponderConfig{}, mock)

	t.Cleanup(func() {
		responder.Close()
		limiter.Close()
	})
	return &responderFixture{engine: engine, cache: c, limiter: limiter, responder: responder, clock: mock}
}

func from(ip string) net.Addr {
	return &net.UDPAddr{IP: net.ParseIP(ip), Port: 6881}
}

func getValue(target keys.PublicKey) *dht.GetValueRequest {
	return &dht.GetValueRequest{Target: target}
}

func TestServeFromCacheFresh(t *testing.T) {
	f := newResponderFixture(t, DefaultRateLimiterConfig())
	keypair, err := keys.NewKeyPair()
	if err != nil {
		t.Fatal(err)
	}

	f.cache.Put(packetWithSeq(t, keypair, 100, 300))
	f.responder.HandleRequest(from("203.0.113.1"), 1, getValue(keypair.PublicKey()))

	if f.engine.responseCount() != 1 {
		t.Fatalf("expected 1 response, got %d", f.engine.responseCount())
	}
	res := f.engine.responses[0]
	if res.Seq != 100 {
		t.Fatalf("expected seq 100, got %d", res.Seq)
	}
	if err := func() error {
		publicKey, err := keys.PublicKeyFromBytes(res.Key)
		if err != nil {
			return err
		}
		return publicKey.Verify(packet.Signable(res.Seq, res.Value), res.Signature)
	}(); err != nil {
		t.Fatalf("response must be self-verifying: %v", err)
	}

	// Fresh entry: no refresh must be queued.
	time.Sleep(50 * time.Millisecond)
	if f.engine.lookupCount() != 0 {
		t.Fatalf("fresh entry must not trigger a lookup, got %d", f.engine.lookupCount())
	}

	// The request is still handed to default handling.
	if len(f.engine.defaults) != 1 {
		t.Fatalf("expected 1 delegated request, got %d", len(f.engine.defaults))
	}
}

func TestPublishOverwriteScenario(t *testing.T) {
	f := newResponderFixture(t, DefaultRateLimiterConfig())
	keypair, err := keys.NewKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	target := keypair.PublicKey()

	f.cache.Put(packetWithSeq(t, keypair, 100, 300))
	f.responder.HandleRequest(from("203.0.113.1"), 1, getValue(target))

	if f.cache.Put(packetWithSeq(t, keypair, 99, 300)) {
		t.Fatal("stale publish must be dropped")
	}
	if !f.cache.Put(packetWithSeq(t, keypair, 150, 300)) {
		t.Fatal("newer publish must replace")
	}

	f.responder.HandleRequest(from("203.0.113.1"), 2, getValue(target))
	if f.engine.responseCount() != 2 {
		t.Fatalf("expected 2 responses, got %d", f.engine.responseCount())
	}
	if got := f.engine.responses[1].Seq; got != 150 {
		t.Fatalf("expected seq 150 in second response, got %d", got)
	}
}

func TestCacheMissTriggersOneLookup(t *testing.T) {
	f := newResponderFixture(t, DefaultRateLimiterConfig())
	keypair, err := keys.NewKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	target := keypair.PublicKey()

	f.engine.mu.Lock()
	f.engine.gate = make(chan struct{})
	f.engine.packets[target.String()] = packetWithSeq(t, keypair, 42, 300)
	f.engine.mu.Unlock()

	// Near-simultaneous requests for the same unseen target coalesce.
	f.responder.HandleRequest(from("203.0.113.1"), 1, getValue(target))
	f.responder.HandleRequest(from("203.0.113.2"), 2, getValue(target))

	// No cached answer exists, so nothing is emitted synchronously.
	if f.engine.responseCount() != 0 {
		t.Fatalf("expected no response on miss, got %d", f.engine.responseCount())
	}

	close(f.engine.gate)
	f.engine.waitDone(t)

	if f.engine.lookupCount() != 1 {
		t.Fatalf("expected exactly 1 lookup, got %d", f.engine.lookupCount())
	}

	// The completed lookup populates the cache for later requests.
	deadline := time.Now().Add(5 * time.Second)
	for f.cache.Get(target) == nil {
		if time.Now().After(deadline) {
			t.Fatal("cache never populated by refresh")
		}
		time.Sleep(time.Millisecond)
	}

	f.responder.HandleRequest(from("203.0.113.1"), 3, getValue(target))
	if f.engine.responseCount() != 1 {
		t.Fatalf("expected 1 response after hydration, got %d", f.engine.responseCount())
	}
	if got := f.engine.responses[0].Seq; got != 42 {
		t.Fatalf("expected seq 42, got %d", got)
	}
	// The entry is fresh now, so no further lookup is issued.
	time.Sleep(50 * time.Millisecond)
	if f.engine.lookupCount() != 1 {
		t.Fatalf("expected lookups to stay at 1, got %d", f.engine.lookupCount())
	}
}

func TestRateLimitedRefreshDropped(t *testing.T) {
	f := newResponderFixture(t, RateLimiterConfig{
		Enable: true, BurstSize: 1, PerSecond: 0.001, IdleAfter: time.Minute,
	})
	keyA, err := keys.NewKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	keyB, err := keys.NewKeyPair()
	if err != nil {
		t.Fatal(err)
	}

	f.responder.HandleRequest(from("203.0.113.1"), 1, getValue(keyA.PublicKey()))
	f.engine.waitDone(t)

	// Second refresh-triggering request from the same IP is dropped.
	f.responder.HandleRequest(from("203.0.113.1"), 2, getValue(keyB.PublicKey()))
	time.Sleep(50 * time.Millisecond)
	if f.engine.lookupCount() != 1 {
		t.Fatalf("expected rate limited refresh to be dropped, got %d lookups", f.engine.lookupCount())
	}

	// A distinct IP is unaffected.
	f.responder.HandleRequest(from("203.0.113.9"), 3, getValue(keyB.PublicKey()))
	f.engine.waitDone(t)
	if f.engine.lookupCount() != 2 {
		t.Fatalf("expected lookup from distinct IP, got %d lookups", f.engine.lookupCount())
	}

	// Every request was still delegated to default handling.
	if len(f.engine.defaults) != 3 {
		t.Fatalf("expected 3 delegated requests, got %d", len(f.engine.defaults))
	}
}

func TestExpiredEntryServedThenRefreshed(t *testing.T) {
	f := newResponderFixture(t, DefaultRateLimiterConfig())
	keypair, err := keys.NewKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	target := keypair.PublicKey()

	f.cache.Put(packetWithSeq(t, keypair, 100, 30))
	f.engine.mu.Lock()
	f.engine.packets[target.String()] = packetWithSeq(t, keypair, 200, 30)
	f.engine.mu.Unlock()

	f.clock.Add(31 * time.Second)
	f.responder.HandleRequest(from("203.0.113.1"), 1, getValue(target))

	// The stale answer is served immediately.
	if f.engine.responseCount() != 1 {
		t.Fatalf("expected stale entry to be served, got %d responses", f.engine.responseCount())
	}
	if got := f.engine.responses[0].Seq; got != 100 {
		t.Fatalf("expected stale seq 100, got %d", got)
	}

	// The refresh replaces it in the background.
	f.engine.waitDone(t)
	deadline := time.Now().Add(5 * time.Second)
	for f.cache.Get(target).Packet.Sequence() != 200 {
		if time.Now().After(deadline) {
			t.Fatal("refresh never replaced the stale entry")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestLookupFailureLeavesCacheUntouched(t *testing.T) {
	f := newResponderFixture(t, DefaultRateLimiterConfig())
	keypair, err := keys.NewKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	target := keypair.PublicKey()

	f.engine.mu.Lock()
	f.engine.lookupErr = errors.New("lookup failure")
	f.engine.mu.Unlock()

	f.responder.HandleRequest(from("203.0.113.1"), 1, getValue(target))
	f.engine.waitDone(t)

	if f.cache.Get(target) != nil {
		t.Fatal("failed lookup must not mutate the cache")
	}
	if f.engine.lookupCount() != 1 {
		t.Fatalf("failed lookup must not be retried, got %d lookups", f.engine.lookupCount())
	}
}

func TestNonGetValueDelegated(t *testing.T) {
	f := newResponderFixture(t, DefaultRateLimiterConfig())

	f.responder.HandleRequest(from("203.0.113.1"), 1, &dht.PingRequest{})
	f.responder.HandleRequest(from("203.0.113.1"), 2, &dht.FindNodeRequest{Target: []byte("node")})

	if f.engine.responseCount() != 0 {
		t.Fatal("non get-value requests must not be answered here")
	}
	time.Sleep(50 * time.Millisecond)
	if f.engine.lookupCount() != 0 {
		t.Fatal("non get-value requests must not trigger lookups")
	}
	if len(f.engine.defaults) != 2 {
		t.Fatalf("expected 2 delegated requests, got %d", len(f.engine.defaults))
	}
}

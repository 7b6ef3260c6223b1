package cache

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/pkdns-network/pkdns/keys"
	"github.com/pkdns-network/pkdns/packet"
)

// DefaultMaxSize bounds the in-memory cache when no size is configured.
const DefaultMaxSize = 1000

// Entry is a cached packet together with the time it was stored. An entry is
// replaced wholesale when a newer publication arrives, never mutated field
// by field, so the signature/sequence/payload triple stays consistent.
type Entry struct {
	Packet   *packet.SignedPacket
	StoredAt time.Time
}

// ExpiresIn reports the remaining seconds before the entry is due a refresh.
// The packet's smallest record TTL is clamped into [minTTL, maxTTL] and the
// time elapsed since StoredAt is subtracted; 0 means expired. Expired
// entries are still servable: freshness is the caller's tradeoff, not a
// correctness concern.
func (e *Entry) ExpiresIn(minTTL, maxTTL uint32, now time.Time) uint32 {
	ttl := e.Packet.MinRecordTTL()
	if ttl < minTTL {
		ttl = minTTL
	}
	if ttl > maxTTL {
		ttl = maxTTL
	}
	elapsed := now.Sub(e.StoredAt)
	if elapsed < 0 {
		elapsed = 0
	}
	if secs := uint64(elapsed / time.Second); secs < uint64(ttl) {
		return ttl - uint32(secs)
	}
	return 0
}

// Cache stores the most recent signed packet per public key. Put enforces
// the monotonic sequence rule, the sole consistency guard in the system;
// Get returns entries regardless of freshness.
type Cache interface {
	Get(publicKey keys.PublicKey) *Entry
	Put(p *packet.SignedPacket) bool
	Len() int
}

// MemoryCache is a bounded in-memory Cache with LRU reclamation.
type MemoryCache struct {
	mu    sync.Mutex
	lru   *lru.Cache[string, *Entry]
	clock clock.Clock
}

var _ Cache = (*MemoryCache)(nil)

func NewMemoryCache(maxSize int) (*MemoryCache, error) {
	return NewMemoryCacheWithClock(maxSize, clock.New())
}

func NewMemoryCacheWithClock(maxSize int, clk clock.Clock) (*MemoryCache, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	l, err := lru.New[string, *Entry](maxSize)
	if err != nil {
		return nil, err
	}
	return &MemoryCache{lru: l, clock: clk}, nil
}

func (c *MemoryCache) Get(publicKey keys.PublicKey) *Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.lru.Get(publicKey.String())
	if !ok {
		return nil
	}
	return entry
}

// Put stores p unless an entry with an equal or higher sequence already
// exists for the key. Stale and duplicate writes are dropped silently, which
// makes Put idempotent and order-independent under concurrent writers.
func (c *MemoryCache) Put(p *packet.SignedPacket) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := p.PublicKey().String()
	if existing, ok := c.lru.Get(key); ok && !p.MoreRecentThan(existing.Packet) {
		Logger.Debugf("MemoryCache->Put: dropping stale write {key: %s, seq: %d, have: %d}",
			key, p.Sequence(), existing.Packet.Sequence())
		return false
	}
	c.lru.Add(key, &Entry{Packet: p, StoredAt: c.clock.Now()})
	return true
}

func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

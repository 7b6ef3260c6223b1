package client

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/avast/retry-go"
	"github.com/benbjohnson/clock"

	"github.com/pkdns-network/pkdns/cache"
	"github.com/pkdns-network/pkdns/dht"
	"github.com/pkdns-network/pkdns/keys"
	"github.com/pkdns-network/pkdns/packet"
)

// ErrNotFound is returned by Resolve when neither the cache nor the network
// holds a packet for the key.
var ErrNotFound = errors.New("client: no signed packet found")

// Config tunes the publishing/resolving client.
type Config struct {
	MinimumTTL uint32
	MaximumTTL uint32
	// Resolvers, when set, are handed to the engine's lookup primitive.
	Resolvers []net.Addr
}

// Client publishes and resolves signed packets through a DHT engine, with a
// local cache in front. Resolve prefers a fresh cached answer over a network
// round trip; Publish writes through to both.
type Client struct {
	engine dht.Engine
	cache  cache.Cache
	cfg    Config
	clock  clock.Clock
}

func New(engine dht.Engine, c cache.Cache, cfg Config) *Client {
	return NewWithClock(engine, c, cfg, clock.New())
}

func NewWithClock(engine dht.Engine, c cache.Cache, cfg Config, clk clock.Clock) *Client {
	if cfg.MinimumTTL == 0 {
		cfg.MinimumTTL = packet.DefaultMinimumTTL
	}
	if cfg.MaximumTTL == 0 {
		cfg.MaximumTTL = packet.DefaultMaximumTTL
	}
	return &Client{engine: engine, cache: c, cfg: cfg, clock: clk}
}

// Publish stores p locally and announces it to the network. The local write
// happens first so the node answers for its own keys even while the network
// store is still in flight or failing.
func (c *Client) Publish(ctx context.Context, p *packet.SignedPacket) error {
	c.cache.Put(p)
	err := retry.Do(
		func() error {
			return c.engine.Put(ctx, p)
		},
		retry.Delay(500*time.Millisecond),
		retry.Attempts(3),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		Logger.Errorf("Client->Publish: network store failed {key: %s, seq: %d}: %v",
			p.PublicKey(), p.Sequence(), err)
		return err
	}
	Logger.Debugf("Client->Publish: stored {key: %s, seq: %d}", p.PublicKey(), p.Sequence())
	return nil
}

// Resolve returns the most recent signed packet known for publicKey. A fresh
// cache entry short-circuits the network; otherwise the engine is queried and
// the result written through the cache, which keeps the monotonic sequence
// rule in one place. When the network fails and a stale entry exists, the
// stale entry is returned.
func (c *Client) Resolve(ctx context.Context, publicKey keys.PublicKey) (*packet.SignedPacket, error) {
	entry := c.cache.Get(publicKey)
	if entry != nil && entry.ExpiresIn(c.cfg.MinimumTTL, c.cfg.MaximumTTL, c.clock.Now()) > 0 {
		Logger.Debugf("Client->Resolve: cache hit {key: %s, seq: %d}", publicKey, entry.Packet.Sequence())
		return entry.Packet, nil
	}

	p, err := c.engine.Lookup(ctx, publicKey, c.cfg.Resolvers)
	if err != nil || p == nil {
		if entry != nil {
			Logger.Debugf("Client->Resolve: lookup failed, serving stale entry {key: %s}: %v", publicKey, err)
			return entry.Packet, nil
		}
		if err != nil {
			Logger.Debugf("Client->Resolve: lookup failed {key: %s}: %v", publicKey, err)
			return nil, err
		}
		return nil, ErrNotFound
	}

	c.cache.Put(p)
	if latest := c.cache.Get(publicKey); latest != nil {
		return latest.Packet, nil
	}
	return p, nil
}

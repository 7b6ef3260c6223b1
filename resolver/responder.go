package resolver

import (
	"context"
	"net"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/jbenet/goprocess"

	"github.com/pkdns-network/pkdns/cache"
	"github.com/pkdns-network/pkdns/dht"
	"github.com/pkdns-network/pkdns/keys"
	"github.com/pkdns-network/pkdns/packet"
)

// DefaultRefreshWorkers bounds how many network lookups run concurrently.
const DefaultRefreshWorkers = 4

// refreshQueueSize bounds queued refresh targets; when the queue is full a
// refresh is dropped rather than blocking the dispatch loop.
const refreshQueueSize = 64

// ResponderConfig tunes the caching responder.
type ResponderConfig struct {
	MinimumTTL uint32
	MaximumTTL uint32
	// Resolvers, when set, are explicit addresses handed to the engine's
	// lookup primitive.
	Resolvers      []net.Addr
	RefreshWorkers int
}

// Responder serves get-value requests from the cache and opportunistically
// refreshes missing or expired entries from the network. The cached answer
// (when there is one) is always emitted before any refresh decision, and a
// refresh never blocks the dispatch loop: it is queued to a bounded worker
// pool, gated by the per-IP rate limiter. Every request, get-value included,
// is handed to the engine's default handling afterwards so the node keeps
// servicing routine DHT traffic.
type Responder struct {
	engine  dht.Engine
	cache   cache.Cache
	limiter *IPRateLimiter
	cfg     ResponderConfig
	clock   clock.Clock

	proc      goprocess.Process
	refreshCh chan keys.PublicKey

	mu       sync.Mutex
	inFlight map[string]struct{}
}

var _ dht.Handler = (*Responder)(nil)

func NewResponder(engine dht.Engine, c cache.Cache, limiter *IPRateLimiter, cfg ResponderConfig) *Responder {
	return NewResponderWithClock(engine, c, limiter, cfg, clock.New())
}

func NewResponderWithClock(engine dht.Engine, c cache.Cache, limiter *IPRateLimiter, cfg ResponderConfig, clk clock.Clock) *Responder {
	if cfg.MinimumTTL == 0 {
		cfg.MinimumTTL = packet.DefaultMinimumTTL
	}
	if cfg.MaximumTTL == 0 {
		cfg.MaximumTTL = packet.DefaultMaximumTTL
	}
	if cfg.RefreshWorkers <= 0 {
		cfg.RefreshWorkers = DefaultRefreshWorkers
	}
	r := &Responder{
		engine:    engine,
		cache:     c,
		limiter:   limiter,
		cfg:       cfg,
		clock:     clk,
		refreshCh: make(chan keys.PublicKey, refreshQueueSize),
		inFlight:  make(map[string]struct{}),
	}
	r.proc = goprocess.WithParent(goprocess.Background())
	for i := 0; i < cfg.RefreshWorkers; i++ {
		r.proc.Go(r.refreshWorker)
	}
	return r
}

// HandleRequest implements dht.Handler.
func (r *Responder) HandleRequest(from net.Addr, transactionID uint16, body dht.RequestBody) {
	if get, ok := body.(*dht.GetValueRequest); ok {
		r.handleGetValue(from, transactionID, get)
	}
	// Normal engine handling for every request kind, ours included.
	r.engine.HandleDefault(from, transactionID, body)
}

func (r *Responder) handleGetValue(from net.Addr, transactionID uint16, get *dht.GetValueRequest) {
	entry := r.cache.Get(get.Target)
	if entry != nil {
		// Serve what we have immediately, even when expired: the response
		// carries its own signature, so staleness costs freshness, never
		// correctness.
		Logger.Debugf("Responder->HandleRequest: cache hit {target: %s, seq: %d}",
			get.Target, entry.Packet.Sequence())
		r.engine.Respond(from, transactionID, responseForPacket(r.engine.ID(), entry.Packet))
	}

	expired := entry == nil ||
		entry.ExpiresIn(r.cfg.MinimumTTL, r.cfg.MaximumTTL, r.clock.Now()) == 0
	if !expired {
		return
	}

	if r.limiter.IsLimited(addrIP(from)) {
		Logger.Debugf("Responder->HandleRequest: rate limited, dropping refresh {from: %s}", from)
		return
	}
	if entry == nil {
		Logger.Debugf("Responder->HandleRequest: cache miss, querying the network {target: %s}", get.Target)
	} else {
		Logger.Debugf("Responder->HandleRequest: cache expired, querying the network {target: %s}", get.Target)
	}
	r.requestRefresh(get.Target)
}

// responseForPacket builds the reply for a cached packet. The token is a
// fixed placeholder: this node is most likely not among the closest to the
// target, so no store should be issued against this response.
func responseForPacket(responderID []byte, p *packet.SignedPacket) *dht.GetMutableResponse {
	return &dht.GetMutableResponse{
		ResponderID: responderID,
		Token:       []byte{0, 0, 0, 0},
		Value:       p.Value(),
		Key:         p.PublicKey().Bytes(),
		Seq:         p.Sequence(),
		Signature:   p.Signature(),
	}
}

// requestRefresh queues one asynchronous lookup for target. Concurrent
// requests for the same target coalesce into a single in-flight lookup;
// redundant completions would be harmless anyway under the monotonic cache
// write, this just avoids the extra traffic.
func (r *Responder) requestRefresh(target keys.PublicKey) {
	key := target.String()
	r.mu.Lock()
	if _, dup := r.inFlight[key]; dup {
		r.mu.Unlock()
		return
	}
	r.inFlight[key] = struct{}{}
	r.mu.Unlock()

	select {
	case r.refreshCh <- target:
	default:
		r.clearInFlight(key)
		Logger.Debugf("Responder->requestRefresh: queue full, dropping refresh {target: %s}", target)
	}
}

func (r *Responder) clearInFlight(key string) {
	r.mu.Lock()
	delete(r.inFlight, key)
	r.mu.Unlock()
}

func (r *Responder) refreshWorker(proc goprocess.Process) {
	for {
		select {
		case target := <-r.refreshCh:
			r.refresh(target)
		case <-proc.Closing():
			return
		}
	}
}

// refresh performs the fire-and-forget network lookup. Failures are logged
// only and never retried here: the requester already got the best
// synchronously available answer.
func (r *Responder) refresh(target keys.PublicKey) {
	defer r.clearInFlight(target.String())

	p, err := r.engine.Lookup(context.Background(), target, r.cfg.Resolvers)
	if err != nil {
		Logger.Debugf("Responder->refresh: lookup failed {target: %s}: %v", target, err)
		return
	}
	if p == nil {
		Logger.Debugf("Responder->refresh: no packet found {target: %s}", target)
		return
	}
	r.cache.Put(p)
}

func (r *Responder) Close() error {
	return r.proc.Close()
}

// addrIP extracts the source IP used for rate accounting.
func addrIP(addr net.Addr) net.IP {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return a.IP
	case *net.TCPAddr:
		return a.IP
	case *net.IPAddr:
		return a.IP
	}
	if addr == nil {
		return nil
	}
	if host, _, err := net.SplitHostPort(addr.String()); err == nil {
		return net.ParseIP(host)
	}
	return net.ParseIP(addr.String())
}

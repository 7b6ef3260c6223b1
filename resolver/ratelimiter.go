package resolver

import (
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/jbenet/goprocess"
	"github.com/juju/ratelimit"
)

// reclaimInterval is how often idle IP buckets are swept.
const reclaimInterval = time.Minute

// RateLimiterConfig bounds how often one source IP may trigger outbound
// network lookups.
type RateLimiterConfig struct {
	Enable bool
	// BurstSize requests are allowed at once; afterwards tokens refill at
	// PerSecond.
	BurstSize int64
	PerSecond float64
	// IdleAfter is how long an IP must stay quiet before its bucket is
	// reclaimed.
	IdleAfter time.Duration
}

func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		Enable:    true,
		BurstSize: 10,
		PerSecond: 2,
		IdleAfter: 5 * time.Minute,
	}
}

type ipBucket struct {
	bucket   *ratelimit.Bucket
	lastSeen time.Time
}

// IPRateLimiter keeps one token bucket per source IP and reclaims buckets
// that have been idle past the configured window, so memory stays bounded
// no matter how many apparent sources an adversary uses.
type IPRateLimiter struct {
	cfg   RateLimiterConfig
	clock clock.Clock
	proc  goprocess.Process

	mu      sync.Mutex
	buckets map[string]*ipBucket
}

func NewIPRateLimiter(cfg RateLimiterConfig) *IPRateLimiter {
	return NewIPRateLimiterWithClock(cfg, clock.New())
}

func NewIPRateLimiterWithClock(cfg RateLimiterConfig, clk clock.Clock) *IPRateLimiter {
	if cfg.IdleAfter <= 0 {
		cfg.IdleAfter = DefaultRateLimiterConfig().IdleAfter
	}
	l := &IPRateLimiter{
		cfg:     cfg,
		clock:   clk,
		buckets: make(map[string]*ipBucket),
	}
	l.proc = goprocess.Go(l.reclaimLoop)
	return l
}

// IsLimited consumes one token for ip and reports whether the allowance is
// exhausted. A disabled limiter, or a request whose source IP could not be
// determined, never limits.
func (l *IPRateLimiter) IsLimited(ip net.IP) bool {
	if !l.cfg.Enable || ip == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	key := ip.String()
	b, ok := l.buckets[key]
	if !ok {
		b = &ipBucket{bucket: ratelimit.NewBucketWithRate(l.cfg.PerSecond, l.cfg.BurstSize)}
		l.buckets[key] = b
	}
	b.lastSeen = l.clock.Now()
	return b.bucket.TakeAvailable(1) == 0
}

func (l *IPRateLimiter) reclaimLoop(proc goprocess.Process) {
	ticker := l.clock.Ticker(reclaimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.reclaim(l.clock.Now())
		case <-proc.Closing():
			return
		}
	}
}

func (l *IPRateLimiter) reclaim(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, b := range l.buckets {
		if now.Sub(b.lastSeen) >= l.cfg.IdleAfter {
			delete(l.buckets, key)
		}
	}
}

// Size reports how many IPs currently hold a bucket.
func (l *IPRateLimiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *IPRateLimiter) Close() error {
	return l.proc.Close()
}

// Package ratelimit guards the WebSocket upgrade endpoint against a
// connection flood: a global token bucket plus a per-IP bucket, both
// from golang.org/x/time/rate, with stale per-IP entries reaped on a
// timer so long-lived processes don't accumulate one bucket per
// client forever.
package ratelimit

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const ipTTL = 5 * time.Minute

type ipEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// Limiter is the upgrade-endpoint connection rate limiter.
type Limiter struct {
	globalLimiter *rate.Limiter

	mu  sync.Mutex
	ips map[string]*ipEntry

	perIPRate  rate.Limit
	perIPBurst int

	logger zerolog.Logger

	stop chan struct{}
}

// Config configures both rate-limiting tiers.
type Config struct {
	// GlobalPerSecond and GlobalBurst bound the whole instance's
	// upgrade rate.
	GlobalPerSecond float64
	GlobalBurst     int

	// PerIPPerSecond and PerIPBurst bound a single remote address.
	PerIPPerSecond float64
	PerIPBurst     int
}

// New builds a Limiter and starts its background reaper.
func New(cfg Config, logger zerolog.Logger) *Limiter {
	l := &Limiter{
		globalLimiter: rate.NewLimiter(rate.Limit(cfg.GlobalPerSecond), cfg.GlobalBurst),
		ips:           make(map[string]*ipEntry),
		perIPRate:     rate.Limit(cfg.PerIPPerSecond),
		perIPBurst:    cfg.PerIPBurst,
		logger:        logger,
		stop:          make(chan struct{}),
	}
	go l.reapLoop()
	return l
}

// Allow reports whether a new upgrade attempt from ip may proceed. The
// global bucket is checked first: an attempt refused by the global
// bucket spends no per-IP token, while an attempt refused by its
// per-IP bucket has already spent a global token.
func (l *Limiter) Allow(ip string) bool {
	if !l.globalLimiter.Allow() {
		return false
	}
	return l.ipLimiter(ip).Allow()
}

func (l *Limiter) ipLimiter(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.ips[ip]
	if !ok {
		entry = &ipEntry{limiter: rate.NewLimiter(l.perIPRate, l.perIPBurst)}
		l.ips[ip] = entry
	}
	entry.lastAccess = time.Now()
	return entry.limiter
}

func (l *Limiter) reapLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.reap()
		case <-l.stop:
			return
		}
	}
}

func (l *Limiter) reap() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	for ip, entry := range l.ips {
		if now.Sub(entry.lastAccess) > ipTTL {
			delete(l.ips, ip)
		}
	}
}

// Close stops the background reaper.
func (l *Limiter) Close() {
	close(l.stop)
}

// Package limits guards the connect path against floods. Message-level
// abuse is handled by the presence store's heartbeat rate limit.
package limits

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/adred-codev/presenced/internal/monitoring"
)

// ConnectionRateLimiter applies two token buckets to connection attempts:
// per-IP, so one client cannot flood reconnects, and global, so a
// distributed flood cannot exhaust the accept path.
type ConnectionRateLimiter struct {
	ipLimiters map[string]*ipLimiterEntry
	ipMu       sync.Mutex
	ipBurst    int
	ipRate     float64
	ipTTL      time.Duration

	globalLimiter *rate.Limiter

	logger zerolog.Logger

	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
}

type ipLimiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// Config holds connection rate limits. Zero values take the defaults.
type Config struct {
	IPBurst     int           // burst connections per IP (default 10)
	IPRate      float64       // sustained connections/sec per IP (default 1.0)
	IPTTL       time.Duration // drop idle IP entries after this (default 5m)
	GlobalBurst int           // burst connections fleet-wide (default 300)
	GlobalRate  float64       // sustained connections/sec fleet-wide (default 50)
}

func NewConnectionRateLimiter(cfg Config, logger zerolog.Logger) *ConnectionRateLimiter {
	if cfg.IPBurst == 0 {
		cfg.IPBurst = 10
	}
	if cfg.IPRate == 0 {
		cfg.IPRate = 1.0
	}
	if cfg.IPTTL == 0 {
		cfg.IPTTL = 5 * time.Minute
	}
	if cfg.GlobalBurst == 0 {
		cfg.GlobalBurst = 300
	}
	if cfg.GlobalRate == 0 {
		cfg.GlobalRate = 50.0
	}

	l := &ConnectionRateLimiter{
		ipLimiters:    make(map[string]*ipLimiterEntry),
		ipBurst:       cfg.IPBurst,
		ipRate:        cfg.IPRate,
		ipTTL:         cfg.IPTTL,
		globalLimiter: rate.NewLimiter(rate.Limit(cfg.GlobalRate), cfg.GlobalBurst),
		logger:        logger.With().Str("component", "conn_limiter").Logger(),
		stopCleanup:   make(chan struct{}),
	}

	l.cleanupTicker = time.NewTicker(time.Minute)
	go l.cleanupLoop()

	return l
}

// Allow reports whether a connection attempt from ip may proceed. The global
// bucket is checked first so a distributed flood fails fast without touching
// the IP map.
func (l *ConnectionRateLimiter) Allow(ip string) bool {
	if !l.globalLimiter.Allow() {
		l.logger.Debug().Str("ip", ip).Msg("connection rejected by global rate limit")
		monitoring.IncrementConnectionRejected("rate_limit_global")
		return false
	}

	if !l.ipLimiter(ip).Allow() {
		l.logger.Debug().Str("ip", ip).Msg("connection rejected by per-IP rate limit")
		monitoring.IncrementConnectionRejected("rate_limit_ip")
		return false
	}
	return true
}

func (l *ConnectionRateLimiter) ipLimiter(ip string) *rate.Limiter {
	l.ipMu.Lock()
	defer l.ipMu.Unlock()

	if entry, ok := l.ipLimiters[ip]; ok {
		entry.lastAccess = time.Now()
		return entry.limiter
	}

	entry := &ipLimiterEntry{
		limiter:    rate.NewLimiter(rate.Limit(l.ipRate), l.ipBurst),
		lastAccess: time.Now(),
	}
	l.ipLimiters[ip] = entry
	return entry.limiter
}

func (l *ConnectionRateLimiter) cleanupLoop() {
	for {
		select {
		case <-l.cleanupTicker.C:
			l.cleanup()
		case <-l.stopCleanup:
			l.cleanupTicker.Stop()
			return
		}
	}
}

// cleanup drops IP entries idle longer than ipTTL so the map does not grow
// with every address ever seen.
func (l *ConnectionRateLimiter) cleanup() {
	l.ipMu.Lock()
	defer l.ipMu.Unlock()

	now := time.Now()
	removed := 0
	for ip, entry := range l.ipLimiters {
		if now.Sub(entry.lastAccess) > l.ipTTL {
			delete(l.ipLimiters, ip)
			removed++
		}
	}
	if removed > 0 {
		l.logger.Debug().Int("removed", removed).Int("remaining", len(l.ipLimiters)).Msg("dropped idle IP limiters")
	}
}

func (l *ConnectionRateLimiter) Stop() {
	close(l.stopCleanup)
}

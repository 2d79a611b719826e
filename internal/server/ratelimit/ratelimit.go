// Package ratelimit throttles API clients with one token bucket per client, method
// and route scope. Render routes get a small budget since each call can occupy the GPU.
package ratelimit

import (
	"sync"
	"time"
)

const (
	defaultScope = "*"
	idleTTL      = time.Hour
)

// Info describes the outcome of one Allow call, for response headers.
type Info struct {
	Allowed    bool
	Scope      string // rule path that matched, or "*" for the default budget
	Limit      int
	Remaining  int
	ResetTime  time.Time
	RetryAfter time.Duration
}

// bucket holds fractional tokens that accrue at rate per second up to size.
type bucket struct {
	size   float64
	rate   float64
	tokens float64
	at     time.Time
}

func newBucket(size int, rate float64, now time.Time) *bucket {
	return &bucket{size: float64(size), rate: rate, tokens: float64(size), at: now}
}

// take accrues tokens up to now and spends one if available.
func (b *bucket) take(now time.Time) bool {
	b.tokens = min(b.size, b.tokens+now.Sub(b.at).Seconds()*b.rate)
	b.at = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// refilledAt is when the bucket will be full again.
func (b *bucket) refilledAt() time.Time {
	missing := b.size - b.tokens
	return b.at.Add(time.Duration(missing / b.rate * float64(time.Second)))
}

type slot struct {
	b    *bucket
	seen time.Time
}

// Limiter tracks buckets for every client it has seen recently. Buckets idle for an
// hour are swept.
type Limiter struct {
	cfg *Config
	now func() time.Time

	mu    sync.Mutex
	slots map[string]*slot

	stop     chan struct{}
	stopOnce sync.Once
}

// NewLimiter builds a limiter. A nil config allows 1000 requests a minute per client.
func NewLimiter(cfg *Config) *Limiter {
	if cfg == nil {
		cfg = &Config{Enabled: true, DefaultLimit: 1000, DefaultWindow: time.Minute, SweepInterval: 5 * time.Minute}
	}
	l := &Limiter{
		cfg:   cfg,
		now:   time.Now,
		slots: make(map[string]*slot),
		stop:  make(chan struct{}),
	}
	if cfg.Enabled && cfg.SweepInterval > 0 {
		go l.sweepEvery(cfg.SweepInterval)
	}
	return l
}

// Allow charges one request by client to method and path.
func (l *Limiter) Allow(client, path, method string) (bool, Info) {
	if !l.cfg.Enabled || l.cfg.Exempt[client] {
		return true, Info{Allowed: true}
	}
	if l.cfg.Blocked[client] {
		return false, Info{}
	}

	rule := l.cfg.match(method, path)
	if rule.Limit <= 0 {
		return true, Info{Allowed: true, Scope: rule.Path}
	}
	size := rule.Burst
	if size <= 0 {
		size = rule.Limit
	}
	rate := float64(rule.Limit) / rule.Window.Seconds()

	now := l.now()
	id := client + " " + method + " " + rule.Path

	l.mu.Lock()
	s, ok := l.slots[id]
	if !ok {
		s = &slot{b: newBucket(size, rate, now)}
		l.slots[id] = s
	}
	s.seen = now
	allowed := s.b.take(now)
	info := Info{
		Allowed:   allowed,
		Scope:     rule.Path,
		Limit:     rule.Limit,
		Remaining: int(s.b.tokens),
		ResetTime: s.b.refilledAt(),
	}
	l.mu.Unlock()

	if !allowed {
		// a single token is enough to retry
		info.RetryAfter = time.Duration(float64(time.Second) / rate)
	}
	return allowed, info
}

// Buckets returns the number of live buckets.
func (l *Limiter) Buckets() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}

func (l *Limiter) sweepEvery(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			l.sweep(l.now().Add(-idleTTL))
		case <-l.stop:
			return
		}
	}
}

func (l *Limiter) sweep(cutoff time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, s := range l.slots {
		if s.seen.Before(cutoff) {
			delete(l.slots, id)
		}
	}
}

// Stop ends the sweeper. It may be called more than once.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

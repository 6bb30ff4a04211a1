// Package ratelimit provides token buckets used to guard the websocket
// transport: one per connection for inbound frames and one per remote
// address for upgrade attempts.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter is a token bucket. A non-positive rate disables limiting.
type Limiter struct {
	rate       float64
	burst      int
	tokens     float64
	lastUpdate time.Time
	now        func() time.Time
	mu         sync.Mutex
}

func NewLimiter(rate float64, burst int) *Limiter {
	return newLimiter(rate, burst, time.Now)
}

func newLimiter(rate float64, burst int, now func() time.Time) *Limiter {
	return &Limiter{
		rate:       rate,
		burst:      burst,
		tokens:     float64(burst),
		lastUpdate: now(),
		now:        now,
	}
}

func (l *Limiter) Allow() bool {
	return l.AllowN(1)
}

func (l *Limiter) AllowN(n int) bool {
	if l.rate <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.refillLocked()
	if l.tokens >= float64(n) {
		l.tokens -= float64(n)
		return true
	}
	return false
}

// idle reports whether the bucket has refilled completely, meaning its owner
// has been quiet long enough to forget.
func (l *Limiter) idle() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refillLocked()
	return l.tokens >= float64(l.burst)
}

func (l *Limiter) refillLocked() {
	now := l.now()
	elapsed := now.Sub(l.lastUpdate).Seconds()
	l.lastUpdate = now

	l.tokens += elapsed * l.rate
	if l.tokens > float64(l.burst) {
		l.tokens = float64(l.burst)
	}
}

// KeyedLimiters hands out one Limiter per key, e.g. per remote address.
type KeyedLimiters struct {
	limiters        map[string]*Limiter
	rate            float64
	burst           int
	now             func() time.Time
	mu              sync.RWMutex
	cleanupInterval time.Duration
	stop            chan struct{}
	stopOnce        sync.Once
}

func NewKeyedLimiters(rate float64, burst int) *KeyedLimiters {
	kl := &KeyedLimiters{
		limiters:        make(map[string]*Limiter),
		rate:            rate,
		burst:           burst,
		now:             time.Now,
		cleanupInterval: 5 * time.Minute,
		stop:            make(chan struct{}),
	}
	go kl.cleanup()
	return kl
}

// Allow takes one token from key's bucket.
func (kl *KeyedLimiters) Allow(key string) bool {
	return kl.Get(key).Allow()
}

func (kl *KeyedLimiters) Get(key string) *Limiter {
	kl.mu.RLock()
	limiter, ok := kl.limiters[key]
	kl.mu.RUnlock()

	if ok {
		return limiter
	}

	kl.mu.Lock()
	defer kl.mu.Unlock()

	if limiter, ok := kl.limiters[key]; ok {
		return limiter
	}

	limiter = newLimiter(kl.rate, kl.burst, kl.now)
	kl.limiters[key] = limiter
	return limiter
}

func (kl *KeyedLimiters) Len() int {
	kl.mu.RLock()
	defer kl.mu.RUnlock()
	return len(kl.limiters)
}

func (kl *KeyedLimiters) Stop() {
	kl.stopOnce.Do(func() { close(kl.stop) })
}

func (kl *KeyedLimiters) cleanup() {
	ticker := time.NewTicker(kl.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-kl.stop:
			return
		case <-ticker.C:
			kl.prune()
		}
	}
}

// prune drops buckets that are full again.
func (kl *KeyedLimiters) prune() {
	kl.mu.Lock()
	defer kl.mu.Unlock()

	for key, l := range kl.limiters {
		if l.idle() {
			delete(kl.limiters, key)
		}
	}
}

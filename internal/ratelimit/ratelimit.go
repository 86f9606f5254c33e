package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Verdict is the outcome of checking one inbound frame.
type Verdict int

const (
	Allowed Verdict = iota
	// Dropped means the frame is over budget and should be ignored.
	Dropped
	// Exceeded means the sender ran out of tolerated violations.
	Exceeded
)

// Guard throttles a single connection and counts how often it went over.
type Guard struct {
	limiter       *rate.Limiter
	maxViolations int

	mu         sync.Mutex
	violations int
}

// NewGuard allows perSecond frames with the given burst. A maxViolations of
// zero never disconnects.
func NewGuard(perSecond float64, burst, maxViolations int) *Guard {
	return &Guard{
		limiter:       rate.NewLimiter(rate.Limit(perSecond), burst),
		maxViolations: maxViolations,
	}
}

func (g *Guard) Check() Verdict {
	if g.limiter.Allow() {
		return Allowed
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.violations++
	if g.maxViolations > 0 && g.violations > g.maxViolations {
		return Exceeded
	}
	return Dropped
}

func (g *Guard) Violations() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.violations
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// KeyedLimiters hands out one limiter per key (a client address for the HTTP
// API) and forgets keys that have been idle for a while.
type KeyedLimiters struct {
	limiters map[string]*entry
	limit    rate.Limit
	burst    int
	idle     time.Duration
	mu       sync.Mutex
	stop     chan struct{}
	stopOnce sync.Once
}

func NewKeyedLimiters(perSecond float64, burst int) *KeyedLimiters {
	kl := &KeyedLimiters{
		limiters: make(map[string]*entry),
		limit:    rate.Limit(perSecond),
		burst:    burst,
		idle:     5 * time.Minute,
		stop:     make(chan struct{}),
	}
	go kl.cleanup()
	return kl
}

func (kl *KeyedLimiters) Allow(key string) bool {
	kl.mu.Lock()
	e, ok := kl.limiters[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(kl.limit, kl.burst)}
		kl.limiters[key] = e
	}
	e.lastSeen = time.Now()
	kl.mu.Unlock()

	return e.limiter.Allow()
}

func (kl *KeyedLimiters) Len() int {
	kl.mu.Lock()
	defer kl.mu.Unlock()
	return len(kl.limiters)
}

func (kl *KeyedLimiters) Stop() {
	kl.stopOnce.Do(func() { close(kl.stop) })
}

func (kl *KeyedLimiters) cleanup() {
	ticker := time.NewTicker(kl.idle)
	defer ticker.Stop()

	for {
		select {
		case <-kl.stop:
			return
		case <-ticker.C:
			kl.sweep(time.Now().Add(-kl.idle))
		}
	}
}

func (kl *KeyedLimiters) sweep(cutoff time.Time) {
	kl.mu.Lock()
	defer kl.mu.Unlock()
	for key, e := range kl.limiters {
		if e.lastSeen.Before(cutoff) {
			delete(kl.limiters, key)
		}
	}
}

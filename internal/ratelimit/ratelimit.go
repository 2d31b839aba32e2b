package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// Limiter gates inbound connection accepts, globally and per key (the remote port).
// A zero rate disables the corresponding bucket.
type Limiter struct {
	mu      sync.Mutex
	global  *rate.Limiter
	perKey  map[string]*rate.Limiter
	keyRate float64
	burst   int
}

// New creates a limiter with the given per-second rates and shared burst size.
func New(globalRate, perKeyRate float64, burst int) *Limiter {
	if burst < 1 {
		burst = 1
	}
	l := &Limiter{
		perKey:  make(map[string]*rate.Limiter),
		keyRate: perKeyRate,
		burst:   burst,
	}
	if globalRate > 0 {
		l.global = rate.NewLimiter(rate.Limit(globalRate), burst)
	}
	return l
}

// Allow reports whether a new connection for key may proceed, consuming a token if so.
func (l *Limiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	if l.global != nil && !l.global.Allow() {
		return false
	}
	if l.keyRate <= 0 {
		return true
	}
	l.mu.Lock()
	bucket, ok := l.perKey[key]
	if !ok {
		bucket = rate.NewLimiter(rate.Limit(l.keyRate), l.burst)
		l.perKey[key] = bucket
	}
	l.mu.Unlock()
	return bucket.Allow()
}

// Forget drops the bucket for key, e.g. when its port registration is retired.
func (l *Limiter) Forget(key string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	delete(l.perKey, key)
	l.mu.Unlock()
}

// Retain removes buckets for keys that are no longer active.
func (l *Limiter) Retain(active map[string]bool) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for key := range l.perKey {
		if !active[key] {
			delete(l.perKey, key)
		}
	}
}

func (l *Limiter) keys() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.perKey)
}

package auth

import (
	"fmt"
	"sync"
	"time"
)

// RateLimiter implements rate limiting for authentication endpoints.
// Stale keys are swept in the background; when the table is full the key
// with the oldest activity is evicted.
type RateLimiter struct {
	mu         sync.Mutex
	attempts   map[string][]time.Time
	maxAge     time.Duration
	maxEntries int

	stop     chan struct{}
	stopOnce sync.Once
}

// NewRateLimiter creates a rate limiter and starts its cleanup loop. Call
// Stop to end it.
func NewRateLimiter(cleanupInterval, maxAge time.Duration, maxEntries int) *RateLimiter {
	rl := &RateLimiter{
		attempts:   make(map[string][]time.Time),
		maxAge:     maxAge,
		maxEntries: maxEntries,
		stop:       make(chan struct{}),
	}
	go rl.cleanupLoop(cleanupInterval)
	return rl
}

func (rl *RateLimiter) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			rl.Cleanup(rl.maxAge)
		}
	}
}

// Stop ends the cleanup loop. It is safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

// CheckLimit records an attempt for key and returns an error once more than
// maxAttempts fall within window.
func (rl *RateLimiter) CheckLimit(key string, maxAttempts int, window time.Duration) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	attempts, exists := rl.attempts[key]

	var recent []time.Time
	for _, t := range attempts {
		if now.Sub(t) < window {
			recent = append(recent, t)
		}
	}

	if len(recent) >= maxAttempts {
		rl.attempts[key] = recent
		return fmt.Errorf("too many attempts, try again in %v", window)
	}

	if !exists && rl.maxEntries > 0 && len(rl.attempts) >= rl.maxEntries {
		rl.evictOldest()
	}
	rl.attempts[key] = append(recent, now)
	return nil
}

// evictOldest must be called with rl.mu held.
func (rl *RateLimiter) evictOldest() {
	var (
		oldestKey string
		oldestAt  time.Time
	)
	for key, attempts := range rl.attempts {
		if len(attempts) == 0 {
			oldestKey = key
			break
		}
		last := attempts[len(attempts)-1]
		if oldestKey == "" || last.Before(oldestAt) {
			oldestKey, oldestAt = key, last
		}
	}
	delete(rl.attempts, oldestKey)
}

// ResetLimit clears the rate limit for a key
func (rl *RateLimiter) ResetLimit(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.attempts, key)
}

// Len returns the number of tracked keys.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.attempts)
}

// Cleanup removes old entries from the rate limiter
func (rl *RateLimiter) Cleanup(maxAge time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	for key, attempts := range rl.attempts {
		var recent []time.Time
		for _, t := range attempts {
			if now.Sub(t) < maxAge {
				recent = append(recent, t)
			}
		}

		if len(recent) == 0 {
			delete(rl.attempts, key)
		} else {
			rl.attempts[key] = recent
		}
	}
}

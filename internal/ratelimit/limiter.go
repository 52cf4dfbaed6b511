// Package ratelimit throttles requests per client with token buckets.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config defines the rate limiting configuration.
type Config struct {
	RPS             float64       // sustained requests per second per client
	Burst           int           // bucket size per client
	CleanupInterval time.Duration // how long a client may stay idle before its bucket is dropped
}

// DefaultConfig suits one agent driving a browser interactively.
var DefaultConfig = Config{
	RPS:             20,
	Burst:           40,
	CleanupInterval: 10 * time.Minute,
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// RateLimiter manages one token bucket per client key.
type RateLimiter struct {
	limiters map[string]*limiterEntry
	mu       sync.Mutex
	config   Config
	now      func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewRateLimiter creates a limiter and starts its cleanup goroutine.
// Non-positive values in config fall back to DefaultConfig.
func NewRateLimiter(config Config) *RateLimiter {
	if config.RPS <= 0 {
		config.RPS = DefaultConfig.RPS
	}
	if config.Burst <= 0 {
		config.Burst = DefaultConfig.Burst
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = DefaultConfig.CleanupInterval
	}
	rl := &RateLimiter{
		limiters: make(map[string]*limiterEntry),
		config:   config,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}

	rl.wg.Add(1)
	go rl.cleanupLoop()

	return rl
}

// Config returns the effective configuration.
func (rl *RateLimiter) Config() Config { return rl.config }

// Allow reports whether one more request from client is within limits.
func (rl *RateLimiter) Allow(client string) bool {
	return rl.GetLimiter(client).Allow()
}

// GetLimiter returns the bucket for client, creating it on first use.
func (rl *RateLimiter) GetLimiter(client string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if entry, ok := rl.limiters[client]; ok {
		entry.lastUsed = now
		return entry.limiter
	}
	limiter := rate.NewLimiter(rate.Limit(rl.config.RPS), rl.config.Burst)
	rl.limiters[client] = &limiterEntry{limiter: limiter, lastUsed: now}
	return limiter
}

// Cleanup drops buckets idle for longer than the cleanup interval.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-rl.config.CleanupInterval)
	for client, entry := range rl.limiters {
		if entry.lastUsed.Before(cutoff) {
			delete(rl.limiters, client)
		}
	}
}

func (rl *RateLimiter) cleanupLoop() {
	defer rl.wg.Done()

	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.Cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

// Stop ends the cleanup goroutine. Calling it more than once is safe.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
	rl.wg.Wait()
}

// Len returns the number of tracked clients.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}

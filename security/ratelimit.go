package security

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultCleanupInterval = 5 * time.Minute
	defaultEntryTTL        = 10 * time.Minute
)

type limiterEntry struct {
	limiter    *rate.Limiter
	lastAccess atomic.Int64
}

// KeyedLimiter applies a token bucket limit independently per key
// (API key, IP, tenant). Stale entries are evicted in the background.
type KeyedLimiter struct {
	mu      sync.RWMutex
	entries map[string]*limiterEntry

	limit rate.Limit
	burst int

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewKeyedLimiter allows `requests` events per `per` window for each
// key and starts the cleanup loop.
func NewKeyedLimiter(requests int, per time.Duration) *KeyedLimiter {
	kl := &KeyedLimiter{
		entries: make(map[string]*limiterEntry),
		limit:   rate.Limit(float64(requests) / per.Seconds()),
		burst:   requests,
		stopCh:  make(chan struct{}),
	}

	go kl.cleanupLoop()
	return kl
}

// Allow checks and consumes a token for the supplied key.
func (k *KeyedLimiter) Allow(key string) bool {
	entry := k.getOrCreateEntry(key)
	entry.lastAccess.Store(time.Now().UnixNano())
	return entry.limiter.Allow()
}

// Len returns the number of active keys.
func (k *KeyedLimiter) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.entries)
}

// Close stops the cleanup goroutine.
func (k *KeyedLimiter) Close() error {
	k.stopOnce.Do(func() {
		close(k.stopCh)
	})
	return nil
}

func (k *KeyedLimiter) getOrCreateEntry(key string) *limiterEntry {
	k.mu.RLock()
	entry, ok := k.entries[key]
	k.mu.RUnlock()
	if ok {
		return entry
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if entry, ok = k.entries[key]; ok {
		return entry
	}

	entry = &limiterEntry{limiter: rate.NewLimiter(k.limit, k.burst)}
	k.entries[key] = entry
	return entry
}

func (k *KeyedLimiter) cleanupLoop() {
	ticker := time.NewTicker(defaultCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-k.stopCh:
			return
		case <-ticker.C:
			k.evictStale()
		}
	}
}

func (k *KeyedLimiter) evictStale() {
	cutoff := time.Now().Add(-defaultEntryTTL).UnixNano()

	k.mu.Lock()
	defer k.mu.Unlock()
	for key, entry := range k.entries {
		if entry.lastAccess.Load() < cutoff {
			delete(k.entries, key)
		}
	}
}

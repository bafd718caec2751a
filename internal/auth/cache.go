package auth

import (
	"sync"
	"time"
)

// TokenCache holds the decrypted token set in memory so the store does not
// have to be read and decrypted on every call. A cached entry is reported
// absent once the token enters its refresh window: staleness is derived as
// token expiry minus the configured refresh lead.
//
// The cache never reads through to the store on its own. Only the Manager
// decides when a miss should consult persistence.
type TokenCache struct {
	mu      sync.RWMutex
	token   *TokenSet
	staleAt time.Time
	lead    time.Duration
}

// NewTokenCache creates a cache whose entries go stale lead before the token's
// hard expiry.
func NewTokenCache(lead time.Duration) *TokenCache {
	return &TokenCache{lead: lead}
}

// Get returns the cached token set, or ok=false when nothing is cached or the
// entry has entered its refresh window. The returned value is a copy.
func (c *TokenCache) Get() (*TokenSet, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.token == nil {
		return nil, false
	}
	if !c.staleAt.After(time.Now()) {
		return nil, false
	}
	return c.token.Clone(), true
}

// Peek returns the cached token set regardless of staleness, or ok=false when
// nothing is cached at all. Used for scope inspection where an expired token
// still tells us what the user has granted.
func (c *TokenCache) Peek() (*TokenSet, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.token == nil {
		return nil, false
	}
	return c.token.Clone(), true
}

// Set replaces the cached token set. Replacement is atomic from the
// perspective of Get: readers observe either the old or the new set, never a
// mix.
func (c *TokenCache) Set(token *TokenSet) {
	if token == nil {
		c.Invalidate()
		return
	}
	clone := token.Clone()
	c.mu.Lock()
	c.token = clone
	c.staleAt = clone.Expiry.Add(-c.lead)
	c.mu.Unlock()
}

// Invalidate drops the cached entry.
func (c *TokenCache) Invalidate() {
	c.mu.Lock()
	c.token = nil
	c.staleAt = time.Time{}
	c.mu.Unlock()
}

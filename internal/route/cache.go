package route

import (
	"context"
	"errors"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/spiffcs/stalebot/internal/log"
	"github.com/spiffcs/stalebot/internal/model"
	"github.com/spiffcs/stalebot/internal/platform"
)

// IdentityCache memoizes identity lookups for the lifetime of one run.
// Concurrent lookups of the same key share a single platform call. Failed
// lookups are cached as inactive so every decision in a run sees the same
// answer, except timeouts and cancellations, which are retried on the next
// lookup.
type IdentityCache struct {
	resolver platform.IdentityResolver

	mu      sync.RWMutex
	entries map[string]model.Identity
	group   singleflight.Group
}

// NewIdentityCache creates an empty cache in front of resolver.
func NewIdentityCache(resolver platform.IdentityResolver) *IdentityCache {
	return &IdentityCache{
		resolver: resolver,
		entries:  make(map[string]model.Identity),
	}
}

// Resolve returns the identity for an email address or username. It never
// fails: lookup errors are logged and reported as StatusInactive.
func (c *IdentityCache) Resolve(ctx context.Context, key string) model.Identity {
	norm := normalizeKey(key)
	if norm == "" {
		return model.Identity{Status: model.StatusInactive}
	}

	c.mu.RLock()
	id, ok := c.entries[norm]
	c.mu.RUnlock()
	if ok {
		return id
	}

	v, _, _ := c.group.Do(norm, func() (any, error) {
		id, err := c.resolver.ResolveIdentity(ctx, key)
		if err != nil {
			log.Warn("identity lookup failed, treating as inactive", "identity", key, "error", err)
			id = model.Identity{Status: model.StatusInactive}
			if interrupted(err) {
				return id, nil
			}
		}
		c.mu.Lock()
		c.entries[norm] = id
		c.mu.Unlock()
		return id, nil
	})
	return v.(model.Identity)
}

// Len returns the number of cached identities.
func (c *IdentityCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// interrupted reports whether err is a deadline or cancellation rather than
// an answer from the platform.
func interrupted(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

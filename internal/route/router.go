// Package route picks the recipient of each stale-item notification.
package route

import (
	"context"

	"github.com/spiffcs/stalebot/internal/log"
	"github.com/spiffcs/stalebot/internal/model"
	"github.com/spiffcs/stalebot/internal/platform"
)

// Reason explains how a recipient was chosen.
type Reason string

const (
	ReasonAssignee   Reason = "assignee"
	ReasonAuthor     Reason = "author"
	ReasonCommitter  Reason = "committer"
	ReasonFallback   Reason = "fallback"
	ReasonUnroutable Reason = "unroutable"
)

// RecipientDecision is the outcome of routing one item. Email is empty when
// Reason is ReasonUnroutable.
type RecipientDecision struct {
	Email  string `json:"email"`
	Reason Reason `json:"reason"`
}

// Router resolves candidates in a fixed priority order and falls back to a
// configured operator address. It holds a per-run identity cache, so create
// one Router per run.
type Router struct {
	identities *IdentityCache
	fallback   string
}

// NewRouter creates a router with a fresh identity cache.
func NewRouter(resolver platform.IdentityResolver, fallbackEmail string) *Router {
	return &Router{
		identities: NewIdentityCache(resolver),
		fallback:   fallbackEmail,
	}
}

// Route routes a merge/pull request: assignee, then author, then the
// fallback address.
func (r *Router) Route(ctx context.Context, item model.ActivityItem) RecipientDecision {
	if item.Assignee != nil {
		if email, ok := r.activeEmail(ctx, *item.Assignee); ok {
			return RecipientDecision{Email: email, Reason: ReasonAssignee}
		}
		log.Debug("assignee not active, trying author", "item", item.Project.Kind.ItemRef(item.ID), "assignee", item.Assignee.LookupKey())
	}
	if email, ok := r.activeEmail(ctx, item.Author); ok {
		return RecipientDecision{Email: email, Reason: ReasonAuthor}
	}
	return r.fallbackDecision()
}

// RouteBranch routes a branch with no open item: last committer, then the
// fallback address.
func (r *Router) RouteBranch(ctx context.Context, b model.BranchRef) RecipientDecision {
	if email, ok := r.activeEmail(ctx, b.Committer); ok {
		return RecipientDecision{Email: email, Reason: ReasonCommitter}
	}
	return r.fallbackDecision()
}

// Identities exposes the run's identity cache.
func (r *Router) Identities() *IdentityCache {
	return r.identities
}

func (r *Router) fallbackDecision() RecipientDecision {
	if r.fallback == "" {
		return RecipientDecision{Reason: ReasonUnroutable}
	}
	return RecipientDecision{Email: r.fallback, Reason: ReasonFallback}
}

// activeEmail resolves p and returns a deliverable address when the account
// is active. Unresolved identities count as inactive.
func (r *Router) activeEmail(ctx context.Context, p model.Person) (string, bool) {
	key := p.LookupKey()
	if key == "" {
		return "", false
	}
	id := r.identities.Resolve(ctx, key)
	if id.Status != model.StatusActive {
		return "", false
	}
	if id.Email == "" {
		id.Email = p.Email
	}
	return id.Email, id.Routable()
}

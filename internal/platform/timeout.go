package platform

import (
	"context"
	"time"

	"github.com/spiffcs/stalebot/internal/model"
)

// Bounded wraps an Adapter so each call runs under its own deadline.
//
// ListBranches and ListOpenItems issue one request per page and per entry,
// so they are not bounded as a whole; the gitlab and github clients cap
// every HTTP request they make with the same timeout instead.
type Bounded struct {
	Adapter
	timeout time.Duration
}

// WithTimeout returns a bounded view of a. A non-positive timeout returns a
// unchanged, and an adapter that is already bounded by the same timeout is
// not wrapped twice.
func WithTimeout(a Adapter, timeout time.Duration) Adapter {
	if timeout <= 0 {
		return a
	}
	if b, ok := a.(*Bounded); ok && b.timeout == timeout {
		return a
	}
	return &Bounded{Adapter: a, timeout: timeout}
}

// Timeout returns the per-call deadline.
func (b *Bounded) Timeout() time.Duration {
	return b.timeout
}

func (b *Bounded) ProjectName(ctx context.Context, p model.Project) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	return b.Adapter.ProjectName(ctx, p)
}

func (b *Bounded) ListProtectedBranches(ctx context.Context, p model.Project) (BranchSet, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	return b.Adapter.ListProtectedBranches(ctx, p)
}

func (b *Bounded) ResolveIdentity(ctx context.Context, key string) (model.Identity, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	return b.Adapter.ResolveIdentity(ctx, key)
}

func (b *Bounded) ExportBranch(ctx context.Context, p model.Project, branch, destPath string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	return b.Adapter.ExportBranch(ctx, p, branch, destPath)
}

func (b *Bounded) CloseItem(ctx context.Context, p model.Project, item model.ActivityItem, note string) error {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	return b.Adapter.CloseItem(ctx, p, item, note)
}

func (b *Bounded) DeleteBranch(ctx context.Context, p model.Project, branch string) error {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	return b.Adapter.DeleteBranch(ctx, p, branch)
}

func (b *Bounded) PostComment(ctx context.Context, p model.Project, item model.ActivityItem, body string) error {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	return b.Adapter.PostComment(ctx, p, item, body)
}

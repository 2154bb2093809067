// Package platform defines the capability surface the scanner needs from a
// source-control platform. The gitlab and github subpackages implement it.
package platform

import (
	"context"
	"errors"

	"github.com/spiffcs/stalebot/internal/model"
)

var (
	// ErrNotFound is returned when a project, branch, item or user does not exist.
	ErrNotFound = errors.New("not found")

	// ErrRateLimited is returned when the platform API rate limit has been exceeded.
	ErrRateLimited = errors.New("rate limited")
)

// BranchSet is a set of branch names.
type BranchSet map[string]struct{}

// Has reports whether name is in the set.
func (s BranchSet) Has(name string) bool {
	_, ok := s[name]
	return ok
}

// Reader lists a project's branches and open items. Pagination is handled
// by the implementation; each call returns the complete listing.
type Reader interface {
	ProjectName(ctx context.Context, p model.Project) (string, error)
	ListBranches(ctx context.Context, p model.Project) ([]model.BranchRef, error)
	ListProtectedBranches(ctx context.Context, p model.Project) (BranchSet, error)
	ListOpenItems(ctx context.Context, p model.Project) ([]model.ActivityItem, error)
}

// IdentityResolver looks up an account by email address or username.
// A user that does not exist resolves to StatusInactive without error.
type IdentityResolver interface {
	ResolveIdentity(ctx context.Context, emailOrUsername string) (model.Identity, error)
}

// Exporter writes a compressed archive of a branch's tree to destPath and
// returns the path written.
type Exporter interface {
	ExportBranch(ctx context.Context, p model.Project, branch, destPath string) (string, error)
}

// Mutator groups the calls that change state on the platform.
type Mutator interface {
	CloseItem(ctx context.Context, p model.Project, item model.ActivityItem, note string) error
	DeleteBranch(ctx context.Context, p model.Project, branch string) error
	PostComment(ctx context.Context, p model.Project, item model.ActivityItem, body string) error
}

// Adapter is the full platform surface.
type Adapter interface {
	Reader
	IdentityResolver
	Exporter
	Mutator
}

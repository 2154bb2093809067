package platform

import (
	"context"

	"github.com/spiffcs/stalebot/internal/format"
	"github.com/spiffcs/stalebot/internal/log"
	"github.com/spiffcs/stalebot/internal/model"
)

// DryRun wraps an Adapter so reads pass through and every mutation is
// replaced with a logged no-op. ExportBranch writes nothing and returns the
// path a live export would have used.
type DryRun struct {
	Adapter
}

// NewDryRun returns a dry-run view of a.
func NewDryRun(a Adapter) *DryRun {
	return &DryRun{Adapter: a}
}

func (d *DryRun) ExportBranch(_ context.Context, p model.Project, branch, destPath string) (string, error) {
	log.DryRun("export branch", "project", p.DisplayName(), "branch", branch, "path", destPath)
	return destPath, nil
}

func (d *DryRun) CloseItem(_ context.Context, p model.Project, item model.ActivityItem, _ string) error {
	log.DryRun("close item", "project", p.DisplayName(), "item", p.Kind.ItemRef(item.ID))
	return nil
}

func (d *DryRun) DeleteBranch(_ context.Context, p model.Project, branch string) error {
	log.DryRun("delete branch", "project", p.DisplayName(), "branch", branch)
	return nil
}

func (d *DryRun) PostComment(_ context.Context, p model.Project, item model.ActivityItem, body string) error {
	log.DryRun("post comment", "project", p.DisplayName(), "item", p.Kind.ItemRef(item.ID))
	log.Debug("comment body", "body", format.Truncate(body, 100))
	return nil
}

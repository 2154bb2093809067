// Package gitlab implements platform.Adapter on the GitLab REST API.
package gitlab

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	gl "github.com/xanzy/go-gitlab"

	"github.com/spiffcs/stalebot/internal/log"
	"github.com/spiffcs/stalebot/internal/model"
	"github.com/spiffcs/stalebot/internal/platform"
)

const perPage = 100

// Config configures a Client.
type Config struct {
	URL   string
	Token string
	// HTTPClient overrides the transport used by go-gitlab.
	HTTPClient *http.Client
	// Timeout bounds each HTTP request. Zero keeps HTTPClient's setting.
	Timeout time.Duration
}

// Client is a platform.Adapter backed by go-gitlab.
type Client struct {
	client *gl.Client
}

var _ platform.Adapter = (*Client)(nil)

// NewClient creates a GitLab adapter. The token falls back to
// STALEBOT_GITLAB_TOKEN and then GITLAB_TOKEN.
func NewClient(cfg Config) (*Client, error) {
	token := cfg.Token
	for _, env := range []string{"STALEBOT_GITLAB_TOKEN", "GITLAB_TOKEN"} {
		if token != "" {
			break
		}
		token = os.Getenv(env)
	}
	if token == "" {
		return nil, errors.New("GitLab token not provided. Set gitlab.private_token or the GITLAB_TOKEN environment variable")
	}
	if cfg.URL == "" {
		return nil, errors.New("GitLab URL not provided")
	}

	opts := []gl.ClientOptionFunc{gl.WithBaseURL(cfg.URL)}
	if hc := httpClient(cfg); hc != nil {
		opts = append(opts, gl.WithHTTPClient(hc))
	}
	client, err := gl.NewClient(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GitLab client: %w", err)
	}
	return &Client{client: client}, nil
}

// httpClient applies cfg.Timeout to a copy of cfg.HTTPClient, or to a new
// client when none is set.
func httpClient(cfg Config) *http.Client {
	if cfg.Timeout <= 0 {
		return cfg.HTTPClient
	}
	hc := &http.Client{}
	if cfg.HTTPClient != nil {
		c := *cfg.HTTPClient
		hc = &c
	}
	hc.Timeout = cfg.Timeout
	return hc
}

// wrap maps HTTP failures onto the platform sentinels.
func wrap(action string, resp *gl.Response, err error) error {
	if resp != nil && resp.Response != nil {
		switch resp.StatusCode {
		case http.StatusNotFound:
			return fmt.Errorf("failed to %s: %w", action, platform.ErrNotFound)
		case http.StatusTooManyRequests:
			return fmt.Errorf("failed to %s: %w", action, platform.ErrRateLimited)
		}
	}
	return fmt.Errorf("failed to %s: %w", action, err)
}

func (c *Client) ProjectName(ctx context.Context, p model.Project) (string, error) {
	proj, resp, err := c.client.Projects.GetProject(p.ID, nil, gl.WithContext(ctx))
	if err != nil {
		return "", wrap("get project "+p.ID, resp, err)
	}
	return proj.PathWithNamespace, nil
}

func (c *Client) ListBranches(ctx context.Context, p model.Project) ([]model.BranchRef, error) {
	opts := &gl.ListBranchesOptions{ListOptions: gl.ListOptions{PerPage: perPage}}
	var out []model.BranchRef
	for {
		branches, resp, err := c.client.Branches.ListBranches(p.ID, opts, gl.WithContext(ctx))
		if err != nil {
			return nil, wrap("list branches of "+p.ID, resp, err)
		}
		for _, b := range branches {
			ref := model.BranchRef{Project: p, Name: b.Name, Protected: b.Protected}
			if cm := b.Commit; cm != nil {
				ref.Committer = model.Person{Name: cm.CommitterName, Email: cm.CommitterEmail}
				if cm.CommittedDate != nil {
					ref.LastCommit = *cm.CommittedDate
				}
			}
			out = append(out, ref)
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	log.Debug("listed branches", "project", p.ID, "count", len(out))
	return out, nil
}

func (c *Client) ListProtectedBranches(ctx context.Context, p model.Project) (platform.BranchSet, error) {
	opts := &gl.ListProtectedBranchesOptions{ListOptions: gl.ListOptions{PerPage: perPage}}
	set := make(platform.BranchSet)
	for {
		branches, resp, err := c.client.ProtectedBranches.ListProtectedBranches(p.ID, opts, gl.WithContext(ctx))
		if err != nil {
			return nil, wrap("list protected branches of "+p.ID, resp, err)
		}
		for _, b := range branches {
			set[b.Name] = struct{}{}
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return set, nil
}

func (c *Client) ListOpenItems(ctx context.Context, p model.Project) ([]model.ActivityItem, error) {
	opts := &gl.ListProjectMergeRequestsOptions{
		State:       gl.Ptr("opened"),
		ListOptions: gl.ListOptions{PerPage: perPage},
	}
	var items []model.ActivityItem
	for {
		mrs, resp, err := c.client.MergeRequests.ListProjectMergeRequests(p.ID, opts, gl.WithContext(ctx))
		if err != nil {
			return nil, wrap("list merge requests of "+p.ID, resp, err)
		}
		for _, mr := range mrs {
			item := toItem(p, mr)
			latest, err := c.latestNote(ctx, p, mr.IID)
			if err != nil {
				if ctx.Err() != nil {
					return nil, err
				}
				log.Warn("note lookup failed, using merge request update time", "project", p.ID, "item", p.Kind.ItemRef(mr.IID), "error", err)
			}
			if latest.After(item.LastActivity) {
				item.LastActivity = latest
			}
			items = append(items, item)
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return items, nil
}

func toItem(p model.Project, mr *gl.MergeRequest) model.ActivityItem {
	item := model.ActivityItem{
		Project:      p,
		ID:           mr.IID,
		Title:        mr.Title,
		WebURL:       mr.WebURL,
		SourceBranch: mr.SourceBranch,
		Open:         mr.State == "opened",
	}
	// A merge request from a fork has no source branch in this project.
	if mr.SourceProjectID != 0 && mr.TargetProjectID != 0 && mr.SourceProjectID != mr.TargetProjectID {
		item.SourceBranch = ""
	}
	if mr.UpdatedAt != nil {
		item.LastActivity = *mr.UpdatedAt
	}
	if mr.Author != nil {
		item.Author = model.Person{Name: mr.Author.Name, Username: mr.Author.Username}
	}
	if mr.Assignee != nil {
		item.Assignee = &model.Person{Name: mr.Assignee.Name, Username: mr.Assignee.Username}
	}
	return item
}

// latestNote returns the update time of the most recently updated note.
func (c *Client) latestNote(ctx context.Context, p model.Project, iid int) (time.Time, error) {
	notes, resp, err := c.client.Notes.ListMergeRequestNotes(p.ID, iid, &gl.ListMergeRequestNotesOptions{
		OrderBy:     gl.Ptr("updated_at"),
		Sort:        gl.Ptr("desc"),
		ListOptions: gl.ListOptions{PerPage: 1},
	}, gl.WithContext(ctx))
	if err != nil {
		return time.Time{}, wrap(fmt.Sprintf("list notes of !%d", iid), resp, err)
	}
	if len(notes) == 0 || notes[0].UpdatedAt == nil {
		return time.Time{}, nil
	}
	return *notes[0].UpdatedAt, nil
}

// ResolveIdentity searches users by email or matches a username exactly.
func (c *Client) ResolveIdentity(ctx context.Context, key string) (model.Identity, error) {
	key = strings.TrimSpace(key)
	isEmail := strings.Contains(key, "@")
	opts := &gl.ListUsersOptions{}
	if isEmail {
		opts.Search = gl.Ptr(key)
	} else {
		opts.Username = gl.Ptr(key)
	}

	users, resp, err := c.client.Users.ListUsers(opts, gl.WithContext(ctx))
	if err != nil {
		return model.Identity{Status: model.StatusInactive}, wrap("look up user "+key, resp, err)
	}
	u := pickUser(users, key, isEmail)
	if u == nil {
		log.Debug("no GitLab user", "key", key)
		return model.Identity{Status: model.StatusInactive}, nil
	}

	id := model.Identity{Username: u.Username, Email: u.Email, Status: model.StatusInactive}
	if id.Email == "" {
		id.Email = u.PublicEmail
	}
	if isEmail {
		id.Email = key
	}
	if u.State == "active" {
		id.Status = model.StatusActive
	}
	return id, nil
}

func pickUser(users []*gl.User, key string, isEmail bool) *gl.User {
	for _, u := range users {
		if isEmail && (strings.EqualFold(u.Email, key) || strings.EqualFold(u.PublicEmail, key)) {
			return u
		}
		if !isEmail && strings.EqualFold(u.Username, key) {
			return u
		}
	}
	// Email search hides private addresses from non-admin tokens; a single
	// hit is still the match.
	if isEmail && len(users) == 1 {
		return users[0]
	}
	return nil
}

// ExportBranch streams a tar.gz of the branch to destPath.
func (c *Client) ExportBranch(ctx context.Context, p model.Project, branch, destPath string) (string, error) {
	f, err := os.Create(destPath)
	if err != nil {
		return "", fmt.Errorf("failed to create archive file: %w", err)
	}
	resp, err := c.client.Repositories.StreamArchive(p.ID, f, &gl.ArchiveOptions{
		Format: gl.Ptr("tar.gz"),
		SHA:    gl.Ptr(branch),
	}, gl.WithContext(ctx))
	if cerr := f.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(destPath)
		return "", wrap(fmt.Sprintf("export %s@%s", p.ID, branch), resp, err)
	}
	return destPath, nil
}

func (c *Client) DeleteBranch(ctx context.Context, p model.Project, branch string) error {
	resp, err := c.client.Branches.DeleteBranch(p.ID, branch, gl.WithContext(ctx))
	if err != nil {
		return wrap(fmt.Sprintf("delete branch %s of %s", branch, p.ID), resp, err)
	}
	return nil
}

// CloseItem adds note to the merge request and then closes it.
func (c *Client) CloseItem(ctx context.Context, p model.Project, item model.ActivityItem, note string) error {
	if note != "" {
		if err := c.PostComment(ctx, p, item, note); err != nil {
			return err
		}
	}
	_, resp, err := c.client.MergeRequests.UpdateMergeRequest(p.ID, item.ID, &gl.UpdateMergeRequestOptions{
		StateEvent: gl.Ptr("close"),
	}, gl.WithContext(ctx))
	if err != nil {
		return wrap(fmt.Sprintf("close merge request !%d of %s", item.ID, p.ID), resp, err)
	}
	return nil
}

func (c *Client) PostComment(ctx context.Context, p model.Project, item model.ActivityItem, body string) error {
	_, resp, err := c.client.Notes.CreateMergeRequestNote(p.ID, item.ID, &gl.CreateMergeRequestNoteOptions{
		Body: gl.Ptr(body),
	}, gl.WithContext(ctx))
	if err != nil {
		return wrap(fmt.Sprintf("comment on !%d of %s", item.ID, p.ID), resp, err)
	}
	return nil
}

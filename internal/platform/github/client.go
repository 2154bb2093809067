// Package github implements platform.Adapter on the GitHub REST API.
package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gofri/go-github-ratelimit/github_ratelimit"
	gh "github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"

	"github.com/spiffcs/stalebot/internal/log"
	"github.com/spiffcs/stalebot/internal/model"
	"github.com/spiffcs/stalebot/internal/platform"
)

const perPage = 100

// noreplyDomain is the host of GitHub's private commit email addresses,
// "<id>+<login>@users.noreply.github.com".
const noreplyDomain = "users.noreply.github.com"

// Config configures a Client.
type Config struct {
	Token string
	// BaseURL is the GitHub Enterprise server URL. Empty means github.com.
	BaseURL string
	// Transport overrides the base transport below the rate limiters.
	Transport http.RoundTripper
	// Timeout bounds each HTTP request, including rate limit waits. Zero
	// means no limit.
	Timeout time.Duration
}

// Client is a platform.Adapter backed by go-github.
type Client struct {
	client *gh.Client
	limits *RateLimitState
}

var _ platform.Adapter = (*Client)(nil)

// NewClient creates a GitHub adapter. The token falls back to GITHUB_TOKEN.
func NewClient(cfg Config) (*Client, error) {
	token := cfg.Token
	if token == "" {
		token = os.Getenv("GITHUB_TOKEN")
	}
	if token == "" {
		return nil, fmt.Errorf("GitHub token not provided. Set github.token or the GITHUB_TOKEN environment variable")
	}

	waiter, err := github_ratelimit.NewRateLimitWaiter(cfg.Transport, github_ratelimit.WithSingleSleepLimit(time.Hour, nil))
	if err != nil {
		return nil, fmt.Errorf("failed to create rate limit waiter: %w", err)
	}
	limits := newRateLimitState()
	transport := &rateLimitTransport{
		base: &oauth2.Transport{
			Base:   waiter,
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}),
		},
		state: limits,
	}
	httpClient := &http.Client{Transport: transport, Timeout: cfg.Timeout}

	client := gh.NewClient(httpClient)
	if cfg.BaseURL != "" {
		client, err = client.WithEnterpriseURLs(cfg.BaseURL, cfg.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to set GitHub base URL: %w", err)
		}
	}
	return &Client{client: client, limits: limits}, nil
}

// RateLimits returns the last primary rate limit observed.
func (c *Client) RateLimits() *RateLimitState {
	return c.limits
}

// wrap maps go-github errors onto the platform sentinels.
func wrap(action string, err error) error {
	var errResp *gh.ErrorResponse
	if errors.As(err, &errResp) && errResp.Response != nil && errResp.Response.StatusCode == http.StatusNotFound {
		return fmt.Errorf("failed to %s: %w", action, platform.ErrNotFound)
	}
	var rateErr *gh.RateLimitError
	if errors.As(err, &rateErr) {
		return fmt.Errorf("failed to %s: %w", action, platform.ErrRateLimited)
	}
	return fmt.Errorf("failed to %s: %w", action, err)
}

func (c *Client) ProjectName(ctx context.Context, p model.Project) (string, error) {
	owner, repo, err := p.OwnerRepo()
	if err != nil {
		return "", err
	}
	r, _, err := c.client.Repositories.Get(ctx, owner, repo)
	if err != nil {
		return "", wrap("get repository "+p.ID, err)
	}
	return r.GetFullName(), nil
}

func (c *Client) ListBranches(ctx context.Context, p model.Project) ([]model.BranchRef, error) {
	owner, repo, err := p.OwnerRepo()
	if err != nil {
		return nil, err
	}
	branches, err := c.listBranches(ctx, owner, repo, nil)
	if err != nil {
		return nil, err
	}

	// Branches listed together often share a head commit.
	commits := make(map[string]*gh.RepositoryCommit)
	out := make([]model.BranchRef, 0, len(branches))
	for _, b := range branches {
		sha := b.GetCommit().GetSHA()
		rc, ok := commits[sha]
		if !ok {
			rc, _, err = c.client.Repositories.GetCommit(ctx, owner, repo, sha, nil)
			if err != nil {
				return nil, wrap(fmt.Sprintf("get commit %s of branch %s", sha, b.GetName()), err)
			}
			commits[sha] = rc
		}
		committer := rc.GetCommit().GetCommitter()
		author := rc.GetCommit().GetAuthor()
		ref := model.BranchRef{
			Project:    p,
			Name:       b.GetName(),
			LastCommit: committer.GetDate().Time,
			Committer: model.Person{
				Name:     committer.GetName(),
				Email:    committer.GetEmail(),
				Username: rc.GetCommitter().GetLogin(),
			},
			Protected: b.GetProtected(),
		}
		// Web-flow merges are committed by GitHub itself; the author is the
		// human behind the change.
		if strings.EqualFold(ref.Committer.Email, "noreply@github.com") {
			ref.Committer = model.Person{Name: author.GetName(), Email: author.GetEmail(), Username: rc.GetAuthor().GetLogin()}
		}
		out = append(out, ref)
	}
	log.Debug("listed branches", "project", p.ID, "count", len(out), "commits", len(commits))
	return out, nil
}

func (c *Client) ListProtectedBranches(ctx context.Context, p model.Project) (platform.BranchSet, error) {
	owner, repo, err := p.OwnerRepo()
	if err != nil {
		return nil, err
	}
	branches, err := c.listBranches(ctx, owner, repo, gh.Bool(true))
	if err != nil {
		return nil, err
	}
	set := make(platform.BranchSet, len(branches))
	for _, b := range branches {
		set[b.GetName()] = struct{}{}
	}
	return set, nil
}

func (c *Client) listBranches(ctx context.Context, owner, repo string, protected *bool) ([]*gh.Branch, error) {
	opts := &gh.BranchListOptions{
		Protected:   protected,
		ListOptions: gh.ListOptions{PerPage: perPage},
	}
	var all []*gh.Branch
	for {
		branches, resp, err := c.client.Repositories.ListBranches(ctx, owner, repo, opts)
		if err != nil {
			return nil, wrap(fmt.Sprintf("list branches of %s/%s", owner, repo), err)
		}
		all = append(all, branches...)
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return all, nil
}

func (c *Client) ListOpenItems(ctx context.Context, p model.Project) ([]model.ActivityItem, error) {
	owner, repo, err := p.OwnerRepo()
	if err != nil {
		return nil, err
	}
	opts := &gh.PullRequestListOptions{
		State:       "open",
		ListOptions: gh.ListOptions{PerPage: perPage},
	}
	var items []model.ActivityItem
	for {
		prs, resp, err := c.client.PullRequests.List(ctx, owner, repo, opts)
		if err != nil {
			return nil, wrap("list pull requests of "+p.ID, err)
		}
		for _, pr := range prs {
			item, err := c.toItem(ctx, p, owner, repo, pr)
			if err != nil {
				return nil, err
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

func (c *Client) toItem(ctx context.Context, p model.Project, owner, repo string, pr *gh.PullRequest) (model.ActivityItem, error) {
	item := model.ActivityItem{
		Project:      p,
		ID:           pr.GetNumber(),
		Title:        pr.GetTitle(),
		WebURL:       pr.GetHTMLURL(),
		LastActivity: pr.GetUpdatedAt().Time,
		Author:       person(pr.GetUser()),
		Open:         pr.GetState() == "open",
	}
	// A PR from a fork has no source branch in this repository.
	if strings.EqualFold(pr.GetHead().GetRepo().GetFullName(), owner+"/"+repo) {
		item.SourceBranch = pr.GetHead().GetRef()
	}
	if a := pr.GetAssignee(); a != nil {
		assignee := person(a)
		item.Assignee = &assignee
	}

	latest, err := c.latestActivity(ctx, owner, repo, item.ID)
	if err != nil {
		return item, err
	}
	if latest.After(item.LastActivity) {
		item.LastActivity = latest
	}
	return item, nil
}

// latestActivity returns the time of the newest issue comment or review.
func (c *Client) latestActivity(ctx context.Context, owner, repo string, number int) (time.Time, error) {
	var latest time.Time
	bump := func(t gh.Timestamp) {
		if t.After(latest) {
			latest = t.Time
		}
	}

	copts := &gh.IssueListCommentsOptions{ListOptions: gh.ListOptions{PerPage: perPage}}
	for {
		comments, resp, err := c.client.Issues.ListComments(ctx, owner, repo, number, copts)
		if err != nil {
			return latest, wrap(fmt.Sprintf("list comments of #%d", number), err)
		}
		for _, cm := range comments {
			bump(cm.GetUpdatedAt())
		}
		if resp.NextPage == 0 {
			break
		}
		copts.Page = resp.NextPage
	}

	ropts := &gh.ListOptions{PerPage: perPage}
	for {
		reviews, resp, err := c.client.PullRequests.ListReviews(ctx, owner, repo, number, ropts)
		if err != nil {
			return latest, wrap(fmt.Sprintf("list reviews of #%d", number), err)
		}
		for _, r := range reviews {
			bump(r.GetSubmittedAt())
		}
		if resp.NextPage == 0 {
			break
		}
		ropts.Page = resp.NextPage
	}
	return latest, nil
}

func person(u *gh.User) model.Person {
	return model.Person{Name: u.GetName(), Email: u.GetEmail(), Username: u.GetLogin()}
}

// ResolveIdentity looks an email up with user search, or a login directly.
// Private noreply commit addresses resolve through the embedded login.
func (c *Client) ResolveIdentity(ctx context.Context, key string) (model.Identity, error) {
	key = strings.TrimSpace(key)
	if !strings.Contains(key, "@") {
		return c.resolveLogin(ctx, key, "")
	}
	local, domain, _ := strings.Cut(key, "@")
	if strings.EqualFold(domain, noreplyDomain) {
		if _, login, ok := strings.Cut(local, "+"); ok {
			return c.resolveLogin(ctx, login, "")
		}
		return c.resolveLogin(ctx, local, "")
	}

	res, _, err := c.client.Search.Users(ctx, key+" in:email", &gh.SearchOptions{ListOptions: gh.ListOptions{PerPage: 1}})
	if err != nil {
		return model.Identity{Status: model.StatusInactive}, wrap("search user "+key, err)
	}
	if len(res.Users) == 0 {
		log.Debug("no GitHub user for email", "email", key)
		return model.Identity{Email: key, Status: model.StatusInactive}, nil
	}
	return c.resolveLogin(ctx, res.Users[0].GetLogin(), key)
}

func (c *Client) resolveLogin(ctx context.Context, login, email string) (model.Identity, error) {
	u, _, err := c.client.Users.Get(ctx, login)
	if err != nil {
		err = wrap("get user "+login, err)
		if errors.Is(err, platform.ErrNotFound) {
			return model.Identity{Username: login, Status: model.StatusInactive}, nil
		}
		return model.Identity{Username: login, Status: model.StatusInactive}, err
	}
	id := model.Identity{Username: u.GetLogin(), Email: email, Status: model.StatusActive}
	if id.Email == "" {
		id.Email = u.GetEmail()
	}
	if u.SuspendedAt != nil || u.GetType() == "Bot" {
		id.Status = model.StatusInactive
	}
	return id, nil
}

// ExportBranch streams the branch tarball to destPath.
func (c *Client) ExportBranch(ctx context.Context, p model.Project, branch, destPath string) (string, error) {
	owner, repo, err := p.OwnerRepo()
	if err != nil {
		return "", err
	}
	req, err := c.client.NewRequest(http.MethodGet, fmt.Sprintf("repos/%s/%s/tarball/%s", owner, repo, escapeRef(branch)), nil)
	if err != nil {
		return "", fmt.Errorf("failed to create tarball request: %w", err)
	}
	f, err := os.Create(destPath)
	if err != nil {
		return "", fmt.Errorf("failed to create archive file: %w", err)
	}
	_, err = c.client.Do(ctx, req, f)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(destPath)
		return "", wrap(fmt.Sprintf("download tarball of %s@%s", p.ID, branch), err)
	}
	return destPath, nil
}

// escapeRef path-escapes each segment of a branch name, keeping the
// separating slashes.
func escapeRef(ref string) string {
	parts := strings.Split(ref, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}

func (c *Client) DeleteBranch(ctx context.Context, p model.Project, branch string) error {
	owner, repo, err := p.OwnerRepo()
	if err != nil {
		return err
	}
	if _, err := c.client.Git.DeleteRef(ctx, owner, repo, "heads/"+branch); err != nil {
		return wrap(fmt.Sprintf("delete branch %s of %s", branch, p.ID), err)
	}
	return nil
}

// CloseItem posts note on the pull request and then closes it.
func (c *Client) CloseItem(ctx context.Context, p model.Project, item model.ActivityItem, note string) error {
	if note != "" {
		if err := c.PostComment(ctx, p, item, note); err != nil {
			return err
		}
	}
	owner, repo, err := p.OwnerRepo()
	if err != nil {
		return err
	}
	if _, _, err := c.client.PullRequests.Edit(ctx, owner, repo, item.ID, &gh.PullRequest{State: gh.String("closed")}); err != nil {
		return wrap(fmt.Sprintf("close pull request #%d of %s", item.ID, p.ID), err)
	}
	return nil
}

func (c *Client) PostComment(ctx context.Context, p model.Project, item model.ActivityItem, body string) error {
	owner, repo, err := p.OwnerRepo()
	if err != nil {
		return err
	}
	if _, _, err := c.client.Issues.CreateComment(ctx, owner, repo, item.ID, &gh.IssueComment{Body: gh.String(body)}); err != nil {
		return wrap(fmt.Sprintf("comment on #%d of %s", item.ID, p.ID), err)
	}
	return nil
}

// Quotas queries the rate_limit endpoint for the core, search and GraphQL
// buckets. The endpoint itself does not count against the limit.
func (c *Client) Quotas(ctx context.Context) ([]Quota, error) {
	limits, _, err := c.client.RateLimit.Get(ctx)
	if err != nil {
		return nil, wrap("get rate limits", err)
	}
	var out []Quota
	for _, b := range []struct {
		name string
		rate *gh.Rate
	}{
		{"core", limits.Core},
		{"search", limits.Search},
		{"graphql", limits.GraphQL},
	} {
		if b.rate == nil {
			continue
		}
		out = append(out, Quota{
			Name:      b.name,
			Remaining: b.rate.Remaining,
			Limit:     b.rate.Limit,
			ResetAt:   b.rate.Reset.Time,
		})
	}
	return out, nil
}

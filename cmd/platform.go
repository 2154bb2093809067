package cmd

import (
	"fmt"

	"github.com/spiffcs/stalebot/config"
	"github.com/spiffcs/stalebot/internal/model"
	"github.com/spiffcs/stalebot/internal/platform"
	"github.com/spiffcs/stalebot/internal/platform/github"
	"github.com/spiffcs/stalebot/internal/platform/gitlab"
)

// platformClient is the configured adapter plus the GitHub rate limit
// tracker, which is nil on GitLab.
type platformClient struct {
	adapter platform.Adapter
	limits  *github.RateLimitState
}

// newPlatform builds the adapter selected by cfg.Platform, wrapped in a
// dry-run view when dryRun is set. Every call and every HTTP request is
// bounded by cfg.RequestTimeout().
func newPlatform(cfg *config.Config, dryRun bool) (*platformClient, error) {
	kind, err := cfg.Kind()
	if err != nil {
		return nil, err
	}

	timeout := cfg.RequestTimeout()
	var pc platformClient
	switch kind {
	case model.KindGitHub:
		c, err := github.NewClient(github.Config{Token: cfg.GitHub.Token, BaseURL: cfg.GitHub.BaseURL, Timeout: timeout})
		if err != nil {
			return nil, fmt.Errorf("failed to create GitHub client: %w", err)
		}
		pc = platformClient{adapter: c, limits: c.RateLimits()}
	default:
		c, err := gitlab.NewClient(gitlab.Config{URL: cfg.GitLab.URL, Token: cfg.GitLab.PrivateToken, Timeout: timeout})
		if err != nil {
			return nil, fmt.Errorf("failed to create GitLab client: %w", err)
		}
		pc = platformClient{adapter: c}
	}

	if dryRun {
		pc.adapter = platform.NewDryRun(pc.adapter)
	}
	pc.adapter = platform.WithTimeout(pc.adapter, timeout)
	return &pc, nil
}

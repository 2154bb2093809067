// Package model contains the domain types shared by the scanner, the router,
// the history store and the archiver. These types are independent of any
// GitLab or GitHub client library.
package model

import (
	"fmt"
	"strings"
)

// Kind identifies the source-control platform hosting a project.
type Kind string

const (
	KindGitLab Kind = "gitlab"
	KindGitHub Kind = "github"
)

// ParseKind parses a platform name. An empty string means GitLab.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "gitlab":
		return KindGitLab, nil
	case "github":
		return KindGitHub, nil
	default:
		return "", fmt.Errorf("unsupported platform %q: must be gitlab or github", s)
	}
}

// ItemLabel returns the platform's word for an activity item.
func (k Kind) ItemLabel() string {
	if k == KindGitHub {
		return "pull request"
	}
	return "merge request"
}

// ItemRef formats an item number the way the platform displays it
// ("!12" on GitLab, "#12" on GitHub).
func (k Kind) ItemRef(id int) string {
	if k == KindGitHub {
		return fmt.Sprintf("#%d", id)
	}
	return fmt.Sprintf("!%d", id)
}

// Project is a configured project to scan. ID is either a numeric GitLab
// project id or a GitHub "owner/name" string.
type Project struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Kind Kind   `json:"kind"`
}

// DisplayName returns Name when known, otherwise the ID.
func (p Project) DisplayName() string {
	if p.Name != "" {
		return p.Name
	}
	return p.ID
}

// OwnerRepo splits a GitHub "owner/name" ID.
func (p Project) OwnerRepo() (owner, repo string, err error) {
	owner, repo, ok := strings.Cut(p.ID, "/")
	if !ok || owner == "" || repo == "" || strings.Contains(repo, "/") {
		return "", "", fmt.Errorf("invalid repository %q: expected owner/name", p.ID)
	}
	return owner, repo, nil
}

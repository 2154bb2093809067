package model

import "time"

// Person is a user as reported by the platform. Any field may be empty.
type Person struct {
	Name     string `json:"name,omitempty"`
	Email    string `json:"email,omitempty"`
	Username string `json:"username,omitempty"`
}

// LookupKey returns the value used to resolve the person's identity,
// preferring the email address over the username.
func (p Person) LookupKey() string {
	if p.Email != "" {
		return p.Email
	}
	return p.Username
}

// DisplayName returns the most human-readable name available.
func (p Person) DisplayName() string {
	switch {
	case p.Name != "":
		return p.Name
	case p.Username != "":
		return p.Username
	case p.Email != "":
		return p.Email
	default:
		return "Unknown"
	}
}

// BranchRef is a branch observed during a scan.
type BranchRef struct {
	Project    Project   `json:"project"`
	Name       string    `json:"name"`
	LastCommit time.Time `json:"lastCommit"`
	Committer  Person    `json:"committer"`
	Protected  bool      `json:"protected"`
}

// ActivityItem is an open merge request (GitLab) or pull request (GitHub).
// LastActivity is the most recent of the metadata update time and the
// latest comment or review.
type ActivityItem struct {
	Project      Project   `json:"project"`
	ID           int       `json:"id"`
	Title        string    `json:"title"`
	WebURL       string    `json:"webUrl"`
	SourceBranch string    `json:"sourceBranch"`
	LastActivity time.Time `json:"lastActivity"`
	Assignee     *Person   `json:"assignee,omitempty"`
	Author       Person    `json:"author"`
	Open         bool      `json:"open"`
}

// ItemKind distinguishes the two kinds of notification subjects.
type ItemKind string

const (
	ItemBranch ItemKind = "branch"
	ItemMR     ItemKind = "mr"
)

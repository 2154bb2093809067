package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/spiffcs/stalebot/internal/model"
)

var emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

// Update is a partial change to the settings the dashboard may edit.
// Connection settings and secrets are not part of it. Nil fields are left
// unchanged.
type Update struct {
	StaleDays                 *int        `json:"stale_days"`
	CleanupWeeks              *int        `json:"cleanup_weeks"`
	NotificationFrequencyDays *int        `json:"notification_frequency_days"`
	FallbackEmail             *string     `json:"fallback_email"`
	EnableAutoArchive         *bool       `json:"enable_auto_archive"`
	ArchiveFolder             *string     `json:"archive_folder"`
	EnableMRComments          *bool       `json:"enable_mr_comments"`
	MRCommentInactivityDays   *int        `json:"mr_comment_inactivity_days"`
	MRCommentFrequencyDays    *int        `json:"mr_comment_frequency_days"`
	Projects                  *ProjectIDs `json:"projects"`
}

// ProjectIDs decodes a JSON list of numeric ids or "owner/name" strings.
type ProjectIDs []string

func (p *ProjectIDs) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return errors.New("projects must be a list")
	}
	ids := make(ProjectIDs, 0, len(raw))
	for _, r := range raw {
		var s string
		if err := json.Unmarshal(r, &s); err == nil {
			ids = append(ids, strings.TrimSpace(s))
			continue
		}
		n, err := strconv.ParseInt(string(bytes.TrimSpace(r)), 10, 64)
		if err != nil {
			return fmt.Errorf("project id %s must be an integer or an owner/name string", r)
		}
		ids = append(ids, strconv.FormatInt(n, 10))
	}
	*p = ids
	return nil
}

// yamlValue writes numeric ids as YAML integers.
func (p ProjectIDs) yamlValue() []any {
	out := make([]any, 0, len(p))
	for _, id := range p {
		if n, err := strconv.ParseInt(id, 10, 64); err == nil {
			out = append(out, n)
			continue
		}
		out = append(out, id)
	}
	return out
}

// changes validates u against the platform kind and returns the new values
// keyed by their YAML names.
func (u Update) changes(kind model.Kind) (map[string]any, error) {
	var problems []string
	out := make(map[string]any)

	positive := func(key string, v *int) {
		if v == nil {
			return
		}
		if *v < 1 {
			problems = append(problems, key+" must be a positive integer")
			return
		}
		out[key] = *v
	}
	positive("stale_days", u.StaleDays)
	positive("cleanup_weeks", u.CleanupWeeks)
	positive("notification_frequency_days", u.NotificationFrequencyDays)
	positive("mr_comment_inactivity_days", u.MRCommentInactivityDays)
	positive("mr_comment_frequency_days", u.MRCommentFrequencyDays)

	if u.EnableAutoArchive != nil {
		out["enable_auto_archive"] = *u.EnableAutoArchive
	}
	if u.EnableMRComments != nil {
		out["enable_mr_comments"] = *u.EnableMRComments
	}

	if u.FallbackEmail != nil {
		// Empty clears the fallback.
		if e := *u.FallbackEmail; e != "" && !emailPattern.MatchString(e) {
			problems = append(problems, "fallback_email must be a valid email address")
		} else {
			out["fallback_email"] = e
		}
	}
	if u.ArchiveFolder != nil {
		switch f := *u.ArchiveFolder; {
		case strings.TrimSpace(f) == "":
			problems = append(problems, "archive_folder must not be empty")
		case strings.Contains(f, ".."):
			problems = append(problems, "archive_folder cannot contain path traversal characters (..)")
		default:
			out["archive_folder"] = f
		}
	}

	if u.Projects != nil {
		ids := *u.Projects
		if len(ids) == 0 {
			problems = append(problems, "projects must list at least one project")
		}
		for i, id := range ids {
			if err := checkProjectID(kind, id); err != nil {
				problems = append(problems, fmt.Sprintf("projects[%d]: %v", i, err))
			}
		}
		out["projects"] = ids.yamlValue()
	}

	if len(problems) > 0 {
		return nil, &ValidationError{Problems: problems}
	}
	return out, nil
}

func checkProjectID(kind model.Kind, id string) error {
	if id == "" {
		return errors.New("id is empty")
	}
	if kind == model.KindGitHub {
		_, _, err := (model.Project{ID: id}).OwnerRepo()
		return err
	}
	if _, err := strconv.ParseInt(id, 10, 64); err != nil {
		return fmt.Errorf("GitLab project id %q must be numeric", id)
	}
	return nil
}

func (u Update) applyTo(c *Config) {
	set := func(dst *int, v *int) {
		if v != nil {
			*dst = *v
		}
	}
	set(&c.StaleDays, u.StaleDays)
	set(&c.CleanupWeeks, u.CleanupWeeks)
	set(&c.NotificationFrequencyDays, u.NotificationFrequencyDays)
	set(&c.MRCommentInactivityDays, u.MRCommentInactivityDays)
	set(&c.MRCommentFrequencyDays, u.MRCommentFrequencyDays)
	if u.FallbackEmail != nil {
		c.FallbackEmail = *u.FallbackEmail
	}
	if u.EnableAutoArchive != nil {
		c.EnableAutoArchive = *u.EnableAutoArchive
	}
	if u.ArchiveFolder != nil {
		c.ArchiveFolder = *u.ArchiveFolder
	}
	if u.EnableMRComments != nil {
		c.EnableMRComments = *u.EnableMRComments
	}
	if u.Projects != nil {
		c.Projects = make([]ProjectRef, 0, len(*u.Projects))
		for _, id := range *u.Projects {
			c.Projects = append(c.Projects, ProjectRef{ID: id})
		}
	}
}

// Editor applies Updates to a single config file. Only the changed keys are
// rewritten; comments and every other key in the file are kept. It is safe
// for concurrent use.
type Editor struct {
	mu   sync.Mutex
	path string
	cfg  *Config
}

// NewEditor edits the file at path. cfg is the configuration loaded from it.
func NewEditor(path string, cfg *Config) *Editor {
	return &Editor{path: path, cfg: cfg}
}

// Path returns the file being edited.
func (e *Editor) Path() string {
	return e.path
}

// Redacted returns a masked copy of the current configuration.
func (e *Editor) Redacted() *Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg.Redacted()
}

// Apply validates u, writes it to the file and returns the applied values
// keyed by YAML name. Validation failures are returned as a
// *ValidationError and leave the file untouched.
func (e *Editor) Apply(u Update) (map[string]any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	kind, _ := e.cfg.Kind()
	changes, err := u.changes(kind)
	if err != nil {
		return nil, err
	}
	if len(changes) == 0 {
		return changes, nil
	}

	doc, err := readDocument(e.path)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(changes))
	for k := range changes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := setKey(doc.Content[0], k, changes[k]); err != nil {
			return nil, err
		}
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := SaveTo(e.path, buf.String()); err != nil {
		return nil, err
	}
	u.applyTo(e.cfg)
	return changes, nil
}

// readDocument parses path as a YAML document whose root is a mapping. A
// missing or empty file yields an empty mapping.
func readDocument(path string) (*yaml.Node, error) {
	empty := &yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{{Kind: yaml.MappingNode, Tag: "!!map"}}}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return empty, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return empty, nil
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return nil, fmt.Errorf("config file %s is not a YAML mapping", path)
	}
	return &doc, nil
}

// setKey replaces or appends key in the mapping node m.
func setKey(m *yaml.Node, key string, value any) error {
	var v yaml.Node
	if err := v.Encode(value); err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			v.HeadComment = m.Content[i+1].HeadComment
			v.LineComment = m.Content[i+1].LineComment
			m.Content[i+1] = &v
			return nil
		}
	}
	m.Content = append(m.Content, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key}, &v)
	return nil
}

// EditablePath returns the file stalebot serve writes updates to: the
// explicit path when set, otherwise the local file if present and the global
// file if not.
func EditablePath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	info := GetConfigPaths()
	if info.LocalExists {
		return LocalConfigPath()
	}
	return info.GlobalPath
}

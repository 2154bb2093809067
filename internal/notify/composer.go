// Package notify composes and delivers the per-recipient digest emails and
// posts reminder comments on stale merge/pull requests.
package notify

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"math/rand/v2"
	"sort"
	"strings"
	texttemplate "text/template"
	"time"

	"github.com/spiffcs/stalebot/internal/format"
	"github.com/spiffcs/stalebot/internal/history"
	"github.com/spiffcs/stalebot/internal/log"
	"github.com/spiffcs/stalebot/internal/model"
)

//go:embed templates/digest.html
var templateFS embed.FS

// Digest is everything one recipient is notified about in a run.
type Digest struct {
	Recipient string               `json:"recipient"`
	Branches  []model.BranchRef    `json:"branches"`
	Items     []model.ActivityItem `json:"items"`
}

// Len returns the number of entries in the digest.
func (d *Digest) Len() int {
	return len(d.Branches) + len(d.Items)
}

// Sort orders entries by project then branch name or item id.
func (d *Digest) Sort() {
	sort.Slice(d.Branches, func(i, j int) bool {
		a, b := d.Branches[i], d.Branches[j]
		if a.Project.ID != b.Project.ID {
			return a.Project.ID < b.Project.ID
		}
		return a.Name < b.Name
	})
	sort.Slice(d.Items, func(i, j int) bool {
		a, b := d.Items[i], d.Items[j]
		if a.Project.ID != b.Project.ID {
			return a.Project.ID < b.Project.ID
		}
		return a.ID < b.ID
	})
}

// Keys returns the history keys covered by the digest.
func (d *Digest) Keys() []history.NotificationKey {
	keys := make([]history.NotificationKey, 0, d.Len())
	for _, it := range d.Items {
		keys = append(keys, history.ItemKey(it.Project.ID, it.ID, d.Recipient))
	}
	for _, b := range d.Branches {
		keys = append(keys, history.BranchKey(b.Project.ID, b.Name, d.Recipient))
	}
	return keys
}

// Message is a rendered email.
type Message struct {
	To      string
	Subject string
	HTML    string
}

// Subject returns the digest email subject.
func Subject(d *Digest) string {
	switch {
	case len(d.Items) > 0 && len(d.Branches) > 0:
		return fmt.Sprintf("[Action Required] %d Stale Item(s) Require Attention", d.Len())
	case len(d.Items) > 0:
		return fmt.Sprintf("[Action Required] %d Stale Merge/Pull Request(s) Require Attention", len(d.Items))
	default:
		return fmt.Sprintf("[Action Required] %d Stale Branch(es) Require Attention", len(d.Branches))
	}
}

// Composer renders digests into messages.
type Composer struct {
	tmpl         *template.Template
	greetings    []string
	staleDays    int
	cleanupWeeks int
	autoArchive  bool
	now          func() time.Time
	pick         func(n int) int
}

// ComposerOption configures a Composer.
type ComposerOption func(*Composer)

// WithComposerClock overrides time.Now for age rendering.
func WithComposerClock(now func() time.Time) ComposerOption {
	return func(c *Composer) { c.now = now }
}

// WithGreetingPicker overrides the random greeting choice.
func WithGreetingPicker(pick func(n int) int) ComposerOption {
	return func(c *Composer) { c.pick = pick }
}

// WithAutoArchive switches the cleanup warning to the archive wording.
func WithAutoArchive(enabled bool) ComposerOption {
	return func(c *Composer) { c.autoArchive = enabled }
}

// NewComposer parses the embedded digest template.
func NewComposer(greetings []string, staleDays, cleanupWeeks int, opts ...ComposerOption) (*Composer, error) {
	c := &Composer{
		greetings:    greetings,
		staleDays:    staleDays,
		cleanupWeeks: cleanupWeeks,
		now:          time.Now,
		pick:         rand.IntN,
	}
	for _, opt := range opts {
		opt(c)
	}

	funcs := template.FuncMap{
		"date": func(t time.Time) string { return t.UTC().Format("2006-01-02") },
		"age":  func(t time.Time) string { return format.Ago(t, c.now()) },
	}
	tmpl, err := template.New("digest.html").Funcs(funcs).ParseFS(templateFS, "templates/digest.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse digest template: %w", err)
	}
	c.tmpl = tmpl
	return c, nil
}

type digestView struct {
	Greeting     string
	Items        []model.ActivityItem
	Branches     []model.BranchRef
	CleanupWeeks int
	AutoArchive  bool
}

// Compose renders d for its recipient.
func (c *Composer) Compose(d *Digest) (Message, error) {
	view := digestView{
		Greeting:     c.greeting(),
		Items:        d.Items,
		Branches:     d.Branches,
		CleanupWeeks: c.cleanupWeeks,
		AutoArchive:  c.autoArchive,
	}
	var buf bytes.Buffer
	if err := c.tmpl.Execute(&buf, view); err != nil {
		return Message{}, fmt.Errorf("failed to render digest for %s: %w", d.Recipient, err)
	}
	return Message{To: d.Recipient, Subject: Subject(d), HTML: buf.String()}, nil
}

// greeting picks a greeting and fills in {{.StaleDays}}. A greeting that
// fails to render is used verbatim.
func (c *Composer) greeting() string {
	if len(c.greetings) == 0 {
		return fmt.Sprintf("The following items have been inactive for at least %d days:", c.staleDays)
	}
	raw := c.greetings[c.pick(len(c.greetings))]
	t, err := texttemplate.New("greeting").Parse(raw)
	if err != nil {
		log.Debug("greeting is not a valid template", "error", err)
		return raw
	}
	var sb strings.Builder
	if err := t.Execute(&sb, struct{ StaleDays int }{c.staleDays}); err != nil {
		return raw
	}
	return sb.String()
}

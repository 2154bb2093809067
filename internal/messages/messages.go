// Package messages loads the rotating reminder comments and email greetings.
//
// A messages file holds one message per paragraph: messages are separated by
// blank lines, lines starting with '#' are ignored, and the lines of a
// paragraph are joined with single spaces.
package messages

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spiffcs/stalebot/internal/log"
)

// ErrNoMessages is returned for a file without any message.
var ErrNoMessages = errors.New("no messages found")

// Load reads the messages in path.
func Load(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open messages file: %w", err)
	}
	defer f.Close()

	var (
		out     []string
		current []string
	)
	flush := func() {
		if len(current) > 0 {
			out = append(out, strings.Join(current, " "))
			current = nil
		}
	}

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case strings.HasPrefix(line, "#"):
		case line == "":
			flush()
		default:
			current = append(current, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read messages file: %w", err)
	}
	flush()

	if len(out) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoMessages, path)
	}
	return out, nil
}

// Comments returns the reminder comments from path, or the built-in list
// when path is empty or unreadable.
func Comments(path string) []string {
	return loadOr(path, "comments", defaultComments)
}

// Greetings returns the email greetings from path, or the built-in list.
// Greetings are templates and may reference {{.StaleDays}}.
func Greetings(path string) []string {
	return loadOr(path, "greetings", defaultGreetings)
}

func loadOr(path, what string, fallback []string) []string {
	if path == "" {
		return append([]string(nil), fallback...)
	}
	msgs, err := Load(path)
	if err != nil {
		log.Warn("using built-in "+what, "path", path, "error", err)
		return append([]string(nil), fallback...)
	}
	log.Debug("loaded "+what, "path", path, "count", len(msgs))
	return msgs
}

var defaultComments = []string{
	"Friendly reminder: this merge request has not seen any activity in a while. " +
		"If it still matters, a quick update would help reviewers; if not, consider closing it.",
	"Checking in on this one. It has been quiet for some time. " +
		"Is it blocked on something, or can it be merged or closed?",
	"The cleanup bot noticed this merge request has gone idle. " +
		"Nothing is broken, this is just a nudge to decide what happens next.",
	"This merge request is collecting dust. Rebasing, pinging a reviewer, " +
		"or closing it are all fine outcomes.",
	"Another gentle nudge from the cleanup bot. Inactive merge requests are " +
		"eventually archived, so now is a good time to pick this back up.",
}

var defaultGreetings = []string{
	"This is a friendly note from the cleanup bot. The items below have been idle for at least {{.StaleDays}} days and could use a look:",
	"Hello! A few of your branches and merge requests have been quiet for {{.StaleDays}} days or more:",
	"Some of your work has not moved in {{.StaleDays}} days. Here is what the cleanup bot found:",
	"Time for a little tidying. These items have been inactive for {{.StaleDays}} days:",
}

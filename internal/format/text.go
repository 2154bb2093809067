// Package format provides shared text formatting for the terminal and for
// log and email output.
package format

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/mattn/go-runewidth"
)

// ansiRegex matches ANSI color sequences
var ansiRegex = regexp.MustCompile(`\x1b\[[0-9;]*m`)

// StripAnsi removes ANSI escape sequences from a string.
func StripAnsi(s string) string {
	return ansiRegex.ReplaceAllString(s, "")
}

// DisplayWidth returns the visible width of a string in terminal columns.
func DisplayWidth(s string) int {
	return runewidth.StringWidth(StripAnsi(s))
}

// TruncateToWidth cuts s to at most maxWidth visible columns, ending with
// "..." when cut. Color sequences before the cut are preserved and followed
// by a reset. Returns the result and its visible width.
func TruncateToWidth(s string, maxWidth int) (string, int) {
	width := DisplayWidth(s)
	if width <= maxWidth {
		return s, width
	}
	target := max(maxWidth-3, 0)

	matches := ansiRegex.FindAllStringIndex(s, -1)
	var b strings.Builder
	visible, pos, mi := 0, 0, 0
	colored := false
	for pos < len(s) {
		if mi < len(matches) && pos == matches[mi][0] {
			b.WriteString(s[matches[mi][0]:matches[mi][1]])
			pos = matches[mi][1]
			mi++
			colored = true
			continue
		}
		r, size := utf8.DecodeRuneInString(s[pos:])
		rw := runewidth.RuneWidth(r)
		if visible+rw > target {
			break
		}
		b.WriteString(s[pos : pos+size])
		visible += rw
		pos += size
	}
	b.WriteString("...")
	if colored {
		b.WriteString("\033[0m")
	}
	return b.String(), visible + 3
}

// PadRight pads a string with spaces to reach the target visible width.
func PadRight(s string, visibleWidth, targetWidth int) string {
	if visibleWidth >= targetWidth {
		return s
	}
	return s + strings.Repeat(" ", targetWidth-visibleWidth)
}

// Truncate shortens s to n runes, appending "..." when cut.
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

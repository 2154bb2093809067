package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/spiffcs/stalebot/internal/tui"
)

// tuiWords are the accepted spellings of an explicit --tui setting.
var tuiWords = map[string]bool{
	"true": true, "1": true, "yes": true, "on": true,
	"false": false, "0": false, "no": false, "off": false,
}

// tuiFlag is the --tui value. It writes Options.TUI: nil for auto, which
// shows the progress display only on an interactive terminal.
type tuiFlag struct {
	opts *Options
}

func newTUIFlag(opts *Options) *tuiFlag {
	return &tuiFlag{opts: opts}
}

// addTUIFlag registers --tui on cmd. A bare --tui means true.
func addTUIFlag(cmd *cobra.Command, opts *Options) {
	f := cmd.Flags().VarPF(newTUIFlag(opts), "tui", "", "Show run progress: true, false or auto")
	f.NoOptDefVal = "true"
}

func (f *tuiFlag) Set(s string) error {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "auto" {
		f.opts.TUI = nil
		return nil
	}
	on, ok := tuiWords[s]
	if !ok {
		return fmt.Errorf("--tui must be true, false or auto, got %q", s)
	}
	f.opts.TUI = &on
	return nil
}

func (f *tuiFlag) String() string {
	switch {
	case f.opts.TUI == nil:
		return "auto"
	case *f.opts.TUI:
		return "true"
	default:
		return "false"
	}
}

func (f *tuiFlag) Type() string { return "mode" }

// shouldUseTUI reports whether a run renders the progress display instead
// of log lines. -v always gets log lines. An explicit --tui beats
// --output json, which otherwise turns auto off.
func shouldUseTUI(opts *Options) bool {
	if opts.Verbosity > 0 {
		return false
	}
	if opts.TUI != nil {
		return *opts.TUI
	}
	return opts.Format != "json" && tui.ShouldUseTUI()
}

package cmd

import (
	"fmt"
	"io"
	"runtime"
	"runtime/debug"

	"github.com/spf13/cobra"
)

// Set via -ldflags "-X github.com/spiffcs/stalebot/cmd.version=..."
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// NewCmdVersion creates the version command.
func NewCmdVersion() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			printVersion(cmd.OutOrStdout())
		},
	}
}

func printVersion(w io.Writer) {
	v := version
	// go install builds carry the module version instead of ldflags.
	if v == "dev" {
		if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
			v = info.Main.Version
		}
	}
	_, _ = fmt.Fprintf(w, "stalebot %s\n", v)
	_, _ = fmt.Fprintf(w, "  commit: %s\n", commit)
	_, _ = fmt.Fprintf(w, "  built:  %s\n", date)
	_, _ = fmt.Fprintf(w, "  go:     %s\n", runtime.Version())
}

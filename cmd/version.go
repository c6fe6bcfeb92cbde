package cmd

import (
	"fmt"

	"github.com/smazurov/tofnode/internal/version"
	"github.com/spf13/cobra"
)

// CreateVersionCmd creates the version command.
func CreateVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			info := version.Get()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "tofnode %s\n", version.String())
			fmt.Fprintf(out, "  commit:   %s\n", info.GitCommit)
			fmt.Fprintf(out, "  built:    %s (%s)\n", info.BuildDate, info.BuildID)
			fmt.Fprintf(out, "  go:       %s %s\n", info.GoVersion, info.Compiler)
			fmt.Fprintf(out, "  platform: %s\n", info.Platform)
		},
	}
}

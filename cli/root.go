// Package cli implements the dagpbft command line.
package cli

import (
	"os"

	"github.com/spf13/cobra"
)

// Version is overridden at build time with -ldflags.
var Version = "0.1.0"

func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "dagpbft",
		Short:        "Runs a DAG + PBFT full node",
		SilenceUsage: true,
		RunE:         runNode,
	}
	AddNodeFlags(root.Flags())
	root.AddCommand(
		nodeCommand(),
		accountCommand(),
		accountFromKeyCommand(),
		vrfCommand(),
		vrfFromKeyCommand(),
		versionCommand(),
		configGenCommand(),
	)
	return root
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

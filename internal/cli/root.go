// Package cli defines the fleethub command line.
package cli

import (
	"github.com/spf13/cobra"
)

var version = "dev"

// NewRootCmd creates the root cobra command for fleethub.
// When invoked without a subcommand, it behaves as "run".
func NewRootCmd(v string) *cobra.Command {
	version = v

	root := &cobra.Command{
		Use:   "fleethub",
		Short: "Fleethub is the control plane for remote-managed endpoint devices",
		Long:  "Fleethub handles device enrollment and pairing, the command queue, telemetry, and the binary relay for live remote-control sessions.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, args)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newRunCmd())
	root.AddCommand(newInitCmd())
	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringP("config", "c", "", "path to config file")

	return root
}

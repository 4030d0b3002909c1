// Package cli implements the command-line front-end (spec.md §6): three
// subcommands — run, remove-user, delete-list — thin enough that the spec
// only prescribes their shape, not their implementation.
package cli

import (
	"github.com/spf13/cobra"
)

const rootUsage = `A moderation daemon for the network's public repo event stream

Common actions:
- modbot run             Start the daemon (firehose → pipeline → reconciler)
- modbot remove-user      Remove one account from a list
- modbot delete-list      Delete a list entirely
`

// NewRootCmd builds the top-level command tree.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "modbot",
		Short:        "Moderation daemon for the network",
		Long:         rootUsage,
		SilenceUsage: true,
	}

	cmd.AddCommand(
		newRunCmd(),
		newRemoveUserCmd(),
		newDeleteListCmd(),
	)

	return cmd
}

// Execute runs the CLI, returning the same error cobra does — callers
// translate it into the exit code documented in spec.md §6.
func Execute() error {
	return NewRootCmd().Execute()
}

// Package cli is the agentic command line: it runs plans through the
// execution engine and browses, rewinds and forks session history.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Workspace  string
	Database   string
	Verbose    bool

	// Confirm asks the user a yes/no question. Nil uses the terminal.
	Confirm func(question string) (bool, error)
}

// NewRootCommand creates the root command for the agentic CLI.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agentic",
		Short: "Run agent plans under a safety guard with rewindable checkpoints",
		Long: `agentic executes the steps of a plan against the local workspace and the web.

Every step is checked by the safety guard before it runs, and the workspace is
checkpointed after each step so a session can be rolled back, rewound to any
earlier checkpoint, forked into a new branch, or resumed after a crash.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "config file (default <workspace>/agentic.toml)")
	cmd.PersistentFlags().StringVarP(&opts.Workspace, "workspace", "w", "", "workspace directory (default current directory)")
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "session database (default <workspace>/.agentic/sessions.db)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "log to stderr as well as the log file")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewResumeCommand(opts))
	cmd.AddCommand(NewSessionsCommand(opts))
	cmd.AddCommand(NewListCheckpointsCommand(opts))
	cmd.AddCommand(NewBranchesCommand(opts))
	cmd.AddCommand(NewRewindCommand(opts))
	cmd.AddCommand(NewForkCommand(opts))
	cmd.AddCommand(NewGCCommand(opts))

	return cmd
}

// Execute runs the CLI and exits with the code of the error, if any.
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(GetExitCode(err))
	}
}

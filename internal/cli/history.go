package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Tahsine/agentic-cli/internal/checkpoint"
	"github.com/Tahsine/agentic-cli/internal/display"
)

// NewSessionsCommand creates the sessions command.
func NewSessionsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "sessions",
		Short:         "List the sessions in the database",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv(rootOpts)
			if err != nil {
				return WrapExitError(ExitFailure, "setup failed", err)
			}
			defer env.Close()

			recs, err := env.store.ListSessions(cmdContext(cmd))
			if err != nil {
				return exitError("list sessions", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), display.FormatSessions(recs))
			return nil
		},
	}
}

type listCheckpointsOptions struct {
	*RootOptions
	Branch string
}

// NewListCheckpointsCommand creates the list-checkpoints command.
func NewListCheckpointsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &listCheckpointsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "list-checkpoints <session>",
		Short: "List the checkpoints of a branch, oldest first",
		Long: `List the checkpoints of a branch, oldest first.

Only checkpoints reachable from the branch tip are shown; those left behind
by a rewind stay stored until gc removes them.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv(opts.RootOptions)
			if err != nil {
				return WrapExitError(ExitFailure, "setup failed", err)
			}
			defer env.Close()

			ctx := cmdContext(cmd)
			mgr, rec, err := env.manager(ctx, args[0])
			if err != nil {
				return exitError("open session "+args[0], err)
			}
			branch := opts.Branch
			if branch == "" {
				branch = mgr.Active()
			}

			var cps []checkpoint.Checkpoint
			for cp, err := range mgr.List(ctx, branch) {
				if err != nil {
					return exitError("list checkpoints", err)
				}
				cps = append(cps, cp)
			}
			tip := ""
			for _, b := range mgr.Branches() {
				if b.ID == branch {
					tip = b.Tip
				}
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Session %s, branch %s\n", rec.ID, branch)
			fmt.Fprintln(w, display.FormatCheckpoints(cps, tip))
			return nil
		},
	}

	cmd.Flags().StringVarP(&opts.Branch, "branch", "b", "", "branch to list (default the active branch)")
	return cmd
}

// NewBranchesCommand creates the branches command.
func NewBranchesCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "branches <session>",
		Short:         "List the branches of a session",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv(rootOpts)
			if err != nil {
				return WrapExitError(ExitFailure, "setup failed", err)
			}
			defer env.Close()

			mgr, _, err := env.manager(cmdContext(cmd), args[0])
			if err != nil {
				return exitError("open session "+args[0], err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), display.FormatBranches(mgr.Branches(), mgr.Active()))
			return nil
		},
	}
}

// NewRewindCommand creates the rewind command.
func NewRewindCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rewind <session> <checkpoint>",
		Short: "Move a session back to a checkpoint",
		Long: `Move a session back to a checkpoint.

The workspace is rewritten to the checkpoint and the branch continues from
it on the next resume. Later checkpoints are kept but no longer listed.`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv(rootOpts)
			if err != nil {
				return WrapExitError(ExitFailure, "setup failed", err)
			}
			defer env.Close()

			ctx := cmdContext(cmd)
			eng, err := env.loadEngine(ctx, args[0])
			if err != nil {
				return exitError("load session "+args[0], err)
			}
			defer eng.Close()

			if err := eng.Rewind(ctx, args[1]); err != nil {
				return exitError("rewind", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Session %s rewound to %s on branch %s. Continue with: agentic resume %s\n",
				args[0], args[1], eng.ActiveBranch(), args[0])
			return nil
		},
	}
}

// NewForkCommand creates the fork command.
func NewForkCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "fork <session> <checkpoint>",
		Short: "Start a new branch at a checkpoint",
		Long: `Start a new branch at a checkpoint and make it the active branch.

The branch the checkpoint belongs to is left as it is.`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv(rootOpts)
			if err != nil {
				return WrapExitError(ExitFailure, "setup failed", err)
			}
			defer env.Close()

			ctx := cmdContext(cmd)
			eng, err := env.loadEngine(ctx, args[0])
			if err != nil {
				return exitError("load session "+args[0], err)
			}
			defer eng.Close()

			branch, err := eng.Fork(ctx, args[1])
			if err != nil {
				return exitError("fork", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Forked session %s at %s into branch %s\n", args[0], args[1], branch)
			return nil
		},
	}
}

// NewGCCommand creates the gc command.
func NewGCCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "gc <session>",
		Short:         "Delete checkpoints no branch can reach",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv(rootOpts)
			if err != nil {
				return WrapExitError(ExitFailure, "setup failed", err)
			}
			defer env.Close()

			ctx := cmdContext(cmd)
			mgr, _, err := env.manager(ctx, args[0])
			if err != nil {
				return exitError("open session "+args[0], err)
			}
			stats, err := mgr.GC(ctx)
			if err != nil {
				return exitError("gc", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d checkpoint(s) and %d blob(s)\n", stats.Checkpoints, stats.Blobs)
			return nil
		},
	}
}

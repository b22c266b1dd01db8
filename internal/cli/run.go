package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Tahsine/agentic-cli/internal/checkpoint"
	"github.com/Tahsine/agentic-cli/internal/display"
	"github.com/Tahsine/agentic-cli/internal/engine"
	"github.com/Tahsine/agentic-cli/internal/guard"
	"github.com/Tahsine/agentic-cli/internal/listener"
	"github.com/Tahsine/agentic-cli/internal/llm_client"
	"github.com/Tahsine/agentic-cli/internal/logger"
	"github.com/Tahsine/agentic-cli/internal/plan"
	"github.com/Tahsine/agentic-cli/internal/planner"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	PlanFile    string
	PlanNames   []string
	Objective   string
	Constraints []string
	SessionID   string
	PolicyFile  string
	DryRun      bool
	Yes         bool
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a plan in a new session",
		Long: `Execute a plan in a new session.

The plan comes from a JSON or YAML file (--plan) or is generated from an
objective by the configured language model (--objective). The plan is shown
with the guard's decision for every step; destructive steps need a
confirmation before the run starts.

Example:
  agentic run --plan plan.yaml --session release
  agentic run --objective "summarise the changelog into NOTES.md" --dry-run`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlan(opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.PlanFile, "plan", "p", "", "plan file (JSON or YAML)")
	cmd.Flags().StringSliceVar(&opts.PlanNames, "name", nil, "plan to pick from a file holding several")
	cmd.Flags().StringVarP(&opts.Objective, "objective", "o", "", "objective to plan for, or to record with --plan")
	cmd.Flags().StringArrayVar(&opts.Constraints, "constraint", nil, "constraint on the objective (repeatable)")
	cmd.Flags().StringVar(&opts.SessionID, "session", "", "session id (default generated)")
	cmd.Flags().StringVar(&opts.PolicyFile, "policy", "", "guard policy file (YAML)")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "show the plan and guard decisions without executing")
	cmd.Flags().BoolVarP(&opts.Yes, "yes", "y", false, "confirm every destructive step")

	return cmd
}

func runPlan(opts *RunOptions, cmd *cobra.Command) error {
	env, err := openEnv(opts.RootOptions)
	if err != nil {
		return WrapExitError(ExitFailure, "setup failed", err)
	}
	defer env.Close()
	defer listener.Close()

	ctx := cmdContext(cmd)
	w := cmd.OutOrStdout()

	p, err := opts.loadPlan(ctx, env, w)
	if err != nil {
		return err
	}
	if err := plan.Validate(p); err != nil {
		return exitError("invalid plan", err)
	}

	if opts.SessionID != "" {
		_, err := env.store.LoadSession(ctx, opts.SessionID)
		switch {
		case err == nil:
			return NewExitError(ExitFailure, fmt.Sprintf("session %s already exists; continue it with resume", opts.SessionID))
		case !errors.Is(err, checkpoint.ErrNotFound):
			return WrapExitError(ExitFailure, "look up session", err)
		}
	}

	policyFile := env.policyPath(opts.PolicyFile)
	pol, err := env.policy(policyFile)
	if err != nil {
		return WrapExitError(ExitFailure, "load policy", err)
	}
	gctx := guard.Context{Workspace: env.workspace, SessionID: opts.SessionID}

	fmt.Fprintln(w, display.FormatPlan(p, evaluateAll(p, pol, gctx)))
	logger.Log.Info("plan loaded", "objective", p.Objective, "steps", len(p.Steps))
	logger.Log.Debug("full plan\n" + display.FormatPlanFull(p))

	if opts.DryRun {
		fmt.Fprintln(w, "Dry run: nothing was executed.")
		return nil
	}
	if err := opts.approve(p, pol, gctx, w); err != nil {
		return err
	}

	eng, err := engine.New(env.deps(env.workspace),
		env.engineOptions(engine.WithSessionID(opts.SessionID), engine.WithPolicy(pol))...)
	if err != nil {
		return WrapExitError(ExitFailure, "create engine", err)
	}
	defer eng.Close()

	if err := eng.Submit(ctx, p); err != nil {
		return exitError("submit plan", err)
	}
	fmt.Fprintf(w, "Session %s started\n", eng.SessionID())
	return drive(ctx, w, env, eng, policyFile)
}

func (o *RunOptions) loadPlan(ctx context.Context, env *env, w io.Writer) (*plan.Plan, error) {
	switch {
	case o.PlanFile != "":
		plans, err := plan.LoadFile(o.PlanFile)
		if err != nil {
			return nil, WrapExitError(ExitPlanInvalid, "load plan", err)
		}
		plans, missing := plan.SelectByName(plans, o.PlanNames)
		if len(missing) > 0 {
			return nil, NewExitError(ExitPlanInvalid,
				fmt.Sprintf("no plan named %s in %s", strings.Join(missing, ", "), o.PlanFile))
		}
		if len(plans) != 1 {
			fmt.Fprint(w, display.FormatCatalog(o.PlanFile, plans))
			return nil, NewExitError(ExitPlanInvalid,
				fmt.Sprintf("%s holds %d plans; pick one with --name", o.PlanFile, len(plans)))
		}
		p := plans[0].Plan
		if o.Objective != "" {
			p.Objective = o.Objective
		}
		p.Constraints = append(p.Constraints, o.Constraints...)
		return &p, nil

	case o.Objective != "":
		if err := env.initLLM(); err != nil {
			return nil, WrapExitError(ExitFailure, "planner unavailable", err)
		}
		fmt.Fprintln(w, "Generating plan ...")
		p, err := planner.New(llm_client.GenerateJSON).Generate(ctx, o.Objective, o.Constraints)
		if err != nil {
			return nil, exitError("plan generation failed", err)
		}
		return p, nil
	}
	return nil, NewExitError(ExitPlanInvalid, "one of --plan or --objective is required")
}

// approve asks about every step the guard denies only for lack of
// confirmation, then about the plan as a whole when it is risky. A refused
// step stays unconfirmed and the guard denies it when its turn comes.
func (o *RunOptions) approve(p *plan.Plan, pol guard.Policy, gctx guard.Context, w io.Writer) error {
	ask := o.Confirm
	if ask == nil {
		ask = terminalConfirm
	}
	for i := range p.Steps {
		s := &p.Steps[i]
		if !guard.NeedsConfirmation(*s, pol, gctx) {
			continue
		}
		if o.Yes {
			s.Confirmed = true
			continue
		}
		d := guard.Evaluate(*s, pol, gctx)
		ok, err := ask(fmt.Sprintf("Step %s is destructive (%s). Allow it?", s.ID, display.FormatDecision(d)))
		if err != nil {
			return WrapExitError(ExitAborted, "confirmation", err)
		}
		if ok {
			s.Confirmed = true
		} else {
			fmt.Fprintf(w, "Step %s left unconfirmed; the guard will deny it.\n", s.ID)
		}
	}

	if o.Yes || !display.Risky(p) {
		return nil
	}
	ok, err := ask("Do you want to execute this plan?")
	if err != nil {
		return WrapExitError(ExitAborted, "confirmation", err)
	}
	if !ok {
		return NewExitError(ExitAborted, "plan rejected")
	}
	return nil
}

func terminalConfirm(question string) (bool, error) {
	if !listener.Active() {
		if err := listener.Init(nil, nil); err != nil {
			return false, fmt.Errorf("failed to init terminal input: %w", err)
		}
	}
	return listener.AskYesNo(question)
}

func evaluateAll(p *plan.Plan, pol guard.Policy, gctx guard.Context) map[string]guard.Decision {
	out := make(map[string]guard.Decision, len(p.Steps))
	for _, s := range p.Steps {
		out[s.ID] = guard.Evaluate(s, pol, gctx)
	}
	return out
}

// NewResumeCommand creates the resume command.
func NewResumeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <session>",
		Short: "Continue a session from the tip of its active branch",
		Long: `Continue a session from the tip of its active branch.

The workspace is first restored to that checkpoint; work that was never
checkpointed is discarded. A session whose history fails its integrity check
is not resumed.`,
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
			eng, err := env.loadEngine(ctx, args[0])
			if err != nil {
				return exitError("load session "+args[0], err)
			}
			defer eng.Close()

			w := cmd.OutOrStdout()
			rec := eng.Session()
			fmt.Fprintf(w, "Resuming session %s on branch %s\n", rec.ID, rec.ActiveBranch)
			return drive(ctx, w, env, eng, env.policyPath(""))
		},
	}
}

// drive advances the session to its end, printing each committed step. A
// signal aborts the session; the running command is stopped and the
// workspace returns to the last checkpoint.
func drive(ctx context.Context, w io.Writer, env *env, eng *engine.Engine, policyFile string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Log.Warn("received signal, aborting session", "signal", sig)
			eng.Abort()
		case <-ctx.Done():
		}
	}()

	if policyFile != "" && env.cfg.Guard.Watch {
		err := guard.Watch(ctx, policyFile, func(p guard.Policy, err error) {
			if err == nil {
				err = eng.SetPolicy(p)
			}
			if err != nil {
				logger.Log.Warn("policy reload rejected, keeping the previous policy", "file", policyFile, "err", err)
			}
		})
		if err != nil {
			logger.Log.Warn("policy watch disabled", "err", err)
		}
	}

	var runErr error
loop:
	for {
		o, err := eng.Advance(ctx)
		switch {
		case err == nil:
			fmt.Fprintln(w, display.FormatOutcome(o))
		case errors.Is(err, engine.ErrDone):
			runErr = eng.Err()
			break loop
		default:
			runErr = err
			break loop
		}
	}

	printSummary(w, eng)
	rec := eng.Session()
	return exitError(fmt.Sprintf("session %s %s", rec.ID, rec.Status), runErr)
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

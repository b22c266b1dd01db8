package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Tahsine/agentic-cli/internal/checkpoint"
	"github.com/Tahsine/agentic-cli/internal/config"
	"github.com/Tahsine/agentic-cli/internal/engine"
	"github.com/Tahsine/agentic-cli/internal/events"
	"github.com/Tahsine/agentic-cli/internal/guard"
	"github.com/Tahsine/agentic-cli/internal/llm_client"
	"github.com/Tahsine/agentic-cli/internal/logger"
	"github.com/Tahsine/agentic-cli/internal/plan"
	"github.com/Tahsine/agentic-cli/internal/research"
	"github.com/Tahsine/agentic-cli/internal/sandbox"
	"github.com/Tahsine/agentic-cli/internal/store"
)

// env is what every command needs: configuration, logging, the session
// database and the event sink.
type env struct {
	opts      *RootOptions
	cfg       *config.Config
	workspace string
	store     *store.Store
	events    events.Sink

	llmReady bool
	llmErr   error
}

func openEnv(opts *RootOptions) (*env, error) {
	ws := opts.Workspace
	if ws == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		ws = wd
	}
	ws, err := filepath.Abs(ws)
	if err != nil {
		return nil, err
	}
	if fi, err := os.Stat(ws); err != nil || !fi.IsDir() {
		return nil, fmt.Errorf("workspace %s is not a directory", ws)
	}

	cfg, err := config.Load(opts.ConfigPath, ws)
	if err != nil {
		return nil, err
	}
	if err := logger.Init(config.Resolve(ws, cfg.Storage.LogFile), opts.Verbose); err != nil {
		return nil, fmt.Errorf("could not initialize logger: %w", err)
	}

	dbPath := opts.Database
	if dbPath == "" {
		dbPath = config.Resolve(ws, cfg.Storage.Path)
	}
	st, err := store.Open(dbPath)
	if err != nil {
		logger.Close()
		return nil, err
	}

	var sink events.Sink = events.Noop{}
	if cfg.Events.NATSURL != "" {
		n, err := events.Dial(cfg.Events.NATSURL, cfg.Events.Prefix)
		if err != nil {
			logger.Log.Warn("event publishing disabled", "err", err)
		} else {
			sink = n
		}
	}

	logger.Log.Debug("environment ready", "workspace", ws, "db", dbPath)
	return &env{opts: opts, cfg: cfg, workspace: ws, store: st, events: sink}, nil
}

func (e *env) Close() {
	if err := e.events.Close(); err != nil {
		logger.Log.Warn("error closing event sink", "err", err)
	}
	if err := e.store.Close(); err != nil {
		logger.Log.Error("error closing database", "err", err)
	}
	logger.Close()
}

// initLLM sets up the language model once. Failure is remembered so the
// caller can decide whether it matters.
func (e *env) initLLM() error {
	if e.llmReady || e.llmErr != nil {
		return e.llmErr
	}
	host := e.cfg.LLM.OllamaHost
	if host == "" {
		host = os.Getenv("OLLAMA_HOST")
	}
	e.llmErr = llm_client.Init(llm_client.Config{
		Backend:    e.cfg.LLM.Backend,
		Model:      e.cfg.LLM.Model,
		OllamaHost: host,
	})
	e.llmReady = e.llmErr == nil
	if e.llmErr == nil {
		logger.Log.Info("llm ready", "backend", llm_client.ActiveBackend())
	}
	return e.llmErr
}

func (e *env) researcher() engine.Researcher {
	var gen research.Generate
	if e.cfg.Research.Synthesize {
		if err := e.initLLM(); err != nil {
			logger.Log.Warn("research synthesis disabled", "err", err)
		} else {
			gen = llm_client.Generate
		}
	}

	var d *research.Delegate
	if key := e.cfg.ResearchAPIKey(); key != "" {
		t := research.NewTavily()
		t.APIKey = key
		if e.cfg.Research.Endpoint != "" {
			t.Endpoint = e.cfg.Research.Endpoint
		}
		if e.cfg.Research.SearchDepth != "" {
			t.Depth = e.cfg.Research.SearchDepth
		}
		d = research.New(t, gen)
	} else {
		// explicit urls still work without a search backend
		d = research.New(nil, gen)
	}
	if e.cfg.Research.MaxRounds > 0 {
		d.MaxRounds = e.cfg.Research.MaxRounds
	}
	return d
}

// deps wires the engine collaborators for a workspace.
func (e *env) deps(workspace string) engine.Deps {
	sb := sandbox.New(workspace)
	if e.cfg.Engine.GracePeriod > 0 {
		sb.GracePeriod = e.cfg.Engine.GracePeriod
	}
	if e.cfg.Engine.MaxOutputBytes > 0 {
		sb.MaxOutput = e.cfg.Engine.MaxOutputBytes
	}
	return engine.Deps{
		Store:     e.store,
		Workspace: workspace,
		Commands:  sb,
		Research:  e.researcher(),
		Events:    e.events,
	}
}

func (e *env) engineOptions(extra ...engine.Option) []engine.Option {
	retry := func(r config.RetryConfig) engine.RetryPolicy {
		return engine.RetryPolicy{
			MaxAttempts: r.MaxAttempts,
			Initial:     r.InitialInterval,
			Max:         r.MaxInterval,
			Multiplier:  r.Multiplier,
		}
	}
	opts := []engine.Option{
		engine.WithResearchWorkers(e.cfg.Engine.ResearchWorkers),
		engine.WithDefaultTimeout(e.cfg.Engine.DefaultTimeout),
		engine.WithContinueOnFailure(e.cfg.Engine.ContinueOnFailure),
		engine.WithRetry(plan.KindCommand, retry(e.cfg.Retry.Command)),
		engine.WithRetry(plan.KindResearch, retry(e.cfg.Retry.Research)),
	}
	return append(opts, extra...)
}

// policyPath is the flag value, else the configured file, else "".
func (e *env) policyPath(flag string) string {
	if flag != "" {
		return flag
	}
	return config.Resolve(e.workspace, e.cfg.Guard.PolicyFile)
}

func (e *env) policy(path string) (guard.Policy, error) {
	if path == "" {
		return guard.DefaultPolicy(), nil
	}
	p, err := guard.LoadPolicy(path)
	if err != nil {
		return guard.Policy{}, fmt.Errorf("guard policy %s: %w", path, err)
	}
	return p, nil
}

// loadEngine reopens a session in the workspace it was started in, unless
// --workspace says otherwise.
func (e *env) loadEngine(ctx context.Context, sessionID string) (*engine.Engine, error) {
	rec, err := e.store.LoadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	ws := rec.Workspace
	if e.opts.Workspace != "" || ws == "" {
		ws = e.workspace
	}
	return engine.Load(ctx, e.deps(ws), sessionID, e.engineOptions()...)
}

// manager opens a session's history without touching its workspace.
func (e *env) manager(ctx context.Context, sessionID string) (*checkpoint.Manager, checkpoint.SessionRecord, error) {
	rec, err := e.store.LoadSession(ctx, sessionID)
	if err != nil {
		return nil, rec, err
	}
	mgr, err := checkpoint.NewManager(ctx, e.store, rec.ID, rec.Workspace)
	if err != nil {
		return nil, rec, err
	}
	if rec.ActiveBranch != "" {
		if err := mgr.SetActive(rec.ActiveBranch); err != nil {
			return nil, rec, err
		}
	}
	return mgr, rec, nil
}

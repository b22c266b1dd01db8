// Package planner turns an objective into a plan through a language model.
// Its output is untrusted: plans are validated here and again on submit.
package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Tahsine/agentic-cli/internal/llm_client"
	"github.com/Tahsine/agentic-cli/internal/logger"
	"github.com/Tahsine/agentic-cli/internal/plan"
)

// PlanningError reports a model reply that could not be turned into a valid
// plan. Raw holds the last reply.
type PlanningError struct {
	Objective string
	Raw       string
	Err       error
}

func (e *PlanningError) Error() string {
	return fmt.Sprintf("planning %q: %v", e.Objective, e.Err)
}

func (e *PlanningError) Unwrap() error { return e.Err }

// GenerateJSON asks a model for a JSON document; llm_client.GenerateJSON fits.
type GenerateJSON func(ctx context.Context, prompt string, schema any) (string, error)

type Planner struct {
	Model GenerateJSON
	// Attempts bounds how often an invalid reply is sent back for repair.
	Attempts int
}

func New(gen GenerateJSON) *Planner {
	return &Planner{Model: gen, Attempts: 2}
}

// Generate plans the objective. A reply that fails to decode or validate is
// returned to the model with the error for another attempt.
func (p *Planner) Generate(ctx context.Context, objective string, constraints []string) (*plan.Plan, error) {
	if strings.TrimSpace(objective) == "" {
		return nil, &PlanningError{Err: errors.New("empty objective")}
	}
	gen := p.Model
	if gen == nil {
		gen = llm_client.GenerateJSON
	}

	var (
		raw     string
		lastErr error
	)
	for attempt := 1; attempt <= max(p.Attempts, 1); attempt++ {
		prompt := buildPlanPrompt(objective, constraints, raw, lastErr)
		out, err := gen(ctx, prompt, nil)
		if err != nil {
			return nil, &PlanningError{Objective: objective, Err: fmt.Errorf("failed to generate plan from LLM: %w", err)}
		}
		raw = llm_client.StripFences(out)

		var pl plan.Plan
		if err := json.Unmarshal([]byte(raw), &pl); err != nil {
			lastErr = fmt.Errorf("error parsing generated plan JSON: %w", err)
		} else {
			pl.Objective = objective
			pl.Constraints = constraints
			if lastErr = plan.Validate(&pl); lastErr == nil {
				return &pl, nil
			}
		}
		logger.Log.Warn("generated plan rejected", "attempt", attempt, "err", lastErr)
	}
	return nil, &PlanningError{Objective: objective, Raw: raw, Err: lastErr}
}

func buildPlanPrompt(objective string, constraints []string, previous string, prevErr error) string {
	var sb strings.Builder

	sb.WriteString("You are an expert workflow planner. Convert the user's objective into a STRICT JSON execution plan.\n")
	sb.WriteString("Respond ONLY with JSON. No extra text.\n\n")

	sb.WriteString("OUTPUT JSON SCHEMA:\n")
	sb.WriteString(`{"steps": [{"id": "<slug>", "kind": "command|research|composite", "description": "<string>", "params": {}, "depends_on": ["<id>"], "idempotent": <bool>, "risk": "LOW|MEDIUM|HIGH|CRITICAL", "steps": [<children of a composite>]}]}` + "\n\n")

	sb.WriteString("STEP KINDS:\n")
	sb.WriteString("- command: params {\"command\": \"<shell command>\", \"dir\": \"<optional dir relative to the workspace>\"}. Outputs: exit_code, stdout, stderr.\n")
	sb.WriteString("- research: params {\"query\": \"<web search>\", \"urls\": [\"<optional pages>\"], \"max_results\": <int>}. Outputs: content, sources, confidence.\n")
	sb.WriteString("- composite: runs its child steps in order as one unit. Children are command or research steps without depends_on.\n\n")

	sb.WriteString("HARD RULES:\n")
	sb.WriteString("1) IDS: short, unique, lowercase across the whole plan, including composite children.\n")
	sb.WriteString("2) DEPENDENCIES: a step runs only after every id in depends_on succeeded. Never create cycles.\n")
	sb.WriteString("3) RESULTS: later steps may reference outputs via '@results.<step_id>.<key>' only if that step is in their depends_on chain.\n")
	sb.WriteString("4) SAFETY: stay inside the workspace. Mark steps that delete, overwrite, or install as risk HIGH or CRITICAL.\n")
	sb.WriteString("5) IDEMPOTENT: set idempotent=true only when running the step twice has the same effect as once.\n\n")

	if len(constraints) > 0 {
		sb.WriteString("CONSTRAINTS:\n")
		for _, c := range constraints {
			fmt.Fprintf(&sb, "- %s\n", c)
		}
		sb.WriteString("\n")
	}

	if prevErr != nil {
		sb.WriteString("Your previous plan was rejected.\n")
		fmt.Fprintf(&sb, "Previous plan: %s\n", previous)
		fmt.Fprintf(&sb, "Error: %v\n", prevErr)
		sb.WriteString("Fix the error and return the whole corrected plan.\n\n")
	}

	sb.WriteString("Generate the plan now for this objective:\n")
	fmt.Fprintf(&sb, "Objective: %q\n", objective)
	sb.WriteString("Assistant: ")
	return sb.String()
}

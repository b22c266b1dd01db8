package display

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/muesli/reflow/indent"
	"github.com/muesli/reflow/wordwrap"

	"github.com/Tahsine/agentic-cli/internal/guard"
	"github.com/Tahsine/agentic-cli/internal/plan"
)

const wrapWidth = 72

func FormatCatalog(file string, plans []plan.NamedPlan) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Found %d plan(s) in %s:\n", len(plans), file))
	for i, p := range plans {
		sb.WriteString(fmt.Sprintf("  %2d. %s  (steps=%d, risky=%v)\n", i+1, p.Name, countSteps(&p.Plan), Risky(&p.Plan)))
	}
	return sb.String()
}

// Risky reports whether any step is rated HIGH or CRITICAL.
func Risky(p *plan.Plan) bool {
	risky := false
	p.Walk(func(s *plan.Step, _ *plan.Step) {
		if s.Risk == plan.RiskHigh || s.Risk == plan.RiskCritical {
			risky = true
		}
	})
	return risky
}

func countSteps(p *plan.Plan) int {
	n := 0
	p.Walk(func(*plan.Step, *plan.Step) { n++ })
	return n
}

// FormatPlan previews a plan with long values cut. decisions, when not nil,
// adds the guard's verdict under each step.
func FormatPlan(p *plan.Plan, decisions map[string]guard.Decision) string {
	return formatPlan(p, decisions, maxValueLength)
}

// FormatPlanFull is FormatPlan without truncation, for the log file.
func FormatPlanFull(p *plan.Plan) string {
	return formatPlan(p, nil, -1)
}

func formatPlan(p *plan.Plan, decisions map[string]guard.Decision, limit int) string {
	var sb strings.Builder
	sb.WriteString(titleStyle.Render("Execution plan") + "\n")
	if p.Objective != "" {
		sb.WriteString("Objective: " + p.Objective + "\n")
	}
	for _, c := range p.Constraints {
		sb.WriteString("Constraint: " + c + "\n")
	}
	sb.WriteString(rule + "\n")

	for i, s := range p.Steps {
		writeStep(&sb, fmt.Sprintf("%d.", i+1), s, decisions, limit, 0)
		for j, c := range s.Steps {
			writeStep(&sb, fmt.Sprintf("%c.", 'a'+j), c, decisions, limit, 3)
		}
	}
	sb.WriteString(rule)
	return sb.String()
}

func writeStep(sb *strings.Builder, label string, s plan.Step, decisions map[string]guard.Decision, limit int, depth uint) {
	var head strings.Builder
	head.WriteString(fmt.Sprintf("%s %s [%s]", label, accentStyle.Render(s.ID), s.Kind))
	if s.Risk != "" {
		head.WriteString(" risk=" + riskLabel(s.Risk))
	}
	if len(s.DependsOn) > 0 {
		head.WriteString(" after " + strings.Join(s.DependsOn, ", "))
	}
	if s.Idempotent {
		head.WriteString(" idempotent")
	}
	if s.Confirmed {
		head.WriteString(" confirmed")
	}

	var body strings.Builder
	if s.Description != "" {
		body.WriteString(wordwrap.String(s.Description, wrapWidth) + "\n")
	}
	keys := make([]string, 0, len(s.Params))
	for k := range s.Params {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		body.WriteString(fmt.Sprintf("%s: %s\n", k, formatValue(s.Params[k], limit)))
	}
	if d, ok := decisions[s.ID]; ok {
		body.WriteString("guard: " + FormatDecision(d) + "\n")
	}

	sb.WriteString(indent.String(head.String(), depth) + "\n")
	if body.Len() > 0 {
		sb.WriteString(indent.String(strings.TrimSuffix(body.String(), "\n"), depth+3) + "\n")
	}
}

func riskLabel(r plan.Risk) string {
	switch r {
	case plan.RiskHigh:
		return warnStyle.Render(string(r))
	case plan.RiskCritical:
		return errorStyle.Render(string(r))
	}
	return string(r)
}

// FormatDecision is one line: the verdict, then the timeout or the rule
// and reason.
func FormatDecision(d guard.Decision) string {
	out := Status(d.Verdict.String())
	switch {
	case d.Denied():
		out += fmt.Sprintf(" by %s: %s", orDash(d.Rule), d.Reason)
	case d.Timeout > 0:
		out += fmt.Sprintf(" (timeout %s)", d.Timeout.Round(time.Millisecond))
	}
	return out
}

package guard

import (
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/Tahsine/agentic-cli/internal/plan"
)

// Evaluate decides whether step may run under p. It reads nothing but its
// arguments, so the same inputs always give the same decision.
//
// Checks run in order and the first deny ends evaluation: kind and command
// rules, path scope, destructive patterns. Ceilings then turn an allow into
// an allow with timeout.
func Evaluate(step plan.Step, p Policy, c Context) Decision {
	return evaluate(step, p, c, nil)
}

// NeedsConfirmation reports whether step is denied only because it lacks the
// elevated confirmation flag.
func NeedsConfirmation(step plan.Step, p Policy, c Context) bool {
	if !Evaluate(step, p, c).Denied() {
		return false
	}
	return !Evaluate(confirmed(step), p, c).Denied()
}

func confirmed(step plan.Step) plan.Step {
	step.Confirmed = true
	if len(step.Steps) > 0 {
		children := make([]plan.Step, len(step.Steps))
		for i, ch := range step.Steps {
			children[i] = confirmed(ch)
		}
		step.Steps = children
	}
	return step
}

func evaluate(step plan.Step, p Policy, c Context, inherited [][]string) Decision {
	eff := p.effective(step)
	eff.narrow = append(slices.Clone(inherited), eff.narrow...)

	ruled, ok := eff.checkRules(step)
	if !ok {
		return ruled
	}

	if step.Kind == plan.KindComposite {
		for _, child := range step.Steps {
			if step.Confirmed {
				child.Confirmed = true
			}
			d := evaluate(child, p, c, eff.narrow)
			if d.Denied() {
				d.Reason = fmt.Sprintf("child %s: %s", child.ID, d.Reason)
				return d
			}
		}
	} else {
		if d, ok := eff.checkScope(step, c); !ok {
			return d
		}
		if d, ok := eff.checkDestructive(step); !ok {
			return d
		}
	}

	return eff.applyCeilings(ruled.Rule)
}

func deny(rule, format string, args ...any) Decision {
	return Decision{Verdict: Deny, Rule: rule, Reason: fmt.Sprintf(format, args...)}
}

func signature(step plan.Step) string {
	switch step.Kind {
	case plan.KindCommand:
		return Canonical(step.Command())
	case plan.KindResearch:
		q, _ := step.Params["query"].(string)
		return Canonical(q)
	}
	return ""
}

// checkRules applies deny-overrides-allow over every matching rule. A rule
// matches when its kinds include the step's and one of its globs matches the
// whole command or any segment of it.
func (e effective) checkRules(step plan.Step) (Decision, bool) {
	sig := signature(step)
	candidates := append([]string{sig}, segments(sig)...)

	var allowedBy string
	for _, r := range e.rules {
		if len(r.Kinds) > 0 && !slices.Contains(r.Kinds, step.Kind) {
			continue
		}
		matched := len(r.Commands) == 0
		for _, g := range r.Commands {
			re, err := compileGlob(g)
			if err != nil {
				return deny(r.Name, "invalid command glob %q", g), false
			}
			if slices.ContainsFunc(candidates, re.MatchString) {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}
		if r.Effect == EffectDeny {
			return deny(r.Name, "denied by rule %q", r.Name), false
		}
		if allowedBy == "" {
			allowedBy = r.Name
		}
	}

	if allowedBy == "" && e.def == EffectDeny {
		return deny("default", "no rule allows %s step", step.Kind), false
	}
	return Decision{Verdict: Allow, Rule: allowedBy}, true
}

// devices are always in scope.
var devices = map[string]bool{"/dev/null": true, "/dev/stdout": true, "/dev/stderr": true, "/dev/stdin": true}

func (e effective) checkScope(step plan.Step, c Context) (Decision, bool) {
	ws := c.Workspace
	if ws == "" {
		ws = "."
	}
	roots := resolveAll(ws, e.scope)
	if len(roots) == 0 {
		roots = []string{filepath.Clean(ws)}
	}
	narrow := make([][]string, 0, len(e.narrow))
	for _, n := range e.narrow {
		narrow = append(narrow, resolveAll(ws, n))
	}

	type candidate struct{ raw, from string }
	dir := step.Dir()
	base := filepath.Join(ws, dir)
	if filepath.IsAbs(dir) {
		base = filepath.Clean(dir)
	}
	var paths []candidate
	if dir != "" {
		paths = append(paths, candidate{dir, ws})
	}
	for _, s := range step.Scope {
		paths = append(paths, candidate{s, ws})
	}
	if step.Kind == plan.KindCommand {
		for _, s := range commandPaths(step.Command()) {
			paths = append(paths, candidate{s, base})
		}
	}

	for _, p := range paths {
		if devices[p.raw] {
			continue
		}
		if strings.HasPrefix(p.raw, "~") || strings.HasPrefix(p.raw, "$") {
			return deny("scope", "path %q cannot be resolved inside the workspace", p.raw), false
		}
		abs := p.raw
		if !filepath.IsAbs(abs) {
			abs = filepath.Join(p.from, abs)
		}
		abs = filepath.Clean(abs)
		if !withinAny(abs, roots) {
			return deny("scope", "path %q is outside the allowed scope", p.raw), false
		}
		for _, set := range narrow {
			if !withinAny(abs, set) {
				return deny("scope", "path %q is outside the step's declared scope", p.raw), false
			}
		}
	}
	return Decision{}, true
}

func resolveAll(ws string, paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if filepath.IsAbs(p) {
			out = append(out, filepath.Clean(p))
		} else {
			out = append(out, filepath.Join(ws, p))
		}
	}
	return out
}

func withinAny(path string, roots []string) bool {
	for _, root := range roots {
		rel, err := filepath.Rel(root, path)
		if err != nil {
			continue
		}
		if rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// commandPaths extracts the arguments of a command that look like paths.
func commandPaths(cmd string) []string {
	var out []string
	for _, w := range words(Canonical(cmd)) {
		if w.program {
			continue
		}
		t := w.text
		if i := strings.LastIndex(t, "="); i >= 0 && strings.HasPrefix(t, "-") {
			t = t[i+1:]
		}
		if looksLikePath(t) {
			out = append(out, t)
		}
	}
	return out
}

func looksLikePath(s string) bool {
	if s == "" || strings.Contains(s, "://") {
		return false
	}
	return s == ".." || s == "~" ||
		strings.HasPrefix(s, "/") ||
		strings.HasPrefix(s, "~/") ||
		strings.HasPrefix(s, "../") ||
		strings.Contains(s, "/")
}

func (e effective) checkDestructive(step plan.Step) (Decision, bool) {
	if step.Confirmed {
		return Decision{}, true
	}
	if step.Risk == plan.RiskCritical {
		return deny("destructive", "step is marked CRITICAL and needs confirmation"), false
	}
	if step.Kind != plan.KindCommand {
		return Decision{}, true
	}
	cmd := strings.ToLower(Canonical(step.Command()))
	for _, pat := range e.destructive {
		re, err := compilePattern(pat)
		if err != nil {
			return deny("destructive", "invalid destructive pattern %q", pat), false
		}
		if m := re.FindString(cmd); m != "" {
			return deny("destructive", "%q is destructive and needs confirmation", m), false
		}
	}
	return Decision{}, true
}

func (e effective) applyCeilings(rule string) Decision {
	d := Decision{Verdict: Allow, Rule: rule, Reason: "allowed"}
	if e.ceilings.IsZero() {
		return d
	}
	d.Verdict = AllowWithTimeout
	d.Limits = e.ceilings
	d.Timeout = e.ceilings.WallClock.D()
	d.Reason = "allowed within resource ceilings"
	return d
}

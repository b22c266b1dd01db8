package guard

import (
	"fmt"
	"slices"
	"time"

	"github.com/Tahsine/agentic-cli/internal/plan"
)

type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// Rule matches steps by kind and by command glob. Empty lists match anything.
// For research steps the glob is matched against the query.
type Rule struct {
	Name     string      `json:"name" yaml:"name"`
	Effect   Effect      `json:"effect" yaml:"effect"`
	Kinds    []plan.Kind `json:"kinds,omitempty" yaml:"kinds,omitempty"`
	Commands []string    `json:"commands,omitempty" yaml:"commands,omitempty"`
}

// Override tightens the session policy for a single step.
type Override struct {
	Rules    []Rule      `json:"rules,omitempty" yaml:"rules,omitempty"`
	Ceilings plan.Limits `json:"ceilings,omitzero" yaml:"ceilings,omitempty"`
	Scope    []string    `json:"scope,omitempty" yaml:"scope,omitempty"`
}

type Policy struct {
	// Default applies when no rule matches. Empty means allow.
	Default Effect `json:"default,omitempty" yaml:"default,omitempty"`
	Rules   []Rule `json:"rules,omitempty" yaml:"rules,omitempty"`
	// Scope lists the roots steps may touch, relative to the workspace
	// unless absolute. Empty means the workspace itself.
	Scope       []string            `json:"scope,omitempty" yaml:"scope,omitempty"`
	Destructive []string            `json:"destructive,omitempty" yaml:"destructive,omitempty"`
	Ceilings    plan.Limits         `json:"ceilings,omitzero" yaml:"ceilings,omitempty"`
	Overrides   map[string]Override `json:"overrides,omitempty" yaml:"overrides,omitempty"`
}

// DefaultDestructive are the operations that need an explicit confirmation
// on the step before the guard lets them through.
var DefaultDestructive = []string{
	`\brm\b[^;|&\n]*\s(-[a-z]*r[a-z]*|--recursive)\b`,
	`\bfind\b[^;|&\n]*\s-(delete|exec(dir)?\s+rm)\b`,
	`\b(mkfs(\.\w+)?|fdisk|wipefs|shred)\b`,
	`\bformat\s+[a-z]:`,
	`\brd\s+/s\b`,
	`\bdd\s+.*\bof=/dev/`,
	`>\s*/dev/(sd|nvme|disk)`,
	`\b(curl|wget)\b.*\|\s*(ba|z)?sh\b`,
	`\b(scp|rsync|nc|ncat|netcat|ftp|sftp)\b`,
	`\bcurl\b.*\s(-t|--upload-file|-f|--form|-d|--data(-binary|-raw)?)\s`,
	`\b(chmod|chown)\s+-r\b`,
	`\bgit\s+(push\s+.*--force|push\s+-f|reset\s+--hard|clean\s+-[a-z]*f)`,
	`\b(shutdown|reboot|halt|poweroff)\b`,
	`:\(\)\s*\{`,
}

func DefaultPolicy() Policy {
	return Policy{
		Default: EffectAllow,
		Rules: []Rule{
			{
				Name:     "no-privilege-escalation",
				Effect:   EffectDeny,
				Kinds:    []plan.Kind{plan.KindCommand},
				Commands: []string{"sudo *", "su", "su *", "doas *"},
			},
		},
		Scope:       []string{"."},
		Destructive: slices.Clone(DefaultDestructive),
	}
}

// Validate checks that every effect is known and every pattern compiles.
func (p Policy) Validate() error {
	if p.Default != "" && p.Default != EffectAllow && p.Default != EffectDeny {
		return fmt.Errorf("policy: invalid default effect %q", p.Default)
	}
	check := func(where string, rules []Rule) error {
		for i, r := range rules {
			if r.Effect != EffectAllow && r.Effect != EffectDeny {
				return fmt.Errorf("policy: %s rule %d (%s): invalid effect %q", where, i, r.Name, r.Effect)
			}
			for _, k := range r.Kinds {
				if !k.Valid() {
					return fmt.Errorf("policy: %s rule %d (%s): unknown kind %q", where, i, r.Name, k)
				}
			}
			for _, g := range r.Commands {
				if _, err := compileGlob(g); err != nil {
					return fmt.Errorf("policy: %s rule %d (%s): %w", where, i, r.Name, err)
				}
			}
		}
		return nil
	}
	if err := check("session", p.Rules); err != nil {
		return err
	}
	for id, o := range p.Overrides {
		if err := check("step "+id, o.Rules); err != nil {
			return err
		}
	}
	for _, pat := range p.Destructive {
		if _, err := compilePattern(pat); err != nil {
			return fmt.Errorf("policy: destructive pattern %q: %w", pat, err)
		}
	}
	return nil
}

// effective is the policy as it applies to one step.
type effective struct {
	def         Effect
	rules       []Rule
	scope       []string
	narrow      [][]string
	destructive []string
	ceilings    plan.Limits
}

// effective merges session defaults with the step's override and its own
// declared scope and limits. Rules are unioned, so a deny from either side
// still wins; ceilings take the tighter value; scopes only narrow.
func (p Policy) effective(step plan.Step) effective {
	e := effective{
		def:         p.Default,
		rules:       p.Rules,
		scope:       p.Scope,
		destructive: p.Destructive,
		ceilings:    p.Ceilings.Tighten(step.Limits),
	}
	if o, ok := p.Overrides[step.ID]; ok {
		e.rules = append(slices.Clone(p.Rules), o.Rules...)
		e.ceilings = e.ceilings.Tighten(o.Ceilings)
		if len(o.Scope) > 0 {
			e.narrow = append(e.narrow, o.Scope)
		}
	}
	if len(step.Scope) > 0 {
		e.narrow = append(e.narrow, step.Scope)
	}
	return e
}

type Verdict int

const (
	Allow Verdict = iota
	AllowWithTimeout
	Deny
)

func (v Verdict) String() string {
	switch v {
	case Allow:
		return "ALLOW"
	case AllowWithTimeout:
		return "ALLOW_WITH_TIMEOUT"
	case Deny:
		return "DENY"
	}
	return fmt.Sprintf("Verdict(%d)", int(v))
}

func (v Verdict) MarshalText() ([]byte, error) { return []byte(v.String()), nil }

type Decision struct {
	Verdict Verdict       `json:"verdict"`
	Timeout time.Duration `json:"timeout,omitempty"`
	Limits  plan.Limits   `json:"limits,omitzero"`
	Reason  string        `json:"reason,omitempty"`
	Rule    string        `json:"rule,omitempty"`
}

func (d Decision) Denied() bool { return d.Verdict == Deny }

// Context is the session information a decision may depend on.
type Context struct {
	Workspace string
	SessionID string
}

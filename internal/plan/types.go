package plan

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Kind string

const (
	KindCommand   Kind = "command"
	KindResearch  Kind = "research"
	KindComposite Kind = "composite"
)

func (k Kind) Valid() bool {
	switch k {
	case KindCommand, KindResearch, KindComposite:
		return true
	}
	return false
}

// Risk is the planner's own estimate of how dangerous a step is. It is
// informational except for CRITICAL, which the guard treats as destructive.
type Risk string

const (
	RiskLow      Risk = "LOW"
	RiskMedium   Risk = "MEDIUM"
	RiskHigh     Risk = "HIGH"
	RiskCritical Risk = "CRITICAL"
)

// Duration is a time.Duration that reads "90s" style strings from JSON and
// YAML plan and policy files. Bare JSON numbers are milliseconds.
type Duration time.Duration

func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var raw any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case float64:
		*d = Duration(time.Duration(v) * time.Millisecond)
	case string:
		parsed, err := parseDuration(v)
		if err != nil {
			return err
		}
		*d = parsed
	case nil:
		*d = 0
	default:
		return fmt.Errorf("invalid duration %s", string(b))
	}
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Tag == "!!int" {
		var ms int64
		if err := node.Decode(&ms); err != nil {
			return err
		}
		*d = Duration(time.Duration(ms) * time.Millisecond)
		return nil
	}
	parsed, err := parseDuration(node.Value)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

func parseDuration(s string) (Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return Duration(v), nil
}

// Limits are resource ceilings. Zero means "no ceiling".
type Limits struct {
	CPU       Duration `json:"cpu,omitempty" yaml:"cpu,omitempty"`
	MemoryMB  int      `json:"memory_mb,omitempty" yaml:"memory_mb,omitempty"`
	WallClock Duration `json:"wall_clock,omitempty" yaml:"wall_clock,omitempty"`
}

func (l Limits) IsZero() bool {
	return l.CPU == 0 && l.MemoryMB == 0 && l.WallClock == 0
}

// Tighten returns the stricter of l and o for every ceiling.
func (l Limits) Tighten(o Limits) Limits {
	return Limits{
		CPU:       minNonZero(l.CPU, o.CPU),
		MemoryMB:  minNonZero(l.MemoryMB, o.MemoryMB),
		WallClock: minNonZero(l.WallClock, o.WallClock),
	}
}

func minNonZero[T ~int | ~int64](a, b T) T {
	switch {
	case a == 0:
		return b
	case b == 0:
		return a
	case a < b:
		return a
	}
	return b
}

type Step struct {
	ID          string         `json:"id" yaml:"id"`
	Kind        Kind           `json:"kind" yaml:"kind"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Params      map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
	DependsOn   []string       `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Steps       []Step         `json:"steps,omitempty" yaml:"steps,omitempty"`
	Idempotent  bool           `json:"idempotent,omitempty" yaml:"idempotent,omitempty"`
	Confirmed   bool           `json:"confirmed,omitempty" yaml:"confirmed,omitempty"`
	Scope       []string       `json:"scope,omitempty" yaml:"scope,omitempty"`
	Limits      Limits         `json:"limits,omitzero" yaml:"limits,omitempty"`
	Risk        Risk           `json:"risk,omitempty" yaml:"risk,omitempty"`
}

// Command returns the command string of a command step, or "".
func (s Step) Command() string {
	c, _ := s.Params["command"].(string)
	return c
}

// Dir returns the working directory of a command step relative to the workspace.
func (s Step) Dir() string {
	d, _ := s.Params["dir"].(string)
	return d
}

type Plan struct {
	Objective   string   `json:"objective,omitempty" yaml:"objective,omitempty"`
	Constraints []string `json:"constraints,omitempty" yaml:"constraints,omitempty"`
	Steps       []Step   `json:"steps" yaml:"steps"`
}

// Walk visits every step in declaration order, composite children right
// after their parent.
func (p *Plan) Walk(fn func(s *Step, parent *Step)) {
	var walk func(steps []Step, parent *Step)
	walk = func(steps []Step, parent *Step) {
		for i := range steps {
			fn(&steps[i], parent)
			if len(steps[i].Steps) > 0 {
				walk(steps[i].Steps, &steps[i])
			}
		}
	}
	walk(p.Steps, nil)
}

// Clone returns a deep copy of the plan through its JSON form.
func (p *Plan) Clone() *Plan {
	b, err := json.Marshal(p)
	if err != nil {
		return p
	}
	var out Plan
	if err := json.Unmarshal(b, &out); err != nil {
		return p
	}
	return &out
}

package plan

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

type NamedPlan struct {
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
	Plan `yaml:",inline"`
}

type document struct {
	Plans     []NamedPlan `json:"plans,omitempty" yaml:"plans,omitempty"`
	NamedPlan `yaml:",inline"`
}

/*
LoadFile reads one or many plans from a JSON or YAML file (picked by
extension) and always returns a slice. Accepted shapes:

 1. Multi-plan:
    { "plans": [ { "name": "alpha", "objective": "...", "steps": [...] }, ... ] }

 2. Multi-plan, bare array:
    [ { "name": "alpha", "steps": [...] }, { "steps": [...] } ]

 3. Single plan:
    { "objective": "...", "steps": [...] }

 4. Bare array of steps:
    [ { "id": "a", "kind": "command", ... }, ... ]

Unnamed plans are named "manual:<base>#<index>" or "manual:<base>".
*/
func LoadFile(path string) ([]NamedPlan, error) {
	clean := filepath.Clean(path)
	data, err := os.ReadFile(clean)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("plans file not found: %s", clean)
		}
		return nil, fmt.Errorf("read %s: %w", clean, err)
	}
	plans, err := Decode(data, formatOf(clean), filepath.Base(clean))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", clean, err)
	}
	return plans, nil
}

func formatOf(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	}
	return "json"
}

// Decode parses plan documents in "json" or "yaml" format.
func Decode(data []byte, format, base string) ([]NamedPlan, error) {
	unmarshal := json.Unmarshal
	if format == "yaml" {
		unmarshal = yaml.Unmarshal
	}

	var doc document
	if err := unmarshal(data, &doc); err == nil {
		if len(doc.Plans) > 0 {
			return nameAll(doc.Plans, base), nil
		}
		if len(doc.Steps) > 0 {
			return nameAll([]NamedPlan{doc.NamedPlan}, base), nil
		}
	}

	var list []NamedPlan
	if err := unmarshal(data, &list); err == nil && len(list) > 0 && allHaveSteps(list) {
		return nameAll(list, base), nil
	}

	var steps []Step
	if err := unmarshal(data, &steps); err == nil && len(steps) > 0 {
		return nameAll([]NamedPlan{{Plan: Plan{Steps: steps}}}, base), nil
	}
	return nil, fmt.Errorf("unrecognized plan format")
}

func allHaveSteps(list []NamedPlan) bool {
	for _, np := range list {
		if len(np.Steps) == 0 {
			return false
		}
	}
	return true
}

func nameAll(plans []NamedPlan, base string) []NamedPlan {
	for i := range plans {
		if strings.TrimSpace(plans[i].Name) != "" {
			continue
		}
		if len(plans) == 1 {
			plans[i].Name = "manual:" + base
		} else {
			plans[i].Name = fmt.Sprintf("manual:%s#%d", base, i+1)
		}
	}
	return plans
}

// SelectByName returns the plans matching names (case-insensitive) in the
// order given, plus the names that matched nothing.
func SelectByName(plans []NamedPlan, names []string) ([]NamedPlan, []string) {
	if len(names) == 0 {
		return plans, nil
	}
	var selected []NamedPlan
	var missing []string
	for _, want := range names {
		w := strings.TrimSpace(want)
		if w == "" {
			continue
		}
		found := false
		for i := range plans {
			if strings.EqualFold(plans[i].Name, w) {
				selected = append(selected, plans[i])
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, want)
		}
	}
	return selected, missing
}

package plan

import (
	"regexp"
	"strings"
)

// ResultRef matches @results.<step_id>.<key> placeholders in step params.
var ResultRef = regexp.MustCompile(`@results\.([A-Za-z0-9_\-]+)\.([A-Za-z0-9_]+)`)

// Validate checks that p is a well-formed DAG: unique ids, known kinds,
// required params, resolvable dependencies, no cycles.
func Validate(p *Plan) error {
	_, err := New(p)
	return err
}

func checkSteps(p *Plan) error {
	seen := map[string]bool{}
	var err error
	p.Walk(func(s *Step, parent *Step) {
		if err != nil {
			return
		}
		id := strings.TrimSpace(s.ID)
		switch {
		case id == "":
			err = invalid("", ErrMissingParam, "step without id")
			return
		case seen[id]:
			err = &InvalidError{StepID: id, Err: ErrDuplicateID}
			return
		}
		seen[id] = true

		if !s.Kind.Valid() {
			err = invalid(id, ErrUnknownKind, "%q", s.Kind)
			return
		}
		if parent != nil {
			if s.Kind == KindComposite {
				err = invalid(id, ErrBadComposite, "composite steps cannot be nested")
				return
			}
			if len(s.DependsOn) > 0 {
				err = invalid(id, ErrBadComposite, "children run in declaration order and cannot declare depends_on")
				return
			}
		}
		err = checkParams(s)
	})
	return err
}

func checkParams(s *Step) error {
	switch s.Kind {
	case KindCommand:
		if strings.TrimSpace(s.Command()) == "" {
			return invalid(s.ID, ErrMissingParam, "command")
		}
	case KindResearch:
		q, _ := s.Params["query"].(string)
		urls, _ := StringsParam(s.Params, "urls")
		if strings.TrimSpace(q) == "" && len(urls) == 0 {
			return invalid(s.ID, ErrMissingParam, "query or urls")
		}
	case KindComposite:
		if len(s.Steps) == 0 {
			return invalid(s.ID, ErrBadComposite, "no child steps")
		}
	}
	return nil
}

// checkResultRefs makes sure every @results reference points at a step whose
// output exists by the time the referencing step runs: an upstream step, a
// child of an upstream composite, or an earlier sibling inside a composite.
func (g *Graph) checkResultRefs() error {
	for _, s := range g.steps {
		available := map[string]bool{}
		for id := range g.Ancestors(s.ID) {
			available[id] = true
			up, _ := g.Step(id)
			for _, c := range up.Steps {
				available[c.ID] = true
			}
		}
		if err := refsAvailable(s.ID, s.Params, available); err != nil {
			return err
		}
		for _, c := range s.Steps {
			if err := refsAvailable(c.ID, c.Params, available); err != nil {
				return err
			}
			available[c.ID] = true
		}
	}
	return nil
}

func refsAvailable(stepID string, v any, available map[string]bool) error {
	switch t := v.(type) {
	case map[string]any:
		for _, vv := range t {
			if err := refsAvailable(stepID, vv, available); err != nil {
				return err
			}
		}
	case []any:
		for _, vv := range t {
			if err := refsAvailable(stepID, vv, available); err != nil {
				return err
			}
		}
	case string:
		for _, m := range ResultRef.FindAllStringSubmatch(t, -1) {
			if !available[m[1]] {
				return invalid(stepID, ErrUnavailableResult, "@results.%s; add it to depends_on", m[1])
			}
		}
	}
	return nil
}

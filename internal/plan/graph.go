package plan

import "container/heap"

// Graph is the validated, immutable form of a plan. Steps live in an arena in
// declaration order and edges are stored as indices into it, so callers refer
// to steps by id only.
type Graph struct {
	steps    []Step
	index    map[string]int
	children map[string]childRef
	deps     [][]int
	outgoing [][]int
	indeg    []int
}

type childRef struct {
	parent int
	pos    int
}

// New validates p and builds its graph. Validation failures are returned as
// *InvalidError.
func New(p *Plan) (*Graph, error) {
	if p == nil || len(p.Steps) == 0 {
		return nil, &InvalidError{Err: ErrEmptyPlan}
	}
	if err := checkSteps(p); err != nil {
		return nil, err
	}

	g := &Graph{
		steps:    append([]Step(nil), p.Steps...),
		index:    make(map[string]int, len(p.Steps)),
		children: map[string]childRef{},
	}
	for i, s := range g.steps {
		g.index[s.ID] = i
		for j, c := range s.Steps {
			g.children[c.ID] = childRef{parent: i, pos: j}
		}
	}

	g.deps = make([][]int, len(g.steps))
	g.outgoing = make([][]int, len(g.steps))
	g.indeg = make([]int, len(g.steps))
	for i, s := range g.steps {
		seen := map[int]bool{}
		for _, dep := range s.DependsOn {
			j, ok := g.index[dep]
			if !ok {
				detail := "not declared in plan"
				if _, child := g.children[dep]; child {
					detail = "composite children cannot be depended on directly"
				}
				return nil, invalid(s.ID, ErrUnknownDependency, "%s: %s", dep, detail)
			}
			if seen[j] {
				continue
			}
			seen[j] = true
			g.deps[i] = append(g.deps[i], j)
			g.outgoing[j] = append(g.outgoing[j], i)
			g.indeg[i]++
		}
	}

	if err := g.validateAcyclic(); err != nil {
		return nil, err
	}
	if err := g.checkResultRefs(); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Graph) Len() int { return len(g.steps) }

// Steps returns the top-level steps in declaration order.
func (g *Graph) Steps() []Step { return g.steps }

// Step finds a top-level step or a composite child by id.
func (g *Graph) Step(id string) (Step, bool) {
	if i, ok := g.index[id]; ok {
		return g.steps[i], true
	}
	if c, ok := g.children[id]; ok {
		return g.steps[c.parent].Steps[c.pos], true
	}
	return Step{}, false
}

// Index returns the declaration index of a top-level step, or -1.
func (g *Graph) Index(id string) int {
	if i, ok := g.index[id]; ok {
		return i
	}
	return -1
}

// Dependencies returns the direct dependencies of a top-level step.
func (g *Graph) Dependencies(id string) []string {
	i, ok := g.index[id]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(g.deps[i]))
	for _, j := range g.deps[i] {
		out = append(out, g.steps[j].ID)
	}
	return out
}

// Order returns a deterministic topological order of the top-level step ids.
// Among steps that are ready together, declaration order wins.
func (g *Graph) Order() []string {
	idx := g.topoOrderIndices()
	out := make([]string, 0, len(idx))
	for _, i := range idx {
		out = append(out, g.steps[i].ID)
	}
	return out
}

// Ready returns the ids of runnable steps whose dependencies all succeeded,
// in declaration order.
func (g *Graph) Ready(status func(id string) Status) []string {
	var out []string
	for i, s := range g.steps {
		if !status(s.ID).Runnable() {
			continue
		}
		ok := true
		for _, j := range g.deps[i] {
			if status(g.steps[j].ID) != StatusSucceeded {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, s.ID)
		}
	}
	return out
}

// Blocked returns the ids of runnable steps that can never become ready
// because some upstream step ended in a terminal non-success status.
func (g *Graph) Blocked(status func(id string) Status) []string {
	dead := make([]bool, len(g.steps))
	var out []string
	for _, i := range g.topoOrderIndices() {
		st := status(g.steps[i].ID)
		if st.Terminal() && st != StatusSucceeded {
			dead[i] = true
			continue
		}
		for _, j := range g.deps[i] {
			if dead[j] {
				dead[i] = true
				break
			}
		}
		if dead[i] && st.Runnable() {
			out = append(out, g.steps[i].ID)
		}
	}
	return out
}

// Ancestors returns every top-level step id the given step transitively
// depends on.
func (g *Graph) Ancestors(id string) map[string]bool {
	i, ok := g.index[id]
	if !ok {
		return nil
	}
	out := map[string]bool{}
	stack := append([]int(nil), g.deps[i]...)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if out[g.steps[n].ID] {
			continue
		}
		out[g.steps[n].ID] = true
		stack = append(stack, g.deps[n]...)
	}
	return out
}

func (g *Graph) validateAcyclic() error {
	if len(g.topoOrderIndices()) == len(g.steps) {
		return nil
	}
	return &InvalidError{Err: ErrCycle, Cycle: g.findCycle()}
}

type intMinHeap []int

func (h intMinHeap) Len() int           { return len(h) }
func (h intMinHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h intMinHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *intMinHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *intMinHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

func (g *Graph) topoOrderIndices() []int {
	indeg := append([]int(nil), g.indeg...)
	ready := &intMinHeap{}
	for i, d := range indeg {
		if d == 0 {
			heap.Push(ready, i)
		}
	}
	out := make([]int, 0, len(indeg))
	for ready.Len() > 0 {
		n := heap.Pop(ready).(int)
		out = append(out, n)
		for _, m := range g.outgoing[n] {
			indeg[m]--
			if indeg[m] == 0 {
				heap.Push(ready, m)
			}
		}
	}
	return out
}

// findCycle returns one stable cycle witness, first node repeated at the end.
func (g *Graph) findCycle() []string {
	const (
		white = iota
		gray
		black
	)
	color := make([]int, len(g.steps))
	parent := make([]int, len(g.steps))
	for i := range parent {
		parent[i] = -1
	}

	var cycle []int
	var dfs func(u int) bool
	dfs = func(u int) bool {
		color[u] = gray
		for _, v := range g.outgoing[u] {
			switch color[v] {
			case white:
				parent[v] = u
				if dfs(v) {
					return true
				}
			case gray:
				cycle = append(cycle, v)
				for cur := u; cur != -1 && cur != v; cur = parent[cur] {
					cycle = append(cycle, cur)
				}
				cycle = append(cycle, v)
				return true
			}
		}
		color[u] = black
		return false
	}
	for i := range g.steps {
		if color[i] == white && dfs(i) {
			break
		}
	}

	out := make([]string, 0, len(cycle))
	for i := len(cycle) - 1; i >= 0; i-- {
		out = append(out, g.steps[cycle[i]].ID)
	}
	return out
}

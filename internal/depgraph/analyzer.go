package depgraph

import (
	"errors"
	"sort"
	"strings"
)

type Severity string

const (
	Critical Severity = "critical"
	High     Severity = "high"
	Medium   Severity = "medium"
	Low      Severity = "low"
)

type Strategy string

const (
	ExtractInterface    Strategy = "extract-interface"
	ExtractSharedModule Strategy = "extract-shared-module"
	UseEvents           Strategy = "use-events"
	Merge               Strategy = "merge"
)

// Cycle is one strongly connected group of modules. Members lists the whole
// group in declaration order. Path is a closed walk along real edges that
// starts and ends at the earliest-declared member; the closing step is implied.
type Cycle struct {
	Path     []string `json:"path"`
	Members  []string `json:"members"`
	Severity Severity `json:"severity"`
	Strategy Strategy `json:"suggested_strategy"`
}

// String renders the cycle closed, e.g. "a -> b -> a".
func (c Cycle) String() string {
	if len(c.Path) == 0 {
		return ""
	}
	return strings.Join(append(append([]string(nil), c.Path...), c.Path[0]), " -> ")
}

// Policy assigns severity and a resolution strategy to a detected cycle.
type Policy interface {
	Classify(c Cycle, g *Graph) (Severity, Strategy)
}

// PolicyFunc adapts a plain function to Policy.
type PolicyFunc func(c Cycle, g *Graph) (Severity, Strategy)

func (f PolicyFunc) Classify(c Cycle, g *Graph) (Severity, Strategy) {
	return f(c, g)
}

type MissingDependency struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type Report struct {
	Cycles  []Cycle             `json:"cycles"`
	Missing []MissingDependency `json:"missing,omitempty"`
}

// Blocking returns the critical cycles.
func (r Report) Blocking() []Cycle {
	var out []Cycle
	for _, c := range r.Cycles {
		if c.Severity == Critical {
			out = append(out, c)
		}
	}
	return out
}

// Advisories returns the non-critical cycles.
func (r Report) Advisories() []Cycle {
	var out []Cycle
	for _, c := range r.Cycles {
		if c.Severity != Critical {
			out = append(out, c)
		}
	}
	return out
}

// Analyzer runs cycle detection and hands each cycle to Policy.
// A zero Analyzer uses DefaultPolicy.
type Analyzer struct {
	Policy Policy
}

func (a Analyzer) policy() Policy {
	if a.Policy != nil {
		return a.Policy
	}
	return DefaultPolicy
}

// Analyze reports every cycle in nodes, ordered by earliest-declared member.
func (a Analyzer) Analyze(nodes []Node) Report {
	g := NewGraph(nodes)
	var rep Report
	for _, id := range g.order {
		for _, e := range g.edges[id] {
			if g.Declared(e.To) < 0 {
				rep.Missing = append(rep.Missing, MissingDependency{From: id, To: e.To})
			}
		}
	}
	p := a.policy()
	for _, members := range g.stronglyConnected() {
		c := Cycle{Path: g.cyclePath(members), Members: g.declarationOrder(members)}
		c.Severity, c.Strategy = p.Classify(c, g)
		rep.Cycles = append(rep.Cycles, c)
	}
	return rep
}

// stronglyConnected runs Tarjan's algorithm and keeps components that form a
// cycle: more than one member, or a single member depending on itself.
func (g *Graph) stronglyConnected() [][]string {
	index := 0
	var stack []string
	onStack := make(map[string]bool)
	indices := make(map[string]int)
	lowlinks := make(map[string]int)
	var sccs [][]string

	var strongConnect func(v string)
	strongConnect = func(v string) {
		indices[v] = index
		lowlinks[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range g.successors(v) {
			if _, visited := indices[w]; !visited {
				strongConnect(w)
				if lowlinks[w] < lowlinks[v] {
					lowlinks[v] = lowlinks[w]
				}
			} else if onStack[w] && indices[w] < lowlinks[v] {
				lowlinks[v] = indices[w]
			}
		}

		if lowlinks[v] == indices[v] {
			var scc []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			if len(scc) > 1 || g.selfLoop(v) {
				sccs = append(sccs, scc)
			}
		}
	}

	for _, v := range g.order {
		if _, visited := indices[v]; !visited {
			strongConnect(v)
		}
	}
	sort.SliceStable(sccs, func(i, j int) bool {
		return g.firstDeclared(sccs[i]) < g.firstDeclared(sccs[j])
	})
	return sccs
}

func (g *Graph) selfLoop(id string) bool {
	for _, e := range g.edges[id] {
		if e.To == id {
			return true
		}
	}
	return false
}

func (g *Graph) firstDeclared(members []string) int {
	first := len(g.order)
	for _, m := range members {
		if i := g.index[m]; i < first {
			first = i
		}
	}
	return first
}

// cyclePath walks from the earliest-declared member back to itself, staying
// inside the component and taking successors in declaration order.
func (g *Graph) cyclePath(members []string) []string {
	in := make(map[string]bool, len(members))
	for _, m := range members {
		in[m] = true
	}
	start := g.order[g.firstDeclared(members)]
	if len(members) == 1 {
		return []string{start}
	}
	seen := map[string]bool{start: true}
	path := []string{start}
	var walk func(v string) bool
	walk = func(v string) bool {
		for _, w := range g.successors(v) {
			if !in[w] || w == v {
				continue
			}
			if w == start {
				return true
			}
			if seen[w] {
				continue
			}
			seen[w] = true
			path = append(path, w)
			if walk(w) {
				return true
			}
			path = path[:len(path)-1]
		}
		return false
	}
	walk(start)
	return path
}

func (g *Graph) declarationOrder(members []string) []string {
	out := append([]string(nil), members...)
	sort.Slice(out, func(i, j int) bool { return g.index[out[i]] < g.index[out[j]] })
	return out
}

// ErrCyclic is returned by Order when no topological order exists.
var ErrCyclic = errors.New("dependency graph has cycles")

// Order returns module ids with dependencies before dependents. Ties keep
// declaration order. Dependencies on undeclared modules are ignored.
func Order(nodes []Node) ([]string, error) {
	g := NewGraph(nodes)
	pending := make(map[string]int, len(g.order))
	dependents := make(map[string][]string, len(g.order))
	for _, id := range g.order {
		succ := g.successors(id)
		pending[id] = len(succ)
		for _, dep := range succ {
			dependents[dep] = append(dependents[dep], id)
		}
	}
	done := make(map[string]bool, len(g.order))
	out := make([]string, 0, len(g.order))
	for len(out) < len(g.order) {
		next := ""
		for _, id := range g.order {
			if !done[id] && pending[id] == 0 {
				next = id
				break
			}
		}
		if next == "" {
			return out, ErrCyclic
		}
		done[next] = true
		out = append(out, next)
		for _, d := range dependents[next] {
			pending[d]--
		}
	}
	return out, nil
}

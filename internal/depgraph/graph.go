// Package depgraph detects dependency cycles between planned modules and
// classifies them. Everything here is a pure function of its input and safe
// for concurrent use.
package depgraph

import (
	"fmt"
	"strings"
)

// EdgeKind describes how a module depends on another.
type EdgeKind string

const (
	// Uses is a synchronous call dependency and the default kind.
	Uses EdgeKind = "uses"
	// Data means the dependent reads or writes the target's data directly.
	Data EdgeKind = "data"
	// State means both sides share mutable state.
	State EdgeKind = "state"
	// Event means the dependent only reacts to events from the target.
	Event EdgeKind = "event"
)

// Synchronous reports whether the dependency couples both sides at runtime.
func (k EdgeKind) Synchronous() bool {
	return k != Event
}

type Dependency struct {
	Target string
	Kind   EdgeKind
}

// ParseDependency parses "target" or "target:kind".
func ParseDependency(s string) (Dependency, error) {
	s = strings.TrimSpace(s)
	target, kind, found := strings.Cut(s, ":")
	target = strings.TrimSpace(target)
	if target == "" {
		return Dependency{}, fmt.Errorf("empty dependency in %q", s)
	}
	if !found {
		return Dependency{Target: target, Kind: Uses}, nil
	}
	switch k := EdgeKind(strings.ToLower(strings.TrimSpace(kind))); k {
	case Uses, Data, State, Event:
		return Dependency{Target: target, Kind: k}, nil
	}
	return Dependency{}, fmt.Errorf("invalid dependency kind %q in %q (want uses, data, state or event)", kind, s)
}

func (d Dependency) String() string {
	if d.Kind == "" || d.Kind == Uses {
		return d.Target
	}
	return d.Target + ":" + string(d.Kind)
}

// Node is one module in the graph. Context names its bounded context, if any.
type Node struct {
	ID        string
	Context   string
	DependsOn []Dependency
}

type Edge struct {
	From string
	To   string
	Kind EdgeKind
}

// Graph keeps nodes in declaration order; later duplicates of an id are ignored.
type Graph struct {
	order []string
	index map[string]int
	nodes map[string]Node
	edges map[string][]Edge
}

func NewGraph(nodes []Node) *Graph {
	g := &Graph{
		index: make(map[string]int, len(nodes)),
		nodes: make(map[string]Node, len(nodes)),
		edges: make(map[string][]Edge, len(nodes)),
	}
	for _, n := range nodes {
		if _, dup := g.index[n.ID]; dup {
			continue
		}
		g.index[n.ID] = len(g.order)
		g.order = append(g.order, n.ID)
		g.nodes[n.ID] = n
	}
	for _, id := range g.order {
		for _, dep := range g.nodes[id].DependsOn {
			kind := dep.Kind
			if kind == "" {
				kind = Uses
			}
			g.edges[id] = append(g.edges[id], Edge{From: id, To: dep.Target, Kind: kind})
		}
	}
	return g
}

// Nodes returns node ids in declaration order.
func (g *Graph) Nodes() []string {
	return append([]string(nil), g.order...)
}

func (g *Graph) Node(id string) (Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Declared reports the declaration position of id, or -1.
func (g *Graph) Declared(id string) int {
	if i, ok := g.index[id]; ok {
		return i
	}
	return -1
}

// Edges returns the outgoing edges of id in declaration order.
func (g *Graph) Edges(id string) []Edge {
	return g.edges[id]
}

// EdgesWithin returns every edge whose endpoints are both in members.
func (g *Graph) EdgesWithin(members []string) []Edge {
	set := make(map[string]bool, len(members))
	for _, m := range members {
		set[m] = true
	}
	var out []Edge
	for _, m := range members {
		for _, e := range g.edges[m] {
			if set[e.To] {
				out = append(out, e)
			}
		}
	}
	return out
}

// successors returns declared targets of id, deduplicated and sorted by
// declaration order.
func (g *Graph) successors(id string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, e := range g.edges[id] {
		if _, ok := g.index[e.To]; !ok || seen[e.To] {
			continue
		}
		seen[e.To] = true
		out = append(out, e.To)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && g.index[out[j]] < g.index[out[j-1]]; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

package depgraph

// DefaultPolicy is the stock classification heuristic.
//
// Severity:
//   - critical when members belong to two or more declared bounded contexts
//   - low for a self-loop or when every member sits in the same context
//   - high when any edge inside the cycle is synchronous (uses, data, state)
//   - medium when the cycle is held together by events only
//
// Strategy:
//   - shared mutable state suggests extracting a shared module
//   - self-loops and small fully connected cycles inside one context suggest a merge
//   - two-node cycles suggest events when one side already reacts to events,
//     otherwise an extracted interface
//   - longer cycles suggest decoupling through events
var DefaultPolicy Policy = PolicyFunc(classify)

const mergeLimit = 3

func classify(c Cycle, g *Graph) (Severity, Strategy) {
	edges := g.EdgesWithin(c.Members)
	contexts, allDeclared := memberContexts(c.Members, g)
	sameContext := len(contexts) == 1 && allDeclared

	var sev Severity
	switch {
	case len(contexts) >= 2:
		sev = Critical
	case len(c.Members) == 1 || sameContext:
		sev = Low
	case anyEdge(edges, func(k EdgeKind) bool { return k.Synchronous() }):
		sev = High
	default:
		sev = Medium
	}

	var strat Strategy
	switch {
	case anyEdge(edges, func(k EdgeKind) bool { return k == State }):
		strat = ExtractSharedModule
	case len(c.Members) == 1:
		strat = Merge
	case sameContext && len(c.Members) <= mergeLimit && fullyConnected(c.Members, edges):
		strat = Merge
	case len(c.Members) == 2 && anyEdge(edges, func(k EdgeKind) bool { return k == Event }):
		strat = UseEvents
	case len(c.Members) == 2:
		strat = ExtractInterface
	default:
		strat = UseEvents
	}
	return sev, strat
}

func memberContexts(members []string, g *Graph) ([]string, bool) {
	seen := make(map[string]bool)
	var out []string
	allDeclared := true
	for _, m := range members {
		n, _ := g.Node(m)
		if n.Context == "" {
			allDeclared = false
			continue
		}
		if !seen[n.Context] {
			seen[n.Context] = true
			out = append(out, n.Context)
		}
	}
	return out, allDeclared
}

func anyEdge(edges []Edge, pred func(EdgeKind) bool) bool {
	for _, e := range edges {
		if pred(e.Kind) {
			return true
		}
	}
	return false
}

// fullyConnected reports whether every member depends directly on every other.
func fullyConnected(members []string, edges []Edge) bool {
	linked := make(map[[2]string]bool, len(edges))
	for _, e := range edges {
		linked[[2]string{e.From, e.To}] = true
	}
	for _, a := range members {
		for _, b := range members {
			if a != b && !linked[[2]string{a, b}] {
				return false
			}
		}
	}
	return true
}

package graph

import "sort"

// tarjanSCC finds strongly connected components over the managed
// dependency edges. Returns SCCs as lists of node keys; single-node
// SCCs without a self-loop are not cycles.
//
// Iterating nodes in sorted order keeps the reported cycle path stable
// across runs, which matters because cycle errors end up in test
// expectations and user bug reports.
func tarjanSCC(nodes []string, adj map[string][]string) [][]string {
	var (
		index   = 0
		stack   []string
		indices = make(map[string]int)
		lowlink = make(map[string]int)
		onStack = make(map[string]bool)
		sccs    [][]string
	)

	var strongConnect func(v string)
	strongConnect = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		neighbors := append([]string(nil), adj[v]...)
		sort.Strings(neighbors)
		for _, w := range neighbors {
			if _, seen := indices[w]; !seen {
				strongConnect(w)
				if lowlink[w] < lowlink[v] {
					lowlink[v] = lowlink[w]
				}
			} else if onStack[w] {
				if indices[w] < lowlink[v] {
					lowlink[v] = indices[w]
				}
			}
		}

		if lowlink[v] == indices[v] {
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
			sccs = append(sccs, scc)
		}
	}

	sorted := append([]string(nil), nodes...)
	sort.Strings(sorted)
	for _, v := range sorted {
		if _, seen := indices[v]; !seen {
			strongConnect(v)
		}
	}
	return sccs
}

// hasSelfLoop checks if a node has an edge to itself.
func hasSelfLoop(node string, adj map[string][]string) bool {
	for _, n := range adj[node] {
		if n == node {
			return true
		}
	}
	return false
}

// orderCycle arranges an SCC's members into an actual walkable cycle
// path starting from the smallest member, following edges within the
// component.
func orderCycle(scc []string, adj map[string][]string) []string {
	if len(scc) == 1 {
		return scc
	}
	member := make(map[string]bool, len(scc))
	for _, n := range scc {
		member[n] = true
	}
	start := scc[0]
	for _, n := range scc[1:] {
		if n < start {
			start = n
		}
	}

	path := []string{start}
	visited := map[string]bool{start: true}
	cur := start
	for len(path) < len(scc) {
		next := ""
		neighbors := append([]string(nil), adj[cur]...)
		sort.Strings(neighbors)
		for _, n := range neighbors {
			if member[n] && !visited[n] {
				next = n
				break
			}
		}
		if next == "" {
			// Component is strongly connected but not a simple ring;
			// fall back to the sorted member list.
			rest := make([]string, 0, len(scc))
			for _, n := range scc {
				if !visited[n] {
					rest = append(rest, n)
				}
			}
			sort.Strings(rest)
			return append(path, rest...)
		}
		path = append(path, next)
		visited[next] = true
		cur = next
	}
	return path
}

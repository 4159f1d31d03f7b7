// Package graph computes dependency-ordered instantiation sequences.
package graph

// Graph is a dependency graph over nodes 0..n-1. An edge from a to b
// means a depends on b: b must be instantiated first.
type Graph struct {
	n     int
	deps  [][]int
	edges map[[2]int]bool
}

// New creates a graph with n nodes and no edges.
func New(n int) *Graph {
	return &Graph{
		n:     n,
		deps:  make([][]int, n),
		edges: make(map[[2]int]bool),
	}
}

// AddDep records that node depends on dep. Duplicate edges are
// ignored; self-dependencies form a cycle.
func (g *Graph) AddDep(node, dep int) {
	key := [2]int{node, dep}
	if g.edges[key] {
		return
	}
	g.edges[key] = true
	g.deps[node] = append(g.deps[node], dep)
}

// Sort returns a topological order: every node appears after all of
// its dependencies. Ties are broken by node index, so the order is
// stable with respect to the input ordering. If the graph has a
// cycle, ok is false and cycle holds one cyclic path (first node
// repeated at the end).
func (g *Graph) Sort() (order []int, cycle []int, ok bool) {
	indegree := make([]int, g.n)
	dependents := make([][]int, g.n)
	for node, deps := range g.deps {
		for _, dep := range deps {
			indegree[node]++
			dependents[dep] = append(dependents[dep], node)
		}
	}

	// Kahn's algorithm with an index-ordered ready set.
	ready := make([]int, 0, g.n)
	for i := 0; i < g.n; i++ {
		if indegree[i] == 0 {
			ready = append(ready, i)
		}
	}

	order = make([]int, 0, g.n)
	for len(ready) > 0 {
		// Smallest index first keeps ties in input order.
		min := 0
		for i, node := range ready {
			if node < ready[min] {
				min = i
			}
		}
		node := ready[min]
		ready = append(ready[:min], ready[min+1:]...)
		order = append(order, node)

		for _, dependent := range dependents[node] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}

	if len(order) == g.n {
		return order, nil, true
	}
	return nil, g.findCycle(indegree), false
}

// findCycle walks dependency edges inside the unresolved subgraph
// until a node repeats.
func (g *Graph) findCycle(indegree []int) []int {
	remaining := make(map[int]bool, g.n)
	for i := 0; i < g.n; i++ {
		if indegree[i] > 0 {
			remaining[i] = true
		}
	}

	var start int
	for i := 0; i < g.n; i++ {
		if remaining[i] {
			start = i
			break
		}
	}

	seen := make(map[int]int)
	var path []int
	node := start
	for {
		if at, visited := seen[node]; visited {
			cycle := append([]int{}, path[at:]...)
			return append(cycle, node)
		}
		seen[node] = len(path)
		path = append(path, node)

		// Follow any dependency still inside the unresolved subgraph.
		for _, dep := range g.deps[node] {
			if remaining[dep] {
				node = dep
				break
			}
		}
	}
}

package transform

import (
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/strata/internal/ir"
)

// CycleWarning reports transforms that can retrigger themselves through
// their outputs. Registration never fails on a cycle: a transform whose
// output converges (writes the same content again) stops retriggering on
// its own because the change fingerprint repeats.
type CycleWarning struct {
	Path    []string `json:"path"` // e.g. ["t1", "t2", "t1"]
	Message string   `json:"message"`
	Level   string   `json:"level"`
}

// AnalyzeCycles finds every strongly connected component of the transform
// graph that forms a cycle. An edge runs from t to u when t's output is one
// of u's inputs. Output is deterministic: warnings are ordered by their
// first transform id.
func AnalyzeCycles(transforms []ir.Transform) []CycleWarning {
	graph := buildGraph(transforms)

	var warnings []CycleWarning
	for _, scc := range tarjanSCC(graph) {
		if len(scc) > 1 || hasSelfLoop(scc[0], graph) {
			warnings = append(warnings, sccToWarning(scc, graph))
		}
	}
	slices.SortFunc(warnings, func(a, b CycleWarning) int {
		return strings.Compare(a.Path[0], b.Path[0])
	})
	return warnings
}

// graph maps transform id to the ids its output can trigger, sorted.
type graph map[string][]string

func buildGraph(transforms []ir.Transform) graph {
	consumers := make(map[string][]string)
	for _, t := range transforms {
		for _, in := range t.Inputs {
			consumers[in] = append(consumers[in], t.ID)
		}
	}

	g := make(graph, len(transforms))
	for _, t := range transforms {
		next := slices.Clone(consumers[t.Output])
		slices.Sort(next)
		g[t.ID] = slices.Compact(next)
	}
	return g
}

func hasSelfLoop(node string, g graph) bool {
	return slices.Contains(g[node], node)
}

// tarjanSCC returns the strongly connected components of g. Nodes are
// visited in sorted order so results are stable.
func tarjanSCC(g graph) [][]string {
	var (
		index   int
		stack   []string
		indices = make(map[string]int)
		lowlink = make(map[string]int)
		onStack = make(map[string]bool)
		sccs    [][]string
	)

	var connect func(string)
	connect = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range g[v] {
			if _, seen := indices[w]; !seen {
				connect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		if lowlink[v] != indices[v] {
			return
		}
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
		slices.Sort(scc)
		sccs = append(sccs, scc)
	}

	nodes := make([]string, 0, len(g))
	for n := range g {
		nodes = append(nodes, n)
	}
	slices.Sort(nodes)
	for _, n := range nodes {
		if _, seen := indices[n]; !seen {
			connect(n)
		}
	}
	return sccs
}

func sccToWarning(scc []string, g graph) CycleWarning {
	if len(scc) == 1 {
		id := scc[0]
		return CycleWarning{
			Path:    []string{id, id},
			Message: fmt.Sprintf("transform %s reads its own output", id),
			Level:   "warning",
		}
	}

	path := cyclePath(scc, g)
	return CycleWarning{
		Path:    path,
		Message: fmt.Sprintf("transforms form a cycle: %s", strings.Join(path, " -> ")),
		Level:   "warning",
	}
}

// cyclePath walks from the smallest member along edges inside the SCC
// until it returns to the start.
func cyclePath(scc []string, g graph) []string {
	members := make(map[string]bool, len(scc))
	for _, n := range scc {
		members[n] = true
	}

	start := scc[0]
	path := []string{start}
	visited := map[string]bool{start: true}
	for current := start; ; {
		next := ""
		for _, w := range g[current] {
			if w == start || (members[w] && !visited[w]) {
				next = w
				if w != start {
					break
				}
			}
		}
		if next == "" {
			return path
		}
		path = append(path, next)
		if next == start {
			return path
		}
		visited[next] = true
		current = next
	}
}

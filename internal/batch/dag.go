package batch

import "github.com/codegraph/ingestsub/internal/types"

// buildDAG constructs a DependencyDAG from a fragment batch: one node
// per fragment, edges from DependencyHints (§4.4 "Dependency DAG").
func buildDAG(fragments []types.ChangeFragment) *types.DependencyDAG {
	dag := &types.DependencyDAG{Nodes: make(map[string]*types.DAGNode, len(fragments))}

	for i := range fragments {
		f := &fragments[i]
		dag.Nodes[f.ID] = &types.DAGNode{
			ID:     f.ID,
			Type:   f.ChangeType,
			Data:   f,
			Deps:   append([]string(nil), f.DependencyHints...),
			Status: types.NodePending,
		}
	}

	// dependents are the reverse edges, and only retained for deps that
	// exist within this batch (dependencyHints may reference fragments
	// from a prior epoch already written).
	for id, node := range dag.Nodes {
		for _, dep := range node.Deps {
			if depNode, ok := dag.Nodes[dep]; ok {
				depNode.Dependents = append(depNode.Dependents, id)
			}
		}
	}

	dag.Cycles = detectCycles(dag)

	inCycle := make(map[string]bool)
	for _, cycle := range dag.Cycles {
		for _, id := range cycle {
			inCycle[id] = true
		}
	}

	for id, node := range dag.Nodes {
		liveDeps := 0
		for _, dep := range node.Deps {
			if _, ok := dag.Nodes[dep]; ok {
				liveDeps++
			}
		}
		if liveDeps == 0 {
			dag.Roots = append(dag.Roots, id)
		}
		if len(node.Dependents) == 0 {
			dag.Leaves = append(dag.Leaves, id)
		}
	}

	return dag
}

// detectCycles runs DFS 3-coloring over the in-batch dependency edges
// and returns each cycle found as the path of node ids forming it.
func detectCycles(dag *types.DependencyDAG) [][]string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(dag.Nodes))
	var cycles [][]string
	var stack []string

	var visit func(id string)
	visit = func(id string) {
		color[id] = gray
		stack = append(stack, id)

		node := dag.Nodes[id]
		for _, dep := range node.Deps {
			if _, ok := dag.Nodes[dep]; !ok {
				continue // dep lives in a prior epoch, not a cycle candidate
			}
			switch color[dep] {
			case white:
				visit(dep)
			case gray:
				// found a back-edge: extract the cycle from the stack
				cycle := []string{}
				for i := len(stack) - 1; i >= 0; i-- {
					cycle = append(cycle, stack[i])
					if stack[i] == dep {
						break
					}
				}
				cycles = append(cycles, cycle)
			}
		}

		stack = stack[:len(stack)-1]
		color[id] = black
	}

	for id := range dag.Nodes {
		if color[id] == white {
			visit(id)
		}
	}
	return cycles
}

// readyFrontier returns node ids whose dependencies (within this batch)
// are all types.NodeDone, mirroring §4.4's "all deps completed" rule.
func readyFrontier(dag *types.DependencyDAG) []string {
	var ready []string
	for id, node := range dag.Nodes {
		if node.Status != types.NodePending {
			continue
		}
		allDone := true
		for _, dep := range node.Deps {
			depNode, ok := dag.Nodes[dep]
			if !ok {
				continue // dep outside this batch: treat as already satisfied
			}
			if depNode.Status != types.NodeDone {
				allDone = false
				break
			}
		}
		if allDone {
			ready = append(ready, id)
		}
	}
	return ready
}

// pendingCount reports how many nodes have not yet reached a terminal
// status, used to detect the deadlock condition in §4.4.
func pendingCount(dag *types.DependencyDAG) int {
	n := 0
	for _, node := range dag.Nodes {
		if node.Status == types.NodePending || node.Status == types.NodeRunning {
			n++
		}
	}
	return n
}

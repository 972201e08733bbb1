package batch

import (
	"context"
	"fmt"

	"github.com/codegraph/ingestsub/internal/graph"
	"github.com/codegraph/ingestsub/internal/types"
)

// ProcessChangeFragments builds a DependencyDAG over fragments, walks
// it in topological order (ready frontier expanding on each
// completion), and falls back to arbitrary order on deadlock, emitting
// a warning rather than failing the batch (§4.4 "Dependency DAG").
func (p *Processor) ProcessChangeFragments(ctx context.Context, fragments []types.ChangeFragment) (BatchResult, error) {
	if len(fragments) == 0 {
		return BatchResult{Success: true}, nil
	}

	dag := buildDAG(fragments)
	p.nextEpoch()

	total := BatchResult{Success: true}
	processed := make(map[string]bool, len(dag.Nodes))

	for len(processed) < len(dag.Nodes) {
		ready := readyFrontier(dag)
		if len(ready) == 0 {
			if pendingCount(dag) == 0 {
				break
			}
			// non-empty queue, no ready node: deadlock (§4.4). Process the
			// rest in arbitrary order rather than stalling forever.
			total.Warnings = append(total.Warnings, "dag:deadlock — remaining fragments processed in arbitrary order")
			for id, node := range dag.Nodes {
				if node.Status == types.NodePending {
					ready = append(ready, id)
				}
			}
		}

		for _, id := range ready {
			node := dag.Nodes[id]
			node.Status = types.NodeRunning
			res, err := p.writeFragment(ctx, node.Data)
			if err != nil || !res.Success {
				node.Status = types.NodeFailed
				total.FailedCount += res.FailedCount
				total.Warnings = append(total.Warnings, res.Warnings...)
				total.Success = false
			} else {
				node.Status = types.NodeDone
				total.ProcessedCount += res.ProcessedCount
			}
			processed[id] = true
		}
	}

	return total, nil
}

func (p *Processor) writeFragment(ctx context.Context, f *types.ChangeFragment) (BatchResult, error) {
	switch f.ChangeType {
	case types.FragmentEntity:
		e := graph.Entity{ID: fragmentStringField(f, "id", f.ID), Type: fragmentStringField(f, "type", ""), Data: f.Data}
		if f.Operation == types.OpRemove {
			return BatchResult{Success: true, ProcessedCount: 1}, nil
		}
		if err := p.g.CreateOrUpdateEntity(ctx, e, graph.BulkOptions{Upsert: true}); err != nil {
			return BatchResult{FailedCount: 1, Warnings: []string{fmt.Sprintf("fragment %s: %v", f.ID, err)}}, nil
		}
		return BatchResult{Success: true, ProcessedCount: 1}, nil

	case types.FragmentRelationship:
		from := fragmentStringField(f, "fromId", "")
		to := fragmentStringField(f, "toId", "")
		if from == "" || to == "" {
			return BatchResult{Success: true, Warnings: []string{fmt.Sprintf("fragment %s skipped: missing endpoint(s)", f.ID)}}, nil
		}
		r := graph.Relationship{ID: fragmentStringField(f, "id", f.ID), Type: fragmentStringField(f, "type", ""), FromID: from, ToID: to, Data: f.Data}
		if err := p.g.CreateRelationship(ctx, r); err != nil {
			return BatchResult{FailedCount: 1, Warnings: []string{fmt.Sprintf("fragment %s: %v", f.ID, err)}}, nil
		}
		return BatchResult{Success: true, ProcessedCount: 1}, nil

	default:
		return BatchResult{FailedCount: 1, Warnings: []string{fmt.Sprintf("fragment %s: unknown change type %q", f.ID, f.ChangeType)}}, nil
	}
}

func fragmentStringField(f *types.ChangeFragment, key, fallback string) string {
	if f.Data == nil {
		return fallback
	}
	if v, ok := f.Data[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

package flow

import "fmt"

// Plan returns the nodes of schema in an order where every node follows all
// of its transitive predecessors. Nodes with no ordering constraint between
// them keep their declaration order, following the node slice first and then
// each node's outgoing edges, so the result is stable for a given schema.
func Plan(schema *FlowSchema) ([]*Node, error) {
	nodeMap := make(map[string]*Node, len(schema.Nodes))
	for i := range schema.Nodes {
		nodeMap[schema.Nodes[i].ID] = &schema.Nodes[i]
	}
	outgoing := buildEdgeMap(schema.Edges)

	visited := make(map[string]bool, len(schema.Nodes))
	onStack := make(map[string]bool)
	// Filled back to front: a node is placed once all of its dependents are.
	order := make([]*Node, len(schema.Nodes))
	next := len(order) - 1

	var visit func(id string) error
	visit = func(id string) error {
		if onStack[id] {
			return fmt.Errorf("%w at node %q", ErrCycleDetected, id)
		}
		if visited[id] {
			return nil
		}
		node, ok := nodeMap[id]
		if !ok {
			// Dangling edge targets are not the planner's concern.
			return nil
		}

		onStack[id] = true
		edges := outgoing[id]
		for i := len(edges) - 1; i >= 0; i-- {
			if err := visit(edges[i].TargetID); err != nil {
				return err
			}
		}
		onStack[id] = false
		visited[id] = true

		order[next] = node
		next--
		return nil
	}

	for i := len(schema.Nodes) - 1; i >= 0; i-- {
		if err := visit(schema.Nodes[i].ID); err != nil {
			return nil, err
		}
	}

	// Duplicate node IDs leave unused slots at the front.
	return order[next+1:], nil
}

func buildEdgeMap(edges []Edge) map[string][]Edge {
	m := make(map[string][]Edge)
	for _, edge := range edges {
		m[edge.SourceID] = append(m[edge.SourceID], edge)
	}
	return m
}

func buildIncomingMap(edges []Edge) map[string][]Edge {
	m := make(map[string][]Edge)
	for _, edge := range edges {
		m[edge.TargetID] = append(m[edge.TargetID], edge)
	}
	return m
}

// TriggerNode returns the explicit trigger or the first node in the
// trigger category.
func TriggerNode(schema *FlowSchema) (*Node, error) {
	for i := range schema.Nodes {
		n := &schema.Nodes[i]
		if schema.TriggerNodeID != "" {
			if n.ID == schema.TriggerNodeID {
				return n, nil
			}
			continue
		}
		if n.Category == CategoryTrigger {
			return n, nil
		}
	}
	return nil, ErrNoTriggerNode
}

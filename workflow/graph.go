package workflow

import (
	"fmt"

	"github.com/NemorionTechnologies/DataConnectors-sub001/contracts"
)

// GraphValidationError collects every structural defect found in a
// document. The validator is pure: it never touches the catalog, schema
// validator, or condition evaluator; see PublishValidator for that.
type GraphValidationError struct {
	Errors []string
}

func (e *GraphValidationError) Error() string {
	return fmt.Sprintf("graph validation failed: %d error(s)", len(e.Errors))
}

// ValidateGraph checks the document's shape: non-empty node list, a valid
// startNode, no duplicate ids, every edge and onFailure target resolves,
// the graph is acyclic, and every node is reachable from startNode.
// It returns nil if, and only if, doc is structurally sound.
func ValidateGraph(doc *contracts.WorkflowDocument) error {
	var errs []string

	if len(doc.Nodes) == 0 {
		return &GraphValidationError{Errors: []string{"workflow has no nodes"}}
	}

	byID := make(map[string]*contracts.Node, len(doc.Nodes))
	for i := range doc.Nodes {
		n := &doc.Nodes[i]
		if _, dup := byID[n.ID]; dup {
			errs = append(errs, fmt.Sprintf("duplicate node id %q", n.ID))
			continue
		}
		byID[n.ID] = n
	}

	if doc.StartNode == "" {
		errs = append(errs, "startNode is empty")
	} else if _, ok := byID[doc.StartNode]; !ok {
		errs = append(errs, fmt.Sprintf("startNode %q is not in nodes", doc.StartNode))
	}

	for _, n := range doc.Nodes {
		for _, e := range n.Edges {
			if _, ok := byID[e.TargetNode]; !ok {
				errs = append(errs, fmt.Sprintf("node %q has edge to unknown target %q", n.ID, e.TargetNode))
			}
		}
		if n.OnFailure != "" {
			if _, ok := byID[n.OnFailure]; !ok {
				errs = append(errs, fmt.Sprintf("node %q has onFailure referencing unknown node %q", n.ID, n.OnFailure))
			}
		}
	}

	if cyclePath, ok := findCycle(doc, byID); ok {
		errs = append(errs, fmt.Sprintf("cycle detected: %v", cyclePath))
	}

	if doc.StartNode != "" {
		if _, ok := byID[doc.StartNode]; ok {
			for _, unreachable := range unreachableNodes(doc, byID) {
				errs = append(errs, fmt.Sprintf("node %q is unreachable from startNode", unreachable))
			}
		}
	}

	if len(errs) > 0 {
		return &GraphValidationError{Errors: errs}
	}
	return nil
}

// findCycle runs DFS with an explicit recursion stack over the edge
// relation; onFailure edges count as graph edges for cycle purposes since
// they too are a transition the scheduler can take.
func findCycle(doc *contracts.WorkflowDocument, byID map[string]*contracts.Node) ([]string, bool) {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(doc.Nodes))
	var path []string

	var visit func(id string) ([]string, bool)
	visit = func(id string) ([]string, bool) {
		color[id] = gray
		path = append(path, id)

		n, ok := byID[id]
		if ok {
			for _, next := range outgoing(n) {
				if _, known := byID[next]; !known {
					continue
				}
				switch color[next] {
				case gray:
					return append(append([]string{}, path...), next), true
				case white:
					if cyc, found := visit(next); found {
						return cyc, true
					}
				}
			}
		}

		path = path[:len(path)-1]
		color[id] = black
		return nil, false
	}

	for _, n := range doc.Nodes {
		if color[n.ID] == white {
			if cyc, found := visit(n.ID); found {
				return cyc, true
			}
		}
	}
	return nil, false
}

// unreachableNodes performs a BFS/DFS from startNode over the same edge
// relation and reports every node never visited.
func unreachableNodes(doc *contracts.WorkflowDocument, byID map[string]*contracts.Node) []string {
	visited := map[string]bool{doc.StartNode: true}
	stack := []string{doc.StartNode}

	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		n, ok := byID[id]
		if !ok {
			continue
		}
		for _, next := range outgoing(n) {
			if visited[next] {
				continue
			}
			if _, known := byID[next]; !known {
				continue
			}
			visited[next] = true
			stack = append(stack, next)
		}
	}

	var unreached []string
	for _, n := range doc.Nodes {
		if !visited[n.ID] {
			unreached = append(unreached, n.ID)
		}
	}
	return unreached
}

func outgoing(n *contracts.Node) []string {
	targets := make([]string, 0, len(n.Edges)+1)
	for _, e := range n.Edges {
		targets = append(targets, e.TargetNode)
	}
	if n.OnFailure != "" {
		targets = append(targets, n.OnFailure)
	}
	return targets
}

package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/NemorionTechnologies/DataConnectors-sub001/contracts"
)

// Neo4jGraphCache implements contracts.GraphCache: a non-authoritative
// mirror of each workflow's node/edge topology, useful for ad-hoc graph
// queries (blast-radius, shared-dependency browsing) that would be awkward
// against the relational store. Losing it never blocks execution - the
// conductor walks contracts.WorkflowDocument in memory regardless.
type Neo4jGraphCache struct {
	driver neo4j.DriverWithContext
}

// NewNeo4jGraphCache connects to Neo4j and verifies connectivity.
func NewNeo4jGraphCache(uri, username, password string) (*Neo4jGraphCache, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(username, password, ""))
	if err != nil {
		return nil, fmt.Errorf("creating neo4j driver: %w", err)
	}

	ctx := context.Background()
	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, fmt.Errorf("connecting to neo4j: %w", err)
	}

	return &Neo4jGraphCache{driver: driver}, nil
}

// MaterializeWorkflow replaces the mirrored graph for one workflow with the
// nodes and edges of doc. The previous graph is detached and deleted first
// so nodes renamed or removed between versions don't linger.
func (g *Neo4jGraphCache) MaterializeWorkflow(ctx context.Context, workflowID string, doc *contracts.WorkflowDocument) error {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (interface{}, error) {
		if _, err := tx.Run(ctx, `
			MATCH (w:Workflow {id: $workflowId})-[:HAS_NODE]->(n:WorkflowNode)
			DETACH DELETE n
		`, map[string]interface{}{"workflowId": workflowID}); err != nil {
			return nil, fmt.Errorf("clearing prior graph: %w", err)
		}

		if _, err := tx.Run(ctx, `
			MERGE (w:Workflow {id: $workflowId})
			SET w.displayName = $displayName, w.startNode = $startNode
		`, map[string]interface{}{
			"workflowId":  workflowID,
			"displayName": doc.DisplayName,
			"startNode":   doc.StartNode,
		}); err != nil {
			return nil, fmt.Errorf("merging workflow node: %w", err)
		}

		for _, node := range doc.Nodes {
			if _, err := tx.Run(ctx, `
				MATCH (w:Workflow {id: $workflowId})
				MERGE (n:WorkflowNode {workflowId: $workflowId, id: $nodeId})
				SET n.actionType = $actionType, n.routePolicy = $routePolicy
				MERGE (w)-[:HAS_NODE]->(n)
				MERGE (a:ActionType {id: $actionType})
				MERGE (c:Connector {id: $connectorId})
				MERGE (n)-[:USES_ACTION]->(a)
				MERGE (a)-[:PROVIDED_BY]->(c)
			`, map[string]interface{}{
				"workflowId":  workflowID,
				"nodeId":      node.ID,
				"actionType":  node.ActionType,
				"connectorId": strings.SplitN(node.ActionType, ".", 2)[0],
				"routePolicy": string(node.RoutePolicy),
			}); err != nil {
				return nil, fmt.Errorf("merging node %q: %w", node.ID, err)
			}

			for _, edge := range node.Edges {
				if _, err := tx.Run(ctx, `
					MATCH (w:Workflow {id: $workflowId})-[:HAS_NODE]->(from:WorkflowNode {id: $fromId})
					MERGE (to:WorkflowNode {workflowId: $workflowId, id: $toId})
					MERGE (w)-[:HAS_NODE]->(to)
					MERGE (from)-[e:ROUTES_TO {when: $when}]->(to)
					SET e.condition = $condition
				`, map[string]interface{}{
					"workflowId": workflowID,
					"fromId":     node.ID,
					"toId":       edge.TargetNode,
					"when":       string(edge.When),
					"condition":  edge.Condition,
				}); err != nil {
					return nil, fmt.Errorf("merging edge %s->%s: %w", node.ID, edge.TargetNode, err)
				}
			}

			if node.OnFailure != "" {
				if _, err := tx.Run(ctx, `
					MATCH (w:Workflow {id: $workflowId})-[:HAS_NODE]->(from:WorkflowNode {id: $fromId})
					MERGE (to:WorkflowNode {workflowId: $workflowId, id: $toId})
					MERGE (w)-[:HAS_NODE]->(to)
					MERGE (from)-[:ON_FAILURE]->(to)
				`, map[string]interface{}{
					"workflowId": workflowID,
					"fromId":     node.ID,
					"toId":       node.OnFailure,
				}); err != nil {
					return nil, fmt.Errorf("merging onFailure %s->%s: %w", node.ID, node.OnFailure, err)
				}
			}
		}

		return nil, nil
	})

	return err
}

// Close releases the Neo4j driver's connections.
func (g *Neo4jGraphCache) Close() error {
	return g.driver.Close(context.Background())
}

// Package contracts holds the shared types and component interfaces that the
// rest of the engine depends on. It sits at the bottom of the dependency
// order: storage, catalog, validator, conductor, and the HTTP surface all
// import contracts, but contracts imports none of them. This keeps the
// parser/validator/conductor/registry cycle the donor's design notes warn
// about from ever forming.
package contracts

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrChecksumExists is returned by WorkflowDefinitionRepository.Create when
// (workflowId, checksum) already has a row; callers should GetByChecksum
// and reuse its version instead (P4 idempotence).
var ErrChecksumExists = errors.New("workflow definition with this checksum already exists")

// WorkflowStatus is the lifecycle state of a Workflow identity.
type WorkflowStatus string

const (
	WorkflowStatusDraft    WorkflowStatus = "Draft"
	WorkflowStatusActive   WorkflowStatus = "Active"
	WorkflowStatusArchived WorkflowStatus = "Archived"
)

// Workflow is the identity of a business flow; versions live separately in
// WorkflowDefinition.
type Workflow struct {
	ID             string
	DisplayName    string
	Description    string
	CurrentVersion *int
	Status         WorkflowStatus
	IsEnabled      bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// WorkflowDefinition is the immutable versioned payload for a Workflow.
// Version 0 is the editable draft; versions >= 1 are immutable once created.
type WorkflowDefinition struct {
	WorkflowID     string
	Version        int
	DefinitionJSON json.RawMessage
	Checksum       string
	CreatedAt      time.Time
}

// RoutePolicy controls how a node's outgoing edges are evaluated.
type RoutePolicy string

const (
	RoutePolicyParallel   RoutePolicy = "parallel"
	RoutePolicyFirstMatch RoutePolicy = "firstMatch"
)

// EdgeWhen is the parent-status guard an edge is gated on.
type EdgeWhen string

const (
	EdgeWhenSuccess EdgeWhen = "success"
	EdgeWhenFailure EdgeWhen = "failure"
	EdgeWhenAlways  EdgeWhen = "always"
)

// Edge is a directed transition out of a node.
type Edge struct {
	TargetNode string   `json:"targetNode"`
	When       EdgeWhen `json:"when,omitempty"`
	Condition  string   `json:"condition,omitempty"`
}

// NodePolicies carries per-node execution toggles.
type NodePolicies struct {
	RerenderOnRetry bool `json:"rerenderOnRetry"`
}

// Node is one step of a workflow document.
type Node struct {
	ID          string          `json:"id"`
	ActionType  string          `json:"actionType"`
	Parameters  json.RawMessage `json:"parameters"`
	Edges       []Edge          `json:"edges"`
	RoutePolicy RoutePolicy     `json:"routePolicy,omitempty"`
	Policies    NodePolicies    `json:"policies"`
	OnFailure   string          `json:"onFailure,omitempty"`
}

// WorkflowDocument is the parsed shape of definitionJson.
type WorkflowDocument struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	StartNode   string `json:"startNode"`
	Nodes       []Node `json:"nodes"`
}

// NodeByID indexes the document's nodes by id. Callers should validate the
// document before relying on the absence of duplicates.
func (d *WorkflowDocument) NodeByID() map[string]*Node {
	out := make(map[string]*Node, len(d.Nodes))
	for i := range d.Nodes {
		out[d.Nodes[i].ID] = &d.Nodes[i]
	}
	return out
}

// ActionCatalogEntry is a registered action, keyed by (connectorId, actionType).
type ActionCatalogEntry struct {
	ID              string
	ConnectorID     string
	ActionType      string
	DisplayName     string
	Description     string
	ParameterSchema json.RawMessage
	OutputSchema    json.RawMessage
	IsEnabled       bool
	RequiresAuth    bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// WorkflowExecutionStatus is the terminal/non-terminal status of one run.
type WorkflowExecutionStatus string

const (
	ExecutionPending   WorkflowExecutionStatus = "Pending"
	ExecutionRunning   WorkflowExecutionStatus = "Running"
	ExecutionSucceeded WorkflowExecutionStatus = "Succeeded"
	ExecutionFailed    WorkflowExecutionStatus = "Failed"
	ExecutionCancelled WorkflowExecutionStatus = "Cancelled"
)

// WorkflowExecution is one run of a published (or, if allowed, draft) version.
type WorkflowExecution struct {
	ID                   string
	WorkflowID           string
	WorkflowVersion      int
	WorkflowRequestID    string
	Status               WorkflowExecutionStatus
	TriggerPayloadJSON   json.RawMessage
	StartTime            *time.Time
	EndTime              *time.Time
	CorrelationID         string
	ContextSnapshotJSON  json.RawMessage
}

// ActionExecutionStatus is the outcome of one attempt at one node.
type ActionExecutionStatus string

const (
	ActionSucceeded       ActionExecutionStatus = "Succeeded"
	ActionFailed          ActionExecutionStatus = "Failed"
	ActionRetriableFailure ActionExecutionStatus = "RetriableFailure"
	ActionSkipped         ActionExecutionStatus = "Skipped"
)

// ActionExecution is one attempt at one node within one run.
type ActionExecution struct {
	ID                  string
	WorkflowExecutionID string
	NodeID              string
	ActionType          string
	Status              ActionExecutionStatus
	Attempt             int
	RetryCount          int
	ParametersJSON      json.RawMessage
	OutputsJSON         json.RawMessage
	ErrorJSON           json.RawMessage
	StartTime           time.Time
	EndTime             time.Time
}

// ActionResult is the uniform shape local and remote action invocations
// return, so the conductor is agnostic to where a node's action actually ran.
type ActionResult struct {
	Status  ActionExecutionStatus
	Outputs map[string]interface{}
	Error   string
}

// ActionError carries a machine-readable kind alongside a message, used when
// persisting ActionExecution.errorJson.
type ActionError struct {
	Kind    string   `json:"kind"`
	Message string   `json:"message"`
	Paths   []string `json:"paths,omitempty"`
}

// ExecutionContext is passed to every action invocation, local or remote.
type ExecutionContext struct {
	WorkflowExecutionID string `json:"workflowExecutionId"`
	NodeID              string `json:"nodeId"`
	CorrelationID       string `json:"correlationId"`
}

// TemplateModel is the read-only scope exposed to template rendering and
// condition evaluation.
type TemplateModel struct {
	Trigger map[string]interface{}
	Context map[string]interface{} // {"data": map[nodeId]outputs}
	Vars    map[string]interface{}
}

// TemplateEngine renders a parameter JSON tree, substituting `{{ }}` expressions.
type TemplateEngine interface {
	Render(ctx context.Context, templateJSON string, model TemplateModel) (string, error)
}

// ConditionEvaluator evaluates a boolean expression over the same scope.
type ConditionEvaluator interface {
	Evaluate(ctx context.Context, expression string, model TemplateModel) bool

	// CheckSyntax reports whether expression compiles to a bool-typed CEL
	// program, without evaluating it. Used at publish time, when no real
	// trigger/context/vars values exist yet to evaluate against.
	CheckSyntax(expression string) error
}

// SchemaValidator validates a JSON value against a JSON Schema document.
type SchemaValidator interface {
	ValidateJSON(schema json.RawMessage, value json.RawMessage) []string
	ValidateParameters(schema json.RawMessage, value map[string]interface{}) []string
}

// ActionExecutor dispatches one action invocation and returns its result.
type ActionExecutor interface {
	Execute(ctx context.Context, actionType string, parameters map[string]interface{}, execCtx ExecutionContext) ActionResult
}

// CatalogRegistry is the in-memory, periodically-refreshed view of the
// persisted action catalog.
type CatalogRegistry interface {
	GetByActionType(actionType string) (*ActionCatalogEntry, bool)
	GetAllEnabled() []*ActionCatalogEntry
	Refresh(ctx context.Context) error
	LastRefreshedAt() time.Time
}

// WorkflowRepository persists Workflow identity rows.
type WorkflowRepository interface {
	Create(ctx context.Context, w *Workflow) error
	Get(ctx context.Context, id string) (*Workflow, error)
	UpdateStatus(ctx context.Context, id string, status WorkflowStatus, currentVersion *int, isEnabled bool) error
}

// WorkflowDefinitionRepository persists immutable versioned definitions.
type WorkflowDefinitionRepository interface {
	Create(ctx context.Context, def *WorkflowDefinition) error
	GetByChecksum(ctx context.Context, workflowID, checksum string) (*WorkflowDefinition, error)
	GetByVersion(ctx context.Context, workflowID string, version int) (*WorkflowDefinition, error)
	GetDraft(ctx context.Context, workflowID string) (*WorkflowDefinition, error)
	PutDraft(ctx context.Context, workflowID string, definitionJSON json.RawMessage) error
}

// WorkflowExecutionRepository persists run-level rows.
type WorkflowExecutionRepository interface {
	Create(ctx context.Context, exec *WorkflowExecution) error
	GetByRequestID(ctx context.Context, workflowID, requestID string) (*WorkflowExecution, error)
	Get(ctx context.Context, id string) (*WorkflowExecution, error)
	UpdateStatus(ctx context.Context, id string, status WorkflowExecutionStatus, endTime *time.Time, contextSnapshot json.RawMessage) error
	MarkRunning(ctx context.Context, id string, startTime time.Time) error
}

// ActionExecutionRepository persists per-attempt telemetry.
type ActionExecutionRepository interface {
	Save(ctx context.Context, a *ActionExecution) error
	ListByNode(ctx context.Context, workflowExecutionID, nodeID string) ([]*ActionExecution, error)
	ListByExecution(ctx context.Context, workflowExecutionID string) ([]*ActionExecution, error)
}

// ActionCatalogRepository persists the registered action catalog.
type ActionCatalogRepository interface {
	Upsert(ctx context.Context, entry *ActionCatalogEntry) error
	ListAll(ctx context.Context) ([]*ActionCatalogEntry, error)
}

// GraphCache is the optional, non-authoritative dependency-graph cache.
// Implementations MUST tolerate being nil; losing it never blocks execution.
type GraphCache interface {
	MaterializeWorkflow(ctx context.Context, workflowID string, doc *WorkflowDocument) error
	Close() error
}

// Lock is the optional distributed-lock layer used to avoid wasted
// render+dispatch races across replicas; the database unique constraint
// remains the correctness guarantee.
type Lock interface {
	AcquireStartLock(ctx context.Context, workflowID, requestID string, ttl time.Duration) (bool, error)
	ReleaseStartLock(ctx context.Context, workflowID, requestID string) error
	PublishCatalogRefresh(ctx context.Context) error
	SubscribeCatalogRefresh(ctx context.Context) (<-chan struct{}, error)
}

// StatusEvent is a compact status update the conductor broadcasts while a
// run is in flight. Best-effort, observability only.
type StatusEvent struct {
	ExecutionID string                `json:"executionId"`
	NodeID      string                `json:"nodeId,omitempty"`
	Status      string                `json:"status"`
	Timestamp   time.Time             `json:"timestamp"`
	Detail      map[string]interface{} `json:"detail,omitempty"`
}

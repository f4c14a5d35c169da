// Package conductor is the workflow scheduler: given a validated workflow
// document it builds a run graph, drives a bounded pool of node workers
// with a ready-queue built on Go's natural goroutine/WaitGroup recursion,
// and persists telemetry for every attempt. It is deliberately the hardest
// subsystem in the engine; everything else exists to feed it validated
// input or consume its output.
package conductor

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/NemorionTechnologies/DataConnectors-sub001/contracts"
)

// RetryPolicy is the run-wide attempt/backoff policy.
type RetryPolicy struct {
	InitialDelay   time.Duration
	BackoffFactor  float64
	MaxAttempts    int
	Jitter         bool
}

// DefaultRetryPolicy matches the spec's defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{InitialDelay: 500 * time.Millisecond, BackoffFactor: 2.0, MaxAttempts: 3, Jitter: true}
}

// Config holds the conductor's tunable timeouts and limits.
type Config struct {
	MaxParallelActions     int64
	DefaultActionTimeout   time.Duration
	DefaultWorkflowTimeout time.Duration
	Retry                  RetryPolicy
	AllowDraftExecution    bool
}

// DefaultConfig matches §5's listed defaults.
func DefaultConfig() Config {
	return Config{
		MaxParallelActions:     16,
		DefaultActionTimeout:   30 * time.Second,
		DefaultWorkflowTimeout: 30 * time.Minute,
		Retry:                  DefaultRetryPolicy(),
	}
}

// Conductor wires together every component the scheduler depends on. Tests
// substitute fakes for any of these by constructing the struct directly.
type Conductor struct {
	Template  contracts.TemplateEngine
	Condition contracts.ConditionEvaluator
	Schema    contracts.SchemaValidator
	Catalog   contracts.CatalogRegistry
	Executor  contracts.ActionExecutor

	Executions contracts.WorkflowExecutionRepository
	Actions    contracts.ActionExecutionRepository

	Lock        contracts.Lock // optional
	Broadcaster *Broadcaster

	Config Config
	Log    *logrus.Entry

	mu            sync.Mutex
	cancelByExec  map[string]context.CancelFunc
}

// New builds a Conductor. Lock and Broadcaster may be nil.
func New(
	tmpl contracts.TemplateEngine,
	cond contracts.ConditionEvaluator,
	sch contracts.SchemaValidator,
	catalog contracts.CatalogRegistry,
	exec contracts.ActionExecutor,
	executions contracts.WorkflowExecutionRepository,
	actions contracts.ActionExecutionRepository,
	lock contracts.Lock,
	broadcaster *Broadcaster,
	config Config,
	log *logrus.Entry,
) *Conductor {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Conductor{
		Template: tmpl, Condition: cond, Schema: sch, Catalog: catalog, Executor: exec,
		Executions: executions, Actions: actions, Lock: lock, Broadcaster: broadcaster,
		Config: config, Log: log,
		cancelByExec: make(map[string]context.CancelFunc),
	}
}

// edgeOutcome is the decided/undecided state of one incoming edge of a
// join target, keyed (target, source).
type edgeOutcome int

const (
	outcomeUnknown edgeOutcome = iota
	outcomeSatisfied
	outcomeUnsatisfied
)

// run carries all per-execution mutable state.
type run struct {
	doc *contracts.WorkflowDocument
	byID map[string]*contracts.Node

	execution *contracts.WorkflowExecution

	trigger map[string]interface{}
	vars    map[string]interface{}

	ctx    context.Context
	cancel context.CancelFunc

	sem *semaphore.Weighted
	wg  sync.WaitGroup

	mu           sync.Mutex
	contextData  map[string]map[string]interface{}
	incoming     map[string]map[string]edgeOutcome
	enqueued     map[string]bool
	fatalFailure bool
}

// StartExecution begins a run for a validated workflow document. workflowID
// and workflowVersion identify the published (or, if allowed, draft)
// version this run is against. requestID is the client-provided idempotency
// key: starting with the same (workflowID, requestID) twice returns the
// existing execution rather than creating a second one (P5).
func (c *Conductor) StartExecution(ctx context.Context, workflowID string, workflowVersion int, doc *contracts.WorkflowDocument, requestID string, trigger, vars map[string]interface{}, correlationID string) (*contracts.WorkflowExecution, error) {
	if workflowVersion == 0 && !c.Config.AllowDraftExecution {
		return nil, fmt.Errorf("execution of draft workflows is disabled")
	}
	if workflowVersion == 0 {
		c.Log.WithFields(logrus.Fields{"workflow_id": workflowID, "draft": true}).Warn("executing draft workflow version")
	}

	if existing, err := c.Executions.GetByRequestID(ctx, workflowID, requestID); err == nil && existing != nil {
		return existing, nil
	}

	if c.Lock != nil {
		acquired, err := c.Lock.AcquireStartLock(ctx, workflowID, requestID, 30*time.Second)
		if err == nil && !acquired {
			// Another replica is racing the same start; give it a moment
			// to land the row, then defer to whatever the store has.
			time.Sleep(50 * time.Millisecond)
			if existing, err := c.Executions.GetByRequestID(ctx, workflowID, requestID); err == nil && existing != nil {
				return existing, nil
			}
		}
		if err == nil {
			defer c.Lock.ReleaseStartLock(context.Background(), workflowID, requestID)
		}
	}

	triggerJSON, _ := json.Marshal(trigger)
	exec := &contracts.WorkflowExecution{
		ID:                 uuid.NewString(),
		WorkflowID:         workflowID,
		WorkflowVersion:    workflowVersion,
		WorkflowRequestID:  requestID,
		Status:             contracts.ExecutionPending,
		TriggerPayloadJSON: triggerJSON,
		CorrelationID:      correlationID,
	}
	if err := c.Executions.Create(ctx, exec); err != nil {
		// Another replica won the race at the database's unique
		// constraint; defer to its row rather than failing the caller.
		if existing, getErr := c.Executions.GetByRequestID(ctx, workflowID, requestID); getErr == nil && existing != nil {
			return existing, nil
		}
		return nil, fmt.Errorf("creating workflow execution: %w", err)
	}

	go c.run(doc, exec, trigger, vars)

	return exec, nil
}

// Cancel fires the external-cancel hook for a running execution. It is a
// no-op if the execution is not currently in flight in this process.
func (c *Conductor) Cancel(executionID string) bool {
	c.mu.Lock()
	cancel, ok := c.cancelByExec[executionID]
	c.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

func (c *Conductor) run(doc *contracts.WorkflowDocument, exec *contracts.WorkflowExecution, trigger, vars map[string]interface{}) {
	ctx, cancel := context.WithTimeout(context.Background(), c.Config.DefaultWorkflowTimeout)
	defer cancel()

	c.mu.Lock()
	c.cancelByExec[exec.ID] = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.cancelByExec, exec.ID)
		c.mu.Unlock()
	}()

	startTime := time.Now()
	if err := c.Executions.MarkRunning(ctx, exec.ID, startTime); err != nil {
		c.Log.WithError(err).WithField("execution_id", exec.ID).Error("failed to mark execution running")
	}
	exec.Status = contracts.ExecutionRunning
	exec.StartTime = &startTime

	r := &run{
		doc:         doc,
		byID:        doc.NodeByID(),
		execution:   exec,
		trigger:     trigger,
		vars:        vars,
		ctx:         ctx,
		cancel:      cancel,
		sem:         semaphore.NewWeighted(c.Config.MaxParallelActions),
		contextData: make(map[string]map[string]interface{}),
		incoming:    make(map[string]map[string]edgeOutcome),
		enqueued:    make(map[string]bool),
	}
	for _, n := range doc.Nodes {
		for _, e := range n.Edges {
			if r.incoming[e.TargetNode] == nil {
				r.incoming[e.TargetNode] = make(map[string]edgeOutcome)
			}
			r.incoming[e.TargetNode][n.ID] = outcomeUnknown
		}
	}

	c.enqueue(r, doc.StartNode)
	r.wg.Wait()

	endTime := time.Now()
	finalStatus := contracts.ExecutionSucceeded
	r.mu.Lock()
	fatal := r.fatalFailure
	r.mu.Unlock()
	if fatal {
		finalStatus = contracts.ExecutionFailed
	} else if ctx.Err() != nil {
		finalStatus = contracts.ExecutionCancelled
	}

	snapshot, _ := json.Marshal(r.snapshot())
	if err := c.Executions.UpdateStatus(context.Background(), exec.ID, finalStatus, &endTime, snapshot); err != nil {
		c.Log.WithError(err).WithField("execution_id", exec.ID).Error("failed to persist final execution status")
	}
	c.broadcast(exec.ID, "", string(finalStatus))
}

func (r *run) snapshot() map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]interface{}, len(r.contextData))
	for k, v := range r.contextData {
		out[k] = v
	}
	return out
}

// enqueue idempotently schedules nodeID for execution. Safe to call
// concurrently; a node already enqueued is a no-op.
func (c *Conductor) enqueue(r *run, nodeID string) {
	r.mu.Lock()
	if r.enqueued[nodeID] {
		r.mu.Unlock()
		return
	}
	r.enqueued[nodeID] = true
	r.mu.Unlock()

	r.wg.Add(1)
	go c.processNode(r, nodeID)
}

func (c *Conductor) broadcast(executionID, nodeID, status string) {
	if c.Broadcaster == nil {
		return
	}
	c.Broadcaster.Publish(contracts.StatusEvent{
		ExecutionID: executionID,
		NodeID:      nodeID,
		Status:      status,
		Timestamp:   time.Now(),
	})
}

func (c *Conductor) processNode(r *run, nodeID string) {
	defer r.wg.Done()

	node, ok := r.byID[nodeID]
	if !ok {
		return
	}

	if err := r.sem.Acquire(r.ctx, 1); err != nil {
		// Cancellation won the race for the semaphore: the node never ran.
		c.broadcast(r.execution.ID, nodeID, string(contracts.ActionSkipped))
		return
	}
	defer r.sem.Release(1)

	c.broadcast(r.execution.ID, nodeID, "Running")

	finalStatus, lastError := c.runAttempts(r, node)

	c.broadcast(r.execution.ID, nodeID, string(finalStatus))

	switch finalStatus {
	case contracts.ActionFailed:
		if node.OnFailure != "" {
			c.enqueue(r, node.OnFailure)
		} else {
			r.mu.Lock()
			r.fatalFailure = true
			r.mu.Unlock()
			r.cancel()
			return
		}
	case contracts.ActionSkipped:
		return
	}

	c.routeEdges(r, node, finalStatus)
	_ = lastError
}

// runAttempts drives a single node's attempt loop: render, validate,
// dispatch, record, retry-or-stop. It returns the node's final status.
func (c *Conductor) runAttempts(r *run, node *contracts.Node) (contracts.ActionExecutionStatus, string) {
	entry, hasEntry := c.Catalog.GetByActionType(node.ActionType)

	var firstAttemptParams json.RawMessage
	var lastErr string

	for attempt := 1; attempt <= c.Config.Retry.MaxAttempts; attempt++ {
		if r.ctx.Err() != nil {
			return contracts.ActionFailed, "workflow cancelled"
		}

		actionCtx, cancel := context.WithTimeout(r.ctx, c.Config.DefaultActionTimeout)
		startTime := time.Now()

		paramsJSON, renderErr := c.renderParameters(actionCtx, r, node, attempt, firstAttemptParams)
		if attempt == 1 {
			firstAttemptParams = paramsJSON
		}

		var result contracts.ActionResult
		var paramsMap map[string]interface{}

		if renderErr != nil {
			result = contracts.ActionResult{Status: contracts.ActionRetriableFailure, Error: renderErr.Error()}
		} else {
			_ = json.Unmarshal(paramsJSON, &paramsMap)

			if hasEntry && len(entry.ParameterSchema) > 0 {
				if errs := c.Schema.ValidateParameters(entry.ParameterSchema, paramsMap); len(errs) > 0 {
					result = contracts.ActionResult{Status: contracts.ActionRetriableFailure, Error: strings.Join(errs, "; ")}
				}
			}

			if result.Status == "" {
				if !hasEntry {
					result = contracts.ActionResult{Status: contracts.ActionFailed, Error: fmt.Sprintf("actionType %q is not registered", node.ActionType)}
				} else if !entry.IsEnabled {
					result = contracts.ActionResult{Status: contracts.ActionFailed, Error: fmt.Sprintf("actionType %q is disabled", node.ActionType)}
				} else {
					execCtx := contracts.ExecutionContext{
						WorkflowExecutionID: r.execution.ID,
						NodeID:              node.ID,
						CorrelationID:       r.execution.CorrelationID,
					}
					// A panicking action is recorded as a Failed attempt.
					result = func() (res contracts.ActionResult) {
						defer func() {
							if p := recover(); p != nil {
								res = contracts.ActionResult{Status: contracts.ActionFailed, Error: fmt.Sprintf("action panicked: %v", p)}
							}
						}()
						return c.Executor.Execute(actionCtx, node.ActionType, paramsMap, execCtx)
					}()

					if result.Status == contracts.ActionSucceeded && hasEntry && len(entry.OutputSchema) > 0 {
						outputsJSON, _ := json.Marshal(result.Outputs)
						if errs := c.Schema.ValidateJSON(entry.OutputSchema, outputsJSON); len(errs) > 0 {
							result = contracts.ActionResult{
								Status: contracts.ActionFailed,
								Error:  "schema-violation: " + strings.Join(errs, "; "),
							}
						}
					}
				}
			}
		}

		endTime := time.Now()
		cancel()

		outputsJSON, _ := json.Marshal(result.Outputs)
		errJSON := errorJSON(result)

		ae := &contracts.ActionExecution{
			ID:                  uuid.NewString(),
			WorkflowExecutionID: r.execution.ID,
			NodeID:              node.ID,
			ActionType:          node.ActionType,
			Status:              result.Status,
			Attempt:             attempt,
			RetryCount:          attempt - 1,
			ParametersJSON:      paramsJSON,
			OutputsJSON:         outputsJSON,
			ErrorJSON:           errJSON,
			StartTime:           startTime,
			EndTime:             endTime,
		}
		if err := c.Actions.Save(context.Background(), ae); err != nil {
			c.Log.WithError(err).WithFields(logrus.Fields{"execution_id": r.execution.ID, "node_id": node.ID}).Error("failed to persist action execution")
		}

		lastErr = result.Error

		switch result.Status {
		case contracts.ActionSucceeded:
			r.mu.Lock()
			r.contextData[node.ID] = result.Outputs
			r.mu.Unlock()
			return contracts.ActionSucceeded, ""
		case contracts.ActionRetriableFailure:
			if attempt >= c.Config.Retry.MaxAttempts || r.ctx.Err() != nil {
				return contracts.ActionFailed, lastErr
			}
			if !c.sleepBackoff(r.ctx, attempt) {
				return contracts.ActionFailed, lastErr
			}
			continue
		case contracts.ActionSkipped:
			return contracts.ActionSkipped, lastErr
		default: // Failed
			return contracts.ActionFailed, lastErr
		}
	}

	return contracts.ActionFailed, lastErr
}

func errorJSON(result contracts.ActionResult) json.RawMessage {
	if result.Status == contracts.ActionSucceeded || result.Error == "" {
		return nil
	}
	kind := "action-error"
	if strings.HasPrefix(result.Error, "schema-violation") {
		kind = "schema-violation"
	}
	b, _ := json.Marshal(contracts.ActionError{Kind: kind, Message: result.Error})
	return b
}

func (c *Conductor) renderParameters(ctx context.Context, r *run, node *contracts.Node, attempt int, firstAttemptParams json.RawMessage) (json.RawMessage, error) {
	if attempt > 1 && !node.Policies.RerenderOnRetry && firstAttemptParams != nil {
		return firstAttemptParams, nil
	}
	if attempt > 1 && !node.Policies.RerenderOnRetry {
		if rows, err := c.Actions.ListByNode(context.Background(), r.execution.ID, node.ID); err == nil {
			for _, row := range rows {
				if row.Attempt == 1 {
					return row.ParametersJSON, nil
				}
			}
		}
	}

	model := contracts.TemplateModel{
		Trigger: r.trigger,
		Context: map[string]interface{}{"data": r.snapshot()},
		Vars:    r.vars,
	}

	rendered, err := c.Template.Render(ctx, string(node.Parameters), model)
	if err != nil {
		return node.Parameters, err
	}
	return json.RawMessage(rendered), nil
}

func (c *Conductor) sleepBackoff(ctx context.Context, attempt int) bool {
	delay := time.Duration(float64(c.Config.Retry.InitialDelay) * pow(c.Config.Retry.BackoffFactor, attempt-1))
	cap := c.Config.DefaultActionTimeout / 2
	if delay > cap {
		delay = cap
	}
	if c.Config.Retry.Jitter && delay > 0 {
		delay = time.Duration(rand.Int63n(int64(delay) + 1))
	}
	select {
	case <-time.After(delay):
		return true
	case <-ctx.Done():
		return false
	}
}

func pow(base float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}

// routeEdges evaluates node's outgoing edges against its final status and
// enqueues any target whose incoming edges are now fully decided with at
// least one Satisfied — the fan-in join semantics.
func (c *Conductor) routeEdges(r *run, node *contracts.Node, finalStatus contracts.ActionExecutionStatus) {
	if len(node.Edges) == 0 {
		return // B1: a node with no outgoing edges ends the branch.
	}

	model := contracts.TemplateModel{
		Trigger: r.trigger,
		Context: map[string]interface{}{"data": r.snapshot()},
		Vars:    r.vars,
	}

	policy := node.RoutePolicy
	if policy == "" {
		policy = contracts.RoutePolicyParallel
	}

	satisfied := make([]bool, len(node.Edges))
	for i, e := range node.Edges {
		when := e.When
		if when == "" {
			when = contracts.EdgeWhenSuccess
		}
		whenMatches := when == contracts.EdgeWhenAlways ||
			(when == contracts.EdgeWhenSuccess && finalStatus == contracts.ActionSucceeded) ||
			(when == contracts.EdgeWhenFailure && finalStatus == contracts.ActionFailed)

		if !whenMatches {
			continue
		}
		if strings.TrimSpace(e.Condition) == "" {
			satisfied[i] = true
			continue
		}
		satisfied[i] = c.Condition.Evaluate(r.ctx, e.Condition, model)
	}

	if policy == contracts.RoutePolicyFirstMatch {
		firstIdx := -1
		for i, ok := range satisfied {
			if ok {
				firstIdx = i
				break
			}
		}
		for i := range satisfied {
			satisfied[i] = i == firstIdx
		}
	}

	for i, e := range node.Edges {
		outcome := outcomeUnsatisfied
		if satisfied[i] {
			outcome = outcomeSatisfied
		}

		r.mu.Lock()
		if r.incoming[e.TargetNode] == nil {
			r.incoming[e.TargetNode] = make(map[string]edgeOutcome)
		}
		r.incoming[e.TargetNode][node.ID] = outcome

		allDecided := true
		anySatisfied := false
		for _, o := range r.incoming[e.TargetNode] {
			if o == outcomeUnknown {
				allDecided = false
				break
			}
			if o == outcomeSatisfied {
				anySatisfied = true
			}
		}
		r.mu.Unlock()

		if allDecided && anySatisfied {
			c.enqueue(r, e.TargetNode)
		}
	}
}

package conductor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NemorionTechnologies/DataConnectors-sub001/condition"
	"github.com/NemorionTechnologies/DataConnectors-sub001/contracts"
	"github.com/NemorionTechnologies/DataConnectors-sub001/executor"
	"github.com/NemorionTechnologies/DataConnectors-sub001/internal/testutil"
	"github.com/NemorionTechnologies/DataConnectors-sub001/schema"
	"github.com/NemorionTechnologies/DataConnectors-sub001/template"
)

type harness struct {
	conductor  *Conductor
	executions *testutil.ExecutionRepo
	actions    *testutil.ActionRepo
	catalog    *testutil.Catalog
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	log := logrus.NewEntry(logrus.New())

	tmpl, err := template.New(template.DefaultConfig())
	require.NoError(t, err)
	cond, err := condition.New(condition.DefaultConfig(), log)
	require.NoError(t, err)
	sch := schema.New()

	catalog := testutil.NewCatalog()
	catalog.Put("core.echo", true, nil, nil)
	catalog.Put("core.fail", true, nil, nil)

	dispatcher := executor.NewDispatcher(catalog, nil)
	executor.RegisterBuiltins(dispatcher)

	executions := testutil.NewExecutionRepo()
	actions := testutil.NewActionRepo()

	if cfg.MaxParallelActions == 0 {
		cfg.MaxParallelActions = 8
	}
	if cfg.DefaultActionTimeout == 0 {
		cfg.DefaultActionTimeout = 2 * time.Second
	}
	if cfg.DefaultWorkflowTimeout == 0 {
		cfg.DefaultWorkflowTimeout = 5 * time.Second
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = RetryPolicy{InitialDelay: time.Millisecond, BackoffFactor: 2, MaxAttempts: 3, Jitter: false}
	}

	cnd := New(tmpl, cond, sch, catalog, dispatcher, executions, actions, nil, nil, cfg, log)
	return &harness{conductor: cnd, executions: executions, actions: actions, catalog: catalog}
}

func waitForTerminal(t *testing.T, h *harness, executionID string) *contracts.WorkflowExecution {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		e, err := h.executions.Get(context.Background(), executionID)
		require.NoError(t, err)
		switch e.Status {
		case contracts.ExecutionSucceeded, contracts.ExecutionFailed, contracts.ExecutionCancelled:
			return e
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("execution did not reach a terminal status in time")
	return nil
}

func rawParams(t *testing.T, v map[string]interface{}) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

// S1: a two-node linear workflow runs both nodes to completion and succeeds.
func TestConductor_LinearWorkflowSucceeds(t *testing.T) {
	h := newHarness(t, Config{})
	doc := &contracts.WorkflowDocument{
		ID:        "linear",
		StartNode: "step1",
		Nodes: []contracts.Node{
			{ID: "step1", ActionType: "core.echo", Parameters: rawParams(t, map[string]interface{}{"message": "hello"}),
				Edges: []contracts.Edge{{TargetNode: "step2"}}},
			{ID: "step2", ActionType: "core.echo", Parameters: rawParams(t, map[string]interface{}{"message": "world"})},
		},
	}

	exec, err := h.conductor.StartExecution(context.Background(), "wf-1", 1, doc, "req-1", nil, nil, "")
	require.NoError(t, err)

	final := waitForTerminal(t, h, exec.ID)
	assert.Equal(t, contracts.ExecutionSucceeded, final.Status)

	rows := h.actions.All()
	require.Len(t, rows, 2)
}

// S2: parallel fan-out from one node, fan-in at a join node that waits for
// every incoming edge to decide before running.
func TestConductor_ParallelFanOutFanIn(t *testing.T) {
	h := newHarness(t, Config{})
	doc := &contracts.WorkflowDocument{
		ID:        "fanout",
		StartNode: "start",
		Nodes: []contracts.Node{
			{ID: "start", ActionType: "core.echo", Parameters: rawParams(t, map[string]interface{}{"message": "go"}),
				Edges: []contracts.Edge{{TargetNode: "branchA"}, {TargetNode: "branchB"}}},
			{ID: "branchA", ActionType: "core.echo", Parameters: rawParams(t, map[string]interface{}{"message": "a"}),
				Edges: []contracts.Edge{{TargetNode: "join"}}},
			{ID: "branchB", ActionType: "core.echo", Parameters: rawParams(t, map[string]interface{}{"message": "b"}),
				Edges: []contracts.Edge{{TargetNode: "join"}}},
			{ID: "join", ActionType: "core.echo", Parameters: rawParams(t, map[string]interface{}{"message": "joined"})},
		},
	}

	exec, err := h.conductor.StartExecution(context.Background(), "wf-2", 1, doc, "req-2", nil, nil, "")
	require.NoError(t, err)

	final := waitForTerminal(t, h, exec.ID)
	assert.Equal(t, contracts.ExecutionSucceeded, final.Status)

	joinRows, err := h.actions.ListByNode(context.Background(), exec.ID, "join")
	require.NoError(t, err)
	assert.Len(t, joinRows, 1, "join must run exactly once even though two branches route into it")
}

// S3: a conditional edge only routes when its guard evaluates true.
func TestConductor_ConditionalBranchTakesSatisfiedEdgeOnly(t *testing.T) {
	h := newHarness(t, Config{})
	doc := &contracts.WorkflowDocument{
		ID:        "cond",
		StartNode: "check",
		Nodes: []contracts.Node{
			{ID: "check", ActionType: "core.echo", Parameters: rawParams(t, map[string]interface{}{"status": "approved"}),
				Edges: []contracts.Edge{
					{TargetNode: "approvedPath", Condition: "context.data['check'].status == 'approved'"},
					{TargetNode: "rejectedPath", Condition: "context.data['check'].status == 'rejected'"},
				}},
			{ID: "approvedPath", ActionType: "core.echo", Parameters: rawParams(t, map[string]interface{}{"message": "approved"})},
			{ID: "rejectedPath", ActionType: "core.echo", Parameters: rawParams(t, map[string]interface{}{"message": "rejected"})},
		},
	}

	exec, err := h.conductor.StartExecution(context.Background(), "wf-3", 1, doc, "req-3", nil, nil, "")
	require.NoError(t, err)

	final := waitForTerminal(t, h, exec.ID)
	assert.Equal(t, contracts.ExecutionSucceeded, final.Status)

	approved, err := h.actions.ListByNode(context.Background(), exec.ID, "approvedPath")
	require.NoError(t, err)
	assert.Len(t, approved, 1)

	rejected, err := h.actions.ListByNode(context.Background(), exec.ID, "rejectedPath")
	require.NoError(t, err)
	assert.Empty(t, rejected)
}

// S4/P3: a retried attempt reuses attempt 1's rendered parameters verbatim
// when rerenderOnRetry is false (the default).
func TestConductor_RetryReusesFirstAttemptParameters(t *testing.T) {
	h := newHarness(t, Config{Retry: RetryPolicy{InitialDelay: time.Millisecond, BackoffFactor: 1, MaxAttempts: 3}})
	doc := &contracts.WorkflowDocument{
		ID:        "retry",
		StartNode: "flaky",
		Nodes: []contracts.Node{
			{ID: "flaky", ActionType: "core.fail", Parameters: rawParams(t, map[string]interface{}{"status": "RetriableFailure", "error": "try again"})},
		},
	}

	exec, err := h.conductor.StartExecution(context.Background(), "wf-4", 1, doc, "req-4", nil, nil, "")
	require.NoError(t, err)

	final := waitForTerminal(t, h, exec.ID)
	assert.Equal(t, contracts.ExecutionFailed, final.Status)

	rows, err := h.actions.ListByNode(context.Background(), exec.ID, "flaky")
	require.NoError(t, err)
	require.Len(t, rows, 3) // B4: MaxAttempts cutoff

	for i := 1; i < len(rows); i++ {
		assert.JSONEq(t, string(rows[0].ParametersJSON), string(rows[i].ParametersJSON))
	}
}

// S5: a fatal failure (no onFailure route) cancels the run; sibling nodes
// never enqueued remain absent from the persisted telemetry.
func TestConductor_FatalFailureEndsRunFailed(t *testing.T) {
	h := newHarness(t, Config{})
	doc := &contracts.WorkflowDocument{
		ID:        "fatal",
		StartNode: "boom",
		Nodes: []contracts.Node{
			{ID: "boom", ActionType: "core.fail", Parameters: rawParams(t, map[string]interface{}{"status": "Failed"}),
				Edges: []contracts.Edge{{TargetNode: "never"}}},
			{ID: "never", ActionType: "core.echo", Parameters: rawParams(t, map[string]interface{}{"message": "unreachable"})},
		},
	}

	exec, err := h.conductor.StartExecution(context.Background(), "wf-5", 1, doc, "req-5", nil, nil, "")
	require.NoError(t, err)

	final := waitForTerminal(t, h, exec.ID)
	assert.Equal(t, contracts.ExecutionFailed, final.Status)

	rows, err := h.actions.ListByNode(context.Background(), exec.ID, "never")
	require.NoError(t, err)
	assert.Empty(t, rows, "a fatal failure with no onFailure route cancels the run before edges are ever routed")
}

// onFailure routes are a recovery path: a failed node with onFailure set
// routes there instead of ending the run.
func TestConductor_OnFailureRoutesToRecoveryNode(t *testing.T) {
	h := newHarness(t, Config{})
	doc := &contracts.WorkflowDocument{
		ID:        "recoverable",
		StartNode: "boom",
		Nodes: []contracts.Node{
			{ID: "boom", ActionType: "core.fail", Parameters: rawParams(t, map[string]interface{}{"status": "Failed"}), OnFailure: "cleanup"},
			{ID: "cleanup", ActionType: "core.echo", Parameters: rawParams(t, map[string]interface{}{"message": "cleaned"})},
		},
	}

	exec, err := h.conductor.StartExecution(context.Background(), "wf-6", 1, doc, "req-6", nil, nil, "")
	require.NoError(t, err)

	final := waitForTerminal(t, h, exec.ID)
	assert.Equal(t, contracts.ExecutionSucceeded, final.Status)

	rows, err := h.actions.ListByNode(context.Background(), exec.ID, "cleanup")
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

// B2: firstMatch with zero satisfied edges enqueues nothing downstream.
func TestConductor_FirstMatchWithNoSatisfiedEdgeEnqueuesNothing(t *testing.T) {
	h := newHarness(t, Config{})
	doc := &contracts.WorkflowDocument{
		ID:        "firstmatch-none",
		StartNode: "start",
		Nodes: []contracts.Node{
			{ID: "start", ActionType: "core.echo", Parameters: rawParams(t, map[string]interface{}{"message": "go"}),
				RoutePolicy: contracts.RoutePolicyFirstMatch,
				Edges: []contracts.Edge{
					{TargetNode: "a", Condition: "false"},
					{TargetNode: "b", Condition: "false"},
				}},
			{ID: "a", ActionType: "core.echo"},
			{ID: "b", ActionType: "core.echo"},
		},
	}

	exec, err := h.conductor.StartExecution(context.Background(), "wf-7", 1, doc, "req-7", nil, nil, "")
	require.NoError(t, err)

	final := waitForTerminal(t, h, exec.ID)
	assert.Equal(t, contracts.ExecutionSucceeded, final.Status)

	for _, n := range []string{"a", "b"} {
		rows, err := h.actions.ListByNode(context.Background(), exec.ID, n)
		require.NoError(t, err)
		assert.Emptyf(t, rows, "node %q should never have been enqueued", n)
	}
}

// firstMatch takes exactly the first satisfied edge, even when a later one
// would also be satisfied.
func TestConductor_FirstMatchTakesOnlyFirstSatisfiedEdge(t *testing.T) {
	h := newHarness(t, Config{})
	doc := &contracts.WorkflowDocument{
		ID:        "firstmatch-one",
		StartNode: "start",
		Nodes: []contracts.Node{
			{ID: "start", ActionType: "core.echo", Parameters: rawParams(t, map[string]interface{}{"message": "go"}),
				RoutePolicy: contracts.RoutePolicyFirstMatch,
				Edges: []contracts.Edge{
					{TargetNode: "first", Condition: "true"},
					{TargetNode: "second", Condition: "true"},
				}},
			{ID: "first", ActionType: "core.echo"},
			{ID: "second", ActionType: "core.echo"},
		},
	}

	exec, err := h.conductor.StartExecution(context.Background(), "wf-8", 1, doc, "req-8", nil, nil, "")
	require.NoError(t, err)

	final := waitForTerminal(t, h, exec.ID)
	assert.Equal(t, contracts.ExecutionSucceeded, final.Status)

	first, err := h.actions.ListByNode(context.Background(), exec.ID, "first")
	require.NoError(t, err)
	assert.Len(t, first, 1)

	second, err := h.actions.ListByNode(context.Background(), exec.ID, "second")
	require.NoError(t, err)
	assert.Empty(t, second)
}

// P5: starting the same (workflowId, requestId) twice returns the same
// execution, and runs the workflow body only once.
func TestConductor_StartExecutionIdempotentOnRequestID(t *testing.T) {
	h := newHarness(t, Config{})
	doc := &contracts.WorkflowDocument{
		ID:        "idempotent",
		StartNode: "step1",
		Nodes: []contracts.Node{
			{ID: "step1", ActionType: "core.echo", Parameters: rawParams(t, map[string]interface{}{"message": "once"})},
		},
	}

	exec1, err := h.conductor.StartExecution(context.Background(), "wf-9", 1, doc, "dup", nil, nil, "")
	require.NoError(t, err)
	exec2, err := h.conductor.StartExecution(context.Background(), "wf-9", 1, doc, "dup", nil, nil, "")
	require.NoError(t, err)

	assert.Equal(t, exec1.ID, exec2.ID)
	waitForTerminal(t, h, exec1.ID)

	rows, err := h.actions.ListByNode(context.Background(), exec1.ID, "step1")
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

// Draft execution (version 0) is rejected unless the conductor is
// configured to allow it.
func TestConductor_DraftExecutionRejectedByDefault(t *testing.T) {
	h := newHarness(t, Config{})
	doc := &contracts.WorkflowDocument{ID: "draft", StartNode: "n1", Nodes: []contracts.Node{{ID: "n1", ActionType: "core.echo"}}}

	_, err := h.conductor.StartExecution(context.Background(), "wf-10", 0, doc, "req-10", nil, nil, "")
	assert.Error(t, err)
}

func TestConductor_DraftExecutionAllowedWhenConfigured(t *testing.T) {
	h := newHarness(t, Config{AllowDraftExecution: true})
	doc := &contracts.WorkflowDocument{ID: "draft", StartNode: "n1", Nodes: []contracts.Node{
		{ID: "n1", ActionType: "core.echo", Parameters: rawParams(t, map[string]interface{}{"message": "hi"})},
	}}

	exec, err := h.conductor.StartExecution(context.Background(), "wf-11", 0, doc, "req-11", nil, nil, "")
	require.NoError(t, err)
	final := waitForTerminal(t, h, exec.ID)
	assert.Equal(t, contracts.ExecutionSucceeded, final.Status)
}

// An action whose output violates its catalog output schema is downgraded
// to a hard Failed with a schema-violation error kind, not retried.
func TestConductor_OutputSchemaViolationFailsWithoutRetry(t *testing.T) {
	h := newHarness(t, Config{})
	h.catalog.Put("core.echo", true, nil, []byte(`{
		"type": "object",
		"properties": {"echo": {"type": "integer"}},
		"required": ["echo"]
	}`))

	doc := &contracts.WorkflowDocument{
		ID:        "schema-violation",
		StartNode: "n1",
		Nodes: []contracts.Node{
			{ID: "n1", ActionType: "core.echo", Parameters: rawParams(t, map[string]interface{}{"message": "not-an-integer"})},
		},
	}

	exec, err := h.conductor.StartExecution(context.Background(), "wf-12", 1, doc, "req-12", nil, nil, "")
	require.NoError(t, err)
	final := waitForTerminal(t, h, exec.ID)
	assert.Equal(t, contracts.ExecutionFailed, final.Status)

	rows, err := h.actions.ListByNode(context.Background(), exec.ID, "n1")
	require.NoError(t, err)
	require.Len(t, rows, 1, "a schema-violation downgrade to Failed is not retried")

	var ae contracts.ActionError
	require.NoError(t, json.Unmarshal(rows[0].ErrorJSON, &ae))
	assert.Equal(t, "schema-violation", ae.Kind)
}

// P6: every execution reaches a terminal status; none are left Running.
func TestConductor_NoExecutionEndsRunning(t *testing.T) {
	h := newHarness(t, Config{})
	doc := &contracts.WorkflowDocument{
		ID:        "terminal-check",
		StartNode: "n1",
		Nodes:     []contracts.Node{{ID: "n1", ActionType: "core.echo", Parameters: rawParams(t, map[string]interface{}{"message": "x"})}},
	}

	exec, err := h.conductor.StartExecution(context.Background(), "wf-13", 1, doc, "req-13", nil, nil, "")
	require.NoError(t, err)
	final := waitForTerminal(t, h, exec.ID)
	assert.NotEqual(t, contracts.ExecutionRunning, final.Status)
	assert.NotEqual(t, contracts.ExecutionPending, final.Status)
}

// P7 setting: with MaxParallelActions=2 and six leaves ready at once, every
// node still runs to completion. The peak in-flight count is not measured.
func TestConductor_MaxParallelActionsCapStillRunsEveryNode(t *testing.T) {
	h := newHarness(t, Config{MaxParallelActions: 2})

	nodes := []contracts.Node{
		{ID: "start", ActionType: "core.echo", Parameters: rawParams(t, map[string]interface{}{"message": "go"})},
	}
	for i := 0; i < 6; i++ {
		id := "leaf" + string(rune('A'+i))
		nodes[0].Edges = append(nodes[0].Edges, contracts.Edge{TargetNode: id})
		nodes = append(nodes, contracts.Node{ID: id, ActionType: "core.echo", Parameters: rawParams(t, map[string]interface{}{"message": id})})
	}

	doc := &contracts.WorkflowDocument{ID: "bounded", StartNode: "start", Nodes: nodes}

	exec, err := h.conductor.StartExecution(context.Background(), "wf-14", 1, doc, "req-14", nil, nil, "")
	require.NoError(t, err)
	final := waitForTerminal(t, h, exec.ID)
	assert.Equal(t, contracts.ExecutionSucceeded, final.Status)
	assert.Len(t, h.actions.All(), 7) // start + 6 leaves, all ran despite the cap of 2
}

package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NemorionTechnologies/DataConnectors-sub001/conductor"
	"github.com/NemorionTechnologies/DataConnectors-sub001/condition"
	"github.com/NemorionTechnologies/DataConnectors-sub001/executor"
	"github.com/NemorionTechnologies/DataConnectors-sub001/internal/testutil"
	"github.com/NemorionTechnologies/DataConnectors-sub001/schema"
	"github.com/NemorionTechnologies/DataConnectors-sub001/template"
)

type serviceFixture struct {
	service    *Service
	workflows  *testutil.WorkflowRepo
	defs       *testutil.DefinitionRepo
	executions *testutil.ExecutionRepo
	actions    *testutil.ActionRepo
	catalog    *testutil.Catalog
}

func newServiceFixture(t *testing.T, allowDraft bool) *serviceFixture {
	t.Helper()
	log := logrus.NewEntry(logrus.New())

	catalog := testutil.NewCatalog()
	catalog.Put("core.echo", true, nil, nil)

	tmpl, err := template.New(template.DefaultConfig())
	require.NoError(t, err)
	cond, err := condition.New(condition.DefaultConfig(), log)
	require.NoError(t, err)
	sch := schema.New()

	dispatcher := executor.NewDispatcher(catalog, nil)
	executor.RegisterBuiltins(dispatcher)

	workflows := testutil.NewWorkflowRepo()
	defs := testutil.NewDefinitionRepo()
	executions := testutil.NewExecutionRepo()
	actions := testutil.NewActionRepo()

	cnd := conductor.New(tmpl, cond, sch, catalog, dispatcher, executions, actions, nil, nil,
		conductor.Config{
			MaxParallelActions:     4,
			DefaultActionTimeout:   2 * time.Second,
			DefaultWorkflowTimeout: 5 * time.Second,
			Retry:                  conductor.RetryPolicy{InitialDelay: time.Millisecond, BackoffFactor: 2, MaxAttempts: 2, Jitter: false},
			AllowDraftExecution:    allowDraft,
		}, log)

	validator := NewPublishValidator(catalog, sch, cond)
	svc := NewService(workflows, defs, validator, cnd, nil, log)

	return &serviceFixture{service: svc, workflows: workflows, defs: defs, executions: executions, actions: actions, catalog: catalog}
}

func TestService_PutDraftCreatesWorkflow(t *testing.T) {
	f := newServiceFixture(t, false)
	w, err := f.service.PutDraft(context.Background(), "simple-linear", "Simple Linear", "", []byte(sampleDefinition))
	require.NoError(t, err)
	assert.Equal(t, "Draft", string(w.Status))
}

func TestService_PutDraftRejectsNonDraftWorkflow(t *testing.T) {
	f := newServiceFixture(t, false)
	_, err := f.service.PutDraft(context.Background(), "simple-linear", "Simple Linear", "", []byte(sampleDefinition))
	require.NoError(t, err)

	_, _, err = f.service.Publish(context.Background(), "simple-linear", true)
	require.NoError(t, err)

	_, err = f.service.PutDraft(context.Background(), "simple-linear", "Simple Linear", "", []byte(sampleDefinition))
	assert.ErrorIs(t, err, ErrNotDraft)
}

// P4: publishing identical content twice reuses the version and creates no
// new WorkflowDefinition row.
func TestService_PublishIdempotentOnChecksum(t *testing.T) {
	f := newServiceFixture(t, false)
	_, err := f.service.PutDraft(context.Background(), "simple-linear", "Simple Linear", "", []byte(sampleDefinition))
	require.NoError(t, err)

	result1, errs, err := f.service.Publish(context.Background(), "simple-linear", true)
	require.NoError(t, err, errs)
	assert.Equal(t, 1, result1.Version)
	assert.False(t, result1.Reused)

	// The draft definition is untouched by publish, so republishing the same
	// workflow reuses the existing version instead of minting a new one.
	result2, errs, err := f.service.Publish(context.Background(), "simple-linear", true)
	require.NoError(t, err, errs)
	assert.Equal(t, result1.Version, result2.Version)
	assert.True(t, result2.Reused)
}

func TestService_PublishInvalidWorkflowRejected(t *testing.T) {
	f := newServiceFixture(t, false)
	badDoc := `{"id": "bad", "startNode": "missing", "nodes": [{"id": "n1", "actionType": "core.echo"}]}`
	_, err := f.service.PutDraft(context.Background(), "bad", "Bad", "", []byte(badDoc))
	require.NoError(t, err)

	_, errs, err := f.service.Publish(context.Background(), "bad", false)
	require.Error(t, err)
	assert.NotEmpty(t, errs)
}

func TestService_ArchiveReactivateLifecycle(t *testing.T) {
	f := newServiceFixture(t, false)
	_, err := f.service.PutDraft(context.Background(), "simple-linear", "Simple Linear", "", []byte(sampleDefinition))
	require.NoError(t, err)
	_, _, err = f.service.Publish(context.Background(), "simple-linear", true)
	require.NoError(t, err)

	require.NoError(t, f.service.Archive(context.Background(), "simple-linear"))
	w, err := f.workflows.Get(context.Background(), "simple-linear")
	require.NoError(t, err)
	assert.Equal(t, "Archived", string(w.Status))
	assert.False(t, w.IsEnabled)

	require.NoError(t, f.service.Reactivate(context.Background(), "simple-linear"))
	w, err = f.workflows.Get(context.Background(), "simple-linear")
	require.NoError(t, err)
	assert.Equal(t, "Active", string(w.Status))
	assert.True(t, w.IsEnabled)
}

func TestService_ArchiveNonActiveIsInvalidTransition(t *testing.T) {
	f := newServiceFixture(t, false)
	_, err := f.service.PutDraft(context.Background(), "simple-linear", "Simple Linear", "", []byte(sampleDefinition))
	require.NoError(t, err)

	err = f.service.Archive(context.Background(), "simple-linear")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestService_ExecuteDraftDisabledByDefault(t *testing.T) {
	f := newServiceFixture(t, false)
	_, err := f.service.PutDraft(context.Background(), "simple-linear", "Simple Linear", "", []byte(sampleDefinition))
	require.NoError(t, err)

	_, err = f.service.Execute(context.Background(), "simple-linear", 0, "req-1", nil, nil, "")
	assert.Error(t, err)
}

func TestService_ExecuteDraftAllowedWhenConfigured(t *testing.T) {
	f := newServiceFixture(t, true)
	_, err := f.service.PutDraft(context.Background(), "simple-linear", "Simple Linear", "", []byte(sampleDefinition))
	require.NoError(t, err)

	exec, err := f.service.Execute(context.Background(), "simple-linear", 0, "req-1", nil, nil, "")
	require.NoError(t, err)
	assert.NotEmpty(t, exec.ID)
}

// P5: starting with the same (workflowId, requestId) twice returns the same
// execution and creates no second row.
func TestService_ExecuteIdempotentOnRequestID(t *testing.T) {
	f := newServiceFixture(t, false)
	_, err := f.service.PutDraft(context.Background(), "simple-linear", "Simple Linear", "", []byte(sampleDefinition))
	require.NoError(t, err)
	_, _, err = f.service.Publish(context.Background(), "simple-linear", true)
	require.NoError(t, err)

	exec1, err := f.service.Execute(context.Background(), "simple-linear", 1, "dup-req", map[string]interface{}{}, nil, "")
	require.NoError(t, err)

	exec2, err := f.service.Execute(context.Background(), "simple-linear", 1, "dup-req", map[string]interface{}{}, nil, "")
	require.NoError(t, err)

	assert.Equal(t, exec1.ID, exec2.ID)
	assert.Len(t, f.executions.Snapshot(), 1)
}

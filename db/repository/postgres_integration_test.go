//go:build integration

package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	evedb "github.com/NemorionTechnologies/DataConnectors-sub001/db"
	"github.com/NemorionTechnologies/DataConnectors-sub001/contracts"
)

// setupPostgresContainer starts a PostgreSQL container and returns a pgx
// connection string plus a teardown func, mirroring the donor's
// container-per-test convention (db/postgres_integration_test.go) adapted
// from gorm/Postgres to this package's pgx/pgxpool driver.
func setupPostgresContainer(t *testing.T) (string, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "engine",
			"POSTGRES_PASSWORD": "engine",
			"POSTGRES_DB":       "engine",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "failed to start postgres container")

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	dsn := fmt.Sprintf("postgresql://engine:engine@%s:%s/engine?sslmode=disable", host, port.Port())

	cleanup := func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate postgres container: %v", err)
		}
	}
	return dsn, cleanup
}

func newTestDB(t *testing.T) *evedb.PostgresDB {
	t.Helper()
	dsn, cleanup := setupPostgresContainer(t)
	t.Cleanup(cleanup)

	pg, err := evedb.NewPostgresDB(dsn)
	require.NoError(t, err)
	t.Cleanup(pg.Close)

	require.NoError(t, Migrate(context.Background(), pg))
	return pg
}

func TestPostgres_Integration_WorkflowLifecycle(t *testing.T) {
	pg := newTestDB(t)
	repo := NewWorkflowRepository(pg)
	ctx := context.Background()

	w := &contracts.Workflow{ID: "wf-1", DisplayName: "Approvals", Status: contracts.WorkflowStatusDraft, IsEnabled: true}
	require.NoError(t, repo.Create(ctx, w))

	got, err := repo.Get(ctx, "wf-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, contracts.WorkflowStatusDraft, got.Status)

	version := 1
	require.NoError(t, repo.UpdateStatus(ctx, "wf-1", contracts.WorkflowStatusActive, &version, true))

	got, err = repo.Get(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.WorkflowStatusActive, got.Status)
	require.NotNil(t, got.CurrentVersion)
	assert.Equal(t, 1, *got.CurrentVersion)
}

func TestPostgres_Integration_MissingWorkflowReturnsNilNotError(t *testing.T) {
	pg := newTestDB(t)
	repo := NewWorkflowRepository(pg)

	got, err := repo.Get(context.Background(), "does-not-exist")
	require.NoError(t, err)
	assert.Nil(t, got)
}

// P4: the checksum unique index rejects a second definition row for an
// already-published checksum at the database layer, independent of the
// service-level checksum lookup.
func TestPostgres_Integration_DefinitionChecksumUniqueConstraint(t *testing.T) {
	pg := newTestDB(t)
	workflows := NewWorkflowRepository(pg)
	defs := NewWorkflowDefinitionRepository(pg)
	ctx := context.Background()

	require.NoError(t, workflows.Create(ctx, &contracts.Workflow{ID: "wf-2", DisplayName: "X", Status: contracts.WorkflowStatusDraft, IsEnabled: true}))

	def := &contracts.WorkflowDefinition{WorkflowID: "wf-2", Version: 1, DefinitionJSON: []byte(`{"id":"wf-2"}`), Checksum: "abc123"}
	require.NoError(t, defs.Create(ctx, def))

	dup := &contracts.WorkflowDefinition{WorkflowID: "wf-2", Version: 2, DefinitionJSON: []byte(`{"id":"wf-2"}`), Checksum: "abc123"}
	err := defs.Create(ctx, dup)
	assert.ErrorIs(t, err, contracts.ErrChecksumExists)
}

// P5: the (workflow_id, workflow_request_id) unique constraint is the
// cross-replica source of truth for start idempotence.
func TestPostgres_Integration_ExecutionRequestIDUniqueConstraint(t *testing.T) {
	pg := newTestDB(t)
	workflows := NewWorkflowRepository(pg)
	executions := NewWorkflowExecutionRepository(pg)
	ctx := context.Background()

	require.NoError(t, workflows.Create(ctx, &contracts.Workflow{ID: "wf-3", DisplayName: "X", Status: contracts.WorkflowStatusDraft, IsEnabled: true}))

	exec := &contracts.WorkflowExecution{WorkflowID: "wf-3", WorkflowVersion: 1, WorkflowRequestID: "req-1", Status: contracts.ExecutionPending}
	require.NoError(t, executions.Create(ctx, exec))

	dup := &contracts.WorkflowExecution{WorkflowID: "wf-3", WorkflowVersion: 1, WorkflowRequestID: "req-1", Status: contracts.ExecutionPending}
	err := executions.Create(ctx, dup)
	assert.Error(t, err)

	found, err := executions.GetByRequestID(ctx, "wf-3", "req-1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, exec.ID, found.ID)
}

func TestPostgres_Integration_ActionExecutionsOrderedByAttempt(t *testing.T) {
	pg := newTestDB(t)
	workflows := NewWorkflowRepository(pg)
	executions := NewWorkflowExecutionRepository(pg)
	actions := NewActionExecutionRepository(pg)
	ctx := context.Background()

	require.NoError(t, workflows.Create(ctx, &contracts.Workflow{ID: "wf-4", DisplayName: "X", Status: contracts.WorkflowStatusDraft, IsEnabled: true}))
	exec := &contracts.WorkflowExecution{WorkflowID: "wf-4", WorkflowVersion: 1, WorkflowRequestID: "req-4", Status: contracts.ExecutionPending}
	require.NoError(t, executions.Create(ctx, exec))

	for attempt := 1; attempt <= 3; attempt++ {
		a := &contracts.ActionExecution{
			WorkflowExecutionID: exec.ID, NodeID: "n1", ActionType: "core.echo",
			Status: contracts.ActionRetriableFailure, Attempt: attempt, RetryCount: attempt - 1,
			StartTime: time.Now(), EndTime: time.Now(),
		}
		require.NoError(t, actions.Save(ctx, a))
	}

	rows, err := actions.ListByNode(ctx, exec.ID, "n1")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	for i, r := range rows {
		assert.Equal(t, i+1, r.Attempt)
	}
}

func TestPostgres_Integration_ActionCatalogUpsertIsIdempotent(t *testing.T) {
	pg := newTestDB(t)
	repo := NewActionCatalogRepository(pg)
	ctx := context.Background()

	entry := &contracts.ActionCatalogEntry{ActionType: "core.echo", ConnectorID: "core", DisplayName: "Echo", IsEnabled: true}
	require.NoError(t, repo.Upsert(ctx, entry))

	entry2 := &contracts.ActionCatalogEntry{ActionType: "core.echo", ConnectorID: "core", DisplayName: "Echo v2", IsEnabled: false}
	require.NoError(t, repo.Upsert(ctx, entry2))

	all, err := repo.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "Echo v2", all[0].DisplayName)
	assert.False(t, all[0].IsEnabled)
}

// Package repository implements the engine's five persistence concerns
// (workflow metadata, versioned definitions, executions, per-attempt
// telemetry, and the action catalog) against PostgreSQL via pgx, following
// the donor's db.PostgresDB-wraps-pgxpool convention: no ORM, hand-written
// SQL, JSONB for the free-form documents.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/google/uuid"

	evedb "github.com/NemorionTechnologies/DataConnectors-sub001/db"
	"github.com/NemorionTechnologies/DataConnectors-sub001/contracts"
)

// Schema is the engine's DDL, applied idempotently by Migrate. Table shapes
// follow the persisted-state section of the engine's contract; the
// relational migration tool that would normally own this is out of scope,
// so the engine creates its own tables on startup.
const Schema = `
CREATE TABLE IF NOT EXISTS workflows (
	id              TEXT PRIMARY KEY,
	display_name    TEXT NOT NULL,
	description     TEXT NOT NULL DEFAULT '',
	current_version INT,
	status          TEXT NOT NULL CHECK (status IN ('Draft','Active','Archived')),
	is_enabled      BOOLEAN NOT NULL DEFAULT true,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS workflow_definitions (
	workflow_id     TEXT NOT NULL REFERENCES workflows(id),
	version         INT NOT NULL,
	definition_json JSONB NOT NULL,
	checksum        TEXT NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (workflow_id, version)
);
CREATE UNIQUE INDEX IF NOT EXISTS workflow_definitions_checksum_idx
	ON workflow_definitions (workflow_id, checksum) WHERE version > 0;

CREATE TABLE IF NOT EXISTS workflow_executions (
	id                    UUID PRIMARY KEY,
	workflow_id           TEXT NOT NULL,
	workflow_version      INT NOT NULL,
	workflow_request_id   TEXT NOT NULL,
	status                TEXT NOT NULL CHECK (status IN ('Pending','Running','Succeeded','Failed','Cancelled')),
	trigger_payload_json  JSONB,
	start_time            TIMESTAMPTZ,
	end_time              TIMESTAMPTZ,
	correlation_id        TEXT,
	context_snapshot_json JSONB,
	UNIQUE (workflow_id, workflow_request_id)
);

CREATE TABLE IF NOT EXISTS action_executions (
	id                    UUID PRIMARY KEY,
	workflow_execution_id UUID NOT NULL REFERENCES workflow_executions(id) ON DELETE CASCADE,
	node_id               TEXT NOT NULL,
	action_type           TEXT NOT NULL,
	status                TEXT NOT NULL CHECK (status IN ('Succeeded','Failed','RetriableFailure','Skipped')),
	attempt               INT NOT NULL,
	retry_count           INT NOT NULL,
	parameters_json       JSONB,
	outputs_json          JSONB,
	error_json            JSONB,
	start_time            TIMESTAMPTZ,
	end_time              TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS action_executions_exec_node_idx ON action_executions (workflow_execution_id, node_id);

CREATE TABLE IF NOT EXISTS action_catalog (
	id               UUID PRIMARY KEY,
	action_type      TEXT NOT NULL,
	connector_id     TEXT NOT NULL,
	display_name     TEXT NOT NULL,
	description      TEXT,
	parameter_schema JSONB,
	output_schema    JSONB,
	is_enabled       BOOLEAN NOT NULL DEFAULT true,
	requires_auth    BOOLEAN NOT NULL DEFAULT false,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (connector_id, action_type)
);
CREATE INDEX IF NOT EXISTS action_catalog_action_type_idx ON action_catalog (action_type);
CREATE INDEX IF NOT EXISTS action_catalog_connector_idx ON action_catalog (connector_id);
CREATE INDEX IF NOT EXISTS action_catalog_enabled_idx ON action_catalog (is_enabled) WHERE is_enabled;
`

// Migrate applies Schema. Safe to call on every startup.
func Migrate(ctx context.Context, pg *evedb.PostgresDB) error {
	return pg.Exec(ctx, Schema)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// WorkflowRepository implements contracts.WorkflowRepository.
type WorkflowRepository struct {
	db *evedb.PostgresDB
}

func NewWorkflowRepository(pg *evedb.PostgresDB) *WorkflowRepository {
	return &WorkflowRepository{db: pg}
}

func (r *WorkflowRepository) Create(ctx context.Context, w *contracts.Workflow) error {
	return r.db.Exec(ctx, `
		INSERT INTO workflows (id, display_name, description, current_version, status, is_enabled)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			description  = EXCLUDED.description,
			updated_at   = now()
	`, w.ID, w.DisplayName, w.Description, w.CurrentVersion, string(w.Status), w.IsEnabled)
}

func (r *WorkflowRepository) Get(ctx context.Context, id string) (*contracts.Workflow, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, display_name, description, current_version, status, is_enabled, created_at, updated_at
		FROM workflows WHERE id = $1
	`, id)

	var w contracts.Workflow
	var status string
	if err := row.Scan(&w.ID, &w.DisplayName, &w.Description, &w.CurrentVersion, &status, &w.IsEnabled, &w.CreatedAt, &w.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("loading workflow %q: %w", id, err)
	}
	w.Status = contracts.WorkflowStatus(status)
	return &w, nil
}

// UpdateStatus persists a lifecycle transition. Callers (workflow.Service)
// are responsible for enforcing the Draft/Active/Archived invariants before
// calling this; the CHECK constraint on status is the last line of defense.
func (r *WorkflowRepository) UpdateStatus(ctx context.Context, id string, status contracts.WorkflowStatus, currentVersion *int, isEnabled bool) error {
	return r.db.Exec(ctx, `
		UPDATE workflows SET status = $2, current_version = $3, is_enabled = $4, updated_at = now()
		WHERE id = $1
	`, id, string(status), currentVersion, isEnabled)
}

// WorkflowDefinitionRepository implements contracts.WorkflowDefinitionRepository.
type WorkflowDefinitionRepository struct {
	db *evedb.PostgresDB
}

func NewWorkflowDefinitionRepository(pg *evedb.PostgresDB) *WorkflowDefinitionRepository {
	return &WorkflowDefinitionRepository{db: pg}
}

func (r *WorkflowDefinitionRepository) Create(ctx context.Context, def *contracts.WorkflowDefinition) error {
	err := r.db.Exec(ctx, `
		INSERT INTO workflow_definitions (workflow_id, version, definition_json, checksum)
		VALUES ($1, $2, $3, $4)
	`, def.WorkflowID, def.Version, def.DefinitionJSON, def.Checksum)
	var pgErr *pgconn.PgError
	if isUniqueViolation(err) && errors.As(err, &pgErr) && pgErr.ConstraintName == "workflow_definitions_checksum_idx" {
		return contracts.ErrChecksumExists
	}
	return err
}

func (r *WorkflowDefinitionRepository) GetByChecksum(ctx context.Context, workflowID, checksum string) (*contracts.WorkflowDefinition, error) {
	row := r.db.QueryRow(ctx, `
		SELECT workflow_id, version, definition_json, checksum, created_at
		FROM workflow_definitions WHERE workflow_id = $1 AND checksum = $2 AND version > 0
	`, workflowID, checksum)
	return scanDefinition(row)
}

func (r *WorkflowDefinitionRepository) GetByVersion(ctx context.Context, workflowID string, version int) (*contracts.WorkflowDefinition, error) {
	row := r.db.QueryRow(ctx, `
		SELECT workflow_id, version, definition_json, checksum, created_at
		FROM workflow_definitions WHERE workflow_id = $1 AND version = $2
	`, workflowID, version)
	return scanDefinition(row)
}

func (r *WorkflowDefinitionRepository) GetDraft(ctx context.Context, workflowID string) (*contracts.WorkflowDefinition, error) {
	return r.GetByVersion(ctx, workflowID, 0)
}

func (r *WorkflowDefinitionRepository) PutDraft(ctx context.Context, workflowID string, definitionJSON json.RawMessage) error {
	return r.db.Exec(ctx, `
		INSERT INTO workflow_definitions (workflow_id, version, definition_json, checksum)
		VALUES ($1, 0, $2, '')
		ON CONFLICT (workflow_id, version) DO UPDATE SET
			definition_json = EXCLUDED.definition_json,
			created_at      = now()
	`, workflowID, definitionJSON)
}

func scanDefinition(row pgx.Row) (*contracts.WorkflowDefinition, error) {
	var def contracts.WorkflowDefinition
	if err := row.Scan(&def.WorkflowID, &def.Version, &def.DefinitionJSON, &def.Checksum, &def.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &def, nil
}

// WorkflowExecutionRepository implements contracts.WorkflowExecutionRepository.
type WorkflowExecutionRepository struct {
	db *evedb.PostgresDB
}

func NewWorkflowExecutionRepository(pg *evedb.PostgresDB) *WorkflowExecutionRepository {
	return &WorkflowExecutionRepository{db: pg}
}

func (r *WorkflowExecutionRepository) Create(ctx context.Context, exec *contracts.WorkflowExecution) error {
	if exec.ID == "" {
		exec.ID = uuid.NewString()
	}
	return r.db.Exec(ctx, `
		INSERT INTO workflow_executions (id, workflow_id, workflow_version, workflow_request_id, status, trigger_payload_json, correlation_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, exec.ID, exec.WorkflowID, exec.WorkflowVersion, exec.WorkflowRequestID, string(exec.Status), exec.TriggerPayloadJSON, exec.CorrelationID)
}

func (r *WorkflowExecutionRepository) GetByRequestID(ctx context.Context, workflowID, requestID string) (*contracts.WorkflowExecution, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, workflow_id, workflow_version, workflow_request_id, status, trigger_payload_json, start_time, end_time, correlation_id, context_snapshot_json
		FROM workflow_executions WHERE workflow_id = $1 AND workflow_request_id = $2
	`, workflowID, requestID)
	return scanExecution(row)
}

func (r *WorkflowExecutionRepository) Get(ctx context.Context, id string) (*contracts.WorkflowExecution, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, workflow_id, workflow_version, workflow_request_id, status, trigger_payload_json, start_time, end_time, correlation_id, context_snapshot_json
		FROM workflow_executions WHERE id = $1
	`, id)
	return scanExecution(row)
}

func (r *WorkflowExecutionRepository) UpdateStatus(ctx context.Context, id string, status contracts.WorkflowExecutionStatus, endTime *time.Time, contextSnapshot json.RawMessage) error {
	return r.db.Exec(ctx, `
		UPDATE workflow_executions SET status = $2, end_time = $3, context_snapshot_json = $4
		WHERE id = $1
	`, id, string(status), endTime, contextSnapshot)
}

func (r *WorkflowExecutionRepository) MarkRunning(ctx context.Context, id string, startTime time.Time) error {
	return r.db.Exec(ctx, `
		UPDATE workflow_executions SET status = 'Running', start_time = $2 WHERE id = $1
	`, id, startTime)
}

func scanExecution(row pgx.Row) (*contracts.WorkflowExecution, error) {
	var e contracts.WorkflowExecution
	var status string
	if err := row.Scan(&e.ID, &e.WorkflowID, &e.WorkflowVersion, &e.WorkflowRequestID, &status, &e.TriggerPayloadJSON, &e.StartTime, &e.EndTime, &e.CorrelationID, &e.ContextSnapshotJSON); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	e.Status = contracts.WorkflowExecutionStatus(status)
	return &e, nil
}

// ActionExecutionRepository implements contracts.ActionExecutionRepository.
type ActionExecutionRepository struct {
	db *evedb.PostgresDB
}

func NewActionExecutionRepository(pg *evedb.PostgresDB) *ActionExecutionRepository {
	return &ActionExecutionRepository{db: pg}
}

func (r *ActionExecutionRepository) Save(ctx context.Context, a *contracts.ActionExecution) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	return r.db.Exec(ctx, `
		INSERT INTO action_executions (id, workflow_execution_id, node_id, action_type, status, attempt, retry_count, parameters_json, outputs_json, error_json, start_time, end_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, a.ID, a.WorkflowExecutionID, a.NodeID, a.ActionType, string(a.Status), a.Attempt, a.RetryCount, a.ParametersJSON, a.OutputsJSON, a.ErrorJSON, a.StartTime, a.EndTime)
}

func (r *ActionExecutionRepository) ListByNode(ctx context.Context, workflowExecutionID, nodeID string) ([]*contracts.ActionExecution, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, workflow_execution_id, node_id, action_type, status, attempt, retry_count, parameters_json, outputs_json, error_json, start_time, end_time
		FROM action_executions WHERE workflow_execution_id = $1 AND node_id = $2 ORDER BY attempt ASC
	`, workflowExecutionID, nodeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanActionExecutions(rows)
}

func (r *ActionExecutionRepository) ListByExecution(ctx context.Context, workflowExecutionID string) ([]*contracts.ActionExecution, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, workflow_execution_id, node_id, action_type, status, attempt, retry_count, parameters_json, outputs_json, error_json, start_time, end_time
		FROM action_executions WHERE workflow_execution_id = $1 ORDER BY start_time ASC
	`, workflowExecutionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanActionExecutions(rows)
}

func scanActionExecutions(rows pgx.Rows) ([]*contracts.ActionExecution, error) {
	var out []*contracts.ActionExecution
	for rows.Next() {
		var a contracts.ActionExecution
		var status string
		if err := rows.Scan(&a.ID, &a.WorkflowExecutionID, &a.NodeID, &a.ActionType, &status, &a.Attempt, &a.RetryCount, &a.ParametersJSON, &a.OutputsJSON, &a.ErrorJSON, &a.StartTime, &a.EndTime); err != nil {
			return nil, err
		}
		a.Status = contracts.ActionExecutionStatus(status)
		out = append(out, &a)
	}
	return out, rows.Err()
}

// ActionCatalogRepository implements contracts.ActionCatalogRepository.
type ActionCatalogRepository struct {
	db *evedb.PostgresDB
}

func NewActionCatalogRepository(pg *evedb.PostgresDB) *ActionCatalogRepository {
	return &ActionCatalogRepository{db: pg}
}

func (r *ActionCatalogRepository) Upsert(ctx context.Context, entry *contracts.ActionCatalogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	return r.db.Exec(ctx, `
		INSERT INTO action_catalog (id, action_type, connector_id, display_name, description, parameter_schema, output_schema, is_enabled, requires_auth)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (connector_id, action_type) DO UPDATE SET
			display_name     = EXCLUDED.display_name,
			description      = EXCLUDED.description,
			parameter_schema = EXCLUDED.parameter_schema,
			output_schema    = EXCLUDED.output_schema,
			is_enabled       = EXCLUDED.is_enabled,
			requires_auth    = EXCLUDED.requires_auth,
			updated_at       = now()
	`, entry.ID, entry.ActionType, entry.ConnectorID, entry.DisplayName, entry.Description, entry.ParameterSchema, entry.OutputSchema, entry.IsEnabled, entry.RequiresAuth)
}

func (r *ActionCatalogRepository) ListAll(ctx context.Context) ([]*contracts.ActionCatalogEntry, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, action_type, connector_id, display_name, description, parameter_schema, output_schema, is_enabled, requires_auth, created_at, updated_at
		FROM action_catalog
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*contracts.ActionCatalogEntry
	for rows.Next() {
		var e contracts.ActionCatalogEntry
		if err := rows.Scan(&e.ID, &e.ActionType, &e.ConnectorID, &e.DisplayName, &e.Description, &e.ParameterSchema, &e.OutputSchema, &e.IsEnabled, &e.RequiresAuth, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

package workflow

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/NemorionTechnologies/DataConnectors-sub001/conductor"
	"github.com/NemorionTechnologies/DataConnectors-sub001/contracts"
)

// ErrNotFound is returned when a workflow or execution id has no row.
var ErrNotFound = fmt.Errorf("not found")

// ErrNotDraft is returned when an edit operation targets a workflow whose
// status is not Draft.
var ErrNotDraft = fmt.Errorf("workflow is not in Draft status")

// ErrInvalidTransition is returned by Archive/Reactivate when the workflow's
// current status makes the requested transition meaningless.
var ErrInvalidTransition = fmt.Errorf("invalid workflow status transition")

// PublishResult is the response shape for a publish call.
type PublishResult struct {
	Version  int                      `json:"version"`
	Status   contracts.WorkflowStatus `json:"status"`
	Reused   bool                     `json:"reused"`
	Warnings []string                 `json:"warnings"`
}

// Service implements the workflow lifecycle: draft authoring, publish with
// checksum-based idempotence (P4), archive/reactivate transitions, and
// execute, wiring into the conductor. It is the one place that enforces the
// Draft/Active/Archived invariants from the data model before any
// repository write.
type Service struct {
	Workflows   contracts.WorkflowRepository
	Definitions contracts.WorkflowDefinitionRepository
	Validator   *PublishValidator
	Conductor   *conductor.Conductor
	GraphCache  contracts.GraphCache // optional, tolerates nil
	Log         *logrus.Entry
}

// NewService builds a Service. graphCache may be nil.
func NewService(
	workflows contracts.WorkflowRepository,
	definitions contracts.WorkflowDefinitionRepository,
	validator *PublishValidator,
	cond *conductor.Conductor,
	graphCache contracts.GraphCache,
	log *logrus.Entry,
) *Service {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Service{
		Workflows: workflows, Definitions: definitions, Validator: validator,
		Conductor: cond, GraphCache: graphCache, Log: log,
	}
}

// PutDraft creates the Workflow identity if absent and replaces its version-0
// draft definition. The draft is not graph-validated here - validation
// happens at publish and at the explicit /validate dry-run endpoint, so an
// author can save a work-in-progress document.
func (s *Service) PutDraft(ctx context.Context, workflowID, displayName, description string, definitionJSON json.RawMessage) (*contracts.Workflow, error) {
	if _, err := Parse(definitionJSON); err != nil {
		return nil, err
	}

	w, err := s.Workflows.Get(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("loading workflow: %w", err)
	}
	if w == nil {
		w = &contracts.Workflow{
			ID: workflowID, DisplayName: displayName, Description: description,
			Status: contracts.WorkflowStatusDraft, IsEnabled: true,
		}
		if err := s.Workflows.Create(ctx, w); err != nil {
			return nil, fmt.Errorf("creating workflow: %w", err)
		}
	} else if w.Status != contracts.WorkflowStatusDraft {
		return nil, ErrNotDraft
	}

	if err := s.Definitions.PutDraft(ctx, workflowID, definitionJSON); err != nil {
		return nil, fmt.Errorf("saving draft definition: %w", err)
	}
	return w, nil
}

// Get returns the workflow and its current draft definition.
func (s *Service) Get(ctx context.Context, workflowID string) (*contracts.Workflow, *contracts.WorkflowDefinition, error) {
	w, err := s.Workflows.Get(ctx, workflowID)
	if err != nil {
		return nil, nil, err
	}
	if w == nil {
		return nil, nil, ErrNotFound
	}
	draft, err := s.Definitions.GetDraft(ctx, workflowID)
	if err != nil {
		return nil, nil, err
	}
	return w, draft, nil
}

// Validate runs the full publish/execute validation pass over workflowID's
// current draft, without mutating anything. Used by the dry-run endpoint.
func (s *Service) Validate(ctx context.Context, workflowID string) (*contracts.WorkflowDocument, ValidationResult, error) {
	draft, err := s.Definitions.GetDraft(ctx, workflowID)
	if err != nil {
		return nil, ValidationResult{}, err
	}
	if draft == nil {
		return nil, ValidationResult{}, ErrNotFound
	}
	doc, err := Parse(draft.DefinitionJSON)
	if err != nil {
		return nil, ValidationResult{IsValid: false, Errors: []string{err.Error()}}, nil
	}
	return doc, s.Validator.Validate(ctx, doc), nil
}

// Publish validates workflowID's draft and, if valid, creates an immutable
// versioned WorkflowDefinition. Republishing byte-identical content (as
// measured by Checksum) returns the existing version and writes nothing
// (P4). When autoActivate is true and publish succeeds, the workflow
// transitions Draft→Active. A successful publish also best-effort
// materializes the graph cache mirror; losing that write never fails the
// publish.
func (s *Service) Publish(ctx context.Context, workflowID string, autoActivate bool) (*PublishResult, []string, error) {
	w, err := s.Workflows.Get(ctx, workflowID)
	if err != nil {
		return nil, nil, err
	}
	if w == nil {
		return nil, nil, ErrNotFound
	}

	draft, err := s.Definitions.GetDraft(ctx, workflowID)
	if err != nil {
		return nil, nil, err
	}
	if draft == nil {
		return nil, nil, fmt.Errorf("workflow %q has no draft to publish", workflowID)
	}

	doc, err := Parse(draft.DefinitionJSON)
	if err != nil {
		return nil, nil, err
	}

	result := s.Validator.Validate(ctx, doc)
	if !result.IsValid {
		return nil, result.Errors, fmt.Errorf("workflow %q failed publish validation", workflowID)
	}

	checksum, err := Checksum(draft.DefinitionJSON)
	if err != nil {
		return nil, nil, err
	}

	if existing, err := s.Definitions.GetByChecksum(ctx, workflowID, checksum); err != nil {
		return nil, nil, err
	} else if existing != nil {
		if autoActivate {
			if err := s.activateAtVersion(ctx, w, existing.Version); err != nil {
				return nil, nil, err
			}
		}
		return &PublishResult{Version: existing.Version, Status: w.Status, Reused: true, Warnings: result.Warnings}, nil, nil
	}

	nextVersion := 1
	if w.CurrentVersion != nil {
		nextVersion = *w.CurrentVersion + 1
	}

	def := &contracts.WorkflowDefinition{
		WorkflowID: workflowID, Version: nextVersion,
		DefinitionJSON: draft.DefinitionJSON, Checksum: checksum,
	}
	if err := s.Definitions.Create(ctx, def); err != nil {
		if err == contracts.ErrChecksumExists {
			existing, getErr := s.Definitions.GetByChecksum(ctx, workflowID, checksum)
			if getErr != nil {
				return nil, nil, getErr
			}
			if autoActivate {
				if err := s.activateAtVersion(ctx, w, existing.Version); err != nil {
					return nil, nil, err
				}
			}
			return &PublishResult{Version: existing.Version, Status: w.Status, Reused: true, Warnings: result.Warnings}, nil, nil
		}
		return nil, nil, fmt.Errorf("creating workflow definition: %w", err)
	}

	if s.GraphCache != nil {
		if err := s.GraphCache.MaterializeWorkflow(ctx, workflowID, doc); err != nil {
			s.Log.WithError(err).Warn("graph cache materialization failed; continuing without it")
		}
	}

	if autoActivate {
		if err := s.activateAtVersion(ctx, w, nextVersion); err != nil {
			return nil, nil, err
		}
	}

	return &PublishResult{Version: nextVersion, Status: w.Status, Reused: false, Warnings: result.Warnings}, nil, nil
}

func (s *Service) activateAtVersion(ctx context.Context, w *contracts.Workflow, version int) error {
	v := version
	w.Status = contracts.WorkflowStatusActive
	w.CurrentVersion = &v
	w.IsEnabled = true
	return s.Workflows.UpdateStatus(ctx, w.ID, contracts.WorkflowStatusActive, &v, true)
}

// Archive transitions an Active workflow to Archived, disabling it.
func (s *Service) Archive(ctx context.Context, workflowID string) error {
	w, err := s.Workflows.Get(ctx, workflowID)
	if err != nil {
		return err
	}
	if w == nil {
		return ErrNotFound
	}
	if w.Status != contracts.WorkflowStatusActive {
		return ErrInvalidTransition
	}
	return s.Workflows.UpdateStatus(ctx, workflowID, contracts.WorkflowStatusArchived, w.CurrentVersion, false)
}

// Reactivate transitions an Archived workflow back to Active.
func (s *Service) Reactivate(ctx context.Context, workflowID string) error {
	w, err := s.Workflows.Get(ctx, workflowID)
	if err != nil {
		return err
	}
	if w == nil {
		return ErrNotFound
	}
	if w.Status != contracts.WorkflowStatusArchived {
		return ErrInvalidTransition
	}
	if w.CurrentVersion == nil {
		return ErrInvalidTransition
	}
	return s.Workflows.UpdateStatus(ctx, workflowID, contracts.WorkflowStatusActive, w.CurrentVersion, true)
}

// Execute starts a run of workflowID at the given version (0 means "the
// workflow's currentVersion", i.e. the published version). Draft execution
// (version 0 on a workflow with no currentVersion) requires
// AllowDraftExecution in the conductor's config.
func (s *Service) Execute(ctx context.Context, workflowID string, version int, requestID string, trigger, vars map[string]interface{}, correlationID string) (*contracts.WorkflowExecution, error) {
	w, err := s.Workflows.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, ErrNotFound
	}

	resolvedVersion := version
	if resolvedVersion == 0 {
		if w.CurrentVersion != nil {
			resolvedVersion = *w.CurrentVersion
		}
	}

	var def *contracts.WorkflowDefinition
	if resolvedVersion == 0 {
		if !s.Conductor.Config.AllowDraftExecution {
			return nil, fmt.Errorf("workflow %q has no published version and draft execution is disabled", workflowID)
		}
		def, err = s.Definitions.GetDraft(ctx, workflowID)
	} else {
		def, err = s.Definitions.GetByVersion(ctx, workflowID, resolvedVersion)
	}
	if err != nil {
		return nil, err
	}
	if def == nil {
		return nil, fmt.Errorf("workflow %q has no definition at version %d", workflowID, resolvedVersion)
	}

	doc, err := Parse(def.DefinitionJSON)
	if err != nil {
		return nil, err
	}

	if requestID == "" {
		requestID = uuid.NewString()
	}

	return s.Conductor.StartExecution(ctx, workflowID, resolvedVersion, doc, requestID, trigger, vars, correlationID)
}

// Package testutil provides in-memory fakes for the engine's repository and
// component interfaces (contracts), shared between the workflow and
// conductor packages' test suites so each doesn't reinvent the other's
// fixtures. Mirrors the donor's pkg/testutil convention of hand-written
// fakes rather than a generated-mock library.
package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/NemorionTechnologies/DataConnectors-sub001/contracts"
)

// Catalog is an in-memory contracts.CatalogRegistry a test populates
// directly via Put, skipping the repository/refresh round trip.
type Catalog struct {
	mu      sync.RWMutex
	entries map[string]*contracts.ActionCatalogEntry
}

func NewCatalog() *Catalog {
	return &Catalog{entries: make(map[string]*contracts.ActionCatalogEntry)}
}

// Put registers actionType with the given schemas (nil for "no schema").
func (c *Catalog) Put(actionType string, enabled bool, paramSchema, outputSchema []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	connectorID := actionType
	for i, r := range actionType {
		if r == '.' {
			connectorID = actionType[:i]
			break
		}
	}
	c.entries[actionType] = &contracts.ActionCatalogEntry{
		ConnectorID:     connectorID,
		ActionType:      actionType,
		IsEnabled:       enabled,
		ParameterSchema: paramSchema,
		OutputSchema:    outputSchema,
	}
}

func (c *Catalog) GetByActionType(actionType string) (*contracts.ActionCatalogEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[actionType]
	return e, ok
}

func (c *Catalog) GetAllEnabled() []*contracts.ActionCatalogEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*contracts.ActionCatalogEntry
	for _, e := range c.entries {
		if e.IsEnabled {
			out = append(out, e)
		}
	}
	return out
}

func (c *Catalog) Refresh(ctx context.Context) error { return nil }
func (c *Catalog) LastRefreshedAt() time.Time         { return time.Now() }

// WorkflowRepo is an in-memory contracts.WorkflowRepository.
type WorkflowRepo struct {
	mu   sync.Mutex
	rows map[string]*contracts.Workflow
}

func NewWorkflowRepo() *WorkflowRepo {
	return &WorkflowRepo{rows: make(map[string]*contracts.Workflow)}
}

func (r *WorkflowRepo) Create(ctx context.Context, w *contracts.Workflow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.rows[w.ID]; exists {
		return fmt.Errorf("workflow %q already exists", w.ID)
	}
	cp := *w
	r.rows[w.ID] = &cp
	return nil
}

func (r *WorkflowRepo) Get(ctx context.Context, id string) (*contracts.Workflow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.rows[id]
	if !ok {
		return nil, nil
	}
	cp := *w
	return &cp, nil
}

func (r *WorkflowRepo) UpdateStatus(ctx context.Context, id string, status contracts.WorkflowStatus, currentVersion *int, isEnabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.rows[id]
	if !ok {
		return fmt.Errorf("workflow %q not found", id)
	}
	w.Status = status
	w.CurrentVersion = currentVersion
	w.IsEnabled = isEnabled
	return nil
}

// DefinitionRepo is an in-memory contracts.WorkflowDefinitionRepository.
type DefinitionRepo struct {
	mu       sync.Mutex
	byKey    map[string]*contracts.WorkflowDefinition // workflowId/version
	drafts   map[string]*contracts.WorkflowDefinition
	checksum map[string]*contracts.WorkflowDefinition // workflowId/checksum
}

func NewDefinitionRepo() *DefinitionRepo {
	return &DefinitionRepo{
		byKey:    make(map[string]*contracts.WorkflowDefinition),
		drafts:   make(map[string]*contracts.WorkflowDefinition),
		checksum: make(map[string]*contracts.WorkflowDefinition),
	}
}

func (r *DefinitionRepo) Create(ctx context.Context, def *contracts.WorkflowDefinition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ckey := def.WorkflowID + "/" + def.Checksum
	if _, exists := r.checksum[ckey]; exists {
		return contracts.ErrChecksumExists
	}
	cp := *def
	key := fmt.Sprintf("%s/%d", def.WorkflowID, def.Version)
	r.byKey[key] = &cp
	r.checksum[ckey] = &cp
	return nil
}

func (r *DefinitionRepo) GetByChecksum(ctx context.Context, workflowID, checksum string) (*contracts.WorkflowDefinition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.checksum[workflowID+"/"+checksum]
	if !ok {
		return nil, nil
	}
	cp := *d
	return &cp, nil
}

func (r *DefinitionRepo) GetByVersion(ctx context.Context, workflowID string, version int) (*contracts.WorkflowDefinition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.byKey[fmt.Sprintf("%s/%d", workflowID, version)]
	if !ok {
		return nil, nil
	}
	cp := *d
	return &cp, nil
}

func (r *DefinitionRepo) GetDraft(ctx context.Context, workflowID string) (*contracts.WorkflowDefinition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.drafts[workflowID]
	if !ok {
		return nil, nil
	}
	cp := *d
	return &cp, nil
}

func (r *DefinitionRepo) PutDraft(ctx context.Context, workflowID string, definitionJSON []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drafts[workflowID] = &contracts.WorkflowDefinition{WorkflowID: workflowID, Version: 0, DefinitionJSON: definitionJSON}
	return nil
}

// ExecutionRepo is an in-memory contracts.WorkflowExecutionRepository.
type ExecutionRepo struct {
	mu        sync.Mutex
	rows      map[string]*contracts.WorkflowExecution
	byRequest map[string]string // workflowId/requestId -> executionId
}

func NewExecutionRepo() *ExecutionRepo {
	return &ExecutionRepo{
		rows:      make(map[string]*contracts.WorkflowExecution),
		byRequest: make(map[string]string),
	}
}

func (r *ExecutionRepo) Create(ctx context.Context, exec *contracts.WorkflowExecution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := exec.WorkflowID + "/" + exec.WorkflowRequestID
	if _, exists := r.byRequest[key]; exists {
		return fmt.Errorf("execution for %q already exists", key)
	}
	if exec.ID == "" {
		exec.ID = uuid.NewString()
	}
	cp := *exec
	r.rows[exec.ID] = &cp
	r.byRequest[key] = exec.ID
	return nil
}

func (r *ExecutionRepo) GetByRequestID(ctx context.Context, workflowID, requestID string) (*contracts.WorkflowExecution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byRequest[workflowID+"/"+requestID]
	if !ok {
		return nil, nil
	}
	cp := *r.rows[id]
	return &cp, nil
}

func (r *ExecutionRepo) Get(ctx context.Context, id string) (*contracts.WorkflowExecution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.rows[id]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (r *ExecutionRepo) UpdateStatus(ctx context.Context, id string, status contracts.WorkflowExecutionStatus, endTime *time.Time, contextSnapshot []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.rows[id]
	if !ok {
		return fmt.Errorf("execution %q not found", id)
	}
	e.Status = status
	e.EndTime = endTime
	e.ContextSnapshotJSON = contextSnapshot
	return nil
}

func (r *ExecutionRepo) MarkRunning(ctx context.Context, id string, startTime time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.rows[id]
	if !ok {
		return fmt.Errorf("execution %q not found", id)
	}
	e.Status = contracts.ExecutionRunning
	e.StartTime = &startTime
	return nil
}

// Snapshot returns a point-in-time copy of every execution row, keyed by id,
// for tests that want to inspect final state without a getter per field.
func (r *ExecutionRepo) Snapshot() map[string]*contracts.WorkflowExecution {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]*contracts.WorkflowExecution, len(r.rows))
	for k, v := range r.rows {
		cp := *v
		out[k] = &cp
	}
	return out
}

// ActionRepo is an in-memory contracts.ActionExecutionRepository.
type ActionRepo struct {
	mu   sync.Mutex
	rows []*contracts.ActionExecution
}

func NewActionRepo() *ActionRepo {
	return &ActionRepo{}
}

func (r *ActionRepo) Save(ctx context.Context, a *contracts.ActionExecution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	cp := *a
	r.rows = append(r.rows, &cp)
	return nil
}

func (r *ActionRepo) ListByNode(ctx context.Context, workflowExecutionID, nodeID string) ([]*contracts.ActionExecution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*contracts.ActionExecution
	for _, a := range r.rows {
		if a.WorkflowExecutionID == workflowExecutionID && a.NodeID == nodeID {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *ActionRepo) ListByExecution(ctx context.Context, workflowExecutionID string) ([]*contracts.ActionExecution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*contracts.ActionExecution
	for _, a := range r.rows {
		if a.WorkflowExecutionID == workflowExecutionID {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

// All returns every saved row, for assertions that don't key off one
// execution/node pair.
func (r *ActionRepo) All() []*contracts.ActionExecution {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*contracts.ActionExecution, len(r.rows))
	copy(out, r.rows)
	return out
}

// ActionCatalogRepo is an in-memory contracts.ActionCatalogRepository.
type ActionCatalogRepo struct {
	mu   sync.Mutex
	rows map[string]*contracts.ActionCatalogEntry
}

func NewActionCatalogRepo() *ActionCatalogRepo {
	return &ActionCatalogRepo{rows: make(map[string]*contracts.ActionCatalogEntry)}
}

func (r *ActionCatalogRepo) Upsert(ctx context.Context, entry *contracts.ActionCatalogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *entry
	r.rows[entry.ActionType] = &cp
	return nil
}

func (r *ActionCatalogRepo) ListAll(ctx context.Context) ([]*contracts.ActionCatalogEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*contracts.ActionCatalogEntry, 0, len(r.rows))
	for _, e := range r.rows {
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

// Lock is an in-memory contracts.Lock fake. AcquireStartLock always
// succeeds unless PreAcquired is set, simulating another replica already
// holding the lock for a given key. Catalog refresh notifications are
// delivered to every channel returned by SubscribeCatalogRefresh.
type Lock struct {
	mu          sync.Mutex
	PreAcquired map[string]bool
	subscribers []chan struct{}
	PublishCount int
}

func NewLock() *Lock {
	return &Lock{PreAcquired: make(map[string]bool)}
}

func (l *Lock) AcquireStartLock(ctx context.Context, workflowID, requestID string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := workflowID + "/" + requestID
	if l.PreAcquired[key] {
		return false, nil
	}
	l.PreAcquired[key] = true
	return true, nil
}

func (l *Lock) ReleaseStartLock(ctx context.Context, workflowID, requestID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.PreAcquired, workflowID+"/"+requestID)
	return nil
}

func (l *Lock) PublishCatalogRefresh(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.PublishCount++
	for _, ch := range l.subscribers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return nil
}

func (l *Lock) SubscribeCatalogRefresh(ctx context.Context) (<-chan struct{}, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch := make(chan struct{}, 4)
	l.subscribers = append(l.subscribers, ch)
	return ch, nil
}

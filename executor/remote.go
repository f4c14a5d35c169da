package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/NemorionTechnologies/DataConnectors-sub001/contracts"
)

// remoteRequest is the body posted to a connector's /api/v1/actions/execute.
type remoteRequest struct {
	ActionType       string                     `json:"actionType"`
	Parameters       map[string]interface{}     `json:"parameters"`
	ExecutionContext contracts.ExecutionContext `json:"executionContext"`
}

// remoteResponse is the uniform body every connector MUST return for 200s.
type remoteResponse struct {
	Status  contracts.ActionExecutionStatus `json:"status"`
	Outputs map[string]interface{}          `json:"outputs"`
	Error   string                          `json:"error,omitempty"`
}

// RemoteExecutor issues the HTTP action-execute call to connector services.
// One http.Client is shared process-wide, per the donor's pooled-resource
// convention.
type RemoteExecutor struct {
	client        *http.Client
	connectorURLs map[string]string
}

// NewRemoteExecutor builds a remote executor. connectorURLs maps
// connectorId to its base URL (e.g. from the ENGINE_CONNECTORS list).
func NewRemoteExecutor(connectorURLs map[string]string, defaultTimeout time.Duration) *RemoteExecutor {
	return &RemoteExecutor{
		client:        &http.Client{Timeout: defaultTimeout},
		connectorURLs: connectorURLs,
	}
}

// Execute posts the action-execute request to connectorID's base URL and
// maps the outcome per the engine's transport-error taxonomy:
// network/timeout/5xx/408/429 become RetriableFailure; any other non-200 or
// unparseable body becomes Failed.
func (r *RemoteExecutor) Execute(ctx context.Context, connectorID, actionType string, parameters map[string]interface{}, execCtx contracts.ExecutionContext) contracts.ActionResult {
	baseURL, ok := r.connectorURLs[connectorID]
	if !ok {
		return contracts.ActionResult{
			Status: contracts.ActionFailed,
			Error:  fmt.Sprintf("no connector URL configured for %q", connectorID),
		}
	}

	if execCtx.CorrelationID == "" {
		execCtx.CorrelationID = uuid.NewString()
	}

	body, err := json.Marshal(remoteRequest{
		ActionType:       actionType,
		Parameters:       parameters,
		ExecutionContext: execCtx,
	})
	if err != nil {
		return contracts.ActionResult{Status: contracts.ActionFailed, Error: fmt.Sprintf("marshaling request: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/api/v1/actions/execute", bytes.NewReader(body))
	if err != nil {
		return contracts.ActionResult{Status: contracts.ActionFailed, Error: fmt.Sprintf("building request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Correlation-Id", execCtx.CorrelationID)

	resp, err := r.client.Do(req)
	if err != nil {
		// Network errors and context-deadline timeouts are retriable transport faults.
		return contracts.ActionResult{Status: contracts.ActionRetriableFailure, Error: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests {
			return contracts.ActionResult{Status: contracts.ActionRetriableFailure, Error: fmt.Sprintf("connector returned status %d", resp.StatusCode)}
		}
		return contracts.ActionResult{Status: contracts.ActionFailed, Error: fmt.Sprintf("connector returned status %d", resp.StatusCode)}
	}

	var out remoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return contracts.ActionResult{Status: contracts.ActionFailed, Error: fmt.Sprintf("unparseable connector response: %v", err)}
	}

	switch out.Status {
	case contracts.ActionSucceeded, contracts.ActionFailed, contracts.ActionRetriableFailure, contracts.ActionSkipped:
		return contracts.ActionResult{Status: out.Status, Outputs: out.Outputs, Error: out.Error}
	default:
		return contracts.ActionResult{Status: contracts.ActionFailed, Error: fmt.Sprintf("connector returned unknown status %q", out.Status)}
	}
}

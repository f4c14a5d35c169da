// Package executor resolves an actionType to a local in-process
// implementation or a remote connector call, and exposes both through the
// same contracts.ActionExecutor shape so the conductor never has to care
// where a node's action actually runs.
package executor

import (
	"context"
	"strings"

	"github.com/NemorionTechnologies/DataConnectors-sub001/contracts"
)

// LocalAction is a process-local action implementation, registered under
// its full actionType ("connectorId.verb").
type LocalAction interface {
	Execute(ctx context.Context, parameters map[string]interface{}, execCtx contracts.ExecutionContext) contracts.ActionResult
}

// Dispatcher implements contracts.ActionExecutor. Resolution order: a
// registered local action wins outright; otherwise the connectorId is taken
// from actionType (the substring before the first '.') and the call goes to
// the remote executor. The catalog is not consulted here.
type Dispatcher struct {
	local    map[string]LocalAction
	catalog  contracts.CatalogRegistry
	remote   *RemoteExecutor
}

// NewDispatcher builds a dispatcher over the given catalog registry and
// remote executor. Local actions are added with RegisterLocal.
func NewDispatcher(catalog contracts.CatalogRegistry, remote *RemoteExecutor) *Dispatcher {
	return &Dispatcher{
		local:   make(map[string]LocalAction),
		catalog: catalog,
		remote:  remote,
	}
}

// RegisterLocal installs a process-local implementation for actionType.
func (d *Dispatcher) RegisterLocal(actionType string, action LocalAction) {
	d.local[actionType] = action
}

// Execute implements contracts.ActionExecutor.
func (d *Dispatcher) Execute(ctx context.Context, actionType string, parameters map[string]interface{}, execCtx contracts.ExecutionContext) contracts.ActionResult {
	if local, ok := d.local[actionType]; ok {
		return local.Execute(ctx, parameters, execCtx)
	}

	connectorID := actionType
	if i := strings.IndexByte(actionType, '.'); i >= 0 {
		connectorID = actionType[:i]
	}

	return d.remote.Execute(ctx, connectorID, actionType, parameters, execCtx)
}

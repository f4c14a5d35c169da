package executor

import (
	"context"

	"github.com/NemorionTechnologies/DataConnectors-sub001/contracts"
)

// EchoAction copies its "message" parameter into outputs.echo and every
// other parameter into outputs under its own key; the simplest possible
// action, used to seed the engine's own end-to-end tests
// without standing up an external connector.
type EchoAction struct{}

// Execute implements LocalAction.
func (EchoAction) Execute(ctx context.Context, parameters map[string]interface{}, execCtx contracts.ExecutionContext) contracts.ActionResult {
	message, _ := parameters["message"].(string)
	outputs := map[string]interface{}{"echo": message}
	for k, v := range parameters {
		if k == "message" {
			continue
		}
		outputs[k] = v
	}
	return contracts.ActionResult{Status: contracts.ActionSucceeded, Outputs: outputs}
}

// FailAction always returns a configurable status, read from its "status"
// parameter (defaulting to Failed), for seeding fatal-failure test fixtures.
type FailAction struct{}

// Execute implements LocalAction.
func (FailAction) Execute(ctx context.Context, parameters map[string]interface{}, execCtx contracts.ExecutionContext) contracts.ActionResult {
	status := contracts.ActionFailed
	if s, ok := parameters["status"].(string); ok {
		switch contracts.ActionExecutionStatus(s) {
		case contracts.ActionFailed, contracts.ActionRetriableFailure, contracts.ActionSkipped:
			status = contracts.ActionExecutionStatus(s)
		}
	}
	errMsg, _ := parameters["error"].(string)
	if errMsg == "" {
		errMsg = "core.fail: unconditional failure"
	}
	return contracts.ActionResult{Status: status, Error: errMsg}
}

// RegisterBuiltins installs the engine's reserved "core" local actions onto
// d. Called once during wiring, alongside any connector-specific local
// actions a deployment chooses to register in-process.
func RegisterBuiltins(d *Dispatcher) {
	d.RegisterLocal("core.echo", EchoAction{})
	d.RegisterLocal("core.fail", FailAction{})
}

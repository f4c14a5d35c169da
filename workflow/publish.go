package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/NemorionTechnologies/DataConnectors-sub001/contracts"
)

// ValidationResult is the outcome of publish/execute-time validation.
// Warnings never block publish; Errors do.
type ValidationResult struct {
	IsValid  bool
	Errors   []string
	Warnings []string
}

// PublishValidator composes graph validation with catalog cross-referencing,
// parameter-schema validation, and edge-condition syntax checking.
type PublishValidator struct {
	catalog   contracts.CatalogRegistry
	schema    contracts.SchemaValidator
	condition contracts.ConditionEvaluator
}

// NewPublishValidator builds a validator over the given components.
func NewPublishValidator(catalog contracts.CatalogRegistry, schema contracts.SchemaValidator, condition contracts.ConditionEvaluator) *PublishValidator {
	return &PublishValidator{catalog: catalog, schema: schema, condition: condition}
}

// Validate runs the full publish/execute validation pass over doc.
func (v *PublishValidator) Validate(ctx context.Context, doc *contracts.WorkflowDocument) ValidationResult {
	result := ValidationResult{IsValid: true}

	if err := ValidateGraph(doc); err != nil {
		if gve, ok := err.(*GraphValidationError); ok {
			result.Errors = append(result.Errors, gve.Errors...)
		} else {
			result.Errors = append(result.Errors, err.Error())
		}
		result.IsValid = false
		// Graph defects (unknown targets, cycles, unreachable nodes) make the
		// rest of the checks unreliable; stop here.
		return result
	}

	byID := doc.NodeByID()
	reachableByNormalEdge := map[string]bool{}
	for _, n := range doc.Nodes {
		for _, e := range n.Edges {
			reachableByNormalEdge[e.TargetNode] = true
		}
	}

	for _, n := range doc.Nodes {
		entry, ok := v.catalog.GetByActionType(n.ActionType)
		if !ok {
			result.Errors = append(result.Errors, fmt.Sprintf("node %q: actionType %q is not registered in the catalog", n.ID, n.ActionType))
			result.IsValid = false
			continue
		}
		if !entry.IsEnabled {
			result.Warnings = append(result.Warnings, fmt.Sprintf("node %q: actionType %q is registered but disabled", n.ID, n.ActionType))
		}

		if len(entry.ParameterSchema) > 0 {
			if errs := validateNodeParameters(v.schema, entry.ParameterSchema, n.Parameters); len(errs) > 0 {
				for _, e := range errs {
					result.Errors = append(result.Errors, fmt.Sprintf("node %q: %s", n.ID, e))
				}
				result.IsValid = false
			}
		}

		if n.OnFailure != "" && reachableByNormalEdge[n.OnFailure] {
			result.Warnings = append(result.Warnings, fmt.Sprintf("node %q: onFailure target %q is also reachable by a normal edge", n.ID, n.OnFailure))
		}

		for _, e := range n.Edges {
			if strings.TrimSpace(e.Condition) == "" {
				continue
			}
			// No real trigger/context/vars values exist at publish time, so
			// only syntax/type-checking the expression is safe: evaluating
			// it against an empty scope would fail on any key lookup the
			// real execution-time scope would have satisfied.
			if err := v.condition.CheckSyntax(e.Condition); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("node %q: edge condition %q is invalid: %v", n.ID, e.Condition, err))
				result.IsValid = false
			}
		}
	}

	_ = byID
	return result
}

// validateNodeParameters validates a node's declared parameters against its
// action's parameter schema. Parameters with no templated string leaves
// ("{{ ... }}") get full schema validation. If any leaf is templated, only
// the schema's top-level "required" list is checked: no type or constraint
// check runs on any parameter, templated or literal.
func validateNodeParameters(validator contracts.SchemaValidator, paramSchema json.RawMessage, parameters json.RawMessage) []string {
	var decoded map[string]interface{}
	if len(parameters) == 0 {
		decoded = map[string]interface{}{}
	} else if err := json.Unmarshal(parameters, &decoded); err != nil {
		return []string{fmt.Sprintf("parameters are not a JSON object: %v", err)}
	}

	if !containsTemplateLeaf(decoded) {
		return validator.ValidateParameters(paramSchema, decoded)
	}

	return requiredPropertiesPresent(paramSchema, decoded)
}

func containsTemplateLeaf(v interface{}) bool {
	switch t := v.(type) {
	case string:
		return strings.Contains(t, "{{")
	case map[string]interface{}:
		for _, vv := range t {
			if containsTemplateLeaf(vv) {
				return true
			}
		}
	case []interface{}:
		for _, vv := range t {
			if containsTemplateLeaf(vv) {
				return true
			}
		}
	}
	return false
}

func requiredPropertiesPresent(paramSchema json.RawMessage, parameters map[string]interface{}) []string {
	var schemaDoc struct {
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(paramSchema, &schemaDoc); err != nil {
		return nil
	}
	var missing []string
	for _, req := range schemaDoc.Required {
		if _, ok := parameters[req]; !ok {
			missing = append(missing, fmt.Sprintf("missing required parameter %q", req))
		}
	}
	return missing
}


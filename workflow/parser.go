// Package workflow parses workflow definition documents, validates their
// graph shape, and validates them against the action catalog and schema
// validator at publish/execute time.
package workflow

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/NemorionTechnologies/DataConnectors-sub001/contracts"
)

// ParseError wraps a malformed-JSON failure from Parse.
type ParseError struct {
	Cause error
}

func (e *ParseError) Error() string { return fmt.Sprintf("malformed workflow definition: %v", e.Cause) }
func (e *ParseError) Unwrap() error { return e.Cause }

// Parse deserializes definitionJSON into a WorkflowDocument. Parameter
// subtrees are preserved as raw JSON rather than coerced into Go values, so
// templated leaves survive round-tripping untouched.
func Parse(definitionJSON []byte) (*contracts.WorkflowDocument, error) {
	var doc contracts.WorkflowDocument
	if err := json.Unmarshal(definitionJSON, &doc); err != nil {
		return nil, &ParseError{Cause: err}
	}
	return &doc, nil
}

// Checksum returns the content hash used to key WorkflowDefinition rows.
// Re-publishing byte-identical content (after re-marshaling through the same
// struct shape) produces the same checksum, which is what makes publish
// idempotent per workflowId.
func Checksum(definitionJSON []byte) (string, error) {
	var doc contracts.WorkflowDocument
	if err := json.Unmarshal(definitionJSON, &doc); err != nil {
		return "", &ParseError{Cause: err}
	}
	normalized, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(normalized)
	return hex.EncodeToString(sum[:]), nil
}

// Package schema validates JSON values against JSON Schema (draft 2020-12)
// documents using github.com/santhosh-tekuri/jsonschema/v6. The compiler is
// configured with the library's in-memory default resource loader only, so
// remote $ref targets are never fetched over the network.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Validator implements contracts.SchemaValidator.
type Validator struct {
	mu     sync.Mutex
	cache  map[string]*jsonschema.Schema
}

// New builds a schema validator. Compiled schemas are cached by their raw
// document bytes so repeated validations of the same catalog entry's
// parameterSchema/outputSchema don't recompile it every call.
func New() *Validator {
	return &Validator{cache: make(map[string]*jsonschema.Schema)}
}

func (v *Validator) compile(schemaDoc json.RawMessage) (*jsonschema.Schema, error) {
	key := string(schemaDoc)

	v.mu.Lock()
	if sch, ok := v.cache[key]; ok {
		v.mu.Unlock()
		return sch, nil
	}
	v.mu.Unlock()

	compiler := jsonschema.NewCompiler()
	compiler.DefaultDraft(jsonschema.Draft2020)
	compiler.AssertFormat()

	var doc interface{}
	if err := json.Unmarshal(schemaDoc, &doc); err != nil {
		return nil, fmt.Errorf("invalid schema document: %w", err)
	}

	const resourceURL = "mem://schema.json"
	if err := compiler.AddResource(resourceURL, doc); err != nil {
		return nil, fmt.Errorf("adding schema resource: %w", err)
	}

	sch, err := compiler.Compile(resourceURL)
	if err != nil {
		return nil, fmt.Errorf("compiling schema: %w", err)
	}

	v.mu.Lock()
	v.cache[key] = sch
	v.mu.Unlock()

	return sch, nil
}

// ValidateJSON validates a raw JSON value against a schema document,
// returning a list of human-readable error paths. An empty slice means the
// value is valid.
func (v *Validator) ValidateJSON(schemaDoc json.RawMessage, value json.RawMessage) []string {
	sch, err := v.compile(schemaDoc)
	if err != nil {
		return []string{err.Error()}
	}

	var inst interface{}
	dec := json.NewDecoder(bytes.NewReader(value))
	dec.UseNumber()
	if err := dec.Decode(&inst); err != nil {
		return []string{fmt.Sprintf("invalid JSON: %v", err)}
	}

	if err := sch.Validate(inst); err != nil {
		return validationErrorPaths(err)
	}
	return nil
}

// ValidateParameters validates an already-decoded map against a schema
// document, used after template rendering has produced concrete values.
func (v *Validator) ValidateParameters(schemaDoc json.RawMessage, value map[string]interface{}) []string {
	sch, err := v.compile(schemaDoc)
	if err != nil {
		return []string{err.Error()}
	}

	// jsonschema/v6 validates Go native values directly; round-trip
	// through json.Number so integer-typed schema constraints see integers.
	raw, err := json.Marshal(value)
	if err != nil {
		return []string{fmt.Sprintf("marshaling parameters: %v", err)}
	}
	var inst interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&inst); err != nil {
		return []string{fmt.Sprintf("re-decoding parameters: %v", err)}
	}

	if err := sch.Validate(inst); err != nil {
		return validationErrorPaths(err)
	}
	return nil
}

func validationErrorPaths(err error) []string {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []string{err.Error()}
	}
	var paths []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			paths = append(paths, fmt.Sprintf("%s: %s", e.InstanceLocation, e.Error()))
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	return paths
}

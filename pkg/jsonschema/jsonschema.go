// Package jsonschema wraps gojsonschema behind a compiled-schema registry.
// Schemas are compiled once at startup and looked up by ref afterwards; the
// draft is pinned by the schema documents themselves (draft-07 throughout).
package jsonschema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// Violation describes a single schema validation failure.
type Violation struct {
	Path   string
	Reason string
}

// ValidationError aggregates the violations of one document.
type ValidationError struct {
	Ref        string
	Violations []Violation
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "schema %q: ", e.Ref)
	for i, v := range e.Violations {
		if i > 0 {
			buf.WriteString("; ")
		}
		fmt.Fprintf(&buf, "%s: %s", v.Path, v.Reason)
	}
	return buf.String()
}

// First returns the first violation, or a zero Violation when empty.
func (e *ValidationError) First() Violation {
	if len(e.Violations) == 0 {
		return Violation{}
	}
	return e.Violations[0]
}

// Registry holds compiled schemas keyed by ref. Compile before first use;
// after Freeze the registry is read-only and safe for concurrent Validate.
type Registry struct {
	mu      sync.RWMutex
	frozen  bool
	schemas map[string]*gojsonschema.Schema
}

// NewRegistry creates an empty schema registry.
func NewRegistry() *Registry {
	return &Registry{schemas: make(map[string]*gojsonschema.Schema)}
}

// Compile validates and compiles a schema document under the given ref.
func (r *Registry) Compile(ref, document string) error {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(document))
	if err != nil {
		return fmt.Errorf("%w %q: %v", ErrInvalidSchema, ref, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return ErrFrozen
	}
	if _, exists := r.schemas[ref]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateRef, ref)
	}
	r.schemas[ref] = schema
	return nil
}

// Freeze marks the registry read-only.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Has reports whether a schema is registered under ref.
func (r *Registry) Has(ref string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.schemas[ref]
	return ok
}

// Validate checks document bytes against the schema registered under ref.
// Returns nil on success, *ValidationError on violation, ErrUnknownSchema
// when no schema is registered under ref. The document is never mutated.
func (r *Registry) Validate(ref string, document []byte) error {
	r.mu.RLock()
	schema, ok := r.schemas[ref]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSchema, ref)
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(document))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrValidationSystem, err)
	}
	if result.Valid() {
		return nil
	}
	verr := &ValidationError{Ref: ref}
	for _, desc := range result.Errors() {
		verr.Violations = append(verr.Violations, Violation{
			Path:   desc.Field(),
			Reason: desc.Description(),
		})
	}
	return verr
}

// Canonicalize re-encodes a JSON document compactly. Deterministic for a
// given input; used before validation when canonicalization is configured.
func Canonicalize(document []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, document); err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	return buf.Bytes(), nil
}

package eventstore

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"goa.design/transcriptd/structerr"
)

// KindRegistry optionally validates a StreamEvent's payload against a JSON
// Schema registered for its Kind, without closing the open-world kind
// union: a kind with no registered schema is accepted unvalidated. Callers
// wire a KindRegistry in front of Store.Append; the store itself never
// validates payloads.
type KindRegistry struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

// NewKindRegistry returns an empty registry. A nil *KindRegistry is not
// usable; always construct through this function.
func NewKindRegistry() *KindRegistry {
	return &KindRegistry{schemas: make(map[string]*jsonschema.Schema)}
}

// Register compiles schemaJSON and associates it with kind. A later call
// for the same kind replaces the prior schema.
func (r *KindRegistry) Register(kind string, schemaJSON []byte) error {
	var doc any
	if err := json.Unmarshal(schemaJSON, &doc); err != nil {
		return fmt.Errorf("unmarshal schema for kind %q: %w", kind, err)
	}
	resource := "kind:" + kind
	c := jsonschema.NewCompiler()
	if err := c.AddResource(resource, doc); err != nil {
		return fmt.Errorf("add schema resource for kind %q: %w", kind, err)
	}
	schema, err := c.Compile(resource)
	if err != nil {
		return fmt.Errorf("compile schema for kind %q: %w", kind, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[kind] = schema
	return nil
}

// Validate checks e.Payload against the schema registered for e.Kind, if
// any. A kind with no registered schema always passes. A payload that fails
// validation returns a structerr.KindProtocol error, matching spec.md §7's
// treatment of malformed event payloads.
func (r *KindRegistry) Validate(e StreamEvent) error {
	r.mu.RLock()
	schema, ok := r.schemas[e.Kind]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	var payload any
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return structerr.Wrap(structerr.KindProtocol, err, "unmarshal payload for kind %q", e.Kind)
	}
	if err := schema.Validate(payload); err != nil {
		return structerr.Wrap(structerr.KindProtocol, err, "payload for kind %q failed schema validation", e.Kind)
	}
	return nil
}

// ValidateBatch validates every event in events, returning the first
// failure encountered.
func (r *KindRegistry) ValidateBatch(events []StreamEvent) error {
	for _, e := range events {
		if err := r.Validate(e); err != nil {
			return err
		}
	}
	return nil
}

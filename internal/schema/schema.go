// Package schema validates record payloads against per-kind JSON Schemas.
package schema

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/agentworkforce/relaysync/internal/relaysync"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schemas/*.json
var builtin embed.FS

// Registry holds one compiled schema per record kind. It implements
// relaysync.Validator.
type Registry struct {
	mu      sync.RWMutex
	schemas map[relaysync.Kind]*jsonschema.Schema
}

// New compiles the built-in message, comment and notification schemas.
func New() (*Registry, error) {
	r := &Registry{schemas: map[relaysync.Kind]*jsonschema.Schema{}}
	for _, kind := range []relaysync.Kind{relaysync.KindMessage, relaysync.KindComment, relaysync.KindNotification} {
		raw, err := builtin.ReadFile("schemas/" + string(kind) + ".json")
		if err != nil {
			return nil, err
		}
		if err := r.Register(kind, raw); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register compiles raw and makes it the schema for kind, replacing any
// previous one.
func (r *Registry) Register(kind relaysync.Kind, raw []byte) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", relaysync.ErrInvalidInput, kind)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("parse %s schema: %w", kind, err)
	}
	url := "mem:///" + string(kind) + ".json"
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return fmt.Errorf("load %s schema: %w", kind, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return fmt.Errorf("compile %s schema: %w", kind, err)
	}
	r.mu.Lock()
	r.schemas[kind] = compiled
	r.mu.Unlock()
	return nil
}

// Validate checks rec's payload against the schema for its kind. Tombstones
// are not checked.
func (r *Registry) Validate(rec relaysync.Record) error {
	if rec.Deleted {
		return nil
	}
	r.mu.RLock()
	compiled, ok := r.schemas[rec.Kind]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no schema for kind %q", rec.Kind)
	}
	payload := rec.Payload
	if payload == nil {
		payload = relaysync.Payload{}
	}
	// Round-trip through JSON so numbers and nested maps have the shapes
	// the validator expects.
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	if err := compiled.Validate(instance); err != nil {
		return fmt.Errorf("%s payload: %w", rec.Kind, err)
	}
	return nil
}

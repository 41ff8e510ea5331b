package spur

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// schemaCache compiles JSON schemas once and reuses them across validations.
// Keyed by the raw schema text; workflow loads validate the same node config
// schemas repeatedly.
type schemaCache struct {
	mu       sync.RWMutex
	compiled map[string]*jsonschema.Schema
}

var sharedSchemas = &schemaCache{compiled: make(map[string]*jsonschema.Schema)}

// compile returns the compiled schema for raw, compiling and caching on first use.
func (c *schemaCache) compile(raw json.RawMessage) (*jsonschema.Schema, error) {
	key := string(raw)

	c.mu.RLock()
	s, ok := c.compiled[key]
	c.mu.RUnlock()
	if ok {
		return s, nil
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	s, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	c.mu.Lock()
	c.compiled[key] = s
	c.mu.Unlock()
	return s, nil
}

// ValidateSchema checks value against a JSON schema. A nil or empty schema
// accepts everything. The value is round-tripped through JSON so typed Go
// values (structs, json.Number) validate the same way wire payloads do.
func ValidateSchema(value any, schema json.RawMessage) error {
	if len(schema) == 0 {
		return nil
	}
	s, err := sharedSchemas.compile(schema)
	if err != nil {
		return err
	}
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal value: %w", err)
	}
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		return fmt.Errorf("unmarshal value: %w", err)
	}
	return s.Validate(doc)
}

// CheckSchema reports whether raw compiles as a JSON schema. Used by the
// registry to reject broken node type declarations at registration time.
func CheckSchema(raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	_, err := sharedSchemas.compile(raw)
	return err
}

// objectSchema builds a minimal object schema with the given property names,
// each typed as the supplied schema fragment ("{}" accepts anything).
// Used by node types whose input schema derives from config.
func objectSchema(required []string, properties map[string]string) json.RawMessage {
	props := make(map[string]json.RawMessage, len(properties))
	for k, v := range properties {
		props[k] = json.RawMessage(v)
	}
	doc := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		doc["required"] = required
	}
	b, _ := json.Marshal(doc)
	return b
}

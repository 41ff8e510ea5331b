package spur

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Category groups node types for discovery and concurrency policy.
type Category string

const (
	CategoryInput       Category = "input"
	CategoryOutput      Category = "output"
	CategoryPrimitive   Category = "primitive"
	CategoryLLM         Category = "llm"
	CategoryLogic       Category = "logic"
	CategoryLoop        Category = "loop"
	CategoryAgent       Category = "agent"
	CategoryIntegration Category = "integration"
	CategoryRAG         Category = "rag"
)

// VisualTag is editor-facing metadata for a node type.
type VisualTag struct {
	Acronym string `json:"acronym"`
	Color   string `json:"color"`
}

// SchemaFunc derives a JSON schema from a node's config. Node types with
// fixed schemas use FixedSchema.
type SchemaFunc func(config map[string]any) json.RawMessage

// FixedSchema returns a SchemaFunc that ignores config.
func FixedSchema(raw json.RawMessage) SchemaFunc {
	return func(map[string]any) json.RawMessage { return raw }
}

// NodeType declares one registered node kind: its schemas, visual metadata,
// and executor constructor.
type NodeType struct {
	Name           string
	Category       Category
	ConfigSchema   json.RawMessage
	InputSchema    SchemaFunc
	OutputSchema   SchemaFunc
	HasFixedOutput bool
	Visual         VisualTag
	New            func() NodeExecutor
}

// NodeTypeInfo is the discovery record exposed by the registry manifest.
type NodeTypeInfo struct {
	Name           string          `json:"name"`
	InputSchema    json.RawMessage `json:"input_schema,omitempty"`
	OutputSchema   json.RawMessage `json:"output_schema,omitempty"`
	ConfigSchema   json.RawMessage `json:"config_schema,omitempty"`
	VisualTag      VisualTag       `json:"visual_tag"`
	HasFixedOutput bool            `json:"has_fixed_output,omitempty"`
}

// Registry maps node type names to their declarations. Safe for concurrent
// use after construction; Register calls during execution are allowed but
// uncommon.
type Registry struct {
	mu    sync.RWMutex
	types map[string]NodeType
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{types: make(map[string]NodeType)}
}

// Register adds a node type. Returns an error for duplicate names, missing
// constructors, or config schemas that do not compile.
func (r *Registry) Register(nt NodeType) error {
	if nt.Name == "" {
		return fmt.Errorf("registry: node type with empty name")
	}
	if nt.New == nil {
		return fmt.Errorf("registry: node type %q has no constructor", nt.Name)
	}
	if err := CheckSchema(nt.ConfigSchema); err != nil {
		return fmt.Errorf("registry: node type %q config schema: %w", nt.Name, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.types[nt.Name]; dup {
		return fmt.Errorf("registry: duplicate node type %q", nt.Name)
	}
	r.types[nt.Name] = nt
	return nil
}

// Resolve looks up a node type by name.
func (r *Registry) Resolve(name string) (NodeType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	nt, ok := r.types[name]
	return nt, ok
}

// Manifest returns the discovery map: category to node type descriptors,
// sorted by name within each category. Schemas are rendered with a nil
// config, so config-derived schemas show their base shape.
func (r *Registry) Manifest() map[Category][]NodeTypeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[Category][]NodeTypeInfo)
	for _, nt := range r.types {
		info := NodeTypeInfo{
			Name:           nt.Name,
			ConfigSchema:   nt.ConfigSchema,
			VisualTag:      nt.Visual,
			HasFixedOutput: nt.HasFixedOutput,
		}
		if nt.InputSchema != nil {
			info.InputSchema = nt.InputSchema(nil)
		}
		if nt.OutputSchema != nil {
			info.OutputSchema = nt.OutputSchema(nil)
		}
		out[nt.Category] = append(out[nt.Category], info)
	}
	for cat := range out {
		sort.Slice(out[cat], func(i, j int) bool { return out[cat][i].Name < out[cat][j].Name })
	}
	return out
}

// BuiltinRegistry returns a registry pre-loaded with every builtin node type.
func BuiltinRegistry() *Registry {
	r := NewRegistry()
	for _, nt := range builtinNodeTypes() {
		if err := r.Register(nt); err != nil {
			// builtinNodeTypes is static; a failure here is a programming error.
			panic(err)
		}
	}
	return r
}

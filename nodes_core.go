package spur

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"strconv"
	"strings"
)

// Reserved field names injected into chat runs' input node.
const (
	FieldUserMessage      = "user_message"
	FieldSessionID        = "session_id"
	FieldMessageHistory   = "message_history"
	FieldAssistantMessage = "assistant_message"
)

// builtinNodeTypes returns the declaration for every node type shipped with
// the engine. BuiltinRegistry registers them all.
func builtinNodeTypes() []NodeType {
	anySchema := json.RawMessage(`{"type":"object"}`)
	return []NodeType{
		{
			Name:           "input",
			Category:       CategoryInput,
			ConfigSchema:   json.RawMessage(`{"type":"object","properties":{"output_schema":{"type":"object"}}}`),
			InputSchema:    FixedSchema(anySchema),
			OutputSchema:   inputNodeOutputSchema,
			Visual:         VisualTag{Acronym: "IN", Color: "#2563eb"},
			HasFixedOutput: false,
			New:            func() NodeExecutor { return inputNode{} },
		},
		{
			Name:           "output",
			Category:       CategoryOutput,
			ConfigSchema:   json.RawMessage(`{"type":"object","properties":{"input_schema":{"type":"object"}}}`),
			InputSchema:    FixedSchema(anySchema),
			OutputSchema:   FixedSchema(anySchema),
			Visual:         VisualTag{Acronym: "OUT", Color: "#16a34a"},
			HasFixedOutput: false,
			New:            func() NodeExecutor { return outputNode{} },
		},
		{
			Name:           "static_value",
			Category:       CategoryPrimitive,
			ConfigSchema:   json.RawMessage(`{"type":"object","properties":{"values":{"type":"object"}},"required":["values"]}`),
			InputSchema:    FixedSchema(anySchema),
			OutputSchema:   staticValueOutputSchema,
			Visual:         VisualTag{Acronym: "VAL", Color: "#64748b"},
			HasFixedOutput: false,
			New:            func() NodeExecutor { return staticValueNode{} },
		},
		{
			Name:           "transform",
			Category:       CategoryPrimitive,
			ConfigSchema:   json.RawMessage(`{"type":"object","properties":{"fields":{"type":"object","additionalProperties":{"type":"string"}}},"required":["fields"]}`),
			InputSchema:    FixedSchema(anySchema),
			OutputSchema:   transformOutputSchema,
			Visual:         VisualTag{Acronym: "FX", Color: "#9333ea"},
			HasFixedOutput: false,
			New:            func() NodeExecutor { return transformNode{} },
		},
		routerNodeType(),
		forLoopNodeType(),
		humanInterventionNodeType(),
		llmCallNodeType(),
		agentNodeType(),
		httpRequestNodeType(),
		retrievalNodeType(),
	}
}

// --- input ---

// inputNode emits the run's initial inputs (or the chat adapter's injected
// user_message / session_id / message_history). The runner passes those
// values in as the node's inputs; the executor validates against the
// config-declared output schema and passes them through.
type inputNode struct{}

func (inputNode) Execute(_ context.Context, _ *ExecContext, config map[string]any, inputs map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(inputs))
	maps.Copy(out, inputs)
	if schema := configSchemaField(config, "output_schema"); schema != nil {
		if err := ValidateSchema(out, schema); err != nil {
			return nil, fmt.Errorf("initial inputs: %w", err)
		}
	}
	return out, nil
}

// inputNodeOutputSchema derives the output schema from the config-declared
// output_schema, falling back to an open object.
func inputNodeOutputSchema(config map[string]any) json.RawMessage {
	if schema := configSchemaField(config, "output_schema"); schema != nil {
		return schema
	}
	return json.RawMessage(`{"type":"object"}`)
}

// configSchemaField extracts an embedded schema object from config.
func configSchemaField(config map[string]any, key string) json.RawMessage {
	if config == nil {
		return nil
	}
	v, ok := config[key]
	if !ok {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

// --- output ---

// outputNode passes its inputs through; the runner records them as the run's
// outputs. For chatbot spurs the validator requires an assistant_message
// field, checked again here at run time.
type outputNode struct{}

func (outputNode) Execute(_ context.Context, _ *ExecContext, config map[string]any, inputs map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(inputs))
	maps.Copy(out, inputs)
	if schema := configSchemaField(config, "input_schema"); schema != nil {
		if err := ValidateSchema(out, schema); err != nil {
			return nil, fmt.Errorf("output inputs: %w", err)
		}
	}
	return out, nil
}

// --- static value ---

// staticValueNode emits the constant map declared in config.values.
type staticValueNode struct{}

func (staticValueNode) Execute(_ context.Context, _ *ExecContext, config map[string]any, _ map[string]any) (map[string]any, error) {
	values, ok := config["values"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("static_value: config.values must be an object")
	}
	out := make(map[string]any, len(values))
	maps.Copy(out, values)
	return out, nil
}

func staticValueOutputSchema(config map[string]any) json.RawMessage {
	values, ok := config["values"].(map[string]any)
	if !ok {
		return json.RawMessage(`{"type":"object"}`)
	}
	names := make([]string, 0, len(values))
	props := make(map[string]string, len(values))
	for k := range values {
		names = append(names, k)
		props[k] = "{}"
	}
	return objectSchema(names, props)
}

// --- transform ---

// transformNode is the declarative substitute for dynamic code execution.
// Each config.fields entry maps an output key to a field spec evaluated
// against the node's inputs:
//
//   - a lone "{{ path }}" placeholder copies the referenced value unchanged,
//     preserving its type;
//   - a spec containing a space-bounded arithmetic operator (+, -, *, /)
//     resolves both sides and computes a number;
//   - anything else renders as a string template.
//
// Arbitrary expressions are not supported; this is the whole language.
type transformNode struct{}

func (transformNode) Execute(_ context.Context, _ *ExecContext, config map[string]any, inputs map[string]any) (map[string]any, error) {
	fields, ok := config["fields"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("transform: config.fields must be an object")
	}
	out := make(map[string]any, len(fields))
	for key, raw := range fields {
		spec, ok := raw.(string)
		if !ok {
			// Non-string specs are constants.
			out[key] = raw
			continue
		}
		v, err := evalFieldSpec(spec, inputs)
		if err != nil {
			return nil, fmt.Errorf("transform: field %q: %w", key, err)
		}
		out[key] = v
	}
	return out, nil
}

func transformOutputSchema(config map[string]any) json.RawMessage {
	fields, ok := config["fields"].(map[string]any)
	if !ok {
		return json.RawMessage(`{"type":"object"}`)
	}
	names := make([]string, 0, len(fields))
	props := make(map[string]string, len(fields))
	for k := range fields {
		names = append(names, k)
		props[k] = "{}"
	}
	return objectSchema(names, props)
}

// arithmeticOperators in parsing order. The operator is located in the raw
// spec before placeholder resolution, so resolved values cannot inject one.
var arithmeticOperators = []string{"+", "-", "*", "/"}

// evalFieldSpec evaluates one transform field spec against the inputs.
func evalFieldSpec(spec string, vars map[string]any) (any, error) {
	trimmed := strings.TrimSpace(spec)

	// Lone placeholder: copy the referenced value with its type.
	if strings.HasPrefix(trimmed, "{{") && strings.HasSuffix(trimmed, "}}") &&
		strings.Count(trimmed, "{{") == 1 {
		path := strings.TrimSpace(trimmed[2 : len(trimmed)-2])
		v, ok := LookupPath(vars, path)
		if !ok {
			return nil, fmt.Errorf("unknown reference %q", path)
		}
		return v, nil
	}

	for _, op := range arithmeticOperators {
		padded := " " + op + " "
		before, after, found := strings.Cut(spec, padded)
		if !found {
			continue
		}
		left, err := resolveNumber(before, vars)
		if err != nil {
			return nil, err
		}
		right, err := resolveNumber(after, vars)
		if err != nil {
			return nil, err
		}
		switch op {
		case "+":
			return left + right, nil
		case "-":
			return left - right, nil
		case "*":
			return left * right, nil
		case "/":
			if right == 0 {
				return nil, fmt.Errorf("division by zero")
			}
			return left / right, nil
		}
	}

	return ResolveTemplate(spec, vars), nil
}

// resolveNumber renders one side of an arithmetic spec and parses it.
func resolveNumber(s string, vars map[string]any) (float64, error) {
	resolved := strings.TrimSpace(ResolveTemplate(s, vars))
	f, err := strconv.ParseFloat(resolved, 64)
	if err != nil {
		return 0, fmt.Errorf("%q is not a number", resolved)
	}
	return f, nil
}

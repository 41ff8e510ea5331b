package spur

import (
	"context"
	"encoding/json"
	"maps"
)

func humanInterventionNodeType() NodeType {
	return NodeType{
		Name:     "human_intervention",
		Category: CategoryLogic,
		ConfigSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"message": {"type": "string"},
				"required_fields": {"type": "array", "items": {"type": "string"}}
			}
		}`),
		InputSchema:    FixedSchema(json.RawMessage(`{"type":"object"}`)),
		OutputSchema:   FixedSchema(json.RawMessage(`{"type":"object"}`)),
		Visual:         VisualTag{Acronym: "HITL", Color: "#eab308"},
		HasFixedOutput: false,
		New:            func() NodeExecutor { return humanInterventionNode{} },
	}
}

// humanInterventionNode always suspends on first execution: the runner
// records a PauseEvent carrying the node's current inputs and parks the run.
// On resume the runner re-executes the node with ResumeData populated
// according to the resume action (APPROVE echoes the pause's input data,
// OVERRIDE carries the caller's inputs), and the node emits it as outputs.
type humanInterventionNode struct{}

func (humanInterventionNode) Execute(_ context.Context, ec *ExecContext, config map[string]any, _ map[string]any) (map[string]any, error) {
	if ec.ResumeData != nil {
		out := make(map[string]any, len(ec.ResumeData))
		maps.Copy(out, ec.ResumeData)
		return out, nil
	}

	message, _ := config["message"].(string)
	var fields []string
	if raw, ok := config["required_fields"].([]any); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok {
				fields = append(fields, s)
			}
		}
	}
	return nil, Pause(message, fields...)
}

package spur

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// defaultLoopConcurrency keeps iteration fan-out serial unless a loop opts
// in, so iteration side effects stay reproducible.
const defaultLoopConcurrency = 1

func forLoopNodeType() NodeType {
	return NodeType{
		Name:     "for_loop",
		Category: CategoryLoop,
		ConfigSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"concurrency": {"type": "integer", "minimum": 1}
			}
		}`),
		InputSchema:    FixedSchema(json.RawMessage(`{"type":"object","properties":{"iterable":{"type":"array"}},"required":["iterable"]}`)),
		OutputSchema:   FixedSchema(json.RawMessage(`{"type":"object","properties":{"result":{"type":"array"}},"required":["result"]}`)),
		Visual:         VisualTag{Acronym: "FOR", Color: "#0891b2"},
		HasFixedOutput: true,
		New:            func() NodeExecutor { return forLoopNode{} },
	}
}

// forLoopNode runs its subworkflow once per element of the iterable input.
// Each iteration's input node receives the element plus the loop index, and
// each iteration records its tasks under a fresh parent task scope (the
// runner's Subrun does that). Output-node outputs are aggregated into an
// ordered list regardless of fan-out interleaving.
type forLoopNode struct{}

func (forLoopNode) Execute(ctx context.Context, ec *ExecContext, config map[string]any, inputs map[string]any) (map[string]any, error) {
	if ec.Subworkflow == nil {
		return nil, fmt.Errorf("for_loop: node has no subworkflow")
	}
	if ec.Subrun == nil {
		return nil, fmt.Errorf("for_loop: no subrun hook in context")
	}

	raw, ok := inputs["iterable"]
	if !ok {
		return nil, fmt.Errorf("for_loop: missing iterable input")
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("for_loop: iterable must be an array")
	}

	concurrency := defaultLoopConcurrency
	if c, ok := config["concurrency"].(float64); ok && c >= 1 {
		concurrency = int(c)
	}

	results := make([]any, len(items))
	if len(items) == 0 {
		return map[string]any{"result": results}, nil
	}

	// Bounded fan-out; first failure cancels the remaining iterations.
	iterCtx, iterCancel := context.WithCancel(ctx)
	defer iterCancel()

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	var firstErr error
	var errOnce sync.Once

	for i, item := range items {
		select {
		case <-iterCtx.Done():
		case sem <- struct{}{}:
			wg.Add(1)
			go func(elem any, idx int) {
				defer wg.Done()
				defer func() { <-sem }()

				if iterCtx.Err() != nil {
					return
				}

				out, err := ec.Subrun(iterCtx, ec.Subworkflow, iterationInputs(elem, idx))
				if err != nil {
					errOnce.Do(func() { firstErr = err })
					iterCancel()
					return
				}
				results[idx] = collapseSubOutputs(out)
			}(item, i)
			continue
		}
		break
	}

	wg.Wait()
	if firstErr != nil {
		return nil, fmt.Errorf("for_loop: iteration failed: %w", firstErr)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return map[string]any{"result": results}, nil
}

// iterationInputs builds the subworkflow input for one element. Map elements
// contribute their fields directly; scalars arrive under "item". The loop
// index is always present.
func iterationInputs(elem any, idx int) map[string]any {
	in := make(map[string]any)
	if m, ok := elem.(map[string]any); ok {
		for k, v := range m {
			in[k] = v
		}
	} else {
		in["item"] = elem
	}
	in["index"] = idx
	return in
}

// collapseSubOutputs reduces a subworkflow's per-output-node map to the
// iteration's value: a single output node contributes its outputs directly,
// multiple output nodes stay keyed by title.
func collapseSubOutputs(out map[string]map[string]any) any {
	if len(out) == 1 {
		for _, v := range out {
			return v
		}
	}
	collapsed := make(map[string]any, len(out))
	for k, v := range out {
		collapsed[k] = v
	}
	return collapsed
}

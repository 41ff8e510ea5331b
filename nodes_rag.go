package spur

import (
	"context"
	"encoding/json"
	"fmt"
)

// Retriever abstracts a similarity-search backend for retrieval nodes.
// Indexing and ingestion live outside the engine; the node only queries.
type Retriever interface {
	// Retrieve returns the topK chunks most relevant to the query.
	Retrieve(ctx context.Context, query string, topK int) ([]RetrievedChunk, error)
}

// RetrievedChunk is one search hit.
type RetrievedChunk struct {
	DocumentID string  `json:"document_id"`
	Content    string  `json:"content"`
	Score      float64 `json:"score"`
}

const defaultRetrievalTopK = 5

func retrievalNodeType() NodeType {
	return NodeType{
		Name:     "retrieval",
		Category: CategoryRAG,
		ConfigSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"query_template": {"type": "string"},
				"top_k": {"type": "integer", "minimum": 1}
			},
			"required": ["query_template"]
		}`),
		InputSchema:    FixedSchema(json.RawMessage(`{"type":"object"}`)),
		OutputSchema:   FixedSchema(json.RawMessage(`{"type":"object","properties":{"chunks":{"type":"array"}},"required":["chunks"]}`)),
		Visual:         VisualTag{Acronym: "RAG", Color: "#7c3aed"},
		HasFixedOutput: true,
		New:            func() NodeExecutor { return retrievalNode{} },
	}
}

// retrievalNode queries the configured Retriever with a template-resolved
// query string.
type retrievalNode struct{}

func (retrievalNode) Execute(ctx context.Context, ec *ExecContext, config map[string]any, inputs map[string]any) (map[string]any, error) {
	if ec.Retriever == nil {
		return nil, fmt.Errorf("retrieval: no retriever configured")
	}

	tmpl, _ := config["query_template"].(string)
	topK := defaultRetrievalTopK
	if k, ok := config["top_k"].(float64); ok && k >= 1 {
		topK = int(k)
	}

	chunks, err := ec.Retriever.Retrieve(ctx, ResolveTemplate(tmpl, inputs), topK)
	if err != nil {
		return nil, fmt.Errorf("retrieval: %w", err)
	}

	out := make([]any, len(chunks))
	for i, c := range chunks {
		out[i] = map[string]any{
			"document_id": c.DocumentID,
			"content":     c.Content,
			"score":       c.Score,
		}
	}
	return map[string]any{"chunks": out}, nil
}

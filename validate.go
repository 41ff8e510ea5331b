package spur

import (
	"fmt"
	"unicode"
)

// maxNestingDepth caps subworkflow recursion so malformed definitions cannot
// blow the stack at validation or run time.
const maxNestingDepth = 10

// ValidateDefinition checks a definition against the registry before any run
// is created. All issues are collected; a non-nil return is always an
// *ErrValidation listing every problem found, not just the first.
//
// Checks, per scope (root definition and each subworkflow):
//   - node IDs unique, titles unique and identifier-shaped
//   - node types resolve in the registry and configs satisfy their schemas
//   - exactly one input node, at least one reachable output node
//   - link endpoints exist within the scope
//   - router link source handles name declared routes
//   - no cycles (Kahn's algorithm)
//   - loop nodes carry a subworkflow, nesting depth capped
//   - parent_id, when set, names the enclosing group node
//
// Chatbot definitions additionally require the reserved chat fields on the
// input node's output schema and an assistant_message reaching an output node.
func ValidateDefinition(def *WorkflowDefinition, reg *Registry) error {
	if def == nil {
		return &ErrValidation{Issues: []string{"definition is nil"}}
	}
	if reg == nil {
		reg = BuiltinRegistry()
	}

	var issues []string
	validateScope(def, reg, "", "", 0, &issues)
	if def.SpurType == SpurChatbot {
		validateChatShape(def, &issues)
	}

	if len(issues) > 0 {
		return &ErrValidation{Issues: issues}
	}
	return nil
}

// validateScope checks one definition scope and recurses into subworkflows.
// path prefixes issue messages so nested problems stay locatable; groupID is
// the enclosing group node's ID, empty at the root.
func validateScope(def *WorkflowDefinition, reg *Registry, path, groupID string, depth int, issues *[]string) {
	at := func(format string, args ...any) {
		msg := fmt.Sprintf(format, args...)
		if path != "" {
			msg = path + ": " + msg
		}
		*issues = append(*issues, msg)
	}

	if depth > maxNestingDepth {
		at("subworkflow nesting exceeds depth %d", maxNestingDepth)
		return
	}
	if len(def.Nodes) == 0 {
		at("definition has no nodes")
		return
	}

	byID := make(map[string]*Node, len(def.Nodes))
	titles := make(map[string]string, len(def.Nodes))
	var inputIDs, outputIDs []string

	for i := range def.Nodes {
		n := &def.Nodes[i]
		if n.ID == "" {
			at("node %d has empty id", i)
			continue
		}
		if _, dup := byID[n.ID]; dup {
			at("duplicate node id %q", n.ID)
			continue
		}
		byID[n.ID] = n

		if !validIdentifier(n.Title) {
			at("node %q: title %q is not a valid identifier", n.ID, n.Title)
		} else if prev, dup := titles[n.Title]; dup {
			at("node %q: title %q already used by node %q", n.ID, n.Title, prev)
		} else {
			titles[n.Title] = n.ID
		}

		nt, ok := reg.Resolve(n.Type)
		if !ok {
			at("node %q: unknown node type %q", n.ID, n.Type)
			continue
		}
		if nt.ConfigSchema != nil {
			cfg := n.Config
			if cfg == nil {
				cfg = map[string]any{}
			}
			if err := ValidateSchema(cfg, nt.ConfigSchema); err != nil {
				at("node %q: config: %v", n.ID, err)
			}
		}

		switch nt.Category {
		case CategoryInput:
			inputIDs = append(inputIDs, n.ID)
		case CategoryOutput:
			outputIDs = append(outputIDs, n.ID)
		case CategoryLoop:
			if n.Subworkflow == nil {
				at("node %q: loop node has no subworkflow", n.ID)
			}
		}

		// Nesting is expressed by subworkflow membership; parent_id is at
		// most an annotation of it. A parent_id pointing anywhere else would
		// silently validate as a disconnected root node, so reject it.
		if n.ParentID != "" && n.ParentID != groupID {
			if groupID == "" {
				at("node %q: parent_id %q is not supported at the root; nested nodes belong in the group node's subworkflow", n.ID, n.ParentID)
			} else {
				at("node %q: parent_id %q does not name the enclosing group node %q", n.ID, n.ParentID, groupID)
			}
		}

		if n.Subworkflow != nil {
			validateScope(n.Subworkflow, reg, joinPath(path, n.Title), n.ID, depth+1, issues)
		}
	}

	if len(inputIDs) != 1 {
		at("definition must have exactly one input node, found %d", len(inputIDs))
	}

	// Link endpoints and router handles.
	adjacency := make(map[string][]string, len(def.Nodes))
	inDegree := make(map[string]int, len(def.Nodes))
	for id := range byID {
		inDegree[id] = 0
	}
	for i, l := range def.Links {
		src, srcOK := byID[l.SourceID]
		_, tgtOK := byID[l.TargetID]
		if !srcOK {
			at("link %d: unknown source node %q", i, l.SourceID)
		}
		if !tgtOK {
			at("link %d: unknown target node %q", i, l.TargetID)
		}
		if !srcOK || !tgtOK {
			continue
		}
		if src.Type == "router" {
			if l.SourceHandle == "" {
				at("link %d: router %q link has no source handle", i, src.Title)
			} else if !RouteNames(src.Config)[l.SourceHandle] {
				at("link %d: router %q has no route %q", i, src.Title, l.SourceHandle)
			}
		}
		adjacency[l.SourceID] = append(adjacency[l.SourceID], l.TargetID)
		inDegree[l.TargetID]++
	}

	if hasCycle(byID, adjacency, inDegree) {
		at("cycle detected in links")
	}

	// At least one output node must be reachable from the input node.
	if len(inputIDs) == 1 {
		reachable := reachableFrom(inputIDs[0], adjacency)
		anyOutput := false
		for _, id := range outputIDs {
			if reachable[id] {
				anyOutput = true
				break
			}
		}
		if !anyOutput {
			at("no output node is reachable from the input node")
		}
	}
}

// hasCycle runs Kahn's algorithm over the scope graph.
func hasCycle(nodes map[string]*Node, adjacency map[string][]string, inDegree map[string]int) bool {
	deg := make(map[string]int, len(inDegree))
	for id, d := range inDegree {
		deg[id] = d
	}

	var queue []string
	for id, d := range deg {
		if d == 0 {
			queue = append(queue, id)
		}
	}

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range adjacency[id] {
			deg[next]--
			if deg[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	return visited != len(nodes)
}

// reachableFrom walks forward edges from the given node.
func reachableFrom(start string, adjacency map[string][]string) map[string]bool {
	reachable := map[string]bool{start: true}
	stack := []string{start}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, next := range adjacency[id] {
			if !reachable[next] {
				reachable[next] = true
				stack = append(stack, next)
			}
		}
	}
	return reachable
}

// validateChatShape enforces the chat adapter's contract: the input node must
// declare the reserved chat fields, and some output node must carry an
// assistant_message.
func validateChatShape(def *WorkflowDefinition, issues *[]string) {
	var input *Node
	for i := range def.Nodes {
		if def.Nodes[i].Type == "input" {
			input = &def.Nodes[i]
			break
		}
	}
	if input != nil {
		props := schemaProperties(input.Config, "output_schema")
		for _, field := range []string{FieldUserMessage, FieldSessionID, FieldMessageHistory} {
			if !props[field] {
				*issues = append(*issues, fmt.Sprintf("chatbot input node %q must declare field %q in output_schema", input.Title, field))
			}
		}
	}

	for _, l := range def.Links {
		if l.TargetHandle == FieldAssistantMessage {
			return
		}
	}
	for i := range def.Nodes {
		n := &def.Nodes[i]
		if n.Type == "output" && schemaProperties(n.Config, "input_schema")[FieldAssistantMessage] {
			return
		}
	}
	*issues = append(*issues, fmt.Sprintf("chatbot definition must deliver %q to an output node", FieldAssistantMessage))
}

// schemaProperties returns the property names of an embedded object schema.
func schemaProperties(config map[string]any, key string) map[string]bool {
	names := make(map[string]bool)
	if config == nil {
		return names
	}
	schema, ok := config[key].(map[string]any)
	if !ok {
		return names
	}
	props, ok := schema["properties"].(map[string]any)
	if !ok {
		return names
	}
	for name := range props {
		names[name] = true
	}
	return names
}

// validIdentifier reports whether s is usable as a node title: a letter or
// underscore followed by letters, digits, or underscores.
func validIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		if r == '_' || unicode.IsLetter(r) {
			continue
		}
		if i > 0 && unicode.IsDigit(r) {
			continue
		}
		return false
	}
	return true
}

func joinPath(path, title string) string {
	if path == "" {
		return title
	}
	return path + "/" + title
}

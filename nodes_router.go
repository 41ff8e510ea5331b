package spur

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
)

// routerSelectedKey is the reserved output key recording the chosen route.
// The per-route keys beside it carry the router's inputs on the selected
// handle; unselected handles are absent.
const routerSelectedKey = "selected"

func routerNodeType() NodeType {
	return NodeType{
		Name:     "router",
		Category: CategoryLogic,
		ConfigSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"route_map": {
					"type": "object",
					"additionalProperties": {
						"type": "object",
						"properties": {"conditions": {"type": "array"}},
						"required": ["conditions"]
					}
				},
				"route_order": {"type": "array", "items": {"type": "string"}}
			},
			"required": ["route_map"]
		}`),
		InputSchema:    FixedSchema(json.RawMessage(`{"type":"object"}`)),
		OutputSchema:   routerOutputSchema,
		Visual:         VisualTag{Acronym: "RT", Color: "#ea580c"},
		HasFixedOutput: false,
		New:            func() NodeExecutor { return routerNode{} },
	}
}

// routerNode evaluates its route map against the assembled inputs. Routes
// are evaluated in declared order (config.route_order; name order when
// absent, since JSON objects carry no order on the wire). The first route
// whose conditions hold receives the router's inputs on its handle; every
// other handle yields no value. When no route matches, the task completes
// with outputs = {selected: null} and no downstream is activated.
type routerNode struct{}

func (routerNode) Execute(_ context.Context, ec *ExecContext, config map[string]any, inputs map[string]any) (map[string]any, error) {
	routes, order, err := parseRouteMap(config)
	if err != nil {
		return nil, err
	}

	for _, name := range order {
		matched, err := EvalConditions(routes[name].Conditions, inputs)
		if err != nil {
			return nil, fmt.Errorf("router: route %q: %w", name, err)
		}
		if matched {
			ec.Logger.Debug("route selected", "node", ec.NodeTitle, "route", name)
			return map[string]any{routerSelectedKey: name, name: inputs}, nil
		}
	}

	ec.Logger.Debug("no route matched", "node", ec.NodeTitle)
	return map[string]any{routerSelectedKey: nil}, nil
}

// parseRouteMap decodes the route_map config into typed specs plus the
// evaluation order.
func parseRouteMap(config map[string]any) (map[string]RouteSpec, []string, error) {
	raw, ok := config["route_map"].(map[string]any)
	if !ok {
		return nil, nil, fmt.Errorf("router: config.route_map must be an object")
	}

	routes := make(map[string]RouteSpec, len(raw))
	for name, v := range raw {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, nil, fmt.Errorf("router: route %q: %w", name, err)
		}
		var spec RouteSpec
		if err := json.Unmarshal(b, &spec); err != nil {
			return nil, nil, fmt.Errorf("router: route %q: %w", name, err)
		}
		routes[name] = spec
	}

	order, err := routeOrder(config, routes)
	if err != nil {
		return nil, nil, err
	}
	return routes, order, nil
}

// routeOrder returns the declared evaluation order. config.route_order wins
// when present and must cover exactly the route_map keys; otherwise routes
// are evaluated in name order for determinism.
func routeOrder(config map[string]any, routes map[string]RouteSpec) ([]string, error) {
	rawOrder, ok := config["route_order"].([]any)
	if !ok {
		names := make([]string, 0, len(routes))
		for name := range routes {
			names = append(names, name)
		}
		sort.Strings(names)
		return names, nil
	}

	order := make([]string, 0, len(rawOrder))
	seen := make(map[string]bool, len(rawOrder))
	for _, v := range rawOrder {
		name, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("router: route_order entries must be strings")
		}
		if _, exists := routes[name]; !exists {
			return nil, fmt.Errorf("router: route_order names unknown route %q", name)
		}
		if seen[name] {
			return nil, fmt.Errorf("router: route_order repeats route %q", name)
		}
		seen[name] = true
		order = append(order, name)
	}
	if len(order) != len(routes) {
		return nil, fmt.Errorf("router: route_order covers %d of %d routes", len(order), len(routes))
	}
	return order, nil
}

func routerOutputSchema(config map[string]any) json.RawMessage {
	props := map[string]string{routerSelectedKey: `{"type":["string","null"]}`}
	if raw, ok := config["route_map"].(map[string]any); ok {
		for name := range raw {
			props[name] = `{"type":"object"}`
		}
	}
	return objectSchema([]string{routerSelectedKey}, props)
}

// RouteNames extracts the route names a router node declares, used by the
// validator to check link source handles.
func RouteNames(config map[string]any) map[string]bool {
	names := make(map[string]bool)
	if raw, ok := config["route_map"].(map[string]any); ok {
		for name := range raw {
			names[name] = true
		}
	}
	return names
}

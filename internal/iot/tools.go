package iot

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/MrWong99/vocalink/internal/mcp/mcphost"
	"github.com/MrWong99/vocalink/pkg/types"
)

// ToolGroup tags every tool generated by [Registry.Tools].
const ToolGroup = "iot"

// invokeResult is the JSON body returned to the model by IoT tools.
type invokeResult struct {
	OK    bool           `json:"ok"`
	Thing string         `json:"thing"`
	Value any            `json:"value,omitempty"`
	State map[string]any `json:"state,omitempty"`
}

// Tools returns one builtin per method, named <thing>.<method>, and one
// getter per property, named <thing>.get_<property>.
func (r *Registry) Tools() []mcphost.BuiltinTool {
	var out []mcphost.BuiltinTool
	for _, t := range r.Things() {
		for _, name := range sortedKeys(t.Methods) {
			out = append(out, r.methodTool(t, name))
		}
		for _, name := range sortedKeys(t.Properties) {
			out = append(out, r.getterTool(t, name))
		}
	}
	return out
}

// RegisterTools replaces the IoT tools on h with the current catalogue.
func (r *Registry) RegisterTools(h *mcphost.Host) error {
	h.RemoveGroup(ToolGroup)
	for _, tool := range r.Tools() {
		if err := h.RegisterBuiltin(tool); err != nil {
			return fmt.Errorf("iot: register tools: %w", err)
		}
	}
	return nil
}

func (r *Registry) methodTool(t Thing, name string) mcphost.BuiltinTool {
	m := t.Methods[name]
	thing := t.Name
	desc := m.Description
	if desc == "" {
		desc = strings.ReplaceAll(name, "_", " ")
	}
	if t.Description != "" {
		desc = t.Description + ": " + desc
	}
	return mcphost.BuiltinTool{
		Definition: types.ToolDefinition{
			Name:          thing + "." + name,
			Description:   desc,
			Parameters:    paramSchema(m.Parameters),
			MaxDurationMs: 5000,
			Idempotent:    true,
		},
		Group: ToolGroup,
		Handler: func(ctx context.Context, args string) (string, error) {
			var params map[string]any
			if args != "" {
				dec := json.NewDecoder(strings.NewReader(args))
				dec.UseNumber()
				if err := dec.Decode(&params); err != nil {
					return "", fmt.Errorf("iot: decode arguments: %w", err)
				}
			}
			state, err := r.Invoke(ctx, thing, name, params)
			if err != nil {
				return "", err
			}
			return marshal(invokeResult{OK: true, Thing: thing, State: state})
		},
	}
}

func (r *Registry) getterTool(t Thing, prop string) mcphost.BuiltinTool {
	thing := t.Name
	desc := t.Properties[prop].Description
	if desc == "" {
		desc = prop
	}
	return mcphost.BuiltinTool{
		Definition: types.ToolDefinition{
			Name:        thing + ".get_" + prop,
			Description: "Read " + thing + " " + prop + ": " + desc,
			Parameters:  paramSchema(nil),
			Idempotent:  true,
		},
		Group: ToolGroup,
		Handler: func(context.Context, string) (string, error) {
			state, ok := r.State(thing)
			if !ok {
				return "", fmt.Errorf("%w: %s", ErrUnknownThing, thing)
			}
			return marshal(invokeResult{OK: true, Thing: thing, Value: state[prop]})
		},
	}
}

// paramSchema builds the JSON Schema object for a method's parameters.
func paramSchema(params map[string]Property) map[string]any {
	props := make(map[string]any, len(params))
	required := make([]string, 0, len(params))
	for _, name := range sortedKeys(params) {
		p := params[name]
		s := map[string]any{"type": string(p.Type)}
		if p.Description != "" {
			s["description"] = p.Description
		}
		props[name] = s
		required = append(required, name)
	}
	schema := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func marshal(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("iot: encode result: %w", err)
	}
	return string(data), nil
}

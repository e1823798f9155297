package mcphost

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/vocalink/pkg/types"
)

// BuiltinTool represents a tool implemented as a Go function that runs in-process.
//
// Built-in tools bypass MCP protocol overhead: ExecuteTool calls the Handler
// directly without any network or subprocess round-trip.
type BuiltinTool struct {
	// Definition is the tool's public descriptor presented to the LLM.
	Definition types.ToolDefinition

	// Handler is the function invoked when ExecuteTool is called for this tool.
	// args is a JSON object string (e.g. "{}" or `{"key":"value"}`).
	// Returning a non-nil error marks the result as an error.
	Handler func(ctx context.Context, args string) (string, error)

	// Group tags tools that are registered and withdrawn together, such as
	// all tools generated from one IoT descriptor batch.
	Group string
}

// builtinServerName is the pseudo server name used for in-process tools.
const builtinServerName = "__builtin__"

// RegisterBuiltin registers a built-in tool that is called in-process.
// If a tool with the same name is already registered it is replaced.
//
// RegisterBuiltin is safe for concurrent use.
func (h *Host) RegisterBuiltin(tool BuiltinTool) error {
	if tool.Definition.Name == "" {
		return errors.New("mcp host: builtin tool must have a non-empty name")
	}
	if tool.Handler == nil {
		return fmt.Errorf("mcp host: builtin tool %q must have a non-nil handler", tool.Definition.Name)
	}
	if tool.Definition.Parameters == nil {
		tool.Definition.Parameters = map[string]any{"type": "object", "properties": map[string]any{}}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.tools[tool.Definition.Name] = toolEntry{
		def:        tool.Definition,
		serverName: builtinServerName,
		group:      tool.Group,
		builtinFn:  tool.Handler,
	}
	return nil
}

// RemoveGroup unregisters every builtin tagged with group and returns how
// many were removed.
func (h *Host) RemoveGroup(group string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for name, e := range h.tools {
		if e.builtinFn != nil && e.group == group {
			delete(h.tools, name)
			n++
		}
	}
	return n
}

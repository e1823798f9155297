// Package mcp defines the tool dispatcher used by the orchestrator.
//
// A Host owns a catalogue of named tools. Tools are either in-process
// builtins (IoT things, device-side tools proxied over the device link) or
// tools discovered on external MCP servers. The orchestrator only sees
// tool definitions and ToolResults: every failure, including an unknown tool
// name, comes back as a result with IsError set so the model can explain it.
//
// All methods must be safe for concurrent use.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/MrWong99/vocalink/pkg/types"
)

// Host manages tool registration and routes tool calls.
type Host interface {
	// RegisterServer connects to the MCP server described by cfg and imports
	// its tool catalogue. Re-registering a name replaces the old connection.
	RegisterServer(ctx context.Context, cfg ServerConfig) error

	// AvailableTools returns every registered tool, sorted by name.
	AvailableTools() []types.ToolDefinition

	// ExecuteTool calls the named tool with JSON-encoded args.
	//
	// A non-nil *ToolResult is returned whenever the tool ran, even when
	// ToolResult.IsError is true. A Go error is returned for unknown tools
	// (wrapping ErrUnknownTool) and for transport or protocol failures.
	ExecuteTool(ctx context.Context, name string, args string) (*ToolResult, error)

	// Close shuts down all server connections. After Close returns the Host
	// must not be used again.
	Close() error
}

// errorPayload is the JSON body of a failed tool result.
type errorPayload struct {
	Error string `json:"error"`
	Tool  string `json:"tool"`
	Code  string `json:"code,omitempty"`
}

// Resolve executes call on h and always returns a ToolResult. Unknown tools
// and transport failures are turned into error results.
func Resolve(ctx context.Context, h Host, call types.ToolCall) ToolResult {
	start := time.Now()
	args := call.Arguments
	if args == "" {
		args = "{}"
	}
	res, err := h.ExecuteTool(ctx, call.Name, args)
	if err == nil && res != nil {
		return *res
	}
	if err == nil {
		err = errors.New("tool returned no result")
	}
	p := errorPayload{Error: err.Error(), Tool: call.Name, Code: "tool_error"}
	if errors.Is(err, ErrUnknownTool) {
		p.Code = "unknown_tool"
		p.Error = "no tool named " + call.Name + " is available"
	}
	data, _ := json.Marshal(p)
	return ToolResult{Content: string(data), IsError: true, DurationMs: time.Since(start).Milliseconds()}
}

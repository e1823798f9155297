package mcp

import "errors"

// ErrUnknownTool is reported when a tool call names a tool that is not
// registered. Dispatchers surface it to the model as an error result, never
// as a transport failure.
var ErrUnknownTool = errors.New("mcp: unknown tool")

// Transport selects the connection mechanism for an MCP server.
type Transport string

const (
	// TransportStdio spawns a subprocess and communicates over stdin/stdout.
	TransportStdio Transport = "stdio"

	// TransportStreamableHTTP communicates via the MCP Streamable HTTP protocol.
	TransportStreamableHTTP Transport = "streamable-http"
)

// IsValid reports whether t is a recognised transport.
func (t Transport) IsValid() bool {
	return t == TransportStdio || t == TransportStreamableHTTP
}

// ServerConfig describes how to connect to a single MCP server.
type ServerConfig struct {
	// Name is the identifier for this server. Must be unique within a Host.
	Name string

	// Transport specifies the connection mechanism.
	Transport Transport

	// Command is the executable path and arguments used with TransportStdio.
	Command string

	// URL is the endpoint used with TransportStreamableHTTP.
	URL string

	// Env holds additional environment variables for stdio servers.
	Env map[string]string
}

// ToolResult holds the outcome of a single tool execution.
type ToolResult struct {
	// Content is the tool's textual output, typically a JSON document ready
	// for insertion into the model context.
	Content string

	// IsError indicates an application-level failure. Content then holds the
	// error payload.
	IsError bool

	// DurationMs is the wall-clock execution time in milliseconds.
	DurationMs int64
}

package devicemcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/vocalink/internal/mcp/mcphost"
	"github.com/MrWong99/vocalink/pkg/types"
)

const (
	// DefaultTimeout bounds every request sent to the device.
	DefaultTimeout = 30 * time.Second

	// DefaultMaxTools caps how many device tools are imported.
	DefaultMaxTools = 32

	// ToolPrefix is prepended to device tool names in the dispatcher.
	ToolPrefix = "device."

	// ToolGroup tags device tools registered with the dispatcher.
	ToolGroup = "device"
)

// Option is a functional option for [Attach].
type Option func(*Client)

// WithTimeout overrides [DefaultTimeout].
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithMaxTools overrides [DefaultMaxTools].
func WithMaxTools(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxTools = n
		}
	}
}

// Client is an initialised MCP session with a device.
type Client struct {
	session  *mcpsdk.ClientSession
	timeout  time.Duration
	maxTools int
	tools    []string
}

// Attach performs the MCP handshake over link, lists the device tools and
// registers them on h as builtins named device.<tool>. Tools beyond the
// configured maximum are ignored.
func Attach(ctx context.Context, link *Link, h *mcphost.Host, opts ...Option) (*Client, error) {
	c := &Client{timeout: DefaultTimeout, maxTools: DefaultMaxTools}
	for _, o := range opts {
		o(c)
	}

	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "vocalink", Version: "1.0.0"}, nil)

	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	session, err := client.Connect(cctx, link, nil)
	if err != nil {
		return nil, fmt.Errorf("devicemcp: initialize: %w", err)
	}
	c.session = session

	var tools []*mcpsdk.Tool
	for tool, err := range session.Tools(cctx, nil) {
		if err != nil {
			_ = session.Close()
			return nil, fmt.Errorf("devicemcp: list tools: %w", err)
		}
		if len(tools) == c.maxTools {
			slog.Warn("devicemcp: tool limit reached, ignoring the rest", "limit", c.maxTools)
			break
		}
		tools = append(tools, tool)
	}

	for _, t := range tools {
		if err := h.RegisterBuiltin(c.builtin(t)); err != nil {
			_ = session.Close()
			return nil, fmt.Errorf("devicemcp: register %q: %w", t.Name, err)
		}
		c.tools = append(c.tools, ToolPrefix+t.Name)
	}
	slog.Info("devicemcp: device tools registered", "count", len(c.tools))
	return c, nil
}

// Tools returns the dispatcher names of the registered device tools.
func (c *Client) Tools() []string { return c.tools }

// Close ends the MCP session.
func (c *Client) Close() error {
	return c.session.Close()
}

func (c *Client) builtin(t *mcpsdk.Tool) mcphost.BuiltinTool {
	name := t.Name
	return mcphost.BuiltinTool{
		Definition: types.ToolDefinition{
			Name:          ToolPrefix + name,
			Description:   t.Description,
			Parameters:    schemaMap(t.InputSchema),
			MaxDurationMs: int(c.timeout / time.Millisecond),
		},
		Group: ToolGroup,
		Handler: func(ctx context.Context, args string) (string, error) {
			return c.call(ctx, name, args)
		},
	}
}

// call runs tools/call on the device and flattens the text content.
func (c *Client) call(ctx context.Context, name, args string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var arguments json.RawMessage
	if args != "" {
		arguments = json.RawMessage(args)
	}
	res, err := c.session.CallTool(ctx, &mcpsdk.CallToolParams{Name: name, Arguments: arguments})
	if err != nil {
		return "", fmt.Errorf("devicemcp: call %q: %w", name, err)
	}

	var sb strings.Builder
	for _, content := range res.Content {
		if tc, ok := content.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	if res.IsError {
		return "", fmt.Errorf("devicemcp: %s: %s", name, sb.String())
	}
	return sb.String(), nil
}

func schemaMap(schema any) map[string]any {
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	out := map[string]any{"type": "object"}
	if schema == nil {
		return out
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return out
	}
	var m map[string]any
	if json.Unmarshal(data, &m) != nil || m == nil {
		return out
	}
	return m
}

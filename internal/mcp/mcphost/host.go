// Package mcphost provides a concrete implementation of the [mcp.Host] interface.
//
// A Host keeps an in-memory catalogue of tools from two sources: in-process
// builtins registered with [Host.RegisterBuiltin] (IoT things, tools proxied to
// the device) and tools discovered on external MCP servers reached over stdio
// or streamable HTTP via the official MCP Go SDK.
//
// Hosts can be layered. The gateway keeps one shared Host connected to the
// configured MCP servers and gives each device session its own Host created
// with [WithParent]: session builtins shadow the shared catalogue, and calls
// for names the session does not know fall through to the parent.
//
// Typical usage:
//
//	shared := mcphost.New()
//	err := shared.RegisterServer(ctx, mcp.ServerConfig{
//	    Name:      "weather",
//	    Transport: mcp.TransportStdio,
//	    Command:   "/usr/local/bin/mcp-weather",
//	})
//
//	h := mcphost.New(mcphost.WithParent(shared))
//	h.RegisterBuiltin(mcphost.BuiltinTool{
//	    Definition: types.ToolDefinition{Name: "light.on", ...},
//	    Handler:    turnOn,
//	    Group:      "iot",
//	})
//
//	result, err := h.ExecuteTool(ctx, "light.on", "{}")
package mcphost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/vocalink/internal/mcp"
	"github.com/MrWong99/vocalink/internal/observe"
	"github.com/MrWong99/vocalink/pkg/types"
)

// defaultTimeout bounds a tool call whose definition declares no
// MaxDurationMs.
const defaultTimeout = 10 * time.Second

// toolEntry holds all metadata for a single registered tool.
type toolEntry struct {
	def        types.ToolDefinition
	serverName string
	group      string

	// builtinFn is non-nil for in-process tools registered via RegisterBuiltin.
	builtinFn func(ctx context.Context, args string) (string, error)
}

// serverConn holds a live connection to an external MCP server.
type serverConn struct {
	session *mcpsdk.ClientSession
}

// Host is a concrete implementation of [mcp.Host].
//
// The zero value is NOT usable; create instances with [New].
type Host struct {
	mu      sync.RWMutex
	tools   map[string]toolEntry  // key: tool name
	servers map[string]serverConn // key: server name

	// client is reused across all server connections. The official SDK allows
	// a single Client to manage multiple sessions concurrently.
	client *mcpsdk.Client

	parent  mcp.Host
	timeout time.Duration
	metrics *observe.Metrics
}

// Compile-time check: Host must implement mcp.Host.
var _ mcp.Host = (*Host)(nil)

// Option is a functional option for [New].
type Option func(*Host)

// WithParent makes calls for unknown tool names fall through to parent, and
// merges the parent's catalogue into AvailableTools. Close does not close
// the parent.
func WithParent(parent mcp.Host) Option {
	return func(h *Host) { h.parent = parent }
}

// WithDefaultTimeout sets the per-call timeout used for tools that declare no
// MaxDurationMs.
func WithDefaultTimeout(d time.Duration) Option {
	return func(h *Host) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// WithMetrics records tool counts and latencies on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(h *Host) { h.metrics = m }
}

// New creates and returns a ready-to-use Host.
func New(opts ...Option) *Host {
	h := &Host{
		tools:   make(map[string]toolEntry),
		servers: make(map[string]serverConn),
		timeout: defaultTimeout,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// mcpClient lazily creates the shared SDK client. Session-scoped hosts that
// only carry builtins never need one.
func (h *Host) mcpClient() *mcpsdk.Client {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.client == nil {
		h.client = mcpsdk.NewClient(
			&mcpsdk.Implementation{Name: "vocalink-mcphost", Version: "1.0.0"},
			nil,
		)
	}
	return h.client
}

// RegisterServer connects to the MCP server described by cfg and imports its
// tool catalogue into the host. If a server with the same Name is already
// registered, the old connection is closed and replaced.
//
// For [mcp.TransportStdio] transport: cfg.Command is split on spaces into
// executable + args; cfg.Env is passed as additional environment variables.
//
// For [mcp.TransportStreamableHTTP] transport: cfg.URL is the endpoint address.
func (h *Host) RegisterServer(ctx context.Context, cfg mcp.ServerConfig) error {
	if cfg.Name == "" {
		return errors.New("mcp host: server config must have a non-empty name")
	}
	if !cfg.Transport.IsValid() {
		return fmt.Errorf("mcp host: unknown transport %q for server %q", cfg.Transport, cfg.Name)
	}

	var transport mcpsdk.Transport

	switch cfg.Transport {
	case mcp.TransportStdio:
		executable, args := splitCommand(cfg.Command)
		if executable == "" {
			return fmt.Errorf("mcp host: stdio server %q requires a non-empty Command", cfg.Name)
		}
		cmd := exec.Command(executable, args...)
		if len(cfg.Env) > 0 {
			cmd.Env = os.Environ()
			for k, v := range cfg.Env {
				cmd.Env = append(cmd.Env, k+"="+v)
			}
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}

	case mcp.TransportStreamableHTTP:
		if cfg.URL == "" {
			return fmt.Errorf("mcp host: streamable-http server %q requires a non-empty URL", cfg.Name)
		}
		transport = &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
	}

	session, err := h.mcpClient().Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("mcp host: connect to server %q: %w", cfg.Name, err)
	}

	var discovered []*mcpsdk.Tool
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return fmt.Errorf("mcp host: list tools for server %q: %w", cfg.Name, err)
		}
		discovered = append(discovered, tool)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if old, ok := h.servers[cfg.Name]; ok {
		_ = old.session.Close()
		for name, t := range h.tools {
			if t.serverName == cfg.Name {
				delete(h.tools, name)
			}
		}
	}

	h.servers[cfg.Name] = serverConn{session: session}
	for _, t := range discovered {
		if existing, ok := h.tools[t.Name]; ok && existing.builtinFn != nil {
			slog.Warn("mcp host: server tool shadowed by builtin", "server", cfg.Name, "tool", t.Name)
			continue
		}
		h.tools[t.Name] = toolEntry{
			def: types.ToolDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  schemaToMap(t.InputSchema),
			},
			serverName: cfg.Name,
		}
	}

	slog.Info("mcp host: server registered", "server", cfg.Name, "transport", cfg.Transport, "tools", len(discovered))
	return nil
}

// RegisterServers connects to all servers concurrently. A failing server does
// not prevent the others from registering; the returned error joins every
// failure.
func (h *Host) RegisterServers(ctx context.Context, cfgs []mcp.ServerConfig) error {
	errs := make([]error, len(cfgs))
	var g errgroup.Group
	for i, cfg := range cfgs {
		g.Go(func() error {
			errs[i] = h.RegisterServer(ctx, cfg)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// schemaToMap converts any schema value to a map[string]any.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil || m == nil {
		return map[string]any{"type": "object"}
	}
	return m
}

// AvailableTools returns every tool known to this host and its parent,
// sorted by name. A local tool hides a parent tool of the same name.
func (h *Host) AvailableTools() []types.ToolDefinition {
	h.mu.RLock()
	seen := make(map[string]struct{}, len(h.tools))
	out := make([]types.ToolDefinition, 0, len(h.tools))
	for name, e := range h.tools {
		seen[name] = struct{}{}
		out = append(out, e.def)
	}
	h.mu.RUnlock()

	if h.parent != nil {
		for _, def := range h.parent.AvailableTools() {
			if _, ok := seen[def.Name]; !ok {
				out = append(out, def)
			}
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ExecuteTool calls the named tool with JSON-encoded args and returns the
// result.
//
// Each call runs under a timeout: the tool's MaxDurationMs when declared,
// otherwise the host default. Builtin handler errors, including the timeout,
// come back as a result with IsError set. A Go error is returned for unknown
// tools (wrapping [mcp.ErrUnknownTool]) and for MCP transport failures.
func (h *Host) ExecuteTool(ctx context.Context, name string, args string) (*mcp.ToolResult, error) {
	h.mu.RLock()
	entry, ok := h.tools[name]
	h.mu.RUnlock()

	if !ok {
		if h.parent != nil {
			return h.parent.ExecuteTool(ctx, name, args)
		}
		return nil, fmt.Errorf("mcp host: tool %q: %w", name, mcp.ErrUnknownTool)
	}

	timeout := h.timeout
	if entry.def.MaxDurationMs > 0 {
		timeout = time.Duration(entry.def.MaxDurationMs) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()

	var result *mcp.ToolResult
	var execErr error

	if entry.builtinFn != nil {
		result = h.executeBuiltin(ctx, entry, args)
	} else {
		result, execErr = h.executeMCPTool(ctx, entry, args)
	}

	elapsed := time.Since(start)
	h.record(ctx, name, execErr != nil || result.IsError, elapsed)

	if execErr != nil {
		return nil, execErr
	}
	result.DurationMs = elapsed.Milliseconds()
	return result, nil
}

func (h *Host) record(ctx context.Context, name string, failed bool, elapsed time.Duration) {
	status := "ok"
	if failed {
		status = "error"
	}
	slog.Debug("mcp host: tool executed", "tool", name, "status", status, "duration", elapsed)
	if h.metrics != nil {
		h.metrics.RecordToolCall(ctx, name, status, elapsed.Seconds())
	}
}

// executeBuiltin calls the in-process handler for a builtin tool. The
// handler runs in its own goroutine so that a handler ignoring ctx cannot
// hold the call past its timeout.
func (h *Host) executeBuiltin(ctx context.Context, entry toolEntry, args string) *mcp.ToolResult {
	type outcome struct {
		out string
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		out, err := entry.builtinFn(ctx, args)
		done <- outcome{out, err}
	}()

	var o outcome
	select {
	case o = <-done:
	case <-ctx.Done():
		o.err = ctx.Err()
	}
	if o.err != nil {
		msg := o.err.Error()
		if errors.Is(o.err, context.DeadlineExceeded) {
			msg = "tool timed out"
		}
		return errorResult(entry.def.Name, msg)
	}
	return &mcp.ToolResult{Content: o.out}
}

func errorResult(tool, msg string) *mcp.ToolResult {
	data, _ := json.Marshal(map[string]string{"error": msg, "tool": tool})
	return &mcp.ToolResult{Content: string(data), IsError: true}
}

// executeMCPTool routes the call to the appropriate server session.
func (h *Host) executeMCPTool(ctx context.Context, entry toolEntry, args string) (*mcp.ToolResult, error) {
	h.mu.RLock()
	conn, ok := h.servers[entry.serverName]
	h.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("mcp host: server %q not found for tool %q", entry.serverName, entry.def.Name)
	}

	var argsMap map[string]any
	if args != "" && args != "{}" {
		if err := json.Unmarshal([]byte(args), &argsMap); err != nil {
			return errorResult(entry.def.Name, "invalid arguments: "+err.Error()), nil
		}
	}

	callResult, err := conn.session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      entry.def.Name,
		Arguments: argsMap,
	})
	if err != nil {
		return nil, fmt.Errorf("mcp host: call tool %q: %w", entry.def.Name, err)
	}

	var sb strings.Builder
	for _, c := range callResult.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}

	return &mcp.ToolResult{
		Content: sb.String(),
		IsError: callResult.IsError,
	}, nil
}

// Close shuts down this host's server connections and clears its catalogue.
// The parent, if any, is left untouched.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var errs []error
	for name, conn := range h.servers {
		if err := conn.session.Close(); err != nil {
			errs = append(errs, fmt.Errorf("mcp host: close server %q: %w", name, err))
		}
		delete(h.servers, name)
	}
	h.tools = make(map[string]toolEntry)
	return errors.Join(errs...)
}

// splitCommand splits a command string into executable and arguments.
// e.g. "/bin/foo --bar baz" → ("/bin/foo", ["--bar", "baz"]).
func splitCommand(command string) (executable string, args []string) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return "", nil
	}
	return parts[0], parts[1:]
}

// Package devicemcp talks MCP to tools that live on the device itself.
//
// Devices that advertise the mcp feature in hello act as an MCP server whose
// JSON-RPC messages travel inside {"type":"mcp","payload":{...}} control
// frames. A [Link] adapts that framing to the MCP SDK transport interface so
// the regular SDK client drives the handshake, cursor-based tools/list
// paging and tools/call. [Attach] then exposes the device tools to the
// dispatcher as device.<name>.
package devicemcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// ErrClosed is returned after the link has been closed.
var ErrClosed = errors.New("devicemcp: link closed")

// Sender writes one JSON-RPC payload to the device inside an mcp control
// frame.
type Sender func(ctx context.Context, payload json.RawMessage) error

// Link carries JSON-RPC messages over the device control channel. It is both
// the [mcpsdk.Transport] and the connection it yields, so it can be used for
// exactly one client session.
type Link struct {
	send Sender
	in   chan jsonrpc.Message
	done chan struct{}
	once sync.Once
}

var (
	_ mcpsdk.Transport  = (*Link)(nil)
	_ mcpsdk.Connection = (*Link)(nil)
)

// NewLink creates a Link that writes outbound messages through send.
func NewLink(send Sender) *Link {
	return &Link{
		send: send,
		in:   make(chan jsonrpc.Message, 16),
		done: make(chan struct{}),
	}
}

// Deliver hands a payload received from the device to the MCP client. It
// blocks while the inbound buffer is full.
func (l *Link) Deliver(ctx context.Context, payload json.RawMessage) error {
	msg, err := jsonrpc.DecodeMessage(payload)
	if err != nil {
		return fmt.Errorf("devicemcp: decode payload: %w", err)
	}
	select {
	case <-l.done:
		return ErrClosed
	default:
	}
	select {
	case l.in <- msg:
		return nil
	case <-l.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connect implements [mcpsdk.Transport].
func (l *Link) Connect(context.Context) (mcpsdk.Connection, error) {
	select {
	case <-l.done:
		return nil, ErrClosed
	default:
		return l, nil
	}
}

// Read implements [mcpsdk.Connection].
func (l *Link) Read(ctx context.Context) (jsonrpc.Message, error) {
	select {
	case msg := <-l.in:
		return msg, nil
	case <-l.done:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Write implements [mcpsdk.Connection].
func (l *Link) Write(ctx context.Context, msg jsonrpc.Message) error {
	select {
	case <-l.done:
		return ErrClosed
	default:
	}
	data, err := jsonrpc.EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("devicemcp: encode message: %w", err)
	}
	if err := l.send(ctx, data); err != nil {
		return fmt.Errorf("devicemcp: send: %w", err)
	}
	return nil
}

// Close implements [mcpsdk.Connection]. It unblocks pending reads and may be
// called more than once.
func (l *Link) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

// SessionID implements [mcpsdk.Connection]. Device links carry no session id.
func (l *Link) SessionID() string { return "" }

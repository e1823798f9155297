package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/coder/websocket"

	"github.com/MrWong99/vocalink/pkg/protocol"
)

// maxReadBytes bounds a single device frame. Audio frames are far smaller;
// MCP replies with large tool lists are the biggest legitimate payloads.
const maxReadBytes = 1 << 20

// maxReasonBytes is the longest close reason a websocket close frame carries.
const maxReasonBytes = 123

// Conn adapts a websocket connection to [session.Conn].
//
// A pump goroutine reads for the lifetime of the connection so control
// frames are answered even while the session is not reading. Cancelling the
// ctx passed to [Conn.Read] abandons that read only; the socket stays open
// until [Conn.Close].
type Conn struct {
	ws     *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	frames chan []byte

	readErr   error
	closeOnce sync.Once
	closeErr  error
}

// NewConn wraps ws and starts reading from it. The connection lives until
// [Conn.Close] is called or parent is cancelled.
func NewConn(parent context.Context, ws *websocket.Conn) *Conn {
	ws.SetReadLimit(maxReadBytes)
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	c := &Conn{
		ws:     ws,
		ctx:    ctx,
		cancel: cancel,
		frames: make(chan []byte, 16),
	}
	go c.pump()
	return c
}

func (c *Conn) pump() {
	defer close(c.frames)
	for {
		_, data, err := c.ws.Read(c.ctx)
		if err != nil {
			c.readErr = translateReadErr(err)
			return
		}
		select {
		case c.frames <- data:
		case <-c.ctx.Done():
			c.readErr = io.EOF
			return
		}
	}
}

func translateReadErr(err error) error {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return io.EOF
	case -1:
		if errors.Is(err, io.EOF) {
			return io.EOF
		}
		return fmt.Errorf("gateway: read: %w", err)
	default:
		return fmt.Errorf("gateway: read: %w", err)
	}
}

// Read returns the next frame from the device. It returns io.EOF once the
// device closed the connection normally.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data, ok := <-c.frames:
		if !ok {
			return nil, c.readErr
		}
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Write sends data as a binary message for audio and a text message for
// control frames.
func (c *Conn) Write(ctx context.Context, kind protocol.Kind, data []byte) error {
	typ := websocket.MessageBinary
	if kind == protocol.KindControl {
		typ = websocket.MessageText
	}
	if err := c.ws.Write(ctx, typ, data); err != nil {
		return fmt.Errorf("gateway: write %s: %w", kind, err)
	}
	return nil
}

// Close performs the websocket close handshake with a status derived from
// reason. Only the first call has an effect.
func (c *Conn) Close(reason string) error {
	c.closeOnce.Do(func() {
		err := c.ws.Close(closeStatus(reason), truncate(reason, maxReasonBytes))
		c.cancel()
		if err != nil && !errors.Is(err, net.ErrClosed) {
			c.closeErr = fmt.Errorf("gateway: close: %w", err)
		}
	})
	return c.closeErr
}

func closeStatus(reason string) websocket.StatusCode {
	switch {
	case reason == "too many sessions":
		return websocket.StatusTryAgainLater
	case reason == "internal error":
		return websocket.StatusInternalError
	case strings.Contains(reason, "malformed"):
		return websocket.StatusPolicyViolation
	default:
		return websocket.StatusNormalClosure
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[:n]
	for !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}

package llm

import "github.com/MrWong99/vocalink/pkg/types"

// StreamBuffer is the channel capacity adapters use for StreamCompletion.
const StreamBuffer = 32

// ToolCallBuffer merges streamed tool call fragments. Vendors send the id
// and name once and the arguments in pieces, addressed by the call's index.
// The zero value is ready to use.
type ToolCallBuffer struct {
	calls []types.ToolCall
}

// Merge adds one fragment of the call at index.
func (b *ToolCallBuffer) Merge(index int, id, name, args string) {
	for len(b.calls) <= index {
		b.calls = append(b.calls, types.ToolCall{})
	}
	c := &b.calls[index]
	if id != "" {
		c.ID = id
	}
	if name != "" {
		c.Name = name
	}
	c.Arguments += args
}

// Drain returns the merged calls with names translated back through names,
// then empties the buffer. It returns nil when nothing was merged.
func (b *ToolCallBuffer) Drain(names *ToolNames) []types.ToolCall {
	if len(b.calls) == 0 {
		return nil
	}
	out := b.calls
	b.calls = nil
	for i := range out {
		out[i].Name = names.Name(out[i].Name)
	}
	return out
}

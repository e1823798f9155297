package orchestrator

import (
	"github.com/MrWong99/vocalink/pkg/provider/llm"
	"github.com/MrWong99/vocalink/pkg/types"
)

// Window is the conversation history of one session: the system prompt plus
// a bounded run of recent messages.
//
// Trimming removes whole units from the front, oldest first. A unit is a
// single message, except that an assistant message carrying tool calls and
// the tool results answering it form one unit, so a tool-call group is never
// split. The system prompt is never trimmed.
//
// Window is not safe for concurrent use; the orchestrator serialises turns.
type Window struct {
	system      string
	maxMessages int
	maxTokens   int

	msgs      []types.Message
	tokens    int
	turnStart int // index of the first message of the current turn
}

// NewWindow creates a Window. maxMessages bounds the non-system messages and
// maxTokens bounds the estimated prompt size including the system prompt.
// Zero disables a limit.
func NewWindow(system string, maxMessages, maxTokens int) *Window {
	return &Window{system: system, maxMessages: maxMessages, maxTokens: maxTokens}
}

// SystemPrompt returns the system prompt.
func (w *Window) SystemPrompt() string { return w.system }

// Append adds messages to the end of the window without trimming.
func (w *Window) Append(msgs ...types.Message) {
	for _, m := range msgs {
		w.msgs = append(w.msgs, m)
		w.tokens += llm.MessageTokens(m)
	}
}

// Len returns the number of non-system messages.
func (w *Window) Len() int { return len(w.msgs) }

// Tokens returns the estimated size of the prompt, system prompt included.
func (w *Window) Tokens() int {
	return w.tokens + llm.MessageTokens(types.Message{Role: types.RoleSystem, Content: w.system})
}

// Messages returns a copy of the history with the system prompt first.
func (w *Window) Messages() []types.Message {
	out := make([]types.Message, 0, len(w.msgs)+1)
	if w.system != "" {
		out = append(out, types.Message{Role: types.RoleSystem, Content: w.system})
	}
	return append(out, w.msgs...)
}

// History returns a copy of the non-system messages.
func (w *Window) History() []types.Message {
	out := make([]types.Message, len(w.msgs))
	copy(out, w.msgs)
	return out
}

// TurnMessages returns a copy of the messages of the current turn.
func (w *Window) TurnMessages() []types.Message {
	out := make([]types.Message, len(w.msgs)-w.turnStart)
	copy(out, w.msgs[w.turnStart:])
	return out
}

// BeginTurn marks the end of the window as the start of a new turn. Messages
// of the current turn are never trimmed.
func (w *Window) BeginTurn() { w.turnStart = len(w.msgs) }

// Trim drops the oldest units while the window exceeds its limits. Messages
// of the current turn are kept even if that leaves the window over its
// limits. It returns the number of messages removed.
func (w *Window) Trim() int {
	removed := 0
	for w.over() {
		n := w.unitLen()
		if n == 0 || n > w.turnStart {
			break
		}
		w.drop(n)
		removed += n
	}
	// Results whose call was trimmed away are meaningless to the model.
	for w.turnStart > 0 && w.msgs[0].Role == types.RoleTool {
		w.drop(1)
		removed++
	}
	return removed
}

func (w *Window) drop(n int) {
	for _, m := range w.msgs[:n] {
		w.tokens -= llm.MessageTokens(m)
	}
	w.msgs = w.msgs[n:]
	w.turnStart -= n
}

// Reset clears the history, keeping the system prompt.
func (w *Window) Reset() {
	w.msgs = nil
	w.tokens = 0
	w.turnStart = 0
}

func (w *Window) over() bool {
	if len(w.msgs) == 0 {
		return false
	}
	if w.maxMessages > 0 && len(w.msgs) > w.maxMessages {
		return true
	}
	return w.maxTokens > 0 && w.Tokens() > w.maxTokens
}

// unitLen returns the length of the oldest unit.
func (w *Window) unitLen() int {
	if len(w.msgs) == 0 {
		return 0
	}
	first := w.msgs[0]
	if first.Role != types.RoleAssistant || len(first.ToolCalls) == 0 {
		return 1
	}
	n := 1
	for n < len(w.msgs) && w.msgs[n].Role == types.RoleTool {
		n++
	}
	return n
}

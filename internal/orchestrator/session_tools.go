package orchestrator

import (
	"encoding/json"
	"time"

	"github.com/MrWong99/vocalink/internal/mcp"
	"github.com/MrWong99/vocalink/pkg/types"
)

// Session tools are answered by the orchestrator itself. Their result is
// spoken as the reply without another model round.
const (
	ToolExit    = "session.exit"
	ToolNewChat = "session.new_chat"

	DefaultGoodbye  = "Okay, goodbye! Talk to you soon."
	DefaultNewTopic = "Sure, let's talk about something new."
)

var sessionToolDefs = []types.ToolDefinition{
	{
		Name:        ToolExit,
		Description: "End the conversation. Call this when the user clearly wants to leave, for example by saying goodbye, bye or that's all.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"goodbye": map[string]any{"type": "string", "description": "Short farewell to say to the user."},
			},
			"required": []string{"goodbye"},
		},
	},
	{
		Name:        ToolNewChat,
		Description: "Forget the conversation so far and start over. Call this when the user asks for a new conversation or topic.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"greeting": map[string]any{"type": "string", "description": "Short line that opens the new conversation."},
			},
		},
	},
}

// WithSessionTools offers the model [ToolExit] and [ToolNewChat].
func WithSessionTools() Option {
	return func(o *Orchestrator) { o.sessionTools = true }
}

func isSessionTool(name string) bool {
	return name == ToolExit || name == ToolNewChat
}

// splitSessionCalls separates the first session tool call from the calls
// that go to the dispatcher. Further session calls are ignored.
func splitSessionCalls(calls []types.ToolCall) (session *types.ToolCall, rest []types.ToolCall) {
	for i, c := range calls {
		if !isSessionTool(c.Name) {
			rest = append(rest, c)
			continue
		}
		if session == nil {
			session = &calls[i]
		}
	}
	return session, rest
}

// sessionArgs is the union of the session tool arguments.
type sessionArgs struct {
	Goodbye  string `json:"goodbye"`
	Greeting string `json:"greeting"`
}

// answerSessionTool runs a session tool and finishes reply with its text.
// The caller must not hold o.mu.
func (o *Orchestrator) answerSessionTool(call types.ToolCall, reply *Reply) *Reply {
	var args sessionArgs
	if call.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			o.log.Debug("session tool arguments ignored", "tool", call.Name, "err", err)
		}
	}

	var text string
	o.mu.Lock()
	switch call.Name {
	case ToolExit:
		text = args.Goodbye
		if text == "" {
			text = DefaultGoodbye
		}
		reply.Exit = true
	case ToolNewChat:
		text = args.Greeting
		if text == "" {
			text = DefaultNewTopic
		}
		// The archive still gets the messages of this turn.
		reply.Messages = append(reply.Messages, o.window.TurnMessages()...)
		o.window.Reset()
	}
	o.window.Append(types.Message{Role: types.RoleAssistant, Content: text, Timestamp: time.Now()})
	o.mu.Unlock()

	o.log.Info("session tool called", "tool", call.Name)
	reply.Tools = append(reply.Tools, ToolOutcome{Call: call, Result: mcp.ToolResult{Content: text}})
	reply.Text = text
	return reply
}

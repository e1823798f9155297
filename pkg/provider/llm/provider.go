// Package llm is the chat model contract the orchestrator drives.
//
// Adapters live in subpackages: openai and gemini talk to their vendor SDKs
// directly, anyllm covers the remaining vendors through any-llm-go. The
// package also holds what the adapters share: the error taxonomy, tool name
// translation, token estimates and the model capability table.
package llm

import (
	"context"
	"errors"

	"github.com/MrWong99/vocalink/pkg/types"
)

// Model call failures. Providers wrap one of these so the orchestrator can
// decide whether a retry is worthwhile.
var (
	// ErrUnavailable covers network, authentication and server-side failures.
	ErrUnavailable = errors.New("llm: provider unavailable")

	// ErrTimeout is returned when the call deadline expired.
	ErrTimeout = errors.New("llm: timeout")

	// ErrRateLimited is returned when the backend throttled the request.
	ErrRateLimited = errors.New("llm: rate limited")
)

// Usage is the token accounting a backend reports for one call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest is one model call. Messages must not be empty.
type CompletionRequest struct {
	// Messages is the conversation so far, oldest first. The orchestrator
	// puts the system prompt at index 0.
	Messages []types.Message

	// Tools are offered to the model by their dotted names ("light.on");
	// adapters translate them with [ToolNames].
	Tools []types.ToolDefinition

	// Temperature and MaxTokens are passed through when non-zero.
	Temperature float64
	MaxTokens   int

	// SystemPrompt is prepended as a system message when set. Callers that
	// already carry one in Messages leave it empty.
	SystemPrompt string
}

// Chunk is one streamed fragment. The final chunk carries FinishReason and
// the merged tool calls; a FinishReason of "error" carries the failure text.
type Chunk struct {
	Text         string
	FinishReason string
	ToolCalls    []types.ToolCall
}

// CompletionResponse is the outcome of [Provider.Complete]. Content is empty
// when the model only requested tools.
type CompletionResponse struct {
	Content   string
	ToolCalls []types.ToolCall
	Usage     Usage
}

// Provider is a chat model backend. Implementations are safe for
// concurrent use and return promptly once ctx is done.
type Provider interface {
	// StreamCompletion starts a completion and returns a channel that is
	// closed when generation ends or ctx is done. The error return only
	// covers failures that prevent the stream from starting.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// Complete runs a completion to the end. Errors wrap one of
	// [ErrUnavailable], [ErrTimeout] or [ErrRateLimited].
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// CountTokens estimates the prompt size of messages. It should not
	// undercount.
	CountTokens(messages []types.Message) (int, error)

	// Capabilities describes the configured model. It is constant for the
	// life of the Provider.
	Capabilities() types.ModelCapabilities
}

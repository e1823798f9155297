// Package gemini provides an LLM provider backed by the Google Gen AI SDK
// (google.golang.org/genai) against the Gemini API.
//
// Tool results are sent back as FunctionResponse parts; the function name the
// API requires is recovered from the assistant message that issued the call.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/MrWong99/vocalink/pkg/provider/llm"
	"github.com/MrWong99/vocalink/pkg/types"
)

const defaultModel = "gemini-2.0-flash"

// Compile-time assertion that Provider implements llm.Provider.
var _ llm.Provider = (*Provider)(nil)

// Provider implements llm.Provider using the Gemini API.
type Provider struct {
	client *genai.Client
	model  string
}

type config struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the Gemini API endpoint.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithHTTPClient sets the HTTP client used for API calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) { c.httpClient = hc }
}

// WithTimeout sets a per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// New constructs a Gemini Provider. An empty model selects gemini-2.0-flash.
func New(ctx context.Context, apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("gemini: apiKey must not be empty")
	}
	if model == "" {
		model = defaultModel
	}
	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}
	cc := &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: cfg.httpClient,
	}
	if cfg.baseURL != "" {
		cc.HTTPOptions.BaseURL = cfg.baseURL
	}
	if cfg.timeout > 0 {
		t := cfg.timeout
		cc.HTTPOptions.Timeout = &t
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("gemini: new client: %w", err)
	}
	return &Provider{client: client, model: model}, nil
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	contents, gcfg, names, err := p.buildRequest(req)
	if err != nil {
		return nil, fmt.Errorf("gemini: build request: %w", err)
	}
	resp, err := p.client.Models.GenerateContent(ctx, p.model, contents, gcfg)
	if err != nil {
		return nil, fmt.Errorf("gemini: generate: %w", classify(ctx, err))
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, fmt.Errorf("gemini: %w: no candidates in response", llm.ErrUnavailable)
	}

	out := &llm.CompletionResponse{}
	text, calls := readParts(resp.Candidates[0].Content.Parts, names)
	out.Content = text
	out.ToolCalls = calls
	if u := resp.UsageMetadata; u != nil {
		out.Usage = llm.Usage{
			PromptTokens:     int(u.PromptTokenCount),
			CompletionTokens: int(u.CandidatesTokenCount),
			TotalTokens:      int(u.TotalTokenCount),
		}
	}
	return out, nil
}

// StreamCompletion implements llm.Provider. Gemini delivers function calls
// whole, so they are forwarded on the chunk that carries them.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	contents, gcfg, names, err := p.buildRequest(req)
	if err != nil {
		return nil, fmt.Errorf("gemini: build request: %w", err)
	}

	ch := make(chan llm.Chunk, 32)
	go func() {
		defer close(ch)
		for resp, err := range p.client.Models.GenerateContentStream(ctx, p.model, contents, gcfg) {
			var c llm.Chunk
			if err != nil {
				c = llm.Chunk{FinishReason: "error", Text: classify(ctx, err).Error()}
			} else if len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
				cand := resp.Candidates[0]
				c.Text, c.ToolCalls = readParts(cand.Content.Parts, names)
				c.FinishReason = finishReason(cand.FinishReason, len(c.ToolCalls) > 0)
			} else {
				continue
			}
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
	return ch, nil
}

// CountTokens implements llm.Provider with a local estimate.
func (p *Provider) CountTokens(messages []types.Message) (int, error) {
	return llm.EstimateTokens(messages), nil
}

// Capabilities implements llm.Provider.
func (p *Provider) Capabilities() types.ModelCapabilities {
	return llm.LookupCapabilities(p.model)
}

// ─── request / response conversion ──────────────────────────────────────────

func (p *Provider) buildRequest(req llm.CompletionRequest) ([]*genai.Content, *genai.GenerateContentConfig, *llm.ToolNames, error) {
	names := llm.NewToolNames(req.Tools, req.Messages)
	gcfg := &genai.GenerateContentConfig{}

	system := []string{}
	if req.SystemPrompt != "" {
		system = append(system, req.SystemPrompt)
	}
	if req.Temperature != 0 {
		gcfg.Temperature = genai.Ptr(float32(req.Temperature))
	}
	if req.MaxTokens > 0 {
		gcfg.MaxOutputTokens = int32(req.MaxTokens)
	}

	// Tool results only carry the call id; the API wants the function name.
	callNames := map[string]string{}
	for _, m := range req.Messages {
		for _, tc := range m.ToolCalls {
			callNames[tc.ID] = tc.Name
		}
	}

	var contents []*genai.Content
	for _, m := range req.Messages {
		switch m.Role {
		case types.RoleSystem:
			if m.Content != "" {
				system = append(system, m.Content)
			}
		case types.RoleUser:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		case types.RoleAssistant:
			var parts []*genai.Part
			if m.Content != "" {
				parts = append(parts, genai.NewPartFromText(m.Content))
			}
			for _, tc := range m.ToolCalls {
				args, err := decodeArgs(tc.Arguments)
				if err != nil {
					return nil, nil, nil, fmt.Errorf("tool call %s: %w", tc.ID, err)
				}
				parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{
					ID:   tc.ID,
					Name: names.Wire(tc.Name),
					Args: args,
				}})
			}
			if len(parts) > 0 {
				contents = append(contents, &genai.Content{Role: genai.RoleModel, Parts: parts})
			}
		case types.RoleTool:
			part := &genai.Part{FunctionResponse: &genai.FunctionResponse{
				ID:       m.ToolCallID,
				Name:     names.Wire(callNames[m.ToolCallID]),
				Response: toolResponse(m.Content),
			}}
			// Consecutive tool results belong in one user turn.
			if n := len(contents); n > 0 && contents[n-1].Role == genai.RoleUser && isFunctionResponses(contents[n-1]) {
				contents[n-1].Parts = append(contents[n-1].Parts, part)
			} else {
				contents = append(contents, &genai.Content{Role: genai.RoleUser, Parts: []*genai.Part{part}})
			}
		default:
			return nil, nil, nil, fmt.Errorf("unknown role %q", m.Role)
		}
	}

	if len(system) > 0 {
		gcfg.SystemInstruction = genai.NewContentFromText(strings.Join(system, "\n\n"), genai.RoleUser)
	}
	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
		for _, td := range req.Tools {
			fd := &genai.FunctionDeclaration{
				Name:        names.Wire(td.Name),
				Description: td.Description,
			}
			if td.Parameters != nil {
				fd.ParametersJsonSchema = td.Parameters
			}
			decls = append(decls, fd)
		}
		gcfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	return contents, gcfg, names, nil
}

func isFunctionResponses(c *genai.Content) bool {
	for _, p := range c.Parts {
		if p.FunctionResponse == nil {
			return false
		}
	}
	return len(c.Parts) > 0
}

func decodeArgs(s string) (map[string]any, error) {
	if strings.TrimSpace(s) == "" {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("arguments are not a JSON object: %w", err)
	}
	return m, nil
}

// toolResponse wraps a tool result for the API, which only accepts objects.
func toolResponse(content string) map[string]any {
	var m map[string]any
	if err := json.Unmarshal([]byte(content), &m); err == nil && m != nil {
		return m
	}
	return map[string]any{"output": content}
}

func readParts(parts []*genai.Part, names *llm.ToolNames) (string, []types.ToolCall) {
	var text strings.Builder
	var calls []types.ToolCall
	for _, part := range parts {
		switch {
		case part.FunctionCall != nil:
			args := "{}"
			if len(part.FunctionCall.Args) > 0 {
				if b, err := json.Marshal(part.FunctionCall.Args); err == nil {
					args = string(b)
				}
			}
			calls = append(calls, types.ToolCall{
				ID:        part.FunctionCall.ID,
				Name:      names.Name(part.FunctionCall.Name),
				Arguments: args,
			})
		case part.Text != "" && !part.Thought:
			text.WriteString(part.Text)
		}
	}
	return text.String(), calls
}

func finishReason(r genai.FinishReason, toolCalls bool) string {
	switch {
	case toolCalls:
		return "tool_calls"
	case r == genai.FinishReasonStop:
		return "stop"
	case r == genai.FinishReasonMaxTokens:
		return "length"
	default:
		return strings.ToLower(string(r))
	}
}

func classify(ctx context.Context, err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return llm.Classify(ctx, err, apiErr.Code)
	}
	return llm.Classify(ctx, err, 0)
}

package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MrWong99/vocalink/pkg/provider/llm"
	"github.com/MrWong99/vocalink/pkg/types"
)

type sentRequest struct {
	Contents []struct {
		Role  string `json:"role"`
		Parts []struct {
			Text             string `json:"text"`
			FunctionResponse *struct {
				Name     string         `json:"name"`
				Response map[string]any `json:"response"`
			} `json:"functionResponse"`
		} `json:"parts"`
	} `json:"contents"`
	SystemInstruction *struct {
		Parts []struct {
			Text string `json:"text"`
		} `json:"parts"`
	} `json:"systemInstruction"`
	Tools []struct {
		FunctionDeclarations []struct {
			Name string `json:"name"`
		} `json:"functionDeclarations"`
	} `json:"tools"`
}

func fakeGemini(t *testing.T, status int, body string, got *sentRequest) *Provider {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, ":generateContent") {
			http.NotFound(w, r)
			return
		}
		if got != nil {
			_ = json.NewDecoder(r.Body).Decode(got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	p, err := New(context.Background(), "test-key", "gemini-2.0-flash", WithBaseURL(srv.URL+"/"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestComplete_FunctionCall(t *testing.T) {
	t.Parallel()
	var got sentRequest
	p := fakeGemini(t, http.StatusOK, `{
		"candidates":[{"content":{"role":"model","parts":[{"functionCall":{"id":"c1","name":"light_on","args":{"room":"kitchen"}}}]},"finishReason":"STOP"}],
		"usageMetadata":{"promptTokenCount":10,"candidatesTokenCount":3,"totalTokenCount":13}}`, &got)

	resp, err := p.Complete(context.Background(), llm.CompletionRequest{
		SystemPrompt: "You control a home.",
		Messages:     []types.Message{{Role: types.RoleUser, Content: "turn on the light"}},
		Tools:        []types.ToolDefinition{{Name: "light.on", Description: "Turn the light on"}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("ToolCalls = %+v, want 1", resp.ToolCalls)
	}
	tc := resp.ToolCalls[0]
	if tc.Name != "light.on" || tc.ID != "c1" || tc.Arguments != `{"room":"kitchen"}` {
		t.Errorf("tool call = %+v", tc)
	}
	if resp.Usage.TotalTokens != 13 {
		t.Errorf("TotalTokens = %d, want 13", resp.Usage.TotalTokens)
	}
	if len(got.Tools) != 1 || got.Tools[0].FunctionDeclarations[0].Name != "light_on" {
		t.Errorf("sent tools = %+v", got.Tools)
	}
	if got.SystemInstruction == nil || got.SystemInstruction.Parts[0].Text != "You control a home." {
		t.Errorf("system instruction = %+v", got.SystemInstruction)
	}
}

func TestComplete_ToolResultsCarryFunctionName(t *testing.T) {
	t.Parallel()
	var got sentRequest
	p := fakeGemini(t, http.StatusOK, `{
		"candidates":[{"content":{"role":"model","parts":[{"text":"The kitchen light is on."}]},"finishReason":"STOP"}]}`, &got)

	resp, err := p.Complete(context.Background(), llm.CompletionRequest{
		Messages: []types.Message{
			{Role: types.RoleUser, Content: "turn on the light"},
			{Role: types.RoleAssistant, ToolCalls: []types.ToolCall{{ID: "c1", Name: "light.on", Arguments: `{}`}}},
			{Role: types.RoleTool, ToolCallID: "c1", Content: `{"ok":true}`},
		},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "The kitchen light is on." {
		t.Errorf("Content = %q", resp.Content)
	}
	if len(got.Contents) != 3 {
		t.Fatalf("contents = %d, want 3", len(got.Contents))
	}
	last := got.Contents[2]
	if last.Role != "user" || last.Parts[0].FunctionResponse == nil {
		t.Fatalf("last content = %+v, want function response", last)
	}
	if fr := last.Parts[0].FunctionResponse; fr.Name != "light_on" || fr.Response["ok"] != true {
		t.Errorf("function response = %+v", fr)
	}
}

func TestComplete_ErrorTaxonomy(t *testing.T) {
	t.Parallel()
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusTooManyRequests, llm.ErrRateLimited},
		{http.StatusInternalServerError, llm.ErrUnavailable},
		{http.StatusGatewayTimeout, llm.ErrTimeout},
	}
	for _, tt := range tests {
		p := fakeGemini(t, tt.status, fmt.Sprintf(`{"error":{"code":%d,"message":"nope","status":"X"}}`, tt.status), nil)
		_, err := p.Complete(context.Background(), llm.CompletionRequest{
			Messages: []types.Message{{Role: types.RoleUser, Content: "hi"}},
		})
		if !errors.Is(err, tt.want) {
			t.Errorf("HTTP %d: err = %v, want %v", tt.status, err, tt.want)
		}
	}
}

func TestComplete_NoCandidates(t *testing.T) {
	t.Parallel()
	p := fakeGemini(t, http.StatusOK, `{"candidates":[]}`, nil)
	_, err := p.Complete(context.Background(), llm.CompletionRequest{
		Messages: []types.Message{{Role: types.RoleUser, Content: "hi"}},
	})
	if !errors.Is(err, llm.ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}
}

func TestBuildRequest_InvalidArguments(t *testing.T) {
	t.Parallel()
	p := &Provider{model: defaultModel}
	_, _, _, err := p.buildRequest(llm.CompletionRequest{Messages: []types.Message{
		{Role: types.RoleAssistant, ToolCalls: []types.ToolCall{{ID: "c1", Name: "x", Arguments: "not json"}}},
	}})
	if err == nil {
		t.Error("expected error for non-object arguments")
	}
}

func TestToolResponse(t *testing.T) {
	t.Parallel()
	if got := toolResponse(`{"state":"on"}`); got["state"] != "on" {
		t.Errorf("object result = %v", got)
	}
	if got := toolResponse("done"); got["output"] != "done" {
		t.Errorf("text result = %v", got)
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	if _, err := New(context.Background(), "", "gemini-2.0-flash"); err == nil {
		t.Error("expected error for empty API key")
	}
}

func TestCapabilities(t *testing.T) {
	t.Parallel()
	if got := (&Provider{model: "gemini-1.5-pro"}).Capabilities().ContextWindow; got != 2_097_152 {
		t.Errorf("gemini-1.5-pro ContextWindow = %d", got)
	}
	if !(&Provider{model: "gemini-2.0-flash"}).Capabilities().SupportsToolCalling {
		t.Error("gemini-2.0-flash: expected tool calling")
	}
}

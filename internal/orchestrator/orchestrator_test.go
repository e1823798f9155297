package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/vocalink/internal/mcp"
	mcpmock "github.com/MrWong99/vocalink/internal/mcp/mock"
	"github.com/MrWong99/vocalink/internal/observe"
	"github.com/MrWong99/vocalink/pkg/provider/llm"
	llmmock "github.com/MrWong99/vocalink/pkg/provider/llm/mock"
	"github.com/MrWong99/vocalink/pkg/types"
)

// ──────────────────────────────────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────────────────────────────────

func newTestOrchestrator(t *testing.T, model llm.Provider, tools mcp.Host, cfg Config) *Orchestrator {
	t.Helper()
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = time.Millisecond
	}
	mp := sdkmetric.NewMeterProvider()
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	o, err := New(model, tools, cfg, WithMetrics(m))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o
}

func lightHost() *mcpmock.Host {
	return &mcpmock.Host{
		AvailableToolsResult: []types.ToolDefinition{{Name: "light.on", Description: "Turn the light on"}},
		Results: map[string]*mcp.ToolResult{
			"light.on": {Content: `{"ok":true,"thing":"light","state":{"power":true}}`},
		},
	}
}

func toolSteps(n int) []llmmock.Step {
	steps := make([]llmmock.Step, n)
	for i := range steps {
		steps[i] = llmmock.CallTool("", "light.on", "{}")
	}
	return steps
}

func roles(msgs []types.Message) string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Role
	}
	return strings.Join(out, ",")
}

// ──────────────────────────────────────────────────────────────────────────────
// Turns
// ──────────────────────────────────────────────────────────────────────────────

func TestTurn_DirectReply(t *testing.T) {
	t.Parallel()
	model := &llmmock.Provider{Script: []llmmock.Step{llmmock.Reply("It is sunny. Enjoy your day!")}}
	o := newTestOrchestrator(t, model, lightHost(), Config{SystemPrompt: "You are a home assistant."})

	reply, err := o.Turn(context.Background(), "how is the weather")
	if err != nil {
		t.Fatalf("Turn: %v", err)
	}
	if reply.Text != "It is sunny. Enjoy your day!" {
		t.Errorf("Text = %q", reply.Text)
	}
	if len(reply.Sentences) != 2 || reply.Sentences[1] != "Enjoy your day!" {
		t.Errorf("Sentences = %q", reply.Sentences)
	}
	if reply.Fallback || reply.Exit || reply.Rounds != 0 {
		t.Errorf("reply = %+v, want plain reply", reply)
	}
	if o.State() != AwaitingTranscript {
		t.Errorf("State = %v, want %v", o.State(), AwaitingTranscript)
	}

	req := model.LastRequest()
	if req.Messages[0].Role != types.RoleSystem || req.Messages[0].Content != "You are a home assistant." {
		t.Errorf("first message = %+v, want system prompt", req.Messages[0])
	}
	if len(req.Tools) != 1 || req.Tools[0].Name != "light.on" {
		t.Errorf("Tools = %v, want [light.on]", req.Tools)
	}
	if got := roles(o.History()); got != "system,user,assistant" {
		t.Errorf("history roles = %s", got)
	}
}

func TestTurn_TurnOnTheLight(t *testing.T) {
	t.Parallel()
	model := &llmmock.Provider{Script: []llmmock.Step{
		llmmock.CallTool("call_1", "light.on", "{}"),
		llmmock.Reply("Done, the light is on."),
	}}
	host := lightHost()
	o := newTestOrchestrator(t, model, host, Config{})

	reply, err := o.Turn(context.Background(), "turn on the light")
	if err != nil {
		t.Fatalf("Turn: %v", err)
	}
	if got := host.Executed(); len(got) != 1 || got[0] != "light.on" {
		t.Fatalf("Executed = %v, want [light.on]", got)
	}
	if len(reply.Tools) != 1 || reply.Tools[0].Result.IsError {
		t.Fatalf("Tools = %+v, want one successful light.on", reply.Tools)
	}
	if reply.Rounds != 1 {
		t.Errorf("Rounds = %d, want 1", reply.Rounds)
	}
	if reply.Text != "Done, the light is on." {
		t.Errorf("Text = %q", reply.Text)
	}

	if n := model.CompleteCallCount(); n != 2 {
		t.Fatalf("model calls = %d, want 2", n)
	}
	second := model.LastRequest().Messages
	last := second[len(second)-1]
	if last.Role != types.RoleTool || last.ToolCallID != "call_1" || !strings.Contains(last.Content, `"ok":true`) {
		t.Errorf("last message of re-invocation = %+v, want tool result for call_1", last)
	}
	if got := roles(o.History()); got != "user,assistant,tool,assistant" {
		t.Errorf("history roles = %s", got)
	}
	if got := roles(reply.Messages); got != "user,assistant,tool,assistant" {
		t.Errorf("turn message roles = %s", got)
	}

	// The next turn reports only its own messages.
	next, err := o.Turn(context.Background(), "thanks")
	if err != nil {
		t.Fatalf("Turn: %v", err)
	}
	if got := roles(next.Messages); got != "user,assistant" {
		t.Errorf("second turn message roles = %s", got)
	}
}

func TestTurn_ToolChainAtLimitSucceeds(t *testing.T) {
	t.Parallel()
	const limit = 3
	model := &llmmock.Provider{Script: append(toolSteps(limit), llmmock.Reply("All done."))}
	host := lightHost()
	o := newTestOrchestrator(t, model, host, Config{MaxToolChain: limit})

	reply, err := o.Turn(context.Background(), "flash the light three times")
	if err != nil {
		t.Fatalf("Turn: %v", err)
	}
	if reply.Rounds != limit || reply.Fallback {
		t.Errorf("reply = %+v, want %d rounds without fallback", reply, limit)
	}
	if n := len(host.Executed()); n != limit {
		t.Errorf("Executed = %d, want %d", n, limit)
	}
}

func TestTurn_ToolChainExceeded(t *testing.T) {
	t.Parallel()
	const limit = 3
	model := &llmmock.Provider{Script: append(toolSteps(limit+1), llmmock.Reply("Still here."))}
	host := lightHost()
	o := newTestOrchestrator(t, model, host, Config{MaxToolChain: limit, Apology: "Sorry, that took too many steps."})

	reply, err := o.Turn(context.Background(), "loop forever")
	if !errors.Is(err, ErrToolChainExceeded) {
		t.Fatalf("err = %v, want ErrToolChainExceeded", err)
	}
	if reply == nil || reply.Text != "Sorry, that took too many steps." || !reply.Fallback {
		t.Fatalf("reply = %+v, want spoken apology", reply)
	}
	if n := len(host.Executed()); n != limit {
		t.Errorf("Executed = %d, want %d (the extra round must not run)", n, limit)
	}
	if o.State() != AwaitingTranscript {
		t.Errorf("State = %v, want %v", o.State(), AwaitingTranscript)
	}

	// The history must stay well-formed: every assistant tool call answered.
	hist := o.History()
	if hist[len(hist)-1].Role != types.RoleAssistant || hist[len(hist)-1].ToolCalls != nil {
		t.Errorf("last message = %+v, want the apology", hist[len(hist)-1])
	}

	// The session stays usable.
	reply, err = o.Turn(context.Background(), "are you there")
	if err != nil {
		t.Fatalf("second Turn: %v", err)
	}
	if reply.Text != "Still here." {
		t.Errorf("second reply = %q", reply.Text)
	}
}

func TestTurn_UnknownToolIsReturnedAsData(t *testing.T) {
	t.Parallel()
	model := &llmmock.Provider{Script: []llmmock.Step{
		llmmock.CallTool("c1", "garage.open", "{}"),
		llmmock.Reply("I can't open the garage."),
	}}
	o := newTestOrchestrator(t, model, lightHost(), Config{})

	reply, err := o.Turn(context.Background(), "open the garage")
	if err != nil {
		t.Fatalf("Turn: %v", err)
	}
	if len(reply.Tools) != 1 || !reply.Tools[0].Result.IsError {
		t.Fatalf("Tools = %+v, want one error result", reply.Tools)
	}
	msgs := model.LastRequest().Messages
	if last := msgs[len(msgs)-1]; !strings.Contains(last.Content, "unknown_tool") {
		t.Errorf("tool message = %q, want unknown_tool payload", last.Content)
	}
}

func TestTurn_NilToolHost(t *testing.T) {
	t.Parallel()
	model := &llmmock.Provider{Script: []llmmock.Step{
		llmmock.CallTool("c1", "light.on", "{}"),
		llmmock.Reply("No tools here."),
	}}
	o := newTestOrchestrator(t, model, nil, Config{})

	reply, err := o.Turn(context.Background(), "turn on the light")
	if err != nil {
		t.Fatalf("Turn: %v", err)
	}
	if len(reply.Tools) != 1 || !reply.Tools[0].Result.IsError {
		t.Errorf("Tools = %+v, want unknown tool result", reply.Tools)
	}
	if len(model.CompleteCalls[0].Req.Tools) != 0 {
		t.Error("tools offered without a host")
	}
}

func TestTurn_AssignsMissingCallIDs(t *testing.T) {
	t.Parallel()
	model := &llmmock.Provider{Script: []llmmock.Step{
		llmmock.CallTool("", "light.on", "{}"),
		llmmock.Reply("ok"),
	}}
	o := newTestOrchestrator(t, model, lightHost(), Config{})
	if _, err := o.Turn(context.Background(), "light"); err != nil {
		t.Fatalf("Turn: %v", err)
	}
	hist := o.History()
	call := hist[1].ToolCalls[0]
	if call.ID == "" || hist[2].ToolCallID != call.ID {
		t.Errorf("call id %q, tool message id %q: want matching non-empty ids", call.ID, hist[2].ToolCallID)
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Model failures
// ──────────────────────────────────────────────────────────────────────────────

func TestTurn_RetriesOnce(t *testing.T) {
	t.Parallel()
	model := &llmmock.Provider{Script: []llmmock.Step{
		llmmock.Fail(llm.ErrRateLimited),
		llmmock.Reply("Hello!"),
	}}
	o := newTestOrchestrator(t, model, nil, Config{})

	reply, err := o.Turn(context.Background(), "hi")
	if err != nil {
		t.Fatalf("Turn: %v", err)
	}
	if reply.Text != "Hello!" {
		t.Errorf("Text = %q", reply.Text)
	}
	if n := model.CompleteCallCount(); n != 2 {
		t.Errorf("model calls = %d, want 2", n)
	}
}

func TestTurn_FallbackAfterRetry(t *testing.T) {
	t.Parallel()
	model := &llmmock.Provider{Script: []llmmock.Step{
		llmmock.Fail(llm.ErrTimeout),
		llmmock.Fail(llm.ErrTimeout),
		llmmock.Reply("Back again."),
	}}
	o := newTestOrchestrator(t, model, nil, Config{ErrorReply: "I can't think right now."})

	reply, err := o.Turn(context.Background(), "hi")
	if !errors.Is(err, llm.ErrTimeout) {
		t.Fatalf("err = %v, want llm.ErrTimeout", err)
	}
	if reply == nil || reply.Text != "I can't think right now." || !reply.Fallback {
		t.Fatalf("reply = %+v, want error reply", reply)
	}
	if n := model.CompleteCallCount(); n != 2 {
		t.Errorf("model calls = %d, want exactly one retry", n)
	}

	reply, err = o.Turn(context.Background(), "hi again")
	if err != nil || reply.Text != "Back again." {
		t.Errorf("next turn = %+v, %v; want recovery", reply, err)
	}
}

func TestTurn_UnclassifiedErrorIsUnavailable(t *testing.T) {
	t.Parallel()
	model := &llmmock.Provider{CompleteErr: errors.New("connection reset")}
	o := newTestOrchestrator(t, model, nil, Config{})

	_, err := o.Turn(context.Background(), "hi")
	if !errors.Is(err, llm.ErrUnavailable) {
		t.Errorf("err = %v, want llm.ErrUnavailable", err)
	}
}

func TestTurn_EmptyModelReply(t *testing.T) {
	t.Parallel()
	model := &llmmock.Provider{Script: []llmmock.Step{llmmock.Reply("")}}
	o := newTestOrchestrator(t, model, nil, Config{})

	reply, err := o.Turn(context.Background(), "hi")
	if err == nil || reply == nil || reply.Text == "" || !reply.Fallback {
		t.Errorf("reply = %+v, err = %v; want fallback text", reply, err)
	}
}

func TestTurn_Cancelled(t *testing.T) {
	t.Parallel()
	model := &llmmock.Provider{Script: []llmmock.Step{llmmock.Fail(context.Canceled)}}
	o := newTestOrchestrator(t, model, nil, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	reply, err := o.Turn(ctx, "hi")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if reply != nil {
		t.Errorf("reply = %+v, want nil", reply)
	}
	if n := model.CompleteCallCount(); n != 1 {
		t.Errorf("model calls = %d, want no retry after cancellation", n)
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// History and exit
// ──────────────────────────────────────────────────────────────────────────────

func TestTurn_TrimsOldestKeepsSystemPrompt(t *testing.T) {
	t.Parallel()
	model := &llmmock.Provider{Script: []llmmock.Step{llmmock.Reply("ok")}}
	o := newTestOrchestrator(t, model, nil, Config{SystemPrompt: "sys", MaxHistory: 4})

	for _, q := range []string{"one", "two", "three"} {
		if _, err := o.Turn(context.Background(), q); err != nil {
			t.Fatalf("Turn(%q): %v", q, err)
		}
	}
	hist := o.History()
	if got := roles(hist); got != "system,user,assistant,user,assistant" {
		t.Fatalf("history roles = %s", got)
	}
	if hist[0].Content != "sys" || hist[1].Content != "two" {
		t.Errorf("history = %+v, want system prompt then turn two", hist)
	}
}

func TestNew_TokenBudgetFromCapabilities(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		caps types.ModelCapabilities
		cfg  int
		want int
	}{
		{name: "derived", caps: types.ModelCapabilities{ContextWindow: 8_192, MaxOutputTokens: 1_024}, want: 7_168},
		{name: "configured wins", caps: types.ModelCapabilities{ContextWindow: 8_192, MaxOutputTokens: 1_024}, cfg: 500, want: 500},
		{name: "unknown window", want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			model := &llmmock.Provider{ModelCapabilities: tt.caps}
			o := newTestOrchestrator(t, model, nil, Config{MaxContextTokens: tt.cfg})
			if got := o.window.maxTokens; got != tt.want {
				t.Errorf("maxTokens = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestTurn_DetectsExit(t *testing.T) {
	t.Parallel()
	model := &llmmock.Provider{Script: []llmmock.Step{llmmock.Reply("Bye, talk soon!")}}
	o := newTestOrchestrator(t, model, nil, Config{})

	reply, err := o.Turn(context.Background(), "Okay, goodbye!")
	if err != nil {
		t.Fatalf("Turn: %v", err)
	}
	if !reply.Exit {
		t.Error("Exit = false, want true")
	}
	if model.CompleteCallCount() != 1 {
		t.Error("the farewell must still be answered by the model")
	}
}

func TestTurn_Serialised(t *testing.T) {
	t.Parallel()
	model := &llmmock.Provider{Script: []llmmock.Step{llmmock.Reply("ok")}}
	o := newTestOrchestrator(t, model, nil, Config{MaxHistory: 100})

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = o.Turn(context.Background(), "ping")
		}()
	}
	wg.Wait()

	hist := o.History()
	if len(hist) != 16 {
		t.Fatalf("history length = %d, want 16", len(hist))
	}
	for i := 0; i < len(hist); i += 2 {
		if hist[i].Role != types.RoleUser || hist[i+1].Role != types.RoleAssistant {
			t.Fatalf("turns interleaved at %d: %s", i, roles(hist))
		}
	}
}

func TestTurn_RecordsProviderMetrics(t *testing.T) {
	t.Parallel()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	model := &llmmock.Provider{Script: []llmmock.Step{llmmock.Fail(llm.ErrUnavailable), llmmock.Reply("ok")}}
	o, err := New(model, nil, Config{RetryBackoff: time.Millisecond}, WithMetrics(m), WithProviderName("openai"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := o.Turn(context.Background(), "hi"); err != nil {
		t.Fatalf("Turn: %v", err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	byStatus := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != "vocalink.provider.requests" {
				continue
			}
			for _, dp := range met.Data.(metricdata.Sum[int64]).DataPoints {
				status, _ := dp.Attributes.Value("status")
				provider, _ := dp.Attributes.Value("provider")
				if provider.AsString() != "openai" {
					t.Errorf("provider = %q, want openai", provider.AsString())
				}
				byStatus[status.AsString()] += dp.Value
			}
		}
	}
	if byStatus["ok"] != 1 || byStatus["error"] != 1 {
		t.Errorf("provider.requests = %v, want ok=1 error=1", byStatus)
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Session tools
// ──────────────────────────────────────────────────────────────────────────────

func newSessionToolOrchestrator(t *testing.T, model llm.Provider, tools mcp.Host) *Orchestrator {
	t.Helper()
	mp := sdkmetric.NewMeterProvider()
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	o, err := New(model, tools, Config{RetryBackoff: time.Millisecond}, WithMetrics(m), WithSessionTools())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o
}

func offered(req llm.CompletionRequest, name string) bool {
	for _, td := range req.Tools {
		if td.Name == name {
			return true
		}
	}
	return false
}

func TestTurn_SessionExitTool(t *testing.T) {
	t.Parallel()
	model := &llmmock.Provider{Script: []llmmock.Step{
		llmmock.CallTool("c1", ToolExit, `{"goodbye":"See you tomorrow!"}`),
		llmmock.Reply("never asked"),
	}}
	o := newSessionToolOrchestrator(t, model, lightHost())

	reply, err := o.Turn(context.Background(), "that's all for today")
	if err != nil {
		t.Fatalf("Turn: %v", err)
	}
	if !reply.Exit {
		t.Error("Exit = false, want true")
	}
	if reply.Text != "See you tomorrow!" {
		t.Errorf("Text = %q, want the farewell", reply.Text)
	}
	if got := model.CompleteCallCount(); got != 1 {
		t.Errorf("model calls = %d, want 1", got)
	}
	if !offered(model.LastRequest(), ToolExit) || !offered(model.LastRequest(), "light.on") {
		t.Errorf("tools = %+v, want session and host tools", model.LastRequest().Tools)
	}
	if got := roles(o.History()); got != "user,assistant" {
		t.Errorf("history roles = %s, want user,assistant", got)
	}
	if o.State() != AwaitingTranscript {
		t.Errorf("State = %v, want awaiting_transcript", o.State())
	}
}

func TestTurn_SessionExitDefaultGoodbye(t *testing.T) {
	t.Parallel()
	model := &llmmock.Provider{Script: []llmmock.Step{llmmock.CallTool("c1", ToolExit, "")}}
	o := newSessionToolOrchestrator(t, model, nil)

	reply, err := o.Turn(context.Background(), "leave")
	if err != nil {
		t.Fatalf("Turn: %v", err)
	}
	if reply.Text != DefaultGoodbye || !reply.Exit {
		t.Errorf("reply = %q exit=%v, want default goodbye and exit", reply.Text, reply.Exit)
	}
}

func TestTurn_SessionNewChatClearsHistory(t *testing.T) {
	t.Parallel()
	model := &llmmock.Provider{Script: []llmmock.Step{
		llmmock.Reply("The light is on."),
		llmmock.CallTool("c1", ToolNewChat, `{}`),
		llmmock.Reply("Hello!"),
	}}
	o := newSessionToolOrchestrator(t, model, nil)

	if _, err := o.Turn(context.Background(), "turn on the light"); err != nil {
		t.Fatalf("first Turn: %v", err)
	}
	reply, err := o.Turn(context.Background(), "let's start over")
	if err != nil {
		t.Fatalf("second Turn: %v", err)
	}
	if reply.Text != DefaultNewTopic || reply.Exit {
		t.Errorf("reply = %q exit=%v, want default greeting without exit", reply.Text, reply.Exit)
	}
	if got := roles(o.History()); got != "assistant" {
		t.Errorf("history roles = %s, want only the greeting", got)
	}
	if got := roles(reply.Messages); got != "user,assistant" {
		t.Errorf("turn messages = %s, want user,assistant", got)
	}

	if _, err := o.Turn(context.Background(), "hi"); err != nil {
		t.Fatalf("third Turn: %v", err)
	}
	for _, m := range model.LastRequest().Messages {
		if m.Content == "turn on the light" {
			t.Error("history before the new chat was sent to the model")
		}
	}
}

func TestTurn_SessionToolAfterHostTools(t *testing.T) {
	t.Parallel()
	model := &llmmock.Provider{Script: []llmmock.Step{{Response: &llm.CompletionResponse{
		ToolCalls: []types.ToolCall{
			{ID: "c1", Name: "light.on", Arguments: "{}"},
			{ID: "c2", Name: ToolExit, Arguments: `{"goodbye":"Good night!"}`},
		},
	}}}}
	host := lightHost()
	o := newSessionToolOrchestrator(t, model, host)

	reply, err := o.Turn(context.Background(), "lights on and good night")
	if err != nil {
		t.Fatalf("Turn: %v", err)
	}
	if got := host.Executed(); len(got) != 1 || got[0] != "light.on" {
		t.Errorf("executed = %v, want [light.on]", got)
	}
	if len(reply.Tools) != 2 || reply.Tools[1].Call.Name != ToolExit {
		t.Errorf("tools = %+v, want light.on then session.exit", reply.Tools)
	}
	if !reply.Exit || reply.Text != "Good night!" {
		t.Errorf("reply = %q exit=%v", reply.Text, reply.Exit)
	}
	if got := roles(o.History()); got != "user,assistant,tool,assistant" {
		t.Errorf("history roles = %s", got)
	}
}

func TestTurn_SessionToolsOffByDefault(t *testing.T) {
	t.Parallel()
	model := &llmmock.Provider{Script: []llmmock.Step{llmmock.Reply("Hi.")}}
	o := newTestOrchestrator(t, model, nil, Config{})

	if _, err := o.Turn(context.Background(), "hello"); err != nil {
		t.Fatalf("Turn: %v", err)
	}
	if offered(model.LastRequest(), ToolExit) || offered(model.LastRequest(), ToolNewChat) {
		t.Errorf("tools = %+v, want no session tools", model.LastRequest().Tools)
	}
}

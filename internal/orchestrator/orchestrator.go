// Package orchestrator runs the conversation of one voice session.
//
// An [Orchestrator] takes a final transcript and produces the reply to speak.
// Each turn walks an explicit bounded state machine:
//
//	AwaitingTranscript ──▶ ModelInvoked ──▶ DirectReply ──▶ AwaitingTranscript
//	                           ▲    │
//	                           │    ▼
//	                           └─ ToolRequested (at most MaxToolChain rounds)
//
// Tool calls are resolved through an [mcp.Host]; every result, including
// unknown tools and tool failures, goes back to the model as a tool message.
// A model failure is retried once with backoff and then answered with a
// spoken fallback. Running past MaxToolChain ends the turn with
// [ErrToolChainExceeded] and a spoken apology. Either way the orchestrator is
// ready for the next transcript.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/MrWong99/vocalink/internal/mcp"
	"github.com/MrWong99/vocalink/internal/observe"
	"github.com/MrWong99/vocalink/internal/resilience"
	"github.com/MrWong99/vocalink/pkg/provider/llm"
	"github.com/MrWong99/vocalink/pkg/types"
)

// ErrToolChainExceeded is returned when the model keeps requesting tools
// after MaxToolChain rounds. It is fatal to the turn only.
var ErrToolChainExceeded = errors.New("orchestrator: tool chain exceeded")

// Defaults applied by [Config.withDefaults].
const (
	DefaultMaxToolChain = 5
	DefaultMaxHistory   = 16
	DefaultRetryBackoff = 250 * time.Millisecond
	DefaultTimeout      = 30 * time.Second
	DefaultApology      = "Sorry, I couldn't finish that request."
	DefaultErrorReply   = "Sorry, I'm having trouble thinking right now. Please try again in a moment."
)

// State is the turn state.
type State int

const (
	AwaitingTranscript State = iota
	ModelInvoked
	ToolRequested
	DirectReply
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case AwaitingTranscript:
		return "awaiting_transcript"
	case ModelInvoked:
		return "model_invoked"
	case ToolRequested:
		return "tool_requested"
	case DirectReply:
		return "direct_reply"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config tunes an [Orchestrator]. Zero values select the defaults.
type Config struct {
	// SystemPrompt is always sent first and never trimmed.
	SystemPrompt string

	// MaxToolChain bounds the tool rounds per turn. Default 5.
	MaxToolChain int

	// MaxHistory bounds the non-system messages kept. Default 16.
	MaxHistory int

	// MaxContextTokens additionally bounds the estimated prompt size. Zero
	// derives it from the model's capabilities; models that report no
	// context window get no token budget.
	MaxContextTokens int

	// RetryBackoff is the wait before the single retry of a failed model
	// call. Default 250ms.
	RetryBackoff time.Duration

	// Timeout bounds each model call. Default 30s.
	Timeout time.Duration

	// Apology is spoken when the tool chain is exceeded.
	Apology string

	// ErrorReply is spoken when the model stays unavailable.
	ErrorReply string

	// ExitPhrases end the session after the reply. Nil selects
	// DefaultExitPhrases; an empty slice disables exit detection.
	ExitPhrases []string

	// Temperature and MaxTokens are passed through to the model.
	Temperature float64
	MaxTokens   int
}

func (c Config) withDefaults() Config {
	if c.MaxToolChain <= 0 {
		c.MaxToolChain = DefaultMaxToolChain
	}
	if c.MaxHistory <= 0 {
		c.MaxHistory = DefaultMaxHistory
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = DefaultRetryBackoff
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Apology == "" {
		c.Apology = DefaultApology
	}
	if c.ErrorReply == "" {
		c.ErrorReply = DefaultErrorReply
	}
	return c
}

// ToolOutcome pairs a model tool call with its result.
type ToolOutcome struct {
	Call   types.ToolCall
	Result mcp.ToolResult
}

// Reply is the outcome of one turn.
type Reply struct {
	// Text is the full text to speak or display. It is never empty.
	Text string

	// Sentences is Text split for sentence-by-sentence synthesis.
	Sentences []string

	// Tools lists every tool executed during the turn, in order.
	Tools []ToolOutcome

	// Rounds is the number of tool rounds the turn took.
	Rounds int

	// Exit is set when the user said an exit phrase; the session should end
	// after the reply has been spoken.
	Exit bool

	// Fallback is set when Text is the apology or the error reply rather
	// than model output.
	Fallback bool

	// Messages is what the turn added to the conversation: the user message,
	// any tool-call groups, and the final assistant message.
	Messages []types.Message
}

// Option is a functional option for [New].
type Option func(*Orchestrator)

// WithMetrics sets the metrics recorder. Default [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithProviderName labels model metrics with name. Default "llm".
func WithProviderName(name string) Option {
	return func(o *Orchestrator) { o.providerName = name }
}

// WithLogger sets the logger. Default slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

// Orchestrator is the conversation state machine for one session. Turns are
// serialised: a second Turn waits for the first to finish.
type Orchestrator struct {
	model        llm.Provider
	tools        mcp.Host
	cfg          Config
	exit         *ExitDetector
	metrics      *observe.Metrics
	providerName string
	log          *slog.Logger
	sessionTools bool

	turnMu sync.Mutex // held for a whole turn
	mu     sync.Mutex // guards state and window reads from other goroutines
	state  State
	window *Window
}

// New creates an Orchestrator. tools may be nil, in which case no tools are
// offered to the model.
func New(model llm.Provider, tools mcp.Host, cfg Config, opts ...Option) (*Orchestrator, error) {
	if model == nil {
		return nil, errors.New("orchestrator: model must not be nil")
	}
	cfg = cfg.withDefaults()
	if cfg.MaxContextTokens == 0 {
		cfg.MaxContextTokens = llm.PromptBudget(model.Capabilities())
	}
	o := &Orchestrator{
		model:        model,
		tools:        tools,
		cfg:          cfg,
		exit:         NewExitDetector(cfg.ExitPhrases, 0),
		providerName: "llm",
		window:       NewWindow(cfg.SystemPrompt, cfg.MaxHistory, cfg.MaxContextTokens),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	if o.log == nil {
		o.log = slog.Default()
	}
	return o, nil
}

// State returns the current turn state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// History returns a copy of the conversation, system prompt first.
func (o *Orchestrator) History() []types.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.window.Messages()
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

// Turn runs one conversation turn for the user's transcript.
//
// The returned Reply is non-nil unless ctx was cancelled. A non-nil error
// alongside a Reply reports why the reply is a fallback: it wraps
// [ErrToolChainExceeded] or one of the llm error sentinels. Cancellation
// returns ctx's error and no Reply; the user message stays in the history.
func (o *Orchestrator) Turn(ctx context.Context, transcript string) (*Reply, error) {
	o.turnMu.Lock()
	defer o.turnMu.Unlock()
	defer o.setState(AwaitingTranscript)

	ctx, span := observe.StartSpan(ctx, "orchestrator.turn")
	defer span.End()

	exit := o.exit.Detect(transcript)
	o.mu.Lock()
	o.window.BeginTurn()
	o.window.Append(types.Message{Role: types.RoleUser, Content: transcript, Timestamp: time.Now()})
	o.mu.Unlock()

	reply, err := o.run(ctx)
	if reply != nil {
		reply.Exit = reply.Exit || exit
		reply.Sentences = SplitSentences(reply.Text)
		span.SetAttributes(
			attribute.Int("tool_rounds", reply.Rounds),
			attribute.Bool("fallback", reply.Fallback),
			attribute.Bool("exit", reply.Exit),
		)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	o.mu.Lock()
	if reply != nil {
		reply.Messages = append(reply.Messages, o.window.TurnMessages()...)
	}
	o.window.Trim()
	o.mu.Unlock()
	return reply, err
}

// run drives the state machine.
func (o *Orchestrator) run(ctx context.Context) (*Reply, error) {
	log := o.log.With("trace_id", observe.CorrelationID(ctx))
	reply := &Reply{}
	for {
		o.setState(ModelInvoked)
		o.mu.Lock()
		o.window.Trim()
		req := llm.CompletionRequest{
			Messages:    o.window.Messages(),
			Temperature: o.cfg.Temperature,
			MaxTokens:   o.cfg.MaxTokens,
		}
		o.mu.Unlock()
		if o.tools != nil {
			req.Tools = o.tools.AvailableTools()
		}
		if o.sessionTools {
			req.Tools = slices.Concat(req.Tools, sessionToolDefs)
		}

		resp, err := o.complete(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Error("model failed, answering with fallback", "err", err, "rounds", reply.Rounds)
			return o.fallback(reply, o.cfg.ErrorReply), fmt.Errorf("orchestrator: model: %w", err)
		}

		if len(resp.ToolCalls) == 0 {
			o.setState(DirectReply)
			text := resp.Content
			if text == "" {
				// A model that answers with nothing still owes the user a reply.
				return o.fallback(reply, o.cfg.ErrorReply), fmt.Errorf("orchestrator: model: %w: empty reply", llm.ErrUnavailable)
			}
			o.mu.Lock()
			o.window.Append(types.Message{Role: types.RoleAssistant, Content: text, Timestamp: time.Now()})
			o.mu.Unlock()
			reply.Text = text
			return reply, nil
		}

		var session *types.ToolCall
		calls := resp.ToolCalls
		if o.sessionTools {
			session, calls = splitSessionCalls(resp.ToolCalls)
		}

		o.setState(ToolRequested)
		if session == nil && reply.Rounds >= o.cfg.MaxToolChain {
			log.Warn("tool chain exceeded",
				"max_tool_chain", o.cfg.MaxToolChain,
				"requested", toolNames(resp.ToolCalls))
			return o.fallback(reply, o.cfg.Apology), fmt.Errorf("%w: more than %d rounds", ErrToolChainExceeded, o.cfg.MaxToolChain)
		}
		reply.Rounds++
		if len(calls) > 0 {
			if err := o.dispatch(ctx, resp.Content, calls, reply); err != nil {
				return nil, err
			}
		}
		if session != nil {
			o.setState(DirectReply)
			return o.answerSessionTool(*session, reply), nil
		}
	}
}

// dispatch resolves every tool call and appends the assistant message and
// the tool results as one group.
func (o *Orchestrator) dispatch(ctx context.Context, content string, requested []types.ToolCall, reply *Reply) error {
	calls := make([]types.ToolCall, len(requested))
	for i, c := range requested {
		if c.ID == "" {
			c.ID = fmt.Sprintf("call_%d_%d", reply.Rounds, i)
		}
		calls[i] = c
	}
	group := []types.Message{{
		Role:      types.RoleAssistant,
		Content:   content,
		ToolCalls: calls,
		Timestamp: time.Now(),
	}}
	for _, c := range calls {
		var res mcp.ToolResult
		if o.tools == nil {
			res = mcp.Resolve(ctx, noTools{}, c)
		} else {
			res = mcp.Resolve(ctx, o.tools, c)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		o.log.Debug("tool resolved",
			"tool", c.Name, "is_error", res.IsError, "duration_ms", res.DurationMs)
		reply.Tools = append(reply.Tools, ToolOutcome{Call: c, Result: res})
		group = append(group, types.Message{
			Role:       types.RoleTool,
			Content:    res.Content,
			ToolCallID: c.ID,
			Timestamp:  time.Now(),
		})
	}
	o.mu.Lock()
	o.window.Append(group...)
	o.mu.Unlock()
	return nil
}

// complete calls the model with one retry on retryable failures.
func (o *Orchestrator) complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	var resp *llm.CompletionResponse
	err := resilience.Retry(ctx, resilience.RetryConfig{
		Attempts:  2,
		Backoff:   o.cfg.RetryBackoff,
		Retryable: llm.Retryable,
		OnRetry: func(attempt int, err error) {
			o.log.Warn("model call failed, retrying", "attempt", attempt, "err", err)
		},
	}, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
		defer cancel()

		start := time.Now()
		r, err := o.model.Complete(callCtx, req)
		o.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds())
		if err != nil {
			err = llm.Classify(callCtx, err, 0)
			o.metrics.RecordProviderRequest(ctx, o.providerName, "llm", "error")
			o.metrics.RecordProviderError(ctx, o.providerName, "llm")
			return err
		}
		if r == nil {
			r = &llm.CompletionResponse{}
		}
		o.metrics.RecordProviderRequest(ctx, o.providerName, "llm", "ok")
		resp = r
		return nil
	})
	return resp, err
}

// fallback finishes reply with a canned text and records it as the
// assistant's answer so the history keeps alternating.
func (o *Orchestrator) fallback(reply *Reply, text string) *Reply {
	o.mu.Lock()
	o.window.Append(types.Message{Role: types.RoleAssistant, Content: text, Timestamp: time.Now()})
	o.mu.Unlock()
	reply.Text = text
	reply.Fallback = true
	return reply
}

func toolNames(calls []types.ToolCall) []string {
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.Name
	}
	return out
}

// noTools is the dispatcher used when the orchestrator has none: every call
// resolves to an unknown-tool result.
type noTools struct{}

func (noTools) RegisterServer(context.Context, mcp.ServerConfig) error { return nil }
func (noTools) AvailableTools() []types.ToolDefinition                 { return nil }
func (noTools) Close() error                                           { return nil }
func (noTools) ExecuteTool(_ context.Context, name, _ string) (*mcp.ToolResult, error) {
	return nil, fmt.Errorf("orchestrator: tool %q: %w", name, mcp.ErrUnknownTool)
}

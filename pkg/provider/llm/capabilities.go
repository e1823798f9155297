package llm

import (
	"strings"

	"github.com/MrWong99/vocalink/pkg/types"
)

// charsPerToken is the heuristic ratio used for token estimation. English
// text averages roughly four characters per token across current tokenizers.
const charsPerToken = 4

// MessageTokens returns a rough token count for m. It never undercounts a
// non-empty message as zero.
func MessageTokens(m types.Message) int {
	chars := len(m.Content) + len(m.Role)
	for _, tc := range m.ToolCalls {
		chars += len(tc.Name) + len(tc.Arguments) + len(tc.ID)
	}
	tokens := chars / charsPerToken
	if tokens == 0 && chars > 0 {
		tokens = 1
	}
	return tokens
}

// EstimateTokens sums [MessageTokens] over messages. Adapters without a
// tokenisation endpoint use it for CountTokens.
func EstimateTokens(messages []types.Message) int {
	total := 0
	for _, m := range messages {
		total += MessageTokens(m)
	}
	return total
}

// modelFamily maps a lower-case model name prefix to its limits. Entries are
// matched in order, so longer prefixes come first.
type modelFamily struct {
	prefix    string
	window    int
	maxOutput int
	noTools   bool
}

var modelFamilies = []modelFamily{
	{prefix: "gpt-4o", window: 128_000, maxOutput: 16_384},
	{prefix: "gpt-4.1", window: 1_047_576, maxOutput: 32_768},
	{prefix: "gpt-4-turbo", window: 128_000, maxOutput: 4_096},
	{prefix: "gpt-4", window: 8_192, maxOutput: 4_096},
	{prefix: "gpt-3.5-turbo", window: 16_385, maxOutput: 4_096},
	{prefix: "o1-mini", window: 128_000, maxOutput: 65_536, noTools: true},
	{prefix: "o1", window: 200_000, maxOutput: 100_000},
	{prefix: "o3", window: 200_000, maxOutput: 100_000},
	{prefix: "o4-mini", window: 200_000, maxOutput: 100_000},
	{prefix: "claude-3-opus", window: 200_000, maxOutput: 4_096},
	{prefix: "claude", window: 200_000, maxOutput: 8_192},
	{prefix: "gemini-1.5-pro", window: 2_097_152, maxOutput: 8_192},
	{prefix: "gemini-2.5", window: 1_048_576, maxOutput: 65_536},
	{prefix: "gemini", window: 1_048_576, maxOutput: 8_192},
	{prefix: "llama", window: 128_000, maxOutput: 4_096},
	{prefix: "mistral", window: 32_000, maxOutput: 4_096},
	{prefix: "deepseek", window: 64_000, maxOutput: 8_192},
}

// LookupCapabilities returns the known limits of model. Unknown models get a
// 128k window, 4k output and tool calling.
func LookupCapabilities(model string) types.ModelCapabilities {
	caps := types.ModelCapabilities{
		ContextWindow:       128_000,
		MaxOutputTokens:     4_096,
		SupportsToolCalling: true,
		SupportsStreaming:   true,
	}
	lower := strings.ToLower(model)
	for _, f := range modelFamilies {
		if strings.HasPrefix(lower, f.prefix) {
			caps.ContextWindow = f.window
			caps.MaxOutputTokens = f.maxOutput
			caps.SupportsToolCalling = !f.noTools
			break
		}
	}
	return caps
}

// PromptBudget returns how many prompt tokens caps leaves room for once a
// full reply is reserved. Zero means unknown.
func PromptBudget(caps types.ModelCapabilities) int {
	if caps.ContextWindow <= caps.MaxOutputTokens {
		return 0
	}
	return caps.ContextWindow - caps.MaxOutputTokens
}

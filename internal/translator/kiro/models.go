// Package kiro translates between the gateway's client-facing chat-completion
// wire format (OpenAI/Anthropic-style messages, tools, system prompt) and the
// CodeWhisperer conversationState schema the Q inference endpoint expects.
package kiro

import "fmt"

// modelTable is the closed set of public model names this gateway accepts,
// mapped to the CodeWhisperer model identifier.
var modelTable = map[string]string{
	"claude-sonnet-4-5":          "CLAUDE_SONNET_4_5_20250929_V1_0",
	"claude-sonnet-4-5-thinking": "CLAUDE_SONNET_4_5_20250929_V1_0",
	"claude-sonnet-4":            "CLAUDE_SONNET_4_20250514_V1_0",
	"claude-sonnet-4-thinking":   "CLAUDE_SONNET_4_20250514_V1_0",
	"claude-3-7-sonnet":          "CLAUDE_3_7_SONNET_20250219_V1_0",
	"claude-3-5-haiku":           "CLAUDE_3_5_HAIKU_20241022_V1_0",
}

// defaultThinkingBudget is N in <max_thinking_length>N</max_thinking_length>
// when the caller doesn't specify one.
const defaultThinkingBudget = 20000

// ErrUnknownModel is returned by ResolveModel for names outside modelTable.
type ErrUnknownModel struct {
	Model string
}

func (e *ErrUnknownModel) Error() string {
	return fmt.Sprintf("kiro translator: unknown model %q", e.Model)
}

// ResolveModel maps a public model name to its CodeWhisperer identifier and
// reports whether the caller requested extended thinking via the
// "-thinking" suffix.
func ResolveModel(name string) (codewhispererID string, thinking bool, err error) {
	id, ok := modelTable[name]
	if !ok {
		return "", false, &ErrUnknownModel{Model: name}
	}
	return id, len(name) > 9 && name[len(name)-9:] == "-thinking", nil
}

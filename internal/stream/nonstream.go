package stream

import "strings"

// ToolCallResult is one deduplicated tool call surfaced to a non-streaming
// caller.
type ToolCallResult struct {
	ID    string
	Name  string
	Input string
}

// Collector runs a Parser to completion and assembles its output into a
// single OpenAI-style chat.completion body instead of an SSE stream.
type Collector struct {
	parser *Parser

	text      strings.Builder
	reasoning strings.Builder

	toolOrder []string
	toolByID  map[string]*ToolCallResult
}

// NewCollector returns an empty Collector.
func NewCollector() *Collector {
	return &Collector{
		parser:   NewParser(),
		toolByID: make(map[string]*ToolCallResult),
	}
}

// Feed pushes a raw upstream chunk.
func (c *Collector) Feed(chunk []byte) {
	c.consume(c.parser.Feed(chunk))
}

func (c *Collector) consume(events []Event) {
	for _, ev := range events {
		switch v := ev.(type) {
		case TextDelta:
			c.text.WriteString(v.Text)
		case ThinkingDelta:
			c.reasoning.WriteString(v.Text)
		case ToolCallStart:
			if _, ok := c.toolByID[v.ID]; !ok {
				c.toolByID[v.ID] = &ToolCallResult{ID: v.ID, Name: v.Name}
				c.toolOrder = append(c.toolOrder, v.ID)
			}
		case ToolCallDelta:
			if tc, ok := c.toolByID[v.ID]; ok {
				tc.Input += v.Input
			}
		}
	}
}

// Result is the fully assembled answer.
type Result struct {
	Text         string
	Reasoning    string
	ToolCalls    []ToolCallResult
	StopReason   string
	InputTokens  int
	OutputTokens int
}

// Close flushes the parser and returns the collected Result. It must be
// called exactly once, after the upstream body is exhausted.
func (c *Collector) Close() Result {
	final := c.parser.Close(len(c.toolByID) > 0)
	c.consume(final)

	var stopReason string
	var in, out int
	for _, ev := range final {
		if md, ok := ev.(MessageDelta); ok {
			stopReason = md.StopReason
			in, out = md.InputTokens, md.OutputTokens
		}
	}

	calls := make([]ToolCallResult, 0, len(c.toolOrder))
	for _, id := range c.toolOrder {
		calls = append(calls, *c.toolByID[id])
	}

	return Result{
		Text:         c.text.String(),
		Reasoning:    c.reasoning.String(),
		ToolCalls:    calls,
		StopReason:   stopReason,
		InputTokens:  in,
		OutputTokens: out,
	}
}

// ToOpenAIEnvelope renders Result as an OpenAI non-streaming
// `chat.completion` response body.
func ToOpenAIEnvelope(id, model string, created int64, r Result) map[string]any {
	message := map[string]any{
		"role":    "assistant",
		"content": r.Text,
	}
	if r.Reasoning != "" {
		message["reasoning_content"] = r.Reasoning
	}
	if len(r.ToolCalls) > 0 {
		calls := make([]map[string]any, 0, len(r.ToolCalls))
		for _, tc := range r.ToolCalls {
			calls = append(calls, map[string]any{
				"id":   tc.ID,
				"type": "function",
				"function": map[string]any{
					"name":      tc.Name,
					"arguments": tc.Input,
				},
			})
		}
		message["tool_calls"] = calls
	}

	return map[string]any{
		"id":      id,
		"object":  "chat.completion",
		"created": created,
		"model":   model,
		"choices": []map[string]any{{
			"index":         0,
			"message":       message,
			"finish_reason": r.StopReason,
		}},
		"usage": map[string]any{
			"prompt_tokens":     r.InputTokens,
			"completion_tokens": r.OutputTokens,
			"total_tokens":      r.InputTokens + r.OutputTokens,
		},
	}
}

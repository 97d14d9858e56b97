package stream

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Encoder turns Events into OpenAI-compatible `chat.completion.chunk` SSE
// lines, keeping track of the id/model/created triple every chunk repeats
// and the per-index role-vs-delta bookkeeping tool calls need.
type Encoder struct {
	id      string
	model   string
	created int64

	toolIndexByID map[string]int
	toolNextSlot  int
	roleSent      bool
}

// NewEncoder returns an Encoder for one response. created is a unix
// timestamp supplied by the caller (the parser never reads the clock).
func NewEncoder(id, model string, created int64) *Encoder {
	return &Encoder{
		id:            id,
		model:         model,
		created:       created,
		toolIndexByID: make(map[string]int),
	}
}

// Encode renders events as a slice of ready-to-write SSE lines (each
// already terminated with "\n\n"), in order.
func (e *Encoder) Encode(events []Event) []string {
	var lines []string
	for _, ev := range events {
		if chunk := e.chunkFor(ev); chunk != nil {
			lines = append(lines, e.sseLine(chunk))
		}
	}
	return lines
}

// Done returns the terminal "data: [DONE]\n\n" line.
func (e *Encoder) Done() string {
	return "data: [DONE]\n\n"
}

func (e *Encoder) sseLine(chunk map[string]any) string {
	b, err := json.Marshal(chunk)
	if err != nil {
		return ""
	}
	return "data: " + string(b) + "\n\n"
}

func (e *Encoder) chunkFor(ev Event) map[string]any {
	delta := map[string]any{}

	switch v := ev.(type) {
	case BlockStart:
		if !e.roleSent {
			delta["role"] = "assistant"
			e.roleSent = true
		}
		return e.wrap(delta, "")

	case TextDelta:
		delta["content"] = v.Text
		return e.wrap(delta, "")

	case ThinkingDelta:
		delta["reasoning_content"] = v.Text
		return e.wrap(delta, "")

	case BlockStop:
		return nil

	case ToolCallStart:
		slot := e.toolSlot(v.ID)
		delta["tool_calls"] = []map[string]any{{
			"index": slot,
			"id":    v.ID,
			"type":  "function",
			"function": map[string]any{
				"name":      v.Name,
				"arguments": "",
			},
		}}
		return e.wrap(delta, "")

	case ToolCallDelta:
		slot := e.toolSlot(v.ID)
		delta["tool_calls"] = []map[string]any{{
			"index": slot,
			"function": map[string]any{
				"arguments": v.Input,
			},
		}}
		return e.wrap(delta, "")

	case ToolCallStop:
		return nil

	case MessageDelta:
		return e.wrap(map[string]any{}, v.StopReason, usagePair{v.InputTokens, v.OutputTokens})

	case MessageStop:
		return nil
	}
	return nil
}

type usagePair struct {
	input, output int
}

func (e *Encoder) toolSlot(id string) int {
	if slot, ok := e.toolIndexByID[id]; ok {
		return slot
	}
	slot := e.toolNextSlot
	e.toolIndexByID[id] = slot
	e.toolNextSlot++
	return slot
}

func (e *Encoder) wrap(delta map[string]any, finishReason string, usage ...usagePair) map[string]any {
	choice := map[string]any{
		"index": 0,
		"delta": delta,
	}
	if finishReason != "" {
		choice["finish_reason"] = finishReason
	} else {
		choice["finish_reason"] = nil
	}

	chunk := map[string]any{
		"id":      e.id,
		"object":  "chat.completion.chunk",
		"created": e.created,
		"model":   e.model,
		"choices": []map[string]any{choice},
	}
	if len(usage) == 1 {
		chunk["usage"] = map[string]any{
			"prompt_tokens":     usage[0].input,
			"completion_tokens": usage[0].output,
			"total_tokens":      usage[0].input + usage[0].output,
		}
	}
	return chunk
}

// ChatCompletionID generates a fake-but-shaped OpenAI completion id from a
// caller-supplied random suffix, matching the "chatcmpl-<suffix>" idiom
// clients expect to see.
func ChatCompletionID(suffix string) string {
	suffix = strings.TrimPrefix(suffix, "-")
	return fmt.Sprintf("chatcmpl-%s", suffix)
}

package kiro

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestResolveModel(t *testing.T) {
	id, thinking, err := ResolveModel("claude-sonnet-4-5-thinking")
	if err != nil {
		t.Fatalf("ResolveModel: %v", err)
	}
	if !thinking {
		t.Error("expected thinking=true for -thinking suffix")
	}
	if id != "CLAUDE_SONNET_4_5_20250929_V1_0" {
		t.Errorf("unexpected model id: %s", id)
	}
}

func TestResolveModel_Unknown(t *testing.T) {
	_, _, err := ResolveModel("gpt-5")
	if err == nil {
		t.Fatal("expected error for unknown model")
	}
}

func TestBuildRequest_Basic(t *testing.T) {
	body := []byte(`{"messages":[{"role":"user","content":"hello"}]}`)
	req, err := BuildRequest(body, "claude-sonnet-4-5", "us-east-1", "token", "arn", "cid")
	if err != nil {
		t.Fatalf("BuildRequest: %v", err)
	}
	if req.URL != "https://q.us-east-1.amazonaws.com/generateAssistantResponse" {
		t.Errorf("unexpected URL: %s", req.URL)
	}
	if req.Headers["Authorization"] != "Bearer token" {
		t.Errorf("unexpected auth header: %s", req.Headers["Authorization"])
	}
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(req.Body, &payload); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if _, ok := payload["conversationState"]; !ok {
		t.Fatal("expected conversationState in body")
	}
}

func TestBuildRequest_ThinkingSuffixInjectsDirective(t *testing.T) {
	body := []byte(`{"messages":[{"role":"user","content":"hi"},{"role":"assistant","content":"ok"},{"role":"user","content":"again"}]}`)
	req, err := BuildRequest(body, "claude-sonnet-4-5-thinking", "us-east-1", "token", "", "cid")
	if err != nil {
		t.Fatalf("BuildRequest: %v", err)
	}
	if !strings.Contains(string(req.Body), "thinking_mode") {
		t.Error("expected thinking_mode directive in serialized history")
	}
}

func TestNormalizeMessages_DropsMalformedPrefixArtefact(t *testing.T) {
	in := []ChatMessage{
		{Role: "user", Text: "hi"},
		{Role: "assistant", Text: "{"},
	}
	out := normalizeMessages(in)
	if len(out) != 1 {
		t.Fatalf("expected malformed trailing assistant message dropped, got %d messages", len(out))
	}
}

func TestNormalizeMessages_MergesAdjacentSameRole(t *testing.T) {
	in := []ChatMessage{
		{Role: "user", Text: "a"},
		{Role: "user", Text: "b"},
	}
	out := normalizeMessages(in)
	if len(out) != 1 || out[0].Text != "a\nb" {
		t.Fatalf("expected merged message, got %+v", out)
	}
}

func TestTruncateToolResult(t *testing.T) {
	long := strings.Repeat("x", toolResultTruncateLimit+100)
	got := truncateToolResult(long)
	if len(got) >= len(long) {
		t.Fatal("expected truncation to shrink the string")
	}
	if !strings.Contains(got, "[TRUNCATED]") {
		t.Error("expected truncation marker")
	}
}

func TestTruncateToolResult_UnderLimitUnchanged(t *testing.T) {
	short := "hello"
	if got := truncateToolResult(short); got != short {
		t.Errorf("expected unchanged string, got %q", got)
	}
}

func TestSanitizeToolPairing_DropsUnmatched(t *testing.T) {
	history := []historyRecord{
		{AssistantResponseMessage: &assistantResponseMessage{
			Content:  "calling tool",
			ToolUses: []wireToolUse{{ToolUseID: "t1", Name: "search"}},
		}},
		// No matching tool result follows.
	}
	out := sanitizeToolPairing(history)
	if len(out) != 1 {
		t.Fatalf("expected assistant record retained even without result, got %d", len(out))
	}
}

func TestSanitizeToolPairing_DeduplicatesByToolUseID(t *testing.T) {
	history := []historyRecord{
		{AssistantResponseMessage: &assistantResponseMessage{
			ToolUses: []wireToolUse{{ToolUseID: "t1", Name: "search"}},
		}},
		{UserInputMessage: &userInputMessage{
			UserInputMessageContext: &userInputMessageContext{
				ToolResults: []wireToolResult{{ToolUseID: "t1"}, {ToolUseID: "t1"}},
			},
		}},
	}
	out := sanitizeToolPairing(history)
	var resultCount int
	for _, rec := range out {
		if rec.UserInputMessage != nil && rec.UserInputMessage.UserInputMessageContext != nil {
			resultCount += len(rec.UserInputMessage.UserInputMessageContext.ToolResults)
		}
	}
	if resultCount != 1 {
		t.Errorf("expected deduplication to 1 tool result, got %d", resultCount)
	}
}

func TestMachineID_Deterministic(t *testing.T) {
	a := machineID("arn1", "cid1")
	b := machineID("arn1", "cid1")
	if a != b {
		t.Error("expected machineID deterministic")
	}
	if machineID("arn2", "cid1") == a {
		t.Error("expected machineID sensitive to profileArn")
	}
}

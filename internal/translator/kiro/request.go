package kiro

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"runtime"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

const (
	toolResultTruncateLimit = 250_000
	historyByteBudget       = 850_000
	minHistoryLength        = 2
	recentImageWindow       = 5
	toolDescriptionLimit    = 9216
)

var filteredToolNames = map[string]bool{"web_search": true, "websearch": true}

// BuildRequest is the component-H entry point: given the raw client body,
// the public model name (resolved here via ResolveModel), the account's
// region/profileArn/clientId, and its
// current access token, it produces the fully-prepared upstream request.
func BuildRequest(rawBody []byte, publicModel string, region, accessToken, profileArn, clientID string) (*UpstreamRequest, error) {
	codewhispererModel, thinking, err := ResolveModel(publicModel)
	if err != nil {
		return nil, err
	}

	parsed := gjson.ParseBytes(rawBody)
	messages := parseMessages(parsed)
	system := parsed.Get("system").String()
	tools := parseTools(parsed.Get("tools"))

	if thinking || parsed.Get("providerOptions.thinkingConfig").Exists() {
		budget := defaultThinkingBudget
		if b := parsed.Get("providerOptions.thinkingConfig.budgetTokens"); b.Exists() {
			budget = int(b.Int())
		}
		directive := fmt.Sprintf("<thinking_mode>enabled</thinking_mode><max_thinking_length>%d</max_thinking_length>", budget)
		system = directive + system
	}

	messages = normalizeMessages(messages)

	history, current, err := buildHistoryAndCurrent(messages, system, codewhispererModel)
	if err != nil {
		return nil, err
	}

	history = sanitizeToolPairing(history)
	history = applyImagePolicy(history)
	history = enforceSizeBudget(history)

	toolWrappers := convertTools(tools)
	toolWrappers = appendPlaceholdersForUnknownTools(toolWrappers, history)
	if current.UserInputMessage != nil {
		if current.UserInputMessage.UserInputMessageContext == nil {
			current.UserInputMessage.UserInputMessageContext = &userInputMessageContext{}
		}
		current.UserInputMessage.UserInputMessageContext.Tools = toolWrappers
	}

	conversationID := uuid.NewString()
	state := conversationState{
		ProfileArn:     profileArn,
		ConversationID: conversationID,
		History:        history,
		CurrentMessage: current,
	}

	body, err := json.Marshal(map[string]any{"conversationState": state})
	if err != nil {
		return nil, fmt.Errorf("kiro translator: marshal request body: %w", err)
	}

	url := fmt.Sprintf("https://q.%s.amazonaws.com/generateAssistantResponse", region)
	headers := buildHeaders(accessToken, profileArn, clientID)

	return &UpstreamRequest{
		URL:            url,
		Method:         "POST",
		Headers:        headers,
		Body:           body,
		Streaming:      true,
		EffectiveModel: codewhispererModel,
		ConversationID: conversationID,
	}, nil
}

// parseMessages converts the client's raw `messages` array into normalized
// ChatMessages via gjson, without building any CodeWhisperer shapes yet.
func parseMessages(parsed gjson.Result) []ChatMessage {
	var out []ChatMessage
	parsed.Get("messages").ForEach(func(_, msg gjson.Result) bool {
		cm := ChatMessage{Role: msg.Get("role").String()}

		content := msg.Get("content")
		if content.IsArray() {
			content.ForEach(func(_, part gjson.Result) bool {
				switch part.Get("type").String() {
				case "text":
					cm.Text += part.Get("text").String()
				case "thinking":
					cm.Thinking += part.Get("thinking").String()
				case "image", "image_url":
					if url := part.Get("image_url.url").String(); url != "" {
						cm.Images = append(cm.Images, url)
					} else if src := part.Get("source.data").String(); src != "" {
						cm.Images = append(cm.Images, src)
					}
				case "tool_use":
					tu := ToolUse{ID: part.Get("id").String(), Name: part.Get("name").String()}
					if in := part.Get("input"); in.IsObject() {
						tu.Input = jsonObjectToMap(in)
					}
					cm.ToolUses = append(cm.ToolUses, tu)
				case "tool_result":
					cm.ToolResults = append(cm.ToolResults, ToolResult{
						ToolUseID: part.Get("tool_use_id").String(),
						Content:   flattenToolResultContent(part.Get("content")),
					})
				}
				return true
			})
		} else {
			cm.Text = content.String()
		}

		if msg.Get("tool_call_id").Exists() {
			cm.ToolResults = append(cm.ToolResults, ToolResult{
				ToolUseID: msg.Get("tool_call_id").String(),
				Content:   cm.Text,
			})
			cm.Text = ""
		}

		out = append(out, cm)
		return true
	})
	return out
}

func flattenToolResultContent(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.String()
	}
	var sb strings.Builder
	content.ForEach(func(_, part gjson.Result) bool {
		if part.Get("type").String() == "text" {
			sb.WriteString(part.Get("text").String())
		}
		return true
	})
	return sb.String()
}

func jsonObjectToMap(v gjson.Result) map[string]any {
	m := make(map[string]any)
	v.ForEach(func(key, value gjson.Result) bool {
		m[key.String()] = value.Value()
		return true
	})
	return m
}

func parseTools(tools gjson.Result) []ToolDef {
	var out []ToolDef
	tools.ForEach(func(_, tool gjson.Result) bool {
		fn := tool
		if tool.Get("function").Exists() {
			fn = tool.Get("function")
		}
		name := fn.Get("name").String()
		if name == "" || filteredToolNames[strings.ToLower(name)] {
			return true
		}
		desc := fn.Get("description").String()
		if desc == "" {
			desc = "Tool: " + name
		}
		if len(desc) > toolDescriptionLimit {
			desc = desc[:toolDescriptionLimit]
		}
		var params map[string]any
		if p := fn.Get("parameters"); p.IsObject() {
			params = jsonObjectToMap(p)
		} else {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, ToolDef{Name: name, Description: desc, Parameters: params})
		return true
	})
	return out
}

// normalizeMessages merges adjacent same-role messages and drops a trailing
// assistant message whose text is the malformed-prefix artefact "{".
func normalizeMessages(in []ChatMessage) []ChatMessage {
	var out []ChatMessage
	for _, m := range in {
		if len(out) > 0 && out[len(out)-1].Role == m.Role {
			last := &out[len(out)-1]
			if last.Text != "" && m.Text != "" {
				last.Text += "\n" + m.Text
			} else {
				last.Text += m.Text
			}
			last.Thinking += m.Thinking
			last.Images = append(last.Images, m.Images...)
			last.ToolUses = append(last.ToolUses, m.ToolUses...)
			last.ToolResults = append(last.ToolResults, m.ToolResults...)
			continue
		}
		out = append(out, m)
	}

	if n := len(out); n > 0 && out[n-1].Role == "assistant" && strings.TrimSpace(out[n-1].Text) == "{" {
		out = out[:n-1]
	}
	return out
}

// buildHistoryAndCurrent implements steps 4-5 and 9 of the translation
// algorithm: every message but the last becomes a history record; the
// system prompt is placed; the last message becomes currentMessage.
func buildHistoryAndCurrent(messages []ChatMessage, system, modelID string) ([]historyRecord, *historyRecord, error) {
	var conversational []ChatMessage
	for _, m := range messages {
		if m.Role != "system" {
			conversational = append(conversational, m)
		} else if system == "" {
			system = m.Text
		}
	}

	if len(conversational) == 0 {
		conversational = []ChatMessage{{Role: "user", Text: ""}}
	}

	var history []historyRecord
	systemPlaced := false

	for _, m := range conversational[:len(conversational)-1] {
		rec := messageToRecord(m, modelID)
		if !systemPlaced && system != "" {
			if rec.UserInputMessage != nil {
				rec.UserInputMessage.Content = system + "\n\n" + rec.UserInputMessage.Content
				systemPlaced = true
			}
		}
		history = append(history, rec)
	}

	if !systemPlaced && system != "" {
		history = append([]historyRecord{{
			UserInputMessage: &userInputMessage{Content: system, ModelID: modelID, Origin: "AI_EDITOR"},
		}}, history...)
	}

	last := conversational[len(conversational)-1]
	current := messageToRecord(last, modelID)

	if current.AssistantResponseMessage != nil {
		history = append(history, current)
		current = historyRecord{UserInputMessage: &userInputMessage{Content: "Continue", ModelID: modelID, Origin: "AI_EDITOR"}}
	} else if n := len(history); n > 0 && history[n-1].UserInputMessage != nil {
		history = append(history, historyRecord{
			AssistantResponseMessage: &assistantResponseMessage{Content: "Continue"},
		})
	}

	if current.UserInputMessage != nil && current.UserInputMessage.Content == "" {
		if current.UserInputMessage.UserInputMessageContext != nil && len(current.UserInputMessage.UserInputMessageContext.ToolResults) > 0 {
			current.UserInputMessage.Content = "Tool results provided."
		} else {
			current.UserInputMessage.Content = "Continue"
		}
	}

	return history, &current, nil
}

func messageToRecord(m ChatMessage, modelID string) historyRecord {
	if m.Role == "assistant" {
		content := m.Text
		if m.Thinking != "" {
			content = "<thinking>" + m.Thinking + "</thinking>\n\n<text>" + content
		}
		rec := assistantResponseMessage{Content: content}
		for _, tu := range m.ToolUses {
			rec.ToolUses = append(rec.ToolUses, wireToolUse{ToolUseID: tu.ID, Name: tu.Name, Input: tu.Input})
		}
		return historyRecord{AssistantResponseMessage: &rec}
	}

	if m.Role == "tool" || len(m.ToolResults) > 0 {
		uim := &userInputMessage{Content: "Tool results provided.", ModelID: modelID, Origin: "AI_EDITOR"}
		ctx := &userInputMessageContext{}
		for _, tr := range m.ToolResults {
			ctx.ToolResults = append(ctx.ToolResults, wireToolResult{
				ToolUseID: tr.ToolUseID,
				Content:   []struct { Text string `json:"text"` }{{Text: truncateToolResult(tr.Content)}},
				Status:    "success",
			})
		}
		uim.UserInputMessageContext = ctx
		return historyRecord{UserInputMessage: uim}
	}

	uim := &userInputMessage{Content: m.Text, ModelID: modelID, Origin: "AI_EDITOR"}
	for _, img := range m.Images {
		uim.Images = append(uim.Images, wireImage{Source: struct{ Bytes string `json:"bytes,omitempty"` }{Bytes: img}})
	}
	return historyRecord{UserInputMessage: uim}
}

// truncateToolResult implements step 4's 250k-char head/tail split.
func truncateToolResult(s string) string {
	if len(s) <= toolResultTruncateLimit {
		return s
	}
	half := toolResultTruncateLimit / 2
	return s[:half] + "\n... [TRUNCATED] ...\n" + s[len(s)-half:]
}

// sanitizeToolPairing drops unmatched tool-use/tool-result records and
// deduplicates tool results by ID (step 6). A tool use is kept only if the
// next record answers it; the last record's tool uses are kept, since their
// results arrive in the current message.
func sanitizeToolPairing(history []historyRecord) []historyRecord {
	pending := make(map[string]bool)
	seen := make(map[string]bool)
	out := make([]historyRecord, 0, len(history))

	for i, rec := range history {
		switch {
		case rec.AssistantResponseMessage != nil:
			last := i == len(history)-1
			answered := make(map[string]bool)
			if !last {
				if u := history[i+1].UserInputMessage; u != nil && u.UserInputMessageContext != nil {
					for _, tr := range u.UserInputMessageContext.ToolResults {
						answered[tr.ToolUseID] = true
					}
				}
			}
			var kept []wireToolUse
			for _, tu := range rec.AssistantResponseMessage.ToolUses {
				if !last && !answered[tu.ToolUseID] {
					continue
				}
				kept = append(kept, tu)
				pending[tu.ToolUseID] = true
			}
			rec.AssistantResponseMessage.ToolUses = kept
			out = append(out, rec)

		case rec.UserInputMessage != nil && rec.UserInputMessage.UserInputMessageContext != nil && len(rec.UserInputMessage.UserInputMessageContext.ToolResults) > 0:
			var kept []wireToolResult
			for _, tr := range rec.UserInputMessage.UserInputMessageContext.ToolResults {
				if seen[tr.ToolUseID] || !pending[tr.ToolUseID] {
					continue
				}
				seen[tr.ToolUseID] = true
				delete(pending, tr.ToolUseID)
				kept = append(kept, tr)
			}
			if len(kept) > 0 {
				rec.UserInputMessage.UserInputMessageContext.ToolResults = kept
				out = append(out, rec)
			}

		default:
			out = append(out, rec)
		}
	}
	return out
}

// applyImagePolicy keeps inline images only within recentImageWindow of the
// tail, replacing older ones with a text placeholder (step 7).
func applyImagePolicy(history []historyRecord) []historyRecord {
	n := len(history)
	for i, rec := range history {
		if rec.UserInputMessage == nil || len(rec.UserInputMessage.Images) == 0 {
			continue
		}
		if n-i <= recentImageWindow {
			continue
		}
		rec.UserInputMessage.Content += "\n[image omitted]"
		rec.UserInputMessage.Images = nil
		history[i] = rec
	}
	return history
}

// enforceSizeBudget drops history records from the front until serialized
// size is within historyByteBudget, re-sanitizing pairing afterward, never
// going below minHistoryLength (step 8).
func enforceSizeBudget(history []historyRecord) []historyRecord {
	for len(history) > minHistoryLength {
		data, err := json.Marshal(history)
		if err != nil || len(data) <= historyByteBudget {
			break
		}
		history = history[1:]
		history = sanitizeToolPairing(history)
	}
	return history
}

func convertTools(tools []ToolDef) []toolWrapper {
	out := make([]toolWrapper, 0, len(tools))
	for _, t := range tools {
		out = append(out, toolWrapper{
			ToolSpecification: toolSpecification{
				Name:        t.Name,
				Description: t.Description,
				InputSchema: toolInputSchema{JSON: t.Parameters},
			},
		})
	}
	return out
}

// appendPlaceholdersForUnknownTools adds a minimal spec for any tool the
// history references (via toolUses) that isn't in the current tool list, so
// upstream schema validation doesn't reject the conversation (step 10).
func appendPlaceholdersForUnknownTools(tools []toolWrapper, history []historyRecord) []toolWrapper {
	known := make(map[string]bool, len(tools))
	for _, t := range tools {
		known[t.ToolSpecification.Name] = true
	}
	for _, rec := range history {
		if rec.AssistantResponseMessage == nil {
			continue
		}
		for _, tu := range rec.AssistantResponseMessage.ToolUses {
			if known[tu.Name] {
				continue
			}
			known[tu.Name] = true
			tools = append(tools, toolWrapper{ToolSpecification: toolSpecification{
				Name:        tu.Name,
				Description: "Tool: " + tu.Name,
				InputSchema: toolInputSchema{JSON: map[string]any{"type": "object", "properties": map[string]any{}}},
			}})
		}
	}
	return tools
}

// machineID derives the stable per-install identifier folded into the
// user-agent headers: sha256(profileArn || clientId || "KIRO_DEFAULT_MACHINE").
func machineID(profileArn, clientID string) string {
	sum := sha256.Sum256([]byte(profileArn + clientID + "KIRO_DEFAULT_MACHINE"))
	return hex.EncodeToString(sum[:])
}

func buildHeaders(accessToken, profileArn, clientID string) map[string]string {
	ua := fmt.Sprintf("kiro-gateway/1.0 (%s; %s) machine/%s", runtime.GOOS, runtime.GOARCH, machineID(profileArn, clientID)[:16])
	return map[string]string{
		"Content-Type":           "application/json",
		"Accept":                 "application/json",
		"Authorization":          "Bearer " + accessToken,
		"amz-sdk-invocation-id":  uuid.NewString(),
		"amz-sdk-request":        "attempt=1; max=1",
		"x-amzn-kiro-agent-mode": "vibe",
		"user-agent":             ua,
		"x-amz-user-agent":       ua,
		"Connection":             "close",
	}
}

package kiro

// ChatMessage is the normalized shape of one incoming message, after
// gjson-based parsing of the client's raw JSON body.
type ChatMessage struct {
	Role      string // "system" | "user" | "assistant" | "tool"
	Text      string
	Thinking  string
	Images    []string // data URLs or raw base64, kept opaque
	ToolUses  []ToolUse
	ToolResults []ToolResult
}

// ToolUse is one tool invocation an assistant message requested.
type ToolUse struct {
	ID    string
	Name  string
	Input map[string]any
}

// ToolResult is one tool-role reply correlated to a prior ToolUse by ID.
type ToolResult struct {
	ToolUseID string
	Content   string
}

// ToolDef is one tool definition offered to the model.
type ToolDef struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// --- CodeWhisperer wire types (conversationState) ---

type toolSpecification struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema toolInputSchema `json:"inputSchema"`
}

type toolInputSchema struct {
	JSON map[string]any `json:"json"`
}

type toolWrapper struct {
	ToolSpecification toolSpecification `json:"toolSpecification"`
}

type wireImage struct {
	Format string `json:"format,omitempty"`
	Source struct {
		Bytes string `json:"bytes,omitempty"`
	} `json:"source,omitempty"`
}

type wireToolResult struct {
	ToolUseID string `json:"toolUseId"`
	Content   []struct {
		Text string `json:"text"`
	} `json:"content"`
	Status string `json:"status"`
}

type wireToolUse struct {
	ToolUseID string         `json:"toolUseId"`
	Name      string         `json:"name"`
	Input     map[string]any `json:"input"`
}

type userInputMessageContext struct {
	ToolResults []wireToolResult `json:"toolResults,omitempty"`
	Tools       []toolWrapper    `json:"tools,omitempty"`
}

type userInputMessage struct {
	Content              string                   `json:"content"`
	ModelID              string                   `json:"modelId"`
	Origin               string                   `json:"origin"`
	Images               []wireImage              `json:"images,omitempty"`
	UserInputMessageContext *userInputMessageContext `json:"userInputMessageContext,omitempty"`
}

type assistantResponseMessage struct {
	Content  string        `json:"content"`
	ToolUses []wireToolUse `json:"toolUses,omitempty"`
}

// historyRecord is one entry in conversationState.history: exactly one of
// the two fields is set.
type historyRecord struct {
	UserInputMessage         *userInputMessage         `json:"userInputMessage,omitempty"`
	AssistantResponseMessage *assistantResponseMessage `json:"assistantResponseMessage,omitempty"`
}

type conversationState struct {
	ProfileArn       string            `json:"profileArn,omitempty"`
	ConversationID   string            `json:"conversationId"`
	History          []historyRecord   `json:"history"`
	CurrentMessage    *historyRecord   `json:"currentMessage"`
}

// UpstreamRequest is the fully-prepared request 4.J sends to the
// generateAssistantResponse endpoint.
type UpstreamRequest struct {
	URL            string
	Method         string
	Headers        map[string]string
	Body           []byte
	Streaming      bool
	EffectiveModel string
	ConversationID string
}

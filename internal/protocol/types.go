package protocol

import "encoding/json"

// Message represents a chat message
type Message struct {
	Role        string            `json:"role"` // user, assistant, system, tool
	Content     string            `json:"content"`
	ToolUse     []ToolUseBlock    `json:"tool_use,omitempty"`
	ToolResults []ToolResultBlock `json:"tool_results,omitempty"`
}

// ToolUseBlock represents a tool call by the assistant
type ToolUseBlock struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResultBlock represents the result of a tool execution
type ToolResultBlock struct {
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error,omitempty"`
}

// Tool represents a tool definition advertised to a provider.
// InputSchema is a JSON-Schema subset rendered into each provider's
// native tool-declaration shape by the adapters.
type Tool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

// Usage represents token usage reported by a provider
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

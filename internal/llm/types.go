// Package llm adapts chat model APIs to the MCP tool bridge. Each provider
// declares the bridge's tools in its own wire format, turns tool-use replies
// into normalized intents, and sends tool results back for a final answer.
package llm

import (
	"github.com/zjrosen/biomcp/internal/bridge"
)

// Role of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ChatMessage is one turn of a conversation.
type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Usage counts tokens across one or more rounds.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add returns the sum of u and o.
func (u Usage) Add(o Usage) Usage {
	return Usage{InputTokens: u.InputTokens + o.InputTokens, OutputTokens: u.OutputTokens + o.OutputTokens}
}

// ToolCallIntent is a model's request to run a tool.
type ToolCallIntent struct {
	ID        string
	Name      string
	Arguments map[string]any
	// RawArguments holds the undecoded arguments string for providers that
	// send JSON as text. ArgumentsErr is set when it did not parse.
	RawArguments string
	ArgumentsErr error
}

// NormalizedReply hides the provider's response shape.
type NormalizedReply struct {
	Text            string
	ToolCallIntents []ToolCallIntent
	Usage           Usage
	// Thread carries the provider's wire conversation so FollowUp can append
	// the assistant turn and tool results to it.
	Thread any
}

// CallRecord pairs an intent with its outcome.
type CallRecord struct {
	Intent ToolCallIntent
	Result bridge.ToolCallResult
}

// resultPayload is the structured form of a tool outcome sent back to the
// model.
func (c CallRecord) resultPayload() map[string]any {
	if c.Result.Success {
		return map[string]any{"success": true, "content": c.Result.Content}
	}
	return map[string]any{"success": false, "error": c.Result.Error}
}

// resultText is the plain-text form of a tool outcome.
func (c CallRecord) resultText() string {
	if c.Result.Success {
		return c.Result.Content
	}
	return "Error: " + c.Result.Error
}

// Completion is the outcome of Adapter.Complete. ToolCalls is nil when the
// model requested no tools.
type Completion struct {
	Provider  string
	Model     string
	Content   string
	ToolCalls []CallRecord
	Usage     Usage
}

// Package llm provides the model-call oracle: an opaque request/response
// client invoked by agent turns. The engine treats the model as a black
// box; everything it knows about the provider lives here.
package llm

import "context"

// Message represents a chat message for the oracle.
type Message struct {
	Role       string     `json:"role"` // system, user, assistant, tool
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // For tool responses
}

// ToolCall represents a tool call emitted by the model.
type ToolCall struct {
	Function struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	} `json:"function"`
}

// Request is a single oracle invocation.
type Request struct {
	Messages []Message
	Tools    []map[string]any
	// JSONOnly forces the model to emit a single JSON object. Used by
	// the extraction pipeline, which parses the reply strictly.
	JSONOnly bool
}

// Response is the oracle's reply.
type Response struct {
	Message      Message
	PromptTokens int
	OutputTokens int
}

// Oracle is the interface agent turns call to produce text. Implemented
// by [Client]; tests substitute a scripted fake.
type Oracle interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
}

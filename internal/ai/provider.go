package ai

import (
	"context"
	"encoding/json"
)

// Message is one entry of the provider-facing conversation.
type Message struct {
	Role    string
	Content string

	// ToolCalls is set on assistant messages that requested tool executions.
	ToolCalls []ToolCall

	// ToolCallID is set on role "tool" messages carrying a tool result.
	ToolCallID string
}

// ToolCall is a model-initiated request to execute a declared tool.
// Arguments is the raw JSON argument object as emitted by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// Tool declares a function tool the model may call.
type Tool struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// Citation is a source annotation attached to streamed output.
type Citation struct {
	URL   string
	Title string
}

// StreamEvent is one unit of streamed model output. Exactly one of the
// fields is set.
type StreamEvent struct {
	Text     string
	ToolCall *ToolCall
	Citation *Citation
}

// StreamProvider drives one generation step: given the conversation so far
// and the declared tools, it streams text deltas, citations, and any tool
// calls the model decides on. Both channels are closed when the step ends.
type StreamProvider interface {
	StreamStep(ctx context.Context, messages []Message, tools []Tool) (<-chan StreamEvent, <-chan error)
}

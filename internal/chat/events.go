package chat

import "encoding/json"

type EventType string

const (
	EventText       EventType = "text"
	EventToolCall   EventType = "tool-call"
	EventToolResult EventType = "tool-result"
	EventSource     EventType = "source"
	EventNewChat    EventType = "new-chat"
	EventPing       EventType = "ping"
	EventError      EventType = "error"
	EventDone       EventType = "done"
)

// Event is one frame of the outbound turn stream. The orchestrator
// publishes these to a channel; the transport adapter frames them for the
// wire. Fields are populated per Type.
type Event struct {
	Type EventType `json:"type"`

	// EventText
	Delta string `json:"delta,omitempty"`

	// EventToolCall / EventToolResult
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	Args       json.RawMessage `json:"args,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`

	// EventSource
	Source *Source `json:"source,omitempty"`

	// EventNewChat
	ChatID string `json:"chatId,omitempty"`

	// EventError and EventPing
	Message string `json:"message,omitempty"`
	TS      int64  `json:"ts,omitempty"`
}

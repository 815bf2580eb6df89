package llm

import "github.com/square-key-labs/switchboard/src/conversation"

// EventType tags the variants of the generation event stream.
type EventType string

const (
	EventStart      EventType = "start"
	EventTextStart  EventType = "text-start"
	EventTextDelta  EventType = "text-delta"
	EventTextEnd    EventType = "text-end"
	EventReasoning  EventType = "reasoning" // logged only, never spoken
	EventToolCall   EventType = "tool-call"
	EventToolResult EventType = "tool-result"
	EventToolError  EventType = "tool-error"
	EventFinish     EventType = "finish"
	EventError      EventType = "error"
	EventAbort      EventType = "abort"
	EventUnknown    EventType = "unknown"
)

// Event is one element of the typed generation stream. Only the fields for
// the tagged variant are set.
type Event struct {
	Type         EventType
	ID           string // text block / tool call id
	Text         string // text-delta, reasoning
	ToolCall     *conversation.ToolCall
	ToolResult   *conversation.ToolResult
	FinishReason string
	Err          error
}

// ToolSchema describes one tool offered to the model.
type ToolSchema struct {
	Name        string
	Description string
	Parameters  map[string]any // JSON schema
}

// ToolExecutor runs a tool call and returns the JSON payload for the model.
// Implementations apply session side effects through the registry.
type ToolExecutor interface {
	Schemas() []ToolSchema
	Execute(call conversation.ToolCall) (string, error)
}

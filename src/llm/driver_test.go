package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/square-key-labs/switchboard/src/conversation"
)

func sseChunk(t *testing.T, w http.ResponseWriter, chunk string) {
	t.Helper()
	_, err := fmt.Fprintf(w, "data: %s\n\n", chunk)
	require.NoError(t, err)
}

func collect(events <-chan Event) []Event {
	var out []Event
	for ev := range events {
		out = append(out, ev)
	}
	return out
}

func types(events []Event) []EventType {
	out := make([]EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

type noTools struct{}

func (noTools) Schemas() []ToolSchema { return nil }
func (noTools) Execute(conversation.ToolCall) (string, error) {
	return "", fmt.Errorf("no tools")
}

// echoTool answers every call with a fixed payload.
type echoTool struct {
	calls []conversation.ToolCall
}

func (e *echoTool) Schemas() []ToolSchema {
	return []ToolSchema{{Name: "lookup", Description: "test", Parameters: map[string]any{"type": "object"}}}
}

func (e *echoTool) Execute(call conversation.ToolCall) (string, error) {
	e.calls = append(e.calls, call)
	return `{"ok":true}`, nil
}

func newTestDriver(t *testing.T, handler http.HandlerFunc) *Driver {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewDriver(DriverConfig{APIKey: "k", Model: "test-model", BaseURL: srv.URL}, zap.NewNop())
}

func TestStreamTextResponse(t *testing.T) {
	driver := newTestDriver(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "test-model", body["model"])
		assert.Equal(t, true, body["stream"])

		sseChunk(t, w, `{"choices":[{"delta":{"content":"Hello"}}]}`)
		sseChunk(t, w, `{"choices":[{"delta":{"content":" there"}}]}`)
		sseChunk(t, w, `{"choices":[{"delta":{},"finish_reason":"stop"}]}`)
		sseChunk(t, w, `[DONE]`)
	})

	snapshot := []conversation.Message{{Role: conversation.RoleUser, Content: "hi"}}
	events := collect(driver.Stream(context.Background(), "be brief", snapshot, noTools{}))

	assert.Equal(t, []EventType{
		EventStart, EventTextStart, EventTextDelta, EventTextDelta, EventTextEnd, EventFinish,
	}, types(events))
	assert.Equal(t, "Hello", events[2].Text)
	assert.Equal(t, " there", events[3].Text)
	assert.Equal(t, "stop", events[5].FinishReason)
}

func TestStreamToolLoop(t *testing.T) {
	round := 0
	driver := newTestDriver(t, func(w http.ResponseWriter, r *http.Request) {
		round++
		switch round {
		case 1:
			// fragmented tool call arguments
			sseChunk(t, w, `{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"lookup","arguments":"{\"day\":"}}]}}]}`)
			sseChunk(t, w, `{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"mon\"}"}}]}}]}`)
			sseChunk(t, w, `{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`)
			sseChunk(t, w, `[DONE]`)
		case 2:
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			messages := body["messages"].([]any)
			last := messages[len(messages)-1].(map[string]any)
			assert.Equal(t, "tool", last["role"])
			assert.Equal(t, "call_1", last["tool_call_id"])

			sseChunk(t, w, `{"choices":[{"delta":{"content":"Monday works."}}]}`)
			sseChunk(t, w, `{"choices":[{"delta":{},"finish_reason":"stop"}]}`)
			sseChunk(t, w, `[DONE]`)
		}
	})

	tool := &echoTool{}
	snapshot := []conversation.Message{{Role: conversation.RoleUser, Content: "check monday"}}
	events := collect(driver.Stream(context.Background(), "", snapshot, tool))

	assert.Equal(t, []EventType{
		EventStart, EventToolCall, EventToolResult, EventTextStart, EventTextDelta, EventTextEnd, EventFinish,
	}, types(events))

	require.Len(t, tool.calls, 1)
	assert.Equal(t, "lookup", tool.calls[0].Name)
	assert.JSONEq(t, `{"day":"mon"}`, tool.calls[0].Arguments)
	assert.Equal(t, `{"ok":true}`, events[2].ToolResult.Payload)
}

func TestStreamToolError(t *testing.T) {
	round := 0
	driver := newTestDriver(t, func(w http.ResponseWriter, r *http.Request) {
		round++
		if round == 1 {
			sseChunk(t, w, `{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"missing","arguments":"{}"}}]}}]}`)
			sseChunk(t, w, `{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`)
			sseChunk(t, w, `[DONE]`)
			return
		}
		sseChunk(t, w, `{"choices":[{"delta":{"content":"Sorry."}}]}`)
		sseChunk(t, w, `{"choices":[{"delta":{},"finish_reason":"stop"}]}`)
		sseChunk(t, w, `[DONE]`)
	})

	events := collect(driver.Stream(context.Background(), "", nil, noTools{}))

	evTypes := types(events)
	assert.Contains(t, evTypes, EventToolError)
	assert.Equal(t, EventFinish, evTypes[len(evTypes)-1])

	// the error payload is still fed back to the model
	for _, ev := range events {
		if ev.Type == EventToolError {
			assert.Contains(t, ev.ToolResult.Payload, "error")
		}
	}
}

func TestStreamHTTPError(t *testing.T) {
	driver := newTestDriver(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"rate limited"}`, http.StatusTooManyRequests)
	})

	events := collect(driver.Stream(context.Background(), "", nil, noTools{}))
	last := events[len(events)-1]
	assert.Equal(t, EventError, last.Type)
	assert.Contains(t, last.Err.Error(), "429")
}

func TestStreamCancellation(t *testing.T) {
	release := make(chan struct{})
	driver := newTestDriver(t, func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		sseChunk(t, w, `{"choices":[{"delta":{"content":"I was saying"}}]}`)
		flusher.Flush()
		<-release
	})
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	events := driver.Stream(ctx, "", nil, noTools{})

	// wait for the first delta, then pull the plug
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == EventTextDelta {
				cancel()
				got := collect(events)
				assert.Equal(t, EventAbort, got[len(got)-1].Type)
				return
			}
		case <-deadline:
			t.Fatal("no delta before deadline")
		}
	}
}

func TestBuildMessagesWireShape(t *testing.T) {
	snapshot := []conversation.Message{
		{Role: conversation.RoleUser, Content: "[CALLER]: hi"},
		{Role: conversation.RoleAssistant, Content: "hello"},
		{Role: conversation.RoleAssistant, ToolCalls: []conversation.ToolCall{{ID: "c1", Name: "lookup", Arguments: "{}"}}},
		{Role: conversation.RoleTool, ToolResults: []conversation.ToolResult{{CallID: "c1", Payload: "{}"}}},
	}

	messages := buildMessages("system", snapshot)
	require.Len(t, messages, 5)
	assert.Equal(t, "system", messages[0]["role"])
	assert.Equal(t, "user", messages[1]["role"])
	assert.Equal(t, "assistant", messages[2]["role"])
	assert.NotNil(t, messages[3]["tool_calls"])
	assert.Equal(t, "c1", messages[4]["tool_call_id"])
}

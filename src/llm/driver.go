package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/square-key-labs/switchboard/src/conversation"
)

const defaultCompletionsURL = "https://api.openai.com/v1/chat/completions"

// maxToolRounds bounds the generate -> tool -> generate loop.
const maxToolRounds = 8

// Driver turns a conversation snapshot into the typed generation event
// stream. It speaks the chat-completions SSE wire protocol and runs the
// tool loop internally: tool calls are executed through the ToolExecutor and
// their results fed back until the model finishes with text.
//
// Cancellation is cooperative. The per-generation context is checked at
// every SSE line; on cancel the driver stops iterating and surfaces a single
// abort event.
type Driver struct {
	apiKey      string
	model       string
	temperature float64
	baseURL     string
	httpClient  *http.Client
	log         *zap.Logger
}

// DriverConfig holds language service credentials and model options.
type DriverConfig struct {
	APIKey      string
	Model       string // e.g. "gpt-4o"
	Temperature float64
	BaseURL     string // defaults to the provider completions endpoint
}

// NewDriver creates a stream driver.
func NewDriver(config DriverConfig, log *zap.Logger) *Driver {
	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = defaultCompletionsURL
	}
	return &Driver{
		apiKey:      config.APIKey,
		model:       config.Model,
		temperature: config.Temperature,
		baseURL:     baseURL,
		httpClient:  &http.Client{},
		log:         log.Named("llm"),
	}
}

// Stream starts a generation and returns its event channel. The channel is
// closed after a terminal event (finish, error or abort).
func (d *Driver) Stream(ctx context.Context, systemPrompt string, snapshot []conversation.Message, tools ToolExecutor) <-chan Event {
	events := make(chan Event, 16)
	go func() {
		defer close(events)
		d.run(ctx, systemPrompt, snapshot, tools, events)
	}()
	return events
}

func (d *Driver) run(ctx context.Context, systemPrompt string, snapshot []conversation.Message, tools ToolExecutor, events chan<- Event) {
	events <- Event{Type: EventStart}

	messages := buildMessages(systemPrompt, snapshot)

	for round := 0; round < maxToolRounds; round++ {
		text, calls, finishReason, err := d.streamCompletion(ctx, messages, tools, events)
		if err != nil {
			if ctx.Err() != nil {
				events <- Event{Type: EventAbort}
			} else {
				events <- Event{Type: EventError, Err: err}
			}
			return
		}

		if len(calls) == 0 {
			events <- Event{Type: EventFinish, FinishReason: finishReason}
			return
		}

		// record the assistant tool-call turn, then execute
		messages = append(messages, assistantToolCallMessage(text, calls))
		for _, call := range calls {
			events <- Event{Type: EventToolCall, ID: call.ID, ToolCall: &call}
		}

		for _, call := range calls {
			if ctx.Err() != nil {
				events <- Event{Type: EventAbort}
				return
			}
			payload, err := tools.Execute(call)
			if err != nil {
				d.log.Warn("tool failed", zap.String("tool", call.Name), zap.Error(err))
				payload = fmt.Sprintf(`{"error":%q}`, err.Error())
				events <- Event{Type: EventToolError, ID: call.ID, Err: err,
					ToolResult: &conversation.ToolResult{CallID: call.ID, Payload: payload}}
			} else {
				events <- Event{Type: EventToolResult, ID: call.ID,
					ToolResult: &conversation.ToolResult{CallID: call.ID, Payload: payload}}
			}
			messages = append(messages, map[string]any{
				"role":         "tool",
				"tool_call_id": call.ID,
				"content":      payload,
			})
		}
	}

	events <- Event{Type: EventError, Err: fmt.Errorf("tool loop exceeded %d rounds", maxToolRounds)}
}

// buildMessages converts the canonical conversation into the provider wire
// shape. The driver is the only component that knows this shape.
func buildMessages(systemPrompt string, snapshot []conversation.Message) []map[string]any {
	messages := make([]map[string]any, 0, len(snapshot)+1)
	if systemPrompt != "" {
		messages = append(messages, map[string]any{"role": "system", "content": systemPrompt})
	}
	for _, m := range snapshot {
		switch m.Role {
		case conversation.RoleUser:
			messages = append(messages, map[string]any{"role": "user", "content": m.Content})
		case conversation.RoleAssistant:
			if len(m.ToolCalls) > 0 {
				messages = append(messages, assistantToolCallMessage(m.Content, m.ToolCalls))
			} else {
				messages = append(messages, map[string]any{"role": "assistant", "content": m.Content})
			}
		case conversation.RoleTool:
			for _, r := range m.ToolResults {
				messages = append(messages, map[string]any{
					"role":         "tool",
					"tool_call_id": r.CallID,
					"content":      r.Payload,
				})
			}
		}
	}
	return messages
}

func assistantToolCallMessage(text string, calls []conversation.ToolCall) map[string]any {
	toolCalls := make([]map[string]any, 0, len(calls))
	for _, tc := range calls {
		toolCalls = append(toolCalls, map[string]any{
			"id":   tc.ID,
			"type": "function",
			"function": map[string]any{
				"name":      tc.Name,
				"arguments": tc.Arguments,
			},
		})
	}
	msg := map[string]any{"role": "assistant", "tool_calls": toolCalls}
	if text != "" {
		msg["content"] = text
	}
	return msg
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			Reasoning string `json:"reasoning"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// streamCompletion performs one SSE round. Text deltas are emitted as they
// arrive; tool call fragments are accumulated by index and returned complete.
func (d *Driver) streamCompletion(ctx context.Context, messages []map[string]any, tools ToolExecutor, events chan<- Event) (string, []conversation.ToolCall, string, error) {
	requestBody := map[string]any{
		"model":       d.model,
		"messages":    messages,
		"temperature": d.temperature,
		"stream":      true,
	}
	if tools != nil {
		if schemas := tools.Schemas(); len(schemas) > 0 {
			wire := make([]map[string]any, 0, len(schemas))
			for _, s := range schemas {
				wire = append(wire, map[string]any{
					"type": "function",
					"function": map[string]any{
						"name":        s.Name,
						"description": s.Description,
						"parameters":  s.Parameters,
					},
				})
			}
			requestBody["tools"] = wire
		}
	}

	bodyBytes, err := json.Marshal(requestBody)
	if err != nil {
		return "", nil, "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL, bytes.NewReader(bodyBytes))
	if err != nil {
		return "", nil, "", err
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", d.apiKey))
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return "", nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", nil, "", fmt.Errorf("language service error (%d): %s", resp.StatusCode, string(body))
	}

	var fullText strings.Builder
	textStarted := false
	finishReason := ""
	type partialCall struct {
		id   string
		name string
		args strings.Builder
	}
	calls := make(map[int]*partialCall)
	maxIndex := -1

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return "", nil, "", ctx.Err()
		}
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			d.log.Debug("skipping unparseable chunk", zap.Error(err))
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			finishReason = choice.FinishReason
		}

		if choice.Delta.Reasoning != "" {
			events <- Event{Type: EventReasoning, Text: choice.Delta.Reasoning}
		}
		if choice.Delta.Content != "" {
			if !textStarted {
				textStarted = true
				events <- Event{Type: EventTextStart}
			}
			fullText.WriteString(choice.Delta.Content)
			events <- Event{Type: EventTextDelta, Text: choice.Delta.Content}
		}
		for _, tc := range choice.Delta.ToolCalls {
			pc, ok := calls[tc.Index]
			if !ok {
				pc = &partialCall{}
				calls[tc.Index] = pc
				if tc.Index > maxIndex {
					maxIndex = tc.Index
				}
			}
			if tc.ID != "" {
				pc.id = tc.ID
			}
			if tc.Function.Name != "" {
				pc.name = tc.Function.Name
			}
			pc.args.WriteString(tc.Function.Arguments)
			if tc.Index > maxIndex {
				maxIndex = tc.Index
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return "", nil, "", err
	}
	if textStarted {
		events <- Event{Type: EventTextEnd}
	}

	complete := make([]conversation.ToolCall, 0, len(calls))
	for i := 0; i <= maxIndex; i++ {
		pc, ok := calls[i]
		if !ok {
			continue
		}
		complete = append(complete, conversation.ToolCall{
			ID:        pc.id,
			Name:      pc.name,
			Arguments: pc.args.String(),
		})
	}
	return fullText.String(), complete, finishReason, nil
}

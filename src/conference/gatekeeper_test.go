package conference

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/square-key-labs/switchboard/src/conversation"
)

func TestRenderRecentWindowsTail(t *testing.T) {
	var messages []conversation.Message
	for i := 0; i < 12; i++ {
		messages = append(messages, conversation.Message{
			Role:    conversation.RoleUser,
			Content: fmt.Sprintf("[CALLER]: line %d", i),
		})
	}

	out := renderRecent(messages)
	assert.NotContains(t, out, "line 3")
	assert.Contains(t, out, "line 4")
	assert.Contains(t, out, "line 11")
}

func TestRenderRecentSkipsToolTurns(t *testing.T) {
	messages := []conversation.Message{
		{Role: conversation.RoleUser, Content: "[OWNER]: check the calendar"},
		{Role: conversation.RoleAssistant, ToolCalls: []conversation.ToolCall{{ID: "c1", Name: "lookup"}}},
		{Role: conversation.RoleTool, ToolResults: []conversation.ToolResult{{CallID: "c1", Payload: "{}"}}},
		{Role: conversation.RoleAssistant, Content: "Friday is open."},
	}

	out := renderRecent(messages)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	assert.Equal(t, []string{
		"[OWNER]: check the calendar",
		"[ASSISTANT]: Friday is open.",
	}, lines)
}

func TestSpeakerLabel(t *testing.T) {
	assert.Equal(t, "CALLER", speakerLabel(conversation.SpeakerCaller))
	assert.Equal(t, "OWNER", speakerLabel(conversation.SpeakerOwner))
	assert.Equal(t, "UNKNOWN", speakerLabel(conversation.SpeakerNone))
}

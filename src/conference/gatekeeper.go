package conference

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/square-key-labs/switchboard/src/conversation"
)

// Advice is the gatekeeper's verdict on whether the AI should speak.
type Advice struct {
	Respond    bool    `json:"respond"`
	Reason     string  `json:"reason"`
	Confidence float64 `json:"confidence"`
}

// silent is the failure default: stay quiet, confidence zero.
func silent(reason string) Advice {
	return Advice{Respond: false, Reason: reason, Confidence: 0}
}

// Gatekeeper decides whether the AI should respond to a conference
// utterance. Pure advisor: it never mutates session state and any failure
// defaults to silence.
type Gatekeeper interface {
	ShouldRespond(ctx context.Context, recent []conversation.Message, last conversation.Speaker) Advice
}

// Silent is the no-advisor fallback: the AI never speaks in a conference.
type Silent struct{}

func (Silent) ShouldRespond(context.Context, []conversation.Message, conversation.Speaker) Advice {
	return silent("no advisor configured")
}

// gatekeeperTimeout bounds the advisory call.
const gatekeeperTimeout = 4 * time.Second

// recentWindow is how many trailing messages the advisor sees.
const recentWindow = 8

const gatekeeperPrompt = `You are moderating a three-way phone call between a CALLER, the business OWNER, and an AI assistant named Jordan.
Decide whether the assistant should speak next.

Respond ONLY when the assistant is addressed by name, asked a direct question, or asked to perform a task it owns (calendar lookups, appointment changes).
Stay silent when the two humans are talking to each other or exchanging acknowledgments.

Reply with JSON only: {"respond": bool, "reason": string, "confidence": number between 0 and 1}

Recent conversation (last speaker: %s):
%s`

// GenaiGatekeeper asks a small language model for the verdict.
type GenaiGatekeeper struct {
	client *genai.Client
	model  string
	log    *zap.Logger
}

// NewGenaiGatekeeper wraps a process-wide genai client.
func NewGenaiGatekeeper(client *genai.Client, model string, log *zap.Logger) *GenaiGatekeeper {
	if model == "" {
		model = "gemini-2.0-flash"
	}
	return &GenaiGatekeeper{client: client, model: model, log: log.Named("gatekeeper")}
}

// ShouldRespond renders the recent conversation and asks the model.
func (g *GenaiGatekeeper) ShouldRespond(ctx context.Context, recent []conversation.Message, last conversation.Speaker) Advice {
	ctx, cancel := context.WithTimeout(ctx, gatekeeperTimeout)
	defer cancel()

	prompt := fmt.Sprintf(gatekeeperPrompt, speakerLabel(last), renderRecent(recent))

	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
	})
	if err != nil {
		g.log.Warn("advisor unreachable, staying silent", zap.Error(err))
		return silent("advisor unreachable")
	}

	var advice Advice
	if err := json.Unmarshal([]byte(resp.Text()), &advice); err != nil {
		g.log.Warn("unparseable advice, staying silent", zap.Error(err))
		return silent("unparseable advice")
	}
	return advice
}

func speakerLabel(s conversation.Speaker) string {
	switch s {
	case conversation.SpeakerCaller:
		return "CALLER"
	case conversation.SpeakerOwner:
		return "OWNER"
	default:
		return "UNKNOWN"
	}
}

func renderRecent(messages []conversation.Message) string {
	start := 0
	if len(messages) > recentWindow {
		start = len(messages) - recentWindow
	}
	var b strings.Builder
	for _, m := range messages[start:] {
		switch m.Role {
		case conversation.RoleUser:
			fmt.Fprintf(&b, "%s\n", m.Content)
		case conversation.RoleAssistant:
			if m.Content != "" {
				fmt.Fprintf(&b, "[ASSISTANT]: %s\n", m.Content)
			}
		}
	}
	return b.String()
}

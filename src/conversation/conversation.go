package conversation

import (
	"strings"
	"sync"
	"unicode/utf8"

	"go.uber.org/zap"
)

// Role identifies who produced a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Speaker labels a user message in conference mode.
type Speaker string

const (
	SpeakerNone   Speaker = ""
	SpeakerCaller Speaker = "caller"
	SpeakerOwner  Speaker = "owner"
)

const (
	callerPrefix = "[CALLER]: "
	ownerPrefix  = "[OWNER]: "

	// interruptedSuffix is appended to a partial assistant message that was
	// cut off by a barge-in and survived the length threshold.
	interruptedSuffix = " [interrupted]"

	// minInterruptedLen suppresses trivial cut-offs: anything shorter than
	// this many codepoints is dropped instead of stored.
	minInterruptedLen = 10
)

// ToolCall is one function invocation requested by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string // raw JSON
}

// ToolResult is the payload returned for one tool call.
type ToolResult struct {
	CallID  string
	Payload string
}

// Message is one entry in the append-only log. Indices are dense and
// monotone; messages are never mutated after append.
type Message struct {
	Index       int
	Role        Role
	Content     string
	Speaker     Speaker
	ToolCalls   []ToolCall
	ToolResults []ToolResult
}

// Log is the per-session conversation model. In conference mode the two
// session loops append concurrently, so all access is serialized here.
type Log struct {
	mu       sync.Mutex
	messages []Message
	partial  strings.Builder
	inFlight bool

	// diarization id -> speaker binding, established lazily
	speakers map[string]Speaker

	log *zap.Logger
}

// New creates an empty conversation log.
func New(log *zap.Logger) *Log {
	return &Log{
		speakers: make(map[string]Speaker),
		log:      log.Named("conversation"),
	}
}

func (c *Log) append(m Message) {
	m.Index = len(c.messages)
	c.messages = append(c.messages, m)
}

// AppendUser appends a user message. With a speaker label the text is
// prefixed for downstream LLM consumption.
func (c *Log) AppendUser(text string, speaker Speaker) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch speaker {
	case SpeakerCaller:
		text = callerPrefix + text
	case SpeakerOwner:
		text = ownerPrefix + text
	}
	c.append(Message{Role: RoleUser, Content: text, Speaker: speaker})
}

// StartAssistant resets the partial assistant buffer. At most one partial
// response exists per session.
func (c *Log) StartAssistant() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.partial.Reset()
	c.inFlight = true
}

// ExtendAssistant appends a streamed delta to the partial response.
func (c *Log) ExtendAssistant(delta string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.partial.WriteString(delta)
}

// FinishAssistant promotes a non-empty partial response to a message.
func (c *Log) FinishAssistant() {
	c.mu.Lock()
	defer c.mu.Unlock()
	text := c.partial.String()
	c.partial.Reset()
	c.inFlight = false
	if text == "" {
		return
	}
	c.append(Message{Role: RoleAssistant, Content: text})
}

// FinishAssistantInterrupted promotes the partial response with an
// annotation when it is long enough to be meaningful, and drops it
// otherwise.
func (c *Log) FinishAssistantInterrupted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	text := c.partial.String()
	c.partial.Reset()
	c.inFlight = false
	if utf8.RuneCountInString(text) < minInterruptedLen {
		if text != "" {
			c.log.Debug("dropping short interrupted response", zap.Int("len", utf8.RuneCountInString(text)))
		}
		return
	}
	c.append(Message{Role: RoleAssistant, Content: text + interruptedSuffix})
}

// Partial returns the in-flight assistant text.
func (c *Log) Partial() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.partial.String()
}

// AddAssistantToolCalls appends an assistant message carrying tool calls
// (and any text the model produced alongside them).
func (c *Log) AddAssistantToolCalls(text string, calls []ToolCall) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.append(Message{Role: RoleAssistant, Content: text, ToolCalls: calls})
}

// AddToolResults appends a tool-result message.
func (c *Log) AddToolResults(results []ToolResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.append(Message{Role: RoleTool, ToolResults: results})
}

// Snapshot returns a copy of the log suitable for handing to the LLM.
func (c *Log) Snapshot() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Len returns the number of appended messages.
func (c *Log) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

// LastSpeaker returns the speaker of the most recent user message, resolved
// from the conference prefix.
func (c *Log) LastSpeaker() Speaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.messages) - 1; i >= 0; i-- {
		m := c.messages[i]
		if m.Role != RoleUser {
			continue
		}
		switch {
		case strings.HasPrefix(m.Content, callerPrefix):
			return SpeakerCaller
		case strings.HasPrefix(m.Content, ownerPrefix):
			return SpeakerOwner
		default:
			return SpeakerNone
		}
	}
	return SpeakerNone
}

// BindSpeaker resolves a raw diarization id to a conference speaker. The
// first id observed becomes the caller, the second distinct id the owner.
// Further distinct ids only fill an empty owner slot; otherwise they are
// ignored with a log.
func (c *Log) BindSpeaker(rawID string) Speaker {
	c.mu.Lock()
	defer c.mu.Unlock()

	if rawID == "" {
		return SpeakerNone
	}
	if s, ok := c.speakers[rawID]; ok {
		return s
	}

	hasCaller, hasOwner := false, false
	for _, s := range c.speakers {
		switch s {
		case SpeakerCaller:
			hasCaller = true
		case SpeakerOwner:
			hasOwner = true
		}
	}

	switch {
	case !hasCaller:
		c.speakers[rawID] = SpeakerCaller
		return SpeakerCaller
	case !hasOwner:
		c.speakers[rawID] = SpeakerOwner
		return SpeakerOwner
	default:
		c.log.Warn("ignoring extra diarized speaker", zap.String("raw_id", rawID))
		return SpeakerNone
	}
}

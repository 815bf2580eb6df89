package conference

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/square-key-labs/switchboard/src/conversation"
	"github.com/square-key-labs/switchboard/src/llm"
	"github.com/square-key-labs/switchboard/src/session"
	"github.com/square-key-labs/switchboard/src/speech"
)

// Coordinator bridges the caller and owner legs of a 3-way call. Raw audio
// is cross-routed between the two telephony streams so the humans always
// hear each other; the AI only speaks when the gatekeeper approves, and its
// audio is fanned through both sessions' gates.
//
// The shared conversation is the caller session's log, so the context
// gathered before the transfer carries into the bridge.
type Coordinator struct {
	name string
	log  *zap.Logger

	driver       *llm.Driver
	gatekeeper   Gatekeeper
	newTTS       func(h speech.SynthesizerHandler) (speech.Synthesizer, error)
	tools        llm.ToolExecutor
	systemPrompt string

	mu         sync.Mutex
	caller     *session.Session
	owner      *session.Session
	conv       *conversation.Log
	tts        speech.Synthesizer
	speaking   bool
	generating bool
	genCancel  context.CancelFunc
	drainTimer *time.Timer
	closed     bool

	drainTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
}

// CoordinatorConfig carries the shared-generation collaborators.
type CoordinatorConfig struct {
	Driver       *llm.Driver
	Gatekeeper   Gatekeeper
	NewTTS       func(h speech.SynthesizerHandler) (speech.Synthesizer, error)
	Tools        llm.ToolExecutor
	SystemPrompt string
	Log          *zap.Logger
}

// drainTimeout forces the gates closed if the shared synthesizer never
// reports drained.
const drainTimeout = 10 * time.Second

// NewCoordinator pairs the two sessions into a bridge. Both sessions start
// delegating audio and transcripts to the coordinator immediately.
func NewCoordinator(name string, caller, owner *session.Session, config CoordinatorConfig) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		name:         name,
		log:          config.Log.Named("conference").With(zap.String("conference", name)),
		driver:       config.Driver,
		gatekeeper:   config.Gatekeeper,
		newTTS:       config.NewTTS,
		tools:        config.Tools,
		systemPrompt: config.SystemPrompt,
		caller:       caller,
		owner:        owner,
		conv:         caller.Conversation(),
		drainTimeout: drainTimeout,
		ctx:          ctx,
		cancel:       cancel,
	}

	caller.SetRole(session.RoleCaller)
	owner.SetRole(session.RoleOwner)
	caller.JoinConference(c)
	owner.JoinConference(c)

	c.log.Info("bridge established",
		zap.String("caller_stream", caller.StreamSid()),
		zap.String("owner_stream", owner.StreamSid()))
	return c
}

// RouteRawAudio writes an inbound frame straight to the other participant's
// egress transport. Never gated: the humans hear each other even while the
// AI holds its tongue.
func (c *Coordinator) RouteRawAudio(fromStreamSid string, mulaw []byte) {
	peer := c.peer(fromStreamSid)
	if peer == nil {
		return
	}
	stream := peer.Stream()
	if stream == nil {
		return
	}
	// drops are acceptable on a dying transport; the status callback
	// tears the bridge down shortly after
	_ = stream.SendMedia(mulaw)
}

func (c *Coordinator) peer(streamSid string) *session.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.caller != nil && c.caller.StreamSid() == streamSid:
		return c.owner
	case c.owner != nil && c.owner.StreamSid() == streamSid:
		return c.caller
	default:
		return nil
	}
}

// HandleUtterance appends a final transcript to the shared conversation and
// consults the gatekeeper. Runs on the originating session's loop, so the
// advisory call is pushed to a goroutine.
//
// Speaker labels: the dialed-out owner leg carries a single voice, so its
// transcripts are labeled by leg identity. The caller leg is the original
// stream and may carry more than one voice, so its diarization ids resolve
// through the conversation's speaker binding, with the leg as fallback.
func (c *Coordinator) HandleUtterance(fromStreamSid, text, speakerID string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	speaker := conversation.SpeakerOwner
	if c.caller != nil && c.caller.StreamSid() == fromStreamSid {
		speaker = conversation.SpeakerCaller
		if bound := c.conv.BindSpeaker(speakerID); bound != conversation.SpeakerNone {
			speaker = bound
		}
	}
	wasSpeaking := c.speaking
	c.mu.Unlock()

	if wasSpeaking {
		// humans talking over the AI always wins
		c.interruptSpeech()
	}

	c.conv.AppendUser(text, speaker)
	c.log.Debug("conference utterance",
		zap.String("speaker", speakerLabel(speaker)), zap.String("text", text))

	go c.consult(speaker)
}

// consult asks the gatekeeper and starts a shared generation on approval.
func (c *Coordinator) consult(speaker conversation.Speaker) {
	advice := c.gatekeeper.ShouldRespond(c.ctx, c.conv.Snapshot(), speaker)
	c.log.Info("gatekeeper verdict",
		zap.Bool("respond", advice.Respond),
		zap.Float64("confidence", advice.Confidence),
		zap.String("reason", advice.Reason))
	if !advice.Respond {
		return
	}
	c.startGeneration()
}

// startGeneration runs one shared LLM turn. At most one generation is live;
// a verdict landing mid-generation is dropped, the follow-up utterance will
// trigger a fresh consult with the full conversation anyway.
func (c *Coordinator) startGeneration() {
	c.mu.Lock()
	if c.closed || c.generating {
		c.mu.Unlock()
		return
	}
	c.generating = true
	genCtx, cancel := context.WithCancel(c.ctx)
	c.genCancel = cancel
	c.mu.Unlock()

	events := c.driver.Stream(genCtx, c.systemPrompt, c.conv.Snapshot(), c.tools)
	go c.consumeGeneration(events)
}

func (c *Coordinator) consumeGeneration(events <-chan llm.Event) {
	spoke := false
	for ev := range events {
		switch ev.Type {
		case llm.EventTextDelta:
			if !spoke {
				spoke = true
				c.beginSpeech()
			}
			c.conv.ExtendAssistant(ev.Text)
			c.sendTTS(ev.Text)

		case llm.EventToolCall:
			c.conv.AddAssistantToolCalls("", []conversation.ToolCall{*ev.ToolCall})

		case llm.EventToolResult, llm.EventToolError:
			if ev.ToolResult != nil {
				c.conv.AddToolResults([]conversation.ToolResult{*ev.ToolResult})
			}

		case llm.EventFinish:
			if !spoke {
				c.mu.Lock()
				c.generating = false
				c.mu.Unlock()
				return
			}
			c.conv.FinishAssistant()
			c.flushTTS()

		case llm.EventError:
			c.log.Error("shared generation failed", zap.Error(ev.Err))
			c.endSpeech()
			return

		case llm.EventAbort:
			// interruptSpeech already reset the bridge
			return
		}
	}
}

// beginSpeech opens both gates and lazily starts the shared synthesizer.
func (c *Coordinator) beginSpeech() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.speaking = true
	c.conv.StartAssistant()
	if c.tts == nil {
		tts, err := c.newTTS(c)
		if err != nil {
			c.log.Error("shared synthesizer unavailable", zap.Error(err))
		} else {
			c.tts = tts
		}
	}
	if c.caller != nil {
		c.caller.Gate().Enable()
	}
	if c.owner != nil {
		c.owner.Gate().Enable()
	}
}

// endSpeech closes both gates and clears the speech flags.
func (c *Coordinator) endSpeech() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopDrainTimerLocked()
	c.speaking = false
	c.generating = false
	if c.caller != nil {
		c.caller.Gate().Disable()
	}
	if c.owner != nil {
		c.owner.Gate().Disable()
	}
}

// startDrainTimer arms the fallback that closes the gates if the drained
// event never arrives.
func (c *Coordinator) startDrainTimer() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopDrainTimerLocked()
	if c.closed {
		return
	}
	c.drainTimer = time.AfterFunc(c.drainTimeout, func() {
		c.mu.Lock()
		speaking := c.speaking
		c.mu.Unlock()
		if !speaking {
			return
		}
		c.log.Warn("shared tts drain timed out, closing gates")
		c.endSpeech()
	})
}

func (c *Coordinator) stopDrainTimerLocked() {
	if c.drainTimer != nil {
		c.drainTimer.Stop()
		c.drainTimer = nil
	}
}

// interruptSpeech performs the conference barge-in: cancel the generation,
// silence both legs and mark the partial response.
func (c *Coordinator) interruptSpeech() {
	c.mu.Lock()
	cancel := c.genCancel
	tts := c.tts
	caller, owner := c.caller, c.owner
	c.stopDrainTimerLocked()
	c.speaking = false
	c.generating = false
	c.mu.Unlock()

	if caller != nil {
		caller.Gate().StopImmediately()
	}
	if owner != nil {
		owner.Gate().StopImmediately()
	}
	if cancel != nil {
		cancel()
	}
	if tts != nil {
		if err := tts.Clear(); err != nil {
			c.log.Debug("shared tts clear failed", zap.Error(err))
		}
	}
	c.conv.FinishAssistantInterrupted()
}

func (c *Coordinator) sendTTS(text string) {
	c.mu.Lock()
	tts := c.tts
	c.mu.Unlock()
	if tts == nil {
		return
	}
	if err := tts.SendText(text); err != nil {
		c.log.Warn("shared tts send failed", zap.Error(err))
	}
}

func (c *Coordinator) flushTTS() {
	c.mu.Lock()
	tts := c.tts
	c.mu.Unlock()
	if tts == nil {
		c.endSpeech()
		return
	}
	if err := tts.Flush(); err != nil {
		c.log.Warn("shared tts flush failed", zap.Error(err))
		c.endSpeech()
		return
	}
	c.startDrainTimer()
}

// Synthesizer events (speech.SynthesizerHandler). Shared audio is fanned
// through both sessions' gates.

func (c *Coordinator) OnAudio(mulaw []byte) {
	c.mu.Lock()
	caller, owner := c.caller, c.owner
	c.mu.Unlock()
	if caller != nil {
		caller.Gate().Send(mulaw)
	}
	if owner != nil {
		owner.Gate().Send(mulaw)
	}
}

func (c *Coordinator) OnFlushed() {
	c.endSpeech()
}

func (c *Coordinator) OnTTSError(err error) {
	c.log.Warn("shared synthesizer error", zap.Error(err))
	c.endSpeech()
}

func (c *Coordinator) OnTTSClosed() {
	c.log.Debug("shared synthesizer closed")
}

// ParticipantGone unwinds the bridge when one leg drops. The survivor goes
// back to solo mode with its own adapters; the shared synthesizer dies with
// the bridge.
func (c *Coordinator) ParticipantGone(streamSid string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	var survivor *session.Session
	if c.caller != nil && c.caller.StreamSid() != streamSid {
		survivor = c.caller
	}
	if c.owner != nil && c.owner.StreamSid() != streamSid {
		survivor = c.owner
	}
	c.mu.Unlock()

	c.log.Info("participant gone", zap.String("stream_sid", streamSid))
	if survivor != nil {
		survivor.LeaveConference()
	}
	c.Close()
}

// Close tears the bridge down. Idempotent; the participant sessions are
// owned by the registry and survive.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.stopDrainTimerLocked()
	cancel := c.genCancel
	tts := c.tts
	caller, owner := c.caller, c.owner
	c.tts = nil
	c.caller, c.owner = nil, nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.cancel()
	if tts != nil {
		tts.Close()
	}
	if caller != nil {
		caller.LeaveConference()
	}
	if owner != nil {
		owner.LeaveConference()
	}
	c.log.Info("bridge closed")
}

package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/square-key-labs/switchboard/src/audio"
	"github.com/square-key-labs/switchboard/src/callstate"
	"github.com/square-key-labs/switchboard/src/conversation"
	"github.com/square-key-labs/switchboard/src/llm"
	"github.com/square-key-labs/switchboard/src/speech"
	"github.com/square-key-labs/switchboard/src/telephony"
)

// Role is the session's part in a call.
type Role string

const (
	RoleSolo   Role = "solo"
	RoleCaller Role = "caller"
	RoleOwner  Role = "owner"
)

// flushTimeout forces LISTENING if the synthesizer never reports drained.
const flushTimeout = 10 * time.Second

// transferSettle is how long the agent keeps speaking room after the
// handoff announcement before the call is moved into the conference.
const transferSettle = 3500 * time.Millisecond

// ErrSpeakWhileThinking rejects verbatim speech during generation.
var ErrSpeakWhileThinking = errors.New("session: cannot speak verbatim while thinking")

// Outcome is the appointment call result recorded by the hang-up and
// status tools.
type Outcome struct {
	Status string
	Notes  string
}

// AppointmentStore is the persistence hook the session flushes outcomes to.
type AppointmentStore interface {
	UpdateAppointment(ctx context.Context, id string, patch Outcome) error
}

// Conference is the coordinator surface a paired session routes through.
type Conference interface {
	// RouteRawAudio forwards an inbound frame to the other participant.
	RouteRawAudio(fromStreamSid string, mulaw []byte)
	// HandleUtterance processes a final transcript on the shared
	// conversation instead of the session's own loop.
	HandleUtterance(fromStreamSid, text, speakerID string)
	// ParticipantGone reverts the surviving peer to solo mode.
	ParticipantGone(streamSid string)
}

// TransferService creates the 3-way bridge on a transfer tool call.
type TransferService interface {
	StartConference(ctx context.Context, s *Session, reason string) error
}

// Runtime carries the process-wide collaborators injected into every
// session: provider clients are constructed once at startup.
type Runtime struct {
	Driver       *llm.Driver
	Control      *telephony.Client
	Store        AppointmentStore                        // optional
	Tools        func(streamSid string) llm.ToolExecutor // per-session tool surface
	NewSTT       func(h speech.TranscriberHandler, diarize bool) (speech.Transcriber, error)
	NewTTS       func(h speech.SynthesizerHandler) (speech.Synthesizer, error)
	Transfer     TransferService // optional; transfer tool fails without it
	SystemPrompt string

	// InterruptionOnAudio enables the energy-gated barge-in path. The
	// transcript path stays authoritative either way.
	InterruptionOnAudio bool

	Log *zap.Logger
}

// StartInfo is the identity carried on the telephony start frame.
type StartInfo struct {
	StreamSid     string
	CallSid       string
	From          string
	To            string
	Role          Role
	AppointmentID string
}

// Session is the per-call coordinator. It owns the state machine, gate,
// conversation, speech adapters and the per-generation cancellation scope.
//
// All state mutations are serialized through a single-consumer command
// loop; adapter callbacks post closures onto it. The audio ingress path
// bypasses the loop: per-frame work is bounded and touches no loop state.
type Session struct {
	info StartInfo
	rt   *Runtime
	log  *zap.Logger

	machine  *callstate.Machine
	conv     *conversation.Log
	gate     *Gate
	detector *audio.ActivityDetector
	tools    llm.ToolExecutor

	// adapters, swappable on reconnection; epoch identifies the install so
	// callbacks from handles closed by a swap are ignored
	adaptersMu sync.RWMutex
	stt        speech.Transcriber
	tts        speech.Synthesizer
	stream     telephony.MediaStream
	epoch      int
	reap       func()

	confMu sync.RWMutex
	conf   Conference
	role   Role

	ctx    context.Context
	cancel context.CancelFunc
	cmds   chan func()

	// generation scope; loop-owned
	generation int
	genCancel  context.CancelFunc
	genSpoke   bool
	flushTimer *time.Timer

	outcomeMu sync.Mutex
	outcome   *Outcome

	hangupOnce  sync.Once
	cleanupOnce sync.Once
}

// NewSession builds a session and its adapters. Call Init afterwards.
func NewSession(rt *Runtime, info StartInfo, stream telephony.MediaStream) (*Session, error) {
	if info.Role == "" {
		info.Role = RoleSolo
	}
	log := rt.Log.Named("session").With(
		zap.String("stream_sid", info.StreamSid),
		zap.String("call_sid", info.CallSid))

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		info:     info,
		rt:       rt,
		log:      log,
		machine:  callstate.NewMachine(log),
		conv:     conversation.New(log),
		detector: audio.NewActivityDetector(nil),
		stream:   stream,
		role:     info.Role,
		ctx:      ctx,
		cancel:   cancel,
		cmds:     make(chan func(), 64),
	}
	s.gate = NewGate(stream, log)
	s.tools = rt.Tools(info.StreamSid)

	h := &adapterEvents{s: s}
	stt, err := rt.NewSTT(h, info.Role != RoleSolo)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start transcriber: %w", err)
	}
	tts, err := rt.NewTTS(h)
	if err != nil {
		stt.Close()
		cancel()
		return nil, fmt.Errorf("failed to start synthesizer: %w", err)
	}
	s.stt = stt
	s.tts = tts

	go s.run()
	return s, nil
}

// Init moves the session into LISTENING.
func (s *Session) Init() {
	s.post(func() {
		s.machine.Attempt(callstate.Listening, "session initialized")
	})
}

// run is the single-consumer command loop.
func (s *Session) run() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case cmd := <-s.cmds:
			cmd()
		}
	}
}

// post hands a closure to the command loop.
func (s *Session) post(cmd func()) {
	select {
	case s.cmds <- cmd:
	case <-s.ctx.Done():
	}
}

// adapterEvents forwards adapter callbacks tagged with the epoch the
// handles were installed in.
type adapterEvents struct {
	s     *Session
	epoch int
}

func (h *adapterEvents) OnUtterance(text, speakerID string) { h.s.OnUtterance(text, speakerID) }
func (h *adapterEvents) OnSTTError(err error)               { h.s.OnSTTError(err) }
func (h *adapterEvents) OnSTTClosed()                       { h.s.adapterClosed(h.epoch, "transcriber") }
func (h *adapterEvents) OnAudio(mulaw []byte)               { h.s.OnAudio(mulaw) }
func (h *adapterEvents) OnFlushed()                         { h.s.OnFlushed() }
func (h *adapterEvents) OnTTSError(err error)               { h.s.OnTTSError(err) }
func (h *adapterEvents) OnTTSClosed()                       { h.s.adapterClosed(h.epoch, "synthesizer") }

// nextAdapterEpoch returns the handler for the next swap's handles. The
// epoch commits when ReplaceAdapters installs them.
func (s *Session) nextAdapterEpoch() *adapterEvents {
	s.adaptersMu.RLock()
	defer s.adaptersMu.RUnlock()
	return &adapterEvents{s: s, epoch: s.epoch + 1}
}

// setReaper installs the registry's teardown hook.
func (s *Session) setReaper(reap func()) {
	s.adaptersMu.Lock()
	defer s.adaptersMu.Unlock()
	s.reap = reap
}

// adapterClosed handles an STT/TTS handle ending. Expected during a swap or
// teardown; an unexpected close tears the whole session down.
func (s *Session) adapterClosed(epoch int, kind string) {
	s.adaptersMu.RLock()
	stale := epoch != s.epoch
	reap := s.reap
	s.adaptersMu.RUnlock()

	if stale || s.ctx.Err() != nil {
		s.log.Debug("adapter closed", zap.String("adapter", kind))
		return
	}

	s.log.Warn("adapter closed unexpectedly, ending session", zap.String("adapter", kind))
	if reap != nil {
		go reap()
	} else {
		go s.Cleanup()
	}
}

// Accessors

func (s *Session) StreamSid() string { return s.info.StreamSid }
func (s *Session) CallSid() string   { return s.info.CallSid }
func (s *Session) Caller() string    { return s.info.From }

// AppointmentID returns the appointment bound to this call, if any.
func (s *Session) AppointmentID() string { return s.info.AppointmentID }

// State returns the current call phase.
func (s *Session) State() callstate.State { return s.machine.Current() }

// Machine exposes the state machine for transition history inspection.
func (s *Session) Machine() *callstate.Machine { return s.machine }

// Conversation exposes the message log.
func (s *Session) Conversation() *conversation.Log { return s.conv }

// Gate exposes the egress gate; the conference coordinator fans shared TTS
// audio through it.
func (s *Session) Gate() *Gate { return s.gate }

// Stream returns the current uplink transport. Raw conference audio is
// written here directly, bypassing the gate.
func (s *Session) Stream() telephony.MediaStream {
	s.adaptersMu.RLock()
	defer s.adaptersMu.RUnlock()
	return s.stream
}

// Role returns the session's conference role.
func (s *Session) Role() Role {
	s.confMu.RLock()
	defer s.confMu.RUnlock()
	return s.role
}

// SetRole updates the role, e.g. when a reconnect start frame carries one.
func (s *Session) SetRole(role Role) {
	s.confMu.Lock()
	defer s.confMu.Unlock()
	s.role = role
}

// JoinConference binds the session to a coordinator.
func (s *Session) JoinConference(c Conference) {
	s.confMu.Lock()
	defer s.confMu.Unlock()
	s.conf = c
}

// LeaveConference reverts to solo mode.
func (s *Session) LeaveConference() {
	s.confMu.Lock()
	defer s.confMu.Unlock()
	s.conf = nil
	s.role = RoleSolo
}

func (s *Session) conference() Conference {
	s.confMu.RLock()
	defer s.confMu.RUnlock()
	return s.conf
}

// Ingress

// OnInboundFrame forwards one mu-law frame from the telephony stream. Never
// blocks: STT and peer writes are single bounded websocket writes.
func (s *Session) OnInboundFrame(mulaw []byte) {
	s.adaptersMu.RLock()
	stt := s.stt
	s.adaptersMu.RUnlock()

	if stt != nil {
		if err := stt.SendAudio(mulaw); err != nil {
			s.log.Debug("dropping frame, transcriber closed", zap.Error(err))
		}
	}

	if conf := s.conference(); conf != nil {
		conf.RouteRawAudio(s.info.StreamSid, mulaw)
	}

	if s.rt.InterruptionOnAudio &&
		s.machine.Current() == callstate.Speaking &&
		s.detector.ShouldInterrupt(mulaw) {
		s.post(s.interrupt)
	}
}

// Transcriber events (speech.TranscriberHandler)

// OnUtterance receives one joined final utterance from the transcriber.
func (s *Session) OnUtterance(text, speakerID string) {
	s.post(func() { s.handleTranscript(text, speakerID) })
}

func (s *Session) OnSTTError(err error) {
	s.log.Warn("transcriber error", zap.Error(err))
}

func (s *Session) OnSTTClosed() {
	s.log.Debug("transcriber closed")
}

// handleTranscript runs on the command loop.
func (s *Session) handleTranscript(text, speakerID string) {
	if conf := s.conference(); conf != nil {
		conf.HandleUtterance(s.info.StreamSid, text, speakerID)
		return
	}

	state := s.machine.Current()
	if state == callstate.Speaking {
		// barge-in: silence first, then treat as normal input
		s.interrupt()
		state = s.machine.Current()
	}
	if state != callstate.Listening {
		s.log.Info("dropping transcript", zap.Stringer("state", state), zap.String("text", text))
		return
	}

	s.conv.AppendUser(text, conversation.SpeakerNone)
	s.machine.Attempt(callstate.Thinking, "user input")
	s.startGeneration()
}

// interrupt runs the barge-in path on the command loop. Ordering: close
// gate, clear downstream, cancel LLM, clear TTS. No network round-trip is
// awaited.
func (s *Session) interrupt() {
	if !s.machine.Attempt(callstate.Interrupted, "user interrupted") {
		return
	}
	s.gate.StopImmediately()
	if s.genCancel != nil {
		s.genCancel()
	}
	s.stopFlushTimer()

	s.adaptersMu.RLock()
	tts, stt := s.tts, s.stt
	s.adaptersMu.RUnlock()
	if tts != nil {
		if err := tts.Clear(); err != nil {
			s.log.Debug("tts clear failed", zap.Error(err))
		}
	}
	if stt != nil {
		if err := stt.Finalize(); err != nil {
			s.log.Debug("stt finalize failed", zap.Error(err))
		}
	}

	s.conv.FinishAssistantInterrupted()
	s.machine.Attempt(callstate.Listening, "ready")
}

// Generation

// startGeneration opens a fresh cancellation scope and consumes the driver
// stream. Runs on the command loop.
func (s *Session) startGeneration() {
	genCtx, cancel := context.WithCancel(s.ctx)
	s.generation++
	s.genCancel = cancel
	s.genSpoke = false
	gen := s.generation

	snapshot := s.conv.Snapshot()
	events := s.rt.Driver.Stream(genCtx, s.rt.SystemPrompt, snapshot, s.tools)

	go func() {
		for ev := range events {
			ev := ev
			s.post(func() { s.handleLLMEvent(gen, ev) })
		}
	}()
}

// handleLLMEvent runs on the command loop. Events from a superseded
// generation are discarded.
func (s *Session) handleLLMEvent(gen int, ev llm.Event) {
	if gen != s.generation {
		return
	}

	switch ev.Type {
	case llm.EventStart, llm.EventTextStart, llm.EventTextEnd:
		// informational

	case llm.EventTextDelta:
		if !s.genSpoke {
			s.genSpoke = true
			s.machine.Attempt(callstate.Speaking, "generating")
			s.conv.StartAssistant()
			s.gate.Enable()
		}
		s.conv.ExtendAssistant(ev.Text)
		s.sendTTS(ev.Text)

	case llm.EventReasoning:
		s.log.Debug("reasoning", zap.String("text", ev.Text))

	case llm.EventToolCall:
		s.conv.AddAssistantToolCalls("", []conversation.ToolCall{*ev.ToolCall})

	case llm.EventToolResult:
		s.conv.AddToolResults([]conversation.ToolResult{*ev.ToolResult})

	case llm.EventToolError:
		s.log.Warn("tool error", zap.String("call_id", ev.ID), zap.Error(ev.Err))
		s.conv.AddToolResults([]conversation.ToolResult{*ev.ToolResult})

	case llm.EventFinish:
		if !s.genSpoke {
			// pure tool usage or empty response
			s.machine.Attempt(callstate.Listening, "no speech produced")
			return
		}
		s.flushTTS()
		s.conv.FinishAssistant()
		s.startFlushTimer()

	case llm.EventError:
		s.log.Error("generation failed", zap.Error(ev.Err))
		s.gate.Disable()
		s.machine.Attempt(callstate.Listening, "llm error")

	case llm.EventAbort:
		// interruption path already handled the state

	default:
		s.log.Warn("unknown llm event", zap.String("type", string(ev.Type)))
	}
}

func (s *Session) sendTTS(text string) {
	s.adaptersMu.RLock()
	tts := s.tts
	s.adaptersMu.RUnlock()
	if tts == nil {
		return
	}
	if err := tts.SendText(text); err != nil {
		s.log.Warn("tts send failed", zap.Error(err))
	}
}

func (s *Session) flushTTS() {
	s.adaptersMu.RLock()
	tts := s.tts
	s.adaptersMu.RUnlock()
	if tts == nil {
		return
	}
	if err := tts.Flush(); err != nil {
		s.log.Warn("tts flush failed", zap.Error(err))
	}
}

// startFlushTimer forces LISTENING when the synthesizer never confirms the
// drain. Runs on the command loop.
func (s *Session) startFlushTimer() {
	s.stopFlushTimer()
	s.flushTimer = time.AfterFunc(flushTimeout, func() {
		s.post(func() {
			if s.machine.Current() == callstate.Speaking {
				s.log.Warn("tts drain timed out, forcing listening")
				s.gate.Disable()
				s.machine.Attempt(callstate.Listening, "tts drain timeout")
			}
		})
	})
}

func (s *Session) stopFlushTimer() {
	if s.flushTimer != nil {
		s.flushTimer.Stop()
		s.flushTimer = nil
	}
}

// Synthesizer events (speech.SynthesizerHandler)

// OnAudio gates one synthesized frame out to the telephony stream.
func (s *Session) OnAudio(mulaw []byte) {
	s.gate.Send(mulaw)
}

// OnFlushed is the authoritative completion of a spoken response.
func (s *Session) OnFlushed() {
	s.post(func() {
		s.stopFlushTimer()
		if s.machine.Current() == callstate.Speaking {
			s.machine.Attempt(callstate.Listening, "tts drained")
			s.gate.Disable()
		}
	})
}

func (s *Session) OnTTSError(err error) {
	s.log.Warn("synthesizer error", zap.Error(err))
	s.post(func() {
		if s.machine.Current() == callstate.Speaking {
			s.stopFlushTimer()
			s.gate.Disable()
			s.machine.Attempt(callstate.Listening, "synthesizer error")
		}
	})
}

func (s *Session) OnTTSClosed() {
	s.log.Debug("synthesizer closed")
}

// Control operations

// SpeakVerbatim pushes text to TTS without the LLM, used for handoff
// announcements. The gate invariant is kept by walking the machine through
// THINKING into SPEAKING.
func (s *Session) SpeakVerbatim(text string) error {
	switch s.machine.Current() {
	case callstate.Thinking:
		return ErrSpeakWhileThinking
	case callstate.Listening:
		s.machine.Attempt(callstate.Thinking, "verbatim")
		s.machine.Attempt(callstate.Speaking, "verbatim")
	case callstate.Idle, callstate.Interrupted:
		return fmt.Errorf("session: cannot speak verbatim in state %s", s.machine.Current())
	}
	s.gate.Enable()
	s.sendTTS(text)
	s.flushTTS()
	s.post(s.startFlushTimer)
	return nil
}

// SendDTMF emits one control-plane event per digit.
func (s *Session) SendDTMF(digits string) error {
	stream := s.Stream()
	if stream == nil {
		return telephony.ErrStreamClosed
	}
	for _, d := range digits {
		if !strings.ContainsRune("0123456789*#", d) {
			return fmt.Errorf("session: invalid DTMF digit %q", d)
		}
	}
	for _, d := range digits {
		if err := stream.SendDTMF(string(d)); err != nil {
			return err
		}
	}
	return nil
}

// SetOutcome records the appointment call result for the persistence flush.
func (s *Session) SetOutcome(status, notes string) {
	s.outcomeMu.Lock()
	defer s.outcomeMu.Unlock()
	s.outcome = &Outcome{Status: status, Notes: notes}
}

// PersistOutcome writes the recorded outcome to the appointment store.
// Non-fatal on failure; the outcome stays in memory for the cleanup retry.
func (s *Session) PersistOutcome(ctx context.Context) error {
	s.outcomeMu.Lock()
	outcome := s.outcome
	s.outcomeMu.Unlock()

	if outcome == nil || s.info.AppointmentID == "" || s.rt.Store == nil {
		return nil
	}
	if err := s.rt.Store.UpdateAppointment(ctx, s.info.AppointmentID, *outcome); err != nil {
		return fmt.Errorf("failed to persist outcome: %w", err)
	}
	return nil
}

// HangUp initiates telephony termination. Applied at most once; the session
// itself is deleted by the registry when the stream closes.
func (s *Session) HangUp() error {
	var err error
	s.hangupOnce.Do(func() {
		if perr := s.PersistOutcome(s.ctx); perr != nil {
			s.log.Warn("outcome persist failed, will retry on cleanup", zap.Error(perr))
		}
		if s.rt.Control != nil {
			err = s.rt.Control.HangUp(s.ctx, s.info.CallSid)
		}
	})
	return err
}

// TransferToHuman announces the handoff, waits the settle interval and asks
// the transfer service to create the 3-way bridge. Runs on the caller's
// goroutine (the tool executor), never on the command loop.
func (s *Session) TransferToHuman(reason string) error {
	if s.rt.Transfer == nil {
		return errors.New("session: transfer to human not configured")
	}

	if err := s.SpeakVerbatim("One moment please, I'm connecting you now."); err != nil {
		s.log.Warn("handoff announcement skipped", zap.Error(err))
	}

	select {
	case <-time.After(transferSettle):
	case <-s.ctx.Done():
		return s.ctx.Err()
	}

	if err := s.rt.Transfer.StartConference(s.ctx, s, reason); err != nil {
		s.log.Error("conference setup failed", zap.Error(err))
		s.post(func() {
			s.gate.Disable()
			if s.machine.Current() == callstate.Speaking {
				s.machine.Attempt(callstate.Listening, "transfer failed")
			}
		})
		return err
	}
	return nil
}

// Adapter swap

// ReplaceAdapters installs fresh STT/TTS/transport handles on reconnection,
// closing the old ones. Conversation, state, conference binding and speaker
// bindings are untouched. Atomic with respect to inbound frames.
func (s *Session) ReplaceAdapters(stt speech.Transcriber, tts speech.Synthesizer, stream telephony.MediaStream) {
	s.adaptersMu.Lock()
	oldSTT, oldTTS, oldStream := s.stt, s.tts, s.stream
	s.stt, s.tts, s.stream = stt, tts, stream
	s.epoch++
	s.adaptersMu.Unlock()

	s.gate.SetStream(stream)

	if oldSTT != nil {
		oldSTT.Close()
	}
	if oldTTS != nil {
		oldTTS.Close()
	}
	if oldStream != nil {
		oldStream.Close()
	}
	s.log.Info("adapters swapped")
}

// Cleanup aborts the generation scope, stops audio, closes the adapters and
// resets state. Idempotent.
func (s *Session) Cleanup() {
	s.cleanupOnce.Do(func() {
		s.gate.StopImmediately()

		// flush any retained outcome before the scopes die
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.PersistOutcome(flushCtx); err != nil {
			s.log.Warn("outcome lost", zap.Error(err))
		}
		cancel()

		s.cancel() // cancels command loop and any generation scope

		s.adaptersMu.Lock()
		stt, tts, stream := s.stt, s.tts, s.stream
		s.stt, s.tts, s.stream = nil, nil, nil
		s.adaptersMu.Unlock()

		if stt != nil {
			stt.Close()
		}
		if tts != nil {
			tts.Close()
		}
		if stream != nil {
			stream.Close()
		}

		if conf := s.conference(); conf != nil {
			conf.ParticipantGone(s.info.StreamSid)
			s.LeaveConference()
		}

		s.machine.Attempt(callstate.Idle, "teardown")
		s.log.Info("session cleaned up")
	})
}

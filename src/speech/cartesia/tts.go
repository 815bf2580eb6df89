package cartesia

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/square-key-labs/switchboard/src/speech"
)

const (
	wsURLFormat     = "wss://api.cartesia.ai/tts/websocket?api_key=%s&cartesia_version=%s"
	cartesiaVersion = "2025-04-16"
)

// Synthesizer streams text chunks to Cartesia and emits mu-law frames.
//
// Each spoken response maps to one Cartesia context id. Clear cancels the
// live context so queued synthesis is dropped; audio arriving for a context
// that is no longer live is discarded, which guarantees nothing plays after
// an interruption. The service's "done" message for the flushed context is
// surfaced as the Flushed event.
type Synthesizer struct {
	config  speech.TTSConfig
	handler speech.SynthesizerHandler
	log     *zap.Logger

	conn   *websocket.Conn
	connMu sync.Mutex // protects concurrent WebSocket writes
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	contextID string
	flushing  bool
}

// NewSynthesizer creates a Cartesia synthesizer. Events go to handler.
func NewSynthesizer(config speech.TTSConfig, handler speech.SynthesizerHandler, log *zap.Logger) *Synthesizer {
	if config.Model == "" {
		config.Model = "sonic-3"
	}
	if config.Language == "" {
		config.Language = "en"
	}
	return &Synthesizer{
		config:  config,
		handler: handler,
		log:     log.Named("cartesia"),
	}
}

// Start dials the synthesis endpoint and begins the read loop.
func (s *Synthesizer) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	wsURL := fmt.Sprintf(wsURLFormat, s.config.APIKey, cartesiaVersion)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to Cartesia: %w", err)
	}
	s.conn = conn

	go s.receiveAudio()

	s.log.Info("connected", zap.String("model", s.config.Model))
	return nil
}

func (s *Synthesizer) writeJSON(v any) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("cartesia connection not established")
	}
	return s.conn.WriteJSON(v)
}

func (s *Synthesizer) buildMessage(contextID, text string, continueTranscript bool) map[string]any {
	return map[string]any{
		"transcript": text,
		"continue":   continueTranscript,
		"context_id": contextID,
		"model_id":   s.config.Model,
		"voice": map[string]any{
			"mode": "id",
			"id":   s.config.VoiceID,
		},
		"output_format": map[string]any{
			"container":   "raw",
			"encoding":    "pcm_mulaw",
			"sample_rate": 8000,
		},
		"language": s.config.Language,
	}
}

// SendText queues one text chunk for synthesis, opening a new context on the
// first chunk of a response.
func (s *Synthesizer) SendText(chunk string) error {
	if chunk == "" {
		return nil
	}
	s.mu.Lock()
	if s.contextID == "" {
		s.contextID = uuid.New().String()
		s.flushing = false
		s.log.Debug("new synthesis context", zap.String("context_id", s.contextID))
	}
	contextID := s.contextID
	s.mu.Unlock()

	return s.writeJSON(s.buildMessage(contextID, chunk, true))
}

// Flush signals end of the response text. Flushed fires when the service
// reports the context done.
func (s *Synthesizer) Flush() error {
	s.mu.Lock()
	contextID := s.contextID
	if contextID == "" {
		// nothing queued; report drained immediately
		s.mu.Unlock()
		s.handler.OnFlushed()
		return nil
	}
	s.flushing = true
	s.mu.Unlock()

	return s.writeJSON(s.buildMessage(contextID, "", false))
}

// Clear cancels the live context and drops its queued audio.
func (s *Synthesizer) Clear() error {
	s.mu.Lock()
	contextID := s.contextID
	s.contextID = ""
	s.flushing = false
	s.mu.Unlock()

	if contextID == "" {
		return nil
	}
	s.log.Debug("canceling context", zap.String("context_id", contextID))
	return s.writeJSON(map[string]any{
		"context_id": contextID,
		"cancel":     true,
	})
}

// Close tears down the stream.
func (s *Synthesizer) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	return nil
}

type ttsResponse struct {
	Type      string `json:"type"`
	ContextID string `json:"context_id"`
	Data      string `json:"data"`
	Error     string `json:"error"`
}

func (s *Synthesizer) receiveAudio() {
	for {
		select {
		case <-s.ctx.Done():
			s.handler.OnTTSClosed()
			return
		default:
			s.connMu.Lock()
			conn := s.conn
			s.connMu.Unlock()
			if conn == nil {
				s.handler.OnTTSClosed()
				return
			}

			_, message, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
					strings.Contains(err.Error(), "use of closed network connection") {
					s.handler.OnTTSClosed()
					return
				}
				s.log.Error("read error", zap.Error(err))
				s.handler.OnTTSError(err)
				return
			}

			var response ttsResponse
			if err := json.Unmarshal(message, &response); err != nil {
				s.log.Warn("unparseable response", zap.Error(err))
				continue
			}
			s.handleMessage(&response)
		}
	}
}

func (s *Synthesizer) handleMessage(r *ttsResponse) {
	s.mu.Lock()
	live := r.ContextID != "" && r.ContextID == s.contextID
	flushing := s.flushing
	s.mu.Unlock()

	switch r.Type {
	case "chunk":
		if !live {
			s.log.Debug("discarding audio from stale context", zap.String("context_id", r.ContextID))
			return
		}
		audio, err := base64.StdEncoding.DecodeString(r.Data)
		if err != nil {
			s.log.Warn("bad audio payload", zap.Error(err))
			return
		}
		s.handler.OnAudio(audio)

	case "done":
		if !live {
			return
		}
		s.mu.Lock()
		s.contextID = ""
		s.flushing = false
		s.mu.Unlock()
		if flushing {
			s.handler.OnFlushed()
		}

	case "error":
		s.log.Error("service error", zap.String("error", r.Error))
		s.handler.OnTTSError(fmt.Errorf("cartesia error: %s", r.Error))

	default:
		// timestamps and other informational messages
	}
}

package deepgram

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/square-key-labs/switchboard/src/speech"
)

const listenURL = "wss://api.deepgram.com/v1/listen"

// Transcriber streams telephony audio to Deepgram and delivers one joined
// utterance per endpointed stretch of speech.
type Transcriber struct {
	config  speech.STTConfig
	handler speech.TranscriberHandler
	log     *zap.Logger

	conn   *websocket.Conn
	connMu sync.Mutex // protects concurrent WebSocket writes
	ctx    context.Context
	cancel context.CancelFunc

	// utterance accumulation until speech_final
	fragMu    sync.Mutex
	fragments []string
	speakerID string
}

// NewTranscriber creates a Deepgram transcriber. Events go to handler.
func NewTranscriber(config speech.STTConfig, handler speech.TranscriberHandler, log *zap.Logger) *Transcriber {
	if config.Model == "" {
		config.Model = "nova-2"
	}
	if config.Language == "" {
		config.Language = "en-US"
	}
	if config.EndpointMs == 0 {
		config.EndpointMs = 500
	}
	return &Transcriber{
		config:  config,
		handler: handler,
		log:     log.Named("deepgram"),
	}
}

// Start dials the streaming endpoint and begins the read loop.
func (t *Transcriber) Start(ctx context.Context) error {
	t.ctx, t.cancel = context.WithCancel(ctx)

	params := url.Values{}
	params.Set("model", t.config.Model)
	params.Set("language", t.config.Language)
	params.Set("encoding", "mulaw")
	params.Set("sample_rate", "8000")
	params.Set("channels", "1")
	params.Set("interim_results", "true")
	params.Set("endpointing", strconv.Itoa(t.config.EndpointMs))
	params.Set("punctuate", "true")
	if t.config.Diarize {
		params.Set("diarize", "true")
	}

	header := map[string][]string{
		"Authorization": {fmt.Sprintf("Token %s", t.config.APIKey)},
	}

	conn, _, err := websocket.DefaultDialer.Dial(listenURL+"?"+params.Encode(), header)
	if err != nil {
		return fmt.Errorf("failed to connect to Deepgram: %w", err)
	}
	t.conn = conn

	go t.receiveTranscriptions()
	go t.keepaliveTask()

	t.log.Info("connected", zap.String("model", t.config.Model), zap.Bool("diarize", t.config.Diarize))
	return nil
}

func (t *Transcriber) writeJSON(v any) error {
	t.connMu.Lock()
	defer t.connMu.Unlock()
	if t.conn == nil {
		return fmt.Errorf("deepgram connection not established")
	}
	return t.conn.WriteJSON(v)
}

// SendAudio forwards one mu-law frame.
func (t *Transcriber) SendAudio(mulaw []byte) error {
	t.connMu.Lock()
	defer t.connMu.Unlock()
	if t.conn == nil {
		return fmt.Errorf("deepgram connection not established")
	}
	return t.conn.WriteMessage(websocket.BinaryMessage, mulaw)
}

// Finalize flushes the in-flight utterance so stale fragments cannot leak
// through after an interruption.
func (t *Transcriber) Finalize() error {
	t.fragMu.Lock()
	t.fragments = nil
	t.speakerID = ""
	t.fragMu.Unlock()
	return t.writeJSON(map[string]string{"type": "Finalize"})
}

// Close tears down the stream.
func (t *Transcriber) Close() error {
	if t.cancel != nil {
		t.cancel()
	}
	t.connMu.Lock()
	defer t.connMu.Unlock()
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
	return nil
}

type listenResponse struct {
	Type        string `json:"type"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`
	Channel     struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
			Words      []struct {
				Word    string `json:"word"`
				Speaker *int   `json:"speaker,omitempty"`
			} `json:"words"`
		} `json:"alternatives"`
	} `json:"channel"`
}

func (t *Transcriber) receiveTranscriptions() {
	for {
		select {
		case <-t.ctx.Done():
			t.handler.OnSTTClosed()
			return
		default:
			t.connMu.Lock()
			conn := t.conn
			t.connMu.Unlock()
			if conn == nil {
				t.handler.OnSTTClosed()
				return
			}

			_, message, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
					strings.Contains(err.Error(), "use of closed network connection") {
					t.handler.OnSTTClosed()
					return
				}
				t.log.Error("read error", zap.Error(err))
				t.handler.OnSTTError(err)
				return
			}

			var response listenResponse
			if err := json.Unmarshal(message, &response); err != nil {
				t.log.Warn("unparseable response", zap.Error(err))
				continue
			}
			t.handleResult(&response)
		}
	}
}

// handleResult accumulates final fragments and delivers the joined utterance
// once the service reports the speech complete.
func (t *Transcriber) handleResult(r *listenResponse) {
	if len(r.Channel.Alternatives) == 0 {
		return
	}
	alt := r.Channel.Alternatives[0]
	transcript := strings.TrimSpace(alt.Transcript)

	if !r.IsFinal {
		return
	}

	t.fragMu.Lock()
	if transcript != "" {
		t.fragments = append(t.fragments, transcript)
		if t.speakerID == "" && len(alt.Words) > 0 && alt.Words[0].Speaker != nil {
			t.speakerID = strconv.Itoa(*alt.Words[0].Speaker)
		}
	}

	if !r.SpeechFinal {
		t.fragMu.Unlock()
		return
	}

	utterance := strings.Join(t.fragments, " ")
	speakerID := t.speakerID
	t.fragments = nil
	t.speakerID = ""
	t.fragMu.Unlock()

	if utterance == "" {
		return
	}
	t.log.Debug("utterance", zap.String("text", utterance), zap.String("speaker", speakerID))
	t.handler.OnUtterance(utterance, speakerID)
}

// keepaliveTask keeps the socket alive; the service times out after ~10s of
// silence without audio or messages.
func (t *Transcriber) keepaliveTask() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			if err := t.writeJSON(map[string]string{"type": "KeepAlive"}); err != nil {
				t.log.Warn("keepalive failed", zap.Error(err))
				return
			}
		}
	}
}

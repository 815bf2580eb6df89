package telephony

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
)

// Media Streams wire protocol. Downlink events arrive as JSON text frames;
// uplink messages are JSON text frames keyed by "event".

// StreamMessage is one downlink frame from the telephony provider.
type StreamMessage struct {
	Event     string      `json:"event"`
	StreamSid string      `json:"streamSid,omitempty"`
	Media     *MediaEvent `json:"media,omitempty"`
	Start     *StartEvent `json:"start,omitempty"`
	Mark      *MarkEvent  `json:"mark,omitempty"`
	Stop      *StopEvent  `json:"stop,omitempty"`
	DTMF      *DTMFEvent  `json:"dtmf,omitempty"`
}

// MediaEvent carries one base64 mu-law audio payload.
type MediaEvent struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

// StartEvent announces a new (or reconnecting) media stream.
type StartEvent struct {
	StreamSid        string            `json:"streamSid"`
	CallSid          string            `json:"callSid"`
	AccountSid       string            `json:"accountSid,omitempty"`
	Tracks           []string          `json:"tracks,omitempty"`
	MediaFormat      map[string]any    `json:"mediaFormat,omitempty"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

// MarkEvent echoes a previously sent mark.
type MarkEvent struct {
	Name string `json:"name"`
}

// StopEvent announces the end of the stream.
type StopEvent struct {
	CallSid string `json:"callSid,omitempty"`
}

// DTMFEvent reports a keypad digit pressed by the remote party.
type DTMFEvent struct {
	Track string `json:"track,omitempty"`
	Digit string `json:"digit"`
}

// DecodeMessage parses one downlink frame.
func DecodeMessage(data []byte) (*StreamMessage, error) {
	var msg StreamMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stream message: %w", err)
	}
	return &msg, nil
}

// DecodeMediaPayload returns the raw mu-law bytes of a media event.
func DecodeMediaPayload(m *MediaEvent) ([]byte, error) {
	audio, err := base64.StdEncoding.DecodeString(m.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decode audio payload: %w", err)
	}
	return audio, nil
}

// uplink message shapes

type uplinkMessage struct {
	Event     string      `json:"event"`
	StreamSid string      `json:"streamSid"`
	Media     *MediaEvent `json:"media,omitempty"`
	Mark      *MarkEvent  `json:"mark,omitempty"`
	DTMF      *DTMFEvent  `json:"dtmf,omitempty"`
}

// EncodeMedia builds an uplink media frame for mu-law audio.
func EncodeMedia(streamSid string, mulaw []byte) ([]byte, error) {
	return json.Marshal(uplinkMessage{
		Event:     "media",
		StreamSid: streamSid,
		Media:     &MediaEvent{Payload: base64.StdEncoding.EncodeToString(mulaw)},
	})
}

// EncodeClear builds an uplink clear frame, dropping buffered downstream audio.
func EncodeClear(streamSid string) ([]byte, error) {
	return json.Marshal(uplinkMessage{Event: "clear", StreamSid: streamSid})
}

// EncodeMark builds an uplink mark frame.
func EncodeMark(streamSid, name string) ([]byte, error) {
	return json.Marshal(uplinkMessage{
		Event:     "mark",
		StreamSid: streamSid,
		Mark:      &MarkEvent{Name: name},
	})
}

// EncodeDTMF builds an uplink dtmf frame for a single digit.
func EncodeDTMF(streamSid, digit string) ([]byte, error) {
	return json.Marshal(uplinkMessage{
		Event:     "dtmf",
		StreamSid: streamSid,
		DTMF:      &DTMFEvent{Digit: digit},
	})
}

// MediaStream is the uplink half of one telephony media stream. Sessions and
// the conference coordinator write synthesized audio and control frames
// through it; implementations must be safe for concurrent use.
type MediaStream interface {
	SendMedia(mulaw []byte) error
	SendClear() error
	SendMark(name string) error
	SendDTMF(digit string) error
	Close() error
}

// WSMediaStream sends uplink frames over a live WebSocket connection.
type WSMediaStream struct {
	streamSid string
	conn      *websocket.Conn
	mu        sync.Mutex // protects concurrent writes
	closed    bool
}

// NewWSMediaStream wraps a WebSocket connection for one stream id.
func NewWSMediaStream(streamSid string, conn *websocket.Conn) *WSMediaStream {
	return &WSMediaStream{streamSid: streamSid, conn: conn}
}

// StreamSid returns the stream identifier this uplink is bound to.
func (s *WSMediaStream) StreamSid() string {
	return s.streamSid
}

func (s *WSMediaStream) write(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStreamClosed
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *WSMediaStream) SendMedia(mulaw []byte) error {
	data, err := EncodeMedia(s.streamSid, mulaw)
	if err != nil {
		return err
	}
	return s.write(data)
}

func (s *WSMediaStream) SendClear() error {
	data, err := EncodeClear(s.streamSid)
	if err != nil {
		return err
	}
	return s.write(data)
}

func (s *WSMediaStream) SendMark(name string) error {
	data, err := EncodeMark(s.streamSid, name)
	if err != nil {
		return err
	}
	return s.write(data)
}

func (s *WSMediaStream) SendDTMF(digit string) error {
	data, err := EncodeDTMF(s.streamSid, digit)
	if err != nil {
		return err
	}
	return s.write(data)
}

// Close marks the uplink closed. The underlying connection is owned by the
// server read loop and closed there.
func (s *WSMediaStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

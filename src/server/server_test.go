package server

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/square-key-labs/switchboard/src/llm"
	"github.com/square-key-labs/switchboard/src/session"
	"github.com/square-key-labs/switchboard/src/speech"
)

const eventually = 2 * time.Second

type fakeSTT struct{}

func (fakeSTT) Start(context.Context) error { return nil }
func (fakeSTT) SendAudio([]byte) error      { return nil }
func (fakeSTT) Finalize() error             { return nil }
func (fakeSTT) Close() error                { return nil }

type fakeTTS struct{}

func (fakeTTS) Start(context.Context) error { return nil }
func (fakeTTS) SendText(string) error       { return nil }
func (fakeTTS) Flush() error                { return nil }
func (fakeTTS) Clear() error                { return nil }
func (fakeTTS) Close() error                { return nil }

func newTestServer(t *testing.T) (*Server, *session.Registry, *httptest.Server) {
	t.Helper()

	llmSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(llmSrv.Close)

	rt := &session.Runtime{
		Driver: llm.NewDriver(llm.DriverConfig{APIKey: "k", Model: "m", BaseURL: llmSrv.URL}, zap.NewNop()),
		Tools:  func(string) llm.ToolExecutor { return nil },
		NewSTT: func(speech.TranscriberHandler, bool) (speech.Transcriber, error) { return fakeSTT{}, nil },
		NewTTS: func(speech.SynthesizerHandler) (speech.Synthesizer, error) { return fakeTTS{}, nil },
		Log:    zap.NewNop(),
	}
	registry := session.NewRegistry(rt)
	t.Cleanup(registry.Shutdown)

	srv := New(Config{
		Addr:     ":0",
		WSURL:    "wss://agent.example.com/media",
		Registry: registry,
		Log:      zap.NewNop(),
	})

	web := httptest.NewServer(srv.httpSrv.Handler)
	t.Cleanup(web.Close)
	return srv, registry, web
}

func TestAnswerEndpointReturnsStreamTwiML(t *testing.T) {
	_, _, web := newTestServer(t)

	form := url.Values{"From": {"+15551112222"}, "To": {"+15553334444"}}
	resp, err := http.PostForm(web.URL+"/answer?appointmentId=appt-1&role=owner&conferenceId=c-9", form)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/xml", resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	twiml := string(body)
	assert.Contains(t, twiml, `url="wss://agent.example.com/media"`)
	assert.Contains(t, twiml, `name="appointmentId" value="appt-1"`)
	assert.Contains(t, twiml, `name="role" value="owner"`)
	assert.Contains(t, twiml, `name="conferenceId" value="c-9"`)
	assert.Contains(t, twiml, `name="from" value="+15551112222"`)
}

func TestConferenceStatusWithoutManager(t *testing.T) {
	_, _, web := newTestServer(t)

	resp, err := http.PostForm(web.URL+"/conference-status?conferenceId=c-1",
		url.Values{"StatusCallbackEvent": {"participant-leave"}})
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	_, _, web := newTestServer(t)
	resp, err := http.Get(web.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func dialMedia(t *testing.T, web *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(web.URL, "http") + "/media"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestMediaStreamLifecycle(t *testing.T) {
	_, registry, web := newTestServer(t)
	conn := dialMedia(t, web)

	require.NoError(t, conn.WriteJSON(map[string]any{"event": "connected"}))
	require.NoError(t, conn.WriteJSON(map[string]any{
		"event":     "start",
		"streamSid": "S1",
		"start": map[string]any{
			"streamSid":        "S1",
			"callSid":          "CA1",
			"customParameters": map[string]string{"appointmentId": "appt-1"},
		},
	}))

	require.Eventually(t, func() bool { return registry.Has("S1") }, eventually, 5*time.Millisecond)
	s, ok := registry.Get("S1")
	require.True(t, ok)
	assert.Equal(t, "appt-1", s.AppointmentID())
	assert.Equal(t, session.RoleSolo, s.Role())

	// audio frames are accepted without tearing anything down
	require.NoError(t, conn.WriteJSON(map[string]any{
		"event":     "media",
		"streamSid": "S1",
		"media":     map[string]any{"payload": base64.StdEncoding.EncodeToString([]byte{0x7F, 0x7F})},
	}))

	require.NoError(t, conn.WriteJSON(map[string]any{"event": "stop", "streamSid": "S1"}))
	require.Eventually(t, func() bool { return !registry.Has("S1") }, eventually, 5*time.Millisecond)
}

func TestMediaConnectionDropDeletesSession(t *testing.T) {
	_, registry, web := newTestServer(t)
	conn := dialMedia(t, web)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"event":     "start",
		"streamSid": "S2",
		"start":     map[string]any{"streamSid": "S2", "callSid": "CA2"},
	}))
	require.Eventually(t, func() bool { return registry.Has("S2") }, eventually, 5*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return !registry.Has("S2") }, eventually, 5*time.Millisecond)
}

func TestMediaReconnectSwapsAdapters(t *testing.T) {
	_, registry, web := newTestServer(t)

	first := dialMedia(t, web)
	require.NoError(t, first.WriteJSON(map[string]any{
		"event":     "start",
		"streamSid": "S3",
		"start":     map[string]any{"streamSid": "S3", "callSid": "CA3"},
	}))
	require.Eventually(t, func() bool { return registry.Has("S3") }, eventually, 5*time.Millisecond)
	s, _ := registry.Get("S3")
	oldStream := s.Stream()

	// same stream id arrives on a new connection, e.g. after a conference move
	second := dialMedia(t, web)
	require.NoError(t, second.WriteJSON(map[string]any{
		"event":     "start",
		"streamSid": "S3",
		"start": map[string]any{
			"streamSid":        "S3",
			"callSid":          "CA3",
			"customParameters": map[string]string{"role": "caller"},
		},
	}))

	require.Eventually(t, func() bool {
		live, ok := registry.Get("S3")
		return ok && live.Stream() != oldStream
	}, eventually, 5*time.Millisecond)

	live, ok := registry.Get("S3")
	require.True(t, ok)
	assert.Same(t, s, live)
	assert.Equal(t, session.RoleCaller, live.Role())

	// the stale connection dying must not reap the reconnected session
	first.Close()
	time.Sleep(50 * time.Millisecond)
	assert.True(t, registry.Has("S3"))
}
